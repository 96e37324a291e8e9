package event

// Taxonomy is the declared set of event types a router accepts.
type Taxonomy struct {
	System map[Type]bool
	Agent  map[Type]bool
}

// DefaultTaxonomy returns the event types used by the PRD pipeline.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		System: set(
			TypeInitialized,
			TypeShutdown,
			TypeError,
			TypeHandlerError,
			TypeProgress,
			TypeDocumentComplete,
			TypeMemoryUpdated,
			TypeProjectSummaryReady,
			TypeUserFeedback,
		),
		Agent: set(
			TypeProjectSummaryReady,
			TypeResearchRequest,
			TypeResearchComplete,
			TypeFeatureRequest,
			TypeFeatureDefined,
			TypeFeatureCompleted,
			TypeValidationRequest,
			TypeValidationComplete,
			TypeValidationResult,
			TypeUpdateMemory,
			TypeMemoryUpdated,
			TypeUserFeedback,
			TypeDocumentComplete,
			TypeError,
		),
	}
}

// Clone returns a deep copy that can be extended without affecting t.
func (t Taxonomy) Clone() Taxonomy {
	out := Taxonomy{System: make(map[Type]bool, len(t.System)), Agent: make(map[Type]bool, len(t.Agent))}
	for k := range t.System {
		out.System[k] = true
	}
	for k := range t.Agent {
		out.Agent[k] = true
	}
	return out
}

func set(types ...Type) map[Type]bool {
	m := make(map[Type]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}
