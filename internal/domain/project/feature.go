package project

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Strob0t/PRDForge/internal/domain"
)

// Priority ranks a feature.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the declared priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Stage is the lifecycle stage recorded on a feature snapshot.
type Stage string

const (
	StageDraft         Stage = "draft"
	StageRefined       Stage = "refined"
	StageCompleted     Stage = "completed"
	StageValidated     Stage = "validated"
	StageNeedsRevision Stage = "needs_revision"
)

// Feature is one PRD feature. Every refinement produces a new value; features
// are never shared by reference between agents.
type Feature struct {
	Name         string   `json:"name" validate:"required"`
	Description  string   `json:"description" validate:"required"`
	Requirements []string `json:"requirements" validate:"required,min=1,dive,required"`
	Dependencies []string `json:"dependencies"`
	Priority     Priority `json:"priority" validate:"required,oneof=high medium low"`
	Status       Stage    `json:"status,omitempty"`
	Feedback     string   `json:"feedback,omitempty"`
}

// Clone returns a deep copy of f.
func (f Feature) Clone() Feature {
	f.Requirements = append([]string(nil), f.Requirements...)
	f.Dependencies = append([]string(nil), f.Dependencies...)
	return f
}

// ValidateName checks a feature name used as a storage key.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("feature name is required: %w", domain.ErrValidation)
	}
	if len(name) > 255 {
		return fmt.Errorf("feature name exceeds 255 characters: %w", domain.ErrValidation)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("feature name contains control characters: %w", domain.ErrValidation)
		}
	}
	return nil
}

// FeatureStatus is the lead agent's tracking status for a feature.
type FeatureStatus string

const (
	FeatureAssigned      FeatureStatus = "assigned"
	FeatureCompleted     FeatureStatus = "completed"
	FeatureValidated     FeatureStatus = "validated"
	FeatureNeedsRevision FeatureStatus = "needs_revision"
)

// CanTransition reports whether a tracked feature may move from one status to
// another. An empty from means the feature is not tracked yet.
//
//	"" -> assigned -> completed -> validated
//	any -> needs_revision -> completed
//
// A feature never returns to assigned once it has progressed.
func CanTransition(from, to FeatureStatus) bool {
	switch to {
	case FeatureAssigned:
		return from == "" || from == FeatureAssigned
	case FeatureCompleted:
		return from == "" || from == FeatureAssigned || from == FeatureNeedsRevision || from == FeatureCompleted
	case FeatureValidated:
		return from == FeatureCompleted || from == FeatureValidated
	case FeatureNeedsRevision:
		return true
	}
	return false
}

// ValidationResult is the outcome of one rule in one validation pass.
type ValidationResult struct {
	Rule     string  `json:"rule"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}
