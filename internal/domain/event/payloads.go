package event

import (
	"errors"

	"github.com/Strob0t/PRDForge/internal/domain/memory"
	"github.com/Strob0t/PRDForge/internal/domain/project"
)

// ProjectSummaryReadyPayload starts the pipeline from an approved summary.
type ProjectSummaryReadyPayload struct {
	ProjectID string          `json:"project_id,omitempty"`
	Summary   project.Summary `json:"summary"`
}

// ResearchRequestPayload asks the research agent to run one query.
type ResearchRequestPayload struct {
	TaskID    string           `json:"task_id" validate:"required"`
	Query     string           `json:"query" validate:"required"`
	Objective string           `json:"objective,omitempty"`
	Context   project.Snapshot `json:"context"`
}

// ResearchCompletePayload reports the ranked findings of one research task.
type ResearchCompletePayload struct {
	TaskID   string   `json:"task_id" validate:"required"`
	Query    string   `json:"query" validate:"required"`
	Findings []string `json:"findings"`
	Sources  []string `json:"sources"`
}

// FeatureRequestPayload asks the feature agent to define a feature for an
// objective, or to refine an existing feature with feedback.
type FeatureRequestPayload struct {
	RequestID string           `json:"request_id" validate:"required"`
	Objective string           `json:"objective,omitempty" validate:"required_without=Feature"`
	Feature   *project.Feature `json:"feature,omitempty" validate:"-"`
	Context   project.Snapshot `json:"context"`
	Feedback  []string         `json:"feedback,omitempty"`
}

// Validate checks the feature being refined, when there is one.
func (p *FeatureRequestPayload) Validate() error {
	if p.Feature != nil {
		return project.ValidateName(p.Feature.Name)
	}
	return nil
}

// FeatureDefinedPayload carries a complete feature produced by the feature agent.
type FeatureDefinedPayload struct {
	RequestID string          `json:"request_id,omitempty"`
	Objective string          `json:"objective,omitempty"`
	Feature   project.Feature `json:"feature"`
}

// ValidationRequestPayload asks the validation agent to score a feature.
// The feature is deliberately not schema-checked: scoring incomplete features
// is the validation agent's job.
type ValidationRequestPayload struct {
	Feature project.Feature  `json:"feature" validate:"-"`
	Context project.Snapshot `json:"context"`
}

// Validate requires the feature name used to route the verdict back.
func (p *ValidationRequestPayload) Validate() error {
	return project.ValidateName(p.Feature.Name)
}

// ValidationCompletePayload carries the verdict for one feature.
type ValidationCompletePayload struct {
	Feature  project.Feature            `json:"feature" validate:"-"`
	Status   string                     `json:"status" validate:"required,oneof=valid invalid"`
	Score    float64                    `json:"score" validate:"gte=0,lte=1"`
	Results  []project.ValidationResult `json:"results"`
	Feedback string                     `json:"feedback"`
}

// Validate requires the feature name the verdict applies to.
func (p *ValidationCompletePayload) Validate() error {
	return project.ValidateName(p.Feature.Name)
}

// UpdateMemoryPayload asks the memory agent to persist one record.
type UpdateMemoryPayload = memory.Update

// MemoryUpdatedPayload announces a successful store.
type MemoryUpdatedPayload struct {
	Kind memory.Kind `json:"kind" validate:"required"`
	Key  string      `json:"key" validate:"required"`
	ID   int64       `json:"id,omitempty"`
}

// FeedbackItem is user feedback about one feature.
type FeedbackItem struct {
	Feature  project.Feature `json:"feature" validate:"-"`
	Feedback string          `json:"feedback"`
}

// UserFeedbackPayload carries user corrections to the current roster.
type UserFeedbackPayload struct {
	ProjectID  string         `json:"project_id,omitempty"`
	Features   []FeedbackItem `json:"features,omitempty"`
	Objectives []string       `json:"objectives,omitempty" validate:"dive,required"`
}

// Validate rejects empty feedback and unnamed features.
func (p *UserFeedbackPayload) Validate() error {
	if len(p.Features) == 0 && len(p.Objectives) == 0 {
		return errors.New("feedback must name at least one feature or objective")
	}
	for _, f := range p.Features {
		if err := project.ValidateName(f.Feature.Name); err != nil {
			return err
		}
	}
	return nil
}

// DocumentCompletePayload announces the assembled PRD.
type DocumentCompletePayload struct {
	Document project.Document `json:"document"`
}

// ErrorPayload describes a system.error escalation.
type ErrorPayload struct {
	Error         string   `json:"error" validate:"required"`
	Message       string   `json:"message,omitempty"`
	Agent         string   `json:"agent,omitempty"`
	Feature       string   `json:"feature,omitempty"`
	OriginalEvent *Message `json:"original_event,omitempty"`
}

// HandlerErrorPayload describes a handler that failed while processing an event.
type HandlerErrorPayload struct {
	Error   string  `json:"error" validate:"required"`
	Handler string  `json:"handler"`
	Event   Message `json:"event"`
}

// Escalation reasons carried in ErrorPayload.Error.
const (
	ErrMaxRetriesExceeded   = "max_retries_exceeded"
	ErrRetryCancelled       = "retry_cancelled"
	ErrMaxRevisionsExceeded = "max_revisions_exceeded"
	ErrFeatureTimeout       = "feature_request_timeout"
	ErrAgentFailure         = "agent_failure"
	ErrQuotaExceeded        = "quota_exceeded"
)
