// Package project defines the shared project context driven by the lead agent,
// the feature roster, and the assembled PRD document.
package project

import "time"

// Status is the project-level stage of the PRD pipeline.
type Status string

const (
	StatusInitializing          Status = "initializing"
	StatusResearchDispatched    Status = "research_dispatched"
	StatusResearchComplete      Status = "research_complete"
	StatusDefiningFeatures      Status = "defining_features"
	StatusValidated             Status = "validated"
	StatusUpdating              Status = "updating"
	StatusDocumentationComplete Status = "documentation_complete"
)

// Init holds the fields needed to start a project.
type Init struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Objectives  []string `json:"objectives"`
	TargetUsers []string `json:"target_users,omitempty"`
	Goals       []string `json:"goals,omitempty"`
}

// Summary is the structured result of a consulting session.
type Summary struct {
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description" validate:"required"`
	TargetUsers []string `json:"target_users" validate:"required,min=1"`
	Goals       []string `json:"goals" validate:"required,min=1"`
	KeyFeatures []string `json:"key_features" validate:"required,min=1"`
}

// ToInit converts an approved summary into project initialization input.
// Key features become the objectives features are defined for; goals are used
// when no key features were captured.
func (s Summary) ToInit() Init {
	objectives := s.KeyFeatures
	if len(objectives) == 0 {
		objectives = s.Goals
	}
	return Init{
		Title:       s.Title,
		Description: s.Description,
		Objectives:  append([]string(nil), objectives...),
		TargetUsers: append([]string(nil), s.TargetUsers...),
		Goals:       append([]string(nil), s.Goals...),
	}
}

// ResearchTask is one research query dispatched by the lead agent.
type ResearchTask struct {
	ID        string `json:"task_id"`
	Query     string `json:"query"`
	Objective string `json:"objective,omitempty"`
	Done      bool   `json:"done"`
}

// Finding is the outcome of one completed research task.
type Finding struct {
	TaskID   string   `json:"task_id"`
	Query    string   `json:"query"`
	Findings []string `json:"findings"`
	Sources  []string `json:"sources"`
}

// Context is the mutable project record. Only the lead agent writes to it;
// everyone else sees a Snapshot.
type Context struct {
	ID                 string                   `json:"id"`
	Title              string                   `json:"title"`
	Description        string                   `json:"description"`
	Objectives         []string                 `json:"objectives"`
	TargetUsers        []string                 `json:"target_users,omitempty"`
	Goals              []string                 `json:"goals,omitempty"`
	Status             Status                   `json:"status"`
	FeaturesStatus     map[string]FeatureStatus `json:"features_status"`
	ValidationFeedback map[string][]string      `json:"validation_feedback"`
	Revisions          map[string]int           `json:"revisions"`
	Features           map[string]Feature       `json:"features"`
	ResearchTasks      map[string]*ResearchTask `json:"research_tasks"`
	Findings           []Finding                `json:"findings"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// NewContext builds a fresh context in the initializing state.
func NewContext(id string, in Init, now time.Time) *Context {
	return &Context{
		ID:                 id,
		Title:              in.Title,
		Description:        in.Description,
		Objectives:         append([]string(nil), in.Objectives...),
		TargetUsers:        append([]string(nil), in.TargetUsers...),
		Goals:              append([]string(nil), in.Goals...),
		Status:             StatusInitializing,
		FeaturesStatus:     make(map[string]FeatureStatus),
		ValidationFeedback: make(map[string][]string),
		Revisions:          make(map[string]int),
		Features:           make(map[string]Feature),
		ResearchTasks:      make(map[string]*ResearchTask),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// PendingResearch returns the number of research tasks without a result.
func (c *Context) PendingResearch() int {
	n := 0
	for _, t := range c.ResearchTasks {
		if !t.Done {
			n++
		}
	}
	return n
}

// AllValidated reports whether at least one feature is tracked and every
// tracked feature is validated.
func (c *Context) AllValidated() bool {
	if len(c.FeaturesStatus) == 0 {
		return false
	}
	for _, s := range c.FeaturesStatus {
		if s != FeatureValidated {
			return false
		}
	}
	return true
}

// Snapshot is an immutable copy of the context handed to other agents.
type Snapshot struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Objectives  []string  `json:"objectives"`
	TargetUsers []string  `json:"target_users,omitempty"`
	Goals       []string  `json:"goals,omitempty"`
	Status      Status    `json:"status"`
	Findings    []Finding `json:"findings,omitempty"`
}

// Snapshot copies the fields other agents may read.
func (c *Context) Snapshot() Snapshot {
	findings := make([]Finding, len(c.Findings))
	copy(findings, c.Findings)
	return Snapshot{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Objectives:  append([]string(nil), c.Objectives...),
		TargetUsers: append([]string(nil), c.TargetUsers...),
		Goals:       append([]string(nil), c.Goals...),
		Status:      c.Status,
		Findings:    findings,
	}
}

// Progress is the read model served to API clients.
type Progress struct {
	ProjectID          string                   `json:"project_id"`
	Title              string                   `json:"title"`
	Status             Status                   `json:"status"`
	FeaturesStatus     map[string]FeatureStatus `json:"features_status"`
	ValidationFeedback map[string][]string      `json:"validation_feedback"`
	PendingResearch    int                      `json:"pending_research"`
	CompletedResearch  int                      `json:"completed_research"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// Progress builds a deep-copied read model of the context.
func (c *Context) Progress() Progress {
	fs := make(map[string]FeatureStatus, len(c.FeaturesStatus))
	for k, v := range c.FeaturesStatus {
		fs[k] = v
	}
	fb := make(map[string][]string, len(c.ValidationFeedback))
	for k, v := range c.ValidationFeedback {
		fb[k] = append([]string(nil), v...)
	}
	pending := c.PendingResearch()
	return Progress{
		ProjectID:          c.ID,
		Title:              c.Title,
		Status:             c.Status,
		FeaturesStatus:     fs,
		ValidationFeedback: fb,
		PendingResearch:    pending,
		CompletedResearch:  len(c.ResearchTasks) - pending,
		UpdatedAt:          c.UpdatedAt,
	}
}
