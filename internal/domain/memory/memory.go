// Package memory provides the domain model for durable PRD memory: persisted
// features, their dependencies, research records and validation results.
package memory

import (
	"errors"
	"slices"
	"time"

	"github.com/Strob0t/PRDForge/internal/domain/project"
)

// Kind categorizes an update_memory request.
type Kind string

const (
	KindFeature    Kind = "feature"
	KindResearch   Kind = "research"
	KindValidation Kind = "validation"
	KindRecord     Kind = "record"
	KindSnapshot   Kind = "project_snapshot"
)

// ValidKinds lists all valid memory kinds.
var ValidKinds = []Kind{KindFeature, KindResearch, KindValidation, KindRecord, KindSnapshot}

// Record is a free-form named entry. It is persisted as a feature row keyed
// by name, with Text as the description.
type Record struct {
	Name   string `json:"name"`
	Text   string `json:"text"`
	Status string `json:"status,omitempty"`
}

// Validate checks that a Record has all required fields.
func (r *Record) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

// FeatureRow is a persisted feature.
type FeatureRow struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Status       string    `json:"status"`
	Priority     string    `json:"priority"`
	Requirements []string  `json:"requirements"`
	Feedback     string    `json:"feedback,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FromFeature converts a feature snapshot into a row for upsert.
func FromFeature(f project.Feature) FeatureRow {
	return FeatureRow{
		Name:         f.Name,
		Description:  f.Description,
		Status:       string(f.Status),
		Priority:     string(f.Priority),
		Requirements: append([]string(nil), f.Requirements...),
		Feedback:     f.Feedback,
	}
}

// Dependency is an append-only dependency row referencing a feature id.
type Dependency struct {
	ID          int64     `json:"id"`
	FeatureID   int64     `json:"feature_id"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResearchRecord is a persisted research result keyed by task id.
type ResearchRecord struct {
	TaskID    string    `json:"task_id"`
	Query     string    `json:"query"`
	Findings  []string  `json:"findings"`
	Sources   []string  `json:"sources"`
	CreatedAt time.Time `json:"created_at"`
}

// FromFinding converts a research finding into a persisted record.
func FromFinding(f project.Finding) ResearchRecord {
	return ResearchRecord{
		TaskID:   f.TaskID,
		Query:    f.Query,
		Findings: append([]string(nil), f.Findings...),
		Sources:  append([]string(nil), f.Sources...),
	}
}

// Validation is the outcome of one validation pass for a feature.
type Validation struct {
	FeatureName string                     `json:"feature_name"`
	Status      string                     `json:"status"`
	Score       float64                    `json:"score"`
	Results     []project.ValidationResult `json:"results"`
}

// ValidationRow is a persisted per-rule validation result.
type ValidationRow struct {
	ID        int64     `json:"id"`
	FeatureID int64     `json:"feature_id"`
	Rule      string    `json:"rule"`
	Score     float64   `json:"score"`
	Feedback  string    `json:"feedback"`
	CreatedAt time.Time `json:"created_at"`
}

// Similar is one vector search hit.
type Similar struct {
	Feature  FeatureRow `json:"feature"`
	Distance float32    `json:"distance"`
}

// Update is the update_memory request. Exactly the field matching Kind is set.
type Update struct {
	Kind       Kind             `json:"kind" validate:"required"`
	Feature    *project.Feature `json:"feature,omitempty" validate:"-"`
	Research   *project.Finding `json:"research,omitempty" validate:"-"`
	Validation *Validation      `json:"validation,omitempty" validate:"-"`
	Record     *Record          `json:"record,omitempty" validate:"-"`
	Snapshot   *project.Context `json:"snapshot,omitempty" validate:"-"`
}

// Validate checks that the request carries the payload its kind requires.
func (u *Update) Validate() error {
	if !slices.Contains(ValidKinds, u.Kind) {
		return errors.New("invalid kind: must be feature, research, validation, record, or project_snapshot")
	}
	switch u.Kind {
	case KindFeature:
		if u.Feature == nil {
			return errors.New("feature is required for kind feature")
		}
		return project.ValidateName(u.Feature.Name)
	case KindResearch:
		if u.Research == nil || u.Research.TaskID == "" {
			return errors.New("research.task_id is required for kind research")
		}
	case KindValidation:
		if u.Validation == nil || u.Validation.FeatureName == "" {
			return errors.New("validation.feature_name is required for kind validation")
		}
	case KindRecord:
		if u.Record == nil {
			return errors.New("record is required for kind record")
		}
		return u.Record.Validate()
	case KindSnapshot:
		if u.Snapshot == nil || u.Snapshot.ID == "" {
			return errors.New("snapshot.id is required for kind project_snapshot")
		}
	}
	return nil
}
