// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/memory"
)

// Store is the port interface for durable PRD memory and the event log.
type Store interface {
	// Features are keyed by name. UpsertFeature returns the stored row with
	// its id.
	UpsertFeature(ctx context.Context, f memory.FeatureRow) (*memory.FeatureRow, error)
	GetFeatureByName(ctx context.Context, name string) (*memory.FeatureRow, error)
	GetFeature(ctx context.Context, id int64) (*memory.FeatureRow, error)
	ListFeatures(ctx context.Context) ([]memory.FeatureRow, error)

	// Dependencies are append-only. Rows whose description already exists
	// for the feature are skipped.
	AddDependencies(ctx context.Context, featureID int64, deps []memory.Dependency) error
	ListDependencies(ctx context.Context, featureID int64) ([]memory.Dependency, error)

	// Research is keyed by task id.
	UpsertResearch(ctx context.Context, r memory.ResearchRecord) error
	GetResearch(ctx context.Context, taskID string) (*memory.ResearchRecord, error)
	ListResearch(ctx context.Context) ([]memory.ResearchRecord, error)

	InsertValidationResults(ctx context.Context, rows []memory.ValidationRow) error
	ListValidationResults(ctx context.Context, featureID int64) ([]memory.ValidationRow, error)

	// AppendEvent persists one delivered bus event.
	AppendEvent(ctx context.Context, e event.StoredEvent) error
	ListEventsByCorrelation(ctx context.Context, correlationID string) ([]event.StoredEvent, error)

	Close() error
}
