// Package storetest provides a compliance suite every database.Store
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/memory"
	"github.com/Strob0t/PRDForge/internal/port/database"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s database.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("UpsertFeatureKeyedByName", func(t *testing.T) {
		first, err := s.UpsertFeature(ctx, memory.FeatureRow{
			Name: "Search", Description: "v1", Status: "draft", Priority: "high", Requirements: []string{"fast"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if first.ID == 0 {
			t.Fatal("expected id to be assigned")
		}
		second, err := s.UpsertFeature(ctx, memory.FeatureRow{
			Name: "Search", Description: "v2", Status: "refined", Priority: "medium", Requirements: []string{"fast", "fuzzy"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if second.ID != first.ID {
			t.Fatalf("expected same id %d, got %d", first.ID, second.ID)
		}
		got, err := s.GetFeatureByName(ctx, "Search")
		if err != nil {
			t.Fatal(err)
		}
		if got.Description != "v2" || got.Status != "refined" || len(got.Requirements) != 2 {
			t.Fatalf("unexpected row after update: %+v", got)
		}
		byID, err := s.GetFeature(ctx, first.ID)
		if err != nil {
			t.Fatal(err)
		}
		if byID.Name != "Search" {
			t.Fatalf("expected Search, got %s", byID.Name)
		}
	})

	t.Run("GetFeatureNotFound", func(t *testing.T) {
		_, err := s.GetFeatureByName(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListFeatures", func(t *testing.T) {
		if _, err := s.UpsertFeature(ctx, memory.FeatureRow{Name: "Cart", Status: "draft", Priority: "low"}); err != nil {
			t.Fatal(err)
		}
		rows, err := s.ListFeatures(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 2 || rows[0].Name != "Search" || rows[1].Name != "Cart" {
			t.Fatalf("unexpected features: %+v", rows)
		}
		if rows[1].Requirements == nil {
			t.Fatal("expected empty requirements slice, got nil")
		}
	})

	t.Run("DependenciesAppendOnly", func(t *testing.T) {
		f, err := s.GetFeatureByName(ctx, "Search")
		if err != nil {
			t.Fatal(err)
		}
		deps := []memory.Dependency{
			{Description: "Cart", Type: "feature", Status: "pending"},
			{Description: "Auth", Type: "feature", Status: "pending"},
		}
		if err := s.AddDependencies(ctx, f.ID, deps); err != nil {
			t.Fatal(err)
		}
		if err := s.AddDependencies(ctx, f.ID, deps[:1]); err != nil {
			t.Fatal(err)
		}
		got, err := s.ListDependencies(ctx, f.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 dependencies, got %d", len(got))
		}
		if got[0].FeatureID != f.ID || got[0].Description != "Cart" {
			t.Fatalf("unexpected dependency: %+v", got[0])
		}
	})

	t.Run("ResearchKeyedByTask", func(t *testing.T) {
		r := memory.ResearchRecord{TaskID: "t1", Query: "q", Findings: []string{"a"}, Sources: []string{"https://a"}}
		if err := s.UpsertResearch(ctx, r); err != nil {
			t.Fatal(err)
		}
		r.Findings = []string{"a", "b"}
		if err := s.UpsertResearch(ctx, r); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetResearch(ctx, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Findings) != 2 || got.Sources[0] != "https://a" {
			t.Fatalf("unexpected research: %+v", got)
		}
		all, err := s.ListResearch(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 1 {
			t.Fatalf("expected 1 research record, got %d", len(all))
		}
		if _, err := s.GetResearch(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ValidationResults", func(t *testing.T) {
		f, err := s.GetFeatureByName(ctx, "Cart")
		if err != nil {
			t.Fatal(err)
		}
		rows := []memory.ValidationRow{
			{FeatureID: f.ID, Rule: "completeness", Score: 0.5, Feedback: "Missing description"},
			{FeatureID: f.ID, Rule: "consistency", Score: 1, Feedback: "passed"},
		}
		if err := s.InsertValidationResults(ctx, rows); err != nil {
			t.Fatal(err)
		}
		got, err := s.ListValidationResults(ctx, f.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].Rule != "completeness" || got[0].Score != 0.5 {
			t.Fatalf("unexpected validation rows: %+v", got)
		}
	})

	t.Run("EventLog", func(t *testing.T) {
		ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		for i, topic := range []string{"system.initialized", "agent.lead.research_complete"} {
			e := event.StoredEvent{
				Topic:            topic,
				Type:             event.TypeInitialized,
				MessageID:        topic,
				CorrelationID:    "corr-1",
				Data:             json.RawMessage(`{"n":1}`),
				Timestamp:        ts.Add(time.Duration(i) * time.Second),
				ProcessingTimeMs: 1.5,
			}
			if err := s.AppendEvent(ctx, e); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.AppendEvent(ctx, event.StoredEvent{Topic: "system.progress", Type: event.TypeProgress, MessageID: "x", CorrelationID: "other", Timestamp: ts}); err != nil {
			t.Fatal(err)
		}

		got, err := s.ListEventsByCorrelation(ctx, "corr-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 events, got %d", len(got))
		}
		if got[1].Topic != "agent.lead.research_complete" || got[0].ProcessingTimeMs != 1.5 {
			t.Fatalf("unexpected events: %+v", got)
		}
		if !got[0].Timestamp.Equal(ts) {
			t.Fatalf("expected timestamp %v, got %v", ts, got[0].Timestamp)
		}
		none, err := s.ListEventsByCorrelation(ctx, "nobody")
		if err != nil {
			t.Fatal(err)
		}
		if len(none) != 0 {
			t.Fatalf("expected no events, got %d", len(none))
		}
	})
}
