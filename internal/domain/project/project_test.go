package project

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/PRDForge/internal/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to FeatureStatus
		want     bool
	}{
		{"", FeatureAssigned, true},
		{FeatureAssigned, FeatureCompleted, true},
		{FeatureCompleted, FeatureValidated, true},
		{FeatureCompleted, FeatureNeedsRevision, true},
		{FeatureValidated, FeatureNeedsRevision, true},
		{"", FeatureNeedsRevision, true},
		{FeatureNeedsRevision, FeatureCompleted, true},
		{FeatureCompleted, FeatureAssigned, false},
		{FeatureValidated, FeatureAssigned, false},
		{FeatureNeedsRevision, FeatureAssigned, false},
		{FeatureAssigned, FeatureValidated, false},
		{FeatureNeedsRevision, FeatureValidated, false},
		{FeatureValidated, FeatureCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateInit(t *testing.T) {
	tests := []struct {
		name    string
		in      Init
		wantErr string
	}{
		{name: "valid", in: Init{Title: "Tic Tac Toe", Objectives: []string{"auth", "board"}}},
		{name: "missing title", in: Init{Objectives: []string{"a"}}, wantErr: "title is required"},
		{name: "title too long", in: Init{Title: strings.Repeat("x", 256), Objectives: []string{"a"}}, wantErr: "exceeds 255"},
		{name: "control chars", in: Init{Title: "a\x00b", Objectives: []string{"a"}}, wantErr: "control characters"},
		{name: "no objectives", in: Init{Title: "x"}, wantErr: "at least one objective"},
		{name: "blank objective", in: Init{Title: "x", Objectives: []string{" "}}, wantErr: "objective 0 is empty"},
		{name: "duplicate objective", in: Init{Title: "x", Objectives: []string{"a", "a"}}, wantErr: "duplicate objective"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInit(tt.in)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummaryToInit(t *testing.T) {
	s := Summary{Title: "T", Description: "D", Goals: []string{"g"}, KeyFeatures: []string{"login", "chat"}}
	in := s.ToInit()
	if len(in.Objectives) != 2 || in.Objectives[0] != "login" {
		t.Errorf("objectives = %v, want key features", in.Objectives)
	}

	s.KeyFeatures = nil
	in = s.ToInit()
	if len(in.Objectives) != 1 || in.Objectives[0] != "g" {
		t.Errorf("objectives = %v, want goals fallback", in.Objectives)
	}
}

func TestContextSnapshotIsIndependent(t *testing.T) {
	c := NewContext("p1", Init{Title: "T", Objectives: []string{"a"}}, time.Now())
	snap := c.Snapshot()
	snap.Objectives[0] = "mutated"
	if c.Objectives[0] != "a" {
		t.Errorf("snapshot shares objectives with context")
	}
}

func TestAllValidated(t *testing.T) {
	c := NewContext("p1", Init{Title: "T", Objectives: []string{"a"}}, time.Now())
	if c.AllValidated() {
		t.Fatal("empty roster must not count as validated")
	}
	c.FeaturesStatus["A"] = FeatureValidated
	c.FeaturesStatus["B"] = FeatureCompleted
	if c.AllValidated() {
		t.Fatal("B is not validated")
	}
	c.FeaturesStatus["B"] = FeatureValidated
	if !c.AllValidated() {
		t.Fatal("expected all validated")
	}
}

func TestBuildDocument(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewContext("p1", Init{Title: "Tic Tac Toe", Description: "A game", Objectives: []string{"auth", "board"}}, now)
	c.Features["Board"] = Feature{Name: "Board", Description: "3x3 grid", Requirements: []string{"render"}, Priority: PriorityMedium}
	c.Features["Authentication"] = Feature{Name: "Authentication", Description: "Login", Requirements: []string{"MFA"}, Dependencies: []string{"User store"}, Priority: PriorityHigh}
	c.Features["Chat"] = Feature{Name: "Chat", Description: "Talk", Requirements: []string{"send"}, Priority: PriorityLow}
	c.FeaturesStatus["Board"] = FeatureValidated
	c.FeaturesStatus["Authentication"] = FeatureValidated
	c.FeaturesStatus["Chat"] = FeatureNeedsRevision

	doc := BuildDocument(c, now)
	if len(doc.Features) != 2 {
		t.Fatalf("features = %d, want 2 validated", len(doc.Features))
	}
	if doc.Features[0].Name != "Authentication" {
		t.Errorf("first feature = %q, want high priority first", doc.Features[0].Name)
	}

	md := doc.Markdown()
	for _, want := range []string{"# Tic Tac Toe", "### Authentication (high)", "- User store", "## Objectives"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "Chat") {
		t.Error("markdown must not include unvalidated features")
	}
}
