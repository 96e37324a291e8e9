package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Strob0t/PRDForge/internal/adapter/sqlite"
	"github.com/Strob0t/PRDForge/internal/port/database/storetest"
)

func TestStoreCompliance(t *testing.T) {
	s, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	storetest.Run(t, s)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prd.db")

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertResearch(ctx, researchRecord()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	got, err := s.GetResearch(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Query != "market size" {
		t.Fatalf("expected persisted query, got %q", got.Query)
	}
}
