package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/Strob0t/PRDForge/internal/adapter/postgres"
	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/port/database/storetest"
)

// setupStore connects, resets the schema via goose and returns a ready store.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()

	// Roll everything back so the compliance suite starts empty.
	_ = postgres.RollbackMigrations(ctx, dsn, 2)
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	version, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		t.Fatalf("migration version: %v", err)
	}
	if version < 2 {
		t.Fatalf("expected migration version >= 2, got %d", version)
	}

	cfg := config.Defaults().Postgres
	cfg.DSN = dsn
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s := postgres.NewStore(pool)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCompliance(t *testing.T) {
	storetest.Run(t, setupStore(t))
}
