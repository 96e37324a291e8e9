// Package cachetest checks a cache.Cache against the behavior the research
// agent relies on.
package cachetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Strob0t/PRDForge/internal/port/cache"
)

// Search queries are free text; adapters with a restricted key alphabet must
// map them.
const (
	queryA = "meal planning apps: competitors & pricing?"
	queryB = "meal planning apps: competitors & pricing"
)

var (
	pageA = []byte(`[{"url":"https://a.example","snippet":"Mealime is free","score":0.91}]`)
	pageB = []byte(`[{"url":"https://b.example","snippet":"Paprika costs $5","score":0.74}]`)
)

// Run exercises c. settle is called after every write for caches that apply
// writes asynchronously; it may be nil.
func Run(t *testing.T, c cache.Cache, settle func()) {
	t.Helper()
	ctx := context.Background()
	if settle == nil {
		settle = func() {}
	}
	set := func(t *testing.T, key string, v []byte) {
		t.Helper()
		if err := c.Set(ctx, key, v, time.Minute); err != nil {
			t.Fatalf("Set(%q): %v", key, err)
		}
		settle()
	}
	expect := func(t *testing.T, key string, want []byte) {
		t.Helper()
		got, ok, err := c.Get(ctx, key)
		switch {
		case err != nil:
			t.Fatalf("Get(%q): %v", key, err)
		case want == nil && ok:
			t.Fatalf("Get(%q) = %s, want miss", key, got)
		case want != nil && !ok:
			t.Fatalf("Get(%q) missed, want %s", key, want)
		case want != nil && !bytes.Equal(got, want):
			t.Fatalf("Get(%q) = %s, want %s", key, got, want)
		}
	}

	t.Run("MissIsNotAnError", func(t *testing.T) {
		expect(t, "never stored", nil)
	})

	t.Run("KeysAreExact", func(t *testing.T) {
		set(t, queryA, pageA)
		set(t, queryB, pageB)
		expect(t, queryA, pageA)
		expect(t, queryB, pageB)
	})

	t.Run("LatestWriteWins", func(t *testing.T) {
		set(t, queryA, pageA)
		set(t, queryA, pageB)
		expect(t, queryA, pageB)
	})

	t.Run("DeleteEvicts", func(t *testing.T) {
		set(t, queryB, pageB)
		if err := c.Delete(ctx, queryB); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		settle()
		expect(t, queryB, nil)
		if err := c.Delete(ctx, queryB); err != nil {
			t.Fatalf("Delete of an absent key: %v", err)
		}
	})
}
