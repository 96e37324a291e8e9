package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/PRDForge/internal/adapter/ristretto"
	"github.com/Strob0t/PRDForge/internal/port/cache/cachetest"
)

func TestCacheCompliance(t *testing.T) {
	c, err := ristretto.New(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	cachetest.Run(t, c, c.Wait)
}

func TestZeroTTLUsesDefault(t *testing.T) {
	c, err := ristretto.New(1, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	ctx := context.Background()

	_ = c.Set(ctx, "pet adoption apps", []byte(`[]`), 0)
	c.Wait()
	if _, ok, _ := c.Get(ctx, "pet adoption apps"); !ok {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(1100 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "pet adoption apps"); ok {
		t.Error("expected the default ttl to expire the entry")
	}
}
