// Package tiered layers the in-process search-result cache over the shared
// NATS KV bucket.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/PRDForge/internal/port/cache"
)

// Lookup tiers reported to the observer.
const (
	TierL1   = "l1"
	TierL2   = "l2"
	TierMiss = "miss"
)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger replaces slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithObserver reports the tier that answered every Get.
func WithObserver(fn func(ctx context.Context, tier string)) Option {
	return func(c *Cache) { c.observe = fn }
}

// Cache reads the local level first and falls back to the shared one,
// copying shared hits into the local level for promote. The shared level is
// best effort: its failures are logged and read as misses, so research keeps
// working while NATS is down.
type Cache struct {
	local   cache.Cache
	shared  cache.Cache
	promote time.Duration
	log     *slog.Logger
	observe func(context.Context, string)
}

// New returns a Cache. shared may be nil.
func New(local, shared cache.Cache, promote time.Duration, opts ...Option) *Cache {
	c := &Cache{
		local:   local,
		shared:  shared,
		promote: promote,
		log:     slog.Default(),
		observe: func(context.Context, string) {},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := c.local.Get(ctx, key); err != nil || ok {
		if ok {
			c.observe(ctx, TierL1)
		}
		return v, ok, err
	}
	if c.shared == nil {
		c.observe(ctx, TierMiss)
		return nil, false, nil
	}

	v, ok, err := c.shared.Get(ctx, key)
	switch {
	case err != nil:
		c.log.WarnContext(ctx, "shared cache read failed", "error", err)
		c.observe(ctx, TierMiss)
		return nil, false, nil
	case !ok:
		c.observe(ctx, TierMiss)
		return nil, false, nil
	}
	if err := c.local.Set(ctx, key, v, c.promote); err != nil {
		c.log.DebugContext(ctx, "promote to local cache failed", "error", err)
	}
	c.observe(ctx, TierL2)
	return v, true, nil
}

// Set writes the local level; a shared write failure is only logged.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		c.log.WarnContext(ctx, "shared cache write failed", "error", err)
	}
	return nil
}

// Delete evicts key from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	if c.shared == nil {
		return nil
	}
	return c.shared.Delete(ctx, key)
}
