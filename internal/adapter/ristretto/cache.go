// Package ristretto keeps recent search results in process memory.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const defaultSizeMB = 64

// Cache is a size-bounded admission cache. Values cost their byte length.
type Cache struct {
	c          *ristretto.Cache[string, []byte]
	defaultTTL time.Duration
}

// New holds at most sizeMB megabytes of values. Entries written with a zero
// ttl expire after defaultTTL, or never if that is zero too.
func New(sizeMB int64, defaultTTL time.Duration) (*Cache, error) {
	if sizeMB <= 0 {
		sizeMB = defaultSizeMB
	}
	budget := sizeMB << 20
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// A serialized result page is a few KiB; count ten keys per slot.
		NumCounters:        budget / 4096 * 10,
		MaxCost:            budget,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, defaultTTL: defaultTTL}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.c.Get(key)
	return v, ok, nil
}

// Set is applied asynchronously and the admission policy may refuse it, so
// a Get right after Set can miss. Wait flushes pending writes.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied.
func (c *Cache) Wait() { c.c.Wait() }

func (c *Cache) Close() { c.c.Close() }
