// Package natskv shares search results between PRDForge instances through a
// JetStream key-value bucket.
package natskv

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// keyPrefix namespaces entries so the bucket can hold other data later.
const keyPrefix = "search."

// Cache stores values in kv. Expiry is the bucket's MaxAge; per-entry ttls
// are ignored.
type Cache struct {
	kv jetstream.KeyValue
}

func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Key maps a free-text query onto the KV key alphabet.
func Key(query string) string {
	sum := sha256.Sum256([]byte(query))
	return keyPrefix + base64.RawURLEncoding.EncodeToString(sum[:])
}

func (c *Cache) Get(ctx context.Context, query string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, Key(query))
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return entry.Value(), true, nil
}

func (c *Cache) Set(ctx context.Context, query string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, Key(query), value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete purges the key so no revision of the stale result is kept.
func (c *Cache) Delete(ctx context.Context, query string) error {
	err := c.kv.Purge(ctx, Key(query))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv purge: %w", err)
	}
	return nil
}
