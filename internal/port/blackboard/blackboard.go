// Package blackboard defines a versioned key-value store shared between
// processes, used for project snapshots.
package blackboard

import "context"

// Store is a versioned key-value store. Every Put increments the key's version.
type Store interface {
	Put(ctx context.Context, key string, value []byte) (version int64, err error)
	// Get returns domain.ErrNotFound for missing keys.
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
}
