// Package redis implements the versioned blackboard port on Redis hashes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain"
)

// maxTxRetries bounds optimistic-lock retries of Put under contention.
const maxTxRetries = 5

// Blackboard stores each key as a hash {value, version}. Put bumps the
// version inside a WATCH transaction and publishes the new version on
// <prefix>:update:<key>.
type Blackboard struct {
	client *goredis.Client
	prefix string
}

// New connects to the configured Redis server.
func New(cfg config.Redis) *Blackboard {
	return NewWithClient(goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Prefix)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *Blackboard {
	if prefix == "" {
		prefix = "prdforge"
	}
	return &Blackboard{client: client, prefix: prefix}
}

func (b *Blackboard) key(k string) string { return b.prefix + ":bb:" + k }

// UpdateChannel is the pub/sub channel announcing new versions of k.
func (b *Blackboard) UpdateChannel(k string) string { return b.prefix + ":update:" + k }

// Put stores value under key and returns its new version.
func (b *Blackboard) Put(ctx context.Context, key string, value []byte) (int64, error) {
	hkey := b.key(key)
	var version int64
	txf := func(tx *goredis.Tx) error {
		cur, err := tx.HGet(ctx, hkey, "version").Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		version = cur + 1
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, hkey, "value", value, "version", version)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := b.client.Watch(ctx, txf, hkey)
		if err == nil {
			if err := b.client.Publish(ctx, b.UpdateChannel(key), version).Err(); err != nil {
				return version, fmt.Errorf("blackboard notify %s: %w", key, err)
			}
			return version, nil
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			return 0, fmt.Errorf("blackboard put %s: %w", key, err)
		}
	}
	return 0, fmt.Errorf("blackboard put %s: %w", key, domain.ErrConflict)
}

// Get returns the current value and version of key.
func (b *Blackboard) Get(ctx context.Context, key string) ([]byte, int64, error) {
	res, err := b.client.HGetAll(ctx, b.key(key)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("blackboard get %s: %w", key, err)
	}
	if len(res) == 0 {
		return nil, 0, fmt.Errorf("blackboard get %s: %w", key, domain.ErrNotFound)
	}
	version, err := strconv.ParseInt(res["version"], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("blackboard version %s: %w", key, err)
	}
	return []byte(res["value"]), version, nil
}

// Ping checks connectivity.
func (b *Blackboard) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *Blackboard) Close() error {
	return b.client.Close()
}
