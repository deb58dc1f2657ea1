// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Store.Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is a byte-value KV store with per-entry TTL. It backs the exact
// layers of the hierarchy (L1 responses, L3 intents, L4 retrievals).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Redis store
// =============================================================================

// RedisStore is the shared cache backend. All engine replicas hit the
// same Redis, so a response cached by one replica serves the others.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at rawURL. Accepts either a full
// redis:// URL or a bare host:port address. The connection is not probed
// here; an unreachable Redis surfaces as per-operation errors that the
// tiered store degrades around.
func NewRedisStore(rawURL, password string) (*RedisStore, error) {
	var opts *redis.Options
	if strings.Contains(rawURL, "://") {
		parsed, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid cache URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: rawURL}
	}
	if password != "" {
		opts.Password = password
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)

// =============================================================================
// In-process fallback store
// =============================================================================

// memoryMaxCost bounds the fallback cache so a long Redis outage cannot
// grow it past roughly 32 MiB of cached values.
const memoryMaxCost = 32 << 20

// MemoryStore is the bounded in-process fallback used when Redis is
// unavailable. Built on ristretto, which handles TTL expiry and cost
// based eviction.
type MemoryStore struct {
	cache *ristretto.Cache[string, []byte]
}

// NewMemoryStore builds the fallback store. Ristretto only fails on
// nonsensical configuration, so the error path is effectively a
// programming bug guard.
func NewMemoryStore() (*MemoryStore, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e5,
		MaxCost:     memoryMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build fallback cache: %w", err)
	}
	return &MemoryStore{cache: c}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return val, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.cache.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.cache.Del(key)
	return nil
}

// Ping always succeeds; the store lives in-process.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	m.cache.Close()
	return nil
}

// Wait flushes ristretto's write buffers. Sets are asynchronous; tests
// call this before asserting on a Get.
func (m *MemoryStore) Wait() {
	m.cache.Wait()
}

var _ Store = (*MemoryStore)(nil)

// =============================================================================
// Tiered store
// =============================================================================

// TieredStore serves from Redis and degrades to the in-process fallback
// when Redis is missing or failing. Every failure is logged and absorbed;
// callers only ever see a hit or a miss.
type TieredStore struct {
	primary  Store // nil when no Redis is configured
	fallback *MemoryStore
}

// NewTieredStore wires the two levels. primary may be nil.
func NewTieredStore(primary Store, fallback *MemoryStore) *TieredStore {
	return &TieredStore{primary: primary, fallback: fallback}
}

// Get returns the cached value and the backend that served it.
func (t *TieredStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if t.primary != nil {
		val, err := t.primary.Get(ctx, key)
		switch {
		case err == nil:
			return val, BackendRedis, nil
		case errors.Is(err, ErrMiss):
			// fall through to the local copy
		default:
			slog.Warn("Cache read failed, trying fallback", "error", err)
		}
	}
	val, err := t.fallback.Get(ctx, key)
	if err != nil {
		return nil, "", ErrMiss
	}
	return val, BackendFallback, nil
}

// Set writes to Redis, falling back to the in-process store on failure.
func (t *TieredStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if t.primary != nil {
		err := t.primary.Set(ctx, key, value, ttl)
		if err == nil {
			return
		}
		slog.Warn("Cache write failed, using fallback", "error", err)
	}
	_ = t.fallback.Set(ctx, key, value, ttl)
}

// Delete removes the key from both levels.
func (t *TieredStore) Delete(ctx context.Context, key string) {
	if t.primary != nil {
		if err := t.primary.Delete(ctx, key); err != nil {
			slog.Warn("Cache delete failed", "error", err)
		}
	}
	_ = t.fallback.Delete(ctx, key)
}

// Ping reports Redis health. A nil primary is healthy by definition: the
// deployment opted into fallback-only caching.
func (t *TieredStore) Ping(ctx context.Context) error {
	if t.primary == nil {
		return nil
	}
	return t.primary.Ping(ctx)
}

// Shared reports whether a cross-replica backend is configured.
func (t *TieredStore) Shared() bool {
	return t.primary != nil
}

// Close releases both levels.
func (t *TieredStore) Close() error {
	var err error
	if t.primary != nil {
		err = t.primary.Close()
	}
	if cerr := t.fallback.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
