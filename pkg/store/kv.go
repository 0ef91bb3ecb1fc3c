// Package store provides the key-value persistence collaborator used for
// draft records, plus connection helpers for redis and postgres.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// KV is the narrow persistence contract consumed by the draft store. Values
// are opaque strings; callers own serialization.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
}

// RedisKV persists through go-redis without expiry; drafts live until
// committed or discarded.
type RedisKV struct{ client *redis.Client }

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return res, err
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryKV is the in-process fallback and the test double.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]string
	// FailWrites simulates quota/availability errors in tests.
	FailWrites bool
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: map[string]string{}}
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return errors.New("kv: write unavailable")
	}
	m.items[key] = value
	return nil
}

func (m *MemoryKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len reports how many keys are persisted; used by tests.
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// NewKV tries redis and falls back to process memory when it is unreachable.
func NewKV(ctx context.Context, client *redis.Client) KV {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisKV{client: client}
		}
	}
	return NewMemoryKV()
}
