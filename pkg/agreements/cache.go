// Package agreements owns the agreement-by-id index consumed by status
// derivation. It is an explicit read-through cache with a TTL and explicit
// invalidation, passed into call sites rather than rebuilt ad hoc per screen.
package agreements

import (
	"context"
	"sync"
	"time"

	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/models"
)

// Fetcher is the remote side of the cache; pkg/remote.Client satisfies it.
type Fetcher interface {
	FetchAgreement(ctx context.Context, id string) (models.Agreement, error)
}

type cached struct {
	agreement models.Agreement
	expiresAt time.Time
}

type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	nowFunc func() time.Time

	mu    sync.RWMutex
	items map[string]cached
}

func NewCache(fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		nowFunc: time.Now,
		items:   map[string]cached{},
	}
}

// Get returns the agreement, fetching through on a miss or expiry. A fetch
// failure returns nil so callers derive Unknown and fail closed.
func (c *Cache) Get(ctx context.Context, id string) (*models.Agreement, error) {
	if a := c.Peek(id); a != nil {
		return a, nil
	}
	fetched, err := c.fetcher.FetchAgreement(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Put(fetched)
	out := fetched.Normalize()
	return &out, nil
}

// Peek returns the cached agreement without I/O, or nil when absent/expired.
// Synchronous derivation paths use it between refreshes.
func (c *Cache) Peek(id string) *models.Agreement {
	c.mu.RLock()
	item, ok := c.items[id]
	c.mu.RUnlock()
	if !ok || c.nowFunc().After(item.expiresAt) {
		return nil
	}
	out := item.agreement
	return &out
}

// Put seeds or replaces an entry, e.g. from an action response that already
// carries the fresh agreement.
func (c *Cache) Put(a models.Agreement) {
	if a.ID == "" {
		return
	}
	c.mu.Lock()
	c.items[a.ID] = cached{agreement: a.Normalize(), expiresAt: c.nowFunc().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops an entry; the next Get fetches through. Called after any
// action that can change agreement state (e.g. escrow just funded).
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}
