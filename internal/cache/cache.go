// Package cache provides the read-through availability cache. Entries are
// TTL-bounded, writes invalidate, and concurrent misses for one key collapse
// into a single recomputation.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader recomputes the value for a key on a cache miss.
type Loader func(ctx context.Context) (interface{}, error)

type item struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is an in-memory TTL cache with singleflight recomputation.
type Cache struct {
	mu    sync.RWMutex
	items map[string]item
	ttl   time.Duration
	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[string]item),
		ttl:   ttl,
	}
}

// Get returns the cached value for key, recomputing it with loader when the
// entry is absent or expired. At most one loader runs per key at a time;
// concurrent callers share its result. A caller whose context expires stops
// waiting immediately; the in-flight loader keeps running and fills the
// entry for the next caller.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(it.expiresAt) {
		c.hits.Add(1)
		return it.value, nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Another caller may have filled the entry while we waited.
		c.mu.RLock()
		it, ok := c.items[key]
		c.mu.RUnlock()
		if ok && time.Now().Before(it.expiresAt) {
			return it.value, nil
		}

		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[key] = item{value: v, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the cached value without loading. The second result is false
// when the entry is absent or expired.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(it.expiresAt) {
		return nil, false
	}
	return it.value, true
}

// Set stores a value directly, refreshing its TTL. Engines use this after a
// recomputation they already performed for other reasons.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	c.items[key] = item{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// InvalidatePrefix drops every entry whose key starts with prefix. Position
// events use this to clear all calculation types for a security at once.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
			n++
		}
	}
	return n
}

// PurgeExpired removes expired entries and returns how many were dropped.
// Runs on a maintenance schedule; expiry is otherwise checked lazily.
func (c *Cache) PurgeExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, key)
			n++
		}
	}
	return n
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
