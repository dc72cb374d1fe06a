// Package keylock provides per-key mutual exclusion with bounded waits.
// Locks are reference counted so the table stays proportional to the number
// of keys currently contended, not the number of keys ever seen.
package keylock

import (
	"context"
	"sort"
	"sync"

	"ims/internal/domain"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Table hands out per-key locks. The zero value is not usable; call New.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Acquire blocks until the key's lock is held or ctx is done. A deadline or
// cancellation surfaces as a Timeout error so callers can defer the event
// rather than fail it.
func (t *Table) Acquire(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &domain.Error{Class: domain.ClassTimeout, Reason: "lock wait expired for " + key, Err: err}
	}

	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		t.release(key)
		return &domain.Error{Class: domain.ClassTimeout, Reason: "lock wait expired for " + key, Err: ctx.Err()}
	}
}

// Release unlocks a key previously acquired.
func (t *Table) Release(key string) {
	t.mu.Lock()
	e, ok := t.entries[key]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case e.ch <- struct{}{}:
	default:
		// Release without a matching Acquire; nothing to do.
	}
	t.release(key)
}

func (t *Table) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(t.entries, key)
	}
}

// AcquireMany locks several keys in canonical (lexicographic) order so
// concurrent multi-key holders cannot deadlock. On failure every lock taken
// so far is released before returning.
func (t *Table) AcquireMany(ctx context.Context, keys ...string) error {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	for i, key := range sorted {
		if err := t.Acquire(ctx, key); err != nil {
			for j := i - 1; j >= 0; j-- {
				t.Release(sorted[j])
			}
			return err
		}
	}
	return nil
}

// ReleaseMany unlocks keys acquired with AcquireMany, in reverse canonical
// order.
func (t *Table) ReleaseMany(keys ...string) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	for i := len(sorted) - 1; i >= 0; i-- {
		t.Release(sorted[i])
	}
}

// Held reports the number of keys currently tracked. Used by health checks.
func (t *Table) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
