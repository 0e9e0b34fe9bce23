// Package cache provides a small in-process TTL cache for encoded canvas
// snapshot responses. The cache is an optional collaborator: a nil *TTL is
// valid and misses on every lookup, so the serving path works identically
// with the layer absent.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL matches the deployed snapshot cache expiry.
const DefaultTTL = time.Minute

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a mutex-guarded map cache with per-entry expiry. Reads are
// lock-shared; hit and miss counters are atomic so stats never contend with
// lookups.
type TTL[K comparable, V any] struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.RWMutex
	entries map[K]entry[V]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewTTL returns a cache whose entries expire ttl after Set. A nil clock
// uses wall time.
func NewTTL[K comparable, V any](ttl time.Duration, clock func() time.Time) *TTL[K, V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &TTL[K, V]{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[K]entry[V]),
	}
}

// Get returns the live value for key. Expired entries count as misses.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}

	c.mu.RLock()
	item, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.clock().After(item.expiresAt) {
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return item.value, true
}

// Set stores value under key with a fresh expiry.
func (c *TTL[K, V]) Set(key K, value V) {
	if c == nil {
		return
	}

	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.clock().Add(c.ttl)}
	c.mu.Unlock()
}

// Len reports how many entries are stored, including expired ones not yet
// swept.
func (c *TTL[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats reports lifetime hit and miss counts.
func (c *TTL[K, V]) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}

// Purge drops every entry.
func (c *TTL[K, V]) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Run sweeps expired entries once per TTL until ctx is canceled. Without a
// janitor the cache still serves correctly; sweeping only bounds memory.
func (c *TTL[K, V]) Run(ctx context.Context) {
	if c == nil {
		return
	}

	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(c.clock())
		}
	}
}

func (c *TTL[K, V]) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, item := range c.entries {
		if now.After(item.expiresAt) {
			delete(c.entries, key)
		}
	}
}
