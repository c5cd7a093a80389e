// Package cache holds the read caches the engines are allowed to use. Every
// cache has a TTL and an explicit invalidation path, and none of them sits
// in front of a write decision: guards always read the locked store.
package cache

import (
	"sync"
	"time"
)

// TTL is a map whose entries expire after a fixed duration.
type TTL[K comparable, V any] struct {
	mu        sync.RWMutex
	entries   map[K]entry[V]
	ttl       time.Duration
	clockFunc func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return NewTTLWithClock[K, V](ttl, time.Now)
}

// NewTTLWithClock creates a cache with an injected clock for determinism.
func NewTTLWithClock[K comparable, V any](ttl time.Duration, clockFunc func() time.Time) *TTL[K, V] {
	return &TTL[K, V]{
		entries:   make(map[K]entry[V]),
		ttl:       ttl,
		clockFunc: clockFunc,
	}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.clockFunc().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value. A non-positive TTL disables caching.
func (c *TTL[K, V]) Set(key K, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.clockFunc().Add(c.ttl)}
}

func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *TTL[K, V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len counts entries, expired ones included.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Prune drops expired entries.
func (c *TTL[K, V]) Prune() int {
	now := c.clockFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
