package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
// A non-positive ttl keeps entries until they are deleted, pruned by size, or cleared.
type TTL[K comparable, V any] struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[K]entry[V]
	now   func() time.Time
}

// NewTTL builds an empty cache.
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:   ttl,
		items: make(map[K]entry[V]),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *TTL[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns a live entry.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	now := c.now()
	c.mu.RUnlock()

	if !ok || c.expired(item, now) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set stores value with the cache's default ttl.
func (c *TTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value with an explicit ttl.
func (c *TTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	item := entry[V]{value: value}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = item
	c.mu.Unlock()
}

// Delete removes a key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Prune drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, item := range c.items {
		if c.expired(item, now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Clear drops everything.
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]entry[V])
	c.mu.Unlock()
}

func (c *TTL[K, V]) expired(item entry[V], now time.Time) bool {
	return !item.expiresAt.IsZero() && !now.Before(item.expiresAt)
}
