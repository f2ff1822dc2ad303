package enrich

import (
	"sync"
	"time"
)

// CooldownTracker remembers the last admitted alert per group and pool.
type CooldownTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldownTracker returns an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{last: make(map[string]time.Time)}
}

func cooldownKey(groupID, pool string) string {
	return groupID + "|" + pool
}

// Allow reports whether window has elapsed since the last admission and, if so,
// records now as the new admission time.
func (c *CooldownTracker) Allow(groupID, pool string, window time.Duration, now time.Time) bool {
	key := cooldownKey(groupID, pool)
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.last[key]; ok && now.Sub(last) < window {
		return false
	}
	c.last[key] = now
	return true
}

// Purge removes entries last touched before cutoff and returns how many were removed.
func (c *CooldownTracker) Purge(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, ts := range c.last {
		if ts.Before(cutoff) {
			delete(c.last, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (c *CooldownTracker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

// Clear forgets every entry.
func (c *CooldownTracker) Clear() {
	c.mu.Lock()
	c.last = make(map[string]time.Time)
	c.mu.Unlock()
}
