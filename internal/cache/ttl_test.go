package cache

import (
	"testing"
	"time"
)

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewTTL[string, int](30 * time.Second)
	c.SetClock(func() time.Time { return now })

	c.Set("bnb", 600)
	if v, ok := c.Get("bnb"); !ok || v != 600 {
		t.Fatalf("expected live entry, got %v %v", v, ok)
	}

	now = now.Add(29 * time.Second)
	if _, ok := c.Get("bnb"); !ok {
		t.Fatalf("entry expired too early")
	}

	now = now.Add(time.Second)
	if _, ok := c.Get("bnb"); ok {
		t.Fatalf("entry should be expired at ttl boundary")
	}
	if removed := c.Prune(); removed != 1 {
		t.Fatalf("prune removed %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Fatalf("cache not empty after prune")
	}
}

func TestTTLNoExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewTTL[string, bool](0)
	c.SetClock(func() time.Time { return now })
	c.Set("0xabc", true)

	now = now.Add(365 * 24 * time.Hour)
	if _, ok := c.Get("0xabc"); !ok {
		t.Fatalf("zero ttl entry should not expire")
	}
	c.Clear()
	if _, ok := c.Get("0xabc"); ok {
		t.Fatalf("entry survived Clear")
	}
}

func TestTTLExplicitTTL(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewTTL[string, *int](time.Hour)
	c.SetClock(func() time.Time { return now })

	c.SetWithTTL("miss", nil, 5*time.Second)
	if v, ok := c.Get("miss"); !ok || v != nil {
		t.Fatalf("negative entry should be cached")
	}
	now = now.Add(6 * time.Second)
	if _, ok := c.Get("miss"); ok {
		t.Fatalf("negative entry should expire after its own ttl")
	}
}
