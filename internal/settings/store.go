// Package settings holds per-group tracking configuration.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"buyscope/internal/model"
)

// ErrNotFound is returned for unknown group ids.
var ErrNotFound = errors.New("group settings not found")

// Store is the settings capability consumed by the tracker.
type Store interface {
	// All returns a snapshot keyed by group id; callers may mutate it freely.
	All() map[string]model.GroupSettings
	Get(groupID string) (model.GroupSettings, error)
	SetPairAddresses(groupID string, pairs []string) error
	// MarkDirty signals that in-memory settings should be persisted.
	MarkDirty()
	Reload(ctx context.Context) error
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]model.GroupSettings
	dirty  atomic.Int64
}

// NewMemoryStore seeds a store with groups.
func NewMemoryStore(groups ...model.GroupSettings) *MemoryStore {
	s := &MemoryStore{groups: make(map[string]model.GroupSettings, len(groups))}
	for _, g := range groups {
		s.groups[g.GroupID] = normalize(g)
	}
	return s
}

// All implements Store.
func (s *MemoryStore) All() map[string]model.GroupSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.GroupSettings, len(s.groups))
	for id, g := range s.groups {
		out[id] = g.Clone()
	}
	return out
}

// Get implements Store.
func (s *MemoryStore) Get(groupID string) (model.GroupSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return model.GroupSettings{}, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return g.Clone(), nil
}

// Put inserts or replaces a group.
func (s *MemoryStore) Put(g model.GroupSettings) {
	s.mu.Lock()
	s.groups[g.GroupID] = normalize(g)
	s.mu.Unlock()
}

// Delete removes a group.
func (s *MemoryStore) Delete(groupID string) {
	s.mu.Lock()
	delete(s.groups, groupID)
	s.mu.Unlock()
}

// Replace swaps the whole content.
func (s *MemoryStore) Replace(groups map[string]model.GroupSettings) {
	next := make(map[string]model.GroupSettings, len(groups))
	for id, g := range groups {
		g.GroupID = id
		next[id] = normalize(g)
	}
	s.mu.Lock()
	s.groups = next
	s.mu.Unlock()
}

// SetPairAddresses implements Store.
func (s *MemoryStore) SetPairAddresses(groupID string, pairs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	g.PairAddresses = append([]string(nil), pairs...)
	s.groups[groupID] = normalize(g)
	return nil
}

// MarkDirty implements Store.
func (s *MemoryStore) MarkDirty() {
	s.dirty.Add(1)
}

// DirtyCount returns how many times MarkDirty was called.
func (s *MemoryStore) DirtyCount() int64 {
	return s.dirty.Load()
}

// Reload is a no-op for memory-only settings.
func (s *MemoryStore) Reload(context.Context) error {
	return nil
}

// GroupIDs returns sorted group ids.
func (s *MemoryStore) GroupIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalize(g model.GroupSettings) model.GroupSettings {
	out := g.Clone()
	out.TokenAddress = model.NormalizeAddress(g.TokenAddress)
	if len(g.PairAddresses) > 0 {
		out.PairAddresses = make([]string, 0, len(g.PairAddresses))
		for _, p := range g.PairAddresses {
			if p = model.NormalizeAddress(p); p != "" {
				out.PairAddresses = append(out.PairAddresses, p)
			}
		}
	}
	return out
}
