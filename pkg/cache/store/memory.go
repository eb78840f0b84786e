package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratacache/stratacache/pkg/cache"
)

// MemoryStore is a process-local EntryStore. It backs tests and single-node
// deployments that want semantic reuse without external infrastructure.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*cache.CacheEntry
	closed  bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]*cache.CacheEntry)}
}

// Put stores a copy of entry, replacing any previous version.
func (s *MemoryStore) Put(ctx context.Context, entry *cache.CacheEntry) error {
	if entry == nil {
		return cache.ErrInvalidEntry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.ErrShutdown
	}
	s.entries[entry.ID] = entry.Clone()
	return nil
}

// Get returns a copy of the entry, or ErrEntryNotFound.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*cache.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, cache.ErrShutdown
	}
	entry, ok := s.entries[id]
	if !ok {
		return nil, cache.ErrEntryNotFound
	}
	return entry.Clone(), nil
}

// Delete removes id; deleting an absent id is not an error.
func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.ErrShutdown
	}
	delete(s.entries, id)
	return nil
}

// UpdateAccess persists hit bookkeeping for id.
func (s *MemoryStore) UpdateAccess(ctx context.Context, id uuid.UUID, lastAccess time.Time, accessCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.ErrShutdown
	}
	entry, ok := s.entries[id]
	if !ok {
		return cache.ErrEntryNotFound
	}
	entry.LastAccessedAt = lastAccess
	entry.AccessCount = accessCount
	return nil
}

// List returns copies of entries matching filter, in unspecified order.
func (s *MemoryStore) List(ctx context.Context, filter cache.Filter) ([]*cache.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, cache.ErrShutdown
	}

	var out []*cache.CacheEntry
	for _, entry := range s.entries {
		if !matchesFilter(entry, filter) {
			continue
		}
		out = append(out, entry.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the population of (tier, namespace).
func (s *MemoryStore) Count(ctx context.Context, tier cache.TierID, namespace string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, cache.ErrShutdown
	}

	n := 0
	for _, entry := range s.entries {
		if entry.Tier == tier && entry.Namespace == namespace {
			n++
		}
	}
	return n, nil
}

// Ping reports readiness.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return cache.ErrShutdown
	}
	return nil
}

// Close releases the store; subsequent calls fail with ErrShutdown.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
