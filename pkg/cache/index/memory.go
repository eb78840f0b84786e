// Package index holds the ephemeral nearest-neighbor structures backing
// similarity lookups. Nothing here is durable: the engine rebuilds the index
// from the entry store at startup.
package index

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"

	"github.com/stratacache/stratacache/pkg/cache"
	"github.com/stratacache/stratacache/pkg/embedding"
)

type bucketKey struct {
	tier      cache.TierID
	namespace string
}

type slot struct {
	id     uuid.UUID
	vector []float32
}

// MemoryIndex is a bucketed linear-scan index. Vectors are unit-normalized on
// insert, so similarity inside Search is a single dot product. Buckets are
// keyed by (tier, namespace); a search never touches vectors outside the
// namespaces it was given, which is what makes namespace isolation hold even
// if a caller's threshold would otherwise match a foreign entry.
type MemoryIndex struct {
	mu      sync.RWMutex
	buckets map[bucketKey][]slot
	byID    map[uuid.UUID]bucketKey
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		buckets: make(map[bucketKey][]slot),
		byID:    make(map[uuid.UUID]bucketKey),
	}
}

// Insert adds or replaces ref. The vector is copied and normalized; the
// caller keeps ownership of its slice.
func (m *MemoryIndex) Insert(ref cache.IndexRef) {
	vec := make([]float32, len(ref.Vector))
	copy(vec, ref.Vector)
	embedding.Normalize(vec)

	key := bucketKey{tier: ref.Tier, namespace: ref.Namespace}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byID[ref.ID]; ok {
		m.removeFromBucketLocked(prev, ref.ID)
	}
	m.buckets[key] = append(m.buckets[key], slot{id: ref.ID, vector: vec})
	m.byID[ref.ID] = key
}

// Remove drops id if present.
func (m *MemoryIndex) Remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byID[id]
	if !ok {
		return
	}
	m.removeFromBucketLocked(key, id)
	delete(m.byID, id)
}

func (m *MemoryIndex) removeFromBucketLocked(key bucketKey, id uuid.UUID) {
	slots := m.buckets[key]
	for i := range slots {
		if slots[i].id == id {
			slots[i] = slots[len(slots)-1]
			slots = slots[:len(slots)-1]
			break
		}
	}
	if len(slots) == 0 {
		delete(m.buckets, key)
		return
	}
	m.buckets[key] = slots
}

// Search returns up to k matches within tier across namespaces, ordered by
// descending similarity.
func (m *MemoryIndex) Search(tier cache.TierID, namespaces []string, vector []float32, k int) []cache.IndexMatch {
	if k <= 0 || len(vector) == 0 {
		return nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	embedding.Normalize(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	h := &matchHeap{}
	heap.Init(h)

	for _, ns := range namespaces {
		for _, s := range m.buckets[bucketKey{tier: tier, namespace: ns}] {
			sim := dot(query, s.vector)
			if h.Len() < k {
				heap.Push(h, cache.IndexMatch{ID: s.id, Similarity: sim})
			} else if sim > (*h)[0].Similarity {
				heap.Pop(h)
				heap.Push(h, cache.IndexMatch{ID: s.id, Similarity: sim})
			}
		}
	}

	matches := make([]cache.IndexMatch, h.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		matches[i] = heap.Pop(h).(cache.IndexMatch)
	}
	return matches
}

// Contains reports whether id is indexed.
func (m *MemoryIndex) Contains(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok
}

// Enumerate visits every indexed ref until fn returns false. Vectors are not
// copied; callers must not retain or mutate them.
func (m *MemoryIndex) Enumerate(fn func(ref cache.IndexRef) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, slots := range m.buckets {
		for _, s := range slots {
			ref := cache.IndexRef{ID: s.id, Tier: key.tier, Namespace: key.namespace, Vector: s.vector}
			if !fn(ref) {
				return
			}
		}
	}
}

// Len returns the number of indexed entries.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Clear empties the index.
func (m *MemoryIndex) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[bucketKey][]slot)
	m.byID = make(map[uuid.UUID]bucketKey)
}

func dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// Min heap on similarity so the weakest candidate is always at the root.
type matchHeap []cache.IndexMatch

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return h[i].Similarity < h[j].Similarity }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *matchHeap) Push(x interface{}) {
	*h = append(*h, x.(cache.IndexMatch))
}

func (h *matchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
