package index

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacache/stratacache/pkg/cache"
)

func ref(tier cache.TierID, namespace string, vector []float32) cache.IndexRef {
	return cache.IndexRef{ID: uuid.New(), Tier: tier, Namespace: namespace, Vector: vector}
}

func TestMemoryIndex_SearchOrdersByDescendingSimilarity(t *testing.T) {
	idx := NewMemoryIndex()

	exact := ref(cache.TierOutcome, "", []float32{1, 0, 0})
	near := ref(cache.TierOutcome, "", []float32{0.9, 0.1, 0})
	far := ref(cache.TierOutcome, "", []float32{0, 1, 0})

	idx.Insert(exact)
	idx.Insert(near)
	idx.Insert(far)

	matches := idx.Search(cache.TierOutcome, []string{""}, []float32{1, 0, 0}, 3)
	require.Len(t, matches, 3)

	assert.Equal(t, exact.ID, matches[0].ID)
	assert.Equal(t, near.ID, matches[1].ID)
	assert.Equal(t, far.ID, matches[2].ID)

	assert.InDelta(t, 1.0, float64(matches[0].Similarity), 1e-5)
	assert.Greater(t, matches[1].Similarity, matches[2].Similarity)
}

func TestMemoryIndex_ScaleInvariant(t *testing.T) {
	idx := NewMemoryIndex()

	r := ref(cache.TierOutcome, "", []float32{10, 0, 0})
	idx.Insert(r)

	matches := idx.Search(cache.TierOutcome, []string{""}, []float32{0.001, 0, 0}, 1)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, float64(matches[0].Similarity), 1e-5)
}

func TestMemoryIndex_NamespaceIsolation(t *testing.T) {
	idx := NewMemoryIndex()

	mine := ref(cache.TierOutcome, "caller:a", []float32{1, 0})
	other := ref(cache.TierOutcome, "caller:b", []float32{1, 0})
	shared := ref(cache.TierOutcome, "", []float32{1, 0})

	idx.Insert(mine)
	idx.Insert(other)
	idx.Insert(shared)

	matches := idx.Search(cache.TierOutcome, []string{"caller:a", ""}, []float32{1, 0}, 10)
	require.Len(t, matches, 2)

	ids := []uuid.UUID{matches[0].ID, matches[1].ID}
	assert.Contains(t, ids, mine.ID)
	assert.Contains(t, ids, shared.ID)
	assert.NotContains(t, ids, other.ID)
}

func TestMemoryIndex_TierIsolation(t *testing.T) {
	idx := NewMemoryIndex()

	outcome := ref(cache.TierOutcome, "", []float32{1, 0})
	selection := ref(cache.TierSelection, "", []float32{1, 0})

	idx.Insert(outcome)
	idx.Insert(selection)

	matches := idx.Search(cache.TierSelection, []string{""}, []float32{1, 0}, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, selection.ID, matches[0].ID)
}

func TestMemoryIndex_TopKBound(t *testing.T) {
	idx := NewMemoryIndex()

	for i := 0; i < 20; i++ {
		idx.Insert(ref(cache.TierContext, "", []float32{1, float32(i) * 0.01}))
	}

	matches := idx.Search(cache.TierContext, []string{""}, []float32{1, 0}, 5)
	assert.Len(t, matches, 5)

	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Similarity, matches[i].Similarity)
	}
}

func TestMemoryIndex_InsertReplacesExisting(t *testing.T) {
	idx := NewMemoryIndex()

	r := ref(cache.TierOutcome, "", []float32{1, 0})
	idx.Insert(r)

	moved := cache.IndexRef{ID: r.ID, Tier: r.Tier, Namespace: "caller:a", Vector: []float32{0, 1}}
	idx.Insert(moved)

	assert.Equal(t, 1, idx.Len())

	matches := idx.Search(cache.TierOutcome, []string{""}, []float32{1, 0}, 10)
	assert.Empty(t, matches)

	matches = idx.Search(cache.TierOutcome, []string{"caller:a"}, []float32{0, 1}, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, r.ID, matches[0].ID)
}

func TestMemoryIndex_Remove(t *testing.T) {
	idx := NewMemoryIndex()

	r := ref(cache.TierOutcome, "", []float32{1, 0})
	idx.Insert(r)
	require.True(t, idx.Contains(r.ID))

	idx.Remove(r.ID)
	assert.False(t, idx.Contains(r.ID))
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.Search(cache.TierOutcome, []string{""}, []float32{1, 0}, 1))

	// Removing twice is harmless.
	idx.Remove(r.ID)
}

func TestMemoryIndex_EnumerateAndClear(t *testing.T) {
	idx := NewMemoryIndex()

	idx.Insert(ref(cache.TierOutcome, "", []float32{1, 0}))
	idx.Insert(ref(cache.TierContext, "caller:a", []float32{0, 1}))

	seen := 0
	idx.Enumerate(func(ref cache.IndexRef) bool {
		seen++
		return true
	})
	assert.Equal(t, 2, seen)

	// Early stop.
	seen = 0
	idx.Enumerate(func(ref cache.IndexRef) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)

	idx.Clear()
	assert.Equal(t, 0, idx.Len())
}

func TestMemoryIndex_EmptyQueryAndZeroK(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Insert(ref(cache.TierOutcome, "", []float32{1, 0}))

	assert.Nil(t, idx.Search(cache.TierOutcome, []string{""}, nil, 5))
	assert.Nil(t, idx.Search(cache.TierOutcome, []string{""}, []float32{1, 0}, 0))
}

func BenchmarkMemoryIndex_Search(b *testing.B) {
	idx := NewMemoryIndex()
	rng := rand.New(rand.NewSource(42))
	randomVector := func() []float32 {
		v := make([]float32, 384)
		for i := range v {
			v[i] = rng.Float32()*2 - 1
		}
		return v
	}

	for i := 0; i < 10000; i++ {
		idx.Insert(cache.IndexRef{
			ID:        uuid.New(),
			Tier:      cache.TierOutcome,
			Namespace: "caller:bench",
			Vector:    randomVector(),
		})
	}
	query := randomVector()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Search(cache.TierOutcome, []string{"caller:bench", ""}, query, 8)
	}
}
