package embedding

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
)

// MockProvider is a deterministic in-process provider for tests and local
// runs. Unregistered text maps to a unit vector derived from a seeded PRNG,
// so identical text always embeds identically and distinct texts land far
// apart in high dimensions. Tests can pin exact vectors with SetVector.
type MockProvider struct {
	mu         sync.RWMutex
	dimensions int
	fixed      map[string][]float32
	failure    error
	calls      atomic.Int64
}

// NewMockProvider creates a mock emitting vectors of the given width.
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &MockProvider{
		dimensions: dimensions,
		fixed:      make(map[string][]float32),
	}
}

// SetVector pins the vector returned for text.
func (m *MockProvider) SetVector(text string, vector []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[text] = vector
}

// FailWith makes subsequent Embed calls return err; nil restores normal
// operation.
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Calls reports how many Embed calls reached the provider.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

// Embed implements Provider.
func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, ErrEmptyText
	}
	m.calls.Add(1)

	m.mu.RLock()
	failure := m.failure
	pinned, ok := m.fixed[text]
	m.mu.RUnlock()

	if failure != nil {
		return nil, failure
	}
	if ok {
		return pinned, nil
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, m.dimensions)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	Normalize(vec)
	return vec, nil
}

// Dimensions reports the vector width.
func (m *MockProvider) Dimensions() int { return m.dimensions }

// Name implements Provider.
func (m *MockProvider) Name() string { return "mock" }
