package cache_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacache/stratacache/pkg/cache"
	"github.com/stratacache/stratacache/pkg/cache/index"
	"github.com/stratacache/stratacache/pkg/cache/store"
	"github.com/stratacache/stratacache/pkg/pipeline"
)

var errEmbedDown = errors.New("embedding provider offline")

// testNormalizer mirrors the engine's normalization so stub vectors can be
// registered by raw query text.
var testNormalizer = cache.NewNormalizer()

// vecAt returns a unit vector at deg degrees in the first two dimensions.
// Cosine similarity between vecAt(a) and vecAt(b) is exactly cos(a-b), which
// lets tests place candidates precisely against the tier thresholds.
func vecAt(deg float64) []float32 {
	rad := deg * math.Pi / 180
	v := make([]float32, 8)
	v[0] = float32(math.Cos(rad))
	v[1] = float32(math.Sin(rad))
	return v
}

// stubEmbedder returns registered vectors keyed by normalized text. Texts that
// were never registered get a one-hot vector orthogonal to the registered
// plane, so they match nothing.
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   map[string]int
	nextDim int
	fail    atomic.Bool
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{
		vectors: make(map[string][]float32),
		calls:   make(map[string]int),
		nextDim: 2,
	}
}

func (s *stubEmbedder) add(rawText string, deg float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[testNormalizer.Normalize(rawText)] = vecAt(deg)
}

func (s *stubEmbedder) callCount(rawText string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[testNormalizer.Normalize(rawText)]
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.fail.Load() {
		return nil, errEmbedDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[text]++
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	v := make([]float32, 8)
	v[s.nextDim] = 1
	if s.nextDim++; s.nextDim >= 8 {
		s.nextDim = 2
	}
	s.vectors[text] = v
	return v, nil
}

// stubPipeline counts stage invocations and produces deterministic output so
// tests can tell a cached result from a recomputed one.
type stubPipeline struct {
	selections atomic.Int64
	contexts   atomic.Int64
	outcomes   atomic.Int64

	outcomeText func(query string) string
}

func (p *stubPipeline) answerFor(query string) string {
	if p.outcomeText != nil {
		return p.outcomeText(query)
	}
	return "answer for " + query
}

func (p *stubPipeline) RunSelection(_ context.Context, query string) (pipeline.SelectionList, pipeline.Provenance, error) {
	p.selections.Add(1)
	return pipeline.SelectionList{
			Candidates: []pipeline.SelectionCandidate{
				{ID: "doc-1", Score: 0.97},
				{ID: "doc-2", Score: 0.61},
			},
		}, pipeline.Provenance{
			Producer:        "selector",
			ComputeDuration: 40 * time.Millisecond,
		}, nil
}

func (p *stubPipeline) RunContext(_ context.Context, query string, _ pipeline.SelectionList) (pipeline.ContextBundle, pipeline.Provenance, error) {
	p.contexts.Add(1)
	return pipeline.ContextBundle{
			Summary:    "context for " + query,
			Sources:    []string{"doc-1", "doc-2"},
			TokenCount: 128,
		}, pipeline.Provenance{
			Producer:        "contextualizer",
			ComputeDuration: 200 * time.Millisecond,
		}, nil
}

func (p *stubPipeline) RunOutcome(_ context.Context, query string, _ pipeline.ContextBundle) (pipeline.OutcomeText, pipeline.Provenance, error) {
	p.outcomes.Add(1)
	return pipeline.OutcomeText{Text: p.answerFor(query)}, pipeline.Provenance{
		Producer:        "answerer",
		Model:           "mock-llm",
		CostSaved:       decimal.NewFromFloat(0.0125),
		ComputeDuration: 1500 * time.Millisecond,
	}, nil
}

type engineFixture struct {
	engine  *cache.Engine
	backing *store.MemoryStore
	idx     *index.MemoryIndex
	embed   *stubEmbedder
	pipe    *stubPipeline
}

func newTestEngine(t *testing.T, cfg *cache.Config, mutate ...func(*cache.EngineOptions)) *engineFixture {
	t.Helper()

	f := &engineFixture{
		backing: store.NewMemoryStore(),
		idx:     index.NewMemoryIndex(),
		embed:   newStubEmbedder(),
		pipe:    &stubPipeline{},
	}

	opts := cache.EngineOptions{
		Store:    f.backing,
		Index:    f.idx,
		Embedder: f.embed,
		Pipeline: f.pipe,
	}
	for _, m := range mutate {
		m(&opts)
	}

	engine, err := cache.NewEngine(cfg, opts)
	require.NoError(t, err)
	f.engine = engine

	t.Cleanup(func() {
		_ = engine.Shutdown(context.Background())
	})
	return f
}

func TestNewEngine_RequiresCoreCollaborators(t *testing.T) {
	backing := store.NewMemoryStore()
	idx := index.NewMemoryIndex()
	embed := newStubEmbedder()

	tests := []struct {
		name string
		opts cache.EngineOptions
	}{
		{"missing store", cache.EngineOptions{Index: idx, Embedder: embed}},
		{"missing index", cache.EngineOptions{Store: backing, Embedder: embed}},
		{"missing embedder", cache.EngineOptions{Store: backing, Index: idx}},
		{"sensitive index without store", cache.EngineOptions{
			Store: backing, Index: idx, Embedder: embed,
			SensitiveIndex: index.NewMemoryIndex(),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cache.NewEngine(nil, tt.opts)
			require.ErrorIs(t, err, cache.ErrInvalidConfig)
		})
	}

	t.Run("drift sampling requires a pipeline", func(t *testing.T) {
		cfg := cache.DefaultConfig()
		cfg.Drift.Enabled = true
		_, err := cache.NewEngine(cfg, cache.EngineOptions{
			Store: backing, Index: idx, Embedder: embed,
		})
		require.ErrorIs(t, err, cache.ErrInvalidConfig)
	})
}

func TestNewEngine_FailsWhenStoreUnavailable(t *testing.T) {
	backing := store.NewMemoryStore()
	require.NoError(t, backing.Close())

	_, err := cache.NewEngine(nil, cache.EngineOptions{
		Store:    backing,
		Index:    index.NewMemoryIndex(),
		Embedder: newStubEmbedder(),
	})
	require.Error(t, err)
	require.ErrorIs(t, err, cache.ErrShutdown)
}

func TestEngine_SimilarHitAndMiss(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	f.embed.add("How do I reset my password?", 0)
	f.embed.add("What is the password reset procedure?", 21.5) // cos 0.930
	f.embed.add("Which server region is fastest?", 66.4)       // cos 0.400

	_, err := f.engine.Store(ctx, cache.TierOutcome, "How do I reset my password?",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "Use the self-service portal."}),
		alice, cache.StoreOptions{
			Provenance: pipeline.Provenance{
				Producer:        "answerer",
				CostSaved:       decimal.NewFromFloat(0.05),
				ComputeDuration: 2 * time.Second,
			},
		})
	require.NoError(t, err)

	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "What is the password reset procedure?", alice)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "Use the self-service portal.", hit.Entry.Payload.Outcome.Text)
	assert.InDelta(t, 0.9304, float64(hit.Similarity), 0.001)
	assert.False(t, hit.Exact)

	miss, err := f.engine.Lookup(ctx, cache.TierOutcome, "Which server region is fastest?", alice)
	require.NoError(t, err)
	assert.Nil(t, miss)

	stats := f.engine.StatsAll()
	assert.Equal(t, int64(2), stats.Lookups)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.HitsByTier[cache.TierOutcome])
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
	assert.True(t, stats.CostSaved.Equal(decimal.NewFromFloat(0.05)),
		"cost saved %s", stats.CostSaved)
	assert.Equal(t, 2*time.Second, stats.ComputeSaved)
}

func TestEngine_ExactHitBumpsAccessStats(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	f.embed.add("kubernetes pod crashloop", 0)

	id, err := f.engine.Store(ctx, cache.TierOutcome, "kubernetes pod crashloop",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "Check the container exit code."}),
		alice, cache.StoreOptions{})
	require.NoError(t, err)

	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "Kubernetes pod crashloop!", alice)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.True(t, hit.Exact)
	assert.InDelta(t, 1.0, float64(hit.Similarity), 0.001)
	assert.Equal(t, int64(1), hit.Entry.AccessCount)

	hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "kubernetes pod crashloop", alice)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, int64(2), hit.Entry.AccessCount)

	stored, err := f.backing.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.AccessCount)
	assert.True(t, stored.LastAccessedAt.After(stored.CreatedAt) ||
		stored.LastAccessedAt.Equal(stored.CreatedAt))

	assert.Equal(t, int64(2), f.engine.StatsAll().ExactHits)
}

func TestEngine_LexicalRescueWithinBand(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	// cos 26.5 degrees = 0.895: below the outcome threshold but inside the
	// rescue band, and the two texts differ by one character.
	f.embed.add("restart primary database server", 0)
	f.embed.add("restart primary database servers", 26.5)

	_, err := f.engine.Store(ctx, cache.TierOutcome, "restart primary database server",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "Drain connections first."}),
		alice, cache.StoreOptions{})
	require.NoError(t, err)

	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "restart primary database servers", alice)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "Drain connections first.", hit.Entry.Payload.Outcome.Text)

	stats := f.engine.StatsAll()
	assert.Equal(t, int64(1), stats.RescuedByTier[cache.TierOutcome])

	// The same similarity with lexically unrelated text stays a miss.
	f.embed.add("rotate the backup encryption keys", 26.5)
	miss, err := f.engine.Lookup(ctx, cache.TierOutcome, "rotate the backup encryption keys", alice)
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestEngine_TierIsolation(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	f.embed.add("merge candidate ranking", 0)

	selection := pipeline.SelectionList{Candidates: []pipeline.SelectionCandidate{{ID: "pr-7", Score: 0.88}}}
	_, err := f.engine.Store(ctx, cache.TierSelection, "merge candidate ranking",
		cache.SelectionPayload(selection), alice, cache.StoreOptions{})
	require.NoError(t, err)

	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "merge candidate ranking", alice)
	require.NoError(t, err)
	assert.Nil(t, hit, "selection entry must not serve outcome lookups")

	hit, err = f.engine.Lookup(ctx, cache.TierSelection, "merge candidate ranking", alice)
	require.NoError(t, err)
	require.NotNil(t, hit)
	require.NotNil(t, hit.Entry.Payload.Selection)
	assert.Equal(t, "pr-7", hit.Entry.Payload.Selection.Candidates[0].ID)

	_, err = f.engine.Store(ctx, cache.TierOutcome, "merge candidate ranking",
		cache.SelectionPayload(selection), alice, cache.StoreOptions{})
	require.ErrorIs(t, err, cache.ErrInvalidEntry)
}

func TestEngine_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("caller mode isolates callers", func(t *testing.T) {
		f := newTestEngine(t, nil)
		f.embed.add("quarterly revenue summary", 0)

		_, err := f.engine.Store(ctx, cache.TierOutcome, "quarterly revenue summary",
			cache.OutcomePayload(pipeline.OutcomeText{Text: "Revenue grew 12%."}),
			cache.Scope{Caller: "alice"}, cache.StoreOptions{})
		require.NoError(t, err)

		hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "quarterly revenue summary", cache.Scope{Caller: "bob"})
		require.NoError(t, err)
		assert.Nil(t, hit, "bob must not read alice's namespace")

		hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "quarterly revenue summary", cache.Scope{Caller: "alice"})
		require.NoError(t, err)
		require.NotNil(t, hit)
	})

	t.Run("caller mode rejects blank identity", func(t *testing.T) {
		f := newTestEngine(t, nil)
		f.embed.add("quarterly revenue summary", 0)

		_, err := f.engine.Store(ctx, cache.TierOutcome, "quarterly revenue summary",
			cache.OutcomePayload(pipeline.OutcomeText{Text: "x"}),
			cache.Scope{}, cache.StoreOptions{})
		require.ErrorIs(t, err, cache.ErrNamespaceViolation)

		_, err = f.engine.Lookup(ctx, cache.TierOutcome, "quarterly revenue summary", cache.Scope{})
		require.ErrorIs(t, err, cache.ErrNamespaceViolation)
	})

	t.Run("shared mode pools all callers", func(t *testing.T) {
		cfg := cache.DefaultConfig()
		cfg.NamespaceMode = cache.NamespaceModeShared
		f := newTestEngine(t, cfg)
		f.embed.add("quarterly revenue summary", 0)

		_, err := f.engine.Store(ctx, cache.TierOutcome, "quarterly revenue summary",
			cache.OutcomePayload(pipeline.OutcomeText{Text: "Revenue grew 12%."}),
			cache.Scope{Caller: "alice"}, cache.StoreOptions{})
		require.NoError(t, err)

		hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "quarterly revenue summary", cache.Scope{Caller: "bob"})
		require.NoError(t, err)
		require.NotNil(t, hit, "shared entries are readable by every caller")
	})

	t.Run("group mode shares within the group only", func(t *testing.T) {
		cfg := cache.DefaultConfig()
		cfg.NamespaceMode = cache.NamespaceModeGroup
		f := newTestEngine(t, cfg)
		f.embed.add("quarterly revenue summary", 0)

		_, err := f.engine.Store(ctx, cache.TierOutcome, "quarterly revenue summary",
			cache.OutcomePayload(pipeline.OutcomeText{Text: "Revenue grew 12%."}),
			cache.Scope{Caller: "alice", Group: "finance"}, cache.StoreOptions{})
		require.NoError(t, err)

		hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "quarterly revenue summary",
			cache.Scope{Caller: "bob", Group: "finance"})
		require.NoError(t, err)
		require.NotNil(t, hit, "group members share entries")

		hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "quarterly revenue summary",
			cache.Scope{Caller: "eve", Group: "engineering"})
		require.NoError(t, err)
		assert.Nil(t, hit, "other groups must not read finance entries")
	})
}

func TestEngine_TTLExpiryAndSweep(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	f.embed.add("current deployment status", 0)

	_, err := f.engine.Store(ctx, cache.TierOutcome, "current deployment status",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "All green."}),
		alice, cache.StoreOptions{TTL: 150 * time.Millisecond})
	require.NoError(t, err)

	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "current deployment status", alice)
	require.NoError(t, err)
	require.NotNil(t, hit, "entry must be served before its TTL elapses")

	time.Sleep(250 * time.Millisecond)

	hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "current deployment status", alice)
	require.NoError(t, err)
	assert.Nil(t, hit, "expired entries are never served")

	stats := f.engine.StatsAll()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	removed := f.engine.Sweep(ctx)
	assert.Equal(t, 1, removed)

	entries, err := f.backing.List(ctx, cache.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, f.idx.Len())
}

func TestEngine_CategoryTTLSelection(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	f.embed.add("company holiday calendar", 0)
	id, err := f.engine.Store(ctx, cache.TierOutcome, "company holiday calendar",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "See the wiki."}),
		alice, cache.StoreOptions{Category: cache.CategoryStable})
	require.NoError(t, err)

	entry, err := f.backing.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, entry.TTL)

	f.embed.add("open incident count", 80)
	id, err = f.engine.Store(ctx, cache.TierOutcome, "open incident count",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "Three."}),
		alice, cache.StoreOptions{Category: cache.CategoryLive})
	require.NoError(t, err)

	entry, err = f.backing.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, entry.TTL)
}

func TestEngine_CapEvictsColdestEntry(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.Outcome.MaxEntries = 2
	f := newTestEngine(t, cfg)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	// Well separated angles so no query ever matches another entry.
	f.embed.add("first stored question", 0)
	f.embed.add("second stored question", 80)
	f.embed.add("third stored question", 160)

	_, err := f.engine.Store(ctx, cache.TierOutcome, "first stored question",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "one"}), alice, cache.StoreOptions{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = f.engine.Store(ctx, cache.TierOutcome, "second stored question",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "two"}), alice, cache.StoreOptions{})
	require.NoError(t, err)

	// Touch the second entry so the first is both older and colder.
	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "second stored question", alice)
	require.NoError(t, err)
	require.NotNil(t, hit)

	_, err = f.engine.Store(ctx, cache.TierOutcome, "third stored question",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "three"}), alice, cache.StoreOptions{})
	require.NoError(t, err)

	hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "first stored question", alice)
	require.NoError(t, err)
	assert.Nil(t, hit, "the oldest never-accessed entry is evicted first")

	hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "second stored question", alice)
	require.NoError(t, err)
	assert.NotNil(t, hit, "recently accessed entries survive the cap")

	hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "third stored question", alice)
	require.NoError(t, err)
	assert.NotNil(t, hit)

	assert.Equal(t, int64(1), f.engine.StatsAll().Evictions)

	count, err := f.backing.Count(ctx, cache.TierOutcome, "caller:alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEngine_SourceVersionBumpInvalidates(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	f.embed.add("list of supported runtimes", 0)

	_, err := f.engine.Store(ctx, cache.TierOutcome, "list of supported runtimes",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "go, python, node"}),
		alice, cache.StoreOptions{})
	require.NoError(t, err)

	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "list of supported runtimes", alice)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "v1", hit.Entry.SourceVersion)

	version, err := f.engine.BumpSourceVersion(ctx, "caller:alice")
	require.NoError(t, err)
	assert.Equal(t, "v2", version)

	// The stale entry stops being served immediately, before physical removal.
	hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "list of supported runtimes", alice)
	require.NoError(t, err)
	assert.Nil(t, hit)

	require.Eventually(t, func() bool {
		entries, lerr := f.backing.List(ctx, cache.Filter{})
		return lerr == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond, "stale entries are removed in the background")

	// Fresh stores are stamped with the new version and served again.
	_, err = f.engine.Store(ctx, cache.TierOutcome, "list of supported runtimes",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "go, python, node, rust"}),
		alice, cache.StoreOptions{})
	require.NoError(t, err)

	hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "list of supported runtimes", alice)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "v2", hit.Entry.SourceVersion)
	assert.Equal(t, "go, python, node, rust", hit.Entry.Payload.Outcome.Text)
}

func TestEngine_InvalidateByPattern(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}
	bob := cache.Scope{Caller: "bob"}

	f.embed.add("rotate ssl certificate", 0)
	f.embed.add("renew ssl certificate", 80)
	f.embed.add("database backup plan", 160)

	for _, q := range []string{"rotate ssl certificate", "renew ssl certificate", "database backup plan"} {
		_, err := f.engine.Store(ctx, cache.TierOutcome, q,
			cache.OutcomePayload(pipeline.OutcomeText{Text: "answer for " + q}),
			alice, cache.StoreOptions{})
		require.NoError(t, err)
	}
	_, err := f.engine.Store(ctx, cache.TierOutcome, "rotate ssl certificate",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "bob's copy"}),
		bob, cache.StoreOptions{})
	require.NoError(t, err)

	removed, err := f.engine.Invalidate(ctx, alice, "ssl")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "rotate ssl certificate", alice)
	require.NoError(t, err)
	assert.Nil(t, hit)

	hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "database backup plan", alice)
	require.NoError(t, err)
	assert.NotNil(t, hit, "entries not matching the pattern survive")

	hit, err = f.engine.Lookup(ctx, cache.TierOutcome, "rotate ssl certificate", bob)
	require.NoError(t, err)
	assert.NotNil(t, hit, "invalidation never crosses namespaces")

	removed, err = f.engine.Invalidate(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "an empty pattern clears the whole namespace")

	assert.Equal(t, int64(3), f.engine.Stats("caller:alice").Invalidations)
}

func TestEngine_DegradedLookupOnEmbedderFailure(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	// A text never embedded before, so the reuse window cannot mask the outage.
	f.embed.fail.Store(true)

	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "never seen before query", alice)
	require.NoError(t, err, "provider outages degrade to a miss, not an error")
	assert.Nil(t, hit)

	stats := f.engine.StatsAll()
	assert.Equal(t, int64(1), stats.DegradedLookups)
	assert.Equal(t, int64(1), stats.Misses)

	_, err = f.engine.Store(ctx, cache.TierOutcome, "never seen before query",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "x"}), alice, cache.StoreOptions{})
	require.ErrorIs(t, err, cache.ErrProviderUnavailable)

	// Recovery needs no intervention.
	f.embed.fail.Store(false)
	_, err = f.engine.Store(ctx, cache.TierOutcome, "never seen before query",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "x"}), alice, cache.StoreOptions{})
	require.NoError(t, err)
}

func TestEngine_EmbeddingWindowCoalescesExactText(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	f.embed.add("How do I reset my password?", 0)

	_, err := f.engine.Store(ctx, cache.TierOutcome, "How do I reset my password?",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "Use the portal."}),
		alice, cache.StoreOptions{})
	require.NoError(t, err)

	// Different surface forms normalize to the same text and share one
	// embedding computation through the reuse window.
	for _, q := range []string{
		"How do I reset my password?",
		"reset password",
		"Reset   my password!",
	} {
		hit, lerr := f.engine.Lookup(ctx, cache.TierOutcome, q, alice)
		require.NoError(t, lerr)
		require.NotNil(t, hit, "query %q", q)
		assert.True(t, hit.Exact)
	}

	assert.Equal(t, 1, f.embed.callCount("reset password"))
}

func TestEngine_SensitiveContent(t *testing.T) {
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	t.Run("rejected without a sensitive pair", func(t *testing.T) {
		f := newTestEngine(t, nil)
		f.embed.add("api_key=sk-12345 rotation steps", 0)

		_, err := f.engine.Store(ctx, cache.TierOutcome, "api_key=sk-12345 rotation steps",
			cache.OutcomePayload(pipeline.OutcomeText{Text: "Rotate via the console."}),
			alice, cache.StoreOptions{})
		require.ErrorIs(t, err, cache.ErrSensitiveContent)

		entries, err := f.backing.List(ctx, cache.Filter{})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("diverted to the sensitive pair when wired", func(t *testing.T) {
		sensStore := store.NewMemoryStore()
		sensIndex := index.NewMemoryIndex()
		f := newTestEngine(t, nil, func(opts *cache.EngineOptions) {
			opts.SensitiveStore = sensStore
			opts.SensitiveIndex = sensIndex
		})
		f.embed.add("api_key=sk-12345 rotation steps", 0)

		id, err := f.engine.Store(ctx, cache.TierOutcome, "api_key=sk-12345 rotation steps",
			cache.OutcomePayload(pipeline.OutcomeText{Text: "Rotate via the console."}),
			alice, cache.StoreOptions{})
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, id)

		entries, err := f.backing.List(ctx, cache.Filter{})
		require.NoError(t, err)
		assert.Empty(t, entries, "sensitive entries never reach the durable store")

		entry, err := sensStore.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, entry.Sensitive)

		hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "api_key=sk-12345 rotation steps", alice)
		require.NoError(t, err)
		require.NotNil(t, hit, "sensitive entries are still served from the local pair")
		assert.Equal(t, "Rotate via the console.", hit.Entry.Payload.Outcome.Text)
	})

	t.Run("sensitive payload detected even with a clean query", func(t *testing.T) {
		f := newTestEngine(t, nil)
		f.embed.add("admin bootstrap instructions", 0)

		_, err := f.engine.Store(ctx, cache.TierOutcome, "admin bootstrap instructions",
			cache.OutcomePayload(pipeline.OutcomeText{Text: "login with password: hunter2"}),
			alice, cache.StoreOptions{})
		require.ErrorIs(t, err, cache.ErrSensitiveContent)
	})
}

func TestEngine_Answer(t *testing.T) {
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	t.Run("miss computes and caches every stage", func(t *testing.T) {
		f := newTestEngine(t, nil)
		f.embed.add("How do I deploy the workflow?", 0)

		answer, err := f.engine.Answer(ctx, "How do I deploy the workflow?", alice)
		require.NoError(t, err)
		assert.Equal(t, "answer for How do I deploy the workflow?", answer.Text)
		assert.Equal(t, int64(1), f.pipe.selections.Load())
		assert.Equal(t, int64(1), f.pipe.contexts.Load())
		assert.Equal(t, int64(1), f.pipe.outcomes.Load())

		entries, err := f.backing.List(ctx, cache.Filter{})
		require.NoError(t, err)
		require.Len(t, entries, 3, "one entry per tier")

		tiers := map[cache.TierID]bool{}
		for _, e := range entries {
			tiers[e.Tier] = true
			assert.Equal(t, "v1", e.SourceVersion)
		}
		assert.True(t, tiers[cache.TierOutcome])
		assert.True(t, tiers[cache.TierContext])
		assert.True(t, tiers[cache.TierSelection])

		assert.Equal(t, int64(3), f.engine.StatsAll().Stores)
	})

	t.Run("outcome hit short-circuits the pipeline", func(t *testing.T) {
		f := newTestEngine(t, nil)
		f.embed.add("How do I deploy the workflow?", 0)

		first, err := f.engine.Answer(ctx, "How do I deploy the workflow?", alice)
		require.NoError(t, err)

		second, err := f.engine.Answer(ctx, "How do I deploy the workflow?", alice)
		require.NoError(t, err)
		assert.Equal(t, first.Text, second.Text)
		assert.Equal(t, int64(1), f.pipe.selections.Load(), "no stage reruns on an outcome hit")
		assert.Equal(t, int64(1), f.pipe.contexts.Load())
		assert.Equal(t, int64(1), f.pipe.outcomes.Load())
	})

	t.Run("close paraphrase reuses the cached outcome", func(t *testing.T) {
		f := newTestEngine(t, nil)
		f.embed.add("How do I deploy the workflow?", 0)
		f.embed.add("Deploying the workflow", 21.5) // cos 0.930

		first, err := f.engine.Answer(ctx, "How do I deploy the workflow?", alice)
		require.NoError(t, err)

		reused, err := f.engine.Answer(ctx, "Deploying the workflow", alice)
		require.NoError(t, err)
		assert.Equal(t, first.Text, reused.Text, "the cached answer is served verbatim")
		assert.Equal(t, int64(1), f.pipe.outcomes.Load())
	})

	t.Run("mid-similarity query reuses the selection only", func(t *testing.T) {
		f := newTestEngine(t, nil)
		f.embed.add("How do I deploy the workflow?", 0)
		// cos 33.9 degrees = 0.830: above the selection threshold, below
		// context and outcome.
		f.embed.add("What are the steps to release the data pipeline?", 33.9)

		_, err := f.engine.Answer(ctx, "How do I deploy the workflow?", alice)
		require.NoError(t, err)

		answer, err := f.engine.Answer(ctx, "What are the steps to release the data pipeline?", alice)
		require.NoError(t, err)
		assert.Equal(t, "answer for What are the steps to release the data pipeline?", answer.Text)

		assert.Equal(t, int64(1), f.pipe.selections.Load(), "selection stage reused from cache")
		assert.Equal(t, int64(2), f.pipe.contexts.Load())
		assert.Equal(t, int64(2), f.pipe.outcomes.Load())

		entries, lerr := f.backing.List(ctx, cache.Filter{})
		require.NoError(t, lerr)
		assert.Len(t, entries, 5, "recomputed context and outcome are written back")
	})

	t.Run("sensitive answer is served but never cached", func(t *testing.T) {
		f := newTestEngine(t, nil)
		f.pipe.outcomeText = func(query string) string {
			return "the admin password: hunter2 was rotated"
		}
		f.embed.add("rotate the admin credentials", 0)

		answer, err := f.engine.Answer(ctx, "rotate the admin credentials", alice)
		require.NoError(t, err, "sensitive payloads degrade to no-cache, not to failure")
		assert.Contains(t, answer.Text, "rotated")

		entries, lerr := f.backing.List(ctx, cache.Filter{})
		require.NoError(t, lerr)
		for _, e := range entries {
			assert.NotEqual(t, cache.TierOutcome, e.Tier, "the sensitive outcome stays out of the store")
		}
		assert.Len(t, entries, 2)
	})

	t.Run("disabled cache computes every time and stores nothing", func(t *testing.T) {
		cfg := cache.DefaultConfig()
		cfg.Enabled = false
		f := newTestEngine(t, cfg)
		f.embed.add("How do I deploy the workflow?", 0)

		for i := 0; i < 2; i++ {
			answer, err := f.engine.Answer(ctx, "How do I deploy the workflow?", alice)
			require.NoError(t, err)
			assert.Equal(t, "answer for How do I deploy the workflow?", answer.Text)
		}
		assert.Equal(t, int64(2), f.pipe.outcomes.Load())

		entries, err := f.backing.List(ctx, cache.Filter{})
		require.NoError(t, err)
		assert.Empty(t, entries)

		_, err = f.engine.Store(ctx, cache.TierOutcome, "How do I deploy the workflow?",
			cache.OutcomePayload(pipeline.OutcomeText{Text: "x"}), alice, cache.StoreOptions{})
		require.ErrorIs(t, err, cache.ErrDisabled)
	})

	t.Run("no pipeline configured", func(t *testing.T) {
		f := newTestEngine(t, nil, func(opts *cache.EngineOptions) {
			opts.Pipeline = nil
		})
		_, err := f.engine.Answer(ctx, "anything", alice)
		require.ErrorIs(t, err, cache.ErrInvalidConfig)
	})
}

func TestEngine_RebuildsIndexFromStore(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	now := time.Now().UTC()

	live := &cache.CacheEntry{
		ID:             uuid.New(),
		Tier:           cache.TierOutcome,
		Namespace:      "caller:alice",
		QueryText:      "orientation guide",
		QueryVector:    vecAt(0),
		Payload:        cache.OutcomePayload(pipeline.OutcomeText{Text: "Start with the handbook."}),
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            time.Hour,
	}
	expired := &cache.CacheEntry{
		ID:             uuid.New(),
		Tier:           cache.TierOutcome,
		Namespace:      "caller:alice",
		QueryText:      "stale onboarding notes",
		QueryVector:    vecAt(80),
		Payload:        cache.OutcomePayload(pipeline.OutcomeText{Text: "old"}),
		CreatedAt:      now.Add(-2 * time.Hour),
		LastAccessedAt: now.Add(-2 * time.Hour),
		TTL:            time.Hour,
	}
	require.NoError(t, backing.Put(ctx, live))
	require.NoError(t, backing.Put(ctx, expired))

	idx := index.NewMemoryIndex()
	embed := newStubEmbedder()
	embed.add("orientation guide", 0)

	engine, err := cache.NewEngine(nil, cache.EngineOptions{
		Store:    backing,
		Index:    idx,
		Embedder: embed,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	assert.Equal(t, 1, idx.Len(), "rebuild indexes live rows and skips expired ones")
	assert.True(t, idx.Contains(live.ID))
	assert.False(t, idx.Contains(expired.ID))

	hit, err := engine.Lookup(ctx, cache.TierOutcome, "orientation guide", cache.Scope{Caller: "alice"})
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "Start with the handbook.", hit.Entry.Payload.Outcome.Text)
}

func TestEngine_RepairsIndexWithoutStoreRow(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	f.embed.add("dangling vector probe", 0)

	// A vector with no backing row, as a crash between delete and index
	// removal would leave behind.
	orphan := uuid.New()
	f.idx.Insert(cache.IndexRef{
		ID:        orphan,
		Tier:      cache.TierOutcome,
		Namespace: "caller:alice",
		Vector:    vecAt(0),
	})

	hit, err := f.engine.Lookup(ctx, cache.TierOutcome, "dangling vector probe", alice)
	require.NoError(t, err)
	assert.Nil(t, hit)
	assert.False(t, f.idx.Contains(orphan), "the orphaned vector is dropped on sight")
}

func TestEngine_ShutdownStopsOperations(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	require.NoError(t, f.engine.Shutdown(ctx))
	require.NoError(t, f.engine.Shutdown(ctx), "shutdown is idempotent")

	_, err := f.engine.Lookup(ctx, cache.TierOutcome, "anything", alice)
	require.ErrorIs(t, err, cache.ErrShutdown)

	_, err = f.engine.Store(ctx, cache.TierOutcome, "anything",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "x"}), alice, cache.StoreOptions{})
	require.ErrorIs(t, err, cache.ErrShutdown)

	_, err = f.engine.Answer(ctx, "anything", alice)
	require.ErrorIs(t, err, cache.ErrShutdown)

	_, err = f.engine.Invalidate(ctx, alice, "")
	require.ErrorIs(t, err, cache.ErrShutdown)

	_, err = f.engine.BumpSourceVersion(ctx, "caller:alice")
	require.ErrorIs(t, err, cache.ErrShutdown)

	require.ErrorIs(t, f.backing.Ping(ctx), cache.ErrShutdown, "the store is closed with the engine")
}

func TestEngine_ExportStats(t *testing.T) {
	f := newTestEngine(t, nil)
	ctx := context.Background()
	alice := cache.Scope{Caller: "alice"}

	f.embed.add("export probe", 0)
	_, err := f.engine.Store(ctx, cache.TierOutcome, "export probe",
		cache.OutcomePayload(pipeline.OutcomeText{Text: "x"}), alice, cache.StoreOptions{})
	require.NoError(t, err)

	raw, err := f.engine.ExportStats("caller:alice")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"stores": 1`)
	assert.Contains(t, string(raw), `"namespace": "caller:alice"`)
}
