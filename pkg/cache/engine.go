package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stratacache/stratacache/pkg/cache/eviction"
	"github.com/stratacache/stratacache/pkg/cache/invalidation"
	"github.com/stratacache/stratacache/pkg/embedding"
	"github.com/stratacache/stratacache/pkg/observability"
	"github.com/stratacache/stratacache/pkg/pipeline"
)

// stripeCount fixes the width of the per-(tier, namespace) write lock table.
const stripeCount = 64

// EngineOptions wires the engine's collaborators. Store, Index, and Embedder
// are required; everything else has a working default.
type EngineOptions struct {
	// Store is the durable source of truth for entries.
	Store EntryStore
	// Index is the similarity index, rebuilt from Store at startup.
	Index SimilarityIndex
	// Embedder turns normalized query text into vectors. NewEngine puts an
	// exact-text reuse window in front of it unless one is already there.
	Embedder Embedder

	// Pipeline is the staged computation Answer wraps. Lookup and Store work
	// without it.
	Pipeline pipeline.Pipeline
	// Versions is the authoritative source-version feed. Defaults to an
	// in-process VersionRegistry.
	Versions pipeline.SourceVersionProvider
	// Judge, when set, scores drift samples semantically instead of lexically.
	Judge pipeline.Judge

	// SensitiveStore and SensitiveIndex, when both are set, hold entries whose
	// query or payload matched a sensitive pattern, keeping them out of the
	// durable backend. They should be process-local. When unset, sensitive
	// stores are rejected with ErrSensitiveContent instead.
	SensitiveStore EntryStore
	SensitiveIndex SimilarityIndex

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// StoreOptions carries the optional parts of a Store call.
type StoreOptions struct {
	// TTL overrides the category and tier defaults when positive.
	TTL time.Duration
	// Category picks a TTL class when no explicit TTL is given.
	Category Category
	// Provenance records what produced the payload and what reuse saves.
	Provenance pipeline.Provenance
	// SourceVersion stamps the entry; empty means the write namespace's
	// current version at store time.
	SourceVersion string
}

// Engine is the multi-tier semantic cache. Answer wraps a staged pipeline
// with per-tier reuse: outcome first, then selection and context, writing
// back every stage that had to be computed. Lookup, Store, Invalidate, and
// BumpSourceVersion expose the tiers directly.
//
// All methods are safe for concurrent use. Lookups never fail on
// infrastructure errors; they degrade to misses and the caller recomputes.
type Engine struct {
	cfg *Config

	store          EntryStore
	index          SimilarityIndex
	sensitiveStore EntryStore
	sensitiveIndex SimilarityIndex

	embedder Embedder
	pipe     pipeline.Pipeline
	versions pipeline.SourceVersionProvider

	router     *Router
	normalizer *TextNormalizer
	validator  *QueryValidator
	detector   *SensitiveDetector
	evaluator  *Evaluator
	stats      *StatsCollector
	enforcer   *eviction.Enforcer
	sweeper    *invalidation.Sweeper
	drift      *invalidation.DriftSampler

	logger  observability.Logger
	metrics observability.MetricsClient

	// stripes serialize the store-then-index write pair per (tier, namespace)
	// bucket. Reads never take them.
	stripes [stripeCount]sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	bg         sync.WaitGroup
	closed     atomic.Bool
}

// storePair binds an entry store to the index that mirrors it.
type storePair struct {
	store EntryStore
	index SimilarityIndex
}

// NewEngine validates the configuration, rebuilds the similarity index from
// the entry store, and starts the background sweeps. The store always wins a
// disagreement with the index, so a crash between a store write and an index
// insert is healed here on the next start.
func NewEngine(cfg *Config, opts EngineOptions) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Index == nil || opts.Embedder == nil {
		return nil, fmt.Errorf("%w: store, index, and embedder are required", ErrInvalidConfig)
	}
	if (opts.SensitiveStore == nil) != (opts.SensitiveIndex == nil) {
		return nil, fmt.Errorf("%w: sensitive store and index must be wired together", ErrInvalidConfig)
	}
	if cfg.Drift.Enabled && opts.Pipeline == nil {
		return nil, fmt.Errorf("%w: drift sampling requires a pipeline", ErrInvalidConfig)
	}

	baseLogger := opts.Logger
	if baseLogger == nil {
		baseLogger = observability.NewNoopLogger()
	}
	logger := NewSafeLogger(baseLogger.WithPrefix("cache"))

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	router, err := NewRouter(cfg.NamespaceMode)
	if err != nil {
		return nil, err
	}

	versions := opts.Versions
	if versions == nil {
		versions = pipeline.NewVersionRegistry()
	}

	embedder := opts.Embedder
	if _, windowed := embedder.(*embedding.CachedProvider); !windowed {
		embedder = embedding.NewCachedProvider(providerShim{opts.Embedder},
			cfg.EmbeddingWindowSize, cfg.EmbeddingWindowTTL, logger, metrics)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:            cfg,
		store:          opts.Store,
		index:          opts.Index,
		sensitiveStore: opts.SensitiveStore,
		sensitiveIndex: opts.SensitiveIndex,
		embedder:       embedder,
		pipe:           opts.Pipeline,
		versions:       versions,
		router:         router,
		normalizer:     NewNormalizer(),
		validator:      NewQueryValidator(),
		detector:       NewSensitiveDetector(),
		evaluator:      NewEvaluator(cfg.LexicalRescueBand, cfg.LexicalRescueMin),
		stats:          NewStatsCollector(time.Hour, 24),
		logger:         logger,
		metrics:        metrics,
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
	}

	e.enforcer = eviction.NewEnforcer(&capSource{e}, eviction.Weights{
		Age:          cfg.Eviction.AgeWeight,
		Frequency:    cfg.Eviction.FrequencyWeight,
		Recency:      cfg.Eviction.RecencyWeight,
		Stale:        cfg.Eviction.StaleWeight,
		StalePenalty: cfg.Eviction.StalePenalty,
	}, logger, metrics)

	if err := e.rebuildIndex(baseCtx); err != nil {
		baseCancel()
		return nil, err
	}

	e.sweeper = invalidation.NewSweeper(cfg.SweepInterval, e.sweepTasks(), logger, metrics)
	e.sweeper.Start(baseCtx)

	if cfg.Drift.Enabled {
		e.drift = invalidation.NewDriftSampler(&driftSource{e}, invalidation.DriftOptions{
			Interval:            cfg.Drift.Interval,
			SampleSize:          cfg.Drift.SampleSize,
			RatePerSecond:       cfg.Drift.RatePerSecond,
			MinAge:              cfg.Drift.MinAge,
			DivergenceThreshold: cfg.Drift.DivergenceThreshold,
			Similarity:          lexicalSimilarity,
			Judge:               opts.Judge,
			Logger:              logger,
			Metrics:             metrics,
		})
		e.drift.Start(baseCtx)
	}

	logger.Info("Cache engine started", map[string]interface{}{
		"namespace_mode": string(cfg.NamespaceMode),
		"indexed":        e.index.Len(),
		"drift_sampling": cfg.Drift.Enabled,
	})
	return e, nil
}

// Answer serves queryText from the outcome tier when possible, otherwise
// runs the pipeline stage by stage, reusing cached selections and context
// bundles and writing back everything that had to be computed. Cache
// failures along the way degrade to recomputation, never to an error.
func (e *Engine) Answer(ctx context.Context, queryText string, scope Scope) (pipeline.OutcomeText, error) {
	var zero pipeline.OutcomeText
	if e.closed.Load() {
		return zero, ErrShutdown
	}
	if e.pipe == nil {
		return zero, fmt.Errorf("%w: no pipeline configured", ErrInvalidConfig)
	}
	if !e.cfg.Enabled {
		return e.computeUncached(ctx, queryText)
	}

	if hit, err := e.Lookup(ctx, TierOutcome, queryText, scope); err != nil {
		return zero, err
	} else if hit != nil && hit.Entry.Payload.Outcome != nil {
		return *hit.Entry.Payload.Outcome, nil
	}

	writeNs, err := e.router.WriteNamespace(scope)
	if err != nil {
		return zero, err
	}

	// Capture the version before any computation so a result derived from
	// pre-bump data is never stamped as post-bump.
	storable := true
	version, err := e.versions.CurrentSourceVersion(ctx, writeNs)
	if err != nil {
		storable = false
		e.logger.Warn("Source version unavailable, computing without caching", map[string]interface{}{
			"namespace": writeNs,
			"error":     err.Error(),
		})
	}

	selection, err := e.cachedSelection(ctx, queryText, scope, version, storable)
	if err != nil {
		return zero, err
	}

	bundle, err := e.cachedContext(ctx, queryText, scope, selection, version, storable)
	if err != nil {
		return zero, err
	}

	started := time.Now()
	outcome, prov, err := e.pipe.RunOutcome(ctx, queryText, bundle)
	if err != nil {
		return zero, fmt.Errorf("run outcome stage: %w", err)
	}
	if prov.ComputeDuration == 0 {
		prov.ComputeDuration = time.Since(started)
	}
	if storable {
		e.storeStage(ctx, TierOutcome, queryText, OutcomePayload(outcome), scope, prov, version)
	}
	return outcome, nil
}

// computeUncached runs all three stages with the cache out of the loop.
func (e *Engine) computeUncached(ctx context.Context, queryText string) (pipeline.OutcomeText, error) {
	var zero pipeline.OutcomeText
	selection, _, err := e.pipe.RunSelection(ctx, queryText)
	if err != nil {
		return zero, fmt.Errorf("run selection stage: %w", err)
	}
	bundle, _, err := e.pipe.RunContext(ctx, queryText, selection)
	if err != nil {
		return zero, fmt.Errorf("run context stage: %w", err)
	}
	outcome, _, err := e.pipe.RunOutcome(ctx, queryText, bundle)
	if err != nil {
		return zero, fmt.Errorf("run outcome stage: %w", err)
	}
	return outcome, nil
}

func (e *Engine) cachedSelection(ctx context.Context, queryText string, scope Scope, version string, storable bool) (pipeline.SelectionList, error) {
	if hit, err := e.Lookup(ctx, TierSelection, queryText, scope); err != nil {
		return pipeline.SelectionList{}, err
	} else if hit != nil && hit.Entry.Payload.Selection != nil {
		return *hit.Entry.Payload.Selection, nil
	}

	started := time.Now()
	selection, prov, err := e.pipe.RunSelection(ctx, queryText)
	if err != nil {
		return pipeline.SelectionList{}, fmt.Errorf("run selection stage: %w", err)
	}
	if prov.ComputeDuration == 0 {
		prov.ComputeDuration = time.Since(started)
	}
	if storable {
		e.storeStage(ctx, TierSelection, queryText, SelectionPayload(selection), scope, prov, version)
	}
	return selection, nil
}

func (e *Engine) cachedContext(ctx context.Context, queryText string, scope Scope, selection pipeline.SelectionList, version string, storable bool) (pipeline.ContextBundle, error) {
	if hit, err := e.Lookup(ctx, TierContext, queryText, scope); err != nil {
		return pipeline.ContextBundle{}, err
	} else if hit != nil && hit.Entry.Payload.Context != nil {
		return *hit.Entry.Payload.Context, nil
	}

	started := time.Now()
	bundle, prov, err := e.pipe.RunContext(ctx, queryText, selection)
	if err != nil {
		return pipeline.ContextBundle{}, fmt.Errorf("run context stage: %w", err)
	}
	if prov.ComputeDuration == 0 {
		prov.ComputeDuration = time.Since(started)
	}
	if storable {
		e.storeStage(ctx, TierContext, queryText, ContextPayload(bundle), scope, prov, version)
	}
	return bundle, nil
}

// storeStage writes a computed stage result back. Don't fail the answer on
// cache errors.
func (e *Engine) storeStage(ctx context.Context, tier TierID, queryText string, payload Payload, scope Scope, prov pipeline.Provenance, version string) {
	_, err := e.Store(ctx, tier, queryText, payload, scope, StoreOptions{
		Provenance:    prov,
		SourceVersion: version,
	})
	if err == nil {
		return
	}
	if errors.Is(err, ErrSensitiveContent) {
		e.logger.Debug("Stage result not cached, sensitive content", map[string]interface{}{
			"tier": string(tier),
		})
		return
	}
	e.logger.Warn("Failed to cache stage result", map[string]interface{}{
		"tier":  string(tier),
		"error": err.Error(),
	})
}

// Lookup finds a reusable entry for queryText in one tier. A nil Hit with a
// nil error is a miss. Namespace violations and unknown tiers are real
// errors; infrastructure failures are downgraded to misses so the caller can
// always fall through to computing.
func (e *Engine) Lookup(ctx context.Context, tier TierID, queryText string, scope Scope) (*Hit, error) {
	if e.closed.Load() {
		return nil, ErrShutdown
	}
	if !e.cfg.Enabled {
		return nil, nil
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidEntry, tier)
	}

	readable, err := e.router.ReadNamespaces(scope)
	if err != nil {
		return nil, err
	}
	own := readable[0]

	started := time.Now()

	if err := e.validator.Validate(queryText); err != nil {
		// Unusable queries miss instead of erroring; the caller computes.
		e.logger.Debug("Query failed validation, treating as miss", map[string]interface{}{
			"tier":  string(tier),
			"error": err.Error(),
		})
		e.recordLookup(LookupRecord{Tier: tier, Namespace: own, Latency: time.Since(started)})
		return nil, nil
	}

	norm := e.normalizer.Normalize(e.validator.Sanitize(queryText))
	if norm == "" {
		e.recordLookup(LookupRecord{Tier: tier, Namespace: own, Latency: time.Since(started)})
		return nil, nil
	}

	ctx, span := observability.StartSpan(ctx, "cache.lookup")
	defer span.End()
	span.SetAttribute("tier", string(tier))

	ctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()

	vector, err := e.embedder.Embed(ctx, norm)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("Embedding unavailable, lookup degraded to miss", map[string]interface{}{
			"tier":  string(tier),
			"error": err.Error(),
		})
		e.recordLookup(LookupRecord{Tier: tier, Namespace: own, Degraded: true, Latency: time.Since(started)})
		return nil, nil
	}

	hit, rescued, degraded := e.findCandidate(ctx, tier, readable, norm, vector)
	if hit == nil {
		e.recordLookup(LookupRecord{Tier: tier, Namespace: own, Degraded: degraded, Latency: time.Since(started)})
		return nil, nil
	}

	span.SetAttribute("hit", true)
	span.SetAttribute("similarity", float64(hit.Similarity))
	e.recordLookup(LookupRecord{
		Tier:         tier,
		Namespace:    own,
		Hit:          true,
		Exact:        hit.Exact,
		Rescued:      rescued,
		Latency:      time.Since(started),
		CostSaved:    hit.Entry.Provenance.CostSaved,
		ComputeSaved: hit.Entry.Provenance.ComputeDuration,
	})
	return hit, nil
}

// findCandidate walks index matches in similarity order and returns the first
// one that survives every gate: present in the store, unexpired, stamped with
// the namespace's current source version, and accepted by the evaluator.
func (e *Engine) findCandidate(ctx context.Context, tier TierID, namespaces []string, norm string, vector []float32) (hit *Hit, rescued, degraded bool) {
	policy := e.cfg.TierPolicyFor(tier)

	matches := e.index.Search(tier, namespaces, vector, e.cfg.MaxCandidates)
	fromSensitive := map[uuid.UUID]bool{}
	if e.sensitiveIndex != nil {
		private := e.sensitiveIndex.Search(tier, namespaces, vector, e.cfg.MaxCandidates)
		for _, m := range private {
			fromSensitive[m.ID] = true
		}
		if len(private) > 0 {
			matches = append(matches, private...)
			sort.SliceStable(matches, func(i, j int) bool {
				return matches[i].Similarity > matches[j].Similarity
			})
		}
	}

	now := time.Now()
	currentByNs := map[string]string{}

	for _, match := range matches {
		if ctx.Err() != nil {
			return nil, false, true
		}

		st, idx := e.store, e.index
		if fromSensitive[match.ID] {
			st, idx = e.sensitiveStore, e.sensitiveIndex
		}

		entry, err := st.Get(ctx, match.ID)
		if errors.Is(err, ErrEntryNotFound) {
			// The index advertised a row the store no longer has; the store
			// wins and the orphaned vector goes.
			idx.Remove(match.ID)
			e.logger.Warn("Dropped index entry without a stored row", map[string]interface{}{
				"entry_id": match.ID.String(),
				"tier":     string(tier),
				"cause":    ErrIndexInconsistency.Error(),
			})
			e.metrics.IncrementCounter("cache_index_repairs_total", 1)
			continue
		}
		if err != nil {
			degraded = true
			e.logger.Warn("Entry fetch failed during lookup", map[string]interface{}{
				"entry_id": match.ID.String(),
				"error":    err.Error(),
			})
			continue
		}

		if entry.Expired(now) {
			continue
		}

		current, ok := currentByNs[entry.Namespace]
		if !ok {
			v, verr := e.versions.CurrentSourceVersion(ctx, entry.Namespace)
			if verr != nil {
				degraded = true
				continue
			}
			currentByNs[entry.Namespace] = v
			current = v
		}
		if entry.SourceVersion != "" && entry.SourceVersion != current {
			continue
		}

		verdict := e.evaluator.Evaluate(policy.SimilarityThreshold, match.Similarity, norm, entry.QueryText)
		if !verdict.Accepted {
			continue
		}

		entry = e.touch(ctx, st, entry)
		return &Hit{
			Entry:      entry,
			Similarity: match.Similarity,
			Exact:      entry.QueryText == norm,
		}, verdict.Rescued, degraded
	}

	return nil, false, degraded
}

// touch bumps the entry's access bookkeeping copy-on-write. Serving the hit
// matters more than persisting the counters.
func (e *Engine) touch(ctx context.Context, st EntryStore, entry *CacheEntry) *CacheEntry {
	updated := entry.Clone()
	updated.AccessCount++
	updated.LastAccessedAt = time.Now().UTC()

	if err := st.UpdateAccess(ctx, entry.ID, updated.LastAccessedAt, updated.AccessCount); err != nil {
		e.logger.Warn("Failed to update access stats", map[string]interface{}{
			"entry_id": entry.ID.String(),
			"error":    err.Error(),
		})
	}
	return updated
}

// Store embeds queryText and writes one entry into the scope's write
// namespace. Sensitive content goes to the process-local sensitive pair when
// one is wired and is rejected with ErrSensitiveContent otherwise. After a
// successful write the bucket is trimmed back under its cap.
func (e *Engine) Store(ctx context.Context, tier TierID, queryText string, payload Payload, scope Scope, opts StoreOptions) (uuid.UUID, error) {
	if e.closed.Load() {
		return uuid.Nil, ErrShutdown
	}
	if !e.cfg.Enabled {
		return uuid.Nil, ErrDisabled
	}
	if !tier.Valid() {
		return uuid.Nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidEntry, tier)
	}
	if !payload.MatchesTier(tier) {
		return uuid.Nil, fmt.Errorf("%w: %s payload stored into %s tier", ErrInvalidEntry, payload.Kind, tier)
	}
	if err := e.validator.Validate(queryText); err != nil {
		return uuid.Nil, err
	}

	namespace, err := e.router.WriteNamespace(scope)
	if err != nil {
		return uuid.Nil, err
	}

	sanitized := e.validator.Sanitize(queryText)
	norm := e.normalizer.Normalize(sanitized)
	if norm == "" {
		return uuid.Nil, fmt.Errorf("%w: query normalizes to nothing", ErrInvalidEntry)
	}

	ctx, span := observability.StartSpan(ctx, "cache.store")
	defer span.End()
	span.SetAttribute("tier", string(tier))
	span.SetAttribute("namespace", namespace)

	sensitive := e.detector.Detect(sanitized) || e.detector.Detect(payload.CanonicalText())
	st, idx := e.store, e.index
	if sensitive {
		if e.sensitiveStore == nil {
			e.metrics.IncrementCounterWithLabels("cache_stores_skipped_total", 1, map[string]string{
				"reason": "sensitive",
			})
			return uuid.Nil, ErrSensitiveContent
		}
		st, idx = e.sensitiveStore, e.sensitiveIndex
	}

	vector, err := e.embedder.Embed(ctx, norm)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	version := opts.SourceVersion
	if version == "" {
		version, err = e.versions.CurrentSourceVersion(ctx, namespace)
		if err != nil {
			span.RecordError(err)
			return uuid.Nil, fmt.Errorf("resolve source version: %w", err)
		}
	}

	now := time.Now().UTC()
	entry := &CacheEntry{
		ID:             uuid.New(),
		Tier:           tier,
		Namespace:      namespace,
		QueryText:      norm,
		QueryVector:    vector,
		Payload:        payload,
		Provenance:     opts.Provenance,
		SourceVersion:  version,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            e.cfg.ResolveTTL(tier, opts.Category, opts.TTL),
		Sensitive:      sensitive,
	}

	// Durable write first: a crash here leaves a store row without an index
	// entry, which the startup rebuild restores. The reverse order would
	// leave a ghost the index has to be healed of.
	mu := e.stripeFor(tier, namespace)
	mu.Lock()
	err = st.Put(ctx, entry)
	if err == nil {
		idx.Insert(IndexRef{ID: entry.ID, Tier: tier, Namespace: namespace, Vector: vector})
	}
	mu.Unlock()
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("store cache entry: %w", err)
	}

	e.stats.RecordStore(namespace, tier)
	e.metrics.IncrementCounterWithLabels("cache_stores_total", 1, map[string]string{
		"tier": string(tier),
	})

	if !sensitive {
		evicted, err := e.enforcer.EnforceCap(ctx, string(tier), namespace, e.cfg.TierPolicyFor(tier).MaxEntries)
		if err != nil {
			e.logger.Warn("Cap enforcement failed", map[string]interface{}{
				"tier":      string(tier),
				"namespace": namespace,
				"error":     err.Error(),
			})
		} else if evicted > 0 {
			e.stats.RecordEvictions(namespace, evicted)
		}
	}

	return entry.ID, nil
}

// Invalidate removes the scope's entries whose normalized query contains
// pattern; an empty pattern removes the whole namespace. Returns how many
// entries went.
func (e *Engine) Invalidate(ctx context.Context, scope Scope, pattern string) (int, error) {
	if e.closed.Load() {
		return 0, ErrShutdown
	}

	namespace, err := e.router.WriteNamespace(scope)
	if err != nil {
		return 0, err
	}

	ctx, span := observability.StartSpan(ctx, "cache.invalidate")
	defer span.End()
	span.SetAttribute("namespace", namespace)

	needle := strings.ToLower(strings.TrimSpace(pattern))

	removed := 0
	for _, pair := range e.pairs() {
		entries, lerr := pair.store.List(ctx, Filter{Namespace: &namespace})
		if lerr != nil {
			span.RecordError(lerr)
			return removed, fmt.Errorf("list namespace %q: %w", namespace, lerr)
		}
		for _, entry := range entries {
			if needle != "" && !strings.Contains(entry.QueryText, needle) {
				continue
			}
			if rerr := e.removeEntry(ctx, entry.ID, entry.Tier, entry.Namespace, entry.Sensitive); rerr != nil {
				e.logger.Warn("Failed to invalidate entry", map[string]interface{}{
					"entry_id": entry.ID.String(),
					"error":    rerr.Error(),
				})
				continue
			}
			removed++
		}
	}

	e.stats.RecordInvalidations(namespace, removed)
	e.metrics.IncrementCounterWithLabels("cache_invalidations_total", float64(removed), map[string]string{
		"reason": "manual",
	})
	return removed, nil
}

// BumpSourceVersion advances the namespace's source version in response to a
// source-data event. Entries stamped with older versions stop being served
// immediately; their physical removal runs in the background.
func (e *Engine) BumpSourceVersion(ctx context.Context, namespace string) (string, error) {
	if e.closed.Load() {
		return "", ErrShutdown
	}

	bumper, ok := e.versions.(pipeline.VersionBumper)
	if !ok {
		return "", fmt.Errorf("%w: source version provider is read-only", ErrInvalidConfig)
	}

	version := bumper.Bump(namespace)
	e.logger.Info("Source version bumped", map[string]interface{}{
		"namespace": namespace,
		"version":   version,
	})
	e.metrics.IncrementCounter("cache_source_version_bumps_total", 1)

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		removed := e.removeStaleVersions(e.baseCtx, namespace, version)
		if removed > 0 {
			e.stats.RecordInvalidations(namespace, removed)
			e.metrics.IncrementCounterWithLabels("cache_invalidations_total", float64(removed), map[string]string{
				"reason": "source_version",
			})
		}
	}()

	return version, nil
}

func (e *Engine) removeStaleVersions(ctx context.Context, namespace, current string) int {
	removed := 0
	for _, pair := range e.pairs() {
		entries, err := pair.store.List(ctx, Filter{Namespace: &namespace, SourceVersionNot: current})
		if err != nil {
			e.logger.Warn("Stale version sweep failed to list entries", map[string]interface{}{
				"namespace": namespace,
				"error":     err.Error(),
			})
			continue
		}
		for _, entry := range entries {
			if entry.SourceVersion == "" {
				continue
			}
			if err := e.removeEntry(ctx, entry.ID, entry.Tier, entry.Namespace, entry.Sensitive); err != nil {
				continue
			}
			removed++
		}
	}
	return removed
}

// Stats aggregates activity for one namespace.
func (e *Engine) Stats(namespace string) CacheStats {
	return e.stats.Snapshot(namespace)
}

// StatsAll aggregates activity across every namespace.
func (e *Engine) StatsAll() CacheStats {
	return e.stats.SnapshotAll()
}

// ExportStats renders a namespace snapshot as JSON for diagnostics.
func (e *Engine) ExportStats(namespace string) ([]byte, error) {
	return e.stats.ExportJSON(namespace)
}

// Sweep runs one synchronous pass of the TTL and stale-version sweeps and
// returns how many entries were removed. The background sweeper runs the
// same tasks every SweepInterval.
func (e *Engine) Sweep(ctx context.Context) int {
	return e.sweeper.RunOnce(ctx)
}

// Shutdown stops the background loops and closes the stores. Operations
// after it return ErrShutdown. If ctx expires while background work drains,
// Shutdown returns its error before the stores are closed.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}

	e.logger.Info("Cache engine shutting down", nil)
	e.baseCancel()
	e.sweeper.Stop()
	if e.drift != nil {
		e.drift.Stop()
	}

	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, pair := range e.pairs() {
		if err := pair.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pairs lists the engine's store/index pairs, durable first.
func (e *Engine) pairs() []storePair {
	if e.sensitiveStore != nil {
		return []storePair{{e.store, e.index}, {e.sensitiveStore, e.sensitiveIndex}}
	}
	return []storePair{{e.store, e.index}}
}

// stripeFor maps a (tier, namespace) bucket onto its write mutex.
func (e *Engine) stripeFor(tier TierID, namespace string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tier))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(namespace))
	return &e.stripes[h.Sum32()%stripeCount]
}

// removeEntry deletes id from its store and index under the bucket's write
// stripe so the pair stays consistent.
func (e *Engine) removeEntry(ctx context.Context, id uuid.UUID, tier TierID, namespace string, sensitive bool) error {
	st, idx := e.store, e.index
	if sensitive && e.sensitiveStore != nil {
		st, idx = e.sensitiveStore, e.sensitiveIndex
	}

	mu := e.stripeFor(tier, namespace)
	mu.Lock()
	defer mu.Unlock()

	if err := st.Delete(ctx, id); err != nil {
		return err
	}
	idx.Remove(id)
	return nil
}

// rebuildIndex reloads the similarity indexes from the entry stores,
// skipping rows that expired while the process was down.
func (e *Engine) rebuildIndex(ctx context.Context) error {
	now := time.Now()
	indexed := 0

	for _, pair := range e.pairs() {
		pair.index.Clear()
		entries, err := pair.store.List(ctx, Filter{})
		if err != nil {
			return fmt.Errorf("rebuild similarity index: %w", err)
		}
		for _, entry := range entries {
			if entry.Expired(now) || len(entry.QueryVector) == 0 {
				continue
			}
			pair.index.Insert(IndexRef{
				ID:        entry.ID,
				Tier:      entry.Tier,
				Namespace: entry.Namespace,
				Vector:    entry.QueryVector,
			})
			indexed++
		}
	}

	if indexed > 0 {
		e.logger.Info("Rebuilt similarity index from entry store", map[string]interface{}{
			"entries": indexed,
		})
	}
	return nil
}

func (e *Engine) sweepTasks() []invalidation.Task {
	return []invalidation.Task{
		{Name: "ttl", Run: e.sweepExpired},
		{Name: "source_version", Run: e.sweepStaleVersions},
	}
}

// sweepExpired physically removes entries whose TTL has elapsed. Lookups
// already refuse them; this reclaims storage and index space.
func (e *Engine) sweepExpired(ctx context.Context) (int, error) {
	removed := 0
	var firstErr error

	for _, pair := range e.pairs() {
		entries, err := pair.store.List(ctx, Filter{ExpiredBefore: time.Now()})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, entry := range entries {
			if err := e.removeEntry(ctx, entry.ID, entry.Tier, entry.Namespace, entry.Sensitive); err != nil {
				continue
			}
			removed++
		}
	}
	return removed, firstErr
}

// sweepStaleVersions physically removes entries stamped with a source
// version older than their namespace's current one.
func (e *Engine) sweepStaleVersions(ctx context.Context) (int, error) {
	removed := 0
	currentByNs := map[string]string{}
	var firstErr error

	for _, pair := range e.pairs() {
		entries, err := pair.store.List(ctx, Filter{})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, entry := range entries {
			if entry.SourceVersion == "" {
				continue
			}
			current, ok := currentByNs[entry.Namespace]
			if !ok {
				v, verr := e.versions.CurrentSourceVersion(ctx, entry.Namespace)
				if verr != nil {
					if firstErr == nil {
						firstErr = verr
					}
					currentByNs[entry.Namespace] = ""
					continue
				}
				currentByNs[entry.Namespace] = v
				current = v
			}
			if current == "" || entry.SourceVersion == current {
				continue
			}
			if err := e.removeEntry(ctx, entry.ID, entry.Tier, entry.Namespace, entry.Sensitive); err != nil {
				continue
			}
			removed++
		}
	}
	return removed, firstErr
}

// recordLookup updates the stats collector and the per-tier metrics.
func (e *Engine) recordLookup(rec LookupRecord) {
	e.stats.RecordLookup(rec)

	result := "miss"
	if rec.Hit {
		result = "hit"
	}
	e.metrics.IncrementCounterWithLabels("cache_lookups_total", 1, map[string]string{
		"tier":   string(rec.Tier),
		"result": result,
	})
	e.metrics.RecordTimer("cache_lookup_duration", rec.Latency, map[string]string{
		"tier": string(rec.Tier),
	})

	if rec.Degraded {
		e.metrics.IncrementCounterWithLabels("cache_degraded_lookups_total", 1, map[string]string{
			"tier": string(rec.Tier),
		})
	}
	if rec.Hit {
		match := "similar"
		switch {
		case rec.Exact:
			match = "exact"
		case rec.Rescued:
			match = "rescued"
		}
		e.metrics.IncrementCounterWithLabels("cache_hits_total", 1, map[string]string{
			"tier":  string(rec.Tier),
			"match": match,
		})
	}
}

// providerShim lifts a bare Embedder into an embedding.Provider so the
// exact-text window can wrap it.
type providerShim struct {
	inner Embedder
}

func (p providerShim) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.inner.Embed(ctx, text)
}

func (p providerShim) Dimensions() int { return 0 }

func (p providerShim) Name() string { return "custom" }

// capSource adapts the engine's durable store to the eviction enforcer.
type capSource struct {
	e *Engine
}

func (s *capSource) Candidates(ctx context.Context, tier, namespace string) ([]eviction.Candidate, error) {
	entries, err := s.e.store.List(ctx, Filter{Tier: TierID(tier), Namespace: &namespace})
	if err != nil {
		return nil, err
	}

	// Staleness raises the eviction score but is not a gate; score without
	// it when the version feed is down.
	current, err := s.e.versions.CurrentSourceVersion(ctx, namespace)
	if err != nil {
		current = ""
	}

	out := make([]eviction.Candidate, 0, len(entries))
	for _, entry := range entries {
		stale := current != "" && entry.SourceVersion != "" && entry.SourceVersion != current
		out = append(out, eviction.Candidate{
			ID:             entry.ID,
			Tier:           string(entry.Tier),
			Namespace:      entry.Namespace,
			CreatedAt:      entry.CreatedAt,
			LastAccessedAt: entry.LastAccessedAt,
			AccessCount:    entry.AccessCount,
			SourceStale:    stale,
		})
	}
	return out, nil
}

func (s *capSource) Remove(ctx context.Context, victim eviction.Candidate) error {
	return s.e.removeEntry(ctx, victim.ID, TierID(victim.Tier), victim.Namespace, false)
}

// driftSource adapts the engine to the drift sampler. Only outcome entries
// are sampled; their payloads are the user-visible answers.
type driftSource struct {
	e *Engine
}

func (s *driftSource) Sample(ctx context.Context, limit int, minAge time.Duration) ([]invalidation.Sample, error) {
	entries, err := s.e.store.List(ctx, Filter{Tier: TierOutcome})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pool := make([]*CacheEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Expired(now) || now.Sub(entry.CreatedAt) < minAge {
			continue
		}
		if entry.Payload.CanonicalText() == "" {
			continue
		}
		pool = append(pool, entry)
	}

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if limit > 0 && len(pool) > limit {
		pool = pool[:limit]
	}

	samples := make([]invalidation.Sample, 0, len(pool))
	for _, entry := range pool {
		samples = append(samples, invalidation.Sample{
			ID:         entry.ID,
			Tier:       string(entry.Tier),
			Namespace:  entry.Namespace,
			QueryText:  entry.QueryText,
			CachedText: entry.Payload.CanonicalText(),
			CreatedAt:  entry.CreatedAt,
		})
	}
	return samples, nil
}

// Recompute runs the raw pipeline for the sample's query, bypassing every
// cache tier, and returns the fresh answer text.
func (s *driftSource) Recompute(ctx context.Context, sample invalidation.Sample) (string, error) {
	if s.e.pipe == nil {
		return "", fmt.Errorf("%w: no pipeline configured", ErrInvalidConfig)
	}

	selection, _, err := s.e.pipe.RunSelection(ctx, sample.QueryText)
	if err != nil {
		return "", err
	}
	bundle, _, err := s.e.pipe.RunContext(ctx, sample.QueryText, selection)
	if err != nil {
		return "", err
	}
	outcome, _, err := s.e.pipe.RunOutcome(ctx, sample.QueryText, bundle)
	if err != nil {
		return "", err
	}
	return outcome.Text, nil
}

func (s *driftSource) Invalidate(ctx context.Context, id uuid.UUID) error {
	entry, err := s.e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.e.removeEntry(ctx, id, entry.Tier, entry.Namespace, false); err != nil {
		return err
	}
	s.e.stats.RecordInvalidations(entry.Namespace, 1)
	return nil
}
