// Package cache implements a multi-tier semantic cache for staged query
// pipelines, with namespace isolation, scored eviction, and version-aware
// invalidation.
//
// # Overview
//
// The cache sits between callers and an expensive three-stage computation
// (selection, context, outcome) and reuses prior work whenever a new query is
// semantically close enough to one it has already answered. Each stage has
// its own tier with its own similarity threshold, so a near-duplicate query
// can skip the whole pipeline while a merely related one still reuses the
// cheaper upstream stages.
//
// Key features:
//   - Semantic matching over embedding vectors, tier by tier
//   - Outcome, context, and selection tiers with per-tier thresholds and TTLs
//   - Namespace isolation: shared, per-caller, or per-group
//   - Multi-factor eviction scoring (age, frequency, recency, staleness)
//   - TTL, event, and drift-based invalidation
//   - Exact-text embedding reuse window with request coalescing
//   - Fail-as-miss degraded operation when dependencies are down
//   - Optional compression and per-namespace encryption at rest
//
// # Architecture
//
// The package splits into a small engine and swappable collaborators:
//
//  1. Engine: lookup, store, answer, and invalidation flows
//  2. EntryStore: durable entry storage (pkg/cache/store: Redis, SQL, memory)
//  3. SimilarityIndex: in-memory vector search (pkg/cache/index)
//  4. eviction: cap enforcement with multi-factor scoring
//  5. invalidation: TTL/version sweeps and the drift sampler
//  6. pipeline: the wrapped computation's stage interfaces
//
// Basic usage:
//
//	entries := store.NewMemoryStore()
//	idx := index.NewMemoryIndex()
//	provider := embedding.NewMockProvider(768)
//
//	engine, err := cache.NewEngine(cache.DefaultConfig(), cache.EngineOptions{
//	    Store:    entries,
//	    Index:    idx,
//	    Embedder: provider,
//	    Pipeline: myPipeline,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Shutdown(ctx)
//
//	answer, err := engine.Answer(ctx, "How do I reset my password?", cache.Scope{Caller: "alice"})
//
// The tiers are also addressable directly:
//
//	hit, err := engine.Lookup(ctx, cache.TierOutcome, query, scope)
//	if hit != nil {
//	    fmt.Println(hit.Entry.Payload.Outcome.Text, hit.Similarity)
//	}
//
// # Namespaces
//
// Entries are written into exactly one namespace derived from the caller's
// Scope and the configured mode. Reads see the caller's own namespace plus
// the shared one; nothing else, ever. Writes with a missing identity are
// rejected with ErrNamespaceViolation rather than widened into the shared
// namespace.
//
// # Invalidation
//
// Three mechanisms retire entries:
//   - TTL: lookups refuse expired entries immediately; a background sweep
//     reclaims the storage.
//   - Source versions: every entry is stamped with its namespace's version
//     at store time. BumpSourceVersion makes older stamps invisible at once
//     and removes them in the background.
//   - Drift sampling: a rate-limited background pass recomputes a few aged
//     outcomes and invalidates the ones that no longer match a fresh run.
//
// # Degraded Mode
//
// Lookup never surfaces infrastructure failures. An unreachable embedding
// provider, store, or version feed turns the lookup into a miss and the
// caller recomputes. Store failures are real errors to direct callers, but
// Answer logs and continues. Wrapping the durable backend in
// store.NewFallbackStore adds memory-backed writes during outages with
// automatic replay on recovery.
//
// # Monitoring
//
// Stats(namespace) and StatsAll aggregate hit rates, per-tier hits, savings,
// and latency. The engine also emits metrics through
// observability.MetricsClient:
//   - cache_lookups_total: lookups by tier and result
//   - cache_hits_total: hits by tier and match kind (exact, similar, rescued)
//   - cache_stores_total, cache_evictions_total, cache_invalidations_total
//   - cache_degraded_lookups_total: lookups that failed as misses
package cache
