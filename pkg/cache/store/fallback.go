package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stratacache/stratacache/pkg/cache"
	"github.com/stratacache/stratacache/pkg/observability"
)

const (
	defaultProbeInterval = 15 * time.Second
	probeTimeout         = 1 * time.Second
	replayTimeout        = 30 * time.Second
)

// FallbackStore wraps a durable EntryStore with an in-memory stand-in. While
// the primary is healthy every call passes straight through. The first
// infrastructure failure flips the store into degraded mode: reads and writes
// are served from process memory and a background probe pings the primary
// until it answers again, at which point surviving fallback entries are
// replayed into the primary.
//
// Deletes during an outage only reach the in-memory copy. Expiry and
// source-version gates keep stale primary rows from being served after
// recovery, and the sweeper removes them.
type FallbackStore struct {
	primary  cache.EntryStore
	fallback *MemoryStore
	logger   observability.Logger
	metrics  observability.MetricsClient

	interval time.Duration
	degraded atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// FallbackStoreOptions configures a FallbackStore.
type FallbackStoreOptions struct {
	// ProbeInterval is how often the recovery probe pings an unhealthy
	// primary. Defaults to 15s.
	ProbeInterval time.Duration
	Logger        observability.Logger
	Metrics       observability.MetricsClient
}

// NewFallbackStore wraps primary and starts the recovery probe.
func NewFallbackStore(primary cache.EntryStore, opts FallbackStoreOptions) *FallbackStore {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoopMetricsClient()
	}

	f := &FallbackStore{
		primary:  primary,
		fallback: NewMemoryStore(),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		interval: opts.ProbeInterval,
		stopCh:   make(chan struct{}),
	}

	f.wg.Add(1)
	go f.probeLoop()

	return f
}

// Degraded reports whether calls are currently served from memory.
func (f *FallbackStore) Degraded() bool {
	return f.degraded.Load()
}

// Put writes to the primary, falling back to memory when it is unreachable.
func (f *FallbackStore) Put(ctx context.Context, entry *cache.CacheEntry) error {
	if f.degraded.Load() {
		return f.fallback.Put(ctx, entry)
	}

	err := f.primary.Put(ctx, entry)
	if err == nil {
		return nil
	}
	if errors.Is(err, cache.ErrInvalidEntry) {
		return err
	}

	f.enterDegradedMode("put", err)
	return f.fallback.Put(ctx, entry)
}

// Get reads from the primary. A primary miss still consults the fallback so
// entries written during an outage stay reachable until they are replayed.
func (f *FallbackStore) Get(ctx context.Context, id uuid.UUID) (*cache.CacheEntry, error) {
	if f.degraded.Load() {
		return f.fallback.Get(ctx, id)
	}

	entry, err := f.primary.Get(ctx, id)
	if err == nil {
		return entry, nil
	}
	if errors.Is(err, cache.ErrEntryNotFound) {
		return f.fallback.Get(ctx, id)
	}

	f.enterDegradedMode("get", err)
	return f.fallback.Get(ctx, id)
}

// Delete removes id from both copies. A primary failure is logged, not
// returned; the sweeper reconciles the primary after recovery.
func (f *FallbackStore) Delete(ctx context.Context, id uuid.UUID) error {
	_ = f.fallback.Delete(ctx, id)

	if f.degraded.Load() {
		return nil
	}
	if err := f.primary.Delete(ctx, id); err != nil {
		f.enterDegradedMode("delete", err)
	}
	return nil
}

// UpdateAccess persists hit bookkeeping wherever the entry currently lives.
func (f *FallbackStore) UpdateAccess(ctx context.Context, id uuid.UUID, lastAccess time.Time, accessCount int64) error {
	if f.degraded.Load() {
		return f.fallback.UpdateAccess(ctx, id, lastAccess, accessCount)
	}

	err := f.primary.UpdateAccess(ctx, id, lastAccess, accessCount)
	if err == nil {
		return nil
	}
	if errors.Is(err, cache.ErrEntryNotFound) {
		return f.fallback.UpdateAccess(ctx, id, lastAccess, accessCount)
	}

	f.enterDegradedMode("update_access", err)
	return f.fallback.UpdateAccess(ctx, id, lastAccess, accessCount)
}

// List enumerates the active copy. In normal mode the primary is
// authoritative; replay drains outage leftovers back into it.
func (f *FallbackStore) List(ctx context.Context, filter cache.Filter) ([]*cache.CacheEntry, error) {
	if f.degraded.Load() {
		return f.fallback.List(ctx, filter)
	}

	entries, err := f.primary.List(ctx, filter)
	if err != nil {
		f.enterDegradedMode("list", err)
		return f.fallback.List(ctx, filter)
	}
	return entries, nil
}

// Count reports the population of (tier, namespace) in the active copy.
func (f *FallbackStore) Count(ctx context.Context, tier cache.TierID, namespace string) (int, error) {
	if f.degraded.Load() {
		return f.fallback.Count(ctx, tier, namespace)
	}

	n, err := f.primary.Count(ctx, tier, namespace)
	if err != nil {
		f.enterDegradedMode("count", err)
		return f.fallback.Count(ctx, tier, namespace)
	}
	return n, nil
}

// Ping reports the health of the primary, not the fallback.
func (f *FallbackStore) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

// Close stops the probe and releases both copies.
func (f *FallbackStore) Close() error {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
	f.wg.Wait()

	_ = f.fallback.Close()
	return f.primary.Close()
}

// enterDegradedMode flips to memory-backed operation. Only the first failure
// per outage is logged.
func (f *FallbackStore) enterDegradedMode(operation string, err error) {
	if !f.degraded.Swap(true) {
		f.logger.Error("Entering degraded mode, serving cache from memory", map[string]interface{}{
			"operation": operation,
			"error":     err.Error(),
		})
		f.metrics.IncrementCounterWithLabels("cache_store_degraded_mode", 1, map[string]string{
			"operation": operation,
		})
	}
}

// exitDegradedMode switches back to the primary.
func (f *FallbackStore) exitDegradedMode() {
	if f.degraded.Swap(false) {
		f.logger.Info("Exiting degraded mode, primary store restored", nil)
		f.metrics.IncrementCounter("cache_store_degraded_mode_exit", 1)
	}
}

func (f *FallbackStore) probeLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.checkAndRecover()
		case <-f.stopCh:
			return
		}
	}
}

// checkAndRecover pings an unhealthy primary and, once it answers, resumes
// normal mode before replaying outage writes so new traffic is never routed
// to memory mid-replay.
func (f *FallbackStore) checkAndRecover() {
	if !f.degraded.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := f.primary.Ping(ctx); err != nil {
		return
	}

	f.exitDegradedMode()
	f.replay()
}

// replay moves surviving outage writes into the primary. Entries that fail
// stay in the fallback, where normal-mode Get still finds them, and are
// retried if the store degrades again.
func (f *FallbackStore) replay() {
	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	defer cancel()

	entries, err := f.fallback.List(ctx, cache.Filter{})
	if err != nil || len(entries) == 0 {
		return
	}

	now := time.Now()
	moved := 0
	for _, entry := range entries {
		if entry.Expired(now) {
			_ = f.fallback.Delete(ctx, entry.ID)
			continue
		}
		if err := f.primary.Put(ctx, entry); err != nil {
			f.logger.Warn("Failed to replay entry to primary store", map[string]interface{}{
				"entry_id": entry.ID.String(),
				"error":    err.Error(),
			})
			continue
		}
		_ = f.fallback.Delete(ctx, entry.ID)
		moved++
	}

	if moved > 0 {
		f.logger.Info("Replayed outage writes to primary store", map[string]interface{}{
			"entries": moved,
		})
		f.metrics.IncrementCounter("cache_store_replayed_total", float64(moved))
	}
}
