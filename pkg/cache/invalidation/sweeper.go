// Package invalidation removes entries whose answers can no longer be
// trusted: TTL sweeps, source-version sweeps, and low-rate drift sampling.
// Like eviction, it sees the cache through its own narrow types so the
// parent package can depend on it without a cycle.
package invalidation

import (
	"context"
	"sync"
	"time"

	"github.com/stratacache/stratacache/pkg/observability"
)

// Task is one named sweep executed every cycle. Run reports how many entries
// it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (removed int, err error)
}

// Sweeper executes its tasks on a fixed interval. Lookups already refuse
// expired and version-stale entries, so sweep latency affects storage
// footprint, never correctness.
type Sweeper struct {
	interval time.Duration
	tasks    []Task
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper returns a Sweeper running tasks every interval.
func NewSweeper(interval time.Duration, tasks []Task, logger observability.Logger, metrics observability.MetricsClient) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = observability.NewLogger("cache.invalidation.sweeper")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Sweeper{
		interval: interval,
		tasks:    tasks,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start launches the sweep loop. Calling Start twice without Stop is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Sweeper started", map[string]interface{}{
		"interval": s.interval.String(),
		"tasks":    len(s.tasks),
	})
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes every task a single time and returns the total number of
// entries removed. Task failures and panics are contained per task.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	total := 0
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			return total
		}
		total += s.runTask(ctx, task)
	}
	return total
}

func (s *Sweeper) runTask(ctx context.Context, task Task) (removed int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sweep task panicked", map[string]interface{}{
				"task":  task.Name,
				"panic": r,
			})
		}
	}()

	start := time.Now()
	removed, err := task.Run(ctx)
	s.metrics.RecordTimer("cache_sweep_duration", time.Since(start), map[string]string{"task": task.Name})
	if err != nil {
		s.logger.Warn("Sweep task failed", map[string]interface{}{
			"task":  task.Name,
			"error": err.Error(),
		})
		return removed
	}

	if removed > 0 {
		s.metrics.IncrementCounterWithLabels("cache_sweep_removed_total", float64(removed), map[string]string{
			"task": task.Name,
		})
		s.logger.Debug("Sweep task completed", map[string]interface{}{
			"task":    task.Name,
			"removed": removed,
		})
	}
	return removed
}
