package eviction

import (
	"context"
	"fmt"
	"time"

	"github.com/stratacache/stratacache/pkg/observability"
)

// Source lists live candidates for a bucket and removes entries. Remove must
// take the entry out of both the durable store and the similarity index.
type Source interface {
	Candidates(ctx context.Context, tier, namespace string) ([]Candidate, error)
	Remove(ctx context.Context, victim Candidate) error
}

// Enforcer trims a (tier, namespace) bucket back under its cap, removing the
// highest-scored entries first.
type Enforcer struct {
	source  Source
	scorer  *Scorer
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewEnforcer returns an Enforcer scoring with w.
func NewEnforcer(source Source, w Weights, logger observability.Logger, metrics observability.MetricsClient) *Enforcer {
	if logger == nil {
		logger = observability.NewLogger("cache.eviction")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Enforcer{
		source:  source,
		scorer:  NewScorer(w),
		logger:  logger,
		metrics: metrics,
	}
}

// EnforceCap removes entries from (tier, namespace) until the population is
// at most cap, and reports how many went. A cap of zero or less means
// unbounded. Individual removal failures are logged and skipped so one bad
// entry cannot wedge the bucket over its cap forever.
func (e *Enforcer) EnforceCap(ctx context.Context, tier, namespace string, cap int) (int, error) {
	if cap <= 0 {
		return 0, nil
	}

	ctx, span := observability.StartSpan(ctx, "cache.eviction.enforce_cap")
	defer span.End()
	span.SetAttribute("tier", tier)
	span.SetAttribute("cap", cap)

	start := time.Now()
	candidates, err := e.source.Candidates(ctx, tier, namespace)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to list eviction candidates: %w", err)
	}

	overflow := len(candidates) - cap
	if overflow <= 0 {
		return 0, nil
	}

	ranked := e.scorer.Rank(candidates)

	evicted := 0
	for _, victim := range ranked {
		if evicted >= overflow {
			break
		}
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		if err := e.source.Remove(ctx, victim); err != nil {
			e.logger.Warn("Failed to evict entry", map[string]interface{}{
				"entry_id":  victim.ID.String(),
				"tier":      tier,
				"namespace": namespace,
				"error":     err.Error(),
			})
			continue
		}
		evicted++
	}

	e.metrics.IncrementCounterWithLabels("cache_evictions_total", float64(evicted), map[string]string{
		"tier":   tier,
		"reason": "size_limit",
	})
	e.metrics.RecordTimer("cache_eviction_duration", time.Since(start), map[string]string{"tier": tier})

	e.logger.Info("Enforced cache cap", map[string]interface{}{
		"tier":       tier,
		"namespace":  namespace,
		"cap":        cap,
		"population": len(candidates),
		"evicted":    evicted,
	})
	return evicted, nil
}
