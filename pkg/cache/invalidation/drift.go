package invalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/stratacache/stratacache/pkg/observability"
	"github.com/stratacache/stratacache/pkg/pipeline"
)

// Sample is the drift-relevant view of a long-lived entry.
type Sample struct {
	ID         uuid.UUID
	Tier       string
	Namespace  string
	QueryText  string
	CachedText string
	CreatedAt  time.Time
}

// DriftSource supplies samples, recomputes their answers, and invalidates
// the ones that no longer agree with a fresh computation.
type DriftSource interface {
	Sample(ctx context.Context, limit int, minAge time.Duration) ([]Sample, error)
	Recompute(ctx context.Context, sample Sample) (string, error)
	Invalidate(ctx context.Context, id uuid.UUID) error
}

// DriftOptions configures a DriftSampler. Zero values get defaults.
type DriftOptions struct {
	Interval            time.Duration
	SampleSize          int
	RatePerSecond       float64
	MinAge              time.Duration
	DivergenceThreshold float64

	// Similarity scores two payload texts in [0, 1]. Defaults to exact
	// equality when unset.
	Similarity func(a, b string) float64
	// Judge, when set, overrides Similarity with a semantic comparison.
	Judge pipeline.Judge

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// DriftSampler periodically re-runs the original computation for a small
// random slice of aged entries and invalidates the ones whose cached payload
// has drifted from a fresh result. Recomputation is token-bucket limited so
// sampling can never become a second production load.
type DriftSampler struct {
	source     DriftSource
	limiter    *rate.Limiter
	interval   time.Duration
	sampleSize int
	minAge     time.Duration
	threshold  float64
	similarity func(a, b string) float64
	judge      pipeline.Judge
	logger     observability.Logger
	metrics    observability.MetricsClient

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriftSampler returns a DriftSampler over source.
func NewDriftSampler(source DriftSource, opts DriftOptions) *DriftSampler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 8
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 0.5
	}
	if opts.MinAge <= 0 {
		opts.MinAge = time.Hour
	}
	if opts.DivergenceThreshold <= 0 {
		opts.DivergenceThreshold = 0.80
	}
	if opts.Similarity == nil {
		opts.Similarity = func(a, b string) float64 {
			if a == b {
				return 1
			}
			return 0
		}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("cache.invalidation.drift")
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoopMetricsClient()
	}

	return &DriftSampler{
		source:     source,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		interval:   opts.Interval,
		sampleSize: opts.SampleSize,
		minAge:     opts.MinAge,
		threshold:  opts.DivergenceThreshold,
		similarity: opts.Similarity,
		judge:      opts.Judge,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Start launches the sampling loop.
func (d *DriftSampler) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)

	d.logger.Info("Drift sampler started", map[string]interface{}{
		"interval":    d.interval.String(),
		"sample_size": d.sampleSize,
		"min_age":     d.minAge.String(),
		"threshold":   d.threshold,
	})
}

// Stop halts the loop and waits for an in-flight cycle.
func (d *DriftSampler) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

func (d *DriftSampler) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, _, err := d.SampleOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("Drift sampling cycle failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		case <-ctx.Done():
			return
		}
	}
}

// SampleOnce runs a single sampling cycle and reports how many entries were
// checked and how many were invalidated for drift.
func (d *DriftSampler) SampleOnce(ctx context.Context) (checked, invalidated int, err error) {
	samples, err := d.source.Sample(ctx, d.sampleSize, d.minAge)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sample entries: %w", err)
	}

	for _, sample := range samples {
		if err := d.limiter.Wait(ctx); err != nil {
			return checked, invalidated, err
		}

		fresh, err := d.source.Recompute(ctx, sample)
		if err != nil {
			d.logger.Warn("Drift recompute failed", map[string]interface{}{
				"entry_id": sample.ID.String(),
				"tier":     sample.Tier,
				"error":    err.Error(),
			})
			continue
		}
		checked++

		score := d.score(ctx, sample, fresh)
		d.metrics.RecordHistogram("cache_drift_score", score, map[string]string{"tier": sample.Tier})
		if score >= d.threshold {
			continue
		}

		if err := d.source.Invalidate(ctx, sample.ID); err != nil {
			d.logger.Warn("Failed to invalidate drifted entry", map[string]interface{}{
				"entry_id": sample.ID.String(),
				"error":    err.Error(),
			})
			continue
		}
		invalidated++
		d.metrics.IncrementCounterWithLabels("cache_drift_invalidations_total", 1, map[string]string{
			"tier": sample.Tier,
		})
		d.logger.Info("Invalidated drifted entry", map[string]interface{}{
			"entry_id":  sample.ID.String(),
			"tier":      sample.Tier,
			"namespace": sample.Namespace,
			"score":     score,
		})
	}
	return checked, invalidated, nil
}

// score prefers the judge when one is wired, falling back to the lexical
// comparison if the judge errors.
func (d *DriftSampler) score(ctx context.Context, sample Sample, fresh string) float64 {
	if d.judge != nil {
		score, err := d.judge.Compare(ctx, sample.QueryText, sample.CachedText, fresh)
		if err == nil {
			return score
		}
		d.logger.Warn("Drift judge failed, using lexical comparison", map[string]interface{}{
			"entry_id": sample.ID.String(),
			"error":    err.Error(),
		})
	}
	return d.similarity(sample.CachedText, fresh)
}
