package embedding

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/stratacache/stratacache/pkg/observability"
)

// CachedProvider puts an exact-text reuse window in front of another
// provider. A literal repeat of recently embedded text reuses the vector
// without a provider call, and concurrent embeds of identical text are
// coalesced into one upstream request. This window is deliberately separate
// from the semantic index: it only ever matches byte-identical text.
type CachedProvider struct {
	inner   Provider
	window  *expirable.LRU[string, []float32]
	group   singleflight.Group
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCachedProvider wraps inner with an exact-text window of the given
// capacity and lifetime.
func NewCachedProvider(inner Provider, capacity int, window time.Duration, logger observability.Logger, metrics observability.MetricsClient) *CachedProvider {
	if capacity <= 0 {
		capacity = 2048
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &CachedProvider{
		inner:   inner,
		window:  expirable.NewLRU[string, []float32](capacity, nil, window),
		logger:  logger,
		metrics: metrics,
	}
}

// Embed returns the windowed vector for byte-identical text, otherwise calls
// the inner provider once per distinct in-flight text.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	if vec, ok := p.window.Get(text); ok {
		p.metrics.IncrementCounterWithLabels("embedding_window_total", 1, map[string]string{"result": "hit"})
		return vec, nil
	}
	p.metrics.IncrementCounterWithLabels("embedding_window_total", 1, map[string]string{"result": "miss"})

	ch := p.group.DoChan(text, func() (interface{}, error) {
		vec, err := p.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		p.window.Add(text, vec)
		return vec, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			p.metrics.IncrementCounter("embedding_coalesced_total", 1)
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dimensions reports the inner provider's vector width.
func (p *CachedProvider) Dimensions() int { return p.inner.Dimensions() }

// Name implements Provider.
func (p *CachedProvider) Name() string { return p.inner.Name() }

// Purge drops the reuse window, for tests and namespace flushes.
func (p *CachedProvider) Purge() { p.window.Purge() }
