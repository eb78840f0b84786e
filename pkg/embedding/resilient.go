package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stratacache/stratacache/pkg/observability"
	"github.com/stratacache/stratacache/pkg/resilience"
	"github.com/stratacache/stratacache/pkg/retry"
)

// ResilientProvider guards a provider with a circuit breaker and retry
// policy. An open breaker fails fast; transient failures are retried with
// backoff. Callers above treat any returned error as a cache miss.
type ResilientProvider struct {
	inner   Provider
	breaker *resilience.CircuitBreaker
	policy  retry.Policy
	logger  observability.Logger
}

// NewResilientProvider wraps inner. Zero configs use package defaults.
func NewResilientProvider(inner Provider, breakerCfg resilience.CircuitBreakerConfig, retryCfg retry.Config, logger observability.Logger, metrics observability.MetricsClient) *ResilientProvider {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ResilientProvider{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker("embedding_provider", breakerCfg, logger, metrics),
		policy:  retry.NewExponentialPolicy(retryCfg),
		logger:  logger,
	}
}

// Embed implements Provider.
func (p *ResilientProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := p.policy.Execute(ctx, func(ctx context.Context) error {
		result, err := p.breaker.Execute(ctx, func() (interface{}, error) {
			return p.inner.Embed(ctx, text)
		})
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, ErrEmptyText) {
				// Retrying inside the open window or on bad input is useless.
				return retry.Permanent(err)
			}
			return err
		}
		vec = result.([]float32)
		return nil
	})
	if err != nil {
		p.logger.Warn("Embedding provider failed", map[string]interface{}{
			"provider": p.inner.Name(),
			"error":    err.Error(),
			"breaker":  p.breaker.State(),
		})
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	return vec, nil
}

// Dimensions reports the inner provider's vector width.
func (p *ResilientProvider) Dimensions() int { return p.inner.Dimensions() }

// Name implements Provider.
func (p *ResilientProvider) Name() string { return p.inner.Name() }

// Healthy probes the provider with a trivial embed under a short deadline.
func (p *ResilientProvider) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := p.Embed(ctx, "healthcheck")
	return err == nil
}
