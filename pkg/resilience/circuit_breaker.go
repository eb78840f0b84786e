// Package resilience wraps sony/gobreaker with the logging and metrics hooks
// used by the cache's provider and store clients.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stratacache/stratacache/pkg/observability"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig tunes when the breaker trips and recovers.
type CircuitBreakerConfig struct {
	// FailureRatio trips the breaker once failures/requests reaches it,
	// provided MinimumRequests have been observed in the rolling interval.
	FailureRatio    float64
	MinimumRequests uint32
	// Interval is the closed-state rolling window; Timeout is how long the
	// breaker stays open before probing.
	Interval time.Duration
	Timeout  time.Duration
	// HalfOpenRequests limits probe traffic while half-open.
	HalfOpenRequests uint32
}

// DefaultCircuitBreakerConfig matches the tolerances of a cache that must
// fail fast rather than queue work behind a dead backend.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRatio:     0.5,
		MinimumRequests:  10,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		HalfOpenRequests: 3,
	}
}

// CircuitBreaker guards calls to an unreliable collaborator.
type CircuitBreaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a named breaker. Logger and metrics may be nil.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.FailureRatio <= 0 || config.FailureRatio > 1 {
		config.FailureRatio = 0.5
	}
	if config.MinimumRequests == 0 {
		config.MinimumRequests = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 3
	}

	b := &CircuitBreaker{
		name:    name,
		logger:  logger,
		metrics: metrics,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.HalfOpenRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinimumRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
			b.metrics.IncrementCounterWithLabels("circuit_breaker_state_changes_total", 1, map[string]string{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
			b.metrics.RecordGauge("circuit_breaker_state", stateValue(to), map[string]string{"name": name})
		},
	})

	return b
}

// Execute runs fn through the breaker. While open it returns ErrCircuitOpen
// without invoking fn. A context already cancelled is honoured before the
// call.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result, nil
}

// State reports the breaker state as a string (closed, half-open, open).
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}

// Open reports whether calls are currently being rejected.
func (b *CircuitBreaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
