// Package retry provides the retry policy used around embedding-provider and
// durable-store calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy retries an operation until it succeeds, permanently fails, or the
// policy gives up.
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config contains retry tuning. Zero values fall back to defaults suited to
// sub-second cache operations.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	MaxRetries      uint64
}

// DefaultConfig returns the retry defaults for cache-adjacent I/O.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

// ExponentialPolicy implements Policy with jittered exponential backoff.
type ExponentialPolicy struct {
	config Config
}

// NewExponentialPolicy creates an exponential backoff policy.
func NewExponentialPolicy(config Config) *ExponentialPolicy {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 50 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 2 * time.Second
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 10 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	return &ExponentialPolicy{config: config}
}

// Execute runs fn with retries. Context cancellation stops the retry loop and
// is returned as-is. Wrap an error with Permanent to stop retrying early.
func (p *ExponentialPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.config.InitialInterval
	eb.MaxInterval = p.config.MaxInterval
	eb.MaxElapsedTime = p.config.MaxElapsedTime
	eb.Multiplier = p.config.Multiplier

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, p.config.MaxRetries), ctx)
	return backoff.Retry(func() error {
		return fn(ctx)
	}, policy)
}

// Permanent marks err as non-retryable for Execute.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
