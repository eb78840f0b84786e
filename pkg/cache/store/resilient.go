package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratacache/stratacache/pkg/observability"
	"github.com/stratacache/stratacache/pkg/resilience"
	"github.com/stratacache/stratacache/pkg/retry"
)

// ResilientRedisClient wraps a Redis client with a circuit breaker and retry
// policy. A missing key is a cache miss, not a backend failure; it is never
// retried and never counts toward tripping the breaker.
type ResilientRedisClient struct {
	client  *redis.Client
	breaker *resilience.CircuitBreaker
	policy  retry.Policy
	logger  observability.Logger
}

// NewResilientRedisClient wraps client. Nil configs get defaults tuned for
// sub-second cache operations.
func NewResilientRedisClient(
	client *redis.Client,
	breakerConfig *resilience.CircuitBreakerConfig,
	retryConfig *retry.Config,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *ResilientRedisClient {
	if logger == nil {
		logger = observability.NewLogger("cache.store.redis")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	bc := resilience.DefaultCircuitBreakerConfig()
	if breakerConfig != nil {
		bc = *breakerConfig
	}
	rc := retry.Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  5 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
	if retryConfig != nil {
		rc = *retryConfig
	}

	return &ResilientRedisClient{
		client:  client,
		breaker: resilience.NewCircuitBreaker("redis_store", bc, logger, metrics),
		policy:  retry.NewExponentialPolicy(rc),
		logger:  logger,
	}
}

func (r *ResilientRedisClient) execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, r.policy.Execute(ctx, op)
	})
	return err
}

// Get returns the value at key, or redis.Nil when absent.
func (r *ResilientRedisClient) Get(ctx context.Context, key string) (string, error) {
	var val string
	missing := false
	err := r.execute(ctx, func(ctx context.Context) error {
		v, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		missing = false
		val = v
		return nil
	})
	if err != nil {
		return "", err
	}
	if missing {
		return "", redis.Nil
	}
	return val, nil
}

// Set writes key with expiration (use redis.KeepTTL to preserve it).
func (r *ResilientRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.execute(ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, expiration).Err()
	})
}

// MGet returns values for keys; absent keys yield nil slots.
func (r *ResilientRedisClient) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	var vals []interface{}
	err := r.execute(ctx, func(ctx context.Context) error {
		v, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		vals = v
		return nil
	})
	return vals, err
}

// Del removes keys.
func (r *ResilientRedisClient) Del(ctx context.Context, keys ...string) error {
	return r.execute(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, keys...).Err()
	})
}

// SAdd adds members to the set at key.
func (r *ResilientRedisClient) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return r.execute(ctx, func(ctx context.Context) error {
		return r.client.SAdd(ctx, key, members...).Err()
	})
}

// SRem removes members from the set at key.
func (r *ResilientRedisClient) SRem(ctx context.Context, key string, members ...interface{}) error {
	return r.execute(ctx, func(ctx context.Context) error {
		return r.client.SRem(ctx, key, members...).Err()
	})
}

// SMembers returns the members of the set at key.
func (r *ResilientRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := r.execute(ctx, func(ctx context.Context) error {
		m, err := r.client.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		members = m
		return nil
	})
	return members, err
}

// SCard returns the cardinality of the set at key.
func (r *ResilientRedisClient) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.execute(ctx, func(ctx context.Context) error {
		v, err := r.client.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// TxPipelined runs fn inside a MULTI/EXEC pipeline.
func (r *ResilientRedisClient) TxPipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return r.execute(ctx, func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, fn)
		return err
	})
}

// Ping checks connectivity through the breaker so a dead backend is reported
// as open rather than hammered.
func (r *ResilientRedisClient) Ping(ctx context.Context) error {
	_, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	return err
}

// State exposes the breaker state for health reporting.
func (r *ResilientRedisClient) State() string {
	return r.breaker.State()
}

// Close closes the underlying client.
func (r *ResilientRedisClient) Close() error {
	return r.client.Close()
}
