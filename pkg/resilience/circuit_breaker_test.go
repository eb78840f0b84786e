package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_PassesThroughWhenClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig(), nil, nil)

	result, err := cb.Execute(context.Background(), func() (interface{}, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_OpensAfterFailureRatio(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureRatio:     0.5,
		MinimumRequests:  4,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		HalfOpenRequests: 1,
	}, nil, nil)

	boom := errors.New("backend down")
	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(context.Background(), func() (interface{}, error) {
			return nil, boom
		})
	}

	assert.True(t, cb.Open())

	_, err := cb.Execute(context.Background(), func() (interface{}, error) {
		t.Fatal("must not be invoked while open")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_RespectsCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cb.Execute(ctx, func() (interface{}, error) {
		t.Fatal("must not run with cancelled context")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreaker_RecoversHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureRatio:     0.5,
		MinimumRequests:  2,
		Interval:         time.Minute,
		Timeout:          20 * time.Millisecond,
		HalfOpenRequests: 1,
	}, nil, nil)

	boom := errors.New("backend down")
	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(context.Background(), func() (interface{}, error) {
			return nil, boom
		})
	}
	require.True(t, cb.Open())

	time.Sleep(30 * time.Millisecond)

	result, err := cb.Execute(context.Background(), func() (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
}
