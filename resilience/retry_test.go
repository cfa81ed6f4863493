package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ezaigents/agentmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Multiplier:  1.5,
		ShouldRetry: core.IsRetryable,
	}, func() error {
		attempts++
		if attempts < 3 {
			return core.ErrTimeout
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		attempts++
		return core.ErrAgentNotFound
	})

	assert.ErrorIs(t, err, core.ErrAgentNotFound)
	assert.Equal(t, 1, attempts)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, &RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, ShouldRetry: core.IsRetryable}, func() error {
		return core.ErrTimeout
	})

	assert.Error(t, err)
}

func TestRetryWithCircuitBreakerShortCircuits(t *testing.T) {
	cb := New(&Config{Name: "retry-test", ErrorThreshold: 0.1, VolumeThreshold: 1, SleepWindow: time.Hour})

	callCount := 0
	err := RetryWithCircuitBreaker(context.Background(), &RetryConfig{
		MaxAttempts: 3, BaseDelay: time.Millisecond, ShouldRetry: func(error) bool { return true },
	}, cb, func() error {
		callCount++
		return errors.New("downstream failure")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, callCount)
}
