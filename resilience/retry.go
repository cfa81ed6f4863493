package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ezaigents/agentmesh/core"
)

// RetryConfig controls exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of delay to randomize, e.g. 0.2 = +/-20%
	ShouldRetry  func(error) bool
	Logger       core.Logger
}

// DefaultRetryConfig returns sane defaults for retrying Redis and
// network operations.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		ShouldRetry: core.IsRetryable,
		Logger:      core.NoOpLogger{},
	}
}

// Retry runs fn, retrying with exponential backoff and jitter while
// cfg.ShouldRetry returns true, up to cfg.MaxAttempts total attempts.
// It stops early if ctx is canceled.
func Retry(ctx context.Context, cfg *RetryConfig, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = core.IsRetryable
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !cfg.ShouldRetry(lastErr) {
			return lastErr
		}
		cfg.Logger.Warn("retrying after error", map[string]interface{}{
			"attempt": attempt + 1, "max_attempts": cfg.MaxAttempts, "error": lastErr.Error(),
		})
	}
	return lastErr
}

func backoffDelay(cfg *RetryConfig, attempt int) time.Duration {
	raw := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && raw > float64(cfg.MaxDelay) {
		raw = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		jitterRange := raw * cfg.Jitter
		raw += (rand.Float64()*2 - 1) * jitterRange
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}

// RetryWithCircuitBreaker wraps fn so each attempt goes through cb,
// short-circuiting the remaining attempts once the breaker opens.
func RetryWithCircuitBreaker(ctx context.Context, cfg *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, cfg, func() error {
		return cb.Execute(ctx, fn)
	})
}
