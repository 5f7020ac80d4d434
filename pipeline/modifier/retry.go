// Package modifier provides composable wrappers around a
// pipeline.Transform: retry, timeout, delay, bulkhead, fallback,
// throttle, and circuit breaker. Modifiers compose by function
// composition; the outermost modifier observes failures of all inner
// ones.
package modifier

import (
	"context"
	"math/rand"
	"time"

	"github.com/brain2/cachepipe/internal/cerr"
	"github.com/brain2/cachepipe/pipeline"
)

// RetryConfig configures Retry.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first
	// failure; n+1 total attempts are made.
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
	OnRetry       func(attempt int, err error)
}

// DefaultRetryConfig returns sensible defaults: the same retry count
// and backoff factor as decorator.DefaultRetryConfig, with a shorter
// initial and maximum delay and a larger jitter factor.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.2,
	}
}

// Retry wraps next so that up to cfg.MaxRetries additional attempts run
// after a failure, waiting per the backoff policy between attempts.
// Success on any attempt returns immediately; the final failure after
// n+1 attempts propagates.
func Retry[V any](cfg RetryConfig) pipeline.Modifier[V] {
	return func(next pipeline.Transform[V]) pipeline.Transform[V] {
		return func(ctx context.Context, env pipeline.Envelope[V]) (pipeline.Envelope[V], error) {
			delay := cfg.InitialDelay
			var lastErr error

			for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
				result, err := next(ctx, env)
				if err == nil {
					return result, nil
				}
				lastErr = err

				if attempt == cfg.MaxRetries {
					break
				}
				if cfg.OnRetry != nil {
					cfg.OnRetry(attempt+1, err)
				}

				wait := delay
				if cfg.JitterFactor > 0 {
					jitter := time.Duration(rand.Float64() * cfg.JitterFactor * float64(wait))
					wait += jitter
				}

				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return pipeline.Envelope[V]{}, cerr.Wrap("modifier.Retry", cerr.Cancelled, "context done during backoff", ctx.Err())
				}

				delay = time.Duration(float64(delay) * cfg.BackoffFactor)
				if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			}

			return pipeline.Envelope[V]{}, lastErr
		}
	}
}
