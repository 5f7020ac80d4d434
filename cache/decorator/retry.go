// Package decorator provides optional cross-cutting wrappers (retry,
// circuit breaker, metrics, logging) that implement cache.Backend by
// delegating to an inner cache.Backend. Chain applies them in a fixed
// order: Base -> Retry -> CircuitBreaker -> Metrics -> Logging.
package decorator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/brain2/cachepipe/cache"
)

// RetryConfig configures WithRetry's exponential backoff with jitter.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
	OnRetry       func(attempt int, err error)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

type retryBackend[K comparable, V any] struct {
	inner  cache.Backend[K, V]
	config RetryConfig
	rnd    *rand.Rand
}

// WithRetry wraps inner so that Set and Remove (the two operations whose
// failures are worth retrying; TryGet and Clear never return an error
// to retry against) are attempted up to config.MaxRetries additional
// times after a failure, with exponential backoff and jitter between
// attempts. Cancellation via ctx aborts the retry loop immediately.
func WithRetry[K comparable, V any](inner cache.Backend[K, V], config RetryConfig) cache.Backend[K, V] {
	return &retryBackend[K, V]{
		inner:  inner,
		config: config,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *retryBackend[K, V]) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt))
	if max := float64(r.config.MaxDelay); d > max && max > 0 {
		d = max
	}
	jitter := d * r.config.JitterFactor * r.rnd.Float64()
	return time.Duration(d + jitter)
}

func (r *retryBackend[K, V]) runWithRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay(attempt - 1)):
			}
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err)
		}
	}
	return lastErr
}

func (r *retryBackend[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	return r.inner.TryGet(ctx, key)
}

func (r *retryBackend[K, V]) Set(ctx context.Context, key K, value V) error {
	return r.runWithRetry(ctx, func() error { return r.inner.Set(ctx, key, value) })
}

func (r *retryBackend[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	var removed bool
	err := r.runWithRetry(ctx, func() error {
		var innerErr error
		removed, innerErr = r.inner.Remove(ctx, key)
		return innerErr
	})
	return removed, err
}

func (r *retryBackend[K, V]) Clear(ctx context.Context) error {
	return r.inner.Clear(ctx)
}

// IsAvailable forwards to inner when it implements cache.Availability.
func (r *retryBackend[K, V]) IsAvailable(ctx context.Context) bool {
	if a, ok := r.inner.(cache.Availability); ok {
		return a.IsAvailable(ctx)
	}
	return true
}

// Keys forwards to inner when it implements cache.Enumerable[K].
func (r *retryBackend[K, V]) Keys(ctx context.Context) ([]K, error) {
	if e, ok := r.inner.(cache.Enumerable[K]); ok {
		return e.Keys(ctx)
	}
	return nil, notSupported("retry.Keys")
}
