package decorator

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/internal/cerr"
)

// CircuitBreakerConfig configures the gobreaker state machine wrapped
// around a backend's Set/Remove calls.
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultCircuitBreakerConfig returns sensible defaults for name.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      3,
	}
}

type circuitBreakerBackend[K comparable, V any] struct {
	inner cache.Backend[K, V]
	cb    *gobreaker.CircuitBreaker
}

// WithCircuitBreaker wraps inner's Set and Remove calls in a gobreaker
// circuit breaker; once at least MinRequests calls have been counted
// and the failure ratio reaches FailureThreshold,
// further calls fail fast with a BackendFailure error instead of
// reaching inner.
func WithCircuitBreaker[K comparable, V any](inner cache.Backend[K, V], config CircuitBreakerConfig) cache.Backend[K, V] {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureThreshold
		},
	})
	return &circuitBreakerBackend[K, V]{inner: inner, cb: cb}
}

func (c *circuitBreakerBackend[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	return c.inner.TryGet(ctx, key)
}

func (c *circuitBreakerBackend[K, V]) Set(ctx context.Context, key K, value V) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.inner.Set(ctx, key, value)
	})
	if err != nil {
		return cerr.Wrap("circuitbreaker.Set", cerr.BackendFailure, "circuit breaker rejected or inner failed", err)
	}
	return nil
}

func (c *circuitBreakerBackend[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	result, err := c.cb.Execute(func() (any, error) {
		return c.inner.Remove(ctx, key)
	})
	if err != nil {
		return false, cerr.Wrap("circuitbreaker.Remove", cerr.BackendFailure, "circuit breaker rejected or inner failed", err)
	}
	return result.(bool), nil
}

func (c *circuitBreakerBackend[K, V]) Clear(ctx context.Context) error {
	return c.inner.Clear(ctx)
}

func (c *circuitBreakerBackend[K, V]) IsAvailable(ctx context.Context) bool {
	if a, ok := c.inner.(cache.Availability); ok {
		return a.IsAvailable(ctx)
	}
	return true
}

func (c *circuitBreakerBackend[K, V]) Keys(ctx context.Context) ([]K, error) {
	if e, ok := c.inner.(cache.Enumerable[K]); ok {
		return e.Keys(ctx)
	}
	return nil, notSupported("circuitbreaker.Keys")
}
