package modifier

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/brain2/cachepipe/internal/cerr"
	"github.com/brain2/cachepipe/pipeline"
)

// CircuitBreakerConfig configures the gobreaker state machine
// CircuitBreaker wraps around a stage transform, mirroring
// cache/decorator.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultCircuitBreakerConfig mirrors decorator.DefaultCircuitBreakerConfig.
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

// CircuitBreaker fails fast with a BackendFailure error, instead of
// reaching next, once at least MinRequests calls have been counted and
// the failure ratio reaches FailureThreshold.
func CircuitBreaker[V any](cfg CircuitBreakerConfig) pipeline.Modifier[V] {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
	})

	return func(next pipeline.Transform[V]) pipeline.Transform[V] {
		return func(ctx context.Context, env pipeline.Envelope[V]) (pipeline.Envelope[V], error) {
			result, err := cb.Execute(func() (any, error) {
				return next(ctx, env)
			})
			if err != nil {
				return pipeline.Envelope[V]{}, cerr.Wrap("modifier.CircuitBreaker", cerr.BackendFailure, "circuit breaker rejected or inner transform failed", err)
			}
			return result.(pipeline.Envelope[V]), nil
		}
	}
}
