package decorator

import (
	"go.uber.org/zap"

	"github.com/brain2/cachepipe/cache"
)

// ChainOptions selects which decorators Chain applies and with what
// configuration. A nil field skips that layer.
type ChainOptions struct {
	Retry          *RetryConfig
	CircuitBreaker *CircuitBreakerConfig
	Metrics        MetricsRecorder
	Logger         *zap.Logger
}

// Chain applies the configured decorators to base in a fixed order:
// Base -> Retry -> CircuitBreaker -> Metrics -> Logging.
func Chain[K comparable, V any](base cache.Backend[K, V], opts ChainOptions) cache.Backend[K, V] {
	decorated := base

	if opts.Retry != nil {
		decorated = WithRetry(decorated, *opts.Retry)
	}
	if opts.CircuitBreaker != nil {
		decorated = WithCircuitBreaker(decorated, *opts.CircuitBreaker)
	}
	if opts.Metrics != nil {
		decorated = WithMetrics(decorated, opts.Metrics)
	}
	if opts.Logger != nil {
		decorated = WithLogging(decorated, opts.Logger)
	}

	return decorated
}
