package decorator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brain2/cachepipe/cache"
)

type loggingBackend[K comparable, V any] struct {
	inner  cache.Backend[K, V]
	logger *zap.Logger
}

// WithLogging wraps inner so every operation logs its outcome and
// duration at debug level. A failed Set is logged at error level;
// TryGet, Remove and Clear log any error at debug level.
func WithLogging[K comparable, V any](inner cache.Backend[K, V], logger *zap.Logger) cache.Backend[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &loggingBackend[K, V]{inner: inner, logger: logger}
}

func (l *loggingBackend[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	start := time.Now()
	v, ok, err := l.inner.TryGet(ctx, key)
	l.logger.Debug("cache.TryGet",
		zap.Bool("hit", ok),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return v, ok, err
}

func (l *loggingBackend[K, V]) Set(ctx context.Context, key K, value V) error {
	start := time.Now()
	err := l.inner.Set(ctx, key, value)
	if err != nil {
		l.logger.Error("cache.Set failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
	} else {
		l.logger.Debug("cache.Set", zap.Duration("duration", time.Since(start)))
	}
	return err
}

func (l *loggingBackend[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	start := time.Now()
	removed, err := l.inner.Remove(ctx, key)
	l.logger.Debug("cache.Remove",
		zap.Bool("removed", removed),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return removed, err
}

func (l *loggingBackend[K, V]) Clear(ctx context.Context) error {
	start := time.Now()
	err := l.inner.Clear(ctx)
	l.logger.Debug("cache.Clear", zap.Duration("duration", time.Since(start)), zap.Error(err))
	return err
}

func (l *loggingBackend[K, V]) IsAvailable(ctx context.Context) bool {
	if a, ok := l.inner.(cache.Availability); ok {
		return a.IsAvailable(ctx)
	}
	return true
}

func (l *loggingBackend[K, V]) Keys(ctx context.Context) ([]K, error) {
	if e, ok := l.inner.(cache.Enumerable[K]); ok {
		return e.Keys(ctx)
	}
	return nil, notSupported("logging.Keys")
}
