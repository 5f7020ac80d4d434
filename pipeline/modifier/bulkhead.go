package modifier

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/brain2/cachepipe/internal/cerr"
	"github.com/brain2/cachepipe/pipeline"
)

// Bulkhead limits concurrent in-flight invocations of next to m via a
// counting semaphore; excess callers block until a slot frees up or
// ctx is cancelled.
func Bulkhead[V any](m int64) pipeline.Modifier[V] {
	sem := semaphore.NewWeighted(m)

	return func(next pipeline.Transform[V]) pipeline.Transform[V] {
		return func(ctx context.Context, env pipeline.Envelope[V]) (pipeline.Envelope[V], error) {
			if err := sem.Acquire(ctx, 1); err != nil {
				return pipeline.Envelope[V]{}, cerr.Wrap("modifier.Bulkhead", cerr.Cancelled, "context done waiting for a bulkhead slot", err)
			}
			defer sem.Release(1)

			return next(ctx, env)
		}
	}
}
