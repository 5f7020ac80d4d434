package modifier

import (
	"context"
	"time"

	"github.com/brain2/cachepipe/internal/cerr"
	"github.com/brain2/cachepipe/pipeline"
)

// Delay sleeps d before invoking next, returning early with a
// Cancelled error if ctx is done first.
func Delay[V any](d time.Duration) pipeline.Modifier[V] {
	return func(next pipeline.Transform[V]) pipeline.Transform[V] {
		return func(ctx context.Context, env pipeline.Envelope[V]) (pipeline.Envelope[V], error) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return pipeline.Envelope[V]{}, cerr.Wrap("modifier.Delay", cerr.Cancelled, "context done during delay", ctx.Err())
			}
			return next(ctx, env)
		}
	}
}
