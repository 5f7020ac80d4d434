package modifier

import (
	"context"
	"sync"
	"time"

	"github.com/brain2/cachepipe/internal/cerr"
	"github.com/brain2/cachepipe/pipeline"
)

// Throttle ensures consecutive invocations of next start at least d
// apart, serializing starts through a shared last-start timestamp
// guarded by a mutex. A single Throttle instance shares its clock
// across every call it wraps, matching every other call into the same
// Throttle(d) modifier value.
func Throttle[V any](d time.Duration) pipeline.Modifier[V] {
	var mu sync.Mutex
	var lastStart time.Time

	return func(next pipeline.Transform[V]) pipeline.Transform[V] {
		return func(ctx context.Context, env pipeline.Envelope[V]) (pipeline.Envelope[V], error) {
			mu.Lock()
			now := time.Now()
			wait := d - now.Sub(lastStart)
			if wait < 0 {
				wait = 0
			}
			lastStart = now.Add(wait)
			mu.Unlock()

			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return pipeline.Envelope[V]{}, cerr.Wrap("modifier.Throttle", cerr.Cancelled, "context done while throttled", ctx.Err())
				}
			}

			return next(ctx, env)
		}
	}
}
