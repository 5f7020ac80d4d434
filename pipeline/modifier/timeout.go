package modifier

import (
	"context"
	"time"

	"github.com/brain2/cachepipe/internal/cerr"
	"github.com/brain2/cachepipe/pipeline"
)

// Timeout fails the envelope with a Timeout error if next does not
// complete within d; next observes cancellation through its own ctx
// argument, derived from the modifier's timeout context.
func Timeout[V any](d time.Duration) pipeline.Modifier[V] {
	return func(next pipeline.Transform[V]) pipeline.Transform[V] {
		return func(ctx context.Context, env pipeline.Envelope[V]) (pipeline.Envelope[V], error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type outcome struct {
				result pipeline.Envelope[V]
				err    error
			}
			done := make(chan outcome, 1)

			go func() {
				result, err := next(tctx, env)
				done <- outcome{result: result, err: err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-tctx.Done():
				return pipeline.Envelope[V]{}, cerr.New("modifier.Timeout", cerr.Timeout, "transform did not complete in time")
			}
		}
	}
}
