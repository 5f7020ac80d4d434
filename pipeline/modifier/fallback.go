package modifier

import (
	"context"

	"github.com/brain2/cachepipe/pipeline"
)

// Fallback evaluates f(err) and substitutes its value on any failure
// from next instead of propagating the error.
func Fallback[V any](f func(err error) V) pipeline.Modifier[V] {
	return func(next pipeline.Transform[V]) pipeline.Transform[V] {
		return func(ctx context.Context, env pipeline.Envelope[V]) (pipeline.Envelope[V], error) {
			result, err := next(ctx, env)
			if err == nil {
				return result, nil
			}
			return pipeline.Envelope[V]{Index: env.Index, Value: f(err)}, nil
		}
	}
}
