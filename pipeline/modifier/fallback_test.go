package modifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brain2/cachepipe/pipeline"
)

func TestFallbackSubstitutesOnFailure(t *testing.T) {
	boom := errors.New("boom")
	next := func(ctx context.Context, env pipeline.Envelope[int]) (pipeline.Envelope[int], error) {
		return pipeline.Envelope[int]{}, boom
	}
	wrapped := Fallback[int](func(err error) int { return -1 })(next)

	result, err := wrapped(context.Background(), pipeline.Envelope[int]{Index: 5, Value: 1})
	require.NoError(t, err)
	assert.Equal(t, -1, result.Value)
	assert.Equal(t, uint64(5), result.Index)
}

func TestFallbackPassesThroughSuccess(t *testing.T) {
	next := func(ctx context.Context, env pipeline.Envelope[int]) (pipeline.Envelope[int], error) {
		return env, nil
	}
	wrapped := Fallback[int](func(err error) int { return -1 })(next)

	result, err := wrapped(context.Background(), pipeline.Envelope[int]{Value: 42})
	require.NoError(t, err)
	assert.Equal(t, 42, result.Value)
}
