package modifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brain2/cachepipe/internal/cerr"
	"github.com/brain2/cachepipe/pipeline"
)

func TestDelayElapsesAtLeastD(t *testing.T) {
	var invokedAt time.Time
	next := func(ctx context.Context, env pipeline.Envelope[int]) (pipeline.Envelope[int], error) {
		invokedAt = time.Now()
		return env, nil
	}
	wrapped := Delay[int](30 * time.Millisecond)(next)

	start := time.Now()
	_, err := wrapped(context.Background(), pipeline.Envelope[int]{Value: 1})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, invokedAt.Sub(start), 25*time.Millisecond)
}

func TestDelayCancelledBeforeInvokingNext(t *testing.T) {
	called := false
	next := func(ctx context.Context, env pipeline.Envelope[int]) (pipeline.Envelope[int], error) {
		called = true
		return env, nil
	}
	wrapped := Delay[int](100 * time.Millisecond)(next)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := wrapped(ctx, pipeline.Envelope[int]{Value: 1})
	require.Error(t, err)
	assert.True(t, cerr.IsCancelled(err))
	assert.False(t, called, "next must not run once cancellation wins the race")
}
