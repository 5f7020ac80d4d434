package modifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brain2/cachepipe/pipeline"
)

func TestCircuitBreakerTripsAfterFailureThresholdAndRecovers(t *testing.T) {
	boom := errors.New("boom")
	fail := true
	next := func(ctx context.Context, env pipeline.Envelope[int]) (pipeline.Envelope[int], error) {
		if fail {
			return pipeline.Envelope[int]{}, boom
		}
		return env, nil
	}

	cfg := DefaultCircuitBreakerConfig("pipeline-stage-test")
	cfg.MinRequests = 2
	cfg.FailureThreshold = 0.5
	cfg.Timeout = 20 * time.Millisecond
	wrapped := CircuitBreaker[int](cfg)(next)

	for i := 0; i < 2; i++ {
		_, err := wrapped(context.Background(), pipeline.Envelope[int]{Value: i})
		require.Error(t, err)
	}

	_, err := wrapped(context.Background(), pipeline.Envelope[int]{Value: 99})
	require.Error(t, err, "circuit should now be open, rejecting without calling next")

	fail = false
	time.Sleep(30 * time.Millisecond)

	_, err = wrapped(context.Background(), pipeline.Envelope[int]{Value: 1})
	require.NoError(t, err, "half-open probe should succeed once the inner transform recovers")
}
