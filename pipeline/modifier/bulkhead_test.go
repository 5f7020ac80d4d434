package modifier

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brain2/cachepipe/pipeline"
)

func TestBulkheadLimitsConcurrentInvocations(t *testing.T) {
	var inFlight int32
	var maxSeen int32

	next := func(ctx context.Context, env pipeline.Envelope[int]) (pipeline.Envelope[int], error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxSeen)
			if cur <= m || atomic.CompareAndSwapInt32(&maxSeen, m, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return env, nil
	}
	wrapped := Bulkhead[int](2)(next)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, err := wrapped(context.Background(), pipeline.Envelope[int]{Value: v})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

func TestBulkheadReturnsErrorWhenContextCancelledWaitingForSlot(t *testing.T) {
	release := make(chan struct{})
	next := func(ctx context.Context, env pipeline.Envelope[int]) (pipeline.Envelope[int], error) {
		<-release
		return env, nil
	}
	wrapped := Bulkhead[int](1)(next)

	go func() {
		_, _ = wrapped(context.Background(), pipeline.Envelope[int]{Value: 1})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := wrapped(ctx, pipeline.Envelope[int]{Value: 2})
	require.Error(t, err)

	close(release)
}
