package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doubler[V ~int](ctx context.Context, env Envelope[V]) (Envelope[V], error) {
	env.Value *= 2
	return env, nil
}

func drain[V any](t *testing.T, p *Pipeline[V], n int) []V {
	t.Helper()
	var out []V
	for i := 0; i < n; i++ {
		r, ok := <-p.Results()
		require.True(t, ok, "pipeline closed early after %d of %d results", i, n)
		require.NoError(t, r.Err)
		out = append(out, r.Value)
	}
	return out
}

func TestPipelineSingleStagePassthrough(t *testing.T) {
	ctx := context.Background()
	p := New[int](Options{})
	_, err := p.AddBlock(StageOptions[int]{
		Transform:   doubler[int],
		Parallelism: 1,
	})
	require.NoError(t, err)
	p.Build()

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, p.WriteAsync(ctx, v))
	}
	require.NoError(t, p.CompleteAsync(ctx))

	got := drain(t, p, 3)
	assert.ElementsMatch(t, []int{2, 4, 6}, got)
}

// With PreserveOrder set and a parallelism-4 stage whose workers sleep
// a random jittered delay before doubling, the output must equal the
// input order exactly despite the race between lanes.
func TestPipelinePreservesOrderAcrossParallelStage(t *testing.T) {
	ctx := context.Background()
	p := New[int](Options{PreserveOrder: true})
	_, err := p.AddBlock(StageOptions[int]{
		Transform: func(ctx context.Context, env Envelope[int]) (Envelope[int], error) {
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			env.Value *= 2
			return env, nil
		},
		Parallelism: 4,
	})
	require.NoError(t, err)
	p.Build()

	for i := 1; i <= 10; i++ {
		require.NoError(t, p.WriteAsync(ctx, i))
	}
	require.NoError(t, p.CompleteAsync(ctx))

	got := drain(t, p, 10)
	assert.Equal(t, []int{2, 4, 6, 8, 10, 12, 14, 16, 18, 20}, got)
}

func TestPipelineWithoutPreserveOrderCollapsesParallelFanOut(t *testing.T) {
	ctx := context.Background()
	p := New[int](Options{})
	_, err := p.AddBlock(StageOptions[int]{
		Transform:   doubler[int],
		Parallelism: 4,
	})
	require.NoError(t, err)
	p.Build()

	for i := 1; i <= 8; i++ {
		require.NoError(t, p.WriteAsync(ctx, i))
	}
	require.NoError(t, p.CompleteAsync(ctx))

	got := drain(t, p, 8)
	sort.Ints(got)
	assert.Equal(t, []int{2, 4, 6, 8, 10, 12, 14, 16}, got)
}

func TestPipelineMultiStageChaining(t *testing.T) {
	ctx := context.Background()
	p := New[int](Options{PreserveOrder: true})
	_, err := p.AddBlock(StageOptions[int]{Transform: doubler[int], Parallelism: 2})
	require.NoError(t, err)
	_, err = p.AddBlock(StageOptions[int]{
		Transform: func(ctx context.Context, env Envelope[int]) (Envelope[int], error) {
			env.Value += 1
			return env, nil
		},
		Parallelism: 1,
	})
	require.NoError(t, err)
	p.Build()

	for i := 1; i <= 4; i++ {
		require.NoError(t, p.WriteAsync(ctx, i))
	}
	require.NoError(t, p.CompleteAsync(ctx))

	got := drain(t, p, 4)
	assert.Equal(t, []int{3, 5, 7, 9}, got)
}

func TestPipelineTransformErrorFaultsPipelineWithoutOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	p := New[int](Options{})
	_, err := p.AddBlock(StageOptions[int]{
		Transform: func(ctx context.Context, env Envelope[int]) (Envelope[int], error) {
			return Envelope[int]{}, boom
		},
		Parallelism: 1,
	})
	require.NoError(t, err)
	p.Build()

	require.NoError(t, p.WriteAsync(ctx, 1))
	require.NoError(t, p.CompleteAsync(ctx))

	r, ok := <-p.Results()
	require.True(t, ok)
	require.Error(t, r.Err)
	assert.ErrorIs(t, r.Err, boom)
}

func TestPipelineOnErrorCallbackSkipsFailedEnvelope(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	var errs []error

	p := New[int](Options{})
	_, err := p.AddBlock(StageOptions[int]{
		Transform: func(ctx context.Context, env Envelope[int]) (Envelope[int], error) {
			if env.Value == 2 {
				return Envelope[int]{}, boom
			}
			return env, nil
		},
		Parallelism: 1,
		OnError:     func(e error) { errs = append(errs, e) },
	})
	require.NoError(t, err)
	p.Build()

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, p.WriteAsync(ctx, v))
	}
	require.NoError(t, p.CompleteAsync(ctx))

	got := drain(t, p, 2)
	assert.ElementsMatch(t, []int{1, 3}, got)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestPipelineAddBlockRejectedAfterBuild(t *testing.T) {
	p := New[int](Options{})
	_, err := p.AddBlock(StageOptions[int]{Transform: doubler[int], Parallelism: 1})
	require.NoError(t, err)
	p.Build()

	_, err = p.AddBlock(StageOptions[int]{Transform: doubler[int], Parallelism: 1})
	require.Error(t, err)
}

func TestPipelineBuildIsIdempotent(t *testing.T) {
	p := New[int](Options{})
	_, err := p.AddBlock(StageOptions[int]{Transform: doubler[int], Parallelism: 1})
	require.NoError(t, err)

	p1 := p.Build()
	p2 := p.Build()
	assert.Same(t, p1, p2)
}

func TestPipelineWriteAsyncRejectedAfterComplete(t *testing.T) {
	ctx := context.Background()
	p := New[int](Options{})
	_, err := p.AddBlock(StageOptions[int]{Transform: doubler[int], Parallelism: 1})
	require.NoError(t, err)
	p.Build()

	require.NoError(t, p.WriteAsync(ctx, 1))
	require.NoError(t, p.CompleteAsync(ctx))

	err = p.WriteAsync(ctx, 2)
	require.Error(t, err)
}

func TestPipelineDisposeAsyncIsIdempotentAndReleasesStorage(t *testing.T) {
	ctx := context.Background()
	key := StorageKey{KeyType: "string", ValueType: "int", Name: "counters"}
	storage := NewMemoryStorage()

	p := New[int](Options{Plugins: []StoragePlugin{NamedStorage(key, storage)}})
	_, err := p.AddBlock(StageOptions[int]{Transform: doubler[int], Parallelism: 1})
	require.NoError(t, err)
	p.Build()

	_, ok := p.Storage(key)
	require.True(t, ok)

	require.NoError(t, p.DisposeAsync(ctx))
	require.NoError(t, p.DisposeAsync(ctx), "dispose must be idempotent")

	_, ok = LookupStorage(p.ID(), key)
	assert.False(t, ok, "storage must be released on dispose")
}

func TestPipelineReorderBufferOverflowFaultsPipeline(t *testing.T) {
	ctx := context.Background()
	p := New[int](Options{PreserveOrder: true, ReorderBufferLimit: 2})
	_, err := p.AddBlock(StageOptions[int]{
		Transform: func(ctx context.Context, env Envelope[int]) (Envelope[int], error) {
			if env.Index == 1 {
				// Hold index 1 back so 2..5 pile up in the reorder buffer
				// past its limit of 2.
				time.Sleep(100 * time.Millisecond)
			}
			return env, nil
		},
		Parallelism: 5,
	})
	require.NoError(t, err)
	p.Build()

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.WriteAsync(ctx, i))
	}
	require.NoError(t, p.CompleteAsync(ctx))

	var sawErr bool
	for r := range p.Results() {
		if r.Err != nil {
			sawErr = true
		}
	}
	assert.True(t, sawErr, "buffering more out-of-order envelopes than the limit must fault the pipeline")
}
