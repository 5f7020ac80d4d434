package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendSetTryGetRemove(t *testing.T) {
	b := New[string, string](nil)
	ctx := context.Background()

	_, ok, err := b.TryGet(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "k", "v"))
	v, ok, err := b.TryGet(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	removed, err := b.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok, _ = b.TryGet(ctx, "k")
	assert.False(t, ok)

	removed, err = b.Remove(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBackendSetRejectsNilKey(t *testing.T) {
	b := New[*int, string](nil)
	err := b.Set(context.Background(), nil, "v")
	require.Error(t, err)
}

func TestBackendClear(t *testing.T) {
	b := New[string, int](nil)
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "a", 1))
	require.NoError(t, b.Set(ctx, "b", 2))

	require.NoError(t, b.Clear(ctx))

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBackendKeys(t *testing.T) {
	b := New[string, int](nil)
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "a", 1))
	require.NoError(t, b.Set(ctx, "b", 2))

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestBackendOnSetFiresAndUnsubscribes(t *testing.T) {
	b := New[string, int](nil)
	ctx := context.Background()

	var seenKey string
	var seenValue int
	calls := 0
	unsubscribe := b.OnSet(func(k string, v int) {
		calls++
		seenKey, seenValue = k, v
	})

	require.NoError(t, b.Set(ctx, "a", 1))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "a", seenKey)
	assert.Equal(t, 1, seenValue)

	unsubscribe()
	require.NoError(t, b.Set(ctx, "a", 2))
	assert.Equal(t, 1, calls, "listener must not fire after unsubscribe")
}

func TestBackendIsAvailable(t *testing.T) {
	b := New[string, int](nil)
	assert.True(t, b.IsAvailable(context.Background()))

	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys, "availability probe must not leave residue")
}
