package hybrid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/cache/memory"
)

func TestDirectionalTryGetProbesInOrder(t *testing.T) {
	ctx := context.Background()
	fast := memory.New[string, string](nil)
	slow := memory.New[string, string](nil)
	require.NoError(t, slow.Set(ctx, "k", "from-slow"))

	d, err := NewDirectional[string, string](
		[]cache.Backend[string, string]{fast, slow},
		DirectionalOptions{Direction: LowToHigh},
	)
	require.NoError(t, err)

	v, ok, err := d.TryGet(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-slow", v)

	require.NoError(t, fast.Set(ctx, "k", "from-fast"))
	v, ok, err = d.TryGet(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-fast", v, "first hit in direction order wins")
}

func TestDirectionalSetWritesFirstAvailableTier(t *testing.T) {
	ctx := context.Background()
	fast := memory.New[string, string](nil)
	slow := memory.New[string, string](nil)

	d, err := NewDirectional[string, string](
		[]cache.Backend[string, string]{fast, slow},
		DirectionalOptions{Direction: LowToHigh},
	)
	require.NoError(t, err)

	require.NoError(t, d.Set(ctx, "k", "v"))

	_, ok, _ := fast.TryGet(ctx, "k")
	assert.True(t, ok, "write lands on the first tier in direction order")
	_, ok, _ = slow.TryGet(ctx, "k")
	assert.False(t, ok)
}

// With LowToHigh direction and PromoteTowardPrimary, one migration
// pass moves the key from the later tier into the earlier one,
// leaving the source empty.
func TestDirectionalPromotionMovesNotCopies(t *testing.T) {
	ctx := context.Background()
	fast := memory.New[string, string](nil)
	slow := memory.New[string, string](nil)
	require.NoError(t, slow.Set(ctx, "k1", "v1"))

	d, err := NewDirectional[string, string](
		[]cache.Backend[string, string]{fast, slow},
		DirectionalOptions{Direction: LowToHigh, Strategy: PromoteTowardPrimary},
	)
	require.NoError(t, err)

	require.NoError(t, d.TriggerMigrationNow(ctx))

	v, ok, _ := fast.TryGet(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	_, ok, _ = slow.TryGet(ctx, "k1")
	assert.False(t, ok, "promotion moves the key out of the source tier")
}

func TestDirectionalDemoteTowardSecondary(t *testing.T) {
	ctx := context.Background()
	fast := memory.New[string, string](nil)
	slow := memory.New[string, string](nil)
	require.NoError(t, fast.Set(ctx, "k1", "v1"))

	d, err := NewDirectional[string, string](
		[]cache.Backend[string, string]{fast, slow},
		DirectionalOptions{Direction: LowToHigh, Strategy: DemoteTowardSecondary},
	)
	require.NoError(t, err)

	require.NoError(t, d.TriggerMigrationNow(ctx))

	_, ok, _ := fast.TryGet(ctx, "k1")
	assert.False(t, ok, "demotion moves the key out of the earlier tier")
	v, ok, _ := slow.TryGet(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestDirectionalMigrationSkipsExistingTargetKeys(t *testing.T) {
	ctx := context.Background()
	fast := memory.New[string, string](nil)
	slow := memory.New[string, string](nil)
	require.NoError(t, slow.Set(ctx, "k", "from-slow"))
	require.NoError(t, fast.Set(ctx, "k", "from-fast"))

	d, err := NewDirectional[string, string](
		[]cache.Backend[string, string]{fast, slow},
		DirectionalOptions{Direction: LowToHigh, Strategy: PromoteTowardPrimary},
	)
	require.NoError(t, err)
	require.NoError(t, d.TriggerMigrationNow(ctx))

	v, _, _ := fast.TryGet(ctx, "k")
	assert.Equal(t, "from-fast", v, "target already has the key, migration must not overwrite it")
	_, ok, _ := slow.TryGet(ctx, "k")
	assert.True(t, ok, "source is untouched when the target already contains the key")
}

func TestDirectionalRemoveAndClearSpanAllTiers(t *testing.T) {
	ctx := context.Background()
	a := memory.New[string, string](nil)
	b := memory.New[string, string](nil)
	require.NoError(t, a.Set(ctx, "k", "v"))
	require.NoError(t, b.Set(ctx, "k", "v"))

	d, err := NewDirectional[string, string](
		[]cache.Backend[string, string]{a, b},
		DirectionalOptions{Direction: LowToHigh},
	)
	require.NoError(t, err)

	removed, err := d.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok, _ := a.TryGet(ctx, "k")
	assert.False(t, ok)
	_, ok, _ = b.TryGet(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, a.Set(ctx, "x", "1"))
	require.NoError(t, b.Set(ctx, "y", "2"))
	require.NoError(t, d.Clear(ctx))

	ka, _ := a.Keys(ctx)
	kb, _ := b.Keys(ctx)
	assert.Empty(t, ka)
	assert.Empty(t, kb)
}

func TestNewDirectionalRequiresAtLeastOneTier(t *testing.T) {
	_, err := NewDirectional[string, string](nil, DirectionalOptions{})
	require.Error(t, err)
}
