package hybrid

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/internal/clock"
)

// TimestampedTier is the capability set the fast tier of a TimeBased
// cache must satisfy: the base contract, timestamped reads/writes, and
// enumeration (needed by the background demotion sweep).
type TimestampedTier[K comparable, V any] interface {
	cache.Backend[K, V]
	cache.Timestamped[K, V]
	cache.Enumerable[K]
}

// TimeBasedOptions configures a TimeBased cache.
type TimeBasedOptions struct {
	// DemotionAge is how long an entry may sit in the memory tier before
	// the background sweep demotes it to the persistent tier.
	DemotionAge time.Duration
	// CheckInterval is how often the background sweep runs.
	CheckInterval time.Duration
	Logger        *zap.Logger
	Clock         clock.Clock
}

// TimeBased is a two-tier hybrid (timestamped memory + persistent)
// that demotes entries by age: a background sweep moves entries older
// than DemotionAge out of the memory tier into the persistent tier.
type TimeBased[K comparable, V any] struct {
	memory     TimestampedTier[K, V]
	persistent cache.Backend[K, V]
	opts       TimeBasedOptions

	mu     sync.Mutex
	ticker clock.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTimeBased constructs a TimeBased cache over a timestamped memory
// tier and a persistent tier, starting the background demotion sweep if
// CheckInterval > 0.
func NewTimeBased[K comparable, V any](memory TimestampedTier[K, V], persistent cache.Backend[K, V], opts TimeBasedOptions) *TimeBased[K, V] {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	t := &TimeBased[K, V]{
		memory:     memory,
		persistent: persistent,
		opts:       opts,
	}
	if opts.CheckInterval > 0 {
		t.startTimer()
	}
	return t
}

// TryGet returns memory's value if present; otherwise reads from
// persistent and, on a hit, rehydrates memory with the current time
// (not the original write time).
func (t *TimeBased[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	if v, ok, _ := t.memory.TryGet(ctx, key); ok {
		return v, true, nil
	}

	v, ok, _ := t.persistent.TryGet(ctx, key)
	if !ok {
		var zero V
		return zero, false, nil
	}

	if err := t.memory.Set(ctx, key, v); err != nil {
		t.opts.Logger.Warn("time-based cache: rehydration write failed", zap.Error(err))
	}
	return v, true, nil
}

// Set writes to both tiers: memory with the current timestamp,
// persistent unconditionally.
func (t *TimeBased[K, V]) Set(ctx context.Context, key K, value V) error {
	if err := t.memory.Set(ctx, key, value); err != nil {
		return err
	}
	if err := t.persistent.Set(ctx, key, value); err != nil {
		t.opts.Logger.Warn("time-based cache: persistent write failed", zap.Error(err))
	}
	return nil
}

// Remove deletes from both tiers and returns the OR of per-tier
// results.
func (t *TimeBased[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	m, _ := t.memory.Remove(ctx, key)
	p, _ := t.persistent.Remove(ctx, key)
	return m || p, nil
}

// Clear clears both tiers, continuing past a failure on either.
func (t *TimeBased[K, V]) Clear(ctx context.Context) error {
	if err := t.memory.Clear(ctx); err != nil {
		t.opts.Logger.Warn("time-based cache: memory clear failed", zap.Error(err))
	}
	if err := t.persistent.Clear(ctx); err != nil {
		t.opts.Logger.Warn("time-based cache: persistent clear failed", zap.Error(err))
	}
	return nil
}

// sweep demotes every memory entry older than DemotionAge into the
// persistent tier.
func (t *TimeBased[K, V]) sweep(ctx context.Context) {
	keys, err := t.memory.Keys(ctx)
	if err != nil {
		t.opts.Logger.Warn("time-based cache: demotion sweep failed to list keys", zap.Error(err))
		return
	}

	now := t.opts.Clock.Now()
	for _, k := range keys {
		v, at, ok, _ := t.memory.TryGetWithTimestamp(ctx, k)
		if !ok {
			continue
		}
		if now.Sub(at) < t.opts.DemotionAge {
			continue
		}
		if err := t.persistent.Set(ctx, k, v); err != nil {
			t.opts.Logger.Warn("time-based cache: demotion write failed", zap.Error(err))
			continue
		}
		if _, err := t.memory.Remove(ctx, k); err != nil {
			t.opts.Logger.Warn("time-based cache: demotion removal failed", zap.Error(err))
		}
	}
}

func (t *TimeBased[K, V]) startTimer() {
	t.stopCh = make(chan struct{})
	t.ticker = t.opts.Clock.NewTicker(t.opts.CheckInterval)
	stopCh, tick := t.stopCh, t.ticker.C()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-tick:
				t.sweep(context.Background())
			}
		}
	}()
}

// Close stops the background demotion sweep.
func (t *TimeBased[K, V]) Close() error {
	t.mu.Lock()
	if t.stopCh != nil {
		close(t.stopCh)
		t.ticker.Stop()
		t.stopCh = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
