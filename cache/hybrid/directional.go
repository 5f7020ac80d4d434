package hybrid

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/internal/cerr"
	"github.com/brain2/cachepipe/internal/clock"
)

// Direction selects the order in which tiers are probed for reads and
// selected for writes.
type Direction int

const (
	LowToHigh Direction = iota
	HighToLow
)

// Strategy selects which direction background migration moves entries.
type Strategy int

const (
	PromoteTowardPrimary Strategy = iota
	DemoteTowardSecondary
)

// DirectionalOptions configures a Directional cache.
type DirectionalOptions struct {
	Direction Direction
	Strategy  Strategy
	// Interval is the periodic migration interval; zero disables
	// background migration.
	Interval time.Duration
	// OwnsTiers, when true, makes Close dispose every tier that
	// implements Disposer.
	OwnsTiers bool
	Logger    *zap.Logger
	Clock     clock.Clock
}

// Directional is a hybrid of N>=1 tiers with configurable read/write
// direction and background promotion/demotion migration.
type Directional[K comparable, V any] struct {
	tiers []cache.Backend[K, V]
	opts  DirectionalOptions

	mu     sync.Mutex
	ticker clock.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDirectional constructs a Directional cache over tiers (ordered,
// immutable after construction). len(tiers) must be >= 1.
func NewDirectional[K comparable, V any](tiers []cache.Backend[K, V], opts DirectionalOptions) (*Directional[K, V], error) {
	if err := validate.Var(tiers, "min=1"); err != nil {
		return nil, cerr.Wrap("hybrid.NewDirectional", cerr.InvalidArgument, "at least one tier is required", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	d := &Directional[K, V]{
		tiers: append([]cache.Backend[K, V]{}, tiers...),
		opts:  opts,
	}

	if opts.Interval > 0 {
		d.startTimer()
	}
	return d, nil
}

// probeOrder returns tier indices in the configured direction.
func (d *Directional[K, V]) probeOrder() []int {
	n := len(d.tiers)
	order := make([]int, n)
	if d.opts.Direction == LowToHigh {
		for i := 0; i < n; i++ {
			order[i] = i
		}
	} else {
		for i := 0; i < n; i++ {
			order[i] = n - 1 - i
		}
	}
	return order
}

// TryGet iterates tiers in direction order, skipping unavailable tiers,
// and returns the first hit. Reads never promote on hit.
func (d *Directional[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	var zero V
	for _, i := range d.probeOrder() {
		tier := d.tiers[i]
		if !tierAvailable(ctx, tier) {
			continue
		}
		if v, ok, _ := tier.TryGet(ctx, key); ok {
			return v, true, nil
		}
	}
	return zero, false, nil
}

// Set writes to the first available tier in direction order only.
func (d *Directional[K, V]) Set(ctx context.Context, key K, value V) error {
	for _, i := range d.probeOrder() {
		tier := d.tiers[i]
		if !tierAvailable(ctx, tier) {
			continue
		}
		return tier.Set(ctx, key, value)
	}
	return cerr.New("hybrid.Directional.Set", cerr.BackendFailure, "no available tier")
}

// Remove attempts removal on every available tier and returns the OR of
// per-tier successes.
func (d *Directional[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	removed := false
	for _, tier := range d.tiers {
		if !tierAvailable(ctx, tier) {
			continue
		}
		if ok, _ := tier.Remove(ctx, key); ok {
			removed = true
		}
	}
	return removed, nil
}

// Clear attempts Clear on every available tier, continuing past
// per-tier failures.
func (d *Directional[K, V]) Clear(ctx context.Context) error {
	for _, tier := range d.tiers {
		if !tierAvailable(ctx, tier) {
			continue
		}
		if err := tier.Clear(ctx); err != nil {
			d.opts.Logger.Warn("directional cache: tier clear failed", zap.Error(err))
		}
	}
	return nil
}

// IsAvailable reports true iff any tier declares itself available or
// declares no availability capability.
func (d *Directional[K, V]) IsAvailable(ctx context.Context) bool {
	for _, tier := range d.tiers {
		if tierAvailable(ctx, tier) {
			return true
		}
	}
	return false
}

// offset computes the migration step from a source tier index to its
// target. Promote always walks entries toward whichever tier direction
// probes first (tiers[0] under LowToHigh, tiers[N-1] under HighToLow);
// Demote always walks the opposite way.
func (d *Directional[K, V]) offset() int {
	promote := d.opts.Strategy == PromoteTowardPrimary
	lowToHigh := d.opts.Direction == LowToHigh
	if (promote && lowToHigh) || (!promote && !lowToHigh) {
		return -1
	}
	return 1
}

// TriggerMigrationNow performs one full migration pass synchronously.
func (d *Directional[K, V]) TriggerMigrationNow(ctx context.Context) error {
	off := d.offset()
	n := len(d.tiers)

	var sourceIdxs []int
	if off == 1 {
		for i := 0; i < n; i++ {
			sourceIdxs = append(sourceIdxs, i)
		}
	} else {
		for i := n - 1; i >= 0; i-- {
			sourceIdxs = append(sourceIdxs, i)
		}
	}

	for _, i := range sourceIdxs {
		target := i + off
		if target < 0 || target >= n {
			continue
		}
		if err := d.migrateOnePair(ctx, d.tiers[i], d.tiers[target]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Directional[K, V]) migrateOnePair(ctx context.Context, source, target cache.Backend[K, V]) error {
	enumerable, ok := source.(cache.Enumerable[K])
	if !ok {
		return nil
	}
	if !tierAvailable(ctx, target) {
		return nil
	}

	keys, err := enumerable.Keys(ctx)
	if err != nil {
		return nil
	}

	for _, k := range keys {
		if _, hit, _ := target.TryGet(ctx, k); hit {
			continue
		}

		v, hit, _ := source.TryGet(ctx, k)
		if !hit {
			continue
		}

		if err := target.Set(ctx, k, v); err != nil {
			return cerr.Wrap("hybrid.Directional.migrate", cerr.BackendFailure, "write to target failed, aborting pass", err)
		}

		if _, verified, _ := target.TryGet(ctx, k); !verified {
			return cerr.New("hybrid.Directional.migrate", cerr.BackendFailure, "read-after-write verification failed, aborting pass")
		}

		if _, err := source.Remove(ctx, k); err != nil {
			return cerr.Wrap("hybrid.Directional.migrate", cerr.BackendFailure, "remove from source failed, aborting pass", err)
		}
	}
	return nil
}

func (d *Directional[K, V]) startTimer() {
	d.stopCh = make(chan struct{})
	d.ticker = d.opts.Clock.NewTicker(d.opts.Interval)
	stopCh, tick := d.stopCh, d.ticker.C()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-tick:
				if err := d.TriggerMigrationNow(context.Background()); err != nil {
					d.opts.Logger.Warn("directional cache: background migration pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close cancels the migration timer and, if OwnsTiers is set, disposes
// every tier that implements Disposer.
func (d *Directional[K, V]) Close() error {
	d.mu.Lock()
	if d.stopCh != nil {
		close(d.stopCh)
		d.ticker.Stop()
		d.stopCh = nil
	}
	d.mu.Unlock()
	d.wg.Wait()

	if !d.opts.OwnsTiers {
		return nil
	}
	var firstErr error
	for _, tier := range d.tiers {
		if err := disposeIfOwned(tier); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
