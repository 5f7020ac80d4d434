package hybrid

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/internal/cerr"
)

// ConflictResolution selects how ParallelCache.TriggerMigrationNow
// resolves tiers that disagree on whether a key is present.
type ConflictResolution int

const (
	PrimaryWins ConflictResolution = iota
	MajorityWins
)

// SyncOptions configures the synchronization pass.
type SyncOptions struct {
	ConflictResolution ConflictResolution
	// MajorityThreshold must be in (0, 1] whatever the ConflictResolution;
	// NewParallel rejects any other value. Only MajorityWins reads it.
	MajorityThreshold float64 `validate:"gt=0,lte=1"`
}

// ParallelOptions configures a Parallel cache.
type ParallelOptions struct {
	Sync   *SyncOptions
	Logger *zap.Logger
}

// Parallel is a hybrid that fans writes/removes to all available
// tiers in parallel and reads by first hit, plus a synchronization pass
// with conflict resolution that runs only when TriggerMigrationNow is
// called; no background timer runs it. A failing tier is
// isolated: its error is logged and absorbed, never allowed to affect
// the dispatch to any other tier.
type Parallel[K comparable, V any] struct {
	tiers []cache.Backend[K, V]
	opts  ParallelOptions
}

// NewParallel constructs a Parallel cache over tiers. len(tiers) must be
// >= 2.
func NewParallel[K comparable, V any](tiers []cache.Backend[K, V], opts ParallelOptions) (*Parallel[K, V], error) {
	if err := validate.Var(tiers, "min=2"); err != nil {
		return nil, cerr.Wrap("hybrid.NewParallel", cerr.InvalidArgument, "at least two tiers are required", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sync != nil {
		if err := validate.Struct(opts.Sync); err != nil {
			return nil, cerr.Wrap("hybrid.NewParallel", cerr.InvalidArgument, "majority threshold must be in (0,1]", err)
		}
	}
	return &Parallel[K, V]{
		tiers: append([]cache.Backend[K, V]{}, tiers...),
		opts:  opts,
	}, nil
}

// TryGet probes tiers in declared order, skipping unavailable ones, and
// returns the first hit.
func (p *Parallel[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	var zero V
	for _, tier := range p.tiers {
		if !tierAvailable(ctx, tier) {
			continue
		}
		if v, ok, _ := tier.TryGet(ctx, key); ok {
			return v, true, nil
		}
	}
	return zero, false, nil
}

// Set dispatches to every available tier concurrently and waits for
// all dispatches to complete before returning. A failure on one tier
// is logged and absorbed; it never prevents dispatch to, or propagates
// from, any other tier.
func (p *Parallel[K, V]) Set(ctx context.Context, key K, value V) error {
	if cache.IsNilKey(key) {
		return cerr.New("hybrid.Parallel.Set", cerr.InvalidArgument, "nil key")
	}

	var g errgroup.Group
	for _, tier := range p.tiers {
		tier := tier
		if !tierAvailable(ctx, tier) {
			continue
		}
		g.Go(func() (err error) {
			defer p.absorb(&err)
			if err := tier.Set(ctx, key, value); err != nil {
				p.opts.Logger.Warn("parallel cache: tier set failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// Remove dispatches to every available tier concurrently and returns
// the OR of per-tier results once all dispatches complete.
func (p *Parallel[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	var mu sync.Mutex
	removed := false

	var g errgroup.Group
	for _, tier := range p.tiers {
		tier := tier
		if !tierAvailable(ctx, tier) {
			continue
		}
		g.Go(func() (err error) {
			defer p.absorb(&err)
			if ok, _ := tier.Remove(ctx, key); ok {
				mu.Lock()
				removed = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return removed, nil
}

// Clear dispatches to every available tier concurrently.
func (p *Parallel[K, V]) Clear(ctx context.Context) error {
	var g errgroup.Group
	for _, tier := range p.tiers {
		tier := tier
		if !tierAvailable(ctx, tier) {
			continue
		}
		g.Go(func() (err error) {
			defer p.absorb(&err)
			if err := tier.Clear(ctx); err != nil {
				p.opts.Logger.Warn("parallel cache: tier clear failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// IsAvailable reports true iff any tier declares itself available or
// declares no availability capability.
func (p *Parallel[K, V]) IsAvailable(ctx context.Context) bool {
	for _, tier := range p.tiers {
		if tierAvailable(ctx, tier) {
			return true
		}
	}
	return false
}

// absorb recovers a panicking tier operation so it cannot prevent
// dispatch to, or bring down, the rest of the fan-out.
func (p *Parallel[K, V]) absorb(errp *error) {
	if r := recover(); r != nil {
		p.opts.Logger.Error("parallel cache: recovered from tier panic", zap.Any("panic", r))
		*errp = nil
	}
}

// TriggerMigrationNow performs one synchronization pass. It requires at
// least two tiers to implement cache.Enumerable[K]; it fails with
// InvalidOperation if fewer do, or if enumeration fails on any of them.
func (p *Parallel[K, V]) TriggerMigrationNow(ctx context.Context) error {
	if p.opts.Sync == nil {
		return cerr.New("hybrid.Parallel.TriggerMigrationNow", cerr.InvalidOperation, "sync options not configured")
	}

	keysUnion := make(map[K]struct{})
	enumerableCount := 0
	for _, tier := range p.tiers {
		en, ok := tier.(cache.Enumerable[K])
		if !ok {
			continue
		}
		enumerableCount++
		ks, err := en.Keys(ctx)
		if err != nil {
			return cerr.Wrap("hybrid.Parallel.TriggerMigrationNow", cerr.InvalidOperation, "enumeration failed", err)
		}
		for _, k := range ks {
			keysUnion[k] = struct{}{}
		}
	}
	if enumerableCount < 2 {
		return cerr.New("hybrid.Parallel.TriggerMigrationNow", cerr.InvalidOperation, "at least two enumerable tiers are required")
	}

	n := len(p.tiers)
	for k := range keysUnion {
		p.syncOneKey(ctx, k, n)
	}
	return nil
}

func (p *Parallel[K, V]) syncOneKey(ctx context.Context, k K, n int) {
	present := make([]int, 0, n)
	var winning V
	haveWinning := false
	for i, tier := range p.tiers {
		if v, ok, _ := tier.TryGet(ctx, k); ok {
			present = append(present, i)
			if !haveWinning {
				winning = v
				haveWinning = true
			}
		}
	}

	inPresent := make(map[int]bool, len(present))
	for _, i := range present {
		inPresent[i] = true
	}

	switch p.opts.Sync.ConflictResolution {
	case PrimaryWins:
		if inPresent[0] {
			return
		}
		for i, tier := range p.tiers {
			if i == 0 || !tierAvailable(ctx, tier) {
				continue
			}
			tier.Remove(ctx, k)
		}

	case MajorityWins:
		need := p.opts.Sync.MajorityThreshold * float64(n)
		if float64(len(present)) >= need {
			for i, tier := range p.tiers {
				if inPresent[i] || !tierAvailable(ctx, tier) {
					continue
				}
				tier.Set(ctx, k, winning)
			}
		} else {
			for _, i := range present {
				tier := p.tiers[i]
				if !tierAvailable(ctx, tier) {
					continue
				}
				tier.Remove(ctx, k)
			}
		}
	}
}
