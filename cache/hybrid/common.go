// Package hybrid implements the composite caches: hybrids that
// coordinate multiple tiers under explicit migration/consistency
// policies. None of these provide cross-tier linearizability; each
// documents its own composite rules.
package hybrid

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/brain2/cachepipe/cache"
)

// validate checks constructor inputs across the package's composite
// caches.
var validate = validator.New()

// Disposer is implemented by tiers that own a resource that must be
// released on composite dispose (e.g. an fsnotify watcher).
type Disposer interface {
	Close() error
}

// tierAvailable reports whether tier counts as available: true if it
// either declares itself available, or declares no availability
// capability at all.
func tierAvailable[K comparable, V any](ctx context.Context, tier cache.Backend[K, V]) bool {
	if a, ok := tier.(cache.Availability); ok {
		return a.IsAvailable(ctx)
	}
	return true
}

func disposeIfOwned[K comparable, V any](tier cache.Backend[K, V]) error {
	if d, ok := tier.(Disposer); ok {
		return d.Close()
	}
	return nil
}
