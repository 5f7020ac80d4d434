// Package memory implements the in-memory cache backends: a
// thread-safe map-backed store plus a timestamped variant. Neither
// performs capacity-based eviction.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/internal/cerr"
)

// Backend is a thread-safe in-memory key/value store. It implements
// cache.Backend, cache.Availability, cache.Enumerable, and cache.Events.
type Backend[K comparable, V any] struct {
	mu        sync.RWMutex
	items     map[K]V
	listeners []cache.SetListener[K, V]
	logger    *zap.Logger
}

// New creates an empty in-memory backend. A nil logger is replaced with
// a no-op logger.
func New[K comparable, V any](logger *zap.Logger) *Backend[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend[K, V]{
		items:  make(map[K]V),
		logger: logger,
	}
}

// TryGet returns the value stored under key, if any.
func (b *Backend[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok, nil
}

// Set stores value under key, overwriting any existing mapping, then
// fires OnSet listeners outside the lock.
func (b *Backend[K, V]) Set(ctx context.Context, key K, value V) error {
	if cache.IsNilKey(key) {
		return cerr.New("memory.Set", cerr.InvalidArgument, "nil key")
	}

	b.mu.Lock()
	b.items[key] = value
	b.mu.Unlock()

	b.notify(key, value)
	return nil
}

// Remove deletes key if present.
func (b *Backend[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; !ok {
		return false, nil
	}
	delete(b.items, key)
	return true, nil
}

// Clear removes every entry.
func (b *Backend[K, V]) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[K]V)
	return nil
}

// Keys returns a snapshot of the current key set.
func (b *Backend[K, V]) Keys(ctx context.Context) ([]K, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]K, 0, len(b.items))
	for k := range b.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// OnSet registers listener, invoked after every successful Set.
func (b *Backend[K, V]) OnSet(listener cache.SetListener[K, V]) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.listeners)
	b.listeners = append(b.listeners, listener)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.listeners) {
			b.listeners[idx] = nil
		}
	}
}

func (b *Backend[K, V]) notify(key K, value V) {
	b.mu.RLock()
	listeners := make([]cache.SetListener[K, V], len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		if l != nil {
			l(key, value)
		}
	}
}

// IsAvailable performs a self-test by inserting and removing a unique
// probe key. When K cannot hold a synthesized string probe key (a
// non-string key type), the self-test degrades to a lock round-trip
// only.
func (b *Backend[K, V]) IsAvailable(ctx context.Context) bool {
	probeKey, ok := any(fmt.Sprintf("__probe__%s", uuid.NewString())).(K)
	if !ok {
		b.mu.Lock()
		b.mu.Unlock()
		return true
	}

	var zero V
	b.mu.Lock()
	b.items[probeKey] = zero
	delete(b.items, probeKey)
	b.mu.Unlock()
	return true
}
