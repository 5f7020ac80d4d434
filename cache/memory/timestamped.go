package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/internal/cerr"
	"github.com/brain2/cachepipe/internal/clock"
)

type cell[V any] struct {
	value V
	at    time.Time
}

// TimestampedBackend is an in-memory store that pairs every value
// with the instant it was written. Set(k,v) stamps the current time;
// SetWithTimestamp stores the caller-supplied instant verbatim with no
// ordering validation.
type TimestampedBackend[K comparable, V any] struct {
	mu        sync.RWMutex
	items     map[K]cell[V]
	listeners []cache.SetListener[K, V]
	clock     clock.Clock
	logger    *zap.Logger
}

// NewTimestamped creates an empty timestamped in-memory backend. A nil
// clock defaults to clock.Real{}; a nil logger defaults to a no-op
// logger.
func NewTimestamped[K comparable, V any](c clock.Clock, logger *zap.Logger) *TimestampedBackend[K, V] {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimestampedBackend[K, V]{
		items:  make(map[K]cell[V]),
		clock:  c,
		logger: logger,
	}
}

// TryGet returns the value stored under key, discarding its timestamp.
func (b *TimestampedBackend[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.items[key]
	return c.value, ok, nil
}

// Set stores value under key with the current time as its timestamp.
func (b *TimestampedBackend[K, V]) Set(ctx context.Context, key K, value V) error {
	return b.SetWithTimestamp(ctx, key, value, b.clock.Now())
}

// SetWithTimestamp stores value under key with the given timestamp
// verbatim.
func (b *TimestampedBackend[K, V]) SetWithTimestamp(ctx context.Context, key K, value V, at time.Time) error {
	if cache.IsNilKey(key) {
		return cerr.New("memory.SetWithTimestamp", cerr.InvalidArgument, "nil key")
	}

	b.mu.Lock()
	b.items[key] = cell[V]{value: value, at: at}
	b.mu.Unlock()

	b.notify(key, value)
	return nil
}

// TryGetWithTimestamp returns the value and timestamp stored under key.
func (b *TimestampedBackend[K, V]) TryGetWithTimestamp(ctx context.Context, key K) (V, time.Time, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.items[key]
	return c.value, c.at, ok, nil
}

// Remove deletes key if present.
func (b *TimestampedBackend[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; !ok {
		return false, nil
	}
	delete(b.items, key)
	return true, nil
}

// Clear removes every entry.
func (b *TimestampedBackend[K, V]) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[K]cell[V])
	return nil
}

// Keys returns a snapshot of the current key set.
func (b *TimestampedBackend[K, V]) Keys(ctx context.Context) ([]K, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]K, 0, len(b.items))
	for k := range b.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// OnSet registers listener, invoked after every successful Set or
// SetWithTimestamp.
func (b *TimestampedBackend[K, V]) OnSet(listener cache.SetListener[K, V]) (unsubscribe func()) {
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

func (b *TimestampedBackend[K, V]) notify(key K, value V) {
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
// probe key. The probe entry is removed afterward so it never pollutes
// user data.
func (b *TimestampedBackend[K, V]) IsAvailable(ctx context.Context) bool {
	probeKey, ok := any(fmt.Sprintf("__probe__%s", uuid.NewString())).(K)
	if !ok {
		b.mu.Lock()
		b.mu.Unlock()
		return true
	}

	var zero V
	b.mu.Lock()
	b.items[probeKey] = cell[V]{value: zero, at: b.clock.Now()}
	delete(b.items, probeKey)
	b.mu.Unlock()
	return true
}
