package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/internal/cerr"
)

const listPageSize = 1000
const deleteBatchSize = 1000

var defaultTracer = otel.Tracer("github.com/brain2/cachepipe/cache/objectstore")

// Options configures a Backend.
type Options[K comparable, V any] struct {
	Bucket string
	// MapKey converts a cache key to an object name. Defaults to the
	// lossless textual representation of K (fmt.Sprintf("%v", key)).
	MapKey func(K) (string, error)
	// UnmapKey converts an object name back to a cache key. Optional;
	// when nil, Keys fails with NotSupported.
	UnmapKey func(string) (K, error)
	// ContentType is used on every Put. Defaults to "application/json".
	ContentType string
	Logger      *zap.Logger
	// Tracer wraps TryGet and Set in spans when set. Defaults to this
	// package's own no-op-until-configured global tracer.
	Tracer trace.Tracer
}

// Backend is a persistent cache backend over a remote object bucket. It
// implements cache.Backend, cache.Availability, cache.Events and
// cache.Enumerable; Keys fails with NotSupported unless
// Options.UnmapKey is set.
type Backend[K comparable, V any] struct {
	transport   Transport
	bucket      string
	mapKey      func(K) (string, error)
	unmapKey    func(string) (K, error)
	contentType string
	logger      *zap.Logger
	tracer      trace.Tracer
	listeners   []cache.SetListener[K, V]
}

// New creates a Backend over transport for the given options. The
// bucket name must be non-empty.
func New[K comparable, V any](transport Transport, opts Options[K, V]) (*Backend[K, V], error) {
	if opts.Bucket == "" {
		return nil, cerr.New("objectstore.New", cerr.InvalidArgument, "bucket name is empty")
	}
	if opts.MapKey == nil {
		opts.MapKey = func(k K) (string, error) { return fmt.Sprintf("%v", k), nil }
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/json"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer
	}
	return &Backend[K, V]{
		transport:   transport,
		bucket:      opts.Bucket,
		mapKey:      opts.MapKey,
		unmapKey:    opts.UnmapKey,
		contentType: opts.ContentType,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
	}, nil
}

func (b *Backend[K, V]) objectName(key K) (string, error) {
	name, err := b.mapKey(key)
	if err != nil {
		return "", cerr.Wrap("objectstore", cerr.InvalidArgument, "key mapping failed", err)
	}
	if name == "" {
		return "", cerr.New("objectstore", cerr.InvalidArgument, "mapped object name is empty")
	}
	return name, nil
}

// TryGet streams the object body into a JSON decoder and returns the
// decoded value.
func (b *Backend[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	ctx, span := b.tracer.Start(ctx, "objectstore.TryGet")
	defer span.End()

	var zero V
	name, err := b.objectName(key)
	if err != nil {
		return zero, false, nil
	}

	body, err := b.transport.Get(ctx, b.bucket, name)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return zero, false, nil
		}
		b.logger.Error("objectstore: get failed", zap.String("key", name), zap.Error(err))
		return zero, false, nil
	}
	defer body.Close()

	var value V
	if err := json.NewDecoder(body).Decode(&value); err != nil {
		b.logger.Error("objectstore: decode failed", zap.String("key", name), zap.Error(err))
		return zero, false, nil
	}
	return value, true, nil
}

// Set serializes value to JSON and uploads it with content-type
// application/json (or the configured override).
func (b *Backend[K, V]) Set(ctx context.Context, key K, value V) error {
	ctx, span := b.tracer.Start(ctx, "objectstore.Set")
	defer span.End()

	if cache.IsNilKey(key) {
		return cerr.New("objectstore.Set", cerr.InvalidArgument, "nil key")
	}
	name, err := b.objectName(key)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return cerr.Wrap("objectstore.Set", cerr.InvalidArgument, "value is not JSON-serializable", err)
	}

	if err := b.transport.Put(ctx, b.bucket, name, bytes.NewReader(raw), b.contentType); err != nil {
		b.logger.Error("objectstore: put failed", zap.String("key", name), zap.Error(err))
		return nil
	}
	b.notify(key, value)
	return nil
}

// Remove deletes the object backing key, if it exists.
func (b *Backend[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	name, err := b.objectName(key)
	if err != nil {
		return false, nil
	}

	if _, found, _ := b.TryGet(ctx, key); !found {
		return false, nil
	}

	if err := b.transport.Delete(ctx, b.bucket, name); err != nil {
		b.logger.Error("objectstore: delete failed", zap.String("key", name), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// Clear lists every object (1000 per page) and deletes in batches of up
// to 1000, iterating until no continuation token remains.
func (b *Backend[K, V]) Clear(ctx context.Context) error {
	token := ""
	for {
		page, err := b.transport.List(ctx, b.bucket, token, listPageSize)
		if err != nil {
			b.logger.Error("objectstore: list failed during clear", zap.Error(err))
			return nil
		}

		for start := 0; start < len(page.Keys); start += deleteBatchSize {
			end := start + deleteBatchSize
			if end > len(page.Keys) {
				end = len(page.Keys)
			}
			if err := b.transport.DeleteMany(ctx, b.bucket, page.Keys[start:end]); err != nil {
				b.logger.Error("objectstore: batch delete failed during clear", zap.Error(err))
			}
		}

		if !page.HasContinuation || page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

// Keys enumerates every object name and maps it back to K via UnmapKey.
// Returns a NotSupported error if UnmapKey was not configured.
func (b *Backend[K, V]) Keys(ctx context.Context) ([]K, error) {
	if b.unmapKey == nil {
		return nil, cerr.New("objectstore.Keys", cerr.NotSupported, "no reverse key mapper configured")
	}

	var keys []K
	token := ""
	for {
		page, err := b.transport.List(ctx, b.bucket, token, listPageSize)
		if err != nil {
			return nil, cerr.Wrap("objectstore.Keys", cerr.InvalidOperation, "enumeration failed", err)
		}

		for _, name := range page.Keys {
			if name == "" {
				continue
			}
			k, err := b.unmapKey(name)
			if err != nil {
				b.logger.Warn("objectstore: skipping object with unmappable name", zap.String("name", name), zap.Error(err))
				continue
			}
			keys = append(keys, k)
		}

		if !page.HasContinuation || page.NextToken == "" {
			return keys, nil
		}
		token = page.NextToken
	}
}

// IsAvailable checks that the configured bucket is reachable.
func (b *Backend[K, V]) IsAvailable(ctx context.Context) bool {
	return b.transport.HeadBucket(ctx, b.bucket) == nil
}

// OnSet registers listener, invoked after every successful Set.
func (b *Backend[K, V]) OnSet(listener cache.SetListener[K, V]) (unsubscribe func()) {
	idx := len(b.listeners)
	b.listeners = append(b.listeners, listener)
	return func() {
		if idx < len(b.listeners) {
			b.listeners[idx] = nil
		}
	}
}

func (b *Backend[K, V]) notify(key K, value V) {
	for _, l := range b.listeners {
		if l != nil {
			l(key, value)
		}
	}
}
