// Package file implements the persistent file backend: one JSON file
// per cache entry in a user-supplied directory, indexed by a sidecar
// key-mapping file. Every mutation holds a single mutex across the
// file operation and the index rewrite; an optional fsnotify watcher
// reacts to out-of-band changes to the directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/internal/cerr"
)

const indexFilename = "_keymapping.json"

var defaultTracer = otel.Tracer("github.com/brain2/cachepipe/cache/file")

// record is one entry of the on-disk key-mapping index.
type record struct {
	SerializedKey string `json:"SerializedKey"`
	Filename      string `json:"Filename"`
	KeyTypeName   string `json:"KeyTypeName"`
}

// Options configures a Backend.
type Options struct {
	Logger *zap.Logger
	// WatchExternalChanges, when true, starts an fsnotify watcher on the
	// directory so that data files removed or renamed out of band are
	// dropped from the in-memory index. Files added out of band are not
	// picked up. Disabled by default since most callers only
	// mutate the directory through this backend.
	WatchExternalChanges bool
	// Tracer wraps TryGet and Set in spans when set. Defaults to this
	// package's own no-op-until-configured global tracer.
	Tracer trace.Tracer
}

// Backend is a persistent store over a filesystem directory: one file
// per entry plus a sidecar index. It implements cache.Backend,
// cache.Availability, and cache.Enumerable.
type Backend[K comparable, V any] struct {
	mu      sync.Mutex
	dir     string
	index   []record
	keyType string
	logger  *zap.Logger
	tracer  trace.Tracer

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// New opens (or initializes) a file backend rooted at dir. The directory
// must already exist.
func New[K comparable, V any](dir string, opts Options) (*Backend[K, V], error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer
	}

	var zero K
	keyType := reflect.TypeOf(zero)
	keyTypeName := "<nil>"
	if keyType != nil {
		keyTypeName = keyType.String()
	}

	b := &Backend[K, V]{
		dir:     dir,
		keyType: keyTypeName,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
	}

	if err := b.loadIndex(); err != nil {
		return nil, cerr.Wrap("file.New", cerr.BackendFailure, "loading key-mapping index", err)
	}

	if opts.WatchExternalChanges {
		if err := b.startWatching(); err != nil {
			opts.Logger.Warn("file backend: could not start fsnotify watcher", zap.Error(err))
		}
	}

	return b, nil
}

func (b *Backend[K, V]) indexPath() string { return filepath.Join(b.dir, indexFilename) }

// loadIndex reads the sidecar index, drops any record whose data file is
// missing or whose key-type tag no longer matches, and persists the
// filtered index back to disk if anything was dropped.
func (b *Backend[K, V]) loadIndex() error {
	raw, err := os.ReadFile(b.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		b.index = nil
		return nil
	}
	if err != nil {
		return err
	}

	var loaded []record
	if err := json.Unmarshal(raw, &loaded); err != nil {
		// A corrupt sidecar is treated as empty rather than fatal; a
		// fresh index will be written on the next mutation.
		b.logger.Warn("file backend: corrupt key-mapping index, starting empty", zap.Error(err))
		b.index = nil
		return nil
	}

	valid := loaded[:0]
	dropped := 0
	for _, rec := range loaded {
		if rec.KeyTypeName != b.keyType {
			dropped++
			continue
		}
		if _, err := os.Stat(filepath.Join(b.dir, rec.Filename)); err != nil {
			dropped++
			continue
		}
		valid = append(valid, rec)
	}
	b.index = valid

	if dropped > 0 {
		b.logger.Info("file backend: dropped stale index records on load", zap.Int("count", dropped))
		return b.persistIndex()
	}
	return nil
}

// persistIndex writes the in-memory index to a temp file in dir then
// renames it over the sidecar, so a crash mid-write leaves either the
// old or the new version readable.
func (b *Backend[K, V]) persistIndex() error {
	data, err := json.Marshal(b.index)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.dir, "_keymapping-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, b.indexPath())
}

func (b *Backend[K, V]) serializeKey(key K) (string, error) {
	raw, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (b *Backend[K, V]) findLocked(serializedKey string) (int, bool) {
	for i, rec := range b.index {
		if rec.SerializedKey == serializedKey {
			return i, true
		}
	}
	return 0, false
}

// TryGet reads the value stored under key, if present.
func (b *Backend[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	ctx, span := b.tracer.Start(ctx, "file.TryGet")
	defer span.End()

	var zero V
	serializedKey, err := b.serializeKey(key)
	if err != nil {
		return zero, false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.findLocked(serializedKey)
	if !ok {
		return zero, false, nil
	}
	rec := b.index[idx]

	raw, err := os.ReadFile(filepath.Join(b.dir, rec.Filename))
	if errors.Is(err, os.ErrNotExist) {
		// The data file disappeared out from under us; drop the stale
		// index record and report a miss.
		b.index = append(b.index[:idx], b.index[idx+1:]...)
		if perr := b.persistIndex(); perr != nil {
			b.logger.Error("file backend: failed to persist index after detecting missing file", zap.Error(perr))
		}
		return zero, false, nil
	}
	if err != nil {
		b.logger.Error("file backend: read error", zap.String("file", rec.Filename), zap.Error(err))
		return zero, false, nil
	}

	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		b.logger.Error("file backend: value decode error", zap.String("file", rec.Filename), zap.Error(err))
		return zero, false, nil
	}
	return value, true, nil
}

// Set writes value under key, creating a new backing file on first
// write and reusing the existing one on overwrite.
func (b *Backend[K, V]) Set(ctx context.Context, key K, value V) error {
	ctx, span := b.tracer.Start(ctx, "file.Set")
	defer span.End()

	if cache.IsNilKey(key) {
		return cerr.New("file.Set", cerr.InvalidArgument, "nil key")
	}
	serializedKey, err := b.serializeKey(key)
	if err != nil {
		return cerr.Wrap("file.Set", cerr.InvalidArgument, "key is not JSON-serializable", err)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return cerr.Wrap("file.Set", cerr.InvalidArgument, "value is not JSON-serializable", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, exists := b.findLocked(serializedKey)
	var filename string
	if exists {
		filename = b.index[idx].Filename
	} else {
		filename = uuid.New().String() + ".json"
	}

	if err := os.WriteFile(filepath.Join(b.dir, filename), raw, 0o644); err != nil {
		b.logger.Error("file backend: write failed, entry not claimed present", zap.String("file", filename), zap.Error(err))
		return nil
	}

	if !exists {
		b.index = append(b.index, record{SerializedKey: serializedKey, Filename: filename, KeyTypeName: b.keyType})
	}
	if err := b.persistIndex(); err != nil {
		b.logger.Error("file backend: failed to persist index after write", zap.Error(err))
	}
	return nil
}

// Remove deletes the file and index record for key, if present.
func (b *Backend[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	serializedKey, err := b.serializeKey(key)
	if err != nil {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.findLocked(serializedKey)
	if !ok {
		return false, nil
	}
	rec := b.index[idx]

	if err := os.Remove(filepath.Join(b.dir, rec.Filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.logger.Warn("file backend: failed to remove data file", zap.String("file", rec.Filename), zap.Error(err))
	}
	b.index = append(b.index[:idx], b.index[idx+1:]...)
	if err := b.persistIndex(); err != nil {
		b.logger.Error("file backend: failed to persist index after remove", zap.Error(err))
	}
	return true, nil
}

// Clear deletes every data file in the directory, leaving only the
// sidecar, then rewrites the sidecar as an empty index.
func (b *Backend[K, V]) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.Error("file backend: failed to list directory during clear", zap.Error(err))
		return nil
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == indexFilename {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("file backend: failed to remove data file during clear", zap.String("file", e.Name()), zap.Error(err))
		}
	}
	b.index = nil
	if err := b.persistIndex(); err != nil {
		b.logger.Error("file backend: failed to persist empty index after clear", zap.Error(err))
	}
	return nil
}

// Keys returns every key reflected by the current index. Keys whose
// serialized form can no longer be decoded into K are dropped and the
// index is persisted without them.
func (b *Backend[K, V]) Keys(ctx context.Context) ([]K, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]K, 0, len(b.index))
	kept := b.index[:0]
	dropped := false
	for _, rec := range b.index {
		var k K
		if err := json.Unmarshal([]byte(rec.SerializedKey), &k); err != nil {
			b.logger.Warn("file backend: dropping index record with undecodable key", zap.String("file", rec.Filename), zap.Error(err))
			dropped = true
			continue
		}
		keys = append(keys, k)
		kept = append(kept, rec)
	}
	b.index = kept
	if dropped {
		if err := b.persistIndex(); err != nil {
			b.logger.Error("file backend: failed to persist index after dropping bad keys", zap.Error(err))
		}
	}
	return keys, nil
}

// IsAvailable writes and deletes a uniquely named probe file. It never
// touches the sidecar or any user data.
func (b *Backend[K, V]) IsAvailable(ctx context.Context) bool {
	probe := filepath.Join(b.dir, fmt.Sprintf(".probe-%s", uuid.NewString()))
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}

// Close stops the fsnotify watcher, if one was started. Closing the
// backend does not delete persisted data.
func (b *Backend[K, V]) Close() error {
	if b.watcher == nil {
		return nil
	}
	close(b.stopCh)
	return b.watcher.Close()
}

func (b *Backend[K, V]) startWatching() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(b.dir); err != nil {
		w.Close()
		return err
	}
	b.watcher = w
	b.stopCh = make(chan struct{})

	go func() {
		for {
			select {
			case <-b.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Base(ev.Name) != indexFilename {
					b.invalidateMissing(ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				b.logger.Warn("file backend: watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// invalidateMissing drops any index record pointing at a file that no
// longer exists, reacting to an externally-observed removal.
func (b *Backend[K, V]) invalidateMissing(path string) {
	name := filepath.Base(path)
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.index[:0]
	changed := false
	for _, rec := range b.index {
		if rec.Filename == name {
			if _, err := os.Stat(filepath.Join(b.dir, rec.Filename)); err != nil {
				changed = true
				continue
			}
		}
		kept = append(kept, rec)
	}
	b.index = kept
	if changed {
		if err := b.persistIndex(); err != nil {
			b.logger.Error("file backend: failed to persist index after external change", zap.Error(err))
		}
	}
}
