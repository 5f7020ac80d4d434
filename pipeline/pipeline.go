// Package pipeline implements an asynchronous channel pipeline: a
// multi-stage data pipeline with per-stage parallelism, optional order
// preservation, composable modifiers, and a plugin/storage registry.
// Envelopes are indexed at ingress and flow through per-stage worker
// goroutines connected by channels; a terminal reorder stage can
// re-emit them in input order.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/brain2/cachepipe/internal/cerr"
)

const defaultChannelBuffer = 64

var defaultTracer = otel.Tracer("github.com/brain2/cachepipe/pipeline")

// Transform is the user-supplied (or modifier-wrapped) function a stage
// applies to each envelope. Returning a non-nil error fails the
// envelope; observing ctx cancellation must not be reported as a
// failure by well-behaved transforms.
type Transform[V any] func(ctx context.Context, env Envelope[V]) (Envelope[V], error)

// Modifier wraps a Transform with additional cross-cutting behavior
// (retry, timeout, delay, bulkhead, fallback, throttle, circuit
// breaker; see the modifier subpackage).
type Modifier[V any] func(next Transform[V]) Transform[V]

// StageOptions configures one AddBlock call.
type StageOptions[V any] struct {
	Transform Transform[V]
	// Parallelism is the number of independent worker tasks for this
	// stage; must be >= 1.
	Parallelism int `validate:"min=1"`
	// ChannelBounds overrides the default channel buffer size for this
	// stage's channels. Zero uses the pipeline default.
	ChannelBounds int
	// Modifiers wrap Transform in order; the first element becomes the
	// outermost wrapper.
	Modifiers []Modifier[V]
	// OnError, if set, is invoked on a transform failure instead of
	// failing the pipeline; processing continues with the next
	// envelope.
	OnError func(error)
}

// Options configures a Pipeline.
type Options struct {
	// PreserveOrder, when true, makes the terminal reader emit
	// envelopes in strictly ascending Index order with no gaps.
	PreserveOrder bool
	// ReorderBufferLimit bounds the terminal reorder stage's pending
	// buffer; overflow is a fatal pipeline error. Defaults to 4096.
	ReorderBufferLimit int
	// DisposeTimeout bounds how long DisposeAsync waits for outstanding
	// tasks. Defaults to 30s.
	DisposeTimeout time.Duration
	Logger         *zap.Logger
	// Tracer wraps every stage's per-envelope transform call in a span.
	// Defaults to this package's own no-op-until-configured global
	// tracer.
	Tracer trace.Tracer
	// Plugins are attached before any stage is added.
	Plugins []StoragePlugin
}

// Pipeline carries envelopes through the configured stages. Construct
// with New, append stages with AddBlock, then Build before reading
// Results.
type Pipeline[V any] struct {
	id        string
	opts      Options
	logger    *zap.Logger
	validator *validator.Validate
	tracer    trace.Tracer

	mu         sync.Mutex
	nextIndex  uint64
	inputCh    chan Envelope[V]
	current    []chan Envelope[V]
	stageCount int
	built      bool
	completed  bool
	disposed   bool
	writersWG  sync.WaitGroup

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	fatalMu  sync.Mutex
	fatalErr error

	results chan Result[V]
}

// New constructs an empty pipeline.
func New[V any](opts Options) *Pipeline[V] {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReorderBufferLimit <= 0 {
		opts.ReorderBufferLimit = 4096
	}
	if opts.DisposeTimeout <= 0 {
		opts.DisposeTimeout = 30 * time.Second
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	p := &Pipeline[V]{
		id:        id,
		opts:      opts,
		logger:    opts.Logger,
		validator: validator.New(),
		tracer:    opts.Tracer,
		ctx:       ctx,
		cancel:    cancel,
	}
	p.inputCh = make(chan Envelope[V], defaultChannelBuffer)
	p.current = []chan Envelope[V]{p.inputCh}

	for _, plugin := range opts.Plugins {
		plugin.Attach(id)
	}

	return p
}

// ID returns the pipeline's unique identity, used as the storage
// registry key.
func (p *Pipeline[V]) ID() string { return p.id }

// Storage looks up the storage registered under key for this pipeline.
func (p *Pipeline[V]) Storage(key StorageKey) (Storage, bool) {
	return LookupStorage(p.id, key)
}

// WriteAsync allocates a fresh monotonic index and enqueues value on the
// pipeline's input. It rejects writes once the pipeline has been
// completed or disposed.
func (p *Pipeline[V]) WriteAsync(ctx context.Context, value V) error {
	p.mu.Lock()
	if p.completed || p.disposed {
		p.mu.Unlock()
		return cerr.New("pipeline.WriteAsync", cerr.InvalidOperation, "pipeline is completed or disposed")
	}
	p.writersWG.Add(1)
	p.mu.Unlock()
	defer p.writersWG.Done()

	idx := atomic.AddUint64(&p.nextIndex, 1)
	env := Envelope[V]{Index: idx, Value: value}

	select {
	case p.inputCh <- env:
		return nil
	case <-ctx.Done():
		return cerr.Wrap("pipeline.WriteAsync", cerr.Cancelled, "caller context done", ctx.Err())
	case <-p.ctx.Done():
		return cerr.New("pipeline.WriteAsync", cerr.Cancelled, "pipeline disposed")
	}
}

// AddBlock wraps opts.Transform in opts.Modifiers (first element
// outermost), wires new channels/workers for this stage, and returns
// the pipeline for chaining. It must not be called after Build.
func (p *Pipeline[V]) AddBlock(opts StageOptions[V]) (*Pipeline[V], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.built {
		return nil, cerr.New("pipeline.AddBlock", cerr.InvalidOperation, "cannot add a block after Build")
	}
	if err := p.validator.Struct(opts); err != nil {
		return nil, cerr.Wrap("pipeline.AddBlock", cerr.InvalidArgument, "invalid stage options", err)
	}
	if opts.Transform == nil {
		return nil, cerr.New("pipeline.AddBlock", cerr.InvalidArgument, "transform is required")
	}

	wrapped := opts.Transform
	for i := len(opts.Modifiers) - 1; i >= 0; i-- {
		wrapped = opts.Modifiers[i](wrapped)
	}

	bufSize := opts.ChannelBounds
	if bufSize <= 0 {
		bufSize = defaultChannelBuffer
	}

	stageIdx := p.stageCount
	p.stageCount++

	prev := p.current
	lanePreserving := len(prev) == opts.Parallelism

	var shared <-chan Envelope[V]
	if !lanePreserving {
		merged := make(chan Envelope[V], bufSize)
		p.wg.Add(1)
		go p.mergeFanIn(prev, merged)
		shared = merged
	}

	outs := make([]chan Envelope[V], opts.Parallelism)
	for i := range outs {
		outs[i] = make(chan Envelope[V], bufSize)
	}

	for i := 0; i < opts.Parallelism; i++ {
		var in <-chan Envelope[V]
		if lanePreserving {
			in = prev[i]
		} else {
			in = shared
		}
		out := outs[i]
		p.wg.Add(1)
		go p.runWorker(in, out, wrapped, opts.OnError, stageIdx)
	}

	p.current = outs
	return p, nil
}

// mergeFanIn copies every envelope from each of ins into out, closing
// out once every input has drained or the pipeline is cancelled.
func (p *Pipeline[V]) mergeFanIn(ins []chan Envelope[V], out chan Envelope[V]) {
	defer p.wg.Done()
	defer close(out)

	var wg sync.WaitGroup
	for _, in := range ins {
		in := in
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case env, ok := <-in:
					if !ok {
						return
					}
					select {
					case out <- env:
					case <-p.ctx.Done():
						return
					}
				case <-p.ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
}

// runWorker is one stage's per-lane worker loop.
func (p *Pipeline[V]) runWorker(in <-chan Envelope[V], out chan Envelope[V], transform Transform[V], onError func(error), stageIdx int) {
	defer p.wg.Done()
	defer close(out)

	for {
		select {
		case env, ok := <-in:
			if !ok {
				return
			}

			spanCtx, span := p.tracer.Start(p.ctx, "pipeline.stage", trace.WithAttributes(
				attribute.Int("pipeline.stage_index", stageIdx),
				attribute.Int64("pipeline.envelope_index", int64(env.Index)),
			))
			result, err := transform(spanCtx, env)
			span.End()
			if err != nil {
				if p.ctx.Err() != nil {
					// Cancellation during dispose must not surface as a
					// pipeline error.
					return
				}
				if onError != nil {
					onError(err)
					continue
				}
				p.failPipeline(err)
				return
			}

			select {
			case out <- result:
			case <-p.ctx.Done():
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pipeline[V]) failPipeline(err error) {
	p.fatalMu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
		p.logger.Error("pipeline: stage failed, completing downstream in faulted state", zap.Error(err))
	}
	p.fatalMu.Unlock()
	p.cancel()
}

// Err returns the error that faulted the pipeline, if any.
func (p *Pipeline[V]) Err() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

// Build materializes the terminal reader (a reorder stage when
// PreserveOrder is set, otherwise a simple fan-in) and is idempotent.
func (p *Pipeline[V]) Build() *Pipeline[V] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.built {
		return p
	}
	p.built = true

	final := p.current
	p.results = make(chan Result[V], defaultChannelBuffer)

	p.wg.Add(1)
	if p.opts.PreserveOrder {
		go p.runReorder(final)
	} else {
		go p.runPassthrough(final)
	}
	return p
}

// Results returns the terminal output channel. Valid only after Build.
func (p *Pipeline[V]) Results() <-chan Result[V] {
	return p.results
}

func (p *Pipeline[V]) emit(v V) bool {
	select {
	case p.results <- Result[V]{Value: v}:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Pipeline[V]) runPassthrough(final []chan Envelope[V]) {
	defer p.wg.Done()
	defer close(p.results)

	var wg sync.WaitGroup
	for _, ch := range final {
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			for env := range ch {
				if !p.emit(env.Value) {
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := p.Err(); err != nil {
		select {
		case p.results <- Result[V]{Err: err}:
		default:
		}
	}
}

func (p *Pipeline[V]) runReorder(final []chan Envelope[V]) {
	defer p.wg.Done()
	defer close(p.results)

	var source <-chan Envelope[V]
	if len(final) == 1 {
		source = final[0]
	} else {
		merged := make(chan Envelope[V], defaultChannelBuffer)
		p.wg.Add(1)
		go p.mergeFanIn(final, merged)
		source = merged
	}

	buffer := make(map[uint64]V)
	nextWant := uint64(1)
	limit := p.opts.ReorderBufferLimit

emit:
	for {
		select {
		case env, ok := <-source:
			if !ok {
				break emit
			}
			if env.Index != nextWant {
				if len(buffer) >= limit {
					p.failPipeline(cerr.New("pipeline.reorder", cerr.InvalidOperation, "reorder buffer overflow"))
					break emit
				}
				buffer[env.Index] = env.Value
				continue
			}
			if !p.emit(env.Value) {
				break emit
			}
			nextWant++
			for {
				v, ok2 := buffer[nextWant]
				if !ok2 {
					break
				}
				delete(buffer, nextWant)
				if !p.emit(v) {
					break emit
				}
				nextWant++
			}
		case <-p.ctx.Done():
			break emit
		}
	}

	if err := p.Err(); err != nil {
		select {
		case p.results <- Result[V]{Err: err}:
		default:
		}
	}
}

// completeInput closes the input channel exactly once, after waiting
// for every in-flight WriteAsync call to finish, so no send ever races
// a close.
func (p *Pipeline[V]) completeInput() {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true
	p.mu.Unlock()

	p.writersWG.Wait()
	close(p.inputCh)
}

// CompleteAsync signals that no more input will arrive and waits for
// every stage task to finish draining. Build must have been called
// first for the terminal reader to exist and drain the final stage.
func (p *Pipeline[V]) CompleteAsync(ctx context.Context) error {
	p.completeInput()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return cerr.Wrap("pipeline.CompleteAsync", cerr.Cancelled, "caller context done before drain completed", ctx.Err())
	}
}

// DisposeAsync cancels the completion token, completes all writers,
// awaits outstanding tasks up to opts.DisposeTimeout, and releases the
// storage registry entries for this pipeline. Idempotent.
func (p *Pipeline[V]) DisposeAsync(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	p.mu.Unlock()

	p.cancel()
	p.completeInput()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.opts.DisposeTimeout):
		p.logger.Warn("pipeline dispose: outstanding tasks did not finish within timeout, treating as leaked",
			zap.String("pipeline_id", p.id))
	case <-ctx.Done():
	}

	globalStorageRegistry.release(p.id)
	return nil
}
