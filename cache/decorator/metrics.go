package decorator

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brain2/cachepipe/cache"
)

// MetricsRecorder is the sink a backend reports through once wrapped
// with WithMetrics.
type MetricsRecorder interface {
	RecordHit()
	RecordMiss()
	RecordSet(err error)
	RecordRemove(err error)
}

// PrometheusRecorder is a MetricsRecorder backed by prometheus counters.
type PrometheusRecorder struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	SetOps    *prometheus.CounterVec
	RemoveOps *prometheus.CounterVec
}

// NewPrometheusRecorder registers counters under namespace/subsystem on
// registry (or the default registerer if registry is nil).
func NewPrometheusRecorder(registry prometheus.Registerer, namespace, subsystem string) *PrometheusRecorder {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	r := &PrometheusRecorder{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "cache_hits_total",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "cache_misses_total",
		}),
		SetOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "cache_set_total",
		}, []string{"result"}),
		RemoveOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "cache_remove_total",
		}, []string{"result"}),
	}
	registry.MustRegister(r.Hits, r.Misses, r.SetOps, r.RemoveOps)
	return r
}

func (r *PrometheusRecorder) RecordHit()  { r.Hits.Inc() }
func (r *PrometheusRecorder) RecordMiss() { r.Misses.Inc() }
func (r *PrometheusRecorder) RecordSet(err error) {
	if err != nil {
		r.SetOps.WithLabelValues("error").Inc()
		return
	}
	r.SetOps.WithLabelValues("ok").Inc()
}
func (r *PrometheusRecorder) RecordRemove(err error) {
	if err != nil {
		r.RemoveOps.WithLabelValues("error").Inc()
		return
	}
	r.RemoveOps.WithLabelValues("ok").Inc()
}

type metricsBackend[K comparable, V any] struct {
	inner    cache.Backend[K, V]
	recorder MetricsRecorder
}

// WithMetrics wraps inner so every TryGet/Set/Remove reports to
// recorder.
func WithMetrics[K comparable, V any](inner cache.Backend[K, V], recorder MetricsRecorder) cache.Backend[K, V] {
	return &metricsBackend[K, V]{inner: inner, recorder: recorder}
}

func (m *metricsBackend[K, V]) TryGet(ctx context.Context, key K) (V, bool, error) {
	v, ok, err := m.inner.TryGet(ctx, key)
	if ok {
		m.recorder.RecordHit()
	} else {
		m.recorder.RecordMiss()
	}
	return v, ok, err
}

func (m *metricsBackend[K, V]) Set(ctx context.Context, key K, value V) error {
	err := m.inner.Set(ctx, key, value)
	m.recorder.RecordSet(err)
	return err
}

func (m *metricsBackend[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	ok, err := m.inner.Remove(ctx, key)
	m.recorder.RecordRemove(err)
	return ok, err
}

func (m *metricsBackend[K, V]) Clear(ctx context.Context) error {
	return m.inner.Clear(ctx)
}

func (m *metricsBackend[K, V]) IsAvailable(ctx context.Context) bool {
	if a, ok := m.inner.(cache.Availability); ok {
		return a.IsAvailable(ctx)
	}
	return true
}

func (m *metricsBackend[K, V]) Keys(ctx context.Context) ([]K, error) {
	if e, ok := m.inner.(cache.Enumerable[K]); ok {
		return e.Keys(ctx)
	}
	return nil, notSupported("metrics.Keys")
}
