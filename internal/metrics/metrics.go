// Package metrics exposes optional Prometheus instrumentation for the
// evaluation engine, adapted from dshills-langgraph-go's graph/metrics.go:
// the same promauto-registered gauge/histogram/counter shapes, re-scoped
// from per-graph-step to per-evaluation-step. Every method is nil-safe so
// callers that never construct a Metrics value pay nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// everywhere its methods are called; every method becomes a no-op.
type Metrics struct {
	stepDuration   *prometheus.HistogramVec
	stepsTotal     *prometheus.CounterVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	inflightEvals  prometheus.Gauge
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a dedicated
// registry in tests to avoid collector-already-registered panics across
// table-driven subtests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ao",
			Subsystem: "eval",
			Name:      "step_duration_seconds",
			Help:      "Duration of a single handler invocation within a process fold.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ao",
			Subsystem: "eval",
			Name:      "steps_total",
			Help:      "Count of evaluated interactions, labeled by step result.",
		}, []string{"result"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ao",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Evaluation cache lookups resolved without a fold.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ao",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Evaluation cache lookups that required folding forward.",
		}),
		inflightEvals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ao",
			Subsystem: "eval",
			Name:      "inflight_evaluations",
			Help:      "Evaluations currently folding, after single-flight dedup.",
		}),
	}
}

// ObserveStep records the duration of one handler invocation, labeled ok or
// error by whether the step's HandlerOutput carried a failure.
func (m *Metrics) ObserveStep(seconds float64, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.stepDuration.WithLabelValues(result).Observe(seconds)
	m.stepsTotal.WithLabelValues(result).Inc()
}

// CacheHit records a ReadState call satisfied without folding forward.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss records a ReadState call that had to fold forward.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// EvaluationStarted increments the in-flight gauge; the caller defers
// EvaluationFinished.
func (m *Metrics) EvaluationStarted() {
	if m == nil {
		return
	}
	m.inflightEvals.Inc()
}

// EvaluationFinished decrements the in-flight gauge.
func (m *Metrics) EvaluationFinished() {
	if m == nil {
		return
	}
	m.inflightEvals.Dec()
}
