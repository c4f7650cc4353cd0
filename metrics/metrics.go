// Package metrics provides Prometheus instrumentation for the ledger engine
// and the HTTP layer. A nil *Recorder is safe to use and records nothing,
// so tests and library consumers don't have to wire a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the engine's metric families.
type Recorder struct {
	operations    *prometheus.CounterVec
	retries       *prometheus.CounterVec
	consistency   prometheus.Counter
	opDuration    *prometheus.HistogramVec
}

// NewRecorder creates a Recorder and registers its collectors.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lp_engine_operations_total",
			Help: "Ledger engine operations by operation and result.",
		}, []string{"op", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lp_engine_retries_total",
			Help: "Optimistic-concurrency retries by operation.",
		}, []string{"op"}),
		consistency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lp_engine_consistency_violations_total",
			Help: "Internal invariant violations detected. Any increase is a bug.",
		}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lp_engine_operation_seconds",
			Help:    "Ledger engine operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(r.operations, r.retries, r.consistency, r.opDuration)
	return r
}

// Operation records one completed engine operation.
func (r *Recorder) Operation(op, result string, seconds float64) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(op, result).Inc()
	r.opDuration.WithLabelValues(op).Observe(seconds)
}

// Retry records one optimistic-concurrency retry.
func (r *Recorder) Retry(op string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(op).Inc()
}

// ConsistencyViolation records a broken internal invariant.
func (r *Recorder) ConsistencyViolation() {
	if r == nil {
		return
	}
	r.consistency.Inc()
}
