package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"lens/pkg/document"
)

// Metrics tracks admission verdicts across every store on a replica.
type Metrics struct {
	Decisions *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
}

// NewMetrics creates and registers the admission metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		Decisions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "lens_admission_decisions_total",
			Help: "Admission verdicts by store, operation kind, origin and reason",
		}, []string{"store", "kind", "origin", "decision", "reason"}),
		Latency: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lens_admission_latency_seconds",
			Help:    "Time spent evaluating admission policies",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}, []string{"store"}),
	}
}

// Observe records one verdict. A nil receiver is a no-op.
func (m *Metrics) Observe(store string, op *document.Operation, origin document.Origin, r Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	kind := string(op.Kind)
	if !op.Kind.Valid() {
		kind = "unknown"
	}
	m.Decisions.WithLabelValues(store, kind, origin.String(), r.Decision.String(), r.Reason.String()).Inc()
	m.Latency.WithLabelValues(store).Observe(elapsed.Seconds())
}
