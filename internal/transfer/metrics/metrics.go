package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks transfer coordination outcomes.
type Metrics struct {
	Initiated      prometheus.Counter
	Resolved       *prometheus.CounterVec
	Conflicts      *prometheus.CounterVec
	AcceptDuration prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		Initiated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certchain_transfers_initiated_total",
			Help: "Total number of transfer requests created",
		}),
		Resolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certchain_transfers_resolved_total",
			Help: "Transfer requests leaving pending, by resolution",
		}, []string{"resolution"}),
		Conflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certchain_transfer_conflicts_total",
			Help: "Transfer operations refused because of a concurrent change, by reason",
		}, []string{"reason"}),
		AcceptDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "certchain_transfer_accept_duration_seconds",
			Help:    "Duration of AcceptTransfer including the ownership swap",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// The helpers below are safe on a nil receiver so tests can skip metrics.

func (m *Metrics) IncInitiated() {
	if m == nil {
		return
	}
	m.Initiated.Inc()
}

func (m *Metrics) IncResolved(resolution string) {
	if m == nil {
		return
	}
	m.Resolved.WithLabelValues(resolution).Inc()
}

func (m *Metrics) IncConflict(reason string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(reason).Inc()
}

// ObserveAccept records an AcceptTransfer call. Call with time.Now() at the
// start of the operation.
func (m *Metrics) ObserveAccept(start time.Time) {
	if m == nil {
		return
	}
	m.AcceptDuration.Observe(time.Since(start).Seconds())
}
