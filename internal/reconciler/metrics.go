package reconciler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks ledger submission and reconciliation.
type Metrics struct {
	Transitions    *prometheus.CounterVec
	SubmitFailures *prometheus.CounterVec
	SweepDuration  *prometheus.HistogramVec
	LeaseSkipped   *prometheus.CounterVec
	QueueDropped   prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certchain_ledger_transitions_total",
			Help: "Ledger record status changes, by ledger and target status",
		}, []string{"ledger", "status"}),
		SubmitFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certchain_ledger_submit_failures_total",
			Help: "Failed ledger submissions, by ledger and error category",
		}, []string{"ledger", "category"}),
		SweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certchain_reconcile_sweep_duration_seconds",
			Help:    "Duration of one reconciliation sweep",
			Buckets: prometheus.DefBuckets,
		}, []string{"ledger"}),
		LeaseSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certchain_reconcile_lease_skipped_total",
			Help: "Records skipped because another worker held the lease",
		}, []string{"ledger"}),
		QueueDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certchain_submit_queue_dropped_total",
			Help: "Submission nudges dropped because the queue was full",
		}),
	}
}

func (m *Metrics) transition(ledger, status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(ledger, status).Inc()
}

func (m *Metrics) submitFailure(ledger, category string) {
	if m == nil {
		return
	}
	m.SubmitFailures.WithLabelValues(ledger, category).Inc()
}

func (m *Metrics) observeSweep(ledger string, start time.Time) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(ledger).Observe(time.Since(start).Seconds())
}

func (m *Metrics) leaseSkipped(ledger string) {
	if m == nil {
		return
	}
	m.LeaseSkipped.WithLabelValues(ledger).Inc()
}

func (m *Metrics) queueDropped() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}
