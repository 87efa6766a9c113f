package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for audit publishing.
type Metrics struct {
	Emitted         prometheus.Counter
	Persisted       prometheus.Counter
	BufferDropped   prometheus.Counter
	PersistFailures prometheus.Counter
}

// NewMetrics creates and registers audit publisher metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Emitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certchain_audit_emitted_total",
			Help: "Total number of audit events accepted by the publisher",
		}),
		Persisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certchain_audit_persisted_total",
			Help: "Total number of audit events written to the audit store",
		}),
		BufferDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certchain_audit_buffer_dropped_total",
			Help: "Total number of audit events dropped because the buffer was full",
		}),
		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certchain_audit_persist_failures_total",
			Help: "Total number of audit events dropped after exhausting retries",
		}),
	}
}

func (m *Metrics) IncEmitted()         { m.Emitted.Inc() }
func (m *Metrics) IncPersisted()       { m.Persisted.Inc() }
func (m *Metrics) IncBufferDropped()   { m.BufferDropped.Inc() }
func (m *Metrics) IncPersistFailures() { m.PersistFailures.Inc() }
