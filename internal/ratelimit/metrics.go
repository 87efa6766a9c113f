package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Rejected    *prometheus.CounterVec
	StoreErrors *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certchain_ratelimit_rejected_total",
			Help: "Requests refused by a rate limit, by route class",
		}, []string{"class"}),
		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certchain_ratelimit_store_errors_total",
			Help: "Rate limit checks that failed open because the store errored",
		}, []string{"class"}),
	}
}

func (m *Metrics) rejected(class string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(class).Inc()
}

func (m *Metrics) storeError(class string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(class).Inc()
}
