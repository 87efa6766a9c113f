package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks issuance and explicit ledger requests.
type Metrics struct {
	Issued        prometheus.Counter
	IssueRejected *prometheus.CounterVec
	LedgerRequest *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Issued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certchain_certificates_issued_total",
			Help: "Total number of certificates issued",
		}),
		IssueRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certchain_certificate_issue_rejected_total",
			Help: "Issuance requests refused, by reason",
		}, []string{"reason"}),
		LedgerRequest: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certchain_certificate_ledger_requests_total",
			Help: "Explicit anchor and resubmit requests, by ledger and operation",
		}, []string{"ledger", "operation"}),
	}
}

func (m *Metrics) IncIssued() {
	if m == nil {
		return
	}
	m.Issued.Inc()
}

func (m *Metrics) IncIssueRejected(reason string) {
	if m == nil {
		return
	}
	m.IssueRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncLedgerRequest(ledger, operation string) {
	if m == nil {
		return
	}
	m.LedgerRequest.WithLabelValues(ledger, operation).Inc()
}
