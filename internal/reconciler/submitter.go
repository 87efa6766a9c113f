package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"certchain/internal/certificate/models"
	"certchain/internal/ledger"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/audit"
	"certchain/pkg/platform/sentinel"
)

const (
	ReasonLedgerBusy          = "ledger_busy"
	ReasonLedgerNotConfigured = "ledger_not_configured"
	ReasonLedgerUnavailable   = "ledger_unavailable"
)

const (
	defaultLeaseTTL  = 30 * time.Second
	defaultQueueSize = 256
)

// CertificateStore is the slice of the certificate store the ledger side needs.
type CertificateStore interface {
	FindByID(ctx context.Context, certID id.CertificateID) (*models.Certificate, error)
	UpdateLedgerStatus(ctx context.Context, certID id.CertificateID, kind models.LedgerKind, update models.LedgerUpdate) (bool, error)
	ListByLedgerStatus(ctx context.Context, kind models.LedgerKind, status models.LedgerStatus, limit int) ([]*models.Certificate, error)
}

type job struct {
	certID id.CertificateID
	kind   models.LedgerKind
}

// Submitter writes certificates to their ledgers. It is reached from
// issuance (via Enqueue), from explicit anchor/resubmit requests and from
// the reconciler sweep for records the queue missed.
type Submitter struct {
	certs    CertificateStore
	clients  map[models.LedgerKind]ledger.Client
	locker   Locker
	leaseTTL time.Duration
	queue    chan job
	metrics  *Metrics
	tracer   trace.Tracer
	auditor
}

type SubmitterOption func(*Submitter)

// WithLedgerClient registers the client used for kind. A kind with no client
// is never submitted.
func WithLedgerClient(kind models.LedgerKind, client ledger.Client) SubmitterOption {
	return func(s *Submitter) { s.clients[kind] = client }
}

func WithLeaseTTL(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

func WithQueueSize(n int) SubmitterOption {
	return func(s *Submitter) {
		if n > 0 {
			s.queue = make(chan job, n)
		}
	}
}

func WithSubmitterLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) { s.logger = logger }
}

func WithSubmitterAudit(publisher AuditPublisher) SubmitterOption {
	return func(s *Submitter) { s.publisher = publisher }
}

func WithSubmitterMetrics(m *Metrics) SubmitterOption {
	return func(s *Submitter) { s.metrics = m }
}

func NewSubmitter(certs CertificateStore, locker Locker, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		certs:    certs,
		clients:  make(map[models.LedgerKind]ledger.Client),
		locker:   locker,
		leaseTTL: defaultLeaseTTL,
		queue:    make(chan job, defaultQueueSize),
		tracer:   otel.Tracer("certchain/reconciler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	return s
}

// Configured reports whether a client is registered for kind.
func (s *Submitter) Configured(kind models.LedgerKind) bool {
	_, ok := s.clients[kind]
	return ok
}

// Submit sends the certificate to the ledger if its record is unsubmitted or
// failed, and returns the record as stored afterwards. Records already
// pending or verified are returned untouched. A submission that fails with
// an open circuit leaves the record as it was.
func (s *Submitter) Submit(ctx context.Context, certID id.CertificateID, kind models.LedgerKind) (_ *models.LedgerRecord, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Submit", trace.WithAttributes(
		attribute.String("certificate_id", certID.String()),
		attribute.String("ledger", string(kind)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	client, ok := s.clients[kind]
	if !ok {
		return nil, dErrors.NewWithReason(dErrors.CodeBadRequest, ReasonLedgerNotConfigured, "ledger "+string(kind)+" is not configured")
	}

	release, acquired, err := s.locker.Acquire(ctx, leaseKey(kind, certID), s.leaseTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to acquire ledger lease")
	}
	if !acquired {
		s.metrics.leaseSkipped(string(kind))
		return nil, dErrors.NewWithReason(dErrors.CodeConflict, ReasonLedgerBusy, "a submission for this ledger is already in progress")
	}
	defer release()

	cert, err := s.certs.FindByID(ctx, certID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "certificate not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certificate")
	}
	record := cert.Ledger(kind)
	if record.Status != models.LedgerUnsubmitted && record.Status != models.LedgerFailed {
		return record, nil
	}
	resubmission := record.Status == models.LedgerFailed

	sub, submitErr := client.Submit(ctx, ledger.Payload{
		CertificateID: cert.CertificateID,
		AssetID:       cert.AssetID,
		OwnerID:       cert.OwnerID,
		ContentHash:   cert.ContentHash,
	})
	if submitErr != nil {
		return nil, s.submitFailed(ctx, cert, kind, submitErr)
	}

	changed, err := s.certs.UpdateLedgerStatus(ctx, certID, kind, models.LedgerUpdate{
		Status: models.LedgerPending,
		TxHash: sub.TxHash,
		At:     sub.SubmittedAt,
	})
	if err != nil {
		return nil, ledgerUpdateError(err)
	}
	if changed {
		s.metrics.transition(string(kind), string(models.LedgerPending))
		if resubmission {
			s.logAudit(ctx, audit.EventLedgerResubmitted, certID, kind,
				"network", client.Network(),
				"previous_error", record.LastError,
			)
		}
		s.logAudit(ctx, audit.EventLedgerPending, certID, kind,
			"network", client.Network(),
			"tx_hash", sub.TxHash,
		)
	}
	return s.reload(ctx, certID, kind)
}

func (s *Submitter) submitFailed(ctx context.Context, cert *models.Certificate, kind models.LedgerKind, submitErr error) error {
	category := string(ledger.CategoryInternal)
	if le, ok := ledger.AsError(submitErr); ok {
		category = string(le.Category)
	}
	s.metrics.submitFailure(string(kind), category)

	if ledger.HasCategory(submitErr, ledger.CategoryCircuitOpen) {
		return dErrors.WrapWithReason(submitErr, dErrors.CodeUnavailable, ReasonLedgerUnavailable, "ledger is temporarily unavailable")
	}

	changed, err := s.certs.UpdateLedgerStatus(ctx, cert.CertificateID, kind, models.LedgerUpdate{
		Status: models.LedgerFailed,
		Error:  submitErr.Error(),
		At:     time.Now(),
	})
	if err != nil {
		s.warn(ctx, "failed to record ledger failure", "certificate_id", cert.CertificateID, "ledger", string(kind), "error", err)
	} else if changed {
		s.metrics.transition(string(kind), string(models.LedgerFailed))
		s.logAudit(ctx, audit.EventLedgerFailed, cert.CertificateID, kind,
			"error", submitErr.Error(),
			"category", category,
		)
	}
	return dErrors.WrapWithReason(submitErr, dErrors.CodeUnavailable, ReasonLedgerUnavailable, "ledger submission failed")
}

func (s *Submitter) reload(ctx context.Context, certID id.CertificateID, kind models.LedgerKind) (*models.LedgerRecord, error) {
	cert, err := s.certs.FindByID(ctx, certID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to reload certificate")
	}
	return cert.Ledger(kind), nil
}

// Enqueue schedules a background submission. It never blocks; a full queue
// drops the nudge and the reconciler sweep picks the record up later.
func (s *Submitter) Enqueue(certID id.CertificateID, kind models.LedgerKind) bool {
	if !s.Configured(kind) {
		return false
	}
	select {
	case s.queue <- job{certID: certID, kind: kind}:
		return true
	default:
		s.metrics.queueDropped()
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-s.queue:
			if _, err := s.Submit(ctx, j.certID, j.kind); err != nil && !dErrors.HasReason(err, ReasonLedgerBusy) {
				s.debug(ctx, "queued ledger submission failed", "certificate_id", j.certID, "ledger", string(j.kind), "error", err)
			}
		}
	}
}

func leaseKey(kind models.LedgerKind, certID id.CertificateID) string {
	return string(kind) + ":" + certID.String()
}

func ledgerUpdateError(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "certificate not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvalidTransition, "ledger status cannot move backwards")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update ledger status")
}
