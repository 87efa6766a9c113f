// Package service implements the transfer coordinator: the only path by
// which certificate ownership changes.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	certmodels "certchain/internal/certificate/models"
	"certchain/internal/transfer/metrics"
	"certchain/internal/transfer/models"
	"certchain/pkg/attrs"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/audit"
	"certchain/pkg/platform/sentinel"
	"certchain/pkg/platform/tx"
	"certchain/pkg/requestcontext"
)

type CertificateStore interface {
	FindByID(ctx context.Context, certID id.CertificateID) (*certmodels.Certificate, error)
	FindByIDForUpdate(ctx context.Context, certID id.CertificateID) (*certmodels.Certificate, error)
	SetOwner(ctx context.Context, certID id.CertificateID, newOwner, expectedOwner id.UserID, now time.Time) error
}

type TransferStore interface {
	CreatePending(ctx context.Context, req *models.TransferRequest) error
	FindByID(ctx context.Context, transferID id.TransferID) (*models.TransferRequest, error)
	FindByIDForUpdate(ctx context.Context, transferID id.TransferID) (*models.TransferRequest, error)
	ListByCertificate(ctx context.Context, certID id.CertificateID) ([]*models.TransferRequest, error)
	ListPendingForRecipient(ctx context.Context, userID id.UserID) ([]*models.TransferRequest, error)
	Resolve(ctx context.Context, transferID id.TransferID, status models.Status, resolution models.Resolution, now time.Time) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service coordinates transfer requests against the certificate store.
// Conflicts are reported to the caller and never retried here.
type Service struct {
	certs          CertificateStore
	transfers      TransferStore
	tx             tx.Runner
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) { s.auditPublisher = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(certs CertificateStore, transfers TransferStore, runner tx.Runner, opts ...Option) *Service {
	s := &Service{
		certs:     certs,
		transfers: transfers,
		tx:        runner,
		tracer:    otel.Tracer("certchain/transfer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateTransfer opens a pending request from the current owner to toUserID.
func (s *Service) InitiateTransfer(ctx context.Context, certID id.CertificateID, fromUserID, toUserID id.UserID, notes string) (_ *models.TransferRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "transfer.Initiate", trace.WithAttributes(
		attribute.String("certificate_id", certID.String()),
	))
	defer func() { endSpan(span, err) }()

	cert, err := s.certs.FindByID(ctx, certID)
	if err != nil {
		return nil, certificateLookupError(err)
	}
	if !cert.IsOwnedBy(fromUserID) {
		return nil, dErrors.NewWithReason(dErrors.CodeForbidden, models.ReasonNotOwner, "only the current owner can transfer this certificate")
	}
	req, err := models.NewTransferRequest(certID, fromUserID, toUserID, notes, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(tx.WithLockKey(ctx, certID.String()), func(ctx context.Context) error {
		locked, err := s.certs.FindByIDForUpdate(ctx, certID)
		if err != nil {
			return certificateLookupError(err)
		}
		// Ownership may have moved between the read above and the lock.
		if !locked.IsOwnedBy(fromUserID) {
			return dErrors.NewWithReason(dErrors.CodeForbidden, models.ReasonNotOwner, "only the current owner can transfer this certificate")
		}
		if err := s.transfers.CreatePending(ctx, req); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.WrapWithReason(err, dErrors.CodeConflict, models.ReasonTransferAlreadyPending,
					"a transfer for this certificate is already pending")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create transfer request")
		}
		return nil
	})
	if err != nil {
		s.recordConflict(err)
		return nil, err
	}

	s.metrics.IncInitiated()
	s.logAudit(ctx, audit.EventTransferInitiated, req,
		"actor_id", fromUserID,
		"from_user_id", fromUserID,
		"to_user_id", toUserID,
	)
	return req, nil
}

// AcceptTransfer reassigns ownership to the recipient. If the sender no
// longer owns the certificate the request is closed as stale and
// StaleTransfer is returned.
func (s *Service) AcceptTransfer(ctx context.Context, transferID id.TransferID, acceptingUserID id.UserID) (_ *models.TransferRequest, err error) {
	start := time.Now()
	defer s.metrics.ObserveAccept(start)
	ctx, span := s.tracer.Start(ctx, "transfer.Accept", trace.WithAttributes(
		attribute.String("transfer_id", transferID.String()),
	))
	defer func() { endSpan(span, err) }()

	req, err := s.loadForRecipient(ctx, transferID, acceptingUserID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("certificate_id", req.CertificateID.String()))

	now := requestcontext.Now(ctx)
	stale := false
	err = s.tx.RunInTx(tx.WithLockKey(ctx, req.CertificateID.String()), func(ctx context.Context) error {
		// Lock order is certificate then transfer, the same as InitiateTransfer.
		if _, err := s.certs.FindByIDForUpdate(ctx, req.CertificateID); err != nil {
			return certificateLookupError(err)
		}
		if err := s.lockPending(ctx, transferID); err != nil {
			return err
		}

		err := s.certs.SetOwner(ctx, req.CertificateID, req.ToUserID, req.FromUserID, now)
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			stale = true
			return s.resolve(ctx, transferID, models.StatusRejected, models.ResolutionStale, now)
		case err != nil:
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to reassign ownership")
		}
		return s.resolve(ctx, transferID, models.StatusAccepted, models.ResolutionRecipientAccepted, now)
	})
	if err != nil {
		s.recordConflict(err)
		return nil, err
	}

	if stale {
		s.metrics.IncResolved(string(models.ResolutionStale))
		s.metrics.IncConflict(models.ReasonStaleTransfer)
		s.logAudit(ctx, audit.EventTransferStale, req,
			"actor_id", acceptingUserID,
			"from_user_id", req.FromUserID,
			"to_user_id", req.ToUserID,
		)
		return nil, dErrors.NewWithReason(dErrors.CodeConflict, models.ReasonStaleTransfer,
			"the sender no longer owns this certificate; the request has been closed")
	}

	_ = req.Resolve(models.StatusAccepted, models.ResolutionRecipientAccepted, now)
	s.metrics.IncResolved(string(models.ResolutionRecipientAccepted))
	s.logAudit(ctx, audit.EventTransferAccepted, req,
		"actor_id", acceptingUserID,
		"from_user_id", req.FromUserID,
		"to_user_id", req.ToUserID,
	)
	s.logCertificateAudit(ctx, audit.EventOwnershipReassigned, req.CertificateID,
		"actor_id", acceptingUserID,
		"from_user_id", req.FromUserID,
		"to_user_id", req.ToUserID,
		"transfer_id", req.ID,
	)
	return req, nil
}

// RejectTransfer closes a pending request at the recipient's request.
func (s *Service) RejectTransfer(ctx context.Context, transferID id.TransferID, rejectingUserID id.UserID) (_ *models.TransferRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "transfer.Reject", trace.WithAttributes(
		attribute.String("transfer_id", transferID.String()),
	))
	defer func() { endSpan(span, err) }()

	req, err := s.loadForRecipient(ctx, transferID, rejectingUserID)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	err = s.tx.RunInTx(tx.WithLockKey(ctx, req.CertificateID.String()), func(ctx context.Context) error {
		if err := s.lockPending(ctx, transferID); err != nil {
			return err
		}
		return s.resolve(ctx, transferID, models.StatusRejected, models.ResolutionRecipientRejected, now)
	})
	if err != nil {
		s.recordConflict(err)
		return nil, err
	}

	_ = req.Resolve(models.StatusRejected, models.ResolutionRecipientRejected, now)
	s.metrics.IncResolved(string(models.ResolutionRecipientRejected))
	s.logAudit(ctx, audit.EventTransferRejected, req,
		"actor_id", rejectingUserID,
		"from_user_id", req.FromUserID,
		"to_user_id", req.ToUserID,
	)
	return req, nil
}

// GetTransfer returns a request visible to its sender or recipient.
func (s *Service) GetTransfer(ctx context.Context, transferID id.TransferID, viewerID id.UserID) (*models.TransferRequest, error) {
	req, err := s.transfers.FindByID(ctx, transferID)
	if err != nil {
		return nil, transferLookupError(err)
	}
	if req.FromUserID != viewerID && req.ToUserID != viewerID {
		// Hide existence from unrelated users.
		return nil, dErrors.New(dErrors.CodeNotFound, "transfer not found")
	}
	return req, nil
}

// ListForCertificate returns the certificate's transfer history, oldest first.
func (s *Service) ListForCertificate(ctx context.Context, certID id.CertificateID) ([]*models.TransferRequest, error) {
	if _, err := s.certs.FindByID(ctx, certID); err != nil {
		return nil, certificateLookupError(err)
	}
	out, err := s.transfers.ListByCertificate(ctx, certID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list transfers")
	}
	return out, nil
}

func (s *Service) ListIncoming(ctx context.Context, userID id.UserID) ([]*models.TransferRequest, error) {
	out, err := s.transfers.ListPendingForRecipient(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list incoming transfers")
	}
	return out, nil
}

func (s *Service) loadForRecipient(ctx context.Context, transferID id.TransferID, userID id.UserID) (*models.TransferRequest, error) {
	req, err := s.transfers.FindByID(ctx, transferID)
	if err != nil {
		return nil, transferLookupError(err)
	}
	if !req.IsRecipient(userID) {
		return nil, dErrors.NewWithReason(dErrors.CodeForbidden, models.ReasonNotRecipient, "only the recipient can respond to this transfer")
	}
	if !req.IsPending() {
		return nil, notPending(nil)
	}
	return req, nil
}

// lockPending re-reads the request under lock; a concurrent accept or reject
// may have resolved it since loadForRecipient.
func (s *Service) lockPending(ctx context.Context, transferID id.TransferID) error {
	current, err := s.transfers.FindByIDForUpdate(ctx, transferID)
	if err != nil {
		return transferLookupError(err)
	}
	if !current.IsPending() {
		return notPending(nil)
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, transferID id.TransferID, status models.Status, resolution models.Resolution, now time.Time) error {
	if err := s.transfers.Resolve(ctx, transferID, status, resolution, now); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return notPending(err)
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve transfer")
	}
	return nil
}

func (s *Service) recordConflict(err error) {
	if dErrors.HasCode(err, dErrors.CodeConflict) {
		s.metrics.IncConflict(dErrors.ReasonOf(err))
	}
}

func notPending(cause error) error {
	msg := "transfer is no longer pending"
	if cause != nil {
		return dErrors.WrapWithReason(cause, dErrors.CodeConflict, models.ReasonNotPending, msg)
	}
	return dErrors.NewWithReason(dErrors.CodeConflict, models.ReasonNotPending, msg)
}

func certificateLookupError(err error) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "certificate not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certificate")
}

func transferLookupError(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "transfer not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load transfer")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errorCode(err)))
	}
	span.End()
}

func errorCode(err error) dErrors.Code {
	if de, ok := dErrors.As(err); ok {
		return de.Code
	}
	return dErrors.CodeInternal
}

func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, req *models.TransferRequest, attributes ...any) {
	attributes = append(attributes, "transfer_id", req.ID, "certificate_id", req.CertificateID)
	s.emit(ctx, event, audit.ResourceTransfer, req.ID.String(), attributes)
}

func (s *Service) logCertificateAudit(ctx context.Context, event audit.AuditEvent, certID id.CertificateID, attributes ...any) {
	attributes = append(attributes, "certificate_id", certID)
	s.emit(ctx, event, audit.ResourceCertificate, certID.String(), attributes)
}

func (s *Service) emit(ctx context.Context, event audit.AuditEvent, resourceType, resourceID string, attributes []any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", string(event), "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, string(event), args...)
	}
	if s.auditPublisher == nil {
		return
	}
	err := s.auditPublisher.Emit(ctx, audit.Event{
		Action:       string(event),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActorID:      attrs.ExtractString(attributes, "actor_id"),
		Details:      attrs.ToMap(attributes, "actor_id", "request_id"),
	})
	if err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "event", string(event), "error", err)
	}
}
