// Package service issues certificates and answers owner and issuer queries.
// Ownership changes are not made here; see the transfer service.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"certchain/internal/certificate/metrics"
	"certchain/internal/certificate/models"
	"certchain/pkg/attrs"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/audit"
	"certchain/pkg/platform/sentinel"
	"certchain/pkg/requestcontext"
)

type Store interface {
	Issue(ctx context.Context, cert *models.Certificate) error
	FindByID(ctx context.Context, certID id.CertificateID) (*models.Certificate, error)
	ListByOwner(ctx context.Context, owner id.UserID, limit int) ([]*models.Certificate, error)
	ListByIssuer(ctx context.Context, issuer id.UserID, limit int) ([]*models.Certificate, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Certificate, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// LedgerSubmitter sends certificates to their ledgers.
type LedgerSubmitter interface {
	Submit(ctx context.Context, certID id.CertificateID, kind models.LedgerKind) (*models.LedgerRecord, error)
	Enqueue(certID id.CertificateID, kind models.LedgerKind) bool
}

type ArtifactScheduler interface {
	Schedule(certID id.CertificateID) bool
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Config carries the issuance settings.
type Config struct {
	PrimaryNetwork string
	AnchorNetwork  string
	// AnchorOnIssue queues the anchor submission together with the primary one.
	AnchorOnIssue bool
}

type Service struct {
	store          Store
	cfg            Config
	submitter      LedgerSubmitter
	artifacts      ArtifactScheduler
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

func WithSubmitter(sub LedgerSubmitter) Option {
	return func(s *Service) { s.submitter = sub }
}

func WithArtifactScheduler(a ArtifactScheduler) Option {
	return func(s *Service) { s.artifacts = a }
}

func New(store Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cfg:    cfg,
		tracer: otel.Tracer("certchain/certificate"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const maxIssueAttempts = 5

// Issue creates a certificate for assetID owned by its issuer. Ledger
// submission and artifact rendering are queued and never fail the call.
func (s *Service) Issue(ctx context.Context, assetID id.AssetID, issuerID id.UserID) (_ *models.Certificate, err error) {
	ctx, span := s.tracer.Start(ctx, "certificate.Issue")
	defer func() { endSpan(span, err) }()

	assetID = id.AssetID(strings.TrimSpace(string(assetID)))
	if assetID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "asset_id is required")
	}
	if issuerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "issuer is required")
	}

	now := requestcontext.Now(ctx)
	var cert *models.Certificate
	for attempt := 1; ; attempt++ {
		cert, err = models.NewCertificate(id.NewCertificateID(now), assetID, issuerID, s.cfg.PrimaryNetwork, s.cfg.AnchorNetwork, now)
		if err != nil {
			return nil, err
		}
		err = s.store.Issue(ctx, cert)
		// A taken certificate id is a random collision; draw another.
		if errors.Is(err, sentinel.ErrConflict) && attempt < maxIssueAttempts {
			if s.logger != nil {
				s.logger.DebugContext(ctx, "certificate id collision, regenerating",
					"certificate_id", cert.CertificateID, "attempt", attempt)
			}
			continue
		}
		break
	}
	span.SetAttributes(attribute.String("certificate_id", cert.CertificateID.String()))
	if err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			s.metrics.IncIssueRejected(models.ReasonDuplicateAssetCertification)
			return nil, dErrors.WrapWithReason(err, dErrors.CodeConflict, models.ReasonDuplicateAssetCertification,
				"this asset already has a certificate")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue certificate")
	}

	s.metrics.IncIssued()
	s.logAudit(ctx, audit.EventCertificateIssued, cert.CertificateID,
		"actor_id", issuerID,
		"asset_id", cert.AssetID,
		"content_hash", cert.ContentHash,
	)

	if s.submitter != nil {
		s.submitter.Enqueue(cert.CertificateID, models.LedgerPrimary)
		if s.cfg.AnchorOnIssue {
			s.submitter.Enqueue(cert.CertificateID, models.LedgerAnchor)
		}
	}
	if s.artifacts != nil {
		s.artifacts.Schedule(cert.CertificateID)
	}
	return cert, nil
}

func (s *Service) Get(ctx context.Context, certID id.CertificateID) (*models.Certificate, error) {
	cert, err := s.store.FindByID(ctx, certID)
	if err != nil {
		return nil, lookupError(err)
	}
	return cert, nil
}

func (s *Service) ListByOwner(ctx context.Context, owner id.UserID, limit int) ([]*models.Certificate, error) {
	out, err := s.store.ListByOwner(ctx, owner, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list certificates")
	}
	return out, nil
}

func (s *Service) ListByIssuer(ctx context.Context, issuer id.UserID, limit int) ([]*models.Certificate, error) {
	out, err := s.store.ListByIssuer(ctx, issuer, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list certificates")
	}
	return out, nil
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]*models.Certificate, error) {
	out, err := s.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list certificates")
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return models.Stats{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute statistics")
	}
	return stats, nil
}

// Anchor submits the certificate to the anchor ledger now. Only the issuer
// may ask, and only while the anchor record is unsubmitted or failed.
func (s *Service) Anchor(ctx context.Context, certID id.CertificateID, actorID id.UserID) (*models.LedgerRecord, error) {
	return s.submit(ctx, certID, models.LedgerAnchor, actorID, "anchor", func(r *models.LedgerRecord) error {
		if r.Status == models.LedgerUnsubmitted || r.Status == models.LedgerFailed {
			return nil
		}
		return dErrors.NewWithReason(dErrors.CodeInvalidTransition, models.ReasonLedgerAlreadySubmitted,
			"the anchor ledger record is already "+string(r.Status))
	})
}

// Resubmit retries a failed ledger record with a new transaction.
func (s *Service) Resubmit(ctx context.Context, certID id.CertificateID, kind models.LedgerKind, actorID id.UserID) (*models.LedgerRecord, error) {
	return s.submit(ctx, certID, kind, actorID, "resubmit", func(r *models.LedgerRecord) error {
		if r.Status == models.LedgerFailed {
			return nil
		}
		return dErrors.NewWithReason(dErrors.CodeInvalidTransition, models.ReasonLedgerNotFailed,
			"only a failed ledger record can be resubmitted; it is "+string(r.Status))
	})
}

func (s *Service) submit(ctx context.Context, certID id.CertificateID, kind models.LedgerKind, actorID id.UserID, op string, check func(*models.LedgerRecord) error) (_ *models.LedgerRecord, err error) {
	ctx, span := s.tracer.Start(ctx, "certificate."+op, trace.WithAttributes(
		attribute.String("certificate_id", certID.String()),
		attribute.String("ledger", string(kind)),
	))
	defer func() { endSpan(span, err) }()

	if s.submitter == nil {
		return nil, dErrors.New(dErrors.CodeUnavailable, "ledger submission is not configured")
	}
	cert, err := s.store.FindByID(ctx, certID)
	if err != nil {
		return nil, lookupError(err)
	}
	if cert.IssuerID != actorID {
		return nil, dErrors.NewWithReason(dErrors.CodeForbidden, models.ReasonNotIssuer, "only the issuer can submit this certificate")
	}
	if err := check(cert.Ledger(kind)); err != nil {
		return nil, err
	}
	s.metrics.IncLedgerRequest(string(kind), op)
	return s.submitter.Submit(ctx, certID, kind)
}

func lookupError(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "certificate not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certificate")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		code := dErrors.CodeInternal
		if de, ok := dErrors.As(err); ok {
			code = de.Code
		}
		span.SetStatus(codes.Error, string(code))
	}
	span.End()
}

func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, certID id.CertificateID, attributes ...any) {
	attributes = append(attributes, "certificate_id", certID)
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
		ResourceType: audit.ResourceCertificate,
		ResourceID:   certID.String(),
		ActorID:      attrs.ExtractString(attributes, "actor_id"),
		Details:      attrs.ToMap(attributes, "actor_id", "request_id"),
	})
	if err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "event", string(event), "error", err)
	}
}
