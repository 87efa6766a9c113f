package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"certchain/internal/certificate/models"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/audit"
	"certchain/pkg/platform/audit/publisher"
	"certchain/pkg/platform/httputil"
	request "certchain/pkg/platform/middleware/request"
	"certchain/pkg/requestcontext"
)

type Service interface {
	Issue(ctx context.Context, assetID id.AssetID, issuerID id.UserID) (*models.Certificate, error)
	Get(ctx context.Context, certID id.CertificateID) (*models.Certificate, error)
	ListByOwner(ctx context.Context, owner id.UserID, limit int) ([]*models.Certificate, error)
	ListByIssuer(ctx context.Context, issuer id.UserID, limit int) ([]*models.Certificate, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Certificate, error)
	Stats(ctx context.Context) (models.Stats, error)
	Anchor(ctx context.Context, certID id.CertificateID, actorID id.UserID) (*models.LedgerRecord, error)
	Resubmit(ctx context.Context, certID id.CertificateID, kind models.LedgerKind, actorID id.UserID) (*models.LedgerRecord, error)
}

// AuditTrail reads back the events recorded for a certificate.
type AuditTrail interface {
	List(ctx context.Context, resourceID string) ([]audit.Event, error)
}

// Handler serves the authenticated certificate endpoints.
type Handler struct {
	service Service
	trail   AuditTrail
	logger  *slog.Logger
	auth    func(http.Handler) http.Handler
	limit   func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithAuditTrail enables GET /certificates/{id}/audit.
func WithAuditTrail(trail AuditTrail) Option {
	return func(h *Handler) { h.trail = trail }
}

// WithWriteLimiter rate limits issuance. It runs after auth so it can key
// on the caller.
func WithWriteLimiter(limit func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.limit = limit }
}

// New builds the handler. auth is the middleware that authenticates the
// caller and puts the user id in the request context.
func New(service Service, logger *slog.Logger, auth func(http.Handler) http.Handler, opts ...Option) *Handler {
	h := &Handler{service: service, logger: logger, auth: auth}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(request.ContentTypeJSON)
		if h.auth != nil {
			r.Use(h.auth)
		}
		r.With(h.writeLimit).Post("/certificates", h.handleIssue)
		r.Get("/certificates", h.handleList)
		r.Get("/certificates/stats", h.handleStats)
		r.Get("/certificates/{id}", h.handleGet)
		r.Post("/certificates/{id}/anchor", h.handleAnchor)
		r.Post("/certificates/{id}/ledgers/{ledger}/resubmit", h.handleResubmit)
		if h.trail != nil {
			r.Get("/certificates/{id}/audit", h.handleAuditTrail)
		}
	})
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req IssueRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	assetID, err := req.Validate()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	cert, err := h.service.Issue(ctx, assetID, userID)
	if err != nil {
		h.fail(w, r, "issue certificate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toCertificateResponse(cert))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	q, err := parseListQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var certs []*models.Certificate
	switch q.kind {
	case listIssued:
		certs, err = h.service.ListByIssuer(ctx, userID, q.limit)
	case listRecent:
		certs, err = h.service.ListRecent(ctx, q.limit)
	default:
		certs, err = h.service.ListByOwner(ctx, userID, q.limit)
	}
	if err != nil {
		h.fail(w, r, "list certificates", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toListResponse(certs))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "certificate stats", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	certID, err := id.ParseCertificateID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	cert, err := h.service.Get(r.Context(), certID)
	if err != nil {
		h.fail(w, r, "get certificate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toCertificateResponse(cert))
}

func (h *Handler) handleAnchor(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	certID, err := id.ParseCertificateID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.service.Anchor(r.Context(), certID, userID)
	if err != nil {
		h.fail(w, r, "anchor certificate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, LedgerResponse{CertificateID: certID, Ledger: models.LedgerAnchor, Record: *record})
}

func (h *Handler) handleResubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	certID, err := id.ParseCertificateID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	kind, err := models.ParseLedgerKind(chi.URLParam(r, "ledger"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.service.Resubmit(r.Context(), certID, kind, userID)
	if err != nil {
		h.fail(w, r, "resubmit certificate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, LedgerResponse{CertificateID: certID, Ledger: kind, Record: *record})
}

// handleAuditTrail is limited to the current owner and the issuer.
func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	certID, err := id.ParseCertificateID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	cert, err := h.service.Get(ctx, certID)
	if err != nil {
		h.fail(w, r, "get certificate", err)
		return
	}
	if cert.OwnerID != userID && cert.IssuerID != userID {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "only the owner or issuer can read the audit trail"))
		return
	}

	events, err := h.trail.List(ctx, certID.String())
	if err != nil {
		if errors.Is(err, publisher.ErrReadUnsupported) {
			err = dErrors.Wrap(err, dErrors.CodeUnavailable, "the audit trail is not readable from this sink")
		}
		h.fail(w, r, "read audit trail", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditResponse(certID, events))
}

func (h *Handler) writeLimit(next http.Handler) http.Handler {
	if h.limit == nil {
		return next
	}
	return h.limit(next)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID := requestcontext.UserID(r.Context())
	if userID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return userID, false
	}
	return userID, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	if de, ok := dErrors.As(err); !ok || de.Code == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "failed to "+op, "error", err, "request_id", request.GetRequestID(ctx))
	} else {
		h.logger.WarnContext(ctx, op+" refused", "error", err, "request_id", request.GetRequestID(ctx))
	}
	httputil.WriteError(w, err)
}
