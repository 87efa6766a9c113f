package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"certchain/internal/transfer/models"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/httputil"
	request "certchain/pkg/platform/middleware/request"
	"certchain/pkg/requestcontext"
)

type Service interface {
	InitiateTransfer(ctx context.Context, certID id.CertificateID, fromUserID, toUserID id.UserID, notes string) (*models.TransferRequest, error)
	AcceptTransfer(ctx context.Context, transferID id.TransferID, acceptingUserID id.UserID) (*models.TransferRequest, error)
	RejectTransfer(ctx context.Context, transferID id.TransferID, rejectingUserID id.UserID) (*models.TransferRequest, error)
	GetTransfer(ctx context.Context, transferID id.TransferID, viewerID id.UserID) (*models.TransferRequest, error)
	ListForCertificate(ctx context.Context, certID id.CertificateID) ([]*models.TransferRequest, error)
	ListIncoming(ctx context.Context, userID id.UserID) ([]*models.TransferRequest, error)
}

// Handler serves the transfer request endpoints. Every route needs an
// authenticated caller.
type Handler struct {
	service Service
	logger  *slog.Logger
	auth    func(http.Handler) http.Handler
	limit   func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithWriteLimiter rate limits transfer initiation per caller.
func WithWriteLimiter(limit func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.limit = limit }
}

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
		r.With(h.writeLimit).Post("/certificates/{id}/transfers", h.handleInitiate)
		r.Get("/certificates/{id}/transfers", h.handleListForCertificate)
		r.Get("/transfers/incoming", h.handleListIncoming)
		r.Get("/transfers/{id}", h.handleGet)
		r.Post("/transfers/{id}/accept", h.handleAccept)
		r.Post("/transfers/{id}/reject", h.handleReject)
	})
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	certID, err := id.ParseCertificateID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req InitiateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	to, err := req.Validate()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	transfer, err := h.service.InitiateTransfer(r.Context(), certID, userID, to, req.Notes)
	if err != nil {
		h.fail(w, r, "initiate transfer", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, transfer)
}

func (h *Handler) handleListForCertificate(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}
	certID, err := id.ParseCertificateID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	reqs, err := h.service.ListForCertificate(r.Context(), certID)
	if err != nil {
		h.fail(w, r, "list transfers", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toListResponse(reqs))
}

func (h *Handler) handleListIncoming(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	reqs, err := h.service.ListIncoming(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "list incoming transfers", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toListResponse(reqs))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, transferID, ok := h.transferRequest(w, r)
	if !ok {
		return
	}
	transfer, err := h.service.GetTransfer(r.Context(), transferID, userID)
	if err != nil {
		h.fail(w, r, "get transfer", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, transfer)
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	userID, transferID, ok := h.transferRequest(w, r)
	if !ok {
		return
	}
	transfer, err := h.service.AcceptTransfer(r.Context(), transferID, userID)
	if err != nil {
		h.fail(w, r, "accept transfer", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, transfer)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	userID, transferID, ok := h.transferRequest(w, r)
	if !ok {
		return
	}
	transfer, err := h.service.RejectTransfer(r.Context(), transferID, userID)
	if err != nil {
		h.fail(w, r, "reject transfer", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, transfer)
}

func (h *Handler) transferRequest(w http.ResponseWriter, r *http.Request) (id.UserID, id.TransferID, bool) {
	userID, ok := h.caller(w, r)
	if !ok {
		return userID, id.TransferID{}, false
	}
	transferID, err := id.ParseTransferID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return userID, transferID, false
	}
	return userID, transferID, true
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
		h.logger.InfoContext(ctx, op+" refused", "error", err, "request_id", request.GetRequestID(ctx))
	}
	httputil.WriteError(w, err)
}
