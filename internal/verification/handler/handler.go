// Package handler serves the public verification page data.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"certchain/internal/verification"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/httputil"
	request "certchain/pkg/platform/middleware/request"
)

type Reader interface {
	Verify(ctx context.Context, certID id.CertificateID) (*verification.View, error)
}

type Handler struct {
	reader  Reader
	logger  *slog.Logger
	limiter func(http.Handler) http.Handler
}

// New builds the handler. limiter, when set, guards the public route.
func New(reader Reader, logger *slog.Logger, limiter func(http.Handler) http.Handler) *Handler {
	return &Handler{reader: reader, logger: logger, limiter: limiter}
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(request.ContentTypeJSON)
		if h.limiter != nil {
			r.Use(h.limiter)
		}
		r.Get("/verify/{id}", h.handleVerify)
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	certID, err := id.ParseCertificateID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	view, err := h.reader.Verify(ctx, certID)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.logger.ErrorContext(ctx, "failed to verify certificate", "error", err,
				"certificate_id", certID, "request_id", request.GetRequestID(ctx))
		}
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, view)
}
