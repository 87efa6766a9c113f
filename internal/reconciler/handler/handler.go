// Package handler exposes the ledger callback and health endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"certchain/internal/certificate/models"
	"certchain/internal/reconciler"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/circuit"
	"certchain/pkg/platform/httputil"
	request "certchain/pkg/platform/middleware/request"
)

type ConfirmationHandler interface {
	HandleConfirmation(ctx context.Context, ev reconciler.ConfirmationEvent) (bool, error)
}

// BreakerReporter is satisfied by ledger.Guard.
type BreakerReporter interface {
	Network() string
	BreakerState() circuit.State
}

type Handler struct {
	confirmations ConfirmationHandler
	ledgers       map[models.LedgerKind]BreakerReporter
	logger        *slog.Logger
	callbackAuth  func(http.Handler) http.Handler
}

// New builds the handler. callbackAuth guards the confirmation callback;
// ledgers lists the guarded clients reported by the health endpoint.
func New(confirmations ConfirmationHandler, ledgers map[models.LedgerKind]BreakerReporter, logger *slog.Logger, callbackAuth func(http.Handler) http.Handler) *Handler {
	return &Handler{
		confirmations: confirmations,
		ledgers:       ledgers,
		logger:        logger,
		callbackAuth:  callbackAuth,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(request.ContentTypeJSON)
		if h.callbackAuth != nil {
			r.Use(h.callbackAuth)
		}
		r.Post("/ledger/confirmations", h.handleConfirmation)
	})
	r.With(request.ContentTypeJSON).Get("/ledgers/health", h.handleHealth)
}

func (h *Handler) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ConfirmationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	ev, err := req.toEvent()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	applied, err := h.confirmations.HandleConfirmation(ctx, ev)
	if err != nil {
		if de, ok := dErrors.As(err); !ok || de.Code == dErrors.CodeInternal {
			h.logger.ErrorContext(ctx, "failed to apply ledger confirmation", "error", err,
				"certificate_id", ev.CertificateID, "ledger", string(ev.Ledger), "request_id", request.GetRequestID(ctx))
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ConfirmationResponse{Applied: applied})
}

// handleHealth reports each ledger's circuit. An open circuit degrades the
// status but not the response code: issuance and transfers still work.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Ledgers: make([]LedgerHealth, 0, len(h.ledgers))}
	for _, kind := range models.LedgerKinds {
		g, ok := h.ledgers[kind]
		if !ok {
			continue
		}
		state := g.BreakerState()
		if state == circuit.StateOpen {
			resp.Status = "degraded"
		}
		resp.Ledgers = append(resp.Ledgers, LedgerHealth{Ledger: kind, Network: g.Network(), Circuit: state.String()})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
