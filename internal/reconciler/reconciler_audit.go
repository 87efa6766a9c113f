package reconciler

import (
	"context"
	"log/slog"

	"certchain/internal/certificate/models"
	"certchain/pkg/attrs"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/audit"
	"certchain/pkg/requestcontext"
)

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// auditor is shared by the submitter and the reconciler.
type auditor struct {
	logger    *slog.Logger
	publisher AuditPublisher
}

func statusEvent(status models.LedgerStatus) (audit.AuditEvent, bool) {
	switch status {
	case models.LedgerPending:
		return audit.EventLedgerPending, true
	case models.LedgerVerified:
		return audit.EventLedgerVerified, true
	case models.LedgerFailed:
		return audit.EventLedgerFailed, true
	}
	return "", false
}

func (a auditor) logAudit(ctx context.Context, event audit.AuditEvent, certID id.CertificateID, kind models.LedgerKind, attributes ...any) {
	attributes = append(attributes, "certificate_id", certID, "ledger", string(kind))
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", string(event), "log_type", "audit")
	if a.logger != nil {
		a.logger.InfoContext(ctx, string(event), args...)
	}
	if a.publisher == nil {
		return
	}
	err := a.publisher.Emit(ctx, audit.Event{
		Action:       string(event),
		ResourceType: audit.ResourceCertificate,
		ResourceID:   certID.String(),
		ActorID:      attrs.ExtractString(attributes, "actor_id"),
		Details:      attrs.ToMap(attributes, "actor_id", "request_id"),
	})
	if err != nil && a.logger != nil {
		a.logger.WarnContext(ctx, "audit emit failed", "event", string(event), "error", err)
	}
}

func (a auditor) warn(ctx context.Context, msg string, args ...any) {
	if a.logger != nil {
		a.logger.WarnContext(ctx, msg, args...)
	}
}

func (a auditor) debug(ctx context.Context, msg string, args ...any) {
	if a.logger != nil {
		a.logger.DebugContext(ctx, msg, args...)
	}
}
