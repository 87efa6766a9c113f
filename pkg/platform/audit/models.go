package audit

import (
	"context"
	"time"

	id "certchain/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose so stores
// and downstream consumers can route and retain them differently.
type EventCategory string

const (
	// CategoryOwnership covers events that change or attempt to change who
	// owns a certificate. These are the provenance trail and are kept forever.
	CategoryOwnership EventCategory = "ownership"

	// CategoryLedger covers anchoring progress on the external ledgers.
	CategoryLedger EventCategory = "ledger"

	// CategoryOperations covers everything else (artifact rendering, resubmits).
	CategoryOperations EventCategory = "operations"
)

// Resource types recorded on events.
const (
	ResourceCertificate = "certificate"
	ResourceTransfer    = "certificate_transfer"
)

// Event is one append-only audit record. Keep it transport-agnostic so
// stores and sinks can fan out.
type Event struct {
	ID           id.AuditID
	Category     EventCategory
	Action       string
	ResourceType string
	ResourceID   string
	ActorID      string
	Timestamp    time.Time
	// Details holds action specific fields (ledger, tx_hash, from, to...).
	Details map[string]string
	// RequestID is the correlation id from the HTTP request context.
	RequestID string
}

type AuditEvent string

const (
	EventCertificateIssued   AuditEvent = "certificate.issued"
	EventLedgerPending       AuditEvent = "certificate.ledger_pending"
	EventLedgerVerified      AuditEvent = "certificate.ledger_verified"
	EventLedgerFailed        AuditEvent = "certificate.ledger_failed"
	EventLedgerResubmitted   AuditEvent = "certificate.ledger_resubmitted"
	EventArtifactsGenerated  AuditEvent = "certificate.artifacts_generated"
	EventTransferInitiated   AuditEvent = "certificate_transfer.initiated"
	EventTransferAccepted    AuditEvent = "certificate_transfer.accepted"
	EventTransferRejected    AuditEvent = "certificate_transfer.rejected"
	EventTransferStale       AuditEvent = "certificate_transfer.stale"
	EventOwnershipReassigned AuditEvent = "certificate.ownership_reassigned"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventCertificateIssued:   CategoryOwnership,
	EventTransferInitiated:   CategoryOwnership,
	EventTransferAccepted:    CategoryOwnership,
	EventTransferRejected:    CategoryOwnership,
	EventTransferStale:       CategoryOwnership,
	EventOwnershipReassigned: CategoryOwnership,

	EventLedgerPending:     CategoryLedger,
	EventLedgerVerified:    CategoryLedger,
	EventLedgerFailed:      CategoryLedger,
	EventLedgerResubmitted: CategoryLedger,

	EventArtifactsGenerated: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events. Implementations must be append-only.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Reader lists the persisted trail of one resource, oldest first.
type Reader interface {
	ListByResource(ctx context.Context, resourceID string) ([]Event, error)
}
