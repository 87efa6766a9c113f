package handler

import (
	"time"

	"certchain/internal/certificate/models"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/audit"
)

type CertificateResponse struct {
	CertificateID     id.CertificateID    `json:"certificate_id"`
	AssetID           id.AssetID          `json:"asset_id"`
	OwnerID           id.UserID           `json:"owner_id"`
	IssuerID          id.UserID           `json:"issuer_id"`
	ContentHash       string              `json:"content_hash"`
	PrimaryLedger     models.LedgerRecord `json:"primary_ledger"`
	AnchorLedger      models.LedgerRecord `json:"anchor_ledger"`
	Artifacts         models.Artifacts    `json:"artifacts"`
	CreatedAt         time.Time           `json:"created_at"`
	LastTransferredAt *time.Time          `json:"last_transferred_at,omitempty"`
}

func toCertificateResponse(c *models.Certificate) CertificateResponse {
	return CertificateResponse{
		CertificateID:     c.CertificateID,
		AssetID:           c.AssetID,
		OwnerID:           c.OwnerID,
		IssuerID:          c.IssuerID,
		ContentHash:       c.ContentHash,
		PrimaryLedger:     c.Primary,
		AnchorLedger:      c.Anchor,
		Artifacts:         c.Artifacts,
		CreatedAt:         c.CreatedAt,
		LastTransferredAt: c.LastTransferredAt,
	}
}

type ListResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
}

func toListResponse(certs []*models.Certificate) ListResponse {
	out := ListResponse{Certificates: make([]CertificateResponse, 0, len(certs))}
	for _, c := range certs {
		out.Certificates = append(out.Certificates, toCertificateResponse(c))
	}
	return out
}

type LedgerResponse struct {
	CertificateID id.CertificateID    `json:"certificate_id"`
	Ledger        models.LedgerKind   `json:"ledger"`
	Record        models.LedgerRecord `json:"record"`
}

type AuditEntry struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	ActorID   string            `json:"actor_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

type AuditResponse struct {
	CertificateID id.CertificateID `json:"certificate_id"`
	Events        []AuditEntry     `json:"events"`
}

func toAuditResponse(certID id.CertificateID, events []audit.Event) AuditResponse {
	out := AuditResponse{CertificateID: certID, Events: make([]AuditEntry, 0, len(events))}
	for _, e := range events {
		out.Events = append(out.Events, AuditEntry{
			ID:        e.ID.String(),
			Action:    e.Action,
			ActorID:   e.ActorID,
			Timestamp: e.Timestamp,
			Details:   e.Details,
		})
	}
	return out
}
