package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
)

// Certificate is the aggregate root for one certificate of authenticity.
//
// Invariants:
//   - CertificateID, AssetID, IssuerID, ContentHash and CreatedAt never change
//   - OwnerID starts as IssuerID and changes only through an accepted transfer
//   - Primary and Anchor progress independently (see LedgerStatus)
//   - Version increments on every ownership change
//   - Certificates are never deleted
type Certificate struct {
	CertificateID     id.CertificateID `json:"certificate_id"`
	AssetID           id.AssetID       `json:"asset_id"`
	OwnerID           id.UserID        `json:"owner_id"`
	IssuerID          id.UserID        `json:"issuer_id"`
	ContentHash       string           `json:"content_hash"`
	Primary           LedgerRecord     `json:"primary_ledger"`
	Anchor            LedgerRecord     `json:"anchor_ledger"`
	Artifacts         Artifacts        `json:"artifacts"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	LastTransferredAt *time.Time       `json:"last_transferred_at,omitempty"`
}

// Artifacts are rendered asynchronously; each URI is nil until generated.
type Artifacts struct {
	PDFURI         *string `json:"pdf_uri,omitempty"`
	QRURI          *string `json:"qr_uri,omitempty"`
	SocialImageURI *string `json:"social_image_uri,omitempty"`
}

func (a Artifacts) Complete() bool {
	return a.PDFURI != nil && a.QRURI != nil && a.SocialImageURI != nil
}

// NewCertificate builds a freshly issued certificate owned by its issuer with
// both ledger records unsubmitted.
func NewCertificate(certID id.CertificateID, assetID id.AssetID, issuerID id.UserID, primaryNetwork, anchorNetwork string, now time.Time) (*Certificate, error) {
	if certID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "certificate id is required")
	}
	if assetID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "asset id is required")
	}
	if issuerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "issuer id is required")
	}
	now = now.UTC().Truncate(time.Microsecond)
	return &Certificate{
		CertificateID: certID,
		AssetID:       assetID,
		OwnerID:       issuerID,
		IssuerID:      issuerID,
		ContentHash:   ContentHash(certID, assetID, issuerID, now),
		Primary:       LedgerRecord{Network: primaryNetwork, Status: LedgerUnsubmitted},
		Anchor:        LedgerRecord{Network: anchorNetwork, Status: LedgerUnsubmitted},
		Version:       1,
		CreatedAt:     now,
	}, nil
}

// Ledger returns the record for kind.
func (c *Certificate) Ledger(kind LedgerKind) *LedgerRecord {
	if kind == LedgerAnchor {
		return &c.Anchor
	}
	return &c.Primary
}

func (c *Certificate) IsOwnedBy(userID id.UserID) bool {
	return c.OwnerID == userID
}

// CanReassign checks the ownership compare-and-swap precondition.
func (c *Certificate) CanReassign(expectedOwner, newOwner id.UserID) bool {
	return c.OwnerID == expectedOwner && newOwner != expectedOwner && !newOwner.IsNil()
}

// ApplyReassignment moves ownership. Call CanReassign first.
func (c *Certificate) ApplyReassignment(newOwner id.UserID, now time.Time) {
	c.OwnerID = newOwner
	c.Version++
	t := now
	c.LastTransferredAt = &t
}

// Clone returns a deep copy so stores can hand out values callers may mutate.
func (c *Certificate) Clone() *Certificate {
	out := *c
	out.Primary = cloneRecord(c.Primary)
	out.Anchor = cloneRecord(c.Anchor)
	out.Artifacts = Artifacts{
		PDFURI:         cloneString(c.Artifacts.PDFURI),
		QRURI:          cloneString(c.Artifacts.QRURI),
		SocialImageURI: cloneString(c.Artifacts.SocialImageURI),
	}
	if c.LastTransferredAt != nil {
		t := *c.LastTransferredAt
		out.LastTransferredAt = &t
	}
	return &out
}

func cloneRecord(r LedgerRecord) LedgerRecord {
	out := r
	if r.BlockNumber != nil {
		b := *r.BlockNumber
		out.BlockNumber = &b
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		out.SubmittedAt = &t
	}
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		out.ConfirmedAt = &t
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// contentFields is marshalled with a fixed field order, which makes the
// encoding canonical.
type contentFields struct {
	AssetID       string `json:"asset_id"`
	CertificateID string `json:"certificate_id"`
	CreatedAt     string `json:"created_at"`
	IssuerID      string `json:"issuer_id"`
}

// ContentHash is the hex SHA-256 of the certificate's immutable fields. It is
// what gets written to both ledgers.
func ContentHash(certID id.CertificateID, assetID id.AssetID, issuerID id.UserID, createdAt time.Time) string {
	b, _ := json.Marshal(contentFields{
		AssetID:       string(assetID),
		CertificateID: string(certID),
		CreatedAt:     createdAt.UTC().Format(time.RFC3339Nano),
		IssuerID:      issuerID.String(),
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Stats summarizes the certificate population.
type Stats struct {
	Total           int `json:"total"`
	PrimaryVerified int `json:"primary_verified"`
	AnchorVerified  int `json:"anchor_verified"`
	Pending         int `json:"pending"`
	Failed          int `json:"failed"`
}

// Reasons carried by certificate domain errors.
const (
	ReasonDuplicateAssetCertification = "duplicate_asset_certification"
	ReasonNotIssuer                   = "not_issuer"
	ReasonLedgerNotFailed             = "ledger_not_failed"
	ReasonLedgerAlreadySubmitted      = "ledger_already_submitted"
)
