// Package verification serves the public, read-only view of a certificate:
// who owns it, how far each ledger has got, and where its artifacts are.
package verification

import (
	"context"
	"errors"
	"strings"
	"time"

	"certchain/internal/certificate/models"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/sentinel"
)

// OverallState summarises both ledger records for display. The individual
// records are always returned alongside it.
type OverallState string

const (
	StateUnverified        OverallState = "unverified"
	StatePartiallyVerified OverallState = "partially_verified"
	StateVerified          OverallState = "verified"
	StateDegraded          OverallState = "degraded"
)

// Overall derives the summary state. Any failed record makes the
// certificate degraded; it stays valid, only its anchoring is incomplete.
func Overall(primary, anchor models.LedgerStatus) OverallState {
	switch {
	case primary == models.LedgerFailed || anchor == models.LedgerFailed:
		return StateDegraded
	case primary == models.LedgerVerified && anchor == models.LedgerVerified:
		return StateVerified
	case primary == models.LedgerVerified || anchor == models.LedgerVerified:
		return StatePartiallyVerified
	}
	return StateUnverified
}

type Party struct {
	DisplayName string `json:"display_name,omitempty"`
	MaskedID    string `json:"masked_id"`
}

type View struct {
	CertificateID id.CertificateID    `json:"certificate_id"`
	AssetID       id.AssetID          `json:"asset_id"`
	Owner         Party               `json:"owner"`
	Issuer        Party               `json:"issuer"`
	ContentHash   string              `json:"content_hash"`
	IssuedAt      time.Time           `json:"issued_at"`
	Primary       models.LedgerRecord `json:"primary_ledger"`
	Anchor        models.LedgerRecord `json:"anchor_ledger"`
	Artifacts     models.Artifacts    `json:"artifacts"`
	OverallState  OverallState        `json:"overall_state"`
	VerifyURL     string              `json:"verify_url,omitempty"`
	CheckedAt     time.Time           `json:"checked_at"`
}

type Store interface {
	FindByID(ctx context.Context, certID id.CertificateID) (*models.Certificate, error)
}

// IdentityDirectory resolves user ids to display names.
type IdentityDirectory interface {
	DisplayName(ctx context.Context, userID id.UserID) (string, error)
}

type URLBuilder interface {
	VerifyURL(certID id.CertificateID) string
}

type Reader struct {
	store     Store
	directory IdentityDirectory
	urls      URLBuilder
	now       func() time.Time
}

type Option func(*Reader)

func WithIdentityDirectory(d IdentityDirectory) Option {
	return func(r *Reader) { r.directory = d }
}

func WithURLBuilder(u URLBuilder) Option {
	return func(r *Reader) { r.urls = u }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reader) { r.now = now }
}

func NewReader(store Store, opts ...Option) *Reader {
	r := &Reader{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Verify reads the certificate as it is now. Nothing is cached.
func (r *Reader) Verify(ctx context.Context, certID id.CertificateID) (*View, error) {
	cert, err := r.store.FindByID(ctx, certID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "certificate not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certificate")
	}

	view := &View{
		CertificateID: cert.CertificateID,
		AssetID:       cert.AssetID,
		Owner:         r.party(ctx, cert.OwnerID),
		Issuer:        r.party(ctx, cert.IssuerID),
		ContentHash:   cert.ContentHash,
		IssuedAt:      cert.CreatedAt,
		Primary:       cert.Primary,
		Anchor:        cert.Anchor,
		Artifacts:     cert.Artifacts,
		OverallState:  Overall(cert.Primary.Status, cert.Anchor.Status),
		CheckedAt:     r.now().UTC(),
	}
	if r.urls != nil {
		view.VerifyURL = r.urls.VerifyURL(cert.CertificateID)
	}
	return view, nil
}

// party never fails the read: a directory outage degrades to the masked id.
func (r *Reader) party(ctx context.Context, userID id.UserID) Party {
	p := Party{MaskedID: MaskID(userID)}
	if r.directory != nil {
		if name, err := r.directory.DisplayName(ctx, userID); err == nil {
			p.DisplayName = name
		}
	}
	return p
}

// MaskID keeps the first and last four hex digits of a user id.
func MaskID(userID id.UserID) string {
	s := strings.ReplaceAll(userID.String(), "-", "")
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
