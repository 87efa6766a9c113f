package models

import (
	"fmt"
	"strings"
	"time"

	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/sentinel"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Resolution records why a request left pending.
type Resolution string

const (
	ResolutionNone              Resolution = ""
	ResolutionRecipientAccepted Resolution = "recipient_accepted"
	ResolutionRecipientRejected Resolution = "recipient_rejected"
	// ResolutionStale marks an acceptance that lost the ownership race: the
	// sender no longer owned the certificate when the recipient accepted.
	ResolutionStale Resolution = "stale"
)

const maxNotesLength = 1000

// TransferRequest asks the recipient to take ownership of a certificate.
//
// Invariants:
//   - FromUserID owned the certificate when the request was created
//   - ToUserID != FromUserID
//   - Status leaves pending exactly once; the request is immutable afterwards
//   - ResolvedAt is set iff Status != pending
type TransferRequest struct {
	ID            id.TransferID    `json:"id"`
	CertificateID id.CertificateID `json:"certificate_id"`
	FromUserID    id.UserID        `json:"from_user_id"`
	ToUserID      id.UserID        `json:"to_user_id"`
	Status        Status           `json:"status"`
	Resolution    Resolution       `json:"resolution,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// NewTransferRequest builds a pending request. Ownership of from is checked
// by the caller against the store.
func NewTransferRequest(certID id.CertificateID, from, to id.UserID, notes string, now time.Time) (*TransferRequest, error) {
	if certID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "certificate id is required")
	}
	if from.IsNil() || to.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "sender and recipient are required")
	}
	if from == to {
		return nil, dErrors.NewWithReason(dErrors.CodeValidation, ReasonSelfTransfer, "cannot transfer a certificate to its current owner")
	}
	notes = strings.TrimSpace(notes)
	if len(notes) > maxNotesLength {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("notes must be at most %d characters", maxNotesLength))
	}
	return &TransferRequest{
		ID:            id.NewTransferID(),
		CertificateID: certID,
		FromUserID:    from,
		ToUserID:      to,
		Status:        StatusPending,
		Notes:         notes,
		CreatedAt:     now.UTC().Truncate(time.Microsecond),
	}, nil
}

func (t *TransferRequest) IsPending() bool { return t.Status == StatusPending }

func (t *TransferRequest) IsRecipient(userID id.UserID) bool { return t.ToUserID == userID }

// CanResolve reports whether (status, resolution) is a legal terminal state.
func CanResolve(status Status, resolution Resolution) bool {
	switch status {
	case StatusAccepted:
		return resolution == ResolutionRecipientAccepted
	case StatusRejected:
		return resolution == ResolutionRecipientRejected || resolution == ResolutionStale
	}
	return false
}

// Resolve moves a pending request to its terminal state.
func (t *TransferRequest) Resolve(status Status, resolution Resolution, now time.Time) error {
	if !t.IsPending() {
		return fmt.Errorf("%w: transfer %s is %s", sentinel.ErrInvalidState, t.ID, t.Status)
	}
	if !CanResolve(status, resolution) {
		return fmt.Errorf("%w: cannot resolve as %s/%s", sentinel.ErrInvalidState, status, resolution)
	}
	t.Status = status
	t.Resolution = resolution
	at := now.UTC().Truncate(time.Microsecond)
	t.ResolvedAt = &at
	return nil
}

// Reasons attached to transfer domain errors.
const (
	ReasonSelfTransfer           = "self_transfer"
	ReasonNotOwner               = "not_owner"
	ReasonNotRecipient           = "not_recipient"
	ReasonNotPending             = "not_pending"
	ReasonTransferAlreadyPending = "transfer_already_pending"
	ReasonStaleTransfer          = "stale_transfer"
)
