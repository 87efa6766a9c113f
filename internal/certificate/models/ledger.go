package models

import (
	"fmt"
	"time"

	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/sentinel"
)

// LedgerKind names one of the two independent ledgers a certificate is
// anchored to.
type LedgerKind string

const (
	LedgerPrimary LedgerKind = "primary"
	LedgerAnchor  LedgerKind = "anchor"
)

// LedgerKinds lists both ledgers in reconciliation order.
var LedgerKinds = []LedgerKind{LedgerPrimary, LedgerAnchor}

func ParseLedgerKind(s string) (LedgerKind, error) {
	switch LedgerKind(s) {
	case LedgerPrimary, LedgerAnchor:
		return LedgerKind(s), nil
	}
	return "", dErrors.New(dErrors.CodeInvalidInput, "ledger must be primary or anchor")
}

// LedgerStatus is the verification state of one ledger record.
type LedgerStatus string

const (
	LedgerUnsubmitted LedgerStatus = "unsubmitted"
	LedgerPending     LedgerStatus = "pending"
	LedgerVerified    LedgerStatus = "verified"
	LedgerFailed      LedgerStatus = "failed"
)

// CanTransitionTo reports whether next is reachable from s.
//
//	unsubmitted -> pending | failed
//	pending     -> verified | failed
//	failed      -> pending          (resubmission, needs a new tx hash)
//	verified    -> (terminal)
//
// unsubmitted -> failed records a submission that exhausted its retries
// before any tx hash existed.
func (s LedgerStatus) CanTransitionTo(next LedgerStatus) bool {
	switch s {
	case LedgerUnsubmitted:
		return next == LedgerPending || next == LedgerFailed
	case LedgerPending:
		return next == LedgerVerified || next == LedgerFailed
	case LedgerFailed:
		return next == LedgerPending
	}
	return false
}

func (s LedgerStatus) IsTerminal() bool { return s == LedgerVerified }

// LedgerRecord is one ledger's view of a certificate.
type LedgerRecord struct {
	Network     string       `json:"network"`
	TxHash      string       `json:"tx_hash,omitempty"`
	BlockNumber *uint64      `json:"block_number,omitempty"`
	Status      LedgerStatus `json:"status"`
	// TokenID and ContractAddress are only set on the primary ledger.
	TokenID         string     `json:"token_id,omitempty"`
	ContractAddress string     `json:"contract_address,omitempty"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
}

// LedgerUpdate is a requested status change for one record.
type LedgerUpdate struct {
	Status          LedgerStatus
	TxHash          string
	BlockNumber     *uint64
	TokenID         string
	ContractAddress string
	Error           string
	At              time.Time
}

// Apply moves the record to u.Status. Replaying the current status with the
// same (or no) tx hash is a no-op and returns changed=false. Any other
// disallowed move wraps sentinel.ErrInvalidState.
func (r *LedgerRecord) Apply(u LedgerUpdate) (changed bool, err error) {
	if u.Status == r.Status {
		// A failed resubmission never produced a transaction, so it carries
		// no hash; it counts as another attempt.
		if u.Status == LedgerFailed && u.TxHash == "" && u.Error != "" {
			r.Attempts++
			r.LastError = u.Error
			return true, nil
		}
		if u.TxHash == "" || u.TxHash == r.TxHash {
			return false, nil
		}
		return false, invalid(r.Status, u.Status, "tx hash does not match the recorded transaction")
	}
	if !r.Status.CanTransitionTo(u.Status) {
		return false, invalid(r.Status, u.Status, "transition not allowed")
	}

	at := u.At
	switch u.Status {
	case LedgerPending:
		if u.TxHash == "" {
			return false, invalid(r.Status, u.Status, "submission requires a tx hash")
		}
		if r.Status == LedgerFailed && u.TxHash == r.TxHash {
			return false, invalid(r.Status, u.Status, "resubmission requires a new tx hash")
		}
		r.TxHash = u.TxHash
		r.BlockNumber = nil
		r.TokenID = ""
		r.ContractAddress = ""
		r.LastError = ""
		r.Attempts++
		r.SubmittedAt = &at
		r.ConfirmedAt = nil

	case LedgerVerified:
		if u.TxHash != "" && u.TxHash != r.TxHash {
			return false, invalid(r.Status, u.Status, "confirmation is for a different transaction")
		}
		r.BlockNumber = u.BlockNumber
		r.TokenID = u.TokenID
		r.ContractAddress = u.ContractAddress
		r.ConfirmedAt = &at

	case LedgerFailed:
		if r.Status == LedgerPending && u.TxHash != "" && u.TxHash != r.TxHash {
			return false, invalid(r.Status, u.Status, "failure is for a different transaction")
		}
		if r.Status == LedgerUnsubmitted {
			r.Attempts++
		}
		r.LastError = u.Error
	}

	r.Status = u.Status
	return true, nil
}

func invalid(from, to LedgerStatus, why string) error {
	return fmt.Errorf("%w: ledger %s -> %s: %s", sentinel.ErrInvalidState, from, to, why)
}
