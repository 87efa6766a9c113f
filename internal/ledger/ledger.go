// Package ledger is the boundary to the external append-only networks that
// certificates are anchored to. Implementations live in subpackages.
package ledger

import (
	"context"
	"time"

	id "certchain/pkg/domain"
)

// Payload is what gets written to a ledger for one certificate.
type Payload struct {
	CertificateID id.CertificateID
	AssetID       id.AssetID
	OwnerID       id.UserID
	// ContentHash is the hex SHA-256 of the certificate's immutable fields.
	ContentHash string
}

// Submission acknowledges that a transaction was accepted into the network's
// mempool. It says nothing about inclusion.
type Submission struct {
	TxHash      string
	SubmittedAt time.Time
}

type ConfirmationState string

const (
	ConfirmationPending   ConfirmationState = "pending"
	ConfirmationConfirmed ConfirmationState = "confirmed"
	ConfirmationReverted  ConfirmationState = "reverted"
)

// Confirmation is a point-in-time view of a submitted transaction.
type Confirmation struct {
	TxHash      string
	State       ConfirmationState
	BlockNumber uint64
	// Depth is the number of blocks on top of BlockNumber, inclusive.
	Depth           uint64
	TokenID         string
	ContractAddress string
	Reason          string
}

//go:generate mockgen -source=ledger.go -destination=mocks/ledger-mocks.go -package=mocks Client

// Client talks to one network. Calls must honour ctx cancellation and return
// *Error for network failures.
type Client interface {
	Network() string
	Submit(ctx context.Context, payload Payload) (*Submission, error)
	GetConfirmation(ctx context.Context, txHash string) (*Confirmation, error)
}
