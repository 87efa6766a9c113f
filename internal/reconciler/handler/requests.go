package handler

import (
	"strings"

	"certchain/internal/certificate/models"
	"certchain/internal/reconciler"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
)

// ConfirmationRequest is the body an indexer posts when a transaction
// settles.
type ConfirmationRequest struct {
	CertificateID   string  `json:"certificate_id"`
	Ledger          string  `json:"ledger"`
	TxHash          string  `json:"tx_hash"`
	Status          string  `json:"status"`
	BlockNumber     *uint64 `json:"block_number,omitempty"`
	TokenID         string  `json:"token_id,omitempty"`
	ContractAddress string  `json:"contract_address,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func (r *ConfirmationRequest) toEvent() (reconciler.ConfirmationEvent, error) {
	certID, err := id.ParseCertificateID(r.CertificateID)
	if err != nil {
		return reconciler.ConfirmationEvent{}, err
	}
	kind, err := models.ParseLedgerKind(r.Ledger)
	if err != nil {
		return reconciler.ConfirmationEvent{}, err
	}
	status := models.LedgerStatus(strings.ToLower(strings.TrimSpace(r.Status)))
	if status != models.LedgerVerified && status != models.LedgerFailed {
		return reconciler.ConfirmationEvent{}, dErrors.New(dErrors.CodeValidation, "status must be verified or failed")
	}
	return reconciler.ConfirmationEvent{
		CertificateID:   certID,
		Ledger:          kind,
		TxHash:          strings.TrimSpace(r.TxHash),
		Status:          status,
		BlockNumber:     r.BlockNumber,
		TokenID:         r.TokenID,
		ContractAddress: r.ContractAddress,
		Error:           r.Error,
	}, nil
}

type ConfirmationResponse struct {
	Applied bool `json:"applied"`
}

type LedgerHealth struct {
	Ledger  models.LedgerKind `json:"ledger"`
	Network string            `json:"network"`
	Circuit string            `json:"circuit"`
}

type HealthResponse struct {
	Status  string         `json:"status"`
	Ledgers []LedgerHealth `json:"ledgers"`
}
