package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and ledger adapters return
// these (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: entity does not exist in store
//   - ErrConflict: compare-and-swap precondition no longer holds, or a generated id is taken
//   - ErrAlreadyUsed: a uniqueness slot is taken (pending transfer, certified asset)
//   - ErrInvalidState: entity in wrong state for requested operation
//   - ErrUnavailable: dependency temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
