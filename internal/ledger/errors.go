package ledger

import (
	"errors"
	"fmt"
)

// Category classifies ledger failures for retry and reporting decisions.
type Category string

const (
	CategoryTimeout     Category = "timeout"
	CategoryUnavailable Category = "unavailable"
	CategoryRateLimited Category = "rate_limited"
	// CategoryRejected means the network refused the transaction itself.
	// Resending the same payload will not help.
	CategoryRejected    Category = "rejected"
	CategoryNotFound    Category = "not_found"
	CategoryCircuitOpen Category = "circuit_open"
	CategoryInternal    Category = "internal"
)

// Error is returned by every Client implementation.
type Error struct {
	Network   string
	Op        string
	Category  Category
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger %s %s: %s", e.Network, e.Op, e.Category)
	}
	return fmt.Sprintf("ledger %s %s: %s: %v", e.Network, e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError derives Retryable from the category.
func NewError(network, op string, category Category, err error) *Error {
	return &Error{
		Network:   network,
		Op:        op,
		Category:  category,
		Retryable: isRetryableCategory(category),
		Err:       err,
	}
}

func isRetryableCategory(c Category) bool {
	switch c {
	case CategoryTimeout, CategoryUnavailable, CategoryRateLimited:
		return true
	}
	return false
}

func AsError(err error) (*Error, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// IsRetryable reports whether err is a ledger error worth retrying.
func IsRetryable(err error) bool {
	le, ok := AsError(err)
	return ok && le.Retryable
}

func HasCategory(err error, c Category) bool {
	le, ok := AsError(err)
	return ok && le.Category == c
}
