// Package store persists certificates. Both implementations return sentinel
// errors; the service layer translates them into domain errors.
package store

import "certchain/internal/certificate/models"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Option configures a certificate store.
type Option func(*options)

type options struct {
	uniqueAssets bool
}

// WithUniqueAssets toggles the one-certificate-per-asset rule. It is on by
// default.
func WithUniqueAssets(enabled bool) Option {
	return func(o *options) { o.uniqueAssets = enabled }
}

func buildOptions(opts []Option) options {
	o := options{uniqueAssets: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func countStats(stats *models.Stats, c *models.Certificate) {
	stats.Total++
	if c.Primary.Status == models.LedgerVerified {
		stats.PrimaryVerified++
	}
	if c.Anchor.Status == models.LedgerVerified {
		stats.AnchorVerified++
	}
	if c.Primary.Status == models.LedgerPending || c.Anchor.Status == models.LedgerPending {
		stats.Pending++
	}
	if c.Primary.Status == models.LedgerFailed || c.Anchor.Status == models.LedgerFailed {
		stats.Failed++
	}
}
