package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is the full database schema.
const schema = `
CREATE TABLE IF NOT EXISTS certificates (
    certificate_id        TEXT PRIMARY KEY,
    asset_id              TEXT NOT NULL,
    owner_id              UUID NOT NULL,
    issuer_id             UUID NOT NULL,
    content_hash          TEXT NOT NULL,
    version               BIGINT NOT NULL DEFAULT 1,
    created_at            TIMESTAMPTZ NOT NULL,
    last_transferred_at   TIMESTAMPTZ,

    primary_network       TEXT NOT NULL,
    primary_status        TEXT NOT NULL CHECK (primary_status IN ('unsubmitted', 'pending', 'verified', 'failed')),
    primary_tx_hash       TEXT NOT NULL DEFAULT '',
    primary_block_number  BIGINT,
    primary_token_id      TEXT NOT NULL DEFAULT '',
    primary_contract      TEXT NOT NULL DEFAULT '',
    primary_attempts      INTEGER NOT NULL DEFAULT 0,
    primary_last_error    TEXT NOT NULL DEFAULT '',
    primary_submitted_at  TIMESTAMPTZ,
    primary_confirmed_at  TIMESTAMPTZ,

    anchor_network        TEXT NOT NULL,
    anchor_status         TEXT NOT NULL CHECK (anchor_status IN ('unsubmitted', 'pending', 'verified', 'failed')),
    anchor_tx_hash        TEXT NOT NULL DEFAULT '',
    anchor_block_number   BIGINT,
    anchor_attempts       INTEGER NOT NULL DEFAULT 0,
    anchor_last_error     TEXT NOT NULL DEFAULT '',
    anchor_submitted_at   TIMESTAMPTZ,
    anchor_confirmed_at   TIMESTAMPTZ,

    pdf_uri               TEXT,
    qr_uri                TEXT,
    social_image_uri      TEXT
);

CREATE INDEX IF NOT EXISTS idx_certificates_owner ON certificates(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_certificates_issuer ON certificates(issuer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_certificates_created ON certificates(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_certificates_primary_open
    ON certificates(primary_status, primary_submitted_at) WHERE primary_status IN ('unsubmitted', 'pending');
CREATE INDEX IF NOT EXISTS idx_certificates_anchor_open
    ON certificates(anchor_status, anchor_submitted_at) WHERE anchor_status IN ('unsubmitted', 'pending');

CREATE TABLE IF NOT EXISTS asset_certifications (
    asset_id        TEXT PRIMARY KEY,
    certificate_id  TEXT NOT NULL REFERENCES certificates(certificate_id)
);

CREATE TABLE IF NOT EXISTS transfer_requests (
    id              UUID PRIMARY KEY,
    certificate_id  TEXT NOT NULL REFERENCES certificates(certificate_id),
    from_user_id    UUID NOT NULL,
    to_user_id      UUID NOT NULL CHECK (to_user_id <> from_user_id),
    status          TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'rejected')),
    resolution      TEXT NOT NULL DEFAULT '',
    notes           TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    resolved_at     TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transfer_requests_one_pending
    ON transfer_requests(certificate_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_transfer_requests_certificate
    ON transfer_requests(certificate_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transfer_requests_recipient_pending
    ON transfer_requests(to_user_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS audit_events (
    id             UUID PRIMARY KEY,
    category       TEXT NOT NULL,
    action         TEXT NOT NULL,
    resource_type  TEXT NOT NULL,
    resource_id    TEXT NOT NULL,
    actor_id       TEXT NOT NULL DEFAULT '',
    timestamp      TIMESTAMPTZ NOT NULL,
    details        JSONB,
    request_id     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_events_resource ON audit_events(resource_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC);
`

// Index names referenced by stores when mapping unique violations.
const (
	IndexOnePendingTransfer = "idx_transfer_requests_one_pending"
	ConstraintAssetPKey     = "asset_certifications_pkey"
	ConstraintCertPKey      = "certificates_pkey"
)

// migrations are applied in order after schema creation. Each must be
// idempotent. Append new migrations at the end.
var migrations = []string{}

// Migrate runs the schema and migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("running schema: %w", err)
	}
	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
	}
	return nil
}
