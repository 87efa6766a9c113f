package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"certchain/internal/certificate/models"
	"certchain/internal/platform/postgres"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/sentinel"
	txcontext "certchain/pkg/platform/tx"
)

// PostgresStore persists certificates in PostgreSQL. Ledger records are
// flattened into primary_* and anchor_* columns.
type PostgresStore struct {
	db   *sql.DB
	tx   *postgres.TxRunner
	opts options
}

func NewPostgres(db *sql.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{
		db:   db,
		tx:   postgres.NewTxRunner(db, 0),
		opts: buildOptions(opts),
	}
}

const certificateColumns = `
	certificate_id, asset_id, owner_id, issuer_id, content_hash, version, created_at, last_transferred_at,
	primary_network, primary_status, primary_tx_hash, primary_block_number, primary_token_id, primary_contract,
	primary_attempts, primary_last_error, primary_submitted_at, primary_confirmed_at,
	anchor_network, anchor_status, anchor_tx_hash, anchor_block_number,
	anchor_attempts, anchor_last_error, anchor_submitted_at, anchor_confirmed_at,
	pdf_uri, qr_uri, social_image_uri`

func (s *PostgresStore) Issue(ctx context.Context, cert *models.Certificate) error {
	insert := `
		INSERT INTO certificates (
			certificate_id, asset_id, owner_id, issuer_id, content_hash, version, created_at,
			primary_network, primary_status, anchor_network, anchor_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	args := []any{
		cert.CertificateID.String(), string(cert.AssetID), cert.OwnerID.String(), cert.IssuerID.String(),
		cert.ContentHash, cert.Version, cert.CreatedAt,
		cert.Primary.Network, string(cert.Primary.Status), cert.Anchor.Network, string(cert.Anchor.Status),
	}
	if s.opts.uniqueAssets {
		// One statement so a duplicate asset leaves no orphaned certificate row.
		insert = `
			WITH cert AS (` + insert + ` RETURNING certificate_id, asset_id)
			INSERT INTO asset_certifications (asset_id, certificate_id)
			SELECT asset_id, certificate_id FROM cert`
	}

	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, insert, args...)
	if err != nil {
		if postgres.IsUniqueViolation(err, postgres.ConstraintAssetPKey) {
			return fmt.Errorf("asset %s already certified: %w", cert.AssetID, sentinel.ErrAlreadyUsed)
		}
		if postgres.IsUniqueViolation(err, postgres.ConstraintCertPKey) {
			return fmt.Errorf("certificate id %s taken: %w", cert.CertificateID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, certID id.CertificateID) (*models.Certificate, error) {
	return s.find(ctx, certID, "")
}

// FindByIDForUpdate locks the row until the surrounding transaction ends.
// Outside a transaction the lock is released immediately.
func (s *PostgresStore) FindByIDForUpdate(ctx context.Context, certID id.CertificateID) (*models.Certificate, error) {
	return s.find(ctx, certID, " FOR UPDATE")
}

func (s *PostgresStore) find(ctx context.Context, certID id.CertificateID, suffix string) (*models.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE certificate_id = $1` + suffix
	row := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, certID.String())
	cert, err := scanCertificate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find certificate: %w", err)
	}
	return cert, nil
}

// UpdateLedgerStatus locks the row, applies the transition in Go and writes
// the record back, all in one transaction.
func (s *PostgresStore) UpdateLedgerStatus(ctx context.Context, certID id.CertificateID, kind models.LedgerKind, update models.LedgerUpdate) (bool, error) {
	var changed bool
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cert, err := s.FindByIDForUpdate(ctx, certID)
		if err != nil {
			return err
		}
		if kind == models.LedgerAnchor {
			update.TokenID = ""
			update.ContractAddress = ""
		}
		record := cert.Ledger(kind)
		changed, err = record.Apply(update)
		if err != nil || !changed {
			return err
		}
		return s.writeLedger(ctx, certID, kind, record)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *PostgresStore) writeLedger(ctx context.Context, certID id.CertificateID, kind models.LedgerKind, r *models.LedgerRecord) error {
	var query string
	var args []any
	if kind == models.LedgerAnchor {
		query = `
			UPDATE certificates SET
				anchor_status = $2, anchor_tx_hash = $3, anchor_block_number = $4,
				anchor_attempts = $5, anchor_last_error = $6, anchor_submitted_at = $7, anchor_confirmed_at = $8
			WHERE certificate_id = $1`
		args = []any{certID.String(), string(r.Status), r.TxHash, nullBlock(r.BlockNumber),
			r.Attempts, r.LastError, nullTime(r.SubmittedAt), nullTime(r.ConfirmedAt)}
	} else {
		query = `
			UPDATE certificates SET
				primary_status = $2, primary_tx_hash = $3, primary_block_number = $4,
				primary_attempts = $5, primary_last_error = $6, primary_submitted_at = $7, primary_confirmed_at = $8,
				primary_token_id = $9, primary_contract = $10
			WHERE certificate_id = $1`
		args = []any{certID.String(), string(r.Status), r.TxHash, nullBlock(r.BlockNumber),
			r.Attempts, r.LastError, nullTime(r.SubmittedAt), nullTime(r.ConfirmedAt),
			r.TokenID, r.ContractAddress}
	}
	if _, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update %s ledger: %w", kind, err)
	}
	return nil
}

// SetOwner is a compare-and-swap on (certificate_id, owner_id).
func (s *PostgresStore) SetOwner(ctx context.Context, certID id.CertificateID, newOwner, expectedOwner id.UserID, now time.Time) error {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `
		UPDATE certificates
		SET owner_id = $2, version = version + 1, last_transferred_at = $4
		WHERE certificate_id = $1 AND owner_id = $3 AND $2 <> $3`,
		certID.String(), newOwner.String(), expectedOwner.String(), now)
	if err != nil {
		return fmt.Errorf("set owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set owner rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.FindByID(ctx, certID); err != nil {
		return err
	}
	return fmt.Errorf("owner of %s is no longer %s: %w", certID, expectedOwner, sentinel.ErrConflict)
}

func (s *PostgresStore) SetArtifacts(ctx context.Context, certID id.CertificateID, a models.Artifacts) error {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `
		UPDATE certificates
		SET pdf_uri = COALESCE($2, pdf_uri),
		    qr_uri = COALESCE($3, qr_uri),
		    social_image_uri = COALESCE($4, social_image_uri)
		WHERE certificate_id = $1`,
		certID.String(), nullString(a.PDFURI), nullString(a.QRURI), nullString(a.SocialImageURI))
	if err != nil {
		return fmt.Errorf("set artifacts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner id.UserID, limit int) ([]*models.Certificate, error) {
	return s.query(ctx, `SELECT `+certificateColumns+` FROM certificates
		WHERE owner_id = $1 ORDER BY created_at DESC, certificate_id DESC LIMIT $2`,
		owner.String(), clampLimit(limit))
}

func (s *PostgresStore) ListByIssuer(ctx context.Context, issuer id.UserID, limit int) ([]*models.Certificate, error) {
	return s.query(ctx, `SELECT `+certificateColumns+` FROM certificates
		WHERE issuer_id = $1 ORDER BY created_at DESC, certificate_id DESC LIMIT $2`,
		issuer.String(), clampLimit(limit))
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*models.Certificate, error) {
	return s.query(ctx, `SELECT `+certificateColumns+` FROM certificates
		ORDER BY created_at DESC, certificate_id DESC LIMIT $1`, clampLimit(limit))
}

func (s *PostgresStore) ListByLedgerStatus(ctx context.Context, kind models.LedgerKind, status models.LedgerStatus, limit int) ([]*models.Certificate, error) {
	column := "primary_status"
	if kind == models.LedgerAnchor {
		column = "anchor_status"
	}
	return s.query(ctx, `SELECT `+certificateColumns+` FROM certificates
		WHERE `+column+` = $1 ORDER BY created_at ASC LIMIT $2`, string(status), clampLimit(limit))
}

func (s *PostgresStore) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE primary_status = 'verified'),
			COUNT(*) FILTER (WHERE anchor_status = 'verified'),
			COUNT(*) FILTER (WHERE primary_status = 'pending' OR anchor_status = 'pending'),
			COUNT(*) FILTER (WHERE primary_status = 'failed' OR anchor_status = 'failed')
		FROM certificates`).Scan(&st.Total, &st.PrimaryVerified, &st.AnchorVerified, &st.Pending, &st.Failed)
	if err != nil {
		return models.Stats{}, fmt.Errorf("certificate stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.Certificate, error) {
	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	var out []*models.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row rowScanner) (*models.Certificate, error) {
	var (
		c                                  models.Certificate
		certID, assetID                    string
		ownerID, issuerID                  uuid.UUID
		lastTransferred                    sql.NullTime
		primaryStatus, anchorStatus        string
		primaryBlock, anchorBlock          sql.NullInt64
		primarySubmitted, primaryConfirmed sql.NullTime
		anchorSubmitted, anchorConfirmed   sql.NullTime
		pdfURI, qrURI, socialURI           sql.NullString
	)
	err := row.Scan(
		&certID, &assetID, &ownerID, &issuerID, &c.ContentHash, &c.Version, &c.CreatedAt, &lastTransferred,
		&c.Primary.Network, &primaryStatus, &c.Primary.TxHash, &primaryBlock, &c.Primary.TokenID, &c.Primary.ContractAddress,
		&c.Primary.Attempts, &c.Primary.LastError, &primarySubmitted, &primaryConfirmed,
		&c.Anchor.Network, &anchorStatus, &c.Anchor.TxHash, &anchorBlock,
		&c.Anchor.Attempts, &c.Anchor.LastError, &anchorSubmitted, &anchorConfirmed,
		&pdfURI, &qrURI, &socialURI,
	)
	if err != nil {
		return nil, err
	}
	c.CertificateID = id.CertificateID(certID)
	c.AssetID = id.AssetID(assetID)
	c.OwnerID = id.UserID(ownerID)
	c.IssuerID = id.UserID(issuerID)
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastTransferredAt = timePtr(lastTransferred)
	c.Primary.Status = models.LedgerStatus(primaryStatus)
	c.Primary.BlockNumber = blockPtr(primaryBlock)
	c.Primary.SubmittedAt = timePtr(primarySubmitted)
	c.Primary.ConfirmedAt = timePtr(primaryConfirmed)
	c.Anchor.Status = models.LedgerStatus(anchorStatus)
	c.Anchor.BlockNumber = blockPtr(anchorBlock)
	c.Anchor.SubmittedAt = timePtr(anchorSubmitted)
	c.Anchor.ConfirmedAt = timePtr(anchorConfirmed)
	c.Artifacts = models.Artifacts{
		PDFURI:         stringPtr(pdfURI),
		QRURI:          stringPtr(qrURI),
		SocialImageURI: stringPtr(socialURI),
	}
	return &c, nil
}

func nullBlock(b *uint64) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*b), Valid: true} //nolint:gosec // block heights fit in int64
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func blockPtr(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64) //nolint:gosec // stored from a uint64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
