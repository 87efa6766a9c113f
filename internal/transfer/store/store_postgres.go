package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"certchain/internal/platform/postgres"
	"certchain/internal/transfer/models"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/sentinel"
	txcontext "certchain/pkg/platform/tx"
)

// PostgresStore persists transfer requests. At most one pending request per
// certificate is enforced by idx_transfer_requests_one_pending.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transferColumns = `id, certificate_id, from_user_id, to_user_id, status, resolution, notes, created_at, resolved_at`

func (s *PostgresStore) CreatePending(ctx context.Context, req *models.TransferRequest) error {
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO transfer_requests (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)`,
		uuid.UUID(req.ID), req.CertificateID.String(), req.FromUserID.String(), req.ToUserID.String(),
		string(models.StatusPending), string(models.ResolutionNone), req.Notes, req.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, postgres.IndexOnePendingTransfer) {
			return fmt.Errorf("pending transfer for %s: %w", req.CertificateID, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("insert transfer request: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, transferID id.TransferID) (*models.TransferRequest, error) {
	return s.findOne(ctx, `SELECT `+transferColumns+` FROM transfer_requests WHERE id = $1`, uuid.UUID(transferID))
}

func (s *PostgresStore) FindByIDForUpdate(ctx context.Context, transferID id.TransferID) (*models.TransferRequest, error) {
	return s.findOne(ctx, `SELECT `+transferColumns+` FROM transfer_requests WHERE id = $1 FOR UPDATE`, uuid.UUID(transferID))
}

func (s *PostgresStore) FindPendingByCertificate(ctx context.Context, certID id.CertificateID) (*models.TransferRequest, error) {
	return s.findOne(ctx, `SELECT `+transferColumns+` FROM transfer_requests
		WHERE certificate_id = $1 AND status = 'pending'`, certID.String())
}

func (s *PostgresStore) ListByCertificate(ctx context.Context, certID id.CertificateID) ([]*models.TransferRequest, error) {
	return s.query(ctx, `SELECT `+transferColumns+` FROM transfer_requests
		WHERE certificate_id = $1 ORDER BY created_at ASC`, certID.String())
}

func (s *PostgresStore) ListPendingForRecipient(ctx context.Context, userID id.UserID) ([]*models.TransferRequest, error) {
	return s.query(ctx, `SELECT `+transferColumns+` FROM transfer_requests
		WHERE to_user_id = $1 AND status = 'pending' ORDER BY created_at ASC`, userID.String())
}

// Resolve only touches pending rows; a resolved or missing row is reported
// as ErrInvalidState or ErrNotFound respectively.
func (s *PostgresStore) Resolve(ctx context.Context, transferID id.TransferID, status models.Status, resolution models.Resolution, now time.Time) error {
	if !models.CanResolve(status, resolution) {
		return fmt.Errorf("%w: cannot resolve as %s/%s", sentinel.ErrInvalidState, status, resolution)
	}
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, `
		UPDATE transfer_requests
		SET status = $2, resolution = $3, resolved_at = $4
		WHERE id = $1 AND status = 'pending'`,
		uuid.UUID(transferID), string(status), string(resolution), now.UTC().Truncate(time.Microsecond))
	if err != nil {
		return fmt.Errorf("resolve transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve transfer rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	current, err := s.FindByID(ctx, transferID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: transfer %s is %s", sentinel.ErrInvalidState, transferID, current.Status)
}

func (s *PostgresStore) findOne(ctx context.Context, query string, args ...any) (*models.TransferRequest, error) {
	row := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, args...)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find transfer request: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.TransferRequest, error) {
	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfer requests: %w", err)
	}
	defer rows.Close()
	var out []*models.TransferRequest
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer request: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer requests: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*models.TransferRequest, error) {
	var (
		t                    models.TransferRequest
		transferID, from, to uuid.UUID
		certID               string
		status, resolution   string
		resolvedAt           sql.NullTime
	)
	if err := row.Scan(&transferID, &certID, &from, &to, &status, &resolution, &t.Notes, &t.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	t.ID = id.TransferID(transferID)
	t.CertificateID = id.CertificateID(certID)
	t.FromUserID = id.UserID(from)
	t.ToUserID = id.UserID(to)
	t.Status = models.Status(status)
	t.Resolution = models.Resolution(resolution)
	t.CreatedAt = t.CreatedAt.UTC()
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		t.ResolvedAt = &at
	}
	return &t, nil
}
