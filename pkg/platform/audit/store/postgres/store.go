package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	id "certchain/pkg/domain"
	audit "certchain/pkg/platform/audit"
	txcontext "certchain/pkg/platform/tx"
)

// Store implements audit.Store on the audit_events table. Inserts are
// idempotent on the event id so replays from the Kafka consumer are harmless.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) execer(ctx context.Context) txcontext.DBTX {
	return txcontext.Executor(ctx, s.db)
}

// Append writes an event, assigning an id when the caller did not.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == (id.AuditID{}) {
		event.ID = id.NewAuditID()
	}
	return s.AppendWithID(ctx, uuid.UUID(event.ID), event)
}

// AppendWithID inserts an audit event with a specific ID.
// Duplicate inserts are ignored via ON CONFLICT DO NOTHING.
func (s *Store) AppendWithID(ctx context.Context, eventID uuid.UUID, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			id, category, action, resource_type, resource_id,
			actor_id, timestamp, details, request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		eventID,
		string(category),
		event.Action,
		event.ResourceType,
		event.ResourceID,
		event.ActorID,
		event.Timestamp,
		details,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, category, action, resource_type, resource_id,
		   actor_id, timestamp, details, request_id
	FROM audit_events
`

// ListByResource returns the trail for one certificate or transfer, oldest first.
func (s *Store) ListByResource(ctx context.Context, resourceID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE resource_id = $1
		ORDER BY timestamp ASC, id ASC
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			eventID  uuid.UUID
			category string
			details  []byte
			event    audit.Event
		)
		err := rows.Scan(
			&eventID,
			&category,
			&event.Action,
			&event.ResourceType,
			&event.ResourceID,
			&event.ActorID,
			&event.Timestamp,
			&details,
			&event.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.ID = id.AuditID(eventID)
		event.Category = audit.EventCategory(category)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
