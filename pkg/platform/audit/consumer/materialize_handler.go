package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"certchain/internal/platform/kafka/consumer"
	id "certchain/pkg/domain"
	audit "certchain/pkg/platform/audit"
	kafkastore "certchain/pkg/platform/audit/store/kafka"
)

// Materializer is implemented by the postgres audit store.
type Materializer interface {
	AppendWithID(ctx context.Context, eventID uuid.UUID, event audit.Event) error
}

// MaterializeHandler writes streamed events into the queryable audit table.
// Writes are idempotent on the event id, so redelivery is safe.
type MaterializeHandler struct {
	store        Materializer
	logger       *slog.Logger
	requireActor bool
}

// HandlerOption configures a MaterializeHandler.
type HandlerOption func(*MaterializeHandler)

// RequireActor drops events that carry no actor. Used for ownership topics
// where every event is a user action.
func RequireActor() HandlerOption {
	return func(h *MaterializeHandler) { h.requireActor = true }
}

func NewMaterializeHandler(store Materializer, logger *slog.Logger, opts ...HandlerOption) *MaterializeHandler {
	h := &MaterializeHandler{store: store, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *MaterializeHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	eventID, err := uuid.Parse(string(msg.Key))
	if err != nil {
		h.logger.Error("failed to parse audit event ID",
			"key", string(msg.Key),
			"topic", msg.Topic,
			"error", err,
		)
		return nil
	}

	var payload kafkastore.Payload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		h.logger.Error("failed to unmarshal audit payload",
			"event_id", eventID,
			"error", err,
		)
		return nil
	}
	if h.requireActor && payload.ActorID == "" {
		h.logger.Error("ownership audit event missing actor",
			"event_id", eventID,
			"action", payload.Action,
		)
		return nil
	}

	event := audit.Event{
		ID:           id.AuditID(eventID),
		Category:     audit.EventCategory(payload.Category),
		Action:       payload.Action,
		ResourceType: payload.ResourceType,
		ResourceID:   payload.ResourceID,
		ActorID:      payload.ActorID,
		Details:      payload.Details,
		RequestID:    payload.RequestID,
		Timestamp:    msg.Timestamp,
	}
	if ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err == nil {
		event.Timestamp = ts
	}

	if err := h.store.AppendWithID(ctx, eventID, event); err != nil {
		return fmt.Errorf("materialize audit event: %w", err)
	}

	h.logger.Debug("materialized audit event",
		"event_id", eventID,
		"action", event.Action,
		"resource_id", event.ResourceID,
	)
	return nil
}
