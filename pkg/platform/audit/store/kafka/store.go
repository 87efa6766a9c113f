// Package kafka streams audit events to one topic per category. The audit
// consumer materializes them into Postgres for querying.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	id "certchain/pkg/domain"
	audit "certchain/pkg/platform/audit"
)

// Producer is the subset of *kgo.Client the store needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Payload is the wire format shared with the consumer.
type Payload struct {
	ID           string            `json:"id"`
	Category     string            `json:"category"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	ActorID      string            `json:"actor_id,omitempty"`
	Timestamp    string            `json:"timestamp"`
	Details      map[string]string `json:"details,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
}

// TopicFor returns the topic for a category under prefix.
func TopicFor(prefix string, category audit.EventCategory) string {
	return prefix + "." + string(category)
}

// Topics lists every topic the store can write to.
func Topics(prefix string) []string {
	return []string{
		TopicFor(prefix, audit.CategoryOwnership),
		TopicFor(prefix, audit.CategoryLedger),
		TopicFor(prefix, audit.CategoryOperations),
	}
}

type Store struct {
	producer Producer
	prefix   string
}

func New(producer Producer, topicPrefix string) *Store {
	return &Store{producer: producer, prefix: topicPrefix}
}

// Append produces the event keyed by its id. Records for one resource are not
// guaranteed to share a partition; the consumer orders by timestamp.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == (id.AuditID{}) {
		event.ID = id.NewAuditID()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}

	value, err := json.Marshal(Encode(event))
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	rec := &kgo.Record{
		Topic: TopicFor(s.prefix, event.Category),
		Key:   []byte(event.ID.String()),
		Value: value,
	}
	if err := s.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Encode converts an event to its wire payload.
func Encode(e audit.Event) Payload {
	return Payload{
		ID:           e.ID.String(),
		Category:     string(e.Category),
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		ActorID:      e.ActorID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Details:      e.Details,
		RequestID:    e.RequestID,
	}
}
