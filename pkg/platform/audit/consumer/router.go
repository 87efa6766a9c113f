package consumer

import (
	"context"
	"log/slog"

	"certchain/internal/platform/kafka/consumer"
)

type TopicHandler interface {
	Handle(ctx context.Context, msg *consumer.Message) error
}

// Router picks a handler by topic. Topics without one go to the fallback,
// or are skipped and committed when there is none.
type Router struct {
	byTopic  map[string]TopicHandler
	fallback TopicHandler
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger, fallback TopicHandler) *Router {
	return &Router{byTopic: map[string]TopicHandler{}, fallback: fallback, logger: logger}
}

func (r *Router) Register(topic string, h TopicHandler) {
	r.byTopic[topic] = h
}

func (r *Router) Handle(ctx context.Context, msg *consumer.Message) error {
	if h, ok := r.byTopic[msg.Topic]; ok {
		return h.Handle(ctx, msg)
	}
	if r.fallback != nil {
		return r.fallback.Handle(ctx, msg)
	}
	r.logger.WarnContext(ctx, "skipping audit record from unrouted topic",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
	)
	return nil
}
