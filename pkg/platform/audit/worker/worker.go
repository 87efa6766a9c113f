package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	audit "certchain/pkg/platform/audit"
)

// Worker drains audit events from a channel and persists them with bounded
// retry. A failed event is logged and dropped; the worker keeps going.
type Worker struct {
	store       audit.Store
	inbox       <-chan audit.Event
	logger      *slog.Logger
	retryWindow time.Duration
	onPersisted func()
	onDropped   func()
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithRetryWindow bounds the total time spent retrying one event.
func WithRetryWindow(d time.Duration) Option {
	return func(w *Worker) { w.retryWindow = d }
}

// WithHooks registers callbacks for persisted and dropped events.
func WithHooks(persisted, dropped func()) Option {
	return func(w *Worker) {
		w.onPersisted = persisted
		w.onDropped = dropped
	}
}

func NewWorker(store audit.Store, inbox <-chan audit.Event, opts ...Option) *Worker {
	w := &Worker{
		store:       store,
		inbox:       inbox,
		logger:      slog.Default(),
		retryWindow: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run persists events until the inbox is closed. Cancelling ctx stops
// retries early but the remaining events still get one attempt each.
func (w *Worker) Run(ctx context.Context) {
	for event := range w.inbox {
		w.persist(ctx, event)
	}
}

func (w *Worker) persist(ctx context.Context, event audit.Event) {
	attempt := func() error {
		return w.store.Append(context.WithoutCancel(ctx), event)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = w.retryWindow

	err := backoff.Retry(attempt, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			err = attempt()
		}
	}
	if err != nil {
		w.logger.Error("audit event dropped after retries",
			"action", event.Action,
			"resource_id", event.ResourceID,
			"error", err,
		)
		if w.onDropped != nil {
			w.onDropped()
		}
		return
	}
	if w.onPersisted != nil {
		w.onPersisted()
	}
}
