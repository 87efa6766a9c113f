// Package publisher is the fire-and-forget front of the audit trail.
//
// In async mode Emit never blocks: events go to a bounded buffer drained by a
// worker that retries transient store failures. A full buffer drops the event
// and reports ErrBufferFull so the caller can log it; the caller's operation
// is never rolled back because of audit.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "certchain/pkg/domain"
	audit "certchain/pkg/platform/audit"
	"certchain/pkg/platform/audit/worker"
	"certchain/pkg/requestcontext"
)

// ErrBufferFull is returned when the async buffer cannot accept an event.
var ErrBufferFull = errors.New("audit buffer full")

// ErrReadUnsupported is returned by List when the store cannot be read back.
var ErrReadUnsupported = errors.New("audit store does not support reads")

type Publisher struct {
	store       audit.Store
	logger      *slog.Logger
	metrics     *Metrics
	bufferSize  int
	retryWindow time.Duration

	mu     sync.RWMutex
	closed bool
	buffer chan audit.Event
	done   chan struct{}
	cancel context.CancelFunc
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithAsyncBuffer enables async mode with a buffer of n events.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) { p.bufferSize = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithRetryWindow bounds how long the async worker retries one event.
func WithRetryWindow(d time.Duration) Option {
	return func(p *Publisher) { p.retryWindow = d }
}

// NewPublisher creates a publisher. Without WithAsyncBuffer it writes synchronously.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:       store,
		logger:      slog.Default(),
		retryWindow: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bufferSize > 0 {
		p.buffer = make(chan audit.Event, p.bufferSize)
		p.done = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel

		w := worker.NewWorker(store, p.buffer,
			worker.WithLogger(p.logger),
			worker.WithRetryWindow(p.retryWindow),
			worker.WithHooks(p.persisted, p.dropped),
		)
		go func() {
			defer close(p.done)
			w.Run(ctx)
		}()
	}
	return p
}

func (p *Publisher) persisted() {
	if p.metrics != nil {
		p.metrics.IncPersisted()
	}
}

func (p *Publisher) dropped() {
	if p.metrics != nil {
		p.metrics.IncPersistFailures()
	}
}

// Emit records an event. Missing id, timestamp, category and request id are
// filled in from ctx.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.ID == (id.AuditID{}) {
		event.ID = id.NewAuditID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}

	if p.buffer == nil {
		if err := p.store.Append(ctx, event); err != nil {
			return err
		}
		p.persisted()
		if p.metrics != nil {
			p.metrics.IncEmitted()
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrBufferFull
	}
	select {
	case p.buffer <- event:
		if p.metrics != nil {
			p.metrics.IncEmitted()
		}
		return nil
	default:
		if p.metrics != nil {
			p.metrics.IncBufferDropped()
		}
		p.logger.WarnContext(ctx, "audit buffer full, dropping event",
			"action", event.Action,
			"resource_id", event.ResourceID,
		)
		return ErrBufferFull
	}
}

// List reads back events for a resource when the store supports it.
func (p *Publisher) List(ctx context.Context, resourceID string) ([]audit.Event, error) {
	r, ok := p.store.(audit.Reader)
	if !ok {
		return nil, ErrReadUnsupported
	}
	return r.ListByResource(ctx, resourceID)
}

// Close stops accepting events and waits for the buffer to drain.
func (p *Publisher) Close() error {
	if p.buffer == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.buffer)
	p.mu.Unlock()

	<-p.done
	p.cancel()
	return nil
}
