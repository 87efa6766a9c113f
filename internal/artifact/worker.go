package artifact

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"certchain/internal/certificate/models"
	"certchain/pkg/attrs"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/audit"
	"certchain/pkg/platform/sentinel"
)

type CertificateStore interface {
	FindByID(ctx context.Context, certID id.CertificateID) (*models.Certificate, error)
	SetArtifacts(ctx context.Context, certID id.CertificateID, artifacts models.Artifacts) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Worker renders artifacts in the background. Scheduling never blocks the
// caller and a failed render never affects the certificate.
type Worker struct {
	certs       CertificateStore
	generator   Generator
	queue       chan id.CertificateID
	workers     int
	retryWindow time.Duration
	logger      *slog.Logger
	publisher   AuditPublisher
}

type Option func(*Worker)

func WithWorkers(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan id.CertificateID, n)
		}
	}
}

func WithRetryWindow(d time.Duration) Option {
	return func(w *Worker) { w.retryWindow = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(w *Worker) { w.publisher = p }
}

func NewWorker(certs CertificateStore, generator Generator, opts ...Option) *Worker {
	w := &Worker{
		certs:       certs,
		generator:   generator,
		queue:       make(chan id.CertificateID, 256),
		workers:     2,
		retryWindow: 30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Schedule queues certID for rendering. It returns false if the queue is full.
func (w *Worker) Schedule(certID id.CertificateID) bool {
	select {
	case w.queue <- certID:
		return true
	default:
		w.logger.Warn("artifact queue full, dropping render", "certificate_id", certID)
		return false
	}
}

// Run renders queued certificates with the configured number of workers
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range w.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case certID := <-w.queue:
					if err := w.Render(ctx, certID); err != nil && ctx.Err() == nil {
						w.logger.Warn("artifact render failed", "certificate_id", certID, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Render generates and stores artifacts for one certificate, retrying
// transient generator or store failures within the retry window.
func (w *Worker) Render(ctx context.Context, certID id.CertificateID) error {
	var generated models.Artifacts
	attempt := func() error {
		cert, err := w.certs.FindByID(ctx, certID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		generated, err = w.generator.Generate(ctx, cert)
		if err != nil {
			return err
		}
		return w.certs.SetArtifacts(ctx, certID, generated)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = w.retryWindow
	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		return err
	}
	w.logAudit(ctx, certID, generated)
	return nil
}

func (w *Worker) logAudit(ctx context.Context, certID id.CertificateID, a models.Artifacts) {
	attributes := []any{"certificate_id", certID}
	if a.PDFURI != nil {
		attributes = append(attributes, "pdf_uri", *a.PDFURI)
	}
	w.logger.InfoContext(ctx, string(audit.EventArtifactsGenerated), append(attributes, "event", string(audit.EventArtifactsGenerated), "log_type", "audit")...)
	if w.publisher == nil {
		return
	}
	err := w.publisher.Emit(ctx, audit.Event{
		Action:       string(audit.EventArtifactsGenerated),
		ResourceType: audit.ResourceCertificate,
		ResourceID:   certID.String(),
		Details:      attrs.ToMap(attributes),
	})
	if err != nil {
		w.logger.WarnContext(ctx, "audit emit failed", "event", string(audit.EventArtifactsGenerated), "error", err)
	}
}
