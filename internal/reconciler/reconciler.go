// Package reconciler drives certificate ledger records from submission to a
// final status. Each ledger is worked independently: a slow or failing
// network never holds back the other one.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"certchain/internal/certificate/models"
	"certchain/internal/ledger"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/sentinel"
)

const (
	defaultInterval    = 15 * time.Second
	defaultBatchSize   = 100
	defaultConcurrency = 4
)

// Target describes how one ledger is reconciled.
type Target struct {
	Kind   models.LedgerKind
	Client ledger.Client
	// Confirmations is the depth at which a transaction counts as final.
	Confirmations uint64
	// ConfirmDeadline fails records still unconfirmed this long after
	// submission. Zero disables the deadline.
	ConfirmDeadline time.Duration
	// SubmitUnsubmitted makes the sweep submit records nobody submitted yet.
	SubmitUnsubmitted bool
}

// ArtifactScheduler is told when a certificate's primary record is verified.
type ArtifactScheduler interface {
	Schedule(certID id.CertificateID) bool
}

// ConfirmationEvent is a push notification from a chain indexer. Status is
// either verified or failed.
type ConfirmationEvent struct {
	CertificateID   id.CertificateID
	Ledger          models.LedgerKind
	TxHash          string
	Status          models.LedgerStatus
	BlockNumber     *uint64
	TokenID         string
	ContractAddress string
	Error           string
}

type Reconciler struct {
	certs       CertificateStore
	submitter   *Submitter
	locker      Locker
	targets     []Target
	interval    time.Duration
	batchSize   int
	concurrency int
	leaseTTL    time.Duration
	artifacts   ArtifactScheduler
	metrics     *Metrics
	tracer      trace.Tracer
	now         func() time.Time
	auditor
}

type Option func(*Reconciler)

func WithTarget(t Target) Option {
	return func(r *Reconciler) { r.targets = append(r.targets, t) }
}

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithReconcileLeaseTTL(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.leaseTTL = d
		}
	}
}

func WithArtifactScheduler(a ArtifactScheduler) Option {
	return func(r *Reconciler) { r.artifacts = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(r *Reconciler) { r.publisher = publisher }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(certs CertificateStore, submitter *Submitter, locker Locker, opts ...Option) *Reconciler {
	r := &Reconciler{
		certs:       certs,
		submitter:   submitter,
		locker:      locker,
		interval:    defaultInterval,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		leaseTTL:    defaultLeaseTTL,
		tracer:      otel.Tracer("certchain/reconciler"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locker == nil {
		r.locker = NewLocalLocker()
	}
	return r
}

// Run starts one sweep loop per target and blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range r.targets {
		g.Go(func() error {
			return r.loop(ctx, t)
		})
	}
	return g.Wait()
}

func (r *Reconciler) loop(ctx context.Context, t Target) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.sweep(ctx, t); err != nil && ctx.Err() == nil {
			r.warn(ctx, "reconcile sweep failed", "ledger", string(t.Kind), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one reconciliation pass for the given ledger.
func (r *Reconciler) Sweep(ctx context.Context, kind models.LedgerKind) error {
	for _, t := range r.targets {
		if t.Kind == kind {
			return r.sweep(ctx, t)
		}
	}
	return dErrors.NewWithReason(dErrors.CodeBadRequest, ReasonLedgerNotConfigured, "ledger "+string(kind)+" is not configured")
}

func (r *Reconciler) sweep(ctx context.Context, t Target) error {
	defer r.metrics.observeSweep(string(t.Kind), time.Now())
	ctx, span := r.tracer.Start(ctx, "reconciler.Sweep", trace.WithAttributes(
		attribute.String("ledger", string(t.Kind)),
	))
	defer span.End()

	pending, err := r.certs.ListByLedgerStatus(ctx, t.Kind, models.LedgerPending, r.batchSize)
	if err != nil {
		return fmt.Errorf("list pending %s records: %w", t.Kind, err)
	}
	span.SetAttributes(attribute.Int("pending", len(pending)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, cert := range pending {
		g.Go(func() error {
			r.reconcile(gctx, t, cert.CertificateID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !t.SubmitUnsubmitted || r.submitter == nil {
		return nil
	}
	unsubmitted, err := r.certs.ListByLedgerStatus(ctx, t.Kind, models.LedgerUnsubmitted, r.batchSize)
	if err != nil {
		return fmt.Errorf("list unsubmitted %s records: %w", t.Kind, err)
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, cert := range unsubmitted {
		g.Go(func() error {
			if _, err := r.submitter.Submit(gctx, cert.CertificateID, t.Kind); err != nil && !dErrors.HasReason(err, ReasonLedgerBusy) {
				r.debug(gctx, "sweep submission failed", "certificate_id", cert.CertificateID, "ledger", string(t.Kind), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// reconcile polls the ledger for one pending record and applies the outcome.
func (r *Reconciler) reconcile(ctx context.Context, t Target, certID id.CertificateID) {
	release, ok, err := r.locker.Acquire(ctx, leaseKey(t.Kind, certID), r.leaseTTL)
	if err != nil {
		r.warn(ctx, "lease acquire failed", "certificate_id", certID, "ledger", string(t.Kind), "error", err)
		return
	}
	if !ok {
		r.metrics.leaseSkipped(string(t.Kind))
		return
	}
	defer release()

	// Re-read under the lease; another replica may have moved it already.
	cert, err := r.certs.FindByID(ctx, certID)
	if err != nil {
		r.warn(ctx, "reconcile load failed", "certificate_id", certID, "error", err)
		return
	}
	record := cert.Ledger(t.Kind)
	if record.Status != models.LedgerPending {
		return
	}

	update, ok := r.decide(ctx, t, record)
	if !ok {
		return
	}
	if _, err := r.apply(ctx, certID, t.Kind, update); err != nil {
		r.warn(ctx, "reconcile update failed", "certificate_id", certID, "ledger", string(t.Kind), "error", err)
	}
}

// decide turns a confirmation poll into a status update. ok is false when
// the record should stay pending.
func (r *Reconciler) decide(ctx context.Context, t Target, record *models.LedgerRecord) (models.LedgerUpdate, bool) {
	now := r.now()
	conf, err := t.Client.GetConfirmation(ctx, record.TxHash)
	if err != nil {
		if ledger.HasCategory(err, ledger.CategoryNotFound) && r.pastDeadline(t, record, now) {
			return models.LedgerUpdate{
				Status: models.LedgerFailed,
				TxHash: record.TxHash,
				Error:  "transaction not found on " + record.Network,
				At:     now,
			}, true
		}
		r.debug(ctx, "confirmation poll failed", "tx_hash", record.TxHash, "ledger", string(t.Kind), "error", err)
		return models.LedgerUpdate{}, false
	}

	switch conf.State {
	case ledger.ConfirmationConfirmed:
		// Once included, the deadline no longer applies; wait for depth.
		if conf.Depth < t.Confirmations {
			r.debug(ctx, "awaiting confirmation depth",
				"tx_hash", record.TxHash, "ledger", string(t.Kind), "depth", conf.Depth, "required", t.Confirmations)
			return models.LedgerUpdate{}, false
		}
		block := conf.BlockNumber
		return models.LedgerUpdate{
			Status:          models.LedgerVerified,
			TxHash:          record.TxHash,
			BlockNumber:     &block,
			TokenID:         conf.TokenID,
			ContractAddress: conf.ContractAddress,
			At:              now,
		}, true
	case ledger.ConfirmationReverted:
		reason := conf.Reason
		if reason == "" {
			reason = "transaction reverted"
		}
		return models.LedgerUpdate{
			Status: models.LedgerFailed,
			TxHash: record.TxHash,
			Error:  reason,
			At:     now,
		}, true
	}

	if r.pastDeadline(t, record, now) {
		return models.LedgerUpdate{
			Status: models.LedgerFailed,
			TxHash: record.TxHash,
			Error:  "confirmation deadline exceeded",
			At:     now,
		}, true
	}
	return models.LedgerUpdate{}, false
}

func (r *Reconciler) pastDeadline(t Target, record *models.LedgerRecord, now time.Time) bool {
	if t.ConfirmDeadline <= 0 || record.SubmittedAt == nil {
		return false
	}
	return now.Sub(*record.SubmittedAt) > t.ConfirmDeadline
}

// HandleConfirmation applies a pushed confirmation. Replays of an already
// applied event return changed=false and emit nothing; events for a
// transaction the record no longer tracks are ignored.
func (r *Reconciler) HandleConfirmation(ctx context.Context, ev ConfirmationEvent) (changed bool, err error) {
	if ev.Status != models.LedgerVerified && ev.Status != models.LedgerFailed {
		return false, dErrors.New(dErrors.CodeValidation, "confirmation status must be verified or failed")
	}
	if ev.TxHash == "" {
		return false, dErrors.New(dErrors.CodeValidation, "tx_hash is required")
	}
	if _, err := models.ParseLedgerKind(string(ev.Ledger)); err != nil {
		return false, err
	}

	cert, err := r.certs.FindByID(ctx, ev.CertificateID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, dErrors.New(dErrors.CodeNotFound, "certificate not found")
		}
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certificate")
	}
	record := cert.Ledger(ev.Ledger)
	if record.TxHash != ev.TxHash {
		r.debug(ctx, "ignoring confirmation for untracked transaction",
			"certificate_id", ev.CertificateID, "ledger", string(ev.Ledger), "tx_hash", ev.TxHash)
		return false, nil
	}

	changed, err = r.apply(ctx, ev.CertificateID, ev.Ledger, models.LedgerUpdate{
		Status:          ev.Status,
		TxHash:          ev.TxHash,
		BlockNumber:     ev.BlockNumber,
		TokenID:         ev.TokenID,
		ContractAddress: ev.ContractAddress,
		Error:           ev.Error,
		At:              r.now(),
	})
	if err != nil {
		return false, ledgerUpdateError(err)
	}
	return changed, nil
}

func (r *Reconciler) apply(ctx context.Context, certID id.CertificateID, kind models.LedgerKind, update models.LedgerUpdate) (bool, error) {
	changed, err := r.certs.UpdateLedgerStatus(ctx, certID, kind, update)
	if err != nil || !changed {
		return false, err
	}
	r.metrics.transition(string(kind), string(update.Status))

	if event, ok := statusEvent(update.Status); ok {
		attributes := []any{"tx_hash", update.TxHash}
		if update.BlockNumber != nil {
			attributes = append(attributes, "block_number", *update.BlockNumber)
		}
		if update.TokenID != "" {
			attributes = append(attributes, "token_id", update.TokenID)
		}
		if update.Error != "" {
			attributes = append(attributes, "error", update.Error)
		}
		r.logAudit(ctx, event, certID, kind, attributes...)
	}
	if kind == models.LedgerPrimary && update.Status == models.LedgerVerified && r.artifacts != nil {
		r.artifacts.Schedule(certID)
	}
	return true, nil
}
