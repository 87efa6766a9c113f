package reconciler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"certchain/internal/certificate/models"
	certstore "certchain/internal/certificate/store"
	"certchain/internal/ledger"
	"certchain/internal/ledger/mocks"
	"certchain/internal/ledger/simulated"
	"certchain/internal/reconciler"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/platform/audit"
	"certchain/pkg/platform/audit/publisher"
	auditmemory "certchain/pkg/platform/audit/store/memory"
)

const contract = "0x00000000000000000000000000000000000c0de"

type ReconcilerSuite struct {
	suite.Suite
	ctx        context.Context
	certs      *certstore.InMemory
	audit      *auditmemory.InMemoryStore
	primary    *simulated.Network
	anchor     *simulated.Network
	submitter  *reconciler.Submitter
	reconciler *reconciler.Reconciler
	scheduled  *recordingScheduler
	clock      *fakeClock
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []id.CertificateID
}

func (r *recordingScheduler) Schedule(certID id.CertificateID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, certID)
	return true
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func (s *ReconcilerSuite) SetupTest() {
	s.ctx = context.Background()
	s.certs = certstore.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.primary = simulated.New("polygon", simulated.WithContract(contract))
	s.anchor = simulated.New("bitcoin")
	s.scheduled = &recordingScheduler{}
	s.clock = &fakeClock{now: time.Now()}

	pub := publisher.NewPublisher(s.audit)
	locker := reconciler.NewLocalLocker()
	s.submitter = reconciler.NewSubmitter(s.certs, locker,
		reconciler.WithLedgerClient(models.LedgerPrimary, s.primary),
		reconciler.WithLedgerClient(models.LedgerAnchor, s.anchor),
		reconciler.WithSubmitterAudit(pub),
	)
	s.reconciler = reconciler.New(s.certs, s.submitter, locker,
		reconciler.WithTarget(reconciler.Target{
			Kind:              models.LedgerPrimary,
			Client:            s.primary,
			Confirmations:     3,
			ConfirmDeadline:   time.Hour,
			SubmitUnsubmitted: true,
		}),
		reconciler.WithTarget(reconciler.Target{
			Kind:            models.LedgerAnchor,
			Client:          s.anchor,
			Confirmations:   1,
			ConfirmDeadline: time.Hour,
		}),
		reconciler.WithAuditPublisher(pub),
		reconciler.WithArtifactScheduler(s.scheduled),
		reconciler.WithClock(s.clock.Now),
	)
}

func (s *ReconcilerSuite) issue() *models.Certificate {
	c, err := models.NewCertificate(id.NewCertificateID(time.Now()), id.AssetID(uuid.NewString()), id.UserID(uuid.New()), "polygon", "bitcoin", time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.certs.Issue(s.ctx, c))
	return c
}

func (s *ReconcilerSuite) record(certID id.CertificateID, kind models.LedgerKind) *models.LedgerRecord {
	c, err := s.certs.FindByID(s.ctx, certID)
	s.Require().NoError(err)
	return c.Ledger(kind)
}

func (s *ReconcilerSuite) count(event audit.AuditEvent, certID id.CertificateID) int {
	return s.audit.Count(event, certID.String())
}

func (s *ReconcilerSuite) TestSubmit() {
	s.Run("moves an unsubmitted record to pending with a tx hash", func() {
		c := s.issue()
		rec, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerPrimary)
		s.Require().NoError(err)
		s.Equal(models.LedgerPending, rec.Status)
		s.NotEmpty(rec.TxHash)
		s.Equal(1, rec.Attempts)
		s.Equal(1, s.count(audit.EventLedgerPending, c.CertificateID))
		s.Equal(models.LedgerUnsubmitted, s.record(c.CertificateID, models.LedgerAnchor).Status)
	})

	s.Run("leaves a pending record alone", func() {
		c := s.issue()
		first, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerPrimary)
		s.Require().NoError(err)
		second, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerPrimary)
		s.Require().NoError(err)
		s.Equal(first.TxHash, second.TxHash)
		s.Equal(1, s.count(audit.EventLedgerPending, c.CertificateID))
	})

	s.Run("records failure when the network is down", func() {
		c := s.issue()
		s.anchor.FailNextSubmits(1)
		_, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerAnchor)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))

		rec := s.record(c.CertificateID, models.LedgerAnchor)
		s.Equal(models.LedgerFailed, rec.Status)
		s.Contains(rec.LastError, "simulated outage")
		s.Equal(1, s.count(audit.EventLedgerFailed, c.CertificateID))

		s.Run("and a resubmission moves it back to pending", func() {
			rec, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerAnchor)
			s.Require().NoError(err)
			s.Equal(models.LedgerPending, rec.Status)
			s.Empty(rec.LastError)
			s.Equal(2, rec.Attempts)
			s.Equal(1, s.count(audit.EventLedgerResubmitted, c.CertificateID))
		})
	})

	s.Run("a failed resubmission records the new attempt", func() {
		c := s.issue()
		s.anchor.FailNextSubmits(2)
		_, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerAnchor)
		s.Require().Error(err)
		_, err = s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerAnchor)
		s.Require().Error(err)

		rec := s.record(c.CertificateID, models.LedgerAnchor)
		s.Equal(models.LedgerFailed, rec.Status)
		s.Equal(2, rec.Attempts)
		s.Contains(rec.LastError, "simulated outage")
		s.Equal(2, s.count(audit.EventLedgerFailed, c.CertificateID))
	})

	s.Run("rejects an unconfigured ledger", func() {
		sub := reconciler.NewSubmitter(s.certs, nil)
		_, err := sub.Submit(s.ctx, s.issue().CertificateID, models.LedgerPrimary)
		s.True(dErrors.HasReason(err, reconciler.ReasonLedgerNotConfigured))
		s.False(sub.Enqueue(s.issue().CertificateID, models.LedgerPrimary))
	})
}

func (s *ReconcilerSuite) TestSweep() {
	s.Run("verifies primary at depth while anchor stays pending", func() {
		c := s.issue()
		_, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerPrimary)
		s.Require().NoError(err)
		_, err = s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerAnchor)
		s.Require().NoError(err)

		s.primary.Mine(2)
		s.Require().NoError(s.reconciler.Sweep(s.ctx, models.LedgerPrimary))
		s.Equal(models.LedgerPending, s.record(c.CertificateID, models.LedgerPrimary).Status, "depth 2 is below the required 3")

		s.primary.Mine(1)
		s.Require().NoError(s.reconciler.Sweep(s.ctx, models.LedgerPrimary))
		s.Require().NoError(s.reconciler.Sweep(s.ctx, models.LedgerAnchor))

		primary := s.record(c.CertificateID, models.LedgerPrimary)
		s.Equal(models.LedgerVerified, primary.Status)
		s.Require().NotNil(primary.BlockNumber)
		s.Equal(uint64(1), *primary.BlockNumber)
		s.Equal(contract, primary.ContractAddress)
		s.NotEmpty(primary.TokenID)
		s.Equal(models.LedgerPending, s.record(c.CertificateID, models.LedgerAnchor).Status)
		s.Equal(1, s.count(audit.EventLedgerVerified, c.CertificateID))
		s.Equal(1, s.scheduled.count())
	})

	s.Run("fails a reverted transaction", func() {
		c := s.issue()
		s.anchor.RevertNext()
		_, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerAnchor)
		s.Require().NoError(err)
		s.anchor.Mine(1)

		s.Require().NoError(s.reconciler.Sweep(s.ctx, models.LedgerAnchor))
		rec := s.record(c.CertificateID, models.LedgerAnchor)
		s.Equal(models.LedgerFailed, rec.Status)
		s.Equal("transaction reverted", rec.LastError)
	})

	s.Run("fails records past the confirmation deadline", func() {
		c := s.issue()
		_, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerAnchor)
		s.Require().NoError(err)

		s.Require().NoError(s.reconciler.Sweep(s.ctx, models.LedgerAnchor))
		s.Equal(models.LedgerPending, s.record(c.CertificateID, models.LedgerAnchor).Status)

		s.clock.Advance(2 * time.Hour)
		s.Require().NoError(s.reconciler.Sweep(s.ctx, models.LedgerAnchor))
		rec := s.record(c.CertificateID, models.LedgerAnchor)
		s.Equal(models.LedgerFailed, rec.Status)
		s.Equal("confirmation deadline exceeded", rec.LastError)
	})

	s.Run("keeps waiting on a mined transaction past the deadline", func() {
		c := s.issue()
		_, err := s.submitter.Submit(s.ctx, c.CertificateID, models.LedgerPrimary)
		s.Require().NoError(err)
		s.primary.Mine(1)

		s.clock.Advance(2 * time.Hour)
		s.Require().NoError(s.reconciler.Sweep(s.ctx, models.LedgerPrimary))
		rec := s.record(c.CertificateID, models.LedgerPrimary)
		s.Equal(models.LedgerPending, rec.Status, "included at depth 1 of 3")
		s.Empty(rec.LastError)

		s.primary.Mine(5)
		s.Require().NoError(s.reconciler.Sweep(s.ctx, models.LedgerPrimary))
		s.Equal(models.LedgerVerified, s.record(c.CertificateID, models.LedgerPrimary).Status)
		s.Zero(s.count(audit.EventLedgerFailed, c.CertificateID))
	})

	s.Run("submits primary records the issuance nudge missed", func() {
		c := s.issue()
		s.Require().NoError(s.reconciler.Sweep(s.ctx, models.LedgerPrimary))
		s.Equal(models.LedgerPending, s.record(c.CertificateID, models.LedgerPrimary).Status)
		s.Equal(models.LedgerUnsubmitted, s.record(c.CertificateID, models.LedgerAnchor).Status)
	})

	s.Run("rejects an unknown ledger", func() {
		r := reconciler.New(s.certs, s.submitter, nil)
		err := r.Sweep(s.ctx, models.LedgerAnchor)
		s.True(dErrors.HasReason(err, reconciler.ReasonLedgerNotConfigured))
	})
}

func (s *ReconcilerSuite) TestHandleConfirmation() {
	block := uint64(100)
	pendingWith := func(hash string) *models.Certificate {
		c := s.issue()
		_, err := s.certs.UpdateLedgerStatus(s.ctx, c.CertificateID, models.LedgerPrimary, models.LedgerUpdate{
			Status: models.LedgerPending, TxHash: hash, At: time.Now(),
		})
		s.Require().NoError(err)
		_, err = s.certs.UpdateLedgerStatus(s.ctx, c.CertificateID, models.LedgerAnchor, models.LedgerUpdate{
			Status: models.LedgerPending, TxHash: "anchor-1", At: time.Now(),
		})
		s.Require().NoError(err)
		return c
	}
	verified := func(certID id.CertificateID, hash string) reconciler.ConfirmationEvent {
		return reconciler.ConfirmationEvent{
			CertificateID:   certID,
			Ledger:          models.LedgerPrimary,
			TxHash:          hash,
			Status:          models.LedgerVerified,
			BlockNumber:     &block,
			TokenID:         "42",
			ContractAddress: contract,
		}
	}

	s.Run("verifies the primary record independently of the anchor", func() {
		c := pendingWith("0xABC")
		changed, err := s.reconciler.HandleConfirmation(s.ctx, verified(c.CertificateID, "0xABC"))
		s.Require().NoError(err)
		s.True(changed)

		primary := s.record(c.CertificateID, models.LedgerPrimary)
		s.Equal(models.LedgerVerified, primary.Status)
		s.Equal("0xABC", primary.TxHash)
		s.Equal(uint64(100), *primary.BlockNumber)
		s.Equal("42", primary.TokenID)
		s.Equal(models.LedgerPending, s.record(c.CertificateID, models.LedgerAnchor).Status)
	})

	s.Run("replays are no-ops without a second audit event", func() {
		c := pendingWith("0xABC")
		for range 3 {
			_, err := s.reconciler.HandleConfirmation(s.ctx, verified(c.CertificateID, "0xABC"))
			s.Require().NoError(err)
		}
		s.Equal(1, s.count(audit.EventLedgerVerified, c.CertificateID))
	})

	s.Run("ignores events for another transaction", func() {
		c := pendingWith("0xABC")
		changed, err := s.reconciler.HandleConfirmation(s.ctx, verified(c.CertificateID, "0xDEF"))
		s.Require().NoError(err)
		s.False(changed)
		s.Equal(models.LedgerPending, s.record(c.CertificateID, models.LedgerPrimary).Status)
	})

	s.Run("refuses to fail a verified record", func() {
		c := pendingWith("0xABC")
		_, err := s.reconciler.HandleConfirmation(s.ctx, verified(c.CertificateID, "0xABC"))
		s.Require().NoError(err)

		_, err = s.reconciler.HandleConfirmation(s.ctx, reconciler.ConfirmationEvent{
			CertificateID: c.CertificateID,
			Ledger:        models.LedgerPrimary,
			TxHash:        "0xABC",
			Status:        models.LedgerFailed,
			Error:         "reorg",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
		s.Equal(models.LedgerVerified, s.record(c.CertificateID, models.LedgerPrimary).Status)
	})

	s.Run("validates the event", func() {
		c := pendingWith("0xABC")
		_, err := s.reconciler.HandleConfirmation(s.ctx, reconciler.ConfirmationEvent{
			CertificateID: c.CertificateID, Ledger: models.LedgerPrimary, TxHash: "0xABC", Status: models.LedgerPending,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.reconciler.HandleConfirmation(s.ctx, verified(id.NewCertificateID(time.Now()), "0xABC"))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		noLedger := verified(c.CertificateID, "0xABC")
		noLedger.Ledger = ""
		_, err = s.reconciler.HandleConfirmation(s.ctx, noLedger)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
		s.Equal(models.LedgerPending, s.record(c.CertificateID, models.LedgerPrimary).Status)
	})
}

func TestSubmitter_CircuitOpenLeavesRecordUntouched(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Network().Return("polygon").AnyTimes()
	client.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(nil, ledger.NewError("polygon", "submit", ledger.CategoryCircuitOpen, errors.New("breaker open")))

	certs := certstore.NewInMemory()
	c, err := models.NewCertificate(id.NewCertificateID(time.Now()), "asset-1", id.UserID(uuid.New()), "polygon", "bitcoin", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := certs.Issue(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	sub := reconciler.NewSubmitter(certs, nil, reconciler.WithLedgerClient(models.LedgerPrimary, client))
	_, err = sub.Submit(context.Background(), c.CertificateID, models.LedgerPrimary)
	if !dErrors.HasCode(err, dErrors.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	got, _ := certs.FindByID(context.Background(), c.CertificateID)
	if got.Primary.Status != models.LedgerUnsubmitted {
		t.Fatalf("expected unsubmitted, got %s", got.Primary.Status)
	}
}

func TestSubmitter_BusyLease(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)

	locker := reconciler.NewLocalLocker()
	certs := certstore.NewInMemory()
	c, _ := models.NewCertificate(id.NewCertificateID(time.Now()), "asset-1", id.UserID(uuid.New()), "polygon", "bitcoin", time.Now())
	_ = certs.Issue(context.Background(), c)

	release, ok, err := locker.Acquire(context.Background(), "primary:"+c.CertificateID.String(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer release()

	sub := reconciler.NewSubmitter(certs, locker, reconciler.WithLedgerClient(models.LedgerPrimary, client))
	_, err = sub.Submit(context.Background(), c.CertificateID, models.LedgerPrimary)
	if !dErrors.HasReason(err, reconciler.ReasonLedgerBusy) {
		t.Fatalf("expected ledger_busy, got %v", err)
	}
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	certs := certstore.NewInMemory()
	primary := simulated.New("polygon", simulated.WithBlockTime(10*time.Millisecond))
	sub := reconciler.NewSubmitter(certs, nil, reconciler.WithLedgerClient(models.LedgerPrimary, primary))
	r := reconciler.New(certs, sub, nil,
		reconciler.WithInterval(10*time.Millisecond),
		reconciler.WithTarget(reconciler.Target{Kind: models.LedgerPrimary, Client: primary, Confirmations: 1, SubmitUnsubmitted: true}),
	)

	c, _ := models.NewCertificate(id.NewCertificateID(time.Now()), "asset-1", id.UserID(uuid.New()), "polygon", "bitcoin", time.Now())
	_ = certs.Issue(context.Background(), c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 3)
	go func() { done <- r.Run(ctx) }()
	go func() { done <- sub.Run(ctx) }()
	go func() { done <- primary.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		got, _ := certs.FindByID(context.Background(), c.CertificateID)
		if got.Primary.Status == models.LedgerVerified {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("primary never verified, status %s", got.Primary.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	for range 3 {
		if err := <-done; err != nil {
			t.Fatalf("run returned %v", err)
		}
	}
}

func TestLocalLocker(t *testing.T) {
	l := reconciler.NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, "k", time.Minute); ok {
		t.Fatal("second acquire should fail while held")
	}
	release()
	if _, ok, _ := l.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatal("acquire after release should succeed")
	}
	if _, ok, _ := l.Acquire(ctx, "short", time.Nanosecond); !ok {
		t.Fatal("acquire should succeed")
	}
	time.Sleep(time.Millisecond)
	if _, ok, _ := l.Acquire(ctx, "short", time.Minute); !ok {
		t.Fatal("expired lease should be reacquirable")
	}
}
