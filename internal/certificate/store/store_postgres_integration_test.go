//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"certchain/internal/certificate/models"
	"certchain/internal/certificate/store"
	"certchain/internal/platform/postgres"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/sentinel"
	"certchain/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "transfer_requests", "asset_certifications", "certificates")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) issue(asset string, issuer id.UserID) *models.Certificate {
	c, err := models.NewCertificate(id.NewCertificateID(time.Now()), id.AssetID(asset), issuer, "polygon", "bitcoin", time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.store.Issue(context.Background(), c))
	return c
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	issuer := id.UserID(uuid.New())
	c := s.issue("asset-rt", issuer)

	found, err := s.store.FindByID(ctx, c.CertificateID)
	s.Require().NoError(err)
	s.Equal(c.CertificateID, found.CertificateID)
	s.Equal(c.ContentHash, found.ContentHash)
	s.Equal(issuer, found.OwnerID)
	s.True(c.CreatedAt.Equal(found.CreatedAt))
	s.Equal(models.LedgerUnsubmitted, found.Primary.Status)
	s.Nil(found.Primary.BlockNumber)
	s.Nil(found.Artifacts.PDFURI)
}

func (s *PostgresStoreSuite) TestDuplicateAssetLeavesNoOrphan() {
	ctx := context.Background()
	issuer := id.UserID(uuid.New())
	s.issue("asset-dup", issuer)

	dup, err := models.NewCertificate(id.NewCertificateID(time.Now()), "asset-dup", issuer, "polygon", "bitcoin", time.Now())
	s.Require().NoError(err)
	err = s.store.Issue(ctx, dup)
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)

	_, err = s.store.FindByID(ctx, dup.CertificateID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestTakenCertificateIDIsAConflict() {
	ctx := context.Background()
	issuer := id.UserID(uuid.New())
	first := s.issue("asset-id-first", issuer)

	clash, err := models.NewCertificate(first.CertificateID, "asset-id-second", issuer, "polygon", "bitcoin", time.Now())
	s.Require().NoError(err)
	err = s.store.Issue(ctx, clash)
	s.ErrorIs(err, sentinel.ErrConflict)
	s.NotErrorIs(err, sentinel.ErrAlreadyUsed)

	s.issue("asset-id-second", issuer)
}

func (s *PostgresStoreSuite) TestLedgerLifecycle() {
	ctx := context.Background()
	c := s.issue("asset-ledger", id.UserID(uuid.New()))
	block := uint64(1234)

	changed, err := s.store.UpdateLedgerStatus(ctx, c.CertificateID, models.LedgerPrimary,
		models.LedgerUpdate{Status: models.LedgerPending, TxHash: "0xabc", At: time.Now()})
	s.Require().NoError(err)
	s.True(changed)

	changed, err = s.store.UpdateLedgerStatus(ctx, c.CertificateID, models.LedgerPrimary,
		models.LedgerUpdate{Status: models.LedgerVerified, TxHash: "0xabc", BlockNumber: &block,
			TokenID: "42", ContractAddress: "0xc0ffee", At: time.Now()})
	s.Require().NoError(err)
	s.True(changed)

	changed, err = s.store.UpdateLedgerStatus(ctx, c.CertificateID, models.LedgerPrimary,
		models.LedgerUpdate{Status: models.LedgerVerified, TxHash: "0xabc", At: time.Now()})
	s.Require().NoError(err)
	s.False(changed)

	_, err = s.store.UpdateLedgerStatus(ctx, c.CertificateID, models.LedgerPrimary,
		models.LedgerUpdate{Status: models.LedgerFailed, Error: "late revert", At: time.Now()})
	s.ErrorIs(err, sentinel.ErrInvalidState)

	found, err := s.store.FindByID(ctx, c.CertificateID)
	s.Require().NoError(err)
	s.Equal(models.LedgerVerified, found.Primary.Status)
	s.Require().NotNil(found.Primary.BlockNumber)
	s.Equal(block, *found.Primary.BlockNumber)
	s.Equal("42", found.Primary.TokenID)
	s.Equal(1, found.Primary.Attempts)
}

func (s *PostgresStoreSuite) TestConcurrentSetOwner() {
	ctx := context.Background()
	alice := id.UserID(uuid.New())
	c := s.issue("asset-cas", alice)

	const goroutines = 20
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.SetOwner(ctx, c.CertificateID, id.UserID(uuid.New()), alice, time.Now())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())
}

func (s *PostgresStoreSuite) TestRowLockInsideTx() {
	ctx := context.Background()
	c := s.issue("asset-lock", id.UserID(uuid.New()))
	runner := postgres.NewTxRunner(s.postgres.DB, 5*time.Second)

	err := runner.RunInTx(ctx, func(ctx context.Context) error {
		locked, err := s.store.FindByIDForUpdate(ctx, c.CertificateID)
		s.Require().NoError(err)
		return s.store.SetOwner(ctx, locked.CertificateID, id.UserID(uuid.New()), locked.OwnerID, time.Now())
	})
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestStatsAndSweepListing() {
	ctx := context.Background()
	issuer := id.UserID(uuid.New())
	a := s.issue("asset-s1", issuer)
	s.issue("asset-s2", issuer)

	_, err := s.store.UpdateLedgerStatus(ctx, a.CertificateID, models.LedgerAnchor,
		models.LedgerUpdate{Status: models.LedgerFailed, Error: "rpc down", At: time.Now()})
	s.Require().NoError(err)

	stats, err := s.store.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(models.Stats{Total: 2, Failed: 1}, stats)

	unsubmitted, err := s.store.ListByLedgerStatus(ctx, models.LedgerPrimary, models.LedgerUnsubmitted, 10)
	s.Require().NoError(err)
	s.Len(unsubmitted, 2)

	byIssuer, err := s.store.ListByIssuer(ctx, issuer, 10)
	s.Require().NoError(err)
	s.Len(byIssuer, 2)
}
