//go:build integration

package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	certmodels "certchain/internal/certificate/models"
	certstore "certchain/internal/certificate/store"
	"certchain/internal/platform/postgres"
	"certchain/internal/transfer/models"
	"certchain/internal/transfer/service"
	transferstore "certchain/internal/transfer/store"
	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
	"certchain/pkg/testutil/containers"
)

type PostgresCoordinatorSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	certs    *certstore.PostgresStore
	service  *service.Service
}

func TestPostgresCoordinatorSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresCoordinatorSuite))
}

func (s *PostgresCoordinatorSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.certs = certstore.NewPostgres(s.postgres.DB)
	s.service = service.New(s.certs, transferstore.NewPostgres(s.postgres.DB),
		postgres.NewTxRunner(s.postgres.DB, 10*time.Second))
}

func (s *PostgresCoordinatorSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "transfer_requests", "asset_certifications", "certificates")
	s.Require().NoError(err)
}

func (s *PostgresCoordinatorSuite) issue(owner id.UserID) id.CertificateID {
	c, err := certmodels.NewCertificate(id.NewCertificateID(time.Now()), id.AssetID(uuid.NewString()), owner, "polygon", "bitcoin", time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.certs.Issue(context.Background(), c))
	return c.CertificateID
}

func (s *PostgresCoordinatorSuite) TestParallelInitiations() {
	ctx := context.Background()
	owner := id.UserID(uuid.New())
	certID := s.issue(owner)

	const n = 40
	var wins, pending atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.service.InitiateTransfer(ctx, certID, owner, id.UserID(uuid.New()), "")
			switch {
			case err == nil:
				wins.Add(1)
			case dErrors.HasReason(err, models.ReasonTransferAlreadyPending):
				pending.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(n-1), pending.Load())
}

func (s *PostgresCoordinatorSuite) TestAcceptCommitsOwnershipAndResolution() {
	ctx := context.Background()
	u1, u2 := id.UserID(uuid.New()), id.UserID(uuid.New())
	certID := s.issue(u1)

	req, err := s.service.InitiateTransfer(ctx, certID, u1, u2, "")
	s.Require().NoError(err)

	accepted, err := s.service.AcceptTransfer(ctx, req.ID, u2)
	s.Require().NoError(err)
	s.Equal(models.StatusAccepted, accepted.Status)

	cert, err := s.certs.FindByID(ctx, certID)
	s.Require().NoError(err)
	s.Equal(u2, cert.OwnerID)
	s.Equal(int64(2), cert.Version)

	_, err = s.service.AcceptTransfer(ctx, req.ID, u2)
	s.True(dErrors.HasReason(err, models.ReasonNotPending))
}

func (s *PostgresCoordinatorSuite) TestStaleAcceptIsCommittedAsRejected() {
	ctx := context.Background()
	u1, u2, u3 := id.UserID(uuid.New()), id.UserID(uuid.New()), id.UserID(uuid.New())
	certID := s.issue(u1)

	req, err := s.service.InitiateTransfer(ctx, certID, u1, u2, "")
	s.Require().NoError(err)
	s.Require().NoError(s.certs.SetOwner(ctx, certID, u3, u1, time.Now()))

	_, err = s.service.AcceptTransfer(ctx, req.ID, u2)
	s.True(dErrors.HasReason(err, models.ReasonStaleTransfer))

	got, err := s.service.GetTransfer(ctx, req.ID, u2)
	s.Require().NoError(err)
	s.Equal(models.StatusRejected, got.Status)
	s.Equal(models.ResolutionStale, got.Resolution)
}
