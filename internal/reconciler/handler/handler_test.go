package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certchain/internal/certificate/models"
	certstore "certchain/internal/certificate/store"
	"certchain/internal/ledger"
	"certchain/internal/ledger/simulated"
	"certchain/internal/platform/logger"
	"certchain/internal/reconciler"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/circuit"
	authmw "certchain/pkg/platform/middleware/auth"
	"certchain/pkg/testutil"
)

const secret = "s3cret"

type fixture struct {
	router http.Handler
	certs  *certstore.InMemory
	cert   *models.Certificate
	txHash string
}

func newFixture(t *testing.T, ledgers map[models.LedgerKind]BreakerReporter) *fixture {
	t.Helper()
	ctx := context.Background()
	certs := certstore.NewInMemory()
	primary := simulated.New("polygon")
	sub := reconciler.NewSubmitter(certs, nil, reconciler.WithLedgerClient(models.LedgerPrimary, primary))
	rec := reconciler.New(certs, sub, nil, reconciler.WithTarget(reconciler.Target{
		Kind: models.LedgerPrimary, Client: primary, Confirmations: 1, ConfirmDeadline: time.Hour,
	}))

	cert, err := models.NewCertificate(id.NewCertificateID(time.Now()), "asset-1", id.UserID(uuid.New()), "polygon", "bitcoin", time.Now())
	require.NoError(t, err)
	require.NoError(t, certs.Issue(ctx, cert))
	record, err := sub.Submit(ctx, cert.CertificateID, models.LedgerPrimary)
	require.NoError(t, err)

	r := chi.NewRouter()
	New(rec, ledgers, logger.Discard(), authmw.RequireSharedSecret(authmw.HeaderLedgerSecret, secret, logger.Discard())).Register(r)
	return &fixture{router: r, certs: certs, cert: cert, txHash: record.TxHash}
}

func (f *fixture) post(t *testing.T, body ConfirmationRequest, withSecret bool) *http.Request {
	req := testutil.NewJSONRequest(t, http.MethodPost, "/ledger/confirmations", body)
	if withSecret {
		req.Header.Set(authmw.HeaderLedgerSecret, secret)
	}
	return req
}

func TestConfirmationCallback(t *testing.T) {
	f := newFixture(t, nil)
	block := uint64(100)
	body := ConfirmationRequest{
		CertificateID: f.cert.CertificateID.String(),
		Ledger:        "primary",
		TxHash:        f.txHash,
		Status:        "verified",
		BlockNumber:   &block,
	}

	t.Run("a missing shared secret is refused", func(t *testing.T) {
		rr := testutil.DoRequest(f.router, f.post(t, body, false))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("a verified confirmation is applied once", func(t *testing.T) {
		rr := testutil.DoRequest(f.router, f.post(t, body, true))
		testutil.AssertStatus(t, rr, http.StatusOK)
		assert.True(t, testutil.UnmarshalResponse[ConfirmationResponse](t, rr).Applied)

		got, err := f.certs.FindByID(context.Background(), f.cert.CertificateID)
		require.NoError(t, err)
		assert.Equal(t, models.LedgerVerified, got.Primary.Status)
		require.NotNil(t, got.Primary.BlockNumber)
		assert.Equal(t, block, *got.Primary.BlockNumber)

		rr = testutil.DoRequest(f.router, f.post(t, body, true))
		testutil.AssertStatus(t, rr, http.StatusOK)
		assert.False(t, testutil.UnmarshalResponse[ConfirmationResponse](t, rr).Applied, "replay is a no-op")
	})

	t.Run("a later failure cannot undo verification", func(t *testing.T) {
		failed := body
		failed.Status = "failed"
		rr := testutil.DoRequest(f.router, f.post(t, failed, true))
		testutil.AssertStatus(t, rr, http.StatusConflict)
	})

	t.Run("validation", func(t *testing.T) {
		for name, mutate := range map[string]func(*ConfirmationRequest){
			"bad status":  func(r *ConfirmationRequest) { r.Status = "pending" },
			"bad ledger":  func(r *ConfirmationRequest) { r.Ledger = "sidechain" },
			"bad cert id": func(r *ConfirmationRequest) { r.CertificateID = "nope" },
			"no tx hash":  func(r *ConfirmationRequest) { r.TxHash = " " },
		} {
			t.Run(name, func(t *testing.T) {
				req := body
				mutate(&req)
				testutil.AssertStatus(t, testutil.DoRequest(f.router, f.post(t, req, true)), http.StatusBadRequest)
			})
		}
	})
}

func TestLedgerHealth(t *testing.T) {
	breaker := circuit.New("bitcoin", circuit.WithFailureThreshold(1))
	breaker.RecordFailure()
	ledgers := map[models.LedgerKind]BreakerReporter{
		models.LedgerPrimary: ledger.NewGuard(simulated.New("polygon")),
		models.LedgerAnchor:  ledger.NewGuard(simulated.New("bitcoin"), ledger.WithBreaker(breaker)),
	}
	f := newFixture(t, ledgers)

	rr := testutil.DoRequest(f.router, testutil.NewRequest(t, http.MethodGet, "/ledgers/health"))
	testutil.AssertStatus(t, rr, http.StatusOK)
	resp := testutil.UnmarshalResponse[HealthResponse](t, rr)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, []LedgerHealth{
		{Ledger: models.LedgerPrimary, Network: "polygon", Circuit: "closed"},
		{Ledger: models.LedgerAnchor, Network: "bitcoin", Circuit: "open"},
	}, resp.Ledgers)
}
