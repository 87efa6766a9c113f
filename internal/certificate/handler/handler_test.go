package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certchain/internal/certificate/models"
	"certchain/internal/certificate/service"
	"certchain/internal/certificate/store"
	"certchain/internal/ledger/simulated"
	"certchain/internal/platform/logger"
	"certchain/internal/reconciler"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/audit"
	"certchain/pkg/platform/audit/publisher"
	auditmemory "certchain/pkg/platform/audit/store/memory"
	"certchain/pkg/testutil"
)

type fixture struct {
	router http.Handler
	store  *store.InMemory
	anchor *simulated.Network
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	certs := store.NewInMemory()
	anchor := simulated.New("bitcoin")
	pub := publisher.NewPublisher(auditmemory.NewInMemoryStore())
	sub := reconciler.NewSubmitter(certs, nil,
		reconciler.WithLedgerClient(models.LedgerPrimary, simulated.New("polygon")),
		reconciler.WithLedgerClient(models.LedgerAnchor, anchor),
		reconciler.WithSubmitterAudit(pub),
	)
	svc := service.New(certs, service.Config{PrimaryNetwork: "polygon", AnchorNetwork: "bitcoin"},
		service.WithSubmitter(sub),
		service.WithAuditPublisher(pub),
	)

	r := chi.NewRouter()
	New(svc, logger.Discard(), nil, WithAuditTrail(pub)).Register(r)
	return &fixture{router: r, store: certs, anchor: anchor}
}

func (f *fixture) issue(t *testing.T, user id.UserID, asset string) CertificateResponse {
	t.Helper()
	req := testutil.WithUserID(testutil.NewJSONRequest(t, http.MethodPost, "/certificates", IssueRequest{AssetID: asset}), user)
	rr := testutil.DoRequest(f.router, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return *testutil.UnmarshalResponse[CertificateResponse](t, rr)
}

func TestIssueAndGet(t *testing.T) {
	f := newFixture(t)
	user := id.UserID(uuid.New())

	testutil.Given(t, "an authenticated issuer", func(t *testing.T) {
		cert := f.issue(t, user, "watch-42")
		assert.Equal(t, user, cert.OwnerID)
		assert.Equal(t, models.LedgerUnsubmitted, cert.PrimaryLedger.Status)

		testutil.When(t, "the certificate is fetched", func(t *testing.T) {
			req := testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, "/certificates/"+cert.CertificateID.String()), user)
			rr := testutil.DoRequest(f.router, req)
			testutil.Then(t, "it is returned", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusOK)
				got := testutil.UnmarshalResponse[CertificateResponse](t, rr)
				assert.Equal(t, cert.ContentHash, got.ContentHash)
			})
		})

		testutil.When(t, "the same asset is issued again", func(t *testing.T) {
			req := testutil.WithUserID(testutil.NewJSONRequest(t, http.MethodPost, "/certificates", IssueRequest{AssetID: "watch-42"}), user)
			rr := testutil.DoRequest(f.router, req)
			testutil.Then(t, "it conflicts", func(t *testing.T) {
				testutil.AssertConflict(t, rr, models.ReasonDuplicateAssetCertification)
			})
		})
	})

	t.Run("unauthenticated issue is refused", func(t *testing.T) {
		rr := testutil.DoRequest(f.router, testutil.NewJSONRequest(t, http.MethodPost, "/certificates", IssueRequest{AssetID: "x"}))
		testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
	})

	t.Run("blank asset is a bad request", func(t *testing.T) {
		req := testutil.WithUserID(testutil.NewJSONRequest(t, http.MethodPost, "/certificates", IssueRequest{AssetID: "  "}), user)
		testutil.AssertStatus(t, testutil.DoRequest(f.router, req), http.StatusBadRequest)
	})

	t.Run("malformed id is a bad request", func(t *testing.T) {
		req := testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, "/certificates/not-an-id"), user)
		testutil.AssertStatus(t, testutil.DoRequest(f.router, req), http.StatusBadRequest)
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		req := testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, "/certificates/"+id.NewCertificateID(time.Now()).String()), user)
		testutil.AssertStatusAndError(t, testutil.DoRequest(f.router, req), http.StatusNotFound, "not_found")
	})
}

func TestListAndStats(t *testing.T) {
	f := newFixture(t)
	alice, bob := id.UserID(uuid.New()), id.UserID(uuid.New())
	f.issue(t, alice, "a-1")
	f.issue(t, alice, "a-2")
	f.issue(t, bob, "b-1")

	list := func(user id.UserID, query string) ListResponse {
		req := testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, "/certificates"+query), user)
		rr := testutil.DoRequest(f.router, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		return *testutil.UnmarshalResponse[ListResponse](t, rr)
	}

	assert.Len(t, list(alice, "").Certificates, 2)
	assert.Len(t, list(alice, "?owner=me").Certificates, 2)
	assert.Len(t, list(bob, "?issuer=me").Certificates, 1)
	assert.Len(t, list(bob, "?recent=2").Certificates, 2)
	assert.Len(t, list(alice, "?owner=me&limit=1").Certificates, 1)

	req := testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, "/certificates?owner=bob"), alice)
	testutil.AssertStatus(t, testutil.DoRequest(f.router, req), http.StatusBadRequest)

	req = testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, "/certificates/stats"), alice)
	rr := testutil.DoRequest(f.router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)
	stats := testutil.UnmarshalResponse[models.Stats](t, rr)
	assert.Equal(t, 3, stats.Total)
}

func TestAnchorAndResubmit(t *testing.T) {
	f := newFixture(t)
	issuer := id.UserID(uuid.New())
	cert := f.issue(t, issuer, "ring-7")
	path := "/certificates/" + cert.CertificateID.String()

	t.Run("only the issuer may anchor", func(t *testing.T) {
		req := testutil.WithUserID(testutil.NewRequest(t, http.MethodPost, path+"/anchor"), id.UserID(uuid.New()))
		testutil.AssertStatusAndError(t, testutil.DoRequest(f.router, req), http.StatusForbidden, "forbidden")
	})

	t.Run("a failed anchor surfaces as unavailable then resubmits", func(t *testing.T) {
		f.anchor.FailNextSubmits(1)
		req := testutil.WithUserID(testutil.NewRequest(t, http.MethodPost, path+"/anchor"), issuer)
		testutil.AssertStatus(t, testutil.DoRequest(f.router, req), http.StatusServiceUnavailable)

		req = testutil.WithUserID(testutil.NewRequest(t, http.MethodPost, path+"/ledgers/anchor/resubmit"), issuer)
		rr := testutil.DoRequest(f.router, req)
		testutil.AssertStatus(t, rr, http.StatusAccepted)
		got := testutil.UnmarshalResponse[LedgerResponse](t, rr)
		assert.Equal(t, models.LedgerPending, got.Record.Status)
		assert.NotEmpty(t, got.Record.TxHash)
	})

	t.Run("resubmitting a pending record conflicts", func(t *testing.T) {
		req := testutil.WithUserID(testutil.NewRequest(t, http.MethodPost, path+"/ledgers/anchor/resubmit"), issuer)
		testutil.AssertConflict(t, testutil.DoRequest(f.router, req), models.ReasonLedgerNotFailed)
	})

	t.Run("unknown ledger is a bad request", func(t *testing.T) {
		req := testutil.WithUserID(testutil.NewRequest(t, http.MethodPost, path+"/ledgers/sidechain/resubmit"), issuer)
		testutil.AssertStatus(t, testutil.DoRequest(f.router, req), http.StatusBadRequest)
	})
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	issuer := id.UserID(uuid.New())
	cert := f.issue(t, issuer, "book-9")
	path := "/certificates/" + cert.CertificateID.String() + "/audit"

	t.Run("the issuer reads the trail", func(t *testing.T) {
		rr := testutil.DoRequest(f.router, testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, path), issuer))
		testutil.AssertStatus(t, rr, http.StatusOK)
		trail := testutil.UnmarshalResponse[AuditResponse](t, rr)
		require.NotEmpty(t, trail.Events)
		assert.Equal(t, string(audit.EventCertificateIssued), trail.Events[0].Action)
		assert.Equal(t, issuer.String(), trail.Events[0].ActorID)
	})

	t.Run("others may not", func(t *testing.T) {
		rr := testutil.DoRequest(f.router, testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, path), id.UserID(uuid.New())))
		testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
	})
}
