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

	certmodels "certchain/internal/certificate/models"
	certstore "certchain/internal/certificate/store"
	"certchain/internal/platform/logger"
	"certchain/internal/transfer/models"
	"certchain/internal/transfer/service"
	transferstore "certchain/internal/transfer/store"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/tx"
	"certchain/pkg/testutil"
)

type fixture struct {
	router http.Handler
	certs  *certstore.InMemory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	certs := certstore.NewInMemory()
	svc := service.New(certs, transferstore.NewInMemory(), tx.NewShardedRunner(time.Second))
	r := chi.NewRouter()
	New(svc, logger.Discard(), nil).Register(r)
	return &fixture{router: r, certs: certs}
}

func (f *fixture) issue(t *testing.T, owner id.UserID) id.CertificateID {
	t.Helper()
	c, err := certmodels.NewCertificate(id.NewCertificateID(time.Now()), id.AssetID(uuid.NewString()), owner, "polygon", "bitcoin", time.Now())
	require.NoError(t, err)
	require.NoError(t, f.certs.Issue(context.Background(), c))
	return c.CertificateID
}

func TestTransferFlow(t *testing.T) {
	f := newFixture(t)
	owner, recipient, stranger := id.UserID(uuid.New()), id.UserID(uuid.New()), id.UserID(uuid.New())
	certID := f.issue(t, owner)
	base := "/certificates/" + certID.String() + "/transfers"

	var transfer *models.TransferRequest
	testutil.Given(t, "an owner offers the certificate", func(t *testing.T) {
		req := testutil.WithUserID(testutil.NewJSONRequest(t, http.MethodPost, base,
			InitiateRequest{ToUserID: recipient.String(), Notes: "enjoy"}), owner)
		rr := testutil.DoRequest(f.router, req)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		transfer = testutil.UnmarshalResponse[models.TransferRequest](t, rr)
		assert.Equal(t, models.StatusPending, transfer.Status)

		testutil.When(t, "a second offer is made", func(t *testing.T) {
			req := testutil.WithUserID(testutil.NewJSONRequest(t, http.MethodPost, base,
				InitiateRequest{ToUserID: stranger.String()}), owner)
			rr := testutil.DoRequest(f.router, req)
			testutil.Then(t, "it conflicts with the pending one", func(t *testing.T) {
				testutil.AssertConflict(t, rr, models.ReasonTransferAlreadyPending)
			})
		})

		testutil.When(t, "the recipient lists incoming requests", func(t *testing.T) {
			rr := testutil.DoRequest(f.router, testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, "/transfers/incoming"), recipient))
			testutil.Then(t, "the offer is there", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusOK)
				list := testutil.UnmarshalResponse[ListResponse](t, rr)
				require.Len(t, list.Transfers, 1)
				assert.Equal(t, transfer.ID, list.Transfers[0].ID)
			})
		})

		testutil.When(t, "a stranger looks the request up", func(t *testing.T) {
			rr := testutil.DoRequest(f.router, testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, "/transfers/"+transfer.ID.String()), stranger))
			testutil.Then(t, "it does not exist for them", func(t *testing.T) {
				testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
			})
		})

		testutil.When(t, "a stranger tries to accept", func(t *testing.T) {
			rr := testutil.DoRequest(f.router, testutil.WithUserID(testutil.NewRequest(t, http.MethodPost, "/transfers/"+transfer.ID.String()+"/accept"), stranger))
			testutil.Then(t, "it is forbidden", func(t *testing.T) {
				testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
			})
		})

		testutil.When(t, "the recipient accepts", func(t *testing.T) {
			rr := testutil.DoRequest(f.router, testutil.WithUserID(testutil.NewRequest(t, http.MethodPost, "/transfers/"+transfer.ID.String()+"/accept"), recipient))
			testutil.Then(t, "ownership moves", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusOK)
				got := testutil.UnmarshalResponse[models.TransferRequest](t, rr)
				assert.Equal(t, models.StatusAccepted, got.Status)

				cert, err := f.certs.FindByID(context.Background(), certID)
				require.NoError(t, err)
				assert.Equal(t, recipient, cert.OwnerID)
			})
		})

		testutil.When(t, "the recipient answers again", func(t *testing.T) {
			rr := testutil.DoRequest(f.router, testutil.WithUserID(testutil.NewRequest(t, http.MethodPost, "/transfers/"+transfer.ID.String()+"/reject"), recipient))
			testutil.Then(t, "the request is no longer pending", func(t *testing.T) {
				testutil.AssertConflict(t, rr, models.ReasonNotPending)
			})
		})
	})

	t.Run("history lists the resolved request", func(t *testing.T) {
		rr := testutil.DoRequest(f.router, testutil.WithUserID(testutil.NewRequest(t, http.MethodGet, base), stranger))
		testutil.AssertStatus(t, rr, http.StatusOK)
		list := testutil.UnmarshalResponse[ListResponse](t, rr)
		require.Len(t, list.Transfers, 1)
		assert.Equal(t, models.StatusAccepted, list.Transfers[0].Status)
	})
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t)
	owner := id.UserID(uuid.New())
	certID := f.issue(t, owner)
	base := "/certificates/" + certID.String() + "/transfers"

	tests := []struct {
		name   string
		user   id.UserID
		method string
		path   string
		body   any
		status int
	}{
		{"unauthenticated", id.UserID{}, http.MethodGet, "/transfers/incoming", nil, http.StatusUnauthorized},
		{"bad recipient", owner, http.MethodPost, base, InitiateRequest{ToUserID: "bob"}, http.StatusBadRequest},
		{"unknown field", owner, http.MethodPost, base, map[string]string{"to": owner.String()}, http.StatusBadRequest},
		{"self transfer", owner, http.MethodPost, base, InitiateRequest{ToUserID: owner.String()}, http.StatusBadRequest},
		{"not the owner", id.UserID(uuid.New()), http.MethodPost, base, InitiateRequest{ToUserID: owner.String()}, http.StatusForbidden},
		{"bad transfer id", owner, http.MethodPost, "/transfers/nope/accept", nil, http.StatusBadRequest},
		{"unknown transfer", owner, http.MethodPost, "/transfers/" + uuid.NewString() + "/accept", nil, http.StatusNotFound},
		{"unknown certificate", owner, http.MethodGet, "/certificates/CRT-20260101-ZZZZZZ/transfers", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.body != nil {
				req = testutil.NewJSONRequest(t, tt.method, tt.path, tt.body)
			} else {
				req = testutil.NewRequest(t, tt.method, tt.path)
			}
			if !tt.user.IsNil() {
				req = testutil.WithUserID(req, tt.user)
			}
			testutil.AssertStatus(t, testutil.DoRequest(f.router, req), tt.status)
		})
	}
}
