package artifact

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"certchain/internal/certificate/models"
	certstore "certchain/internal/certificate/store"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/audit"
	"certchain/pkg/platform/audit/publisher"
	auditmemory "certchain/pkg/platform/audit/store/memory"
)

func issue(t *testing.T, certs *certstore.InMemory) *models.Certificate {
	t.Helper()
	c, err := models.NewCertificate(id.NewCertificateID(time.Now()), id.AssetID(uuid.NewString()), id.UserID(uuid.New()), "polygon", "bitcoin", time.Now())
	require.NoError(t, err)
	require.NoError(t, certs.Issue(context.Background(), c))
	return c
}

func TestURLGenerator(t *testing.T) {
	g := NewURLGenerator("https://cdn.example.com/artifacts/", "https://example.com/verify")
	cert := &models.Certificate{CertificateID: "CRT-20260301-7K2QXA"}

	a, err := g.Generate(context.Background(), cert)
	require.NoError(t, err)
	assert.True(t, a.Complete())
	assert.Equal(t, "https://cdn.example.com/artifacts/certificates/CRT-20260301-7K2QXA.pdf", *a.PDFURI)
	assert.Contains(t, *a.QRURI, "data=https%3A%2F%2Fexample.com%2Fverify%2FCRT-20260301-7K2QXA")
	assert.Equal(t, "https://example.com/verify/CRT-20260301-7K2QXA", g.VerifyURL(cert.CertificateID))

	cert.Primary = models.LedgerRecord{Status: models.LedgerVerified, TokenID: "7"}
	a, err = g.Generate(context.Background(), cert)
	require.NoError(t, err)
	assert.Contains(t, *a.SocialImageURI, "token=7")
}

type flakyGenerator struct {
	inner    Generator
	failures atomic.Int32
}

func (f *flakyGenerator) Generate(ctx context.Context, cert *models.Certificate) (models.Artifacts, error) {
	if f.failures.Add(-1) >= 0 {
		return models.Artifacts{}, errors.New("renderer busy")
	}
	return f.inner.Generate(ctx, cert)
}

func TestWorker_RenderStoresArtifacts(t *testing.T) {
	certs := certstore.NewInMemory()
	store := auditmemory.NewInMemoryStore()
	gen := &flakyGenerator{inner: NewURLGenerator("https://cdn", "https://verify")}
	gen.failures.Store(2)

	w := NewWorker(certs, gen, WithAuditPublisher(publisher.NewPublisher(store)))
	c := issue(t, certs)

	require.NoError(t, w.Render(context.Background(), c.CertificateID))

	got, err := certs.FindByID(context.Background(), c.CertificateID)
	require.NoError(t, err)
	assert.True(t, got.Artifacts.Complete())
	assert.Equal(t, 1, store.Count(audit.EventArtifactsGenerated, c.CertificateID.String()))
}

func TestWorker_RenderUnknownCertificateIsPermanent(t *testing.T) {
	w := NewWorker(certstore.NewInMemory(), NewURLGenerator("https://cdn", "https://verify"), WithRetryWindow(time.Minute))
	start := time.Now()
	require.Error(t, w.Render(context.Background(), "CRT-20260301-AAAAAA"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWorker_RunDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	certs := certstore.NewInMemory()
	w := NewWorker(certs, NewURLGenerator("https://cdn", "https://verify"), WithWorkers(3))
	c := issue(t, certs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.True(t, w.Schedule(c.CertificateID))
	require.Eventually(t, func() bool {
		got, err := certs.FindByID(context.Background(), c.CertificateID)
		return err == nil && got.Artifacts.Complete()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWorker_ScheduleDropsWhenFull(t *testing.T) {
	w := NewWorker(certstore.NewInMemory(), NewURLGenerator("https://cdn", "https://verify"), WithQueueSize(1))
	assert.True(t, w.Schedule("CRT-20260301-AAAAAA"))
	assert.False(t, w.Schedule("CRT-20260301-BBBBBB"))
}
