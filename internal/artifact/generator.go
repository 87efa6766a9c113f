// Package artifact renders the shareable companions of a certificate: a PDF
// document, a QR code pointing at the public verification page, and a social
// preview image. Rendering happens off the request path.
package artifact

import (
	"context"
	"net/url"
	"strings"

	"certchain/internal/certificate/models"
	id "certchain/pkg/domain"
)

// Generator produces artifact locations for a certificate.
type Generator interface {
	Generate(ctx context.Context, cert *models.Certificate) (models.Artifacts, error)
}

// URLGenerator addresses artifacts served by the artifact renderer under
// BaseURL. The QR image encodes the verification URL.
type URLGenerator struct {
	baseURL       string
	verifyBaseURL string
}

func NewURLGenerator(baseURL, verifyBaseURL string) *URLGenerator {
	return &URLGenerator{
		baseURL:       strings.TrimRight(baseURL, "/"),
		verifyBaseURL: strings.TrimRight(verifyBaseURL, "/"),
	}
}

// VerifyURL is the public page for certID.
func (g *URLGenerator) VerifyURL(certID id.CertificateID) string {
	return g.verifyBaseURL + "/" + url.PathEscape(certID.String())
}

func (g *URLGenerator) Generate(ctx context.Context, cert *models.Certificate) (models.Artifacts, error) {
	if err := ctx.Err(); err != nil {
		return models.Artifacts{}, err
	}
	base := g.baseURL + "/certificates/" + url.PathEscape(cert.CertificateID.String())
	pdf := base + ".pdf"
	qr := base + "/qr.png?" + url.Values{"data": {g.VerifyURL(cert.CertificateID)}}.Encode()
	social := base + "/social.png"
	if cert.Primary.Status == models.LedgerVerified && cert.Primary.TokenID != "" {
		// Bust caches once the token exists so previews show it.
		social += "?token=" + url.QueryEscape(cert.Primary.TokenID)
	}
	return models.Artifacts{
		PDFURI:         &pdf,
		QRURI:          &qr,
		SocialImageURI: &social,
	}, nil
}
