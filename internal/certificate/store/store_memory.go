package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"certchain/internal/certificate/models"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/sentinel"
)

// InMemory is a map-backed certificate store. Every method copies values in
// and out so callers never share memory with the store.
type InMemory struct {
	mu     sync.RWMutex
	certs  map[id.CertificateID]*models.Certificate
	assets map[id.AssetID]id.CertificateID
	opts   options
}

func NewInMemory(opts ...Option) *InMemory {
	return &InMemory{
		certs:  make(map[id.CertificateID]*models.Certificate),
		assets: make(map[id.AssetID]id.CertificateID),
		opts:   buildOptions(opts),
	}
}

func (s *InMemory) Issue(_ context.Context, cert *models.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certs[cert.CertificateID]; exists {
		return fmt.Errorf("certificate id %s taken: %w", cert.CertificateID, sentinel.ErrConflict)
	}
	if s.opts.uniqueAssets {
		if _, exists := s.assets[cert.AssetID]; exists {
			return fmt.Errorf("asset %s already certified: %w", cert.AssetID, sentinel.ErrAlreadyUsed)
		}
		s.assets[cert.AssetID] = cert.CertificateID
	}
	s.certs[cert.CertificateID] = cert.Clone()
	return nil
}

func (s *InMemory) FindByID(_ context.Context, certID id.CertificateID) (*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[certID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return c.Clone(), nil
}

// FindByIDForUpdate is FindByID; in-memory callers serialize through
// tx.ShardedRunner instead of row locks.
func (s *InMemory) FindByIDForUpdate(ctx context.Context, certID id.CertificateID) (*models.Certificate, error) {
	return s.FindByID(ctx, certID)
}

func (s *InMemory) UpdateLedgerStatus(_ context.Context, certID id.CertificateID, kind models.LedgerKind, update models.LedgerUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[certID]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if kind == models.LedgerAnchor {
		update.TokenID = ""
		update.ContractAddress = ""
	}
	// Apply on a copy so a rejected update leaves the record untouched.
	record := *c.Ledger(kind)
	changed, err := record.Apply(update)
	if err != nil || !changed {
		return false, err
	}
	*c.Ledger(kind) = record
	return true, nil
}

func (s *InMemory) SetOwner(_ context.Context, certID id.CertificateID, newOwner, expectedOwner id.UserID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[certID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if !c.CanReassign(expectedOwner, newOwner) {
		return fmt.Errorf("owner of %s is no longer %s: %w", certID, expectedOwner, sentinel.ErrConflict)
	}
	c.ApplyReassignment(newOwner, now)
	return nil
}

func (s *InMemory) SetArtifacts(_ context.Context, certID id.CertificateID, artifacts models.Artifacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[certID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if artifacts.PDFURI != nil {
		c.Artifacts.PDFURI = artifacts.PDFURI
	}
	if artifacts.QRURI != nil {
		c.Artifacts.QRURI = artifacts.QRURI
	}
	if artifacts.SocialImageURI != nil {
		c.Artifacts.SocialImageURI = artifacts.SocialImageURI
	}
	return nil
}

func (s *InMemory) ListByOwner(_ context.Context, owner id.UserID, limit int) ([]*models.Certificate, error) {
	return s.list(limit, func(c *models.Certificate) bool { return c.OwnerID == owner }), nil
}

func (s *InMemory) ListByIssuer(_ context.Context, issuer id.UserID, limit int) ([]*models.Certificate, error) {
	return s.list(limit, func(c *models.Certificate) bool { return c.IssuerID == issuer }), nil
}

func (s *InMemory) ListRecent(_ context.Context, limit int) ([]*models.Certificate, error) {
	return s.list(limit, func(*models.Certificate) bool { return true }), nil
}

// ListByLedgerStatus returns the oldest matching records first so the
// reconciler sweep works through its backlog in submission order.
func (s *InMemory) ListByLedgerStatus(_ context.Context, kind models.LedgerKind, status models.LedgerStatus, limit int) ([]*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Certificate
	for _, c := range s.certs {
		if c.Ledger(kind).Status == status {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (s *InMemory) Stats(_ context.Context) (models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats models.Stats
	for _, c := range s.certs {
		countStats(&stats, c)
	}
	return stats, nil
}

// list returns matches newest first.
func (s *InMemory) list(limit int, match func(*models.Certificate) bool) []*models.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Certificate
	for _, c := range s.certs {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CertificateID > out[j].CertificateID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out
}
