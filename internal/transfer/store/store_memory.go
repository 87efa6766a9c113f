// Package store persists transfer requests.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"certchain/internal/transfer/models"
	id "certchain/pkg/domain"
	"certchain/pkg/platform/sentinel"
)

// InMemory keeps transfer requests in maps. The pending index plays the
// role of the postgres partial unique index.
type InMemory struct {
	mu        sync.RWMutex
	transfers map[id.TransferID]*models.TransferRequest
	pending   map[id.CertificateID]id.TransferID
}

func NewInMemory() *InMemory {
	return &InMemory{
		transfers: make(map[id.TransferID]*models.TransferRequest),
		pending:   make(map[id.CertificateID]id.TransferID),
	}
}

func (s *InMemory) CreatePending(_ context.Context, req *models.TransferRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[req.CertificateID]; exists {
		return fmt.Errorf("pending transfer for %s: %w", req.CertificateID, sentinel.ErrAlreadyUsed)
	}
	cp := clone(req)
	s.transfers[req.ID] = cp
	s.pending[req.CertificateID] = req.ID
	return nil
}

func (s *InMemory) FindByID(_ context.Context, transferID id.TransferID) (*models.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[transferID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(t), nil
}

func (s *InMemory) FindByIDForUpdate(ctx context.Context, transferID id.TransferID) (*models.TransferRequest, error) {
	return s.FindByID(ctx, transferID)
}

func (s *InMemory) FindPendingByCertificate(_ context.Context, certID id.CertificateID) (*models.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tid, ok := s.pending[certID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(s.transfers[tid]), nil
}

// ListByCertificate returns the transfer history oldest first.
func (s *InMemory) ListByCertificate(_ context.Context, certID id.CertificateID) ([]*models.TransferRequest, error) {
	return s.list(func(t *models.TransferRequest) bool { return t.CertificateID == certID }), nil
}

func (s *InMemory) ListPendingForRecipient(_ context.Context, userID id.UserID) ([]*models.TransferRequest, error) {
	return s.list(func(t *models.TransferRequest) bool { return t.IsPending() && t.ToUserID == userID }), nil
}

func (s *InMemory) Resolve(_ context.Context, transferID id.TransferID, status models.Status, resolution models.Resolution, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[transferID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if err := t.Resolve(status, resolution, now); err != nil {
		return err
	}
	delete(s.pending, t.CertificateID)
	return nil
}

func (s *InMemory) list(match func(*models.TransferRequest) bool) []*models.TransferRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TransferRequest
	for _, t := range s.transfers {
		if match(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func clone(t *models.TransferRequest) *models.TransferRequest {
	cp := *t
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}
