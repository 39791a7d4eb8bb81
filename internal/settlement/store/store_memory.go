// Package store persists settlement records.
package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"mutuelle/internal/settlement/models"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/sentinel"
)

// InMemoryStore keeps records in insertion order.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []*models.Record
	byID    map[id.SettlementID]*models.Record
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{byID: make(map[id.SettlementID]*models.Record)}
}

// Insert fails with sentinel.ErrAlreadyUsed when the voucher already has an
// active settlement.
func (s *InMemoryStore) Insert(_ context.Context, r *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; ok {
		return sentinel.ErrConflict
	}
	if r.Active() {
		for _, existing := range s.records {
			if existing.VoucherID == r.VoucherID && existing.Active() {
				return sentinel.ErrAlreadyUsed
			}
		}
	}
	cp := clone(r)
	s.records = append(s.records, cp)
	s.byID[r.ID] = cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, settlementID id.SettlementID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[settlementID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(r), nil
}

// UpdateStatus moves a record from one status to another. It fails with
// sentinel.ErrInvalidState when the record is no longer in from.
func (s *InMemoryStore) UpdateStatus(_ context.Context, settlementID id.SettlementID, from, to models.Status, settledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[settlementID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if r.Status != from {
		return sentinel.ErrInvalidState
	}
	r.Status = to
	if settledAt != nil {
		at := *settledAt
		r.SettledAt = &at
	}
	return nil
}

func (s *InMemoryStore) Active(_ context.Context, voucherID id.VoucherID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.VoucherID == voucherID && r.Active() {
			return clone(r), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) ListByVoucher(_ context.Context, voucherID id.VoucherID) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Record
	for _, r := range s.records {
		if r.VoucherID == voucherID {
			out = append(out, *clone(r))
		}
	}
	return out, nil
}

// ListPending returns pending records created at or before cutoff, ordered by
// id and starting after the cursor.
func (s *InMemoryStore) ListPending(_ context.Context, after string, cutoff time.Time, limit int) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Record
	for _, r := range s.records {
		if r.Status != models.StatusPending || r.CreatedAt.After(cutoff) || r.ID.String() <= after {
			continue
		}
		out = append(out, *clone(r))
	}
	slices.SortFunc(out, func(a, b models.Record) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(r *models.Record) *models.Record {
	cp := *r
	if r.Compensates != nil {
		c := *r.Compensates
		cp.Compensates = &c
	}
	if r.SettledAt != nil {
		at := *r.SettledAt
		cp.SettledAt = &at
	}
	return &cp
}
