// Package store persists care vouchers.
package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"mutuelle/internal/voucher/models"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/sentinel"
)

// InMemoryStore keeps vouchers in a map. A single mutex covers both steps of
// Execute, so concurrent transitions on one voucher are serialized.
type InMemoryStore struct {
	mu       sync.Mutex
	vouchers map[id.VoucherID]*models.Voucher
	codes    map[string]id.VoucherID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		vouchers: make(map[id.VoucherID]*models.Voucher),
		codes:    make(map[string]id.VoucherID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, v *models.Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vouchers[v.ID]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.codes[v.Code]; ok {
		return sentinel.ErrConflict
	}
	s.vouchers[v.ID] = v.Clone()
	s.codes[v.Code] = v.ID
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, voucherID id.VoucherID) (*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[voucherID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return v.Clone(), nil
}

// Execute runs validate then mutate against the stored voucher under the
// lock. Nothing is written when validate fails.
func (s *InMemoryStore) Execute(_ context.Context, voucherID id.VoucherID, validate func(*models.Voucher) error, mutate func(*models.Voucher)) (*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.vouchers[voucherID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := stored.Clone()
	if err := validate(working); err != nil {
		return nil, err
	}
	mutate(working)
	s.vouchers[voucherID] = working
	return working.Clone(), nil
}

func (s *InMemoryStore) CountIssuedSince(_ context.Context, operatorID id.ActorID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.vouchers {
		if v.OperatorID == operatorID && !v.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ListExpirable returns ids of pre-dispensed vouchers whose window has
// elapsed at now, ordered by id and starting after the given cursor.
func (s *InMemoryStore) ListExpirable(_ context.Context, after string, now time.Time, limit int) ([]id.VoucherID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []id.VoucherID
	for vid, v := range s.vouchers {
		if !v.State.IsPreDispensed() || v.ExpiresAt.After(now) {
			continue
		}
		if vid.String() <= after {
			continue
		}
		out = append(out, vid)
	}
	slices.SortFunc(out, func(a, b id.VoucherID) int {
		return compareIDs(a, b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func compareIDs(a, b id.VoucherID) int {
	as, bs := a.String(), b.String()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
