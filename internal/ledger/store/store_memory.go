// Package store persists contribution transactions and category changes.
// Both stores are append-only.
package store

import (
	"context"
	"sync"

	"mutuelle/internal/ledger/models"
	id "mutuelle/pkg/domain"
)

// InMemoryStore keeps ledger facts per beneficiary in append order.
type InMemoryStore struct {
	mu           sync.RWMutex
	transactions map[id.BeneficiaryID][]models.Transaction
	changes      map[id.BeneficiaryID][]models.CategoryChange
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		transactions: make(map[id.BeneficiaryID][]models.Transaction),
		changes:      make(map[id.BeneficiaryID][]models.CategoryChange),
	}
}

func (s *InMemoryStore) Append(_ context.Context, t *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[t.BeneficiaryID] = append(s.transactions[t.BeneficiaryID], *t)
	return nil
}

func (s *InMemoryStore) AppendCategoryChange(_ context.Context, c *models.CategoryChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[c.BeneficiaryID] = append(s.changes[c.BeneficiaryID], *c)
	return nil
}

// ListTransactions returns a copy ordered by period then posted time.
func (s *InMemoryStore) ListTransactions(_ context.Context, beneficiaryID id.BeneficiaryID) ([]models.Transaction, error) {
	s.mu.RLock()
	out := make([]models.Transaction, len(s.transactions[beneficiaryID]))
	copy(out, s.transactions[beneficiaryID])
	s.mu.RUnlock()

	models.SortTransactions(out)
	return out, nil
}

func (s *InMemoryStore) ListCategoryChanges(_ context.Context, beneficiaryID id.BeneficiaryID) ([]models.CategoryChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CategoryChange, len(s.changes[beneficiaryID]))
	copy(out, s.changes[beneficiaryID])
	return out, nil
}
