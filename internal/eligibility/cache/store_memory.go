package cache

import (
	"context"
	"sync"

	"mutuelle/internal/eligibility/evaluator"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/sentinel"
	"mutuelle/pkg/requestcontext"
)

// InMemoryStore is a map guarded by an RWMutex. Reads return copies.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[id.BeneficiaryID]*Entry
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{entries: make(map[id.BeneficiaryID]*Entry)}
}

func (s *InMemoryStore) Get(_ context.Context, beneficiaryID id.BeneficiaryID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[beneficiaryID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, beneficiaryID id.BeneficiaryID, verdict evaluator.Verdict, checksum string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsert(ctx, beneficiaryID, verdict, checksum), nil
}

func (s *InMemoryStore) UpsertIfVersion(ctx context.Context, beneficiaryID id.BeneficiaryID, expected int64, verdict evaluator.Verdict, checksum string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if e, ok := s.entries[beneficiaryID]; ok {
		current = e.Version
	}
	if current != expected {
		return nil, sentinel.ErrConflict
	}
	return s.upsert(ctx, beneficiaryID, verdict, checksum), nil
}

// upsert must be called with mu held.
func (s *InMemoryStore) upsert(ctx context.Context, beneficiaryID id.BeneficiaryID, verdict evaluator.Verdict, checksum string) *Entry {
	e := s.entry(beneficiaryID)
	e.Verdict = verdict
	e.Checksum = checksum
	e.Unreliable = false
	e.UnreliableReason = ""
	e.Invalidated = false
	e.UpdatedAt = requestcontext.Now(ctx)
	e.Version++
	cp := *e
	return &cp
}

func (s *InMemoryStore) MarkUnreliable(_ context.Context, beneficiaryID id.BeneficiaryID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(beneficiaryID)
	e.Unreliable = true
	e.UnreliableReason = reason
	e.Version++
	return nil
}

func (s *InMemoryStore) Invalidate(_ context.Context, beneficiaryID id.BeneficiaryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(beneficiaryID)
	e.Invalidated = true
	e.Version++
	return nil
}

// Put overwrites an entry verbatim.
func (s *InMemoryStore) Put(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := e
	s.entries[e.BeneficiaryID] = &cp
}

// entry must be called with mu held.
func (s *InMemoryStore) entry(beneficiaryID id.BeneficiaryID) *Entry {
	e, ok := s.entries[beneficiaryID]
	if !ok {
		e = &Entry{BeneficiaryID: beneficiaryID}
		s.entries[beneficiaryID] = e
	}
	return e
}
