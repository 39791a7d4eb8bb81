// Package cache holds the eligibility projection: the last verdict per
// beneficiary plus the flags the reconciliation sweep acts on. Everything in
// it can be rebuilt from the ledger.
package cache

import (
	"context"
	"time"

	"mutuelle/internal/eligibility/evaluator"
	id "mutuelle/pkg/domain"
)

// Entry is one cached eligibility row.
type Entry struct {
	BeneficiaryID    id.BeneficiaryID  `json:"beneficiary_id"`
	Verdict          evaluator.Verdict `json:"verdict"`
	Checksum         string            `json:"checksum"`
	Version          int64             `json:"version"`
	Unreliable       bool              `json:"unreliable"`
	UnreliableReason string            `json:"unreliable_reason,omitempty"`
	Invalidated      bool              `json:"invalidated"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Usable reports whether the entry can answer a read without recomputation.
// Stale entries are still usable; staleness is the sweep's concern.
func (e *Entry) Usable() bool {
	return e != nil && !e.Verdict.IsZero() && !e.Unreliable && !e.Invalidated
}

// VersionOf returns the version of e, 0 for a missing row.
func VersionOf(e *Entry) int64 {
	if e == nil {
		return 0
	}
	return e.Version
}

// Staleness is the age of the verdict at now.
func (e *Entry) Staleness(now time.Time) time.Duration {
	if e == nil || e.UpdatedAt.IsZero() {
		return 0
	}
	return now.Sub(e.UpdatedAt)
}

// Store is the cache port. Get returns sentinel.ErrNotFound for a missing row.
// Every write bumps Version.
type Store interface {
	Get(ctx context.Context, beneficiaryID id.BeneficiaryID) (*Entry, error)
	// Upsert replaces the verdict and clears the unreliable and invalidated flags.
	Upsert(ctx context.Context, beneficiaryID id.BeneficiaryID, verdict evaluator.Verdict, checksum string) (*Entry, error)
	// UpsertIfVersion is Upsert guarded by the version the caller read before
	// evaluating; a missing row has version 0. A mismatch returns
	// sentinel.ErrConflict and writes nothing.
	UpsertIfVersion(ctx context.Context, beneficiaryID id.BeneficiaryID, expected int64, verdict evaluator.Verdict, checksum string) (*Entry, error)
	MarkUnreliable(ctx context.Context, beneficiaryID id.BeneficiaryID, reason string) error
	Invalidate(ctx context.Context, beneficiaryID id.BeneficiaryID) error
}
