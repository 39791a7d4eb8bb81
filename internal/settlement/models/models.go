// Package models defines settlement records.
package models

import (
	"time"

	id "mutuelle/pkg/domain"
)

type Kind string

const (
	KindSettlement Kind = "settlement"
	KindReversal   Kind = "reversal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusSettled  Status = "settled"
	StatusReversed Status = "reversed"
)

// Record is one settlement ledger entry. Records are never deleted; a
// reversal is a new record that compensates an earlier one.
type Record struct {
	ID          id.SettlementID  `json:"id"`
	VoucherID   id.VoucherID     `json:"voucher_id"`
	Kind        Kind             `json:"kind"`
	Amount      int64            `json:"amount"`
	Currency    string           `json:"currency"`
	Status      Status           `json:"status"`
	Compensates *id.SettlementID `json:"compensates,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	CreatedBy   id.ActorID       `json:"created_by"`
	CreatedAt   time.Time        `json:"created_at"`
	SettledAt   *time.Time       `json:"settled_at,omitempty"`
}

// Active reports whether r occupies the voucher's single settlement slot.
func (r *Record) Active() bool {
	return r.Kind == KindSettlement && r.Status != StatusReversed
}
