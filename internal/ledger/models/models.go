// Package models holds the contribution ledger's facts and the state the
// eligibility evaluator folds.
package models

import (
	"slices"
	"time"

	"mutuelle/internal/directory"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
)

// Kind of contribution transaction.
type Kind string

const (
	KindPayment    Kind = "payment"
	KindAdjustment Kind = "adjustment"
	// KindWaiver exempts a period; its amount equals the period's required amount.
	KindWaiver Kind = "waiver"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindPayment, KindAdjustment, KindWaiver:
		return k, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "unknown transaction kind "+s)
}

// Effect is the direction a transaction moves the period total. Only
// adjustments may debit.
type Effect string

const (
	EffectCredit Effect = "credit"
	EffectDebit  Effect = "debit"
)

func ParseEffect(s string) (Effect, error) {
	switch e := Effect(s); e {
	case "":
		return EffectCredit, nil
	case EffectCredit, EffectDebit:
		return e, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "unknown transaction effect "+s)
}

// Transaction is an immutable contribution fact. Amount is always positive;
// Effect carries the sign.
type Transaction struct {
	ID            id.TransactionID `json:"id"`
	BeneficiaryID id.BeneficiaryID `json:"beneficiary_id"`
	Period        Period           `json:"period"`
	Amount        int64            `json:"amount"`
	Currency      string           `json:"currency"`
	Kind          Kind             `json:"kind"`
	Effect        Effect           `json:"effect"`
	Reference     string           `json:"reference,omitempty"`
	PostedAt      time.Time        `json:"posted_at"`
	RecordedBy    id.ActorID       `json:"recorded_by"`
}

// Signed returns the amount with the effect's sign applied.
func (t Transaction) Signed() int64 {
	if t.Effect == EffectDebit {
		return -t.Amount
	}
	return t.Amount
}

// CategoryChange switches the beneficiary's tariff category from
// EffectivePeriod onward.
type CategoryChange struct {
	BeneficiaryID   id.BeneficiaryID   `json:"beneficiary_id"`
	EffectivePeriod Period             `json:"effective_period"`
	Category        directory.Category `json:"category"`
	RecordedAt      time.Time          `json:"recorded_at"`
	RecordedBy      id.ActorID         `json:"recorded_by"`
}

// Tariffs maps a household category to its monthly required amount.
type Tariffs map[directory.Category]int64

// Required returns the required amount for category, or 0 if no tariff exists.
func (t Tariffs) Required(c directory.Category) int64 {
	return t[c]
}

// State is everything the evaluator needs for one beneficiary.
type State struct {
	Beneficiary     directory.Beneficiary
	CategoryChanges []CategoryChange
	Transactions    []Transaction
}

// EnrollmentPeriod is the first period contributions are owed for.
func (s State) EnrollmentPeriod() Period {
	return PeriodOf(s.Beneficiary.EnrolledOn)
}

// CategoryAt returns the category in force for p, considering only changes
// recorded at or before asOf. A later change for the same effective period
// wins.
func (s State) CategoryAt(p Period, asOf time.Time) directory.Category {
	category := s.Beneficiary.Category
	var best *CategoryChange
	for i := range s.CategoryChanges {
		c := &s.CategoryChanges[i]
		if c.RecordedAt.After(asOf) || c.EffectivePeriod.After(p) {
			continue
		}
		if best == nil || !c.EffectivePeriod.Before(best.EffectivePeriod) {
			best = c
		}
	}
	if best != nil {
		category = best.Category
	}
	return category
}

// PeriodTransactions returns the transactions for p, in ledger order.
func (s State) PeriodTransactions(p Period) []Transaction {
	var out []Transaction
	for _, t := range s.Transactions {
		if t.Period == p {
			out = append(out, t)
		}
	}
	return out
}

// SortTransactions orders by period, then posted timestamp. The sort is stable
// so same-instant postings keep append order.
func SortTransactions(txs []Transaction) {
	slices.SortStableFunc(txs, func(a, b Transaction) int {
		if c := a.Period.Compare(b.Period); c != 0 {
			return c
		}
		return a.PostedAt.Compare(b.PostedAt)
	})
}

// RecordRequest carries one contribution event as received from the admin layer.
type RecordRequest struct {
	BeneficiaryID id.BeneficiaryID
	Period        string
	Amount        int64
	Kind          string
	Effect        string
	Reference     string
	Currency      string
}

// CategoryChangeRequest switches a beneficiary's category from Period onward.
type CategoryChangeRequest struct {
	BeneficiaryID id.BeneficiaryID
	Period        string
	Category      string
}
