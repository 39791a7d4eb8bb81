// Package evaluator derives an eligibility verdict from ledger state. It is
// pure: the same state, as-of instant and policy always yield the same
// verdict, including the checksum.
package evaluator

import (
	"encoding/binary"
	"encoding/hex"
	"slices"
	"time"

	"golang.org/x/crypto/blake2b"

	"mutuelle/internal/ledger/models"
	id "mutuelle/pkg/domain"
)

// Status of a beneficiary's contributions.
type Status string

const (
	StatusCurrent Status = "current"
	StatusOverdue Status = "overdue"
	StatusWaived  Status = "waived"
)

// Policy holds the knobs that turn ledger facts into a verdict.
type Policy struct {
	// GraceDays extends each period's deadline past its end.
	GraceDays int
	Tariffs   models.Tariffs
}

// Anomaly is an inconsistency found while folding the ledger.
type Anomaly struct {
	Period        models.Period    `json:"period"`
	TransactionID id.TransactionID `json:"transaction_id"`
	RunningTotal  int64            `json:"running_total"`
}

// Verdict is the derived eligibility of one beneficiary at AsOf.
type Verdict struct {
	BeneficiaryID  id.BeneficiaryID `json:"beneficiary_id"`
	AsOf           time.Time        `json:"as_of"`
	Status         Status           `json:"status"`
	OverdueAmount  int64            `json:"overdue_amount"`
	OverdueSince   *time.Time       `json:"overdue_since,omitempty"`
	OverduePeriods []models.Period  `json:"overdue_periods,omitempty"`
	WaivedPeriods  []models.Period  `json:"waived_periods,omitempty"`
	DaysOverdue    int              `json:"days_overdue"`
	Checksum       string           `json:"checksum"`
	ComputedAt     time.Time        `json:"computed_at"`
	Anomalies      []Anomaly        `json:"anomalies,omitempty"`
}

// IsZero reports whether v carries no verdict.
func (v Verdict) IsZero() bool { return v.Status == "" }

// Evaluate folds state as of asOf. Transactions and category changes recorded
// after asOf are ignored.
func Evaluate(state models.State, asOf time.Time, policy Policy) Verdict {
	asOf = asOf.UTC()
	visible := visibleTransactions(state.Transactions, asOf)

	credited := make(map[models.Period]int64)
	waived := make(map[models.Period]bool)
	unsound := make(map[models.Period]bool)
	running := make(map[models.Period]int64)
	var anomalies []Anomaly

	for _, t := range visible {
		running[t.Period] += t.Signed()
		if running[t.Period] < 0 {
			anomalies = append(anomalies, Anomaly{
				Period:        t.Period,
				TransactionID: t.ID,
				RunningTotal:  running[t.Period],
			})
			unsound[t.Period] = true
		}
		if t.Kind == models.KindWaiver {
			waived[t.Period] = true
			continue
		}
		credited[t.Period] += t.Signed()
	}

	v := Verdict{
		BeneficiaryID: state.Beneficiary.ID,
		AsOf:          asOf,
		Status:        StatusCurrent,
		Checksum:      Checksum(state, asOf),
		ComputedAt:    asOf,
		Anomalies:     anomalies,
	}

	grace := time.Duration(policy.GraceDays) * 24 * time.Hour
	var firstShortfall *models.Period
	for p := state.EnrollmentPeriod(); !p.End().Add(grace).After(asOf); p = p.Next() {
		required := policy.Tariffs.Required(state.CategoryAt(p, asOf))
		paid := credited[p]
		if unsound[p] || paid < 0 {
			paid = 0
		}
		if paid >= required {
			continue
		}
		if waived[p] && !unsound[p] {
			v.WaivedPeriods = append(v.WaivedPeriods, p)
			continue
		}
		v.OverdueAmount += required - paid
		v.OverduePeriods = append(v.OverduePeriods, p)
		if firstShortfall == nil {
			first := p
			firstShortfall = &first
		}
	}

	switch {
	case len(v.OverduePeriods) > 0:
		v.Status = StatusOverdue
		since := firstShortfall.Start()
		v.OverdueSince = &since
		v.DaysOverdue = int(asOf.Sub(firstShortfall.End().Add(grace)) / (24 * time.Hour))
	case len(v.WaivedPeriods) > 0:
		v.Status = StatusWaived
	}
	return v
}

func visibleTransactions(all []models.Transaction, asOf time.Time) []models.Transaction {
	out := make([]models.Transaction, 0, len(all))
	for _, t := range all {
		if !t.PostedAt.After(asOf) {
			out = append(out, t)
		}
	}
	models.SortTransactions(out)
	return out
}

// Checksum is a BLAKE2b-256 digest over the canonical encoding of the ledger
// state visible at asOf. Input order does not matter.
func Checksum(state models.State, asOf time.Time) string {
	h, _ := blake2b.New256(nil)
	var buf [8]byte

	writeString := func(s string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	writeInt := func(n int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(n))
		h.Write(buf[:])
	}

	b := state.Beneficiary
	writeString(string(b.ID))
	writeString(b.EnrolledOn.UTC().Format(time.DateOnly))
	writeString(string(b.Category))

	changes := make([]models.CategoryChange, 0, len(state.CategoryChanges))
	for _, c := range state.CategoryChanges {
		if !c.RecordedAt.After(asOf) {
			changes = append(changes, c)
		}
	}
	slices.SortStableFunc(changes, func(a, b models.CategoryChange) int {
		if c := a.EffectivePeriod.Compare(b.EffectivePeriod); c != 0 {
			return c
		}
		return a.RecordedAt.Compare(b.RecordedAt)
	})
	writeInt(int64(len(changes)))
	for _, c := range changes {
		writeString(c.EffectivePeriod.String())
		writeString(string(c.Category))
		writeInt(c.RecordedAt.UnixNano())
	}

	txs := visibleTransactions(state.Transactions, asOf)
	slices.SortStableFunc(txs, func(a, b models.Transaction) int {
		if c := a.Period.Compare(b.Period); c != 0 {
			return c
		}
		if c := a.PostedAt.Compare(b.PostedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	writeInt(int64(len(txs)))
	for _, t := range txs {
		h.Write(t.ID[:])
		writeString(t.Period.String())
		writeInt(t.Amount)
		writeString(t.Currency)
		writeString(string(t.Kind))
		writeString(string(t.Effect))
		writeInt(t.PostedAt.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

func compareIDs(a, b id.TransactionID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
