// Package models defines the care voucher and its state machine.
package models

import (
	"fmt"
	"slices"
	"time"

	"mutuelle/internal/eligibility/evaluator"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
)

// State of a care voucher.
type State string

const (
	StateCreated                   State = "created"
	StatePendingPhysicianReview    State = "pending_physician_review"
	StatePhysicianValidated        State = "physician_validated"
	StatePendingPharmacistDispense State = "pending_pharmacist_dispense"
	StateDispensed                 State = "dispensed"
	StateSettled                   State = "settled"
	StateRejected                  State = "rejected"
	StateExpired                   State = "expired"
)

// PreDispensed lists the states a voucher can still be rejected, cancelled
// or expired from.
var PreDispensed = []State{
	StateCreated,
	StatePendingPhysicianReview,
	StatePhysicianValidated,
	StatePendingPharmacistDispense,
}

func (s State) IsPreDispensed() bool {
	return slices.Contains(PreDispensed, s)
}

// IsDispensedOrLater reports whether care has been handed over.
func (s State) IsDispensedOrLater() bool {
	return s == StateDispensed || s == StateSettled
}

// IsTerminal reports whether no actor transition leads out of s. Settled is
// left out since an insurer admin can reopen it.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateExpired
}

// Transition names.
type Transition string

const (
	SubmitForPhysicianReview Transition = "submit_for_physician_review"
	PhysicianValidate        Transition = "physician_validate"
	PhysicianReject          Transition = "physician_reject"
	SubmitForDispense        Transition = "submit_for_dispense"
	PharmacistDispense       Transition = "pharmacist_dispense"
	PharmacistReject         Transition = "pharmacist_reject"
	Cancel                   Transition = "cancel"
	Expire                   Transition = "expire"
	Settle                   Transition = "settle"
	ReopenSettlement         Transition = "reopen_settlement"
)

// Rule is one row of the transition table.
type Rule struct {
	From          []State
	To            State
	Roles         []id.Role
	RequireReason bool
	// Internal transitions are driven by other modules, never by an HTTP caller.
	Internal bool
}

var rules = map[Transition]Rule{
	SubmitForPhysicianReview: {From: []State{StateCreated}, To: StatePendingPhysicianReview, Roles: []id.Role{id.RoleOperator}},
	PhysicianValidate:        {From: []State{StatePendingPhysicianReview}, To: StatePhysicianValidated, Roles: []id.Role{id.RolePhysician}},
	PhysicianReject:          {From: []State{StatePendingPhysicianReview}, To: StateRejected, Roles: []id.Role{id.RolePhysician}, RequireReason: true},
	SubmitForDispense:        {From: []State{StatePhysicianValidated}, To: StatePendingPharmacistDispense, Roles: []id.Role{id.RolePhysician, id.RoleOperator}},
	PharmacistDispense:       {From: []State{StatePendingPharmacistDispense}, To: StateDispensed, Roles: []id.Role{id.RolePharmacist}},
	PharmacistReject:         {From: []State{StatePendingPharmacistDispense}, To: StateRejected, Roles: []id.Role{id.RolePharmacist}, RequireReason: true},
	Cancel:                   {From: PreDispensed, To: StateRejected, Roles: []id.Role{id.RoleOperator, id.RoleInsurerAdmin}, RequireReason: true},
	Expire:                   {From: PreDispensed, To: StateExpired, Roles: []id.Role{id.RoleSystem}},
	Settle:                   {From: []State{StateDispensed}, To: StateSettled, Roles: []id.Role{id.RoleInsurerAdmin}, Internal: true},
	ReopenSettlement:         {From: []State{StateSettled}, To: StateDispensed, Roles: []id.Role{id.RoleInsurerAdmin}, Internal: true},
}

// RuleFor returns the table row for t.
func RuleFor(t Transition) (Rule, error) {
	r, ok := rules[t]
	if !ok {
		return Rule{}, dErrors.New(dErrors.CodeValidation, "unknown transition "+string(t))
	}
	return r, nil
}

// Urgency of the requested care.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyCritical Urgency = "critical"
)

func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(s); u {
	case "":
		return UrgencyNormal, nil
	case UrgencyNormal, UrgencyUrgent, UrgencyCritical:
		return u, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "unknown urgency "+s)
}

// TransitionRecord is one entry of a voucher's history.
type TransitionRecord struct {
	Name      Transition `json:"name"`
	From      State      `json:"from"`
	To        State      `json:"to"`
	ActorID   id.ActorID `json:"actor_id"`
	ActorRole id.Role    `json:"actor_role"`
	At        time.Time  `json:"at"`
	Reason    string     `json:"reason,omitempty"`
}

// Snapshot is the eligibility verdict frozen at issuance.
type Snapshot struct {
	Verdict        evaluator.Verdict `json:"verdict"`
	Source         string            `json:"source"`
	Override       bool              `json:"override"`
	OverrideReason string            `json:"override_reason,omitempty"`
}

// Voucher is a care authorization ("bon de soin").
type Voucher struct {
	ID                 id.VoucherID       `json:"id"`
	Code               string             `json:"code"`
	BeneficiaryID      id.BeneficiaryID   `json:"beneficiary_id"`
	OperatorID         id.ActorID         `json:"operator_id"`
	CreatedAt          time.Time          `json:"created_at"`
	ExpiresAt          time.Time          `json:"expires_at"`
	State              State              `json:"state"`
	Snapshot           Snapshot           `json:"snapshot"`
	Ceiling            int64              `json:"ceiling"`
	Currency           string             `json:"currency"`
	RejectionReason    string             `json:"rejection_reason,omitempty"`
	CareType           string             `json:"care_type,omitempty"`
	Urgency            Urgency            `json:"urgency"`
	ConsultationReason string             `json:"consultation_reason,omitempty"`
	Transitions        []TransitionRecord `json:"transitions"`
	Version            int                `json:"version"`
}

// Clone returns a deep copy.
func (v *Voucher) Clone() *Voucher {
	cp := *v
	cp.Transitions = slices.Clone(v.Transitions)
	cp.Snapshot.Verdict.OverduePeriods = slices.Clone(v.Snapshot.Verdict.OverduePeriods)
	cp.Snapshot.Verdict.WaivedPeriods = slices.Clone(v.Snapshot.Verdict.WaivedPeriods)
	cp.Snapshot.Verdict.Anomalies = slices.Clone(v.Snapshot.Verdict.Anomalies)
	return &cp
}

// CanApply checks whether t may move the voucher at now. Role checks happen
// before this, outside the store lock.
func (v *Voucher) CanApply(t Transition, now time.Time) error {
	rule, err := RuleFor(t)
	if err != nil {
		return err
	}
	if !slices.Contains(rule.From, v.State) {
		return dErrors.New(dErrors.CodeInvalidTransition,
			fmt.Sprintf("%s is not allowed from %s", t, v.State))
	}
	elapsed := !now.Before(v.ExpiresAt)
	switch {
	case t == Expire && !elapsed:
		return dErrors.New(dErrors.CodeInvalidTransition,
			"validity window runs until "+v.ExpiresAt.UTC().Format(time.RFC3339))
	case t != Expire && elapsed && v.State.IsPreDispensed():
		return dErrors.New(dErrors.CodeInvalidTransition, "validity window has elapsed")
	}
	return nil
}

// Apply moves the voucher and appends the history record. CanApply must have
// passed under the same lock.
func (v *Voucher) Apply(t Transition, actor id.Actor, now time.Time, reason string) {
	rule := rules[t]
	v.Transitions = append(v.Transitions, TransitionRecord{
		Name:      t,
		From:      v.State,
		To:        rule.To,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		At:        now,
		Reason:    reason,
	})
	v.State = rule.To
	if rule.To == StateRejected {
		v.RejectionReason = reason
	}
	v.Version++
}

// CreateRequest carries a voucher issuance.
type CreateRequest struct {
	BeneficiaryID      id.BeneficiaryID
	Ceiling            int64
	Currency           string
	Override           bool
	OverrideReason     string
	CareType           string
	Urgency            string
	ConsultationReason string
}
