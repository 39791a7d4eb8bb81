package handler

import (
	"time"

	"mutuelle/internal/voucher/models"
)

type SnapshotResponse struct {
	Status         string     `json:"status"`
	AsOf           time.Time  `json:"as_of"`
	OverdueAmount  int64      `json:"overdue_amount"`
	OverdueSince   *time.Time `json:"overdue_since,omitempty"`
	DaysOverdue    int        `json:"days_overdue"`
	Source         string     `json:"source"`
	Override       bool       `json:"override"`
	OverrideReason string     `json:"override_reason,omitempty"`
}

type TransitionResponse struct {
	Name      string    `json:"name"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	ActorID   string    `json:"actor_id"`
	ActorRole string    `json:"actor_role"`
	At        time.Time `json:"at"`
	Reason    string    `json:"reason,omitempty"`
}

type VoucherResponse struct {
	ID                 string               `json:"id"`
	Code               string               `json:"code"`
	BeneficiaryID      string               `json:"beneficiary_id"`
	OperatorID         string               `json:"operator_id"`
	State              string               `json:"state"`
	CreatedAt          time.Time            `json:"created_at"`
	ExpiresAt          time.Time            `json:"expires_at"`
	Ceiling            int64                `json:"ceiling"`
	Currency           string               `json:"currency"`
	CareType           string               `json:"care_type,omitempty"`
	Urgency            string               `json:"urgency"`
	ConsultationReason string               `json:"consultation_reason,omitempty"`
	RejectionReason    string               `json:"rejection_reason,omitempty"`
	Eligibility        SnapshotResponse     `json:"eligibility"`
	Transitions        []TransitionResponse `json:"transitions"`
	Version            int                  `json:"version"`
}

func toResponse(v *models.Voucher) VoucherResponse {
	resp := VoucherResponse{
		ID:                 v.ID.String(),
		Code:               v.Code,
		BeneficiaryID:      string(v.BeneficiaryID),
		OperatorID:         string(v.OperatorID),
		State:              string(v.State),
		CreatedAt:          v.CreatedAt,
		ExpiresAt:          v.ExpiresAt,
		Ceiling:            v.Ceiling,
		Currency:           v.Currency,
		CareType:           v.CareType,
		Urgency:            string(v.Urgency),
		ConsultationReason: v.ConsultationReason,
		RejectionReason:    v.RejectionReason,
		Eligibility: SnapshotResponse{
			Status:         string(v.Snapshot.Verdict.Status),
			AsOf:           v.Snapshot.Verdict.AsOf,
			OverdueAmount:  v.Snapshot.Verdict.OverdueAmount,
			OverdueSince:   v.Snapshot.Verdict.OverdueSince,
			DaysOverdue:    v.Snapshot.Verdict.DaysOverdue,
			Source:         v.Snapshot.Source,
			Override:       v.Snapshot.Override,
			OverrideReason: v.Snapshot.OverrideReason,
		},
		Transitions: make([]TransitionResponse, 0, len(v.Transitions)),
		Version:     v.Version,
	}
	for _, t := range v.Transitions {
		resp.Transitions = append(resp.Transitions, TransitionResponse{
			Name:      string(t.Name),
			From:      string(t.From),
			To:        string(t.To),
			ActorID:   string(t.ActorID),
			ActorRole: string(t.ActorRole),
			At:        t.At,
			Reason:    t.Reason,
		})
	}
	return resp
}
