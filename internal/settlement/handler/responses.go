package handler

import (
	"time"

	"mutuelle/internal/settlement/models"
)

type RecordResponse struct {
	ID          string     `json:"id"`
	VoucherID   string     `json:"voucher_id"`
	Kind        string     `json:"kind"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	Compensates string     `json:"compensates,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

type ListResponse struct {
	VoucherID   string           `json:"voucher_id"`
	Settlements []RecordResponse `json:"settlements"`
}

func toResponse(r models.Record) RecordResponse {
	resp := RecordResponse{
		ID:        r.ID.String(),
		VoucherID: r.VoucherID.String(),
		Kind:      string(r.Kind),
		Amount:    r.Amount,
		Currency:  r.Currency,
		Status:    string(r.Status),
		Reason:    r.Reason,
		CreatedBy: string(r.CreatedBy),
		CreatedAt: r.CreatedAt,
		SettledAt: r.SettledAt,
	}
	if r.Compensates != nil {
		resp.Compensates = r.Compensates.String()
	}
	return resp
}
