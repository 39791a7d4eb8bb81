package handler

import (
	"time"

	"mutuelle/internal/ledger/models"
)

type TransactionResponse struct {
	ID            string    `json:"id"`
	BeneficiaryID string    `json:"beneficiary_id"`
	Period        string    `json:"period"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Kind          string    `json:"kind"`
	Effect        string    `json:"effect"`
	Reference     string    `json:"reference,omitempty"`
	PostedAt      time.Time `json:"posted_at"`
	RecordedBy    string    `json:"recorded_by"`
}

type HistoryResponse struct {
	BeneficiaryID string                `json:"beneficiary_id"`
	Transactions  []TransactionResponse `json:"transactions"`
}

type CategoryChangeResponse struct {
	BeneficiaryID   string    `json:"beneficiary_id"`
	EffectivePeriod string    `json:"effective_period"`
	Category        string    `json:"category"`
	RecordedAt      time.Time `json:"recorded_at"`
	RecordedBy      string    `json:"recorded_by"`
}

func toTransactionResponse(t models.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:            t.ID.String(),
		BeneficiaryID: string(t.BeneficiaryID),
		Period:        t.Period.String(),
		Amount:        t.Amount,
		Currency:      t.Currency,
		Kind:          string(t.Kind),
		Effect:        string(t.Effect),
		Reference:     t.Reference,
		PostedAt:      t.PostedAt,
		RecordedBy:    string(t.RecordedBy),
	}
}
