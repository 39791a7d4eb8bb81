package handler

import (
	"strings"

	"mutuelle/internal/ledger/models"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
)

// RecordRequest is the body of POST /contributions.
type RecordRequest struct {
	BeneficiaryID string `json:"beneficiary_id"`
	Period        string `json:"period"`
	Amount        int64  `json:"amount"`
	Kind          string `json:"kind"`
	Effect        string `json:"effect,omitempty"`
	Reference     string `json:"reference,omitempty"`
	Currency      string `json:"currency,omitempty"`

	parsedBeneficiaryID id.BeneficiaryID
}

// Validate checks shape only; period, amount and kind rules live in the
// service so they apply to every caller.
func (r *RecordRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Reference) > 128 {
		return dErrors.New(dErrors.CodeValidation, "reference must be at most 128 characters")
	}
	beneficiaryID, err := id.ParseBeneficiaryID(strings.TrimSpace(r.BeneficiaryID))
	if err != nil {
		return err
	}
	r.parsedBeneficiaryID = beneficiaryID
	r.Period = strings.TrimSpace(r.Period)
	r.Kind = strings.TrimSpace(r.Kind)
	if r.Kind == "" {
		return dErrors.New(dErrors.CodeValidation, "kind is required")
	}
	return nil
}

func (r *RecordRequest) ToModel() models.RecordRequest {
	return models.RecordRequest{
		BeneficiaryID: r.parsedBeneficiaryID,
		Period:        r.Period,
		Amount:        r.Amount,
		Kind:          r.Kind,
		Effect:        strings.TrimSpace(r.Effect),
		Reference:     r.Reference,
		Currency:      r.Currency,
	}
}

// CategoryChangeRequest is the body of POST /beneficiaries/{id}/category.
type CategoryChangeRequest struct {
	EffectivePeriod string `json:"effective_period"`
	Category        string `json:"category"`
}

func (r *CategoryChangeRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.EffectivePeriod = strings.TrimSpace(r.EffectivePeriod)
	r.Category = strings.TrimSpace(r.Category)
	if r.Category == "" {
		return dErrors.New(dErrors.CodeValidation, "category is required")
	}
	return nil
}
