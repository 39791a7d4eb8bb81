package handler

import (
	"strings"

	"mutuelle/internal/voucher/models"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
)

// CreateRequest is the body of POST /vouchers.
type CreateRequest struct {
	BeneficiaryID      string `json:"beneficiary_id"`
	Ceiling            int64  `json:"ceiling"`
	Currency           string `json:"currency,omitempty"`
	Override           bool   `json:"override,omitempty"`
	OverrideReason     string `json:"override_reason,omitempty"`
	CareType           string `json:"care_type,omitempty"`
	Urgency            string `json:"urgency,omitempty"`
	ConsultationReason string `json:"consultation_reason,omitempty"`

	parsedBeneficiaryID id.BeneficiaryID
}

func (r *CreateRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	beneficiaryID, err := id.ParseBeneficiaryID(strings.TrimSpace(r.BeneficiaryID))
	if err != nil {
		return err
	}
	r.parsedBeneficiaryID = beneficiaryID
	if len(r.ConsultationReason) > 500 || len(r.OverrideReason) > 500 {
		return dErrors.New(dErrors.CodeValidation, "reasons must be at most 500 characters")
	}
	return nil
}

func (r *CreateRequest) ToModel() models.CreateRequest {
	return models.CreateRequest{
		BeneficiaryID:      r.parsedBeneficiaryID,
		Ceiling:            r.Ceiling,
		Currency:           r.Currency,
		Override:           r.Override,
		OverrideReason:     r.OverrideReason,
		CareType:           r.CareType,
		Urgency:            strings.TrimSpace(r.Urgency),
		ConsultationReason: r.ConsultationReason,
	}
}

// TransitionRequest is the body of POST /vouchers/{id}/transition.
type TransitionRequest struct {
	Transition string `json:"transition"`
	Reason     string `json:"reason,omitempty"`
}

func (r *TransitionRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Transition = strings.TrimSpace(r.Transition)
	if r.Transition == "" {
		return dErrors.New(dErrors.CodeValidation, "transition is required")
	}
	if len(r.Reason) > 500 {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 500 characters")
	}
	return nil
}
