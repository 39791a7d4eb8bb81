package handler

import (
	"strings"

	dErrors "mutuelle/pkg/domain-errors"
)

// SettleRequest is the body of POST /settlements/{voucherId}.
type SettleRequest struct {
	Amount int64 `json:"amount"`
}

// Validate leaves amount rules to the service.
func (r *SettleRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	return nil
}

// ReverseRequest is the body of POST /settlements/{settlementId}/reverse.
type ReverseRequest struct {
	Reason string `json:"reason"`
}

func (r *ReverseRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if len(r.Reason) > 500 {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 500 characters")
	}
	return nil
}
