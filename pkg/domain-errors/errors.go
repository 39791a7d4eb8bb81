// Package domainerrors carries the coded error taxonomy shared by services and
// transports. Services return *Error values; transports translate the Code into
// a status and a stable machine-readable error string.
//
// Codes fall into three families:
//   - validation: rejected synchronously, never retried by the core
//   - state conflict: caller may retry after re-reading current state
//   - infrastructure: internal, timeout, unavailable
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies a failure in a transport-neutral way.
type Code string

const (
	// Generic codes.
	CodeBadRequest   Code = "bad_request"
	CodeValidation   Code = "validation_error"
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeInternal     Code = "internal_error"
	CodeTimeout      Code = "timeout"
	CodeUnavailable  Code = "unavailable"

	// Validation failures.
	CodeInvalidPeriod        Code = "invalid_period"
	CodeNonPositiveAmount    Code = "non_positive_amount"
	CodeWrongActorRole       Code = "wrong_actor_role"
	CodeUnknownBeneficiary   Code = "unknown_beneficiary"
	CodePeriodOvercovered    Code = "period_overcovered"
	CodeIssuanceLimitReached Code = "issuance_limit_reached"

	// State conflicts.
	CodeIneligibleBeneficiary Code = "ineligible_beneficiary"
	CodeInvalidTransition     Code = "invalid_transition"
	CodeVoucherNotDispensed   Code = "voucher_not_dispensed"
	CodeDuplicateSettlement   Code = "duplicate_settlement"
	CodeAmountExceedsCeiling  Code = "amount_exceeds_ceiling"
)

// Error is a coded domain error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any *Error in the chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if errors.As(err, &de) {
			if de.Code == code {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// Is is an alias of HasCode kept for handler readability.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the outermost domain message, or an empty string.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}
