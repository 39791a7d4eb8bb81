package domain

import (
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "mutuelle/pkg/domain-errors"
)

// Typed identifiers keep voucher, settlement and transaction ids from being
// swapped at call sites. All UUID-backed ids reject the nil UUID.
type (
	TransactionID uuid.UUID
	VoucherID     uuid.UUID
	SettlementID  uuid.UUID
)

func (id TransactionID) String() string { return uuid.UUID(id).String() }
func (id TransactionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id VoucherID) String() string     { return uuid.UUID(id).String() }
func (id VoucherID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id SettlementID) String() string  { return uuid.UUID(id).String() }
func (id SettlementID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }

func NewTransactionID() TransactionID { return TransactionID(uuid.New()) }
func NewVoucherID() VoucherID         { return VoucherID(uuid.New()) }
func NewSettlementID() SettlementID   { return SettlementID(uuid.New()) }

func (id TransactionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id VoucherID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id SettlementID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }

func (id *TransactionID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id *VoucherID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id *SettlementID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func ParseTransactionID(s string) (TransactionID, error) {
	u, err := parseUUID(s, "transaction id")
	return TransactionID(u), err
}

func ParseVoucherID(s string) (VoucherID, error) {
	u, err := parseUUID(s, "voucher id")
	return VoucherID(u), err
}

func ParseSettlementID(s string) (SettlementID, error) {
	u, err := parseUUID(s, "settlement id")
	return SettlementID(u), err
}

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" is required")
	}
	if len(s) > 36 || !utf8.ValidString(s) {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+what)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+what)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be nil")
	}
	return u, nil
}

// BeneficiaryID is the member identifier issued by the directory (matricule).
// It is opaque to the core: letters, digits, '-', '_' and '.', at most 64 bytes.
type BeneficiaryID string

// ActorID identifies an operator, physician, pharmacist or insurer admin as
// asserted by the calling admin layer.
type ActorID string

const maxExternalIDLength = 64

func (id BeneficiaryID) String() string { return string(id) }
func (id ActorID) String() string       { return string(id) }

func ParseBeneficiaryID(s string) (BeneficiaryID, error) {
	if err := validateExternalID(s, "beneficiary id"); err != nil {
		return "", err
	}
	return BeneficiaryID(s), nil
}

func ParseActorID(s string) (ActorID, error) {
	if err := validateExternalID(s, "actor id"); err != nil {
		return "", err
	}
	return ActorID(s), nil
}

func validateExternalID(s, what string) error {
	if s == "" {
		return dErrors.New(dErrors.CodeInvalidInput, what+" is required")
	}
	if len(s) > maxExternalIDLength {
		return dErrors.New(dErrors.CodeInvalidInput, what+" is too long")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return dErrors.New(dErrors.CodeInvalidInput, "invalid "+what)
		}
	}
	return nil
}
