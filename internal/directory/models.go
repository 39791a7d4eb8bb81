// Package directory is the read-only beneficiary oracle: existence,
// enrollment date and household category.
package directory

import (
	"context"
	"errors"
	"time"

	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/platform/sentinel"
)

// Category is the household category that selects the contribution tariff.
type Category string

const (
	CategoryStandard        Category = "standard"
	CategoryExpectantMother Category = "expectant_mother"
	CategoryChild           Category = "child"
	CategorySenior          Category = "senior"
)

func (c Category) IsValid() bool {
	switch c {
	case CategoryStandard, CategoryExpectantMother, CategoryChild, CategorySenior:
		return true
	}
	return false
}

// Beneficiary is a covered member. EnrolledOn is a calendar date (UTC midnight).
type Beneficiary struct {
	ID         id.BeneficiaryID
	EnrolledOn time.Time
	Category   Category
}

// Reader is the directory port consumed by the ledger, eligibility and
// voucher services.
type Reader interface {
	Lookup(ctx context.Context, beneficiaryID id.BeneficiaryID) (*Beneficiary, error)
	// List returns up to limit ids strictly greater than afterID, ascending.
	List(ctx context.Context, afterID id.BeneficiaryID, limit int) ([]id.BeneficiaryID, error)
}

// Require looks the beneficiary up and translates a miss into
// CodeUnknownBeneficiary.
func Require(ctx context.Context, r Reader, beneficiaryID id.BeneficiaryID) (*Beneficiary, error) {
	b, err := r.Lookup(ctx, beneficiaryID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeUnknownBeneficiary, "unknown beneficiary "+string(beneficiaryID))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up beneficiary")
	}
	return b, nil
}
