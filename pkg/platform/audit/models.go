package audit

import (
	"context"
	"time"

	id "mutuelle/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
type EventCategory string

const (
	// CategoryCompliance covers actions with financial or medical-authorization
	// significance. These are persisted fail-closed and kept for long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers routine reads and repairs useful for
	// operational visibility.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category      EventCategory
	Timestamp     time.Time
	BeneficiaryID id.BeneficiaryID
	// Subject is the entity acted on (voucher id, settlement id, transaction id).
	Subject   string
	Action    string
	Decision  string
	Reason    string
	RequestID string
	ActorID   string
	ActorRole string
}

type AuditEvent string

const (
	// Ledger events
	EventContributionRecorded AuditEvent = "contribution_recorded"
	EventCategoryChanged      AuditEvent = "category_changed"

	// Eligibility events
	EventEligibilityChecked   AuditEvent = "eligibility_checked"
	EventDivergenceRepaired   AuditEvent = "divergence_repaired"
	EventDivergenceUnresolved AuditEvent = "divergence_unresolved"

	// Voucher events
	EventVoucherCreated      AuditEvent = "voucher_created"
	EventVoucherTransitioned AuditEvent = "voucher_transitioned"
	EventVoucherExpired      AuditEvent = "voucher_expired"

	// Settlement events
	EventSettlementPosted   AuditEvent = "settlement_posted"
	EventSettlementReversed AuditEvent = "settlement_reversed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventContributionRecorded: CategoryCompliance,
	EventCategoryChanged:      CategoryCompliance,
	EventVoucherCreated:       CategoryCompliance,
	EventVoucherTransitioned:  CategoryCompliance,
	EventSettlementPosted:     CategoryCompliance,
	EventSettlementReversed:   CategoryCompliance,

	EventEligibilityChecked:   CategoryOperations,
	EventDivergenceRepaired:   CategoryOperations,
	EventDivergenceUnresolved: CategoryOperations,
	EventVoucherExpired:       CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByBeneficiary(ctx context.Context, beneficiaryID id.BeneficiaryID) ([]Event, error)
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
