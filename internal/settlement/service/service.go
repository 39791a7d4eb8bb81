// Package service posts settlements against dispensed vouchers and reverses
// them by compensation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mutuelle/internal/platform/events"
	"mutuelle/internal/settlement/metrics"
	"mutuelle/internal/settlement/models"
	vouchermodels "mutuelle/internal/voucher/models"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/platform/audit"
	"mutuelle/pkg/platform/sentinel"
	"mutuelle/pkg/platform/tx"
	"mutuelle/pkg/requestcontext"
)

type Store interface {
	Insert(ctx context.Context, r *models.Record) error
	Get(ctx context.Context, settlementID id.SettlementID) (*models.Record, error)
	UpdateStatus(ctx context.Context, settlementID id.SettlementID, from, to models.Status, settledAt *time.Time) error
	Active(ctx context.Context, voucherID id.VoucherID) (*models.Record, error)
	ListByVoucher(ctx context.Context, voucherID id.VoucherID) ([]models.Record, error)
	ListPending(ctx context.Context, after string, cutoff time.Time, limit int) ([]models.Record, error)
}

// Vouchers is the part of the voucher service the settlement ledger drives.
type Vouchers interface {
	Get(ctx context.Context, voucherID id.VoucherID) (*vouchermodels.Voucher, error)
	Settle(ctx context.Context, actor id.Actor, voucherID id.VoucherID) (*vouchermodels.Voucher, error)
	ReopenSettlement(ctx context.Context, actor id.Actor, voucherID id.VoucherID, reason string) (*vouchermodels.Voucher, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Event types published on events.TopicSettlementRecords.
const (
	EventSettlementPosted   = "settlement_posted"
	EventSettlementReversed = "settlement_reversed"
)

// RecordEvent carries a settlement record downstream.
type RecordEvent struct {
	Record        models.Record    `json:"record"`
	BeneficiaryID id.BeneficiaryID `json:"beneficiary_id"`
	VoucherCode   string           `json:"voucher_code"`
}

// reconcilerActor completes pending records; settling a voucher is an
// insurer_admin transition.
var reconcilerActor = id.Actor{ID: "settlement-reconciler", Role: id.RoleInsurerAdmin}

type Config struct {
	// PendingGrace is how old a pending record must be before the sweep
	// treats it as abandoned.
	PendingGrace time.Duration
	BatchSize    int
	BatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PendingGrace < 0 {
		c.PendingGrace = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	return c
}

type Service struct {
	store          Store
	vouchers       Vouchers
	runner         tx.Runner
	cfg            Config
	events         EventPublisher
	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithEventPublisher(publisher EventPublisher) Option {
	return func(s *Service) {
		s.events = publisher
	}
}

func New(store Store, vouchers Vouchers, runner tx.Runner, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    store,
		vouchers: vouchers,
		runner:   runner,
		cfg:      cfg.withDefaults(),
		logger:   slog.New(slog.DiscardHandler),
		tracer:   otel.Tracer("mutuelle/settlement"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func voucherKey(voucherID id.VoucherID) string {
	return "voucher:" + voucherID.String()
}

// Settle posts the settlement of a dispensed voucher and moves it to settled.
func (s *Service) Settle(ctx context.Context, actor id.Actor, voucherID id.VoucherID, amount int64) (*models.Record, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.Settle",
		trace.WithAttributes(attribute.String("voucher_id", voucherID.String())))
	defer span.End()

	record, voucher, err := s.settle(ctx, actor, voucherID, amount)
	if err != nil {
		s.metrics.IncRejected("settle", string(dErrors.CodeOf(err)))
		span.RecordError(err)
		return nil, err
	}
	s.metrics.IncPosted(record.Amount)
	s.logAudit(ctx, string(audit.EventSettlementPosted),
		"settlement_id", record.ID.String(),
		"voucher_id", voucherID.String(),
		"amount", record.Amount,
		"actor_id", actor.ID,
	)
	s.publish(ctx, EventSettlementPosted, *record, voucher)
	return record, nil
}

func (s *Service) settle(ctx context.Context, actor id.Actor, voucherID id.VoucherID, amount int64) (*models.Record, *vouchermodels.Voucher, error) {
	if err := actor.RequireRole(id.RoleInsurerAdmin); err != nil {
		return nil, nil, err
	}
	if amount <= 0 {
		return nil, nil, dErrors.New(dErrors.CodeNonPositiveAmount, "amount must be positive")
	}

	var (
		record  *models.Record
		voucher *vouchermodels.Voucher
	)
	err := s.runner.RunInTx(ctx, voucherKey(voucherID), func(ctx context.Context) error {
		active, err := s.store.Active(ctx, voucherID)
		switch {
		case err == nil:
			return dErrors.New(dErrors.CodeDuplicateSettlement,
				"voucher already settled by "+active.ID.String())
		case !errors.Is(err, sentinel.ErrNotFound):
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read settlements")
		}

		v, err := s.vouchers.Get(ctx, voucherID)
		if err != nil {
			return err
		}
		if v.State != vouchermodels.StateDispensed {
			return dErrors.New(dErrors.CodeVoucherNotDispensed, "voucher is "+string(v.State))
		}
		if amount > v.Ceiling {
			return dErrors.New(dErrors.CodeAmountExceedsCeiling,
				fmt.Sprintf("amount %d exceeds the voucher ceiling %d", amount, v.Ceiling))
		}

		now := requestcontext.Now(ctx)
		r := &models.Record{
			ID:        id.NewSettlementID(),
			VoucherID: voucherID,
			Kind:      models.KindSettlement,
			Amount:    amount,
			Currency:  v.Currency,
			Status:    models.StatusPending,
			CreatedBy: actor.ID,
			CreatedAt: now,
		}
		// Audited before the writes, which only a database transaction rolls back.
		err = s.emit(ctx, actor, audit.Event{
			BeneficiaryID: v.BeneficiaryID,
			Subject:       r.ID.String(),
			Action:        string(audit.EventSettlementPosted),
			Decision:      string(models.StatusSettled),
			Reason:        fmt.Sprintf("voucher %s settled for %d %s", v.Code, amount, v.Currency),
		})
		if err != nil {
			return err
		}
		if err := s.store.Insert(ctx, r); err != nil {
			return wrapRecordErr(err, "failed to write settlement")
		}
		settled, err := s.vouchers.Settle(ctx, actor, voucherID)
		if err != nil {
			s.abandon(ctx, r, err)
			return err
		}
		if err := s.store.UpdateStatus(ctx, r.ID, models.StatusPending, models.StatusSettled, &now); err != nil {
			return wrapRecordErr(err, "failed to confirm settlement")
		}
		r.Status = models.StatusSettled
		r.SettledAt = &now
		record, voucher = r, settled
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return record, voucher, nil
}

// abandon releases the slot of a pending record whose voucher transition
// failed. Inside a database transaction the rollback already discards it.
func (s *Service) abandon(ctx context.Context, r *models.Record, cause error) {
	if err := s.store.UpdateStatus(ctx, r.ID, models.StatusPending, models.StatusReversed, nil); err != nil {
		s.logger.WarnContext(ctx, "failed to release abandoned settlement",
			"settlement_id", r.ID.String(),
			"cause", cause,
			"error", err,
		)
	}
}

// Reverse compensates a settled record, marks it reversed and reopens the
// voucher so it can be settled again.
func (s *Service) Reverse(ctx context.Context, actor id.Actor, settlementID id.SettlementID, reason string) (*models.Record, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.Reverse",
		trace.WithAttributes(attribute.String("settlement_id", settlementID.String())))
	defer span.End()

	reversal, voucher, err := s.reverse(ctx, actor, settlementID, reason)
	if err != nil {
		s.metrics.IncRejected("reverse", string(dErrors.CodeOf(err)))
		span.RecordError(err)
		return nil, err
	}
	s.metrics.IncReversed()
	s.logAudit(ctx, string(audit.EventSettlementReversed),
		"settlement_id", settlementID.String(),
		"reversal_id", reversal.ID.String(),
		"voucher_id", reversal.VoucherID.String(),
		"actor_id", actor.ID,
	)
	s.publish(ctx, EventSettlementReversed, *reversal, voucher)
	return reversal, nil
}

func (s *Service) reverse(ctx context.Context, actor id.Actor, settlementID id.SettlementID, reason string) (*models.Record, *vouchermodels.Voucher, error) {
	if err := actor.RequireRole(id.RoleInsurerAdmin); err != nil {
		return nil, nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "a reversal requires a reason")
	}
	original, err := s.store.Get(ctx, settlementID)
	if err != nil {
		return nil, nil, wrapRecordErr(err, "failed to read settlement")
	}

	var (
		reversal *models.Record
		voucher  *vouchermodels.Voucher
	)
	err = s.runner.RunInTx(ctx, voucherKey(original.VoucherID), func(ctx context.Context) error {
		current, err := s.store.Get(ctx, settlementID)
		if err != nil {
			return wrapRecordErr(err, "failed to read settlement")
		}
		if current.Kind != models.KindSettlement || current.Status != models.StatusSettled {
			return dErrors.New(dErrors.CodeInvalidTransition,
				fmt.Sprintf("only settled settlements can be reversed, this one is a %s %s", current.Status, current.Kind))
		}

		v, err := s.vouchers.Get(ctx, current.VoucherID)
		if err != nil {
			return err
		}
		if v.State != vouchermodels.StateSettled {
			return dErrors.New(dErrors.CodeInvalidTransition, "voucher is "+string(v.State)+", not settled")
		}
		err = s.emit(ctx, actor, audit.Event{
			BeneficiaryID: v.BeneficiaryID,
			Subject:       current.ID.String(),
			Action:        string(audit.EventSettlementReversed),
			Decision:      string(models.StatusReversed),
			Reason:        reason,
		})
		if err != nil {
			return err
		}

		r, err := s.compensate(ctx, actor, current, models.StatusSettled, reason)
		if err != nil {
			return err
		}
		reopened, err := s.vouchers.ReopenSettlement(ctx, actor, current.VoucherID, reason)
		if err != nil {
			return err
		}
		reversal, voucher = r, reopened
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return reversal, voucher, nil
}

// compensate appends a reversal for original and marks original reversed.
func (s *Service) compensate(ctx context.Context, actor id.Actor, original *models.Record, from models.Status, reason string) (*models.Record, error) {
	now := requestcontext.Now(ctx)
	compensates := original.ID
	r := &models.Record{
		ID:          id.NewSettlementID(),
		VoucherID:   original.VoucherID,
		Kind:        models.KindReversal,
		Amount:      original.Amount,
		Currency:    original.Currency,
		Status:      models.StatusSettled,
		Compensates: &compensates,
		Reason:      reason,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		SettledAt:   &now,
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return nil, wrapRecordErr(err, "failed to write reversal")
	}
	if err := s.store.UpdateStatus(ctx, original.ID, from, models.StatusReversed, nil); err != nil {
		return nil, wrapRecordErr(err, "failed to mark settlement reversed")
	}
	return r, nil
}

// ListByVoucher returns every record of a voucher in posting order.
func (s *Service) ListByVoucher(ctx context.Context, voucherID id.VoucherID) ([]models.Record, error) {
	if _, err := s.vouchers.Get(ctx, voucherID); err != nil {
		return nil, err
	}
	records, err := s.store.ListByVoucher(ctx, voucherID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list settlements")
	}
	return records, nil
}

func (s *Service) publish(ctx context.Context, eventType string, r models.Record, v *vouchermodels.Voucher) {
	if s.events == nil {
		return
	}
	payload := RecordEvent{Record: r}
	if v != nil {
		payload.BeneficiaryID = v.BeneficiaryID
		payload.VoucherCode = v.Code
	}
	err := s.events.Publish(ctx, events.Event{
		Topic:      events.TopicSettlementRecords,
		Type:       eventType,
		Key:        r.VoucherID.String(),
		OccurredAt: r.CreatedAt,
		Payload:    payload,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish settlement event",
			"settlement_id", r.ID.String(),
			"type", eventType,
			"error", err,
		)
	}
}

func (s *Service) emit(ctx context.Context, actor id.Actor, event audit.Event) error {
	if s.auditPublisher == nil {
		return nil
	}
	event.ActorID = string(actor.ID)
	event.ActorRole = string(actor.Role)
	event.RequestID = requestcontext.RequestID(ctx)
	event.Timestamp = requestcontext.Now(ctx)
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to write audit event")
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}

func wrapRecordErr(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "settlement not found")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.New(dErrors.CodeDuplicateSettlement, "voucher already has an active settlement")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.New(dErrors.CodeInvalidTransition, "settlement changed concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
