// Package service issues care vouchers and drives them through their state
// machine.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mutuelle/internal/directory"
	"mutuelle/internal/eligibility/evaluator"
	eligibility "mutuelle/internal/eligibility/service"
	"mutuelle/internal/platform/events"
	"mutuelle/internal/voucher/metrics"
	"mutuelle/internal/voucher/models"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/platform/audit"
	"mutuelle/pkg/platform/sentinel"
	"mutuelle/pkg/platform/tx"
	"mutuelle/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, v *models.Voucher) error
	Get(ctx context.Context, voucherID id.VoucherID) (*models.Voucher, error)
	Execute(ctx context.Context, voucherID id.VoucherID, validate func(*models.Voucher) error, mutate func(*models.Voucher)) (*models.Voucher, error)
	CountIssuedSince(ctx context.Context, operatorID id.ActorID, since time.Time) (int, error)
	ListExpirable(ctx context.Context, after string, now time.Time, limit int) ([]id.VoucherID, error)
}

// Eligibility is the decision-time read of the eligibility service.
type Eligibility interface {
	ForDecision(ctx context.Context, beneficiaryID id.BeneficiaryID) (evaluator.Verdict, eligibility.Source, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Config holds issuance and sweep limits.
type Config struct {
	ValidityWindow time.Duration
	// DailyIssuanceLimit caps vouchers per operator per UTC day. Zero disables it.
	DailyIssuanceLimit int
	OverdueTolerance   int64
	Currency           string
	BatchSize          int
	BatchTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ValidityWindow <= 0 {
		c.ValidityWindow = 30 * 24 * time.Hour
	}
	if c.Currency == "" {
		c.Currency = "XOF"
	}
	c.Currency = strings.ToUpper(c.Currency)
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	return c
}

// EventTransitioned is published on events.TopicVoucherTransitions.
const EventTransitioned = "voucher_transitioned"

// TransitionEvent tells downstream notifiers which role acts next.
type TransitionEvent struct {
	VoucherID     id.VoucherID      `json:"voucher_id"`
	Code          string            `json:"code"`
	BeneficiaryID id.BeneficiaryID  `json:"beneficiary_id"`
	Transition    models.Transition `json:"transition"`
	From          models.State      `json:"from"`
	To            models.State      `json:"to"`
	ActorID       id.ActorID        `json:"actor_id"`
	ActorRole     id.Role           `json:"actor_role"`
	At            time.Time         `json:"at"`
	Reason        string            `json:"reason,omitempty"`
	NextRole      id.Role           `json:"next_role,omitempty"`
}

// nextRole maps a state to whoever is expected to move the voucher on.
var nextRole = map[models.State]id.Role{
	models.StatePendingPhysicianReview:    id.RolePhysician,
	models.StatePhysicianValidated:        id.RolePhysician,
	models.StatePendingPharmacistDispense: id.RolePharmacist,
	models.StateDispensed:                 id.RoleInsurerAdmin,
}

const maxCodeAttempts = 5

type Service struct {
	store          Store
	directory      directory.Reader
	eligibility    Eligibility
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

func New(store Store, dir directory.Reader, elig Eligibility, runner tx.Runner, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:       store,
		directory:   dir,
		eligibility: elig,
		runner:      runner,
		cfg:         cfg.withDefaults(),
		logger:      slog.New(slog.DiscardHandler),
		tracer:      otel.Tracer("mutuelle/voucher"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a voucher for a beneficiary whose eligibility allows it, or
// whose shortfall the operator explicitly overrides with a reason.
func (s *Service) Create(ctx context.Context, actor id.Actor, req models.CreateRequest) (*models.Voucher, error) {
	ctx, span := s.tracer.Start(ctx, "voucher.Create",
		trace.WithAttributes(attribute.String("beneficiary_id", string(req.BeneficiaryID))))
	defer span.End()

	v, err := s.create(ctx, actor, req)
	if err != nil {
		s.metrics.IncCreateRejected(string(dErrors.CodeOf(err)))
		span.RecordError(err)
		return nil, err
	}
	s.metrics.IncCreated(v.Snapshot.Source, v.Snapshot.Override)
	s.logAudit(ctx, string(audit.EventVoucherCreated),
		"voucher_id", v.ID.String(),
		"code", v.Code,
		"beneficiary_id", v.BeneficiaryID,
		"operator_id", v.OperatorID,
		"eligibility_status", string(v.Snapshot.Verdict.Status),
		"eligibility_source", v.Snapshot.Source,
		"override", v.Snapshot.Override,
	)
	return v, nil
}

func (s *Service) create(ctx context.Context, actor id.Actor, req models.CreateRequest) (*models.Voucher, error) {
	if err := actor.RequireRole(id.RoleOperator); err != nil {
		return nil, err
	}
	if req.Ceiling <= 0 {
		return nil, dErrors.New(dErrors.CodeNonPositiveAmount, "ceiling must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.cfg.Currency
	}
	if currency != s.cfg.Currency {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("currency %s is not accepted, expected %s", currency, s.cfg.Currency))
	}
	urgency, err := models.ParseUrgency(req.Urgency)
	if err != nil {
		return nil, err
	}
	overrideReason := strings.TrimSpace(req.OverrideReason)
	if req.Override && overrideReason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "an override requires a reason")
	}
	beneficiary, err := directory.Require(ctx, s.directory, req.BeneficiaryID)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	var created *models.Voucher
	err = s.runner.RunInTx(ctx, "operator:"+string(actor.ID), func(ctx context.Context) error {
		if err := s.checkIssuanceLimit(ctx, actor.ID, now); err != nil {
			return err
		}
		verdict, source, err := s.eligibility.ForDecision(ctx, beneficiary.ID)
		if err != nil {
			return err
		}
		if verdict.Status == evaluator.StatusOverdue && verdict.OverdueAmount > s.cfg.OverdueTolerance && !req.Override {
			return dErrors.New(dErrors.CodeIneligibleBeneficiary, fmt.Sprintf(
				"beneficiary owes %d over %d periods", verdict.OverdueAmount, len(verdict.OverduePeriods)))
		}

		v := &models.Voucher{
			ID:            id.NewVoucherID(),
			BeneficiaryID: beneficiary.ID,
			OperatorID:    actor.ID,
			CreatedAt:     now,
			ExpiresAt:     now.Add(s.cfg.ValidityWindow),
			State:         models.StateCreated,
			Snapshot: models.Snapshot{
				Verdict:        verdict,
				Source:         string(source),
				Override:       req.Override,
				OverrideReason: overrideReason,
			},
			Ceiling:            req.Ceiling,
			Currency:           currency,
			CareType:           strings.TrimSpace(req.CareType),
			Urgency:            urgency,
			ConsultationReason: strings.TrimSpace(req.ConsultationReason),
			Transitions:        []models.TransitionRecord{},
			Version:            1,
		}
		decision := string(verdict.Status)
		if req.Override {
			decision = "override"
		}
		// Audited before the insert so a refused audit leaves nothing behind.
		err = s.emit(ctx, actor, audit.Event{
			BeneficiaryID: beneficiary.ID,
			Subject:       v.ID.String(),
			Action:        string(audit.EventVoucherCreated),
			Decision:      decision,
			Reason:        overrideReason,
		})
		if err != nil {
			return err
		}
		if err := s.insert(ctx, v); err != nil {
			return err
		}
		created = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) checkIssuanceLimit(ctx context.Context, operatorID id.ActorID, now time.Time) error {
	if s.cfg.DailyIssuanceLimit <= 0 {
		return nil
	}
	day := now.UTC().Truncate(24 * time.Hour)
	n, err := s.store.CountIssuedSince(ctx, operatorID, day)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to count issued vouchers")
	}
	if n >= s.cfg.DailyIssuanceLimit {
		return dErrors.New(dErrors.CodeIssuanceLimitReached,
			fmt.Sprintf("operator already issued %d vouchers today", n))
	}
	return nil
}

// insert draws a fresh human code until one is free.
func (s *Service) insert(ctx context.Context, v *models.Voucher) error {
	for range maxCodeAttempts {
		v.Code = newCode(v.CreatedAt)
		err := s.store.Create(ctx, v)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store voucher")
		}
	}
	return dErrors.New(dErrors.CodeConflict, "could not allocate a voucher code")
}

// newCode renders BS<yyyymmddhhmmss><4 digits>.
func newCode(at time.Time) string {
	return fmt.Sprintf("BS%s%04d", at.UTC().Format("20060102150405"), rand.IntN(10000))
}

func (s *Service) Get(ctx context.Context, voucherID id.VoucherID) (*models.Voucher, error) {
	v, err := s.store.Get(ctx, voucherID)
	if err != nil {
		return nil, wrapVoucherErr(err, "failed to read voucher")
	}
	return v, nil
}

// Transition applies an actor-driven transition. Settlement transitions are
// reserved to the settlement ledger.
func (s *Service) Transition(ctx context.Context, actor id.Actor, voucherID id.VoucherID, name models.Transition, reason string) (*models.Voucher, error) {
	rule, err := models.RuleFor(name)
	if err != nil {
		return nil, err
	}
	if rule.Internal {
		return nil, dErrors.New(dErrors.CodeValidation, string(name)+" is driven by the settlement ledger")
	}
	if name == models.Expire {
		return s.Expire(ctx, actor, voucherID)
	}
	return s.apply(ctx, actor, voucherID, name, reason)
}

// Settle moves a dispensed voucher to settled.
func (s *Service) Settle(ctx context.Context, actor id.Actor, voucherID id.VoucherID) (*models.Voucher, error) {
	return s.apply(ctx, actor, voucherID, models.Settle, "")
}

// ReopenSettlement moves a settled voucher back to dispensed after a reversal.
func (s *Service) ReopenSettlement(ctx context.Context, actor id.Actor, voucherID id.VoucherID, reason string) (*models.Voucher, error) {
	return s.apply(ctx, actor, voucherID, models.ReopenSettlement, reason)
}

func (s *Service) apply(ctx context.Context, actor id.Actor, voucherID id.VoucherID, name models.Transition, reason string) (*models.Voucher, error) {
	ctx, span := s.tracer.Start(ctx, "voucher.Transition", trace.WithAttributes(
		attribute.String("voucher_id", voucherID.String()),
		attribute.String("transition", string(name)),
	))
	defer span.End()

	v, err := s.applyChecked(ctx, actor, voucherID, name, reason)
	if err != nil {
		s.metrics.IncTransitionDenied(string(name), string(dErrors.CodeOf(err)))
		span.RecordError(err)
		return nil, err
	}
	s.metrics.IncTransition(string(name))
	s.transitioned(ctx, actor, v)
	return v, nil
}

func (s *Service) applyChecked(ctx context.Context, actor id.Actor, voucherID id.VoucherID, name models.Transition, reason string) (*models.Voucher, error) {
	rule, err := models.RuleFor(name)
	if err != nil {
		return nil, err
	}
	if err := actor.RequireRole(rule.Roles...); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if rule.RequireReason && reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, string(name)+" requires a reason")
	}

	now := requestcontext.Now(ctx)
	v, err := s.store.Execute(ctx, voucherID,
		func(v *models.Voucher) error {
			return v.CanApply(name, now)
		},
		func(v *models.Voucher) {
			v.Apply(name, actor, now, reason)
		},
	)
	if err != nil {
		return nil, wrapVoucherErr(err, "failed to apply "+string(name))
	}
	return v, nil
}

var errNoop = errors.New("voucher already past expiry")

// Expire moves a pre-dispensed voucher whose window elapsed to expired. It is
// idempotent: a rejected or expired voucher, or one already dispensed or
// settled, comes back unchanged.
func (s *Service) Expire(ctx context.Context, actor id.Actor, voucherID id.VoucherID) (*models.Voucher, error) {
	v, _, err := s.expire(ctx, actor, voucherID)
	return v, err
}

func (s *Service) expire(ctx context.Context, actor id.Actor, voucherID id.VoucherID) (*models.Voucher, bool, error) {
	if err := actor.RequireRole(id.RoleSystem); err != nil {
		return nil, false, err
	}
	now := requestcontext.Now(ctx)
	v, err := s.store.Execute(ctx, voucherID,
		func(v *models.Voucher) error {
			if v.State.IsTerminal() || v.State.IsDispensedOrLater() {
				return errNoop
			}
			return v.CanApply(models.Expire, now)
		},
		func(v *models.Voucher) {
			v.Apply(models.Expire, actor, now, "validity window elapsed")
		},
	)
	if errors.Is(err, errNoop) {
		current, err := s.Get(ctx, voucherID)
		return current, false, err
	}
	if err != nil {
		s.metrics.IncTransitionDenied(string(models.Expire), string(dErrors.CodeOf(err)))
		return nil, false, wrapVoucherErr(err, "failed to expire voucher")
	}
	s.metrics.IncTransition(string(models.Expire))
	s.transitioned(ctx, actor, v)
	return v, true, nil
}

// transitioned publishes and audits the last history record of v.
func (s *Service) transitioned(ctx context.Context, actor id.Actor, v *models.Voucher) {
	if len(v.Transitions) == 0 {
		return
	}
	last := v.Transitions[len(v.Transitions)-1]
	action := audit.EventVoucherTransitioned
	if last.Name == models.Expire {
		action = audit.EventVoucherExpired
	}

	if err := s.emit(ctx, actor, audit.Event{
		BeneficiaryID: v.BeneficiaryID,
		Subject:       v.ID.String(),
		Action:        string(action),
		Decision:      string(last.To),
		Reason:        strings.TrimSpace(string(last.Name) + " " + last.Reason),
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to write voucher audit event",
			"voucher_id", v.ID.String(),
			"error", err,
		)
	}
	s.logAudit(ctx, string(action),
		"voucher_id", v.ID.String(),
		"transition", string(last.Name),
		"from", string(last.From),
		"to", string(last.To),
		"actor_id", actor.ID,
		"actor_role", string(actor.Role),
	)

	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, events.Event{
		Topic:      events.TopicVoucherTransitions,
		Type:       EventTransitioned,
		Key:        v.ID.String(),
		OccurredAt: last.At,
		Payload: TransitionEvent{
			VoucherID:     v.ID,
			Code:          v.Code,
			BeneficiaryID: v.BeneficiaryID,
			Transition:    last.Name,
			From:          last.From,
			To:            last.To,
			ActorID:       last.ActorID,
			ActorRole:     last.ActorRole,
			At:            last.At,
			Reason:        last.Reason,
			NextRole:      nextRole[last.To],
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish voucher transition",
			"voucher_id", v.ID.String(),
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

func wrapVoucherErr(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "voucher not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "voucher changed concurrently")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
