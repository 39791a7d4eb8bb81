// Package service records contribution events and exposes the ledger state
// the eligibility evaluator folds.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mutuelle/internal/directory"
	"mutuelle/internal/ledger/metrics"
	"mutuelle/internal/ledger/models"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/platform/audit"
	"mutuelle/pkg/platform/tx"
	"mutuelle/pkg/requestcontext"
)

type Store interface {
	Append(ctx context.Context, t *models.Transaction) error
	AppendCategoryChange(ctx context.Context, c *models.CategoryChange) error
	ListTransactions(ctx context.Context, beneficiaryID id.BeneficiaryID) ([]models.Transaction, error)
	ListCategoryChanges(ctx context.Context, beneficiaryID id.BeneficiaryID) ([]models.CategoryChange, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// RecordedHook is notified after every committed ledger write.
type RecordedHook interface {
	Refresh(ctx context.Context, beneficiaryID id.BeneficiaryID) error
}

const defaultCurrency = "XOF"

// Service is the contribution ledger. Writes for one beneficiary are
// serialized through the tx.Runner keyed by beneficiary id.
type Service struct {
	store          Store
	directory      directory.Reader
	runner         tx.Runner
	tariffs        models.Tariffs
	currency       string
	hook           RecordedHook
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

// WithRecordedHook registers the post-write hook. The eligibility service
// uses it to refresh the cached verdict.
func WithRecordedHook(hook RecordedHook) Option {
	return func(s *Service) {
		s.hook = hook
	}
}

func WithCurrency(currency string) Option {
	return func(s *Service) {
		if currency != "" {
			s.currency = strings.ToUpper(currency)
		}
	}
}

func New(store Store, dir directory.Reader, runner tx.Runner, tariffs models.Tariffs, opts ...Option) *Service {
	s := &Service{
		store:     store,
		directory: dir,
		runner:    runner,
		tariffs:   tariffs,
		currency:  defaultCurrency,
		tracer:    otel.Tracer("mutuelle/ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRecordedHook wires the hook after construction; the eligibility service
// depends on the ledger, so the two are built in sequence.
func (s *Service) SetRecordedHook(hook RecordedHook) {
	s.hook = hook
}

// Tariffs returns the contribution schedule the ledger enforces.
func (s *Service) Tariffs() models.Tariffs {
	return s.tariffs
}

// Record appends one contribution transaction.
func (s *Service) Record(ctx context.Context, actor id.Actor, req models.RecordRequest) (*models.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Record",
		trace.WithAttributes(attribute.String("beneficiary_id", string(req.BeneficiaryID))))
	defer span.End()

	t, err := s.record(ctx, actor, req)
	if err != nil {
		s.metrics.IncRejected(string(dErrors.CodeOf(err)))
		span.RecordError(err)
		return nil, err
	}
	s.metrics.IncRecorded(string(t.Kind), string(t.Effect), t.Amount)
	s.refresh(ctx, t.BeneficiaryID)
	return t, nil
}

func (s *Service) record(ctx context.Context, actor id.Actor, req models.RecordRequest) (*models.Transaction, error) {
	if err := actor.RequireRole(id.RoleOperator, id.RoleInsurerAdmin); err != nil {
		return nil, err
	}
	period, err := models.ParsePeriod(req.Period)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, dErrors.New(dErrors.CodeNonPositiveAmount, "amount must be positive")
	}
	kind, err := models.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	effect, err := models.ParseEffect(req.Effect)
	if err != nil {
		return nil, err
	}
	if effect == models.EffectDebit && kind != models.KindAdjustment {
		return nil, dErrors.New(dErrors.CodeValidation, "only adjustments may debit")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}
	if currency != s.currency {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("currency %s is not accepted, expected %s", currency, s.currency))
	}

	beneficiary, err := directory.Require(ctx, s.directory, req.BeneficiaryID)
	if err != nil {
		return nil, err
	}
	if period.Before(models.PeriodOf(beneficiary.EnrolledOn)) {
		return nil, dErrors.New(dErrors.CodeInvalidPeriod, "period "+period.String()+" precedes enrollment")
	}

	now := requestcontext.Now(ctx)
	t := &models.Transaction{
		ID:            id.NewTransactionID(),
		BeneficiaryID: beneficiary.ID,
		Period:        period,
		Amount:        req.Amount,
		Currency:      currency,
		Kind:          kind,
		Effect:        effect,
		Reference:     strings.TrimSpace(req.Reference),
		PostedAt:      now,
		RecordedBy:    actor.ID,
	}

	err = s.runner.RunInTx(ctx, string(beneficiary.ID), func(ctx context.Context) error {
		state, err := s.loadState(ctx, *beneficiary)
		if err != nil {
			return err
		}
		if err := s.checkCoverage(state, t, now); err != nil {
			return err
		}
		// Audited before the append, which only a database transaction rolls back.
		err = s.emit(ctx, actor, audit.Event{
			BeneficiaryID: beneficiary.ID,
			Subject:       t.ID.String(),
			Action:        string(audit.EventContributionRecorded),
			Decision:      string(kind),
			Reason:        fmt.Sprintf("%s %s %d %s", period, effect, t.Amount, currency),
		})
		if err != nil {
			return err
		}
		if err := s.store.Append(ctx, t); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to append contribution")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, string(audit.EventContributionRecorded),
		"beneficiary_id", beneficiary.ID,
		"transaction_id", t.ID.String(),
		"period", period.String(),
		"kind", string(kind),
		"effect", string(effect),
		"amount", t.Amount,
		"actor_id", actor.ID,
	)
	return t, nil
}

// checkCoverage enforces the per-period invariants: net credited never
// exceeds the required amount, debits never take the net below zero, and a
// waiver covers exactly one whole period.
func (s *Service) checkCoverage(state *models.State, t *models.Transaction, now time.Time) error {
	required := s.tariffs.Required(state.CategoryAt(t.Period, now))

	var net int64
	waived := false
	for _, existing := range state.PeriodTransactions(t.Period) {
		net += existing.Signed()
		if existing.Kind == models.KindWaiver {
			waived = true
		}
	}

	if t.Kind == models.KindWaiver {
		if waived {
			return dErrors.New(dErrors.CodePeriodOvercovered, "period "+t.Period.String()+" is already waived")
		}
		if t.Amount != required {
			return dErrors.New(dErrors.CodeValidation,
				fmt.Sprintf("waiver amount %d must equal the required amount %d", t.Amount, required))
		}
	}

	next := net + t.Signed()
	if next < 0 {
		return dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("adjustment of %d exceeds the %d credited for %s", t.Amount, net, t.Period))
	}
	if next > required {
		return dErrors.New(dErrors.CodePeriodOvercovered,
			fmt.Sprintf("period %s would be covered %d over the required %d", t.Period, next-required, required))
	}
	return nil
}

// ChangeCategory records a household category change effective from a period.
func (s *Service) ChangeCategory(ctx context.Context, actor id.Actor, req models.CategoryChangeRequest) (*models.CategoryChange, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.ChangeCategory",
		trace.WithAttributes(attribute.String("beneficiary_id", string(req.BeneficiaryID))))
	defer span.End()

	if err := actor.RequireRole(id.RoleInsurerAdmin); err != nil {
		return nil, err
	}
	period, err := models.ParsePeriod(req.Period)
	if err != nil {
		return nil, err
	}
	category := directory.Category(req.Category)
	if !category.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown category "+req.Category)
	}
	beneficiary, err := directory.Require(ctx, s.directory, req.BeneficiaryID)
	if err != nil {
		return nil, err
	}
	if period.Before(models.PeriodOf(beneficiary.EnrolledOn)) {
		return nil, dErrors.New(dErrors.CodeInvalidPeriod, "period "+period.String()+" precedes enrollment")
	}

	change := &models.CategoryChange{
		BeneficiaryID:   beneficiary.ID,
		EffectivePeriod: period,
		Category:        category,
		RecordedAt:      requestcontext.Now(ctx),
		RecordedBy:      actor.ID,
	}
	err = s.runner.RunInTx(ctx, string(beneficiary.ID), func(ctx context.Context) error {
		err := s.emit(ctx, actor, audit.Event{
			BeneficiaryID: beneficiary.ID,
			Subject:       string(beneficiary.ID),
			Action:        string(audit.EventCategoryChanged),
			Decision:      string(category),
			Reason:        "effective " + period.String(),
		})
		if err != nil {
			return err
		}
		if err := s.store.AppendCategoryChange(ctx, change); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record category change")
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.IncCategoryChanges()
	s.logAudit(ctx, string(audit.EventCategoryChanged),
		"beneficiary_id", beneficiary.ID,
		"category", string(category),
		"effective_period", period.String(),
		"actor_id", actor.ID,
	)
	s.refresh(ctx, beneficiary.ID)
	return change, nil
}

// History returns transactions with from <= period <= to, ordered by period
// then posted time. Empty bounds are open.
func (s *Service) History(ctx context.Context, beneficiaryID id.BeneficiaryID, from, to string) ([]models.Transaction, error) {
	var lo, hi models.Period
	var err error
	if from != "" {
		if lo, err = models.ParsePeriod(from); err != nil {
			return nil, err
		}
	}
	if to != "" {
		if hi, err = models.ParsePeriod(to); err != nil {
			return nil, err
		}
	}
	if !lo.IsZero() && !hi.IsZero() && hi.Before(lo) {
		return nil, dErrors.New(dErrors.CodeInvalidPeriod, "from must not be after to")
	}
	if _, err := directory.Require(ctx, s.directory, beneficiaryID); err != nil {
		return nil, err
	}

	all, err := s.store.ListTransactions(ctx, beneficiaryID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read contributions")
	}
	out := make([]models.Transaction, 0, len(all))
	for _, t := range all {
		if !lo.IsZero() && t.Period.Before(lo) {
			continue
		}
		if !hi.IsZero() && t.Period.After(hi) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// State returns everything the evaluator folds for one beneficiary.
func (s *Service) State(ctx context.Context, beneficiaryID id.BeneficiaryID) (*models.State, error) {
	beneficiary, err := directory.Require(ctx, s.directory, beneficiaryID)
	if err != nil {
		return nil, err
	}
	return s.loadState(ctx, *beneficiary)
}

func (s *Service) loadState(ctx context.Context, beneficiary directory.Beneficiary) (*models.State, error) {
	txs, err := s.store.ListTransactions(ctx, beneficiary.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read contributions")
	}
	changes, err := s.store.ListCategoryChanges(ctx, beneficiary.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read category changes")
	}
	return &models.State{
		Beneficiary:     beneficiary,
		CategoryChanges: changes,
		Transactions:    txs,
	}, nil
}

func (s *Service) refresh(ctx context.Context, beneficiaryID id.BeneficiaryID) {
	if s.hook == nil {
		return
	}
	if err := s.hook.Refresh(ctx, beneficiaryID); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "eligibility refresh after ledger write failed",
			"beneficiary_id", beneficiaryID,
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
	if s.logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}
