// Package service answers eligibility reads from the cache, falling back to a
// live evaluation of the ledger, and refreshes the cache after ledger writes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mutuelle/internal/directory"
	"mutuelle/internal/eligibility/cache"
	"mutuelle/internal/eligibility/evaluator"
	"mutuelle/internal/eligibility/metrics"
	"mutuelle/internal/ledger/models"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/platform/audit"
	"mutuelle/pkg/platform/sentinel"
	"mutuelle/pkg/requestcontext"
)

// LedgerReader is the slice of the contribution ledger the evaluator needs.
type LedgerReader interface {
	State(ctx context.Context, beneficiaryID id.BeneficiaryID) (*models.State, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Source says where a verdict came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
)

// View is an eligibility answer with enough provenance for the caller to
// judge how far to trust it.
type View struct {
	Verdict          evaluator.Verdict
	Source           Source
	Version          int64
	Unreliable       bool
	UnreliableReason string
	Invalidated      bool
	Staleness        time.Duration
	AsOf             time.Time
}

type Service struct {
	directory      directory.Reader
	ledger         LedgerReader
	cache          cache.Store
	policy         evaluator.Policy
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

// WithAuditPublisher records eligibility checks in the audit trail.
func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func New(dir directory.Reader, ledger LedgerReader, store cache.Store, policy evaluator.Policy, opts ...Option) *Service {
	s := &Service{
		directory: dir,
		ledger:    ledger,
		cache:     store,
		policy:    policy,
		tracer:    otel.Tracer("mutuelle/eligibility"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the beneficiary's eligibility. Unusable cache rows, or
// recompute=true, trigger a live evaluation that is not written back.
func (s *Service) Get(ctx context.Context, beneficiaryID id.BeneficiaryID, recompute bool) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "eligibility.Get", trace.WithAttributes(
		attribute.String("beneficiary_id", string(beneficiaryID)),
		attribute.Bool("recompute", recompute),
	))
	defer span.End()

	if _, err := directory.Require(ctx, s.directory, beneficiaryID); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	entry := s.lookup(ctx, beneficiaryID)

	var view *View
	if !recompute && entry.Usable() {
		view = cachedView(entry, now)
		s.metrics.IncRead(string(SourceCache))
	} else {
		live, err := s.live(ctx, beneficiaryID, now)
		switch {
		case err == nil:
			view = liveView(live, entry)
			s.metrics.IncRead(string(SourceLive))
		case entry != nil && !entry.Verdict.IsZero():
			if s.logger != nil {
				s.logger.WarnContext(ctx, "ledger unreadable, serving last cached verdict",
					"beneficiary_id", beneficiaryID,
					"error", err,
				)
			}
			view = cachedView(entry, now)
			view.Unreliable = true
			view.UnreliableReason = "ledger unavailable: serving last cached verdict"
			s.metrics.IncRead("stale_fallback")
		default:
			span.RecordError(err)
			return nil, err
		}
	}

	s.audit(ctx, beneficiaryID, view)
	return view, nil
}

// ForDecision returns the verdict voucher creation decides on: the cached one
// when usable, otherwise a live evaluation.
func (s *Service) ForDecision(ctx context.Context, beneficiaryID id.BeneficiaryID) (evaluator.Verdict, Source, error) {
	ctx, span := s.tracer.Start(ctx, "eligibility.ForDecision",
		trace.WithAttributes(attribute.String("beneficiary_id", string(beneficiaryID))))
	defer span.End()

	entry := s.lookup(ctx, beneficiaryID)
	if entry.Usable() {
		s.metrics.IncRead(string(SourceCache))
		return entry.Verdict, SourceCache, nil
	}
	verdict, err := s.live(ctx, beneficiaryID, requestcontext.Now(ctx))
	if err != nil {
		span.RecordError(err)
		return evaluator.Verdict{}, "", err
	}
	s.metrics.IncRead(string(SourceLive))
	return verdict, SourceLive, nil
}

// Refresh invalidates and recomputes the cached row. It is the ledger's
// post-write hook. A ledger read failure or an inconsistent ledger leaves the
// row flagged unreliable for the reconciliation sweep to retry.
//
// Cache writers guard on the row version read before the ledger, so an older
// verdict never lands over a newer one.
func (s *Service) Refresh(ctx context.Context, beneficiaryID id.BeneficiaryID) error {
	ctx, span := s.tracer.Start(ctx, "eligibility.Refresh",
		trace.WithAttributes(attribute.String("beneficiary_id", string(beneficiaryID))))
	defer span.End()

	if err := s.cache.Invalidate(ctx, beneficiaryID); err != nil {
		s.metrics.IncRefreshFailure()
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to invalidate eligibility cache")
	}
	entry, err := s.cache.Get(ctx, beneficiaryID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.metrics.IncRefreshFailure()
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read eligibility cache")
	}
	state, err := s.ledger.State(ctx, beneficiaryID)
	if err != nil {
		return s.markUnreliable(ctx, beneficiaryID, "ledger unreadable: "+err.Error(), err)
	}
	verdict := evaluator.Evaluate(*state, requestcontext.Now(ctx), s.policy)
	if len(verdict.Anomalies) > 0 {
		reason := fmt.Sprintf("ledger inconsistent: %d anomalies", len(verdict.Anomalies))
		return s.markUnreliable(ctx, beneficiaryID, reason, errors.New(reason))
	}
	_, err = s.cache.UpsertIfVersion(ctx, beneficiaryID, cache.VersionOf(entry), verdict, verdict.Checksum)
	if errors.Is(err, sentinel.ErrConflict) {
		// Whoever wrote after the invalidation read the ledger after this write.
		return nil
	}
	if err != nil {
		s.metrics.IncRefreshFailure()
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to write eligibility cache")
	}
	return nil
}

func (s *Service) markUnreliable(ctx context.Context, beneficiaryID id.BeneficiaryID, reason string, cause error) error {
	s.metrics.IncRefreshFailure()
	if err := s.cache.MarkUnreliable(ctx, beneficiaryID, reason); err != nil {
		return dErrors.Wrap(errors.Join(cause, err), dErrors.CodeUnavailable, "failed to flag eligibility cache")
	}
	return dErrors.Wrap(cause, dErrors.CodeUnavailable, "eligibility refresh left the row unreliable")
}

func (s *Service) live(ctx context.Context, beneficiaryID id.BeneficiaryID, now time.Time) (evaluator.Verdict, error) {
	s.metrics.IncLiveEvaluation()
	state, err := s.ledger.State(ctx, beneficiaryID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnknownBeneficiary) {
			return evaluator.Verdict{}, err
		}
		return evaluator.Verdict{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "ledger unavailable")
	}
	return evaluator.Evaluate(*state, now, s.policy), nil
}

// lookup treats a cache failure like a miss; the ledger stays authoritative.
func (s *Service) lookup(ctx context.Context, beneficiaryID id.BeneficiaryID) *cache.Entry {
	entry, err := s.cache.Get(ctx, beneficiaryID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) && s.logger != nil {
			s.logger.WarnContext(ctx, "eligibility cache read failed",
				"beneficiary_id", beneficiaryID,
				"error", err,
			)
		}
		return nil
	}
	return entry
}

func (s *Service) audit(ctx context.Context, beneficiaryID id.BeneficiaryID, view *View) {
	if s.auditPublisher == nil {
		return
	}
	actor := requestcontext.Actor(ctx)
	if actor.ID == "" {
		return
	}
	err := s.auditPublisher.Emit(ctx, audit.Event{
		BeneficiaryID: beneficiaryID,
		Subject:       string(beneficiaryID),
		Action:        string(audit.EventEligibilityChecked),
		Decision:      string(view.Verdict.Status),
		Reason:        string(view.Source),
		RequestID:     requestcontext.RequestID(ctx),
		ActorID:       string(actor.ID),
		ActorRole:     string(actor.Role),
		Timestamp:     requestcontext.Now(ctx),
	})
	if err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to audit eligibility check",
			"beneficiary_id", beneficiaryID,
			"error", err,
		)
	}
}

func cachedView(e *cache.Entry, now time.Time) *View {
	return &View{
		Verdict:          e.Verdict,
		Source:           SourceCache,
		Version:          e.Version,
		Unreliable:       e.Unreliable,
		UnreliableReason: e.UnreliableReason,
		Invalidated:      e.Invalidated,
		Staleness:        e.Staleness(now),
		AsOf:             e.Verdict.AsOf,
	}
}

func liveView(v evaluator.Verdict, e *cache.Entry) *View {
	view := &View{
		Verdict: v,
		Source:  SourceLive,
		AsOf:    v.AsOf,
	}
	if e != nil {
		view.Version = e.Version
		view.Invalidated = e.Invalidated
	}
	if len(v.Anomalies) > 0 {
		view.Unreliable = true
		view.UnreliableReason = fmt.Sprintf("ledger inconsistent: %d anomalies", len(v.Anomalies))
	} else if e != nil && e.Unreliable {
		view.UnreliableReason = "cached row flagged: " + e.UnreliableReason
	}
	return view
}
