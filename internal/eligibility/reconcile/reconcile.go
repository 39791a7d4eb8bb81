// Package reconcile sweeps the eligibility cache against the ledger and
// repairs divergent rows. The ledger is always authoritative.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mutuelle/internal/directory"
	"mutuelle/internal/eligibility/cache"
	"mutuelle/internal/eligibility/evaluator"
	"mutuelle/internal/eligibility/metrics"
	"mutuelle/internal/ledger/models"
	"mutuelle/internal/platform/events"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/platform/audit"
	"mutuelle/pkg/platform/sentinel"
	"mutuelle/pkg/requestcontext"
)

// Event types published on events.TopicEligibilityDivergence.
const (
	EventDivergenceRepaired   = "divergence_repaired"
	EventDivergenceUnresolved = "divergence_unresolved"
)

type DivergenceRepaired struct {
	BeneficiaryID id.BeneficiaryID `json:"beneficiary_id"`
	OldStatus     evaluator.Status `json:"old_status"`
	NewStatus     evaluator.Status `json:"new_status"`
	DetectedAt    time.Time        `json:"detected_at"`
}

type DivergenceUnresolved struct {
	BeneficiaryID id.BeneficiaryID `json:"beneficiary_id"`
	Reason        string           `json:"reason"`
	DetectedAt    time.Time        `json:"detected_at"`
}

type LedgerReader interface {
	State(ctx context.Context, beneficiaryID id.BeneficiaryID) (*models.State, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Config bounds one sweep.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	Concurrency  int
	// Staleness is the age past which a usable row is recomputed anyway.
	Staleness time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Staleness <= 0 {
		c.Staleness = time.Hour
	}
	return c
}

// Options tune a single run.
type Options struct {
	// Force recomputes every row regardless of age and flags.
	Force bool
}

// Summary reports one sweep.
type Summary struct {
	Scanned    int       `json:"scanned"`
	Fresh      int       `json:"fresh"`
	Refreshed  int       `json:"refreshed"`
	Repaired   int       `json:"repaired"`
	Unresolved int       `json:"unresolved"`
	Skipped    int       `json:"skipped"`
	Batches    int       `json:"batches"`
	Cancelled  bool      `json:"cancelled"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeFresh
	outcomeRefreshed
	outcomeRepaired
	outcomeUnresolved
)

func (o outcome) String() string {
	switch o {
	case outcomeFresh:
		return "fresh"
	case outcomeRefreshed:
		return "refreshed"
	case outcomeRepaired:
		return "repaired"
	case outcomeUnresolved:
		return "unresolved"
	}
	return "skipped"
}

type Sweeper struct {
	directory      directory.Reader
	ledger         LedgerReader
	cache          cache.Store
	policy         evaluator.Policy
	cfg            Config
	events         EventPublisher
	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

func WithEventPublisher(p EventPublisher) Option {
	return func(s *Sweeper) {
		s.events = p
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Sweeper) {
		s.auditPublisher = p
	}
}

func New(dir directory.Reader, ledger LedgerReader, store cache.Store, policy evaluator.Policy, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		directory: dir,
		ledger:    ledger,
		cache:     store,
		policy:    policy,
		cfg:       cfg.withDefaults(),
		logger:    slog.New(slog.DiscardHandler),
		tracer:    otel.Tracer("mutuelle/reconcile"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep pages the directory and reconciles every beneficiary. Cancelling ctx
// stops the sweep between batches; a batch in flight runs to completion or
// to its own timeout.
func (s *Sweeper) Sweep(ctx context.Context, opts Options) (*Summary, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.Sweep", trace.WithAttributes(attribute.Bool("force", opts.Force)))
	defer span.End()

	now := requestcontext.Now(ctx)
	summary := &Summary{Started: now}
	defer func() {
		summary.Finished = requestcontext.Now(ctx)
		if summary.Finished.Before(summary.Started) {
			summary.Finished = summary.Started
		}
		s.metrics.ObserveSweep(time.Since(now), summary.Finished, summary.Cancelled)
	}()

	var after id.BeneficiaryID
	for {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
		page, err := s.directory.List(ctx, after, s.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				summary.Cancelled = true
				break
			}
			span.RecordError(err)
			return summary, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to page the directory")
		}
		if len(page) == 0 {
			break
		}

		summary.Batches++
		s.runBatch(ctx, page, now, opts, summary)
		after = page[len(page)-1]
		if len(page) < s.cfg.BatchSize {
			break
		}
	}

	s.logger.InfoContext(ctx, "reconciliation sweep finished",
		"scanned", summary.Scanned,
		"fresh", summary.Fresh,
		"refreshed", summary.Refreshed,
		"repaired", summary.Repaired,
		"unresolved", summary.Unresolved,
		"skipped", summary.Skipped,
		"batches", summary.Batches,
		"cancelled", summary.Cancelled,
	)
	return summary, nil
}

func (s *Sweeper) runBatch(ctx context.Context, page []id.BeneficiaryID, now time.Time, opts Options, summary *Summary) {
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BatchTimeout)
	defer cancel()

	results := make([]outcome, len(page))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, beneficiaryID := range page {
		g.Go(func() error {
			results[i] = s.reconcileOne(batchCtx, beneficiaryID, now, opts)
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[outcome]int)
	for _, o := range results {
		counts[o]++
	}
	summary.Scanned += len(page)
	summary.Fresh += counts[outcomeFresh]
	summary.Refreshed += counts[outcomeRefreshed]
	summary.Repaired += counts[outcomeRepaired]
	summary.Unresolved += counts[outcomeUnresolved]
	summary.Skipped += counts[outcomeSkipped]
	for o, n := range counts {
		s.metrics.AddSweepOutcome(o.String(), n)
	}
}

func (s *Sweeper) reconcileOne(ctx context.Context, beneficiaryID id.BeneficiaryID, now time.Time, opts Options) outcome {
	if ctx.Err() != nil {
		return outcomeSkipped
	}
	entry, err := s.cache.Get(ctx, beneficiaryID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.logger.WarnContext(ctx, "reconciliation skipped: cache unreadable",
			"beneficiary_id", beneficiaryID,
			"error", err,
		)
		return outcomeSkipped
	}
	if !opts.Force && entry.Usable() && entry.Staleness(now) < s.cfg.Staleness {
		return outcomeFresh
	}

	state, err := s.ledger.State(ctx, beneficiaryID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnknownBeneficiary) {
			return outcomeSkipped
		}
		return s.unresolved(ctx, beneficiaryID, now, "ledger unreadable: "+err.Error())
	}
	verdict := evaluator.Evaluate(*state, now, s.policy)
	if len(verdict.Anomalies) > 0 {
		first := verdict.Anomalies[0]
		return s.unresolved(ctx, beneficiaryID, now, fmt.Sprintf(
			"ledger inconsistent: %d anomalies, first in %s (running total %d)",
			len(verdict.Anomalies), first.Period, first.RunningTotal))
	}

	// A ledger write refreshed the row after entry was read; that row is newer
	// than this verdict.
	_, err = s.cache.UpsertIfVersion(ctx, beneficiaryID, cache.VersionOf(entry), verdict, verdict.Checksum)
	if errors.Is(err, sentinel.ErrConflict) {
		s.logger.DebugContext(ctx, "reconciliation lost the row to a newer write", "beneficiary_id", beneficiaryID)
		return outcomeSkipped
	}
	if err != nil {
		s.logger.WarnContext(ctx, "reconciliation could not write the cache",
			"beneficiary_id", beneficiaryID,
			"error", err,
		)
		return outcomeSkipped
	}

	if entry != nil && !entry.Verdict.IsZero() && entry.Verdict.Status != verdict.Status {
		repaired := DivergenceRepaired{
			BeneficiaryID: beneficiaryID,
			OldStatus:     entry.Verdict.Status,
			NewStatus:     verdict.Status,
			DetectedAt:    now,
		}
		s.publish(ctx, EventDivergenceRepaired, beneficiaryID, now, repaired)
		s.audit(ctx, audit.EventDivergenceRepaired, beneficiaryID, string(verdict.Status),
			fmt.Sprintf("cache said %s, ledger says %s", entry.Verdict.Status, verdict.Status))
		return outcomeRepaired
	}
	return outcomeRefreshed
}

func (s *Sweeper) unresolved(ctx context.Context, beneficiaryID id.BeneficiaryID, now time.Time, reason string) outcome {
	if err := s.cache.MarkUnreliable(ctx, beneficiaryID, reason); err != nil {
		s.logger.WarnContext(ctx, "failed to flag eligibility row unreliable",
			"beneficiary_id", beneficiaryID,
			"error", err,
		)
	}
	s.publish(ctx, EventDivergenceUnresolved, beneficiaryID, now, DivergenceUnresolved{
		BeneficiaryID: beneficiaryID,
		Reason:        reason,
		DetectedAt:    now,
	})
	s.audit(ctx, audit.EventDivergenceUnresolved, beneficiaryID, "unreliable", reason)
	return outcomeUnresolved
}

func (s *Sweeper) publish(ctx context.Context, eventType string, beneficiaryID id.BeneficiaryID, at time.Time, payload any) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, events.Event{
		Topic:      events.TopicEligibilityDivergence,
		Type:       eventType,
		Key:        string(beneficiaryID),
		OccurredAt: at,
		Payload:    payload,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish divergence event",
			"beneficiary_id", beneficiaryID,
			"type", eventType,
			"error", err,
		)
	}
}

func (s *Sweeper) audit(ctx context.Context, action audit.AuditEvent, beneficiaryID id.BeneficiaryID, decision, reason string) {
	s.logger.InfoContext(ctx, string(action),
		"beneficiary_id", beneficiaryID,
		"decision", decision,
		"reason", reason,
		"event", string(action),
		"log_type", "audit",
	)
	if s.auditPublisher == nil {
		return
	}
	actor := requestcontext.Actor(ctx)
	if actor.ID == "" {
		actor = id.SystemActor
	}
	err := s.auditPublisher.Emit(ctx, audit.Event{
		BeneficiaryID: beneficiaryID,
		Subject:       string(beneficiaryID),
		Action:        string(action),
		Decision:      decision,
		Reason:        reason,
		RequestID:     requestcontext.RequestID(ctx),
		ActorID:       string(actor.ID),
		ActorRole:     string(actor.Role),
		Timestamp:     requestcontext.Now(ctx),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to audit divergence",
			"beneficiary_id", beneficiaryID,
			"error", err,
		)
	}
}
