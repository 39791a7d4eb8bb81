package service

import (
	"context"
	"time"

	"mutuelle/internal/settlement/models"
	vouchermodels "mutuelle/internal/voucher/models"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/requestcontext"
)

// PendingSummary reports one run of ReconcilePending.
type PendingSummary struct {
	Scanned     int       `json:"scanned"`
	Completed   int       `json:"completed"`
	Confirmed   int       `json:"confirmed"`
	Compensated int       `json:"compensated"`
	Failed      int       `json:"failed"`
	Batches     int       `json:"batches"`
	Cancelled   bool      `json:"cancelled"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

type pendingOutcome string

const (
	outcomeCompleted   pendingOutcome = "completed"
	outcomeConfirmed   pendingOutcome = "confirmed"
	outcomeCompensated pendingOutcome = "compensated"
	outcomeFailed      pendingOutcome = "failed"
	outcomeGone        pendingOutcome = "gone"
)

// ReconcilePending resolves settlement records left pending by an interrupted
// Settle, using the voucher's state as the tie-breaker:
//   - dispensed: the voucher transition never happened, finish it
//   - settled: only the record update was lost, confirm it
//   - anything else: compensate the record with a reversal
func (s *Service) ReconcilePending(ctx context.Context) (*PendingSummary, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.ReconcilePending")
	defer span.End()

	now := requestcontext.Now(ctx)
	ctx = requestcontext.WithTime(ctx, now)
	cutoff := now.Add(-s.cfg.PendingGrace)
	summary := &PendingSummary{Started: now}
	began := time.Now()
	defer func() {
		summary.Finished = now.Add(time.Since(began))
	}()

	after := ""
	for {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
		page, err := s.store.ListPending(ctx, after, cutoff, s.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				summary.Cancelled = true
				break
			}
			span.RecordError(err)
			return summary, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to list pending settlements")
		}
		if len(page) == 0 {
			break
		}
		summary.Batches++
		s.reconcileBatch(ctx, page, summary)
		after = page[len(page)-1].ID.String()
		if len(page) < s.cfg.BatchSize {
			break
		}
	}

	s.logger.InfoContext(ctx, "pending settlement sweep finished",
		"scanned", summary.Scanned,
		"completed", summary.Completed,
		"confirmed", summary.Confirmed,
		"compensated", summary.Compensated,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
	)
	return summary, nil
}

func (s *Service) reconcileBatch(ctx context.Context, page []models.Record, summary *PendingSummary) {
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BatchTimeout)
	defer cancel()

	counts := make(map[pendingOutcome]int)
	for _, r := range page {
		o := s.reconcileOne(batchCtx, r)
		counts[o]++
	}
	summary.Scanned += len(page)
	summary.Completed += counts[outcomeCompleted]
	summary.Confirmed += counts[outcomeConfirmed]
	summary.Compensated += counts[outcomeCompensated]
	summary.Failed += counts[outcomeFailed]
	for o, n := range counts {
		s.metrics.AddReconciled(string(o), n)
	}
}

func (s *Service) reconcileOne(ctx context.Context, pending models.Record) pendingOutcome {
	var outcome pendingOutcome
	err := s.runner.RunInTx(ctx, voucherKey(pending.VoucherID), func(ctx context.Context) error {
		r, err := s.store.Get(ctx, pending.ID)
		if err != nil {
			return wrapRecordErr(err, "failed to read settlement")
		}
		if r.Status != models.StatusPending {
			outcome = outcomeGone
			return nil
		}
		v, err := s.vouchers.Get(ctx, r.VoucherID)
		if err != nil {
			return err
		}
		now := requestcontext.Now(ctx)

		switch v.State {
		case vouchermodels.StateDispensed:
			if _, err := s.vouchers.Settle(ctx, reconcilerActor, r.VoucherID); err != nil {
				return err
			}
			outcome = outcomeCompleted
		case vouchermodels.StateSettled:
			outcome = outcomeConfirmed
		default:
			if _, err := s.compensate(ctx, reconcilerActor, r, models.StatusPending,
				"voucher is "+string(v.State)+" at reconciliation"); err != nil {
				return err
			}
			outcome = outcomeCompensated
			return nil
		}
		if err := s.store.UpdateStatus(ctx, r.ID, models.StatusPending, models.StatusSettled, &now); err != nil {
			return wrapRecordErr(err, "failed to confirm settlement")
		}
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "pending settlement left unresolved",
			"settlement_id", pending.ID.String(),
			"voucher_id", pending.VoucherID.String(),
			"error", err,
		)
		return outcomeFailed
	}
	s.logAudit(ctx, "settlement_reconciled",
		"settlement_id", pending.ID.String(),
		"voucher_id", pending.VoucherID.String(),
		"outcome", string(outcome),
	)
	return outcome
}
