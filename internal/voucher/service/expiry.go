package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/requestcontext"
)

// ExpirySummary reports one expiry sweep.
type ExpirySummary struct {
	Scanned   int       `json:"scanned"`
	Expired   int       `json:"expired"`
	Skipped   int       `json:"skipped"`
	Batches   int       `json:"batches"`
	Cancelled bool      `json:"cancelled"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

const expiryConcurrency = 4

// ExpireDue expires every pre-dispensed voucher whose window elapsed at the
// sweep's start time. Cancelling ctx stops paging between batches.
func (s *Service) ExpireDue(ctx context.Context) (*ExpirySummary, error) {
	ctx, span := s.tracer.Start(ctx, "voucher.ExpireDue")
	defer span.End()

	now := requestcontext.Now(ctx)
	ctx = requestcontext.WithTime(ctx, now)
	summary := &ExpirySummary{Started: now}
	began := time.Now()
	defer func() {
		summary.Finished = now.Add(time.Since(began))
		s.metrics.ObserveExpirySweep(time.Since(began), summary.Expired, summary.Cancelled)
	}()

	after := ""
	for {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
		page, err := s.store.ListExpirable(ctx, after, now, s.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				summary.Cancelled = true
				break
			}
			span.RecordError(err)
			return summary, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to list expirable vouchers")
		}
		if len(page) == 0 {
			break
		}
		summary.Batches++
		s.expireBatch(ctx, page, summary)
		after = page[len(page)-1].String()
		if len(page) < s.cfg.BatchSize {
			break
		}
	}

	s.logger.InfoContext(ctx, "voucher expiry sweep finished",
		"scanned", summary.Scanned,
		"expired", summary.Expired,
		"skipped", summary.Skipped,
		"batches", summary.Batches,
		"cancelled", summary.Cancelled,
	)
	return summary, nil
}

func (s *Service) expireBatch(ctx context.Context, page []id.VoucherID, summary *ExpirySummary) {
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BatchTimeout)
	defer cancel()

	expired := make([]bool, len(page))
	var g errgroup.Group
	g.SetLimit(expiryConcurrency)
	for i, voucherID := range page {
		g.Go(func() error {
			_, changed, err := s.expire(batchCtx, id.SystemActor, voucherID)
			if err != nil {
				s.logger.WarnContext(batchCtx, "voucher expiry skipped",
					"voucher_id", voucherID.String(),
					"error", err,
				)
				return nil
			}
			expired[i] = changed
			return nil
		})
	}
	_ = g.Wait()

	summary.Scanned += len(page)
	for _, e := range expired {
		if e {
			summary.Expired++
		} else {
			summary.Skipped++
		}
	}
}
