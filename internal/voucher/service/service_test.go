package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mutuelle/internal/directory"
	"mutuelle/internal/eligibility/cache"
	"mutuelle/internal/eligibility/evaluator"
	"mutuelle/internal/eligibility/reconcile"
	eligibility "mutuelle/internal/eligibility/service"
	ledgermodels "mutuelle/internal/ledger/models"
	ledger "mutuelle/internal/ledger/service"
	ledgerstore "mutuelle/internal/ledger/store"
	"mutuelle/internal/platform/events"
	"mutuelle/internal/voucher/models"
	"mutuelle/internal/voucher/store"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/platform/audit"
	"mutuelle/pkg/platform/audit/publishers/compliance"
	auditmemory "mutuelle/pkg/platform/audit/store/memory"
	"mutuelle/pkg/platform/tx"
	"mutuelle/pkg/requestcontext"
)

var (
	enrolled = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now      = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

	operator   = id.Actor{ID: "op-1", Role: id.RoleOperator}
	physician  = id.Actor{ID: "dr-1", Role: id.RolePhysician}
	pharmacist = id.Actor{ID: "ph-1", Role: id.RolePharmacist}
	admin      = id.Actor{ID: "adm-1", Role: id.RoleInsurerAdmin}
)

var tariffs = ledgermodels.Tariffs{directory.CategoryStandard: 5000}

// refusingAuditStore fails every append while refuse is set.
type refusingAuditStore struct {
	*auditmemory.InMemoryStore
	refuse atomic.Bool
}

func (s *refusingAuditStore) Append(ctx context.Context, event audit.Event) error {
	if s.refuse.Load() {
		return errors.New("audit store offline")
	}
	return s.InMemoryStore.Append(ctx, event)
}

type VoucherServiceSuite struct {
	suite.Suite
	ctx         context.Context
	dir         *directory.InMemory
	txs         *ledgerstore.InMemoryStore
	cache       *cache.InMemoryStore
	eligibility *eligibility.Service
	sweeper     *reconcile.Sweeper
	store       *store.InMemoryStore
	events      *events.Memory
	audit       *auditmemory.InMemoryStore
	cfg         Config
	service     *Service
}

func TestVoucherServiceSuite(t *testing.T) {
	suite.Run(t, new(VoucherServiceSuite))
}

func (s *VoucherServiceSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), now)
	s.dir = directory.NewInMemory(
		directory.Beneficiary{ID: "MAT-1", EnrolledOn: enrolled, Category: directory.CategoryStandard},
		directory.Beneficiary{ID: "MAT-2", EnrolledOn: enrolled, Category: directory.CategoryStandard},
	)
	s.txs = ledgerstore.NewInMemory()
	ledgerSvc := ledger.New(s.txs, s.dir, tx.NewSharded(time.Second), tariffs)
	policy := evaluator.Policy{Tariffs: tariffs}
	s.cache = cache.NewInMemory()
	s.eligibility = eligibility.New(s.dir, ledgerSvc, s.cache, policy)
	s.sweeper = reconcile.New(s.dir, ledgerSvc, s.cache, policy, reconcile.Config{BatchSize: 10})
	s.store = store.NewInMemory()
	s.events = events.NewMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.cfg = Config{
		ValidityWindow:     30 * 24 * time.Hour,
		DailyIssuanceLimit: 20,
		BatchSize:          10,
	}
	s.service = s.newService()

	s.pay("MAT-1", "2024-01", "2024-02", "2024-03", "2024-04")
	s.pay("MAT-2", "2024-01", "2024-02", "2024-03")
}

func (s *VoucherServiceSuite) newService() *Service {
	return New(s.store, s.dir, s.eligibility, tx.NewSharded(time.Second), s.cfg,
		WithEventPublisher(s.events),
		WithAuditPublisher(compliance.New(s.audit)),
	)
}

func (s *VoucherServiceSuite) pay(beneficiaryID id.BeneficiaryID, periods ...string) {
	for _, p := range periods {
		period, err := ledgermodels.ParsePeriod(p)
		s.Require().NoError(err)
		s.Require().NoError(s.txs.Append(s.ctx, &ledgermodels.Transaction{
			ID:            id.NewTransactionID(),
			BeneficiaryID: beneficiaryID,
			Period:        period,
			Amount:        5000,
			Currency:      "XOF",
			Kind:          ledgermodels.KindPayment,
			Effect:        ledgermodels.EffectCredit,
			PostedAt:      enrolled,
			RecordedBy:    "op-1",
		}))
	}
}

func (s *VoucherServiceSuite) create(beneficiaryID id.BeneficiaryID) *models.Voucher {
	v, err := s.service.Create(s.ctx, operator, models.CreateRequest{BeneficiaryID: beneficiaryID, Ceiling: 15000})
	s.Require().NoError(err)
	return v
}

func (s *VoucherServiceSuite) advance(v *models.Voucher, steps ...step) *models.Voucher {
	for _, step := range steps {
		var err error
		v, err = s.service.Transition(s.ctx, step.actor, v.ID, step.name, "")
		s.Require().NoError(err)
	}
	return v
}

type step struct {
	actor id.Actor
	name  models.Transition
}

var toDispensed = []step{
	{operator, models.SubmitForPhysicianReview},
	{physician, models.PhysicianValidate},
	{physician, models.SubmitForDispense},
	{pharmacist, models.PharmacistDispense},
}

func (s *VoucherServiceSuite) requireCode(err error, code dErrors.Code) {
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, code), "expected %s, got %v", code, err)
}

func (s *VoucherServiceSuite) TestCreate() {
	s.Run("eligible beneficiary gets a voucher with a frozen snapshot", func() {
		v, err := s.service.Create(s.ctx, operator, models.CreateRequest{
			BeneficiaryID:      "MAT-1",
			Ceiling:            15000,
			CareType:           "consultation",
			Urgency:            "urgent",
			ConsultationReason: "fever",
		})
		s.Require().NoError(err)

		s.Equal(models.StateCreated, v.State)
		s.Regexp(`^BS20240510090000\d{4}$`, v.Code)
		s.Equal(now.Add(30*24*time.Hour), v.ExpiresAt)
		s.Equal(evaluator.StatusCurrent, v.Snapshot.Verdict.Status)
		s.Equal(string(eligibility.SourceLive), v.Snapshot.Source)
		s.Equal("XOF", v.Currency)
		s.Equal(models.UrgencyUrgent, v.Urgency)
		s.Equal(1, v.Version)

		trail, err := s.audit.ListBySubject(s.ctx, v.ID.String())
		s.Require().NoError(err)
		s.Require().Len(trail, 1)
		s.Equal(string(audit.EventVoucherCreated), trail[0].Action)
	})

	s.Run("overdue beneficiary is refused without override", func() {
		_, err := s.service.Create(s.ctx, operator, models.CreateRequest{BeneficiaryID: "MAT-2", Ceiling: 15000})
		s.requireCode(err, dErrors.CodeIneligibleBeneficiary)
	})

	s.Run("override needs a reason", func() {
		_, err := s.service.Create(s.ctx, operator, models.CreateRequest{BeneficiaryID: "MAT-2", Ceiling: 15000, Override: true})
		s.requireCode(err, dErrors.CodeValidation)
	})

	s.Run("override with a reason issues and records it", func() {
		v, err := s.service.Create(s.ctx, operator, models.CreateRequest{
			BeneficiaryID: "MAT-2", Ceiling: 15000, Override: true, OverrideReason: "emergency admission",
		})
		s.Require().NoError(err)
		s.Equal(evaluator.StatusOverdue, v.Snapshot.Verdict.Status)
		s.True(v.Snapshot.Override)
		s.Equal("emergency admission", v.Snapshot.OverrideReason)
	})

	s.Run("rejections", func() {
		cases := []struct {
			name  string
			actor id.Actor
			req   models.CreateRequest
			code  dErrors.Code
		}{
			{"physician cannot issue", physician, models.CreateRequest{BeneficiaryID: "MAT-1", Ceiling: 1}, dErrors.CodeWrongActorRole},
			{"zero ceiling", operator, models.CreateRequest{BeneficiaryID: "MAT-1"}, dErrors.CodeNonPositiveAmount},
			{"foreign currency", operator, models.CreateRequest{BeneficiaryID: "MAT-1", Ceiling: 1, Currency: "EUR"}, dErrors.CodeValidation},
			{"bad urgency", operator, models.CreateRequest{BeneficiaryID: "MAT-1", Ceiling: 1, Urgency: "later"}, dErrors.CodeValidation},
			{"unknown beneficiary", operator, models.CreateRequest{BeneficiaryID: "MAT-404", Ceiling: 1}, dErrors.CodeUnknownBeneficiary},
		}
		for _, tc := range cases {
			s.Run(tc.name, func() {
				_, err := s.service.Create(s.ctx, tc.actor, tc.req)
				s.requireCode(err, tc.code)
			})
		}
	})
}

func (s *VoucherServiceSuite) TestCreateTolerance() {
	s.cfg.OverdueTolerance = 5000
	s.service = s.newService()

	v, err := s.service.Create(s.ctx, operator, models.CreateRequest{BeneficiaryID: "MAT-2", Ceiling: 15000})
	s.Require().NoError(err)
	s.Equal(int64(5000), v.Snapshot.Verdict.OverdueAmount)
	s.False(v.Snapshot.Override)
}

func (s *VoucherServiceSuite) TestDailyIssuanceLimit() {
	s.cfg.DailyIssuanceLimit = 2
	s.service = s.newService()

	s.create("MAT-1")
	s.create("MAT-1")
	_, err := s.service.Create(s.ctx, operator, models.CreateRequest{BeneficiaryID: "MAT-1", Ceiling: 15000})
	s.requireCode(err, dErrors.CodeIssuanceLimitReached)

	other := id.Actor{ID: "op-2", Role: id.RoleOperator}
	_, err = s.service.Create(s.ctx, other, models.CreateRequest{BeneficiaryID: "MAT-1", Ceiling: 15000})
	s.NoError(err)

	tomorrow := requestcontext.WithTime(context.Background(), now.Add(24*time.Hour))
	_, err = s.service.Create(tomorrow, operator, models.CreateRequest{BeneficiaryID: "MAT-1", Ceiling: 15000})
	s.NoError(err)
}

// A stale cached "current" verdict lets V1 through; once a forced sweep
// repairs the row from the ledger, V2 is refused and V1 keeps its snapshot.
func (s *VoucherServiceSuite) TestStaleCacheThenForcedReconciliation() {
	earlier := requestcontext.WithTime(context.Background(), time.Date(2024, 4, 25, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(s.eligibility.Refresh(earlier, "MAT-2"))

	v1, err := s.service.Create(s.ctx, operator, models.CreateRequest{BeneficiaryID: "MAT-2", Ceiling: 15000})
	s.Require().NoError(err)
	s.Equal(evaluator.StatusCurrent, v1.Snapshot.Verdict.Status)
	s.Equal(string(eligibility.SourceCache), v1.Snapshot.Source)

	summary, err := s.sweeper.Sweep(s.ctx, reconcile.Options{Force: true})
	s.Require().NoError(err)
	s.Equal(1, summary.Repaired)

	_, err = s.service.Create(s.ctx, operator, models.CreateRequest{BeneficiaryID: "MAT-2", Ceiling: 15000})
	s.requireCode(err, dErrors.CodeIneligibleBeneficiary)

	got, err := s.service.Get(s.ctx, v1.ID)
	s.Require().NoError(err)
	s.Equal(evaluator.StatusCurrent, got.Snapshot.Verdict.Status)
	s.Equal(models.StateCreated, got.State)
}

func (s *VoucherServiceSuite) TestHappyPath() {
	v := s.create("MAT-1")
	v = s.advance(v, toDispensed...)

	s.Equal(models.StateDispensed, v.State)
	s.Len(v.Transitions, 4)
	s.Equal(5, v.Version)
	for i, rec := range v.Transitions {
		s.Equal(toDispensed[i].name, rec.Name)
		s.Equal(toDispensed[i].actor.ID, rec.ActorID)
		s.Equal(now, rec.At)
	}

	published := s.events.OfType(EventTransitioned)
	s.Require().Len(published, 4)
	first := published[0].Payload.(TransitionEvent)
	s.Equal(id.RolePhysician, first.NextRole)
	s.Equal(events.TopicVoucherTransitions, published[0].Topic)
	last := published[3].Payload.(TransitionEvent)
	s.Equal(models.StateDispensed, last.To)
	s.Equal(id.RoleInsurerAdmin, last.NextRole)
}

func (s *VoucherServiceSuite) TestTransitionGuards() {
	v := s.create("MAT-1")

	s.Run("wrong role leaves the voucher untouched", func() {
		_, err := s.service.Transition(s.ctx, pharmacist, v.ID, models.SubmitForPhysicianReview, "")
		s.requireCode(err, dErrors.CodeWrongActorRole)
		got, err := s.service.Get(s.ctx, v.ID)
		s.Require().NoError(err)
		s.Equal(models.StateCreated, got.State)
		s.Empty(got.Transitions)
	})

	s.Run("skipping a state is an invalid transition", func() {
		_, err := s.service.Transition(s.ctx, physician, v.ID, models.PhysicianValidate, "")
		s.requireCode(err, dErrors.CodeInvalidTransition)
	})

	s.Run("rejection requires a reason", func() {
		s.advance(v, step{operator, models.SubmitForPhysicianReview})
		_, err := s.service.Transition(s.ctx, physician, v.ID, models.PhysicianReject, "  ")
		s.requireCode(err, dErrors.CodeValidation)
	})

	s.Run("settlement transitions are not exposed", func() {
		_, err := s.service.Transition(s.ctx, admin, v.ID, models.Settle, "")
		s.requireCode(err, dErrors.CodeValidation)
	})

	s.Run("unknown transition", func() {
		_, err := s.service.Transition(s.ctx, admin, v.ID, models.Transition("approve"), "")
		s.requireCode(err, dErrors.CodeValidation)
	})

	s.Run("unknown voucher", func() {
		_, err := s.service.Transition(s.ctx, operator, id.NewVoucherID(), models.SubmitForPhysicianReview, "")
		s.requireCode(err, dErrors.CodeNotFound)
	})

	s.Run("operator cancels with a reason", func() {
		got, err := s.service.Transition(s.ctx, operator, v.ID, models.Cancel, "duplicate request")
		s.Require().NoError(err)
		s.Equal(models.StateRejected, got.State)
		s.Equal("duplicate request", got.RejectionReason)

		_, err = s.service.Transition(s.ctx, physician, v.ID, models.PhysicianValidate, "")
		s.requireCode(err, dErrors.CodeInvalidTransition)
	})
}

func (s *VoucherServiceSuite) TestConcurrentPhysicianDecisions() {
	v := s.advance(s.create("MAT-1"), step{operator, models.SubmitForPhysicianReview})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.service.Transition(s.ctx, physician, v.ID, models.PhysicianValidate, "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = s.service.Transition(s.ctx, physician, v.ID, models.PhysicianReject, "contraindicated")
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition), "got %v", err)
	}
	s.Equal(1, succeeded)

	got, err := s.service.Get(s.ctx, v.ID)
	s.Require().NoError(err)
	s.Len(got.Transitions, 2)
}

func (s *VoucherServiceSuite) TestExpire() {
	v := s.create("MAT-1")
	system := id.SystemActor
	later := requestcontext.WithTime(context.Background(), v.ExpiresAt)

	s.Run("only the system expires", func() {
		_, err := s.service.Expire(later, operator, v.ID)
		s.requireCode(err, dErrors.CodeWrongActorRole)
	})

	s.Run("not before the window ends", func() {
		_, err := s.service.Expire(s.ctx, system, v.ID)
		s.requireCode(err, dErrors.CodeInvalidTransition)
	})

	s.Run("other transitions are refused once the window elapsed", func() {
		_, err := s.service.Transition(later, operator, v.ID, models.SubmitForPhysicianReview, "")
		s.requireCode(err, dErrors.CodeInvalidTransition)
	})

	s.Run("expires then stays put", func() {
		got, err := s.service.Expire(later, system, v.ID)
		s.Require().NoError(err)
		s.Equal(models.StateExpired, got.State)

		again, err := s.service.Expire(later, system, v.ID)
		s.Require().NoError(err)
		s.Equal(got.Version, again.Version)
		s.Len(again.Transitions, 1)
	})

	s.Run("dispensed voucher is left alone", func() {
		d := s.advance(s.create("MAT-1"), toDispensed...)
		after := requestcontext.WithTime(context.Background(), d.ExpiresAt.Add(time.Hour))
		got, err := s.service.Expire(after, system, d.ID)
		s.Require().NoError(err)
		s.Equal(models.StateDispensed, got.State)
		s.Equal(d.Version, got.Version)
	})

	s.Run("rejected voucher is left alone", func() {
		submitted := s.advance(s.create("MAT-1"), step{operator, models.SubmitForPhysicianReview})
		r, err := s.service.Transition(s.ctx, physician, submitted.ID, models.PhysicianReject, "not indicated")
		s.Require().NoError(err)
		after := requestcontext.WithTime(context.Background(), r.ExpiresAt.Add(time.Hour))
		got, err := s.service.Expire(after, system, r.ID)
		s.Require().NoError(err)
		s.Equal(models.StateRejected, got.State)
		s.Equal(r.Version, got.Version)
	})

	s.Run("cancelled voucher is left alone", func() {
		r, err := s.service.Transition(s.ctx, operator, s.create("MAT-1").ID, models.Cancel, "entered twice")
		s.Require().NoError(err)
		after := requestcontext.WithTime(context.Background(), r.ExpiresAt)
		got, err := s.service.Expire(after, system, r.ID)
		s.Require().NoError(err)
		s.Equal(models.StateRejected, got.State)
		s.Equal(r.Version, got.Version)
	})
}

func (s *VoucherServiceSuite) TestExpireDue() {
	s.cfg.BatchSize = 1
	s.service = s.newService()

	a := s.create("MAT-1")
	b := s.advance(s.create("MAT-1"), step{operator, models.SubmitForPhysicianReview})
	dispensed := s.advance(s.create("MAT-1"), toDispensed...)

	later := requestcontext.WithTime(context.Background(), now.Add(31*24*time.Hour))
	summary, err := s.service.ExpireDue(later)
	s.Require().NoError(err)
	s.Equal(2, summary.Scanned)
	s.Equal(2, summary.Expired)
	s.Equal(0, summary.Skipped)
	s.Equal(2, summary.Batches)
	s.False(summary.Cancelled)

	for _, vid := range []id.VoucherID{a.ID, b.ID} {
		got, err := s.service.Get(s.ctx, vid)
		s.Require().NoError(err)
		s.Equal(models.StateExpired, got.State)
	}
	got, err := s.service.Get(s.ctx, dispensed.ID)
	s.Require().NoError(err)
	s.Equal(models.StateDispensed, got.State)

	again, err := s.service.ExpireDue(later)
	s.Require().NoError(err)
	s.Equal(0, again.Scanned)
	s.Equal(0, again.Expired)
}

func (s *VoucherServiceSuite) TestExpireDueStopsWhenCancelled() {
	s.create("MAT-1")
	ctx, cancel := context.WithCancel(requestcontext.WithTime(context.Background(), now.Add(31*24*time.Hour)))
	cancel()

	summary, err := s.service.ExpireDue(ctx)
	s.Require().NoError(err)
	s.True(summary.Cancelled)
	s.Equal(0, summary.Batches)
}

func (s *VoucherServiceSuite) TestSettleAndReopen() {
	v := s.advance(s.create("MAT-1"), toDispensed...)

	_, err := s.service.Settle(s.ctx, pharmacist, v.ID)
	s.requireCode(err, dErrors.CodeWrongActorRole)

	settled, err := s.service.Settle(s.ctx, admin, v.ID)
	s.Require().NoError(err)
	s.Equal(models.StateSettled, settled.State)

	_, err = s.service.Settle(s.ctx, admin, v.ID)
	s.requireCode(err, dErrors.CodeInvalidTransition)

	reopened, err := s.service.ReopenSettlement(s.ctx, admin, v.ID, "claim reversed")
	s.Require().NoError(err)
	s.Equal(models.StateDispensed, reopened.State)
}

func (s *VoucherServiceSuite) TestCreateRefusedByAuditLeavesNoVoucher() {
	trail := &refusingAuditStore{InMemoryStore: s.audit}
	service := New(s.store, s.dir, s.eligibility, tx.NewSharded(time.Second), s.cfg,
		WithAuditPublisher(compliance.New(trail)),
	)
	req := models.CreateRequest{BeneficiaryID: "MAT-1", Ceiling: 15000}

	trail.refuse.Store(true)
	_, err := service.Create(s.ctx, operator, req)
	s.requireCode(err, dErrors.CodeInternal)
	issued, err := s.store.CountIssuedSince(s.ctx, operator.ID, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Zero(issued)

	trail.refuse.Store(false)
	v, err := service.Create(s.ctx, operator, req)
	s.Require().NoError(err)
	issued, err = s.store.CountIssuedSince(s.ctx, operator.ID, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Equal(1, issued)

	entries, err := s.audit.ListBySubject(s.ctx, v.ID.String())
	s.Require().NoError(err)
	s.Len(entries, 1)
}
