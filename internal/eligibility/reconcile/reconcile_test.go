package reconcile

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mutuelle/internal/directory"
	"mutuelle/internal/eligibility/cache"
	"mutuelle/internal/eligibility/evaluator"
	eligibility "mutuelle/internal/eligibility/service"
	"mutuelle/internal/ledger/models"
	ledger "mutuelle/internal/ledger/service"
	ledgerstore "mutuelle/internal/ledger/store"
	"mutuelle/internal/platform/events"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/tx"
	"mutuelle/pkg/requestcontext"
)

var tariffs = models.Tariffs{
	directory.CategoryStandard:        5000,
	directory.CategoryExpectantMother: 7500,
	directory.CategoryChild:           3000,
	directory.CategorySenior:          4000,
}

var (
	enrolled = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	posted   = time.Date(2024, 4, 20, 12, 0, 0, 0, time.UTC)
	now      = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
)

// cancellingDirectory cancels the sweep's context on the first page read.
type cancellingDirectory struct {
	directory.Reader
	once   sync.Once
	cancel context.CancelFunc
}

func (d *cancellingDirectory) List(ctx context.Context, afterID id.BeneficiaryID, limit int) ([]id.BeneficiaryID, error) {
	d.once.Do(d.cancel)
	return d.Reader.List(ctx, afterID, limit)
}

// racingLedger hands the sweep a state snapshot taken before interleave runs,
// so a ledger write and its refresh land between the sweep's read and write.
type racingLedger struct {
	LedgerReader
	once       sync.Once
	interleave func()
}

func (l *racingLedger) State(ctx context.Context, beneficiaryID id.BeneficiaryID) (*models.State, error) {
	state, err := l.LedgerReader.State(ctx, beneficiaryID)
	l.once.Do(l.interleave)
	return state, err
}

type ReconcileSuite struct {
	suite.Suite
	ctx       context.Context
	dir       *directory.InMemory
	txs       *ledgerstore.InMemoryStore
	ledger    *ledger.Service
	cache     *cache.InMemoryStore
	events    *events.Memory
	policy    evaluator.Policy
	sweeper   *Sweeper
	batchSize int
}

func TestReconcileSuite(t *testing.T) {
	suite.Run(t, new(ReconcileSuite))
}

func (s *ReconcileSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), now)
	s.dir = directory.NewInMemory()
	s.txs = ledgerstore.NewInMemory()
	s.ledger = ledger.New(s.txs, s.dir, tx.NewSharded(time.Second), tariffs)
	s.cache = cache.NewInMemory()
	s.events = events.NewMemory()
	s.policy = evaluator.Policy{Tariffs: tariffs}
	s.batchSize = 2
	s.sweeper = s.newSweeper(s.dir)
}

func (s *ReconcileSuite) newSweeper(dir directory.Reader) *Sweeper {
	return New(dir, s.ledger, s.cache, s.policy, Config{
		BatchSize:    s.batchSize,
		BatchTimeout: 5 * time.Second,
		Concurrency:  4,
		Staleness:    time.Hour,
	}, WithEventPublisher(s.events))
}

func (s *ReconcileSuite) enroll(beneficiaryID id.BeneficiaryID) {
	s.dir.Put(directory.Beneficiary{ID: beneficiaryID, EnrolledOn: enrolled, Category: directory.CategoryStandard})
}

func (s *ReconcileSuite) post(beneficiaryID id.BeneficiaryID, period string, amount int64, effect models.Effect) {
	p, err := models.ParsePeriod(period)
	s.Require().NoError(err)
	kind := models.KindPayment
	if effect == models.EffectDebit {
		kind = models.KindAdjustment
	}
	s.Require().NoError(s.txs.Append(s.ctx, &models.Transaction{
		ID:            id.NewTransactionID(),
		BeneficiaryID: beneficiaryID,
		Period:        p,
		Amount:        amount,
		Currency:      "XOF",
		Kind:          kind,
		Effect:        effect,
		PostedAt:      posted,
		RecordedBy:    "op-1",
	}))
}

func (s *ReconcileSuite) payMonths(beneficiaryID id.BeneficiaryID, periods ...string) {
	for _, p := range periods {
		s.post(beneficiaryID, p, 5000, models.EffectCredit)
	}
}

func (s *ReconcileSuite) truth(beneficiaryID id.BeneficiaryID) evaluator.Verdict {
	state, err := s.ledger.State(s.ctx, beneficiaryID)
	s.Require().NoError(err)
	return evaluator.Evaluate(*state, now, s.policy)
}

func (s *ReconcileSuite) cached(beneficiaryID id.BeneficiaryID) *cache.Entry {
	e, err := s.cache.Get(s.ctx, beneficiaryID)
	s.Require().NoError(err)
	return e
}

// seedScenario builds three beneficiaries: A consistent and fresh, B cached
// as current while the ledger says overdue, C with a malformed adjustment.
func (s *ReconcileSuite) seedScenario() {
	for _, b := range []id.BeneficiaryID{"MAT-A", "MAT-B", "MAT-C"} {
		s.enroll(b)
	}
	s.payMonths("MAT-A", "2024-01", "2024-02", "2024-03", "2024-04")
	s.payMonths("MAT-B", "2024-01", "2024-02", "2024-03")
	s.payMonths("MAT-C", "2024-01", "2024-02", "2024-03", "2024-04")
	s.post("MAT-C", "2024-02", 6000, models.EffectDebit)

	truthA := s.truth("MAT-A")
	s.cache.Put(cache.Entry{
		BeneficiaryID: "MAT-A", Verdict: truthA, Checksum: truthA.Checksum,
		Version: 4, UpdatedAt: now.Add(-10 * time.Minute),
	})
	stale := evaluator.Verdict{BeneficiaryID: "MAT-B", Status: evaluator.StatusCurrent, AsOf: now.Add(-48 * time.Hour)}
	s.cache.Put(cache.Entry{BeneficiaryID: "MAT-B", Verdict: stale, Checksum: "old", Version: 2, UpdatedAt: now.Add(-2 * time.Hour)})
	staleC := evaluator.Verdict{BeneficiaryID: "MAT-C", Status: evaluator.StatusCurrent, AsOf: now.Add(-48 * time.Hour)}
	s.cache.Put(cache.Entry{BeneficiaryID: "MAT-C", Verdict: staleC, Checksum: "old", Version: 7, UpdatedAt: now.Add(-2 * time.Hour)})
}

func (s *ReconcileSuite) TestRepairsDivergenceAndFlagsInconsistentLedger() {
	s.seedScenario()

	summary, err := s.sweeper.Sweep(s.ctx, Options{})
	s.Require().NoError(err)

	s.Equal(3, summary.Scanned)
	s.Equal(1, summary.Fresh)
	s.Equal(1, summary.Repaired)
	s.Equal(1, summary.Unresolved)
	s.Equal(2, summary.Batches)
	s.False(summary.Cancelled)

	s.Equal(int64(4), s.cached("MAT-A").Version, "fresh row untouched")

	b := s.cached("MAT-B")
	s.Equal(evaluator.StatusOverdue, b.Verdict.Status)
	s.True(b.Usable())
	repaired := s.events.OfType(EventDivergenceRepaired)
	s.Require().Len(repaired, 1)
	s.Equal("MAT-B", repaired[0].Key)
	payload := repaired[0].Payload.(DivergenceRepaired)
	s.Equal(evaluator.StatusCurrent, payload.OldStatus)
	s.Equal(evaluator.StatusOverdue, payload.NewStatus)
	s.Equal(now, payload.DetectedAt)

	c := s.cached("MAT-C")
	s.True(c.Unreliable)
	s.Contains(c.UnreliableReason, "ledger inconsistent")
	unresolved := s.events.OfType(EventDivergenceUnresolved)
	s.Require().Len(unresolved, 1)
	s.Equal("MAT-C", unresolved[0].Key)

	s.Run("reads on the flagged row still get a live verdict", func() {
		reader := eligibility.New(s.dir, s.ledger, s.cache, s.policy)
		view, err := reader.Get(s.ctx, "MAT-C", false)
		s.Require().NoError(err)
		s.Equal(eligibility.SourceLive, view.Source)
		s.True(view.Unreliable)
		s.Equal(evaluator.StatusOverdue, view.Verdict.Status)
	})
}

func (s *ReconcileSuite) TestSecondSweepRepairsNothing() {
	s.seedScenario()

	_, err := s.sweeper.Sweep(s.ctx, Options{})
	s.Require().NoError(err)
	s.events.Reset()

	summary, err := s.sweeper.Sweep(s.ctx, Options{})
	s.Require().NoError(err)
	s.Zero(summary.Repaired)
	s.Equal(2, summary.Fresh)
	s.Empty(s.events.OfType(EventDivergenceRepaired))

	forced, err := s.sweeper.Sweep(s.ctx, Options{Force: true})
	s.Require().NoError(err)
	s.Zero(forced.Repaired)
	s.Equal(2, forced.Refreshed)
}

func (s *ReconcileSuite) TestMissingRowsAreFilled() {
	s.enroll("MAT-N")
	s.payMonths("MAT-N", "2024-01")

	summary, err := s.sweeper.Sweep(s.ctx, Options{})
	s.Require().NoError(err)
	s.Equal(1, summary.Refreshed)
	s.Zero(summary.Repaired)
	s.Equal(evaluator.StatusOverdue, s.cached("MAT-N").Verdict.Status)
}

func (s *ReconcileSuite) TestCancellationStopsBetweenBatches() {
	for i := range 5 {
		s.enroll(id.BeneficiaryID(fmt.Sprintf("MAT-%02d", i)))
	}
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	sweeper := s.newSweeper(&cancellingDirectory{Reader: s.dir, cancel: cancel})

	summary, err := sweeper.Sweep(ctx, Options{})
	s.Require().NoError(err)

	s.True(summary.Cancelled)
	s.Equal(1, summary.Batches)
	s.Equal(2, summary.Scanned, "the batch in flight completes")
	s.Equal(2, summary.Refreshed)
}

func (s *ReconcileSuite) TestForcedSweepConverges() {
	rng := rand.New(rand.NewPCG(7, 11))
	periods := []string{"2024-01", "2024-02", "2024-03", "2024-04"}
	statuses := []evaluator.Status{evaluator.StatusCurrent, evaluator.StatusOverdue, evaluator.StatusWaived}

	var ids []id.BeneficiaryID
	for i := range 25 {
		b := id.BeneficiaryID(fmt.Sprintf("MAT-%03d", i))
		ids = append(ids, b)
		s.enroll(b)
		for _, p := range periods {
			switch rng.IntN(3) {
			case 0:
				s.post(b, p, 5000, models.EffectCredit)
			case 1:
				s.post(b, p, int64(1+rng.IntN(4999)), models.EffectCredit)
			}
		}
		if rng.IntN(5) == 0 {
			s.post(b, "2024-03", 9000, models.EffectDebit)
		}
		if rng.IntN(2) == 0 {
			s.cache.Put(cache.Entry{
				BeneficiaryID: b,
				Verdict:       evaluator.Verdict{BeneficiaryID: b, Status: statuses[rng.IntN(len(statuses))]},
				UpdatedAt:     now.Add(-time.Duration(rng.IntN(180)) * time.Minute),
				Unreliable:    rng.IntN(4) == 0,
			})
		}
	}

	_, err := s.sweeper.Sweep(s.ctx, Options{Force: true})
	s.Require().NoError(err)

	for _, b := range ids {
		e := s.cached(b)
		if e.Unreliable {
			s.NotEmpty(s.truth(b).Anomalies, "only inconsistent ledgers stay unreliable: %s", b)
			continue
		}
		s.Equal(s.truth(b).Status, e.Verdict.Status, "beneficiary %s", b)
	}
}

func (s *ReconcileSuite) TestSweepNeverOverwritesNewerRefresh() {
	s.enroll("MAT-R")
	s.payMonths("MAT-R", "2024-01", "2024-02", "2024-03")
	reader := eligibility.New(s.dir, s.ledger, s.cache, s.policy)
	s.ledger.SetRecordedHook(reader)
	s.Require().NoError(reader.Refresh(s.ctx, "MAT-R"))
	s.Require().Equal(evaluator.StatusOverdue, s.cached("MAT-R").Verdict.Status)

	operator := id.Actor{ID: "op-1", Role: id.RoleOperator}
	ledgerReader := &racingLedger{LedgerReader: s.ledger, interleave: func() {
		_, err := s.ledger.Record(s.ctx, operator, models.RecordRequest{
			BeneficiaryID: "MAT-R",
			Period:        "2024-04",
			Amount:        5000,
			Kind:          string(models.KindPayment),
		})
		s.Require().NoError(err)
	}}
	sweeper := New(s.dir, ledgerReader, s.cache, s.policy, Config{BatchSize: s.batchSize}, WithEventPublisher(s.events))

	summary, err := sweeper.Sweep(s.ctx, Options{Force: true})
	s.Require().NoError(err)
	s.Equal(1, summary.Skipped)
	s.Zero(summary.Repaired)
	s.Empty(s.events.OfType(EventDivergenceRepaired))

	entry := s.cached("MAT-R")
	s.True(entry.Usable())
	s.Equal(evaluator.StatusCurrent, entry.Verdict.Status)
	s.Equal(s.truth("MAT-R").Checksum, entry.Checksum)

	verdict, source, err := reader.ForDecision(s.ctx, "MAT-R")
	s.Require().NoError(err)
	s.Equal(eligibility.SourceCache, source)
	s.Equal(evaluator.StatusCurrent, verdict.Status)
}
