//go:build integration

package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mutuelle/internal/directory"
	"mutuelle/internal/ledger/models"
	"mutuelle/internal/ledger/store"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/audit/publishers/compliance"
	auditpostgres "mutuelle/pkg/platform/audit/store/postgres"
	"mutuelle/pkg/platform/tx"
	"mutuelle/pkg/requestcontext"
	"mutuelle/pkg/testutil/containers"
)

type LedgerPostgresSuite struct {
	suite.Suite
	pg      *containers.PostgresContainer
	service *Service
	audit   *auditpostgres.Store
}

func TestLedgerPostgresSuite(t *testing.T) {
	suite.Run(t, new(LedgerPostgresSuite))
}

func (s *LedgerPostgresSuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
}

func (s *LedgerPostgresSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.pg.TruncateTables(ctx, "contributions", "category_changes", "audit_events", "beneficiaries"))

	dir := directory.NewPostgres(s.pg.DB)
	s.Require().NoError(dir.Enroll(ctx, directory.Beneficiary{
		ID: "MAT-1", EnrolledOn: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Category: directory.CategoryStandard,
	}))
	s.audit = auditpostgres.New(s.pg.DB)
	s.service = New(store.NewPostgres(s.pg.DB), dir, tx.NewPostgres(s.pg.DB, 5*time.Second), testTariffs,
		WithAuditPublisher(compliance.New(s.audit)),
	)
}

func (s *LedgerPostgresSuite) TestAdvisoryLockSerializesAppends() {
	ctx := requestcontext.WithTime(context.Background(), time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC))
	operator := id.Actor{ID: "op-1", Role: id.RoleOperator}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Record(ctx, operator, models.RecordRequest{
				BeneficiaryID: "MAT-1", Period: "2024-04", Amount: 1000, Kind: "payment",
			})
			if err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(5), accepted.Load())
	txs, err := s.service.History(ctx, "MAT-1", "", "")
	s.Require().NoError(err)
	s.Len(txs, 5)

	events, err := s.audit.ListByBeneficiary(ctx, "MAT-1")
	s.Require().NoError(err)
	s.Len(events, 5)
}

func (s *LedgerPostgresSuite) TestCategoryChangeRoundTrip() {
	ctx := requestcontext.WithTime(context.Background(), time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC))
	_, err := s.service.ChangeCategory(ctx, id.Actor{ID: "adm-1", Role: id.RoleInsurerAdmin}, models.CategoryChangeRequest{
		BeneficiaryID: "MAT-1", Period: "2024-03", Category: "senior",
	})
	s.Require().NoError(err)

	state, err := s.service.State(ctx, "MAT-1")
	s.Require().NoError(err)
	s.Require().Len(state.CategoryChanges, 1)
	s.Equal("2024-03", state.CategoryChanges[0].EffectivePeriod.String())
	s.Equal(directory.CategorySenior, state.CategoryAt(models.Period{Year: 2024, Month: time.April}, requestcontext.Now(ctx)))
}
