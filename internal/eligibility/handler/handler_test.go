package handler

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"mutuelle/internal/eligibility/evaluator"
	"mutuelle/internal/eligibility/handler/mocks"
	"mutuelle/internal/eligibility/service"
	"mutuelle/internal/ledger/models"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service
func newRouter(t *testing.T) (chi.Router, *mocks.MockService) {
	t.Helper()
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	r := chi.NewRouter()
	New(svc, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	return r, svc
}

func TestHandleGet(t *testing.T) {
	asOf := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	since := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	t.Run("renders the view", func(t *testing.T) {
		r, svc := newRouter(t)
		svc.EXPECT().Get(gomock.Any(), id.BeneficiaryID("MAT-1"), true).Return(&service.View{
			Verdict: evaluator.Verdict{
				BeneficiaryID:  "MAT-1",
				Status:         evaluator.StatusOverdue,
				OverdueAmount:  5000,
				OverdueSince:   &since,
				OverduePeriods: []models.Period{{Year: 2024, Month: time.April}},
				AsOf:           asOf,
			},
			Source:    service.SourceLive,
			Version:   3,
			Staleness: 90 * time.Second,
			AsOf:      asOf,
		}, nil)

		rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/eligibility/MAT-1?recompute=true"))

		testutil.AssertStatus(t, rr, http.StatusOK)
		resp := testutil.UnmarshalResponse[Response](t, rr)
		assert.Equal(t, "overdue", resp.Status)
		assert.Equal(t, []string{"2024-04"}, resp.OverduePeriods)
		assert.Equal(t, "live", resp.Source)
		assert.Equal(t, int64(90), resp.StalenessSeconds)
		require.NotNil(t, resp.OverdueSince)
		assert.True(t, since.Equal(*resp.OverdueSince))
	})

	t.Run("bad recompute flag", func(t *testing.T) {
		r, _ := newRouter(t)
		rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/eligibility/MAT-1?recompute=perhaps"))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})

	t.Run("unknown beneficiary", func(t *testing.T) {
		r, svc := newRouter(t)
		svc.EXPECT().Get(gomock.Any(), id.BeneficiaryID("MAT-9"), false).
			Return(nil, dErrors.New(dErrors.CodeUnknownBeneficiary, "unknown beneficiary MAT-9"))

		rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/eligibility/MAT-9"))
		testutil.AssertStatusAndError(t, rr, http.StatusNotFound, string(dErrors.CodeUnknownBeneficiary))
	})
}
