package handler

import (
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"mutuelle/internal/jobs"
	"mutuelle/internal/jobs/handler/mocks"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service
type JobsHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestJobsHandlerSuite(t *testing.T) {
	suite.Run(t, new(JobsHandlerSuite))
}

func (s *JobsHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.router = chi.NewRouter()
	New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
}

var admin = id.Actor{ID: "adm-1", Role: id.RoleInsurerAdmin}

func (s *JobsHandlerSuite) TestTrigger() {
	s.Run("forced reconciliation returns the summary", func() {
		s.service.EXPECT().Trigger(gomock.Any(), admin, jobs.Reconciliation, jobs.Params{Force: true}).
			Return(&jobs.Result{Job: jobs.Reconciliation, Summary: map[string]int{"repaired": 1}}, nil)

		req := testutil.NewRequest(s.T(), http.MethodPost, "/jobs/reconciliation?force=true")
		rr := testutil.DoRequest(s.router, testutil.WithActor(req, "adm-1", id.RoleInsurerAdmin))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		resp := testutil.UnmarshalResponse[struct {
			Job     string         `json:"job"`
			Summary map[string]int `json:"summary"`
		}](s.T(), rr)
		s.Equal("reconciliation", resp.Job)
		s.Equal(1, resp.Summary["repaired"])
	})

	s.Run("bad force flag", func() {
		req := testutil.NewRequest(s.T(), http.MethodPost, "/jobs/reconciliation?force=maybe")
		rr := testutil.DoRequest(s.router, testutil.WithActor(req, "adm-1", id.RoleInsurerAdmin))

		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeInvalidInput))
	})

	s.Run("job already running elsewhere", func() {
		s.service.EXPECT().Trigger(gomock.Any(), admin, jobs.Expiry, jobs.Params{}).
			Return(nil, dErrors.New(dErrors.CodeConflict, "job expiry is already running"))

		req := testutil.NewRequest(s.T(), http.MethodPost, "/jobs/expiry")
		rr := testutil.DoRequest(s.router, testutil.WithActor(req, "adm-1", id.RoleInsurerAdmin))

		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodeConflict))
	})

	s.Run("wrong role", func() {
		operator := id.Actor{ID: "op-1", Role: id.RoleOperator}
		s.service.EXPECT().Trigger(gomock.Any(), operator, jobs.Settlements, jobs.Params{}).
			Return(nil, dErrors.New(dErrors.CodeWrongActorRole, "role operator may not perform this action"))

		req := testutil.NewRequest(s.T(), http.MethodPost, "/jobs/settlements")
		rr := testutil.DoRequest(s.router, testutil.WithActor(req, "op-1", id.RoleOperator))

		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, string(dErrors.CodeWrongActorRole))
	})
}
