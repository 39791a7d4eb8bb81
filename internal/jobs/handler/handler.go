package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mutuelle/internal/jobs"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/platform/httputil"
	"mutuelle/pkg/requestcontext"
)

// Service triggers background jobs on demand.
type Service interface {
	Trigger(ctx context.Context, actor id.Actor, name jobs.Name, params jobs.Params) (*jobs.Result, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/jobs/{name}", h.HandleTrigger)
}

// HandleTrigger handles POST /jobs/{name}. The reconciliation job accepts
// ?force=true to recompute every row.
func (h *Handler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := jobs.Name(chi.URLParam(r, "name"))

	var params jobs.Params
	if raw := r.URL.Query().Get("force"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "force must be a boolean"))
			return
		}
		params.Force = force
	}

	res, err := h.service.Trigger(ctx, requestcontext.Actor(ctx), name, params)
	if err != nil {
		h.logger.WarnContext(ctx, "job trigger refused",
			"request_id", requestcontext.RequestID(ctx),
			"job", name,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
