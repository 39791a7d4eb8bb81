package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mutuelle/internal/voucher/models"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/httputil"
	"mutuelle/pkg/requestcontext"
)

// Service defines the voucher operations exposed over HTTP.
type Service interface {
	Create(ctx context.Context, actor id.Actor, req models.CreateRequest) (*models.Voucher, error)
	Get(ctx context.Context, voucherID id.VoucherID) (*models.Voucher, error)
	Transition(ctx context.Context, actor id.Actor, voucherID id.VoucherID, name models.Transition, reason string) (*models.Voucher, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts voucher endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/vouchers", h.HandleCreate)
	r.Get("/vouchers/{id}", h.HandleGet)
	r.Post("/vouchers/{id}/transition", h.HandleTransition)
}

// HandleCreate handles POST /vouchers.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CreateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	v, err := h.service.Create(ctx, requestcontext.Actor(ctx), req.ToModel())
	if err != nil {
		h.logger.WarnContext(ctx, "voucher issuance refused",
			"request_id", requestID,
			"beneficiary_id", req.BeneficiaryID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toResponse(v))
}

// HandleGet handles GET /vouchers/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	voucherID, err := id.ParseVoucherID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	v, err := h.service.Get(r.Context(), voucherID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(v))
}

// HandleTransition handles POST /vouchers/{id}/transition.
func (h *Handler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	voucherID, err := id.ParseVoucherID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[TransitionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	actor := requestcontext.Actor(ctx)
	v, err := h.service.Transition(ctx, actor, voucherID, models.Transition(req.Transition), req.Reason)
	if err != nil {
		h.logger.InfoContext(ctx, "voucher transition refused",
			"request_id", requestID,
			"voucher_id", voucherID.String(),
			"transition", req.Transition,
			"actor_role", string(actor.Role),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(v))
}
