package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mutuelle/internal/settlement/models"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/httputil"
	"mutuelle/pkg/requestcontext"
)

// Service defines the settlement operations exposed over HTTP.
type Service interface {
	Settle(ctx context.Context, actor id.Actor, voucherID id.VoucherID, amount int64) (*models.Record, error)
	Reverse(ctx context.Context, actor id.Actor, settlementID id.SettlementID, reason string) (*models.Record, error)
	ListByVoucher(ctx context.Context, voucherID id.VoucherID) ([]models.Record, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts settlement endpoints on the router. The path parameter is
// a voucher id on POST /settlements/{id} and a settlement id on reverse.
func (h *Handler) Register(r chi.Router) {
	r.Post("/settlements/{id}", h.HandleSettle)
	r.Post("/settlements/{id}/reverse", h.HandleReverse)
	r.Get("/vouchers/{id}/settlements", h.HandleList)
}

// HandleSettle handles POST /settlements/{voucherId}.
func (h *Handler) HandleSettle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	voucherID, err := id.ParseVoucherID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[SettleRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	record, err := h.service.Settle(ctx, requestcontext.Actor(ctx), voucherID, req.Amount)
	if err != nil {
		h.logger.WarnContext(ctx, "settlement refused",
			"request_id", requestID,
			"voucher_id", voucherID.String(),
			"amount", req.Amount,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toResponse(*record))
}

// HandleReverse handles POST /settlements/{settlementId}/reverse.
func (h *Handler) HandleReverse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	settlementID, err := id.ParseSettlementID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[ReverseRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	record, err := h.service.Reverse(ctx, requestcontext.Actor(ctx), settlementID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toResponse(*record))
}

// HandleList handles GET /vouchers/{id}/settlements.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	voucherID, err := id.ParseVoucherID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	records, err := h.service.ListByVoucher(r.Context(), voucherID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := ListResponse{VoucherID: voucherID.String(), Settlements: make([]RecordResponse, 0, len(records))}
	for _, rec := range records {
		resp.Settlements = append(resp.Settlements, toResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
