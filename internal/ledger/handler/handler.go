package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mutuelle/internal/ledger/models"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/httputil"
	"mutuelle/pkg/requestcontext"
)

// Service defines the ledger operations exposed over HTTP.
type Service interface {
	Record(ctx context.Context, actor id.Actor, req models.RecordRequest) (*models.Transaction, error)
	History(ctx context.Context, beneficiaryID id.BeneficiaryID, from, to string) ([]models.Transaction, error)
	ChangeCategory(ctx context.Context, actor id.Actor, req models.CategoryChangeRequest) (*models.CategoryChange, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts ledger endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/contributions", h.HandleRecord)
	r.Get("/beneficiaries/{id}/contributions", h.HandleHistory)
	r.Post("/beneficiaries/{id}/category", h.HandleChangeCategory)
}

// HandleRecord handles POST /contributions.
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	actor := requestcontext.Actor(ctx)

	req, ok := httputil.DecodeAndPrepare[RecordRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	t, err := h.service.Record(ctx, actor, req.ToModel())
	if err != nil {
		h.logger.WarnContext(ctx, "contribution rejected",
			"request_id", requestID,
			"beneficiary_id", req.BeneficiaryID,
			"period", req.Period,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toTransactionResponse(*t))
}

// HandleHistory handles GET /beneficiaries/{id}/contributions?from=&to=.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	beneficiaryID, err := id.ParseBeneficiaryID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	txs, err := h.service.History(ctx, beneficiaryID, q.Get("from"), q.Get("to"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := HistoryResponse{BeneficiaryID: string(beneficiaryID), Transactions: make([]TransactionResponse, 0, len(txs))}
	for _, t := range txs {
		resp.Transactions = append(resp.Transactions, toTransactionResponse(t))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleChangeCategory handles POST /beneficiaries/{id}/category.
func (h *Handler) HandleChangeCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	beneficiaryID, err := id.ParseBeneficiaryID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[CategoryChangeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	change, err := h.service.ChangeCategory(ctx, requestcontext.Actor(ctx), models.CategoryChangeRequest{
		BeneficiaryID: beneficiaryID,
		Period:        req.EffectivePeriod,
		Category:      req.Category,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, CategoryChangeResponse{
		BeneficiaryID:   string(change.BeneficiaryID),
		EffectivePeriod: change.EffectivePeriod.String(),
		Category:        string(change.Category),
		RecordedAt:      change.RecordedAt,
		RecordedBy:      string(change.RecordedBy),
	})
}
