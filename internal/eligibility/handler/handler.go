package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mutuelle/internal/eligibility/service"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/platform/httputil"
	"mutuelle/pkg/requestcontext"
)

// Service defines the eligibility read operation.
type Service interface {
	Get(ctx context.Context, beneficiaryID id.BeneficiaryID, recompute bool) (*service.View, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/eligibility/{beneficiaryId}", h.HandleGet)
}

// HandleGet handles GET /eligibility/{beneficiaryId}[?recompute=true].
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	beneficiaryID, err := id.ParseBeneficiaryID(chi.URLParam(r, "beneficiaryId"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	recompute := false
	if raw := r.URL.Query().Get("recompute"); raw != "" {
		recompute, err = strconv.ParseBool(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "recompute must be a boolean"))
			return
		}
	}

	view, err := h.service.Get(ctx, beneficiaryID, recompute)
	if err != nil {
		h.logger.WarnContext(ctx, "eligibility read failed",
			"request_id", requestcontext.RequestID(ctx),
			"beneficiary_id", beneficiaryID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(view))
}

type Response struct {
	BeneficiaryID    string     `json:"beneficiary_id"`
	Status           string     `json:"status"`
	OverdueAmount    int64      `json:"overdue_amount"`
	OverdueSince     *time.Time `json:"overdue_since,omitempty"`
	OverduePeriods   []string   `json:"overdue_periods"`
	WaivedPeriods    []string   `json:"waived_periods,omitempty"`
	DaysOverdue      int        `json:"days_overdue"`
	Checksum         string     `json:"checksum"`
	AsOf             time.Time  `json:"as_of"`
	Source           string     `json:"source"`
	Version          int64      `json:"version"`
	Unreliable       bool       `json:"unreliable"`
	UnreliableReason string     `json:"unreliable_reason,omitempty"`
	Invalidated      bool       `json:"invalidated"`
	StalenessSeconds int64      `json:"staleness_seconds"`
	Anomalies        int        `json:"anomalies"`
}

func toResponse(v *service.View) Response {
	return Response{
		BeneficiaryID:    string(v.Verdict.BeneficiaryID),
		Status:           string(v.Verdict.Status),
		OverdueAmount:    v.Verdict.OverdueAmount,
		OverdueSince:     v.Verdict.OverdueSince,
		OverduePeriods:   periodStrings(v.Verdict.OverduePeriods),
		WaivedPeriods:    periodStrings(v.Verdict.WaivedPeriods),
		DaysOverdue:      v.Verdict.DaysOverdue,
		Checksum:         v.Verdict.Checksum,
		AsOf:             v.AsOf,
		Source:           string(v.Source),
		Version:          v.Version,
		Unreliable:       v.Unreliable,
		UnreliableReason: v.UnreliableReason,
		Invalidated:      v.Invalidated,
		StalenessSeconds: int64(v.Staleness / time.Second),
		Anomalies:        len(v.Verdict.Anomalies),
	}
}

func periodStrings[T interface{ String() string }](ps []T) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}
