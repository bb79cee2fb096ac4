package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iho/offledger/internal/adapter/http/dto"
	"github.com/iho/offledger/internal/adapter/http/middleware"
)

// FiscalPeriodService defines the behavior needed by FiscalPeriodHandler.
type FiscalPeriodService interface {
	CloseFiscalPeriod(ctx context.Context, period, closedBy string) error
	ReopenFiscalPeriod(ctx context.Context, period string) error
}

// FiscalPeriodHandler closes and reopens fiscal periods.
type FiscalPeriodHandler struct {
	periodUC FiscalPeriodService
}

// NewFiscalPeriodHandler creates a new FiscalPeriodHandler.
func NewFiscalPeriodHandler(periodUC FiscalPeriodService) *FiscalPeriodHandler {
	return &FiscalPeriodHandler{periodUC: periodUC}
}

// Close refuses further postings into the period.
func (h *FiscalPeriodHandler) Close(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, dto.CodeUnauthorized, "missing session")
		return
	}

	period := chi.URLParam(r, "period")
	if err := h.periodUC.CloseFiscalPeriod(r.Context(), period, claims.UserID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.FiscalPeriodResponse{Period: period, Closed: true})
}

// Reopen accepts postings into the period again.
func (h *FiscalPeriodHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "period")
	if err := h.periodUC.ReopenFiscalPeriod(r.Context(), period); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.FiscalPeriodResponse{Period: period, Closed: false})
}
