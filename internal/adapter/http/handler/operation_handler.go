package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iho/offledger/internal/adapter/http/dto"
	"github.com/iho/offledger/internal/adapter/http/middleware"
	"github.com/iho/offledger/internal/domain"
)

// OperationService defines the behavior needed by OperationHandler.
type OperationService interface {
	Process(ctx context.Context, userID string, req domain.OperationRequest) (*domain.OperationResult, error)
	FetchState(ctx context.Context, entityType domain.EntityType, entityID string) (*domain.RemoteState, error)
}

// OperationHandler handles operation pushes and entity reads.
type OperationHandler struct {
	operationUC OperationService
}

// NewOperationHandler creates a new OperationHandler.
func NewOperationHandler(operationUC OperationService) *OperationHandler {
	return &OperationHandler{operationUC: operationUC}
}

// Process applies one queued operation.
func (h *OperationHandler) Process(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, dto.CodeUnauthorized, "missing session")
		return
	}

	var req dto.OperationRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.operationUC.Process(r.Context(), claims.UserID, req.ToDomain())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetEntity returns the current server copy of an entity.
func (h *OperationHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entityType := domain.EntityType(chi.URLParam(r, "type"))
	entityID := chi.URLParam(r, "id")
	if !entityType.IsValid() || entityID == "" {
		writeError(w, http.StatusBadRequest, dto.CodeInvalidRequest, "unknown entity")
		return
	}

	state, err := h.operationUC.FetchState(r.Context(), entityType, entityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}
