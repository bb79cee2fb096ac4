package handler

import (
	"context"
	"net/http"

	"github.com/iho/offledger/internal/adapter/http/dto"
	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase/gateway"
)

// SessionService defines the behavior needed by SessionHandler.
type SessionService interface {
	Open(ctx context.Context, in gateway.OpenSessionInput) (domain.RemoteSession, error)
}

// SessionHandler issues device session tokens.
type SessionHandler struct {
	sessionUC SessionService
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionUC SessionService) *SessionHandler {
	return &SessionHandler{sessionUC: sessionUC}
}

// Create exchanges the API key for a session token.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateSessionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	session, err := h.sessionUC.Open(r.Context(), req.ToUseCaseInput())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.SessionFromDomain(session))
}
