package handler

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/iho/offledger/internal/adapter/http/dto"
	"github.com/iho/offledger/internal/adapter/http/middleware"
	"github.com/iho/offledger/internal/domain"
)

// LockService defines the behavior needed by LockHandler.
type LockService interface {
	Acquire(ctx context.Context, lock domain.OfflineLock) (*domain.OfflineLock, error)
	Release(ctx context.Context, resource, deviceID string) error
	Holder(ctx context.Context, resource string) (*domain.OfflineLock, error)
}

// LockHandler brokers collaboration locks between devices.
type LockHandler struct {
	lockUC LockService
}

// NewLockHandler creates a new LockHandler.
func NewLockHandler(lockUC LockService) *LockHandler {
	return &LockHandler{lockUC: lockUC}
}

// Acquire grants or refreshes a lock for the calling device.
func (h *LockHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, dto.CodeUnauthorized, "missing session")
		return
	}

	var req dto.AcquireLockRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = claims.UserID
	}
	lock, err := h.lockUC.Acquire(r.Context(), domain.OfflineLock{
		Resource:   req.Resource,
		DeviceID:   claims.DeviceID,
		Actor:      actor,
		AcquiredAt: req.AcquiredAt,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.LockFromDomain(lock))
}

// Release drops the calling device's lock.
func (h *LockHandler) Release(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, dto.CodeUnauthorized, "missing session")
		return
	}

	resource, ok := resourceParam(w, r)
	if !ok {
		return
	}
	if err := h.lockUC.Release(r.Context(), resource, claims.DeviceID); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Get returns the holder of a resource.
func (h *LockHandler) Get(w http.ResponseWriter, r *http.Request) {
	resource, ok := resourceParam(w, r)
	if !ok {
		return
	}
	lock, err := h.lockUC.Holder(r.Context(), resource)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.LockFromDomain(lock))
}

func resourceParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	resource, err := url.PathUnescape(chi.URLParam(r, "resource"))
	if err != nil || resource == "" {
		writeError(w, http.StatusBadRequest, dto.CodeInvalidRequest, "invalid resource")
		return "", false
	}
	return resource, true
}
