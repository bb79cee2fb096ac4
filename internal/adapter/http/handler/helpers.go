package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iho/offledger/internal/adapter/http/dto"
	"github.com/iho/offledger/internal/domain"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, dto.ErrorResponse{
		Error:   code,
		Message: details,
	})
}

// writeDomainError writes err with the status and body a client can branch on.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := mapDomainError(err)
	resp := dto.ErrorResponse{Error: code, Message: err.Error()}

	var rejection *domain.RemoteConflictError
	if errors.As(err, &rejection) {
		resp.Reason = rejection.Reason
		resp.State = rejection.State
	}
	var held *domain.LockHeldError
	if errors.As(err, &held) {
		resp.Holder = held.Holder
	}
	if status == http.StatusInternalServerError {
		resp.Message = "internal error"
	}

	writeJSON(w, status, resp)
}

// mapDomainError maps domain errors to HTTP status codes.
func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSessionExpired):
		return http.StatusUnauthorized, dto.CodeSessionExpired
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrInvalidToken):
		return http.StatusUnauthorized, dto.CodeUnauthorized
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict, dto.CodeLockHeld
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, dto.CodeConflict
	case errors.Is(err, domain.ErrRequestInFlight):
		return http.StatusConflict, dto.CodeRequestInFlight
	case errors.Is(err, domain.ErrEntityNotFound), errors.Is(err, domain.ErrLockNotFound):
		return http.StatusNotFound, dto.CodeNotFound
	case errors.Is(err, domain.ErrValidationFailure):
		return http.StatusUnprocessableEntity, dto.CodeValidationFailed
	default:
		return http.StatusInternalServerError, dto.CodeInternal
	}
}

// decodeRequest decodes a JSON body into req and checks its tags.
func decodeRequest(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, dto.CodeInvalidRequest, err.Error())
		return false
	}
	if err := dto.Validate(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, dto.CodeValidationFailed, err.Error())
		return false
	}
	return true
}
