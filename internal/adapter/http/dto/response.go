package dto

import (
	"time"

	"github.com/iho/offledger/internal/domain"
)

// Error codes carried in ErrorResponse.Error.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeConflict         = "CONFLICT"
	CodeLockHeld         = "LOCK_HELD"
	CodeNotFound         = "NOT_FOUND"
	CodeRequestInFlight  = "REQUEST_IN_FLIGHT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	State   *domain.RemoteState `json:"state,omitempty"`
	Holder  string              `json:"holder,omitempty"`
}

// SessionResponse carries a freshly issued session token.
type SessionResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionFromDomain converts a domain session to response.
func SessionFromDomain(s domain.RemoteSession) *SessionResponse {
	return &SessionResponse{
		Token:     s.Token,
		UserID:    s.UserID,
		DeviceID:  s.DeviceID,
		ExpiresAt: s.ExpiresAt,
	}
}

// ToDomain converts the response back to a session.
func (r *SessionResponse) ToDomain() domain.RemoteSession {
	return domain.RemoteSession{
		Token:     r.Token,
		UserID:    r.UserID,
		DeviceID:  r.DeviceID,
		ExpiresAt: r.ExpiresAt,
	}
}

// LockResponse represents a collaboration lock in API responses.
type LockResponse struct {
	Resource   string    `json:"resource"`
	DeviceID   string    `json:"device_id"`
	Actor      string    `json:"actor,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockFromDomain converts a domain lock to response.
func LockFromDomain(l *domain.OfflineLock) *LockResponse {
	return &LockResponse{
		Resource:   l.Resource,
		DeviceID:   l.DeviceID,
		Actor:      l.Actor,
		AcquiredAt: l.AcquiredAt,
		ExpiresAt:  l.ExpiresAt,
	}
}

// ToDomain converts the response back to a lock.
func (r *LockResponse) ToDomain() *domain.OfflineLock {
	return &domain.OfflineLock{
		Resource:   r.Resource,
		DeviceID:   r.DeviceID,
		Actor:      r.Actor,
		AcquiredAt: r.AcquiredAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

// FiscalPeriodResponse reports the state of a fiscal period.
type FiscalPeriodResponse struct {
	Period string `json:"period"`
	Closed bool   `json:"closed"`
}
