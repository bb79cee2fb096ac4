package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error surfaced by the core wraps exactly one of these.
var (
	ErrIntegrityFailure  = errors.New("integrity failure")
	ErrSessionExpired    = errors.New("SESSION_EXPIRED")
	ErrConflict          = errors.New("conflict")
	ErrValidationFailure = errors.New("validation failure")
	ErrTransientNetwork  = errors.New("transient network failure")
	ErrStorageExhausted  = errors.New("storage exhausted")
)

var (
	// Record errors
	ErrRecordNotFound  = errors.New("record not found")
	ErrPostedImmutable = fmt.Errorf("%w: monetary fields of a posted record are immutable", ErrValidationFailure)

	// Vault errors
	ErrVaultLocked          = errors.New("vault is locked")
	ErrVaultNotInitialized  = errors.New("vault is not initialized")
	ErrVaultInitialized     = errors.New("vault is already initialized")
	ErrWrongSecret          = errors.New("wrong secret")
	ErrTooManyAttempts      = errors.New("too many failed unlock attempts")
	ErrWrongKeyOrCorrupted  = fmt.Errorf("%w: wrong key or corrupted data", ErrIntegrityFailure)
	ErrWeakKeyDerivation    = errors.New("key derivation work factor below minimum")
	ErrUnsupportedAlgorithm = errors.New("unsupported envelope algorithm")

	// Queue errors
	ErrQueueEntryNotFound = errors.New("queue entry not found")
	ErrInvalidTransition  = errors.New("invalid queue status transition")

	// Conflict errors
	ErrConflictNotFound     = errors.New("conflict not found")
	ErrConflictResolved     = errors.New("conflict already resolved")
	ErrStrategyNotAllowed   = errors.New("resolution strategy not allowed for conflict type")
	ErrReferentialIntegrity = fmt.Errorf("%w: referential integrity", ErrValidationFailure)

	// Sync errors
	ErrSyncDeferred    = fmt.Errorf("%w: sync deferred until login", ErrSessionExpired)
	ErrNoRemoteSession = fmt.Errorf("%w: no active remote session", ErrSessionExpired)

	// Lock errors
	ErrLockHeld     = errors.New("resource is locked by another device")
	ErrLockNotFound = errors.New("lock not found")

	// Gateway errors
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = fmt.Errorf("%w: token has expired", ErrSessionExpired)
	ErrEntityNotFound  = errors.New("entity not found")
	ErrRequestInFlight = errors.New("request with the same idempotency key is in progress")
)

// IsRetryable reports whether err may be retried automatically.
// Integrity and validation failures are never retried; conflicts and session
// expiry wait for an external trigger.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrIntegrityFailure),
		errors.Is(err, ErrValidationFailure),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrSessionExpired):
		return false
	case errors.Is(err, ErrTransientNetwork):
		return true
	}
	return false
}

// RemoteConflictError is returned by the remote backend when it rejects an
// operation because its own state diverged.
type RemoteConflictError struct {
	Reason string
	State  *RemoteState
}

func (e *RemoteConflictError) Error() string {
	return fmt.Sprintf("remote conflict: %s", e.Reason)
}

// Is makes RemoteConflictError match ErrConflict.
func (e *RemoteConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Remote rejection reasons.
const (
	RemoteReasonVersionMismatch    = "version_mismatch"
	RemoteReasonFiscalPeriodClosed = "fiscal_period_closed"
	RemoteReasonReferential        = "referential_integrity"
)

// LockHeldError reports the current holder of a contested lock.
type LockHeldError struct {
	Resource string
	Holder   string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("resource %s is locked by %s", e.Resource, e.Holder)
}

func (e *LockHeldError) Unwrap() error {
	return ErrLockHeld
}
