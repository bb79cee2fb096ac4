package domain

import "time"

// Event types
const (
	EventSessionUnlocked     = "session.unlocked"
	EventSessionLocked       = "session.locked"
	EventIntegrityFailure    = "security.integrity_failure"
	EventSecurityWipe        = "security.wipe"
	EventSyncState           = "sync.state"
	EventSyncProgress        = "sync.progress"
	EventSyncError           = "sync.error"
	EventConflictDetected    = "conflict.detected"
	EventConflictResolved    = "conflict.resolved"
	EventStorageWarning      = "storage.warning"
	EventLockLost            = "lock.lost"
	EventConnectivityChanged = "network.connectivity"
)

// Event is a push notification from the core to its observers.
type Event struct {
	Type       string
	Severity   Severity
	OccurredAt time.Time
	Data       any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType string, severity Severity, data any) Event {
	return Event{
		Type:       eventType,
		Severity:   severity,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Lock reasons carried by EventSessionLocked.
const (
	LockReasonExplicit = "explicit"
	LockReasonTimeout  = "timeout"
	LockReasonLogout   = "logout"
	LockReasonWipe     = "wipe"
)

// SessionLockedEvent payload
type SessionLockedEvent struct {
	Reason string `json:"reason"`
}

// SessionUnlockedEvent payload
type SessionUnlockedEvent struct {
	SessionID string `json:"session_id"`
}

// IntegrityFailureEvent payload
type IntegrityFailureEvent struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
}

// SyncErrorEvent payload. Retryable errors are communicated as "will resume".
type SyncErrorEvent struct {
	EntryID   string `json:"entry_id,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ConflictDetectedEvent payload
type ConflictDetectedEvent struct {
	ConflictID   string       `json:"conflict_id"`
	Type         ConflictType `json:"type"`
	Severity     Severity     `json:"severity"`
	QueueEntryID string       `json:"queue_entry_id"`
}

// LockLostEvent payload
type LockLostEvent struct {
	Resource string `json:"resource"`
	Holder   string `json:"holder"`
}

// ConnectivityEvent payload
type ConnectivityEvent struct {
	Online bool `json:"online"`
}
