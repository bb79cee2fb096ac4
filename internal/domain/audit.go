package domain

import (
	"encoding/json"
	"time"
)

// AuditEntry is an append-only, hash-chained audit trail record.
type AuditEntry struct {
	Sequence     int64     `json:"sequence"`
	ID           string    `json:"id"`
	Action       string    `json:"action"`        // record.create, sync.operation, conflict.resolve, ...
	EntityType   string    `json:"entity_type"`   // record, queue_entry, conflict, vault
	EntityID     string    `json:"entity_id"`     // ID of the affected entity
	Actor        string    `json:"actor"`         // who performed the action
	DeviceID     string    `json:"device_id"`     // which device wrote the entry
	BeforeState  JSON      `json:"before_state"`  // state before the action
	AfterState   JSON      `json:"after_state"`   // state after the action
	Status       string    `json:"status"`        // success, failure
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	CurrentHash  string    `json:"current_hash"`
}

// JSON is a type alias for JSON data
type JSON map[string]any

// AuditAction represents different types of auditable actions
type AuditAction string

const (
	// Record actions
	AuditActionRecordCreate     AuditAction = "record.create"
	AuditActionRecordUpdate     AuditAction = "record.update"
	AuditActionRecordDelete     AuditAction = "record.delete"
	AuditActionRecordQuarantine AuditAction = "record.quarantine"

	// Sync actions
	AuditActionSyncOperation   AuditAction = "sync.operation"
	AuditActionSyncBatchFailed AuditAction = "sync.batch_failed"

	// Conflict actions
	AuditActionConflictDetect  AuditAction = "conflict.detect"
	AuditActionConflictResolve AuditAction = "conflict.resolve"

	// Security actions
	AuditActionVaultWipe AuditAction = "vault.wipe"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusFailure AuditStatus = "failure"
)

// Audit resource types.
const (
	AuditResourceRecord     = "record"
	AuditResourceQueueEntry = "queue_entry"
	AuditResourceConflict   = "conflict"
	AuditResourceSyncBatch  = "sync_batch"
)

// MarshalState converts a domain object to JSON for audit logging
func MarshalState(v any) JSON {
	if v == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return JSON{"error": "failed to marshal state"}
	}

	var result JSON
	if err := json.Unmarshal(data, &result); err != nil {
		return JSON{"error": "failed to unmarshal state"}
	}

	return result
}

// AuditFilter defines filters for querying audit entries
type AuditFilter struct {
	Action     string
	EntityType string
	EntityID   string
	Limit      int
	Offset     int
}

// ChainVerification is the outcome of walking the audit chain.
type ChainVerification struct {
	Valid             bool   `json:"valid"`
	Checked           int    `json:"checked"`
	FirstInvalidIndex int    `json:"first_invalid_index"`
	Reason            string `json:"reason,omitempty"`
}
