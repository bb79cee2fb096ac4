package domain

import (
	"encoding/json"
	"time"
)

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSynced     QueueStatus = "synced"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusConflict   QueueStatus = "conflict"
)

// Default queue priorities by entity type.
const (
	PriorityPayment     = 100
	PriorityInvoice     = 80
	PriorityTransaction = 60
	PriorityDefault     = 50
	PriorityJournal     = 40
	PriorityAttachment  = 20
)

var entityPriorities = map[EntityType]int{
	EntityPayment:     PriorityPayment,
	EntityInvoice:     PriorityInvoice,
	EntityTransaction: PriorityTransaction,
	EntityJournal:     PriorityJournal,
	EntityAttachment:  PriorityAttachment,
}

// PriorityFor returns the queue priority of an entity type.
func PriorityFor(t EntityType) int {
	if p, ok := entityPriorities[t]; ok {
		return p
	}
	return PriorityDefault
}

// QueueEntry wraps a SyncOperation with queue metadata.
type QueueEntry struct {
	ID          string
	Seq         int64
	Operation   SyncOperation
	Priority    int
	Status      QueueStatus
	RetryCount  int
	Permanent   bool
	NextRetryAt time.Time
	LastError   string
	Override    *OperationOverride
	BatchID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SyncedAt    *time.Time
}

// OperationOverride is attached by a conflict resolution. The original
// operation stays untouched; the engine transmits the override instead.
type OperationOverride struct {
	ResolutionID string      `json:"resolution_id"`
	BaseVersion  int64       `json:"base_version"`
	Payload      Payload     `json:"-"`
	VectorClock  VectorClock `json:"vector_clock,omitempty"`
	FullPayload  bool        `json:"full_payload"`
}

type overrideJSON struct {
	ResolutionID string          `json:"resolution_id"`
	BaseVersion  int64           `json:"base_version"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	VectorClock  VectorClock     `json:"vector_clock,omitempty"`
	FullPayload  bool            `json:"full_payload"`
}

// MarshalJSON encodes the override with its tagged payload.
func (o OperationOverride) MarshalJSON() ([]byte, error) {
	out := overrideJSON{
		ResolutionID: o.ResolutionID,
		BaseVersion:  o.BaseVersion,
		VectorClock:  o.VectorClock,
		FullPayload:  o.FullPayload,
	}
	if o.Payload != nil {
		raw, err := EncodePayload(o.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an override written by MarshalJSON.
func (o *OperationOverride) UnmarshalJSON(data []byte) error {
	var in overrideJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*o = OperationOverride{
		ResolutionID: in.ResolutionID,
		BaseVersion:  in.BaseVersion,
		VectorClock:  in.VectorClock,
		FullPayload:  in.FullPayload,
	}
	if len(in.Payload) > 0 {
		p, err := DecodePayload(in.Payload)
		if err != nil {
			return err
		}
		o.Payload = p
	}
	return nil
}

// Effective returns the operation to transmit, applying any override.
func (e *QueueEntry) Effective() SyncOperation {
	op := e.Operation
	if e.Override == nil {
		return op
	}
	op.BaseVersion = e.Override.BaseVersion
	if e.Override.Payload != nil {
		op.Payload = e.Override.Payload
	}
	if e.Override.VectorClock != nil {
		op.VectorClock = e.Override.VectorClock
	}
	return op
}

// IsTerminal reports whether the entry will never be processed again.
func (e *QueueEntry) IsTerminal() bool {
	return e.Status == QueueStatusSynced || (e.Status == QueueStatusFailed && e.Permanent)
}

// CanTransition enforces the forward-only lifecycle. The only backward edges
// are failed->pending on retry, processing->pending when a run is deferred
// or paused, and conflict->pending after resolution.
func (s QueueStatus) CanTransition(to QueueStatus) bool {
	switch s {
	case QueueStatusPending:
		return to == QueueStatusProcessing || to == QueueStatusConflict || to == QueueStatusFailed
	case QueueStatusProcessing:
		return to == QueueStatusSynced || to == QueueStatusFailed ||
			to == QueueStatusConflict || to == QueueStatusPending
	case QueueStatusFailed:
		return to == QueueStatusPending
	case QueueStatusConflict:
		return to == QueueStatusPending || to == QueueStatusFailed
	default:
		return false
	}
}

// QueueStats counts entries by status.
type QueueStats struct {
	Pending         int
	Processing      int
	Synced          int
	Failed          int
	PermanentFailed int
	Conflict        int
}

// Outstanding is the number of entries still expected to reach the server.
func (s QueueStats) Outstanding() int {
	return s.Pending + s.Processing + (s.Failed - s.PermanentFailed)
}

// DuplicateMatch is a suspected semantic duplicate of an operation.
type DuplicateMatch struct {
	Entry   *QueueEntry
	Score   float64
	Reasons []string
}

// Checkpoint is a durable marker of sync progress.
type Checkpoint struct {
	ID         string
	RunID      string
	Synced     []string
	Pending    []string
	ResumeFrom string
	CreatedAt  time.Time
}

// IsSynced reports whether the checkpoint lists id as already synced.
func (c *Checkpoint) IsSynced(id string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Synced {
		if s == id {
			return true
		}
	}
	return false
}
