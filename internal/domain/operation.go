package domain

import (
	"encoding/json"
	"time"
)

// OperationType is the kind of mutation a SyncOperation carries.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// IsValid checks if the operation type is known.
func (t OperationType) IsValid() bool {
	return t == OperationCreate || t == OperationUpdate || t == OperationDelete
}

// SyncOperation is an immutable intent created once per local mutation.
type SyncOperation struct {
	ID          string
	Type        OperationType
	EntityType  EntityType
	EntityID    string
	Payload     Payload
	Timestamp   time.Time
	VectorClock VectorClock
	DependsOn   []string
	BaseVersion int64
	Checksum    string
}

// Record returns the record carried by the payload, if any.
func (op SyncOperation) Record() *FinancialRecord {
	if rp, ok := op.Payload.(*RecordPayload); ok {
		return rp.Record
	}
	return nil
}

type operationJSON struct {
	ID          string          `json:"id"`
	Type        OperationType   `json:"type"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	VectorClock VectorClock     `json:"vector_clock,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	BaseVersion int64           `json:"base_version"`
	Checksum    string          `json:"checksum"`
}

// MarshalJSON encodes the operation with its tagged payload.
func (op SyncOperation) MarshalJSON() ([]byte, error) {
	payload, err := EncodePayload(op.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(operationJSON{
		ID:          op.ID,
		Type:        op.Type,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Payload:     payload,
		Timestamp:   op.Timestamp,
		VectorClock: op.VectorClock,
		DependsOn:   op.DependsOn,
		BaseVersion: op.BaseVersion,
		Checksum:    op.Checksum,
	})
}

// UnmarshalJSON decodes an operation written by MarshalJSON.
func (op *SyncOperation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Payload)
	if err != nil {
		return err
	}
	*op = SyncOperation{
		ID:          raw.ID,
		Type:        raw.Type,
		EntityType:  raw.EntityType,
		EntityID:    raw.EntityID,
		Payload:     payload,
		Timestamp:   raw.Timestamp,
		VectorClock: raw.VectorClock,
		DependsOn:   raw.DependsOn,
		BaseVersion: raw.BaseVersion,
		Checksum:    raw.Checksum,
	}
	return nil
}

// OperationRequest is what the remote backend receives for one queue entry.
type OperationRequest struct {
	OperationID string         `json:"operation_id"`
	Type        OperationType  `json:"type"`
	EntityType  EntityType     `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Delta       bool           `json:"delta"`
	BaseVersion int64          `json:"base_version"`
	VectorClock VectorClock    `json:"vector_clock,omitempty"`
}

// OperationResult is the remote acknowledgement of an operation.
type OperationResult struct {
	EntityID    string         `json:"entity_id"`
	Version     int64          `json:"version"`
	Fields      map[string]any `json:"fields,omitempty"`
	VectorClock VectorClock    `json:"vector_clock,omitempty"`
	Deleted     bool           `json:"deleted,omitempty"`
}

// RemoteState is the server's view of an entity, used for conflict detection.
type RemoteState struct {
	EntityType         EntityType     `json:"entity_type"`
	EntityID           string         `json:"entity_id"`
	Version            int64          `json:"version"`
	Fields             map[string]any `json:"fields,omitempty"`
	VectorClock        VectorClock    `json:"vector_clock,omitempty"`
	FiscalPeriodClosed bool           `json:"fiscal_period_closed"`
	Deleted            bool           `json:"deleted,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Payload rebuilds the typed payload of the remote state.
func (s *RemoteState) Payload() (Payload, error) {
	if s == nil || s.Fields == nil {
		return nil, nil
	}
	return PayloadFromFields(s.EntityType, s.Fields)
}

// Snapshot is the last-known server copy of an entity, the base for deltas.
type Snapshot struct {
	EntityType EntityType
	EntityID   string
	Version    int64
	Fields     map[string]any
	UpdatedAt  time.Time
}
