package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, 100, PriorityFor(EntityPayment))
	assert.Equal(t, 80, PriorityFor(EntityInvoice))
	assert.Equal(t, 60, PriorityFor(EntityTransaction))
	assert.Equal(t, 40, PriorityFor(EntityJournal))
	assert.Equal(t, 20, PriorityFor(EntityAttachment))
	assert.Equal(t, PriorityDefault, PriorityFor(EntityContact))
}

func TestQueueStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to QueueStatus
		want     bool
	}{
		{QueueStatusPending, QueueStatusProcessing, true},
		{QueueStatusPending, QueueStatusConflict, true},
		{QueueStatusPending, QueueStatusSynced, false},
		{QueueStatusProcessing, QueueStatusSynced, true},
		{QueueStatusProcessing, QueueStatusFailed, true},
		{QueueStatusProcessing, QueueStatusPending, true},
		{QueueStatusFailed, QueueStatusPending, true},
		{QueueStatusFailed, QueueStatusSynced, false},
		{QueueStatusConflict, QueueStatusPending, true},
		{QueueStatusConflict, QueueStatusSynced, false},
		{QueueStatusSynced, QueueStatusPending, false},
		{QueueStatusSynced, QueueStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestQueueEntry_Effective(t *testing.T) {
	rec := &FinancialRecord{ID: "local_1", EntityType: EntityPayment, Currency: "EUR"}
	entry := &QueueEntry{
		ID: "q1",
		Operation: SyncOperation{
			ID:          "op1",
			Type:        OperationUpdate,
			EntityType:  EntityPayment,
			EntityID:    "local_1",
			Payload:     &RecordPayload{Record: rec},
			BaseVersion: 2,
			VectorClock: VectorClock{"d1": 1},
		},
	}

	assert.Equal(t, int64(2), entry.Effective().BaseVersion)

	override := &RecordPayload{Record: &FinancialRecord{ID: "local_1", EntityType: EntityPayment, Currency: "USD"}}
	entry.Override = &OperationOverride{
		BaseVersion: 5,
		Payload:     override,
		VectorClock: VectorClock{"d1": 1, "d2": 3},
	}

	eff := entry.Effective()
	assert.Equal(t, int64(5), eff.BaseVersion)
	assert.Equal(t, "USD", eff.Record().Currency)
	assert.Equal(t, uint64(3), eff.VectorClock["d2"])

	assert.Equal(t, int64(2), entry.Operation.BaseVersion, "operation must stay immutable")
	assert.Equal(t, "EUR", entry.Operation.Record().Currency)
}

func TestSyncOperation_RecordOnValue(t *testing.T) {
	entry := &QueueEntry{Operation: SyncOperation{
		EntityType: EntityJournal,
		Payload:    &RecordPayload{Record: &FinancialRecord{Reference: "JE-7"}},
	}}

	assert.Equal(t, "JE-7", entry.Effective().Record().Reference)
	assert.Nil(t, SyncOperation{Payload: &ContactPayload{Name: "ACME"}}.Record())
}

func TestQueueEntry_IsTerminal(t *testing.T) {
	assert.True(t, (&QueueEntry{Status: QueueStatusSynced}).IsTerminal())
	assert.True(t, (&QueueEntry{Status: QueueStatusFailed, Permanent: true}).IsTerminal())
	assert.False(t, (&QueueEntry{Status: QueueStatusFailed}).IsTerminal())
	assert.False(t, (&QueueEntry{Status: QueueStatusConflict}).IsTerminal())
}

func TestOperationOverride_JSON(t *testing.T) {
	in := OperationOverride{
		ResolutionID: "res1",
		BaseVersion:  7,
		Payload:      &ContactPayload{Name: "ACME"},
		FullPayload:  true,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out OperationOverride
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, in.ResolutionID, out.ResolutionID)
	assert.Equal(t, in.BaseVersion, out.BaseVersion)
	assert.True(t, out.FullPayload)
	require.IsType(t, &ContactPayload{}, out.Payload)
	assert.Equal(t, "ACME", out.Payload.(*ContactPayload).Name)
}

func TestQueueStats_Outstanding(t *testing.T) {
	s := QueueStats{Pending: 3, Processing: 1, Failed: 4, PermanentFailed: 3, Conflict: 2, Synced: 9}
	assert.Equal(t, 5, s.Outstanding())
}

func TestCheckpoint_IsSynced(t *testing.T) {
	var nilCP *Checkpoint
	assert.False(t, nilCP.IsSynced("q1"))

	cp := &Checkpoint{Synced: []string{"q1", "q2"}, CreatedAt: time.Now()}
	assert.True(t, cp.IsSynced("q2"))
	assert.False(t, cp.IsSynced("q3"))
}
