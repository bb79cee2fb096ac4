package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePayload_RecordKeepsLocalMetadata(t *testing.T) {
	rec := balancedRecord()
	rec.Checksum = "sha256:abc"
	rec.Version = 4
	rec.VectorClock = VectorClock{"d1": 2}

	raw, err := EncodePayload(&RecordPayload{Record: rec})
	require.NoError(t, err)

	p, err := DecodePayload(raw)
	require.NoError(t, err)
	rp, ok := p.(*RecordPayload)
	require.True(t, ok, "expected *RecordPayload, got %T", p)
	assert.Equal(t, "sha256:abc", rp.Record.Checksum)
	assert.Equal(t, int64(4), rp.Record.Version)
	assert.Equal(t, EntityPayment, rp.Kind())
	assert.True(t, rp.Record.TotalDebit().Equal(decimal.RequireFromString("1000")))
}

func TestDecodePayload_Variants(t *testing.T) {
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		payload Payload
	}{
		{name: "invoice", payload: &InvoicePayload{Number: "INV-1", Currency: "EUR", Amount: decimal.NewFromInt(10), DueDate: due}},
		{name: "attachment", payload: &AttachmentPayload{RecordID: "local_1", FileName: "r.pdf", Size: 42}},
		{name: "contact", payload: &ContactPayload{Name: "ACME", TaxID: "DE1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodePayload(tt.payload)
			require.NoError(t, err)

			got, err := DecodePayload(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.payload.Kind(), got.Kind())
			assert.IsType(t, tt.payload, got)
		})
	}
}

func TestDecodePayload_Nil(t *testing.T) {
	raw, err := EncodePayload(nil)
	require.NoError(t, err)

	p, err := DecodePayload(raw)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDecodePayload_UnknownKind(t *testing.T) {
	_, err := DecodePayload([]byte(`{"kind":"loan","data":{}}`))
	assert.True(t, errors.Is(err, ErrValidationFailure))
}

func TestPayloadFields_ExcludesSyncMetadata(t *testing.T) {
	rec := balancedRecord()
	rec.Version = 9
	rec.Checksum = "sha256:abc"

	fields, err := PayloadFields(&RecordPayload{Record: rec})
	require.NoError(t, err)

	assert.Equal(t, "EUR", fields["currency"])
	assert.NotContains(t, fields, "version")
	assert.NotContains(t, fields, "checksum")
	assert.NotContains(t, fields, "sync_status")

	back, err := PayloadFromFields(EntityPayment, fields)
	require.NoError(t, err)
	assert.Equal(t, rec.Counterparty, back.(*RecordPayload).Record.Counterparty)
	assert.Len(t, back.(*RecordPayload).Record.Lines, 2)
}

func TestSyncOperation_JSON(t *testing.T) {
	op := SyncOperation{
		ID:          "op1",
		Type:        OperationCreate,
		EntityType:  EntityPayment,
		EntityID:    "local_1",
		Payload:     &RecordPayload{Record: balancedRecord()},
		Timestamp:   time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		VectorClock: VectorClock{"d1": 1},
		DependsOn:   []string{"op0"},
		Checksum:    "sha256:x",
	}

	data, err := json.Marshal(op)
	require.NoError(t, err)

	var out SyncOperation
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, op.ID, out.ID)
	assert.Equal(t, op.DependsOn, out.DependsOn)
	assert.True(t, op.Timestamp.Equal(out.Timestamp))
	require.NotNil(t, out.Record())
	assert.Equal(t, "ACME GmbH", out.Record().Counterparty)
}
