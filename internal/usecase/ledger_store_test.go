package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/integrity"
	"github.com/iho/offledger/internal/usecase"
)

func TestLedgerStore_CreateAndRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := payment("ACME GmbH", "1000.00")
	in.Currency = "eur"

	created, err := h.ledger.Create(ctx, in, "alice")
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Empty(t, in.ID, "input must not be modified")
	assert.Equal(t, "EUR", created.Currency)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, domain.SyncStatusPendingVerification, created.SyncStatus)
	assert.Equal(t, uint64(1), created.VectorClock[testDevice])
	for _, l := range created.Lines {
		assert.NotEmpty(t, l.ID)
	}
	assert.Equal(t, integrity.Valid, integrity.VerifyChecksum(created))

	got, err := h.ledger.Read(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.Checksum, got.Checksum)
	assert.True(t, got.Amount().Equal(decimal.RequireFromString("1000")))

	history, err := h.audit.History(ctx, domain.AuditFilter{EntityID: created.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(domain.AuditActionRecordCreate), history[0].Action)
	assert.Equal(t, "alice", history[0].Actor)
}

func TestLedgerStore_ReadMissing(t *testing.T) {
	h := newHarness(t)

	got, err := h.ledger.Read(context.Background(), "local_missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLedgerStore_QuarantinesTamperedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.ledger.Create(ctx, payment("ACME GmbH", "1000.00"), "alice")
	require.NoError(t, err)

	_, err = h.db.ExecContext(ctx,
		`UPDATE record_lines SET body = CAST(replace(CAST(body AS TEXT), '"6000"', '"6999"') AS BLOB) WHERE record_id = ?`,
		created.ID)
	require.NoError(t, err)

	got, err := h.ledger.Read(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "a record failing verification reads as absent")

	quarantined, err := h.ledger.Quarantined(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID}, quarantined)

	events := h.events.OfType(domain.EventIntegrityFailure)
	require.Len(t, events, 1)
	assert.Equal(t, domain.SeverityCritical, events[0].Severity)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.QuarantinedRecords))

	// A quarantined record stays hidden but is still listed on request.
	again, err := h.ledger.Read(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, again)

	res, err := h.ledger.Query(ctx, usecase.QueryOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Total)

	res, err = h.ledger.Query(ctx, usecase.QueryOptions{IncludeQuarantined: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, domain.SyncStatusCorrupted, res.Records[0].SyncStatus)

	history, err := h.audit.History(ctx, domain.AuditFilter{Action: string(domain.AuditActionRecordQuarantine)})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(domain.AuditStatusFailure), history[0].Status)
}

func TestLedgerStore_Update(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.ledger.Create(ctx, payment("ACME GmbH", "1000.00"), "alice")
	require.NoError(t, err)

	desc := "rent, March"
	updated, err := h.ledger.Update(ctx, created.ID, domain.RecordPatch{Description: &desc}, "bob")
	require.NoError(t, err)

	assert.Equal(t, desc, updated.Description)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, uint64(2), updated.VectorClock[testDevice])
	assert.Equal(t, created.Checksum, updated.Checksum, "description is not checksummed")

	lines := []domain.Line{
		{AccountCode: "6100", Debit: decimal.RequireFromString("1200.00")},
		{AccountCode: "1200", Credit: decimal.RequireFromString("1200.00")},
	}
	updated, err = h.ledger.Update(ctx, created.ID, domain.RecordPatch{Lines: lines}, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, created.Checksum, updated.Checksum)
	assert.True(t, updated.HasAccount("6100"))

	got, err := h.ledger.Read(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Lines, 2)
	assert.Equal(t, integrity.Valid, integrity.VerifyChecksum(got))
}

func TestLedgerStore_PostedRecordsKeepTheirMoney(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.ledger.Create(ctx, payment("ACME GmbH", "1000.00"), "alice")
	require.NoError(t, err)

	require.NoError(t, usecase.AtomicDo(ctx, h.tm, nil, func(tx usecase.Transaction) error {
		return h.ledger.MarkPostedTx(ctx, tx, created.ID, "srv-1")
	}))

	counterparty := "Other AG"
	_, err = h.ledger.Update(ctx, created.ID, domain.RecordPatch{Counterparty: &counterparty}, "alice")
	assert.ErrorIs(t, err, domain.ErrPostedImmutable)

	ref := "INV-2026-0043"
	updated, err := h.ledger.Update(ctx, created.ID, domain.RecordPatch{Reference: &ref}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", updated.ServerID)
	assert.Equal(t, ref, updated.Reference)
}

func TestLedgerStore_Delete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.ledger.Create(ctx, payment("ACME GmbH", "1000.00"), "alice")
	require.NoError(t, err)

	require.NoError(t, h.ledger.Delete(ctx, created.ID, "alice"))

	got, err := h.ledger.Read(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = h.ledger.Delete(ctx, created.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	history, err := h.audit.History(ctx, domain.AuditFilter{EntityID: created.ID})
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestLedgerStore_AtomicRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	boom := errors.New("boom")
	var id string
	err := usecase.AtomicDo(ctx, h.tm, nil, func(tx usecase.Transaction) error {
		created, err := h.ledger.CreateTx(ctx, tx, payment("ACME GmbH", "1000.00"), "alice")
		if err != nil {
			return err
		}
		id = created.ID
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := h.ledger.Read(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got, "header and lines roll back together")

	history, err := h.audit.History(ctx, domain.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, history, "the audit entry rolls back with the write")
}

func TestLedgerStore_Query(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mk := func(party, amount, ref string, day int) {
		r := payment(party, amount)
		r.Reference = ref
		r.Date = time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC)
		_, err := h.ledger.Create(ctx, r, "alice")
		require.NoError(t, err)
	}
	mk("ACME GmbH", "1000.00", "INV-003", 10)
	mk("Globex", "250.00", "INV-001", 12)
	mk("Initech", "4000.00", "INV-002", 20)

	journalEntry := journal(1)
	journalEntry.Lines[0].AccountCode = "7000"
	_, err := h.ledger.Create(ctx, journalEntry, "alice")
	require.NoError(t, err)

	from := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	min := decimal.RequireFromString("500")

	tests := []struct {
		name string
		opts usecase.QueryOptions
		want []string
	}{
		{
			name: "by date ascending",
			opts: usecase.QueryOptions{EntityType: domain.EntityPayment},
			want: []string{"INV-003", "INV-001", "INV-002"},
		},
		{
			name: "by amount descending",
			opts: usecase.QueryOptions{EntityType: domain.EntityPayment, SortBy: usecase.SortByAmount, Descending: true},
			want: []string{"INV-002", "INV-003", "INV-001"},
		},
		{
			name: "by reference",
			opts: usecase.QueryOptions{EntityType: domain.EntityPayment, SortBy: usecase.SortByReference},
			want: []string{"INV-001", "INV-002", "INV-003"},
		},
		{
			name: "date range and minimum amount",
			opts: usecase.QueryOptions{DateFrom: &from, MinAmount: &min, EntityType: domain.EntityPayment},
			want: []string{"INV-002"},
		},
		{
			name: "account code",
			opts: usecase.QueryOptions{AccountCode: "7000"},
			want: []string{"JE-001"},
		},
		{
			name: "search in description",
			opts: usecase.QueryOptions{Search: "GLOBEX"},
			want: []string{"INV-001"},
		},
		{
			name: "second page",
			opts: usecase.QueryOptions{EntityType: domain.EntityPayment, Limit: 2, Offset: 2},
			want: []string{"INV-002"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.ledger.Query(ctx, tt.opts)
			require.NoError(t, err)

			got := make([]string, 0, len(res.Records))
			for _, r := range res.Records {
				got = append(got, r.Reference)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = h.ledger.Query(ctx, usecase.QueryOptions{Offset: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidPagination)
}

type fullDisk struct{}

func (fullDisk) EnsureWritable(context.Context) error {
	return domain.ErrStorageExhausted
}

func TestLedgerStore_RefusesWritesWhenStorageIsExhausted(t *testing.T) {
	h := newHarness(t, withGuard(fullDisk{}))

	_, err := h.ledger.Create(context.Background(), payment("ACME GmbH", "1000.00"), "alice")
	assert.ErrorIs(t, err, domain.ErrStorageExhausted)
}
