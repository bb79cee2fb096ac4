package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iho/offledger/internal/domain"
	localdb "github.com/iho/offledger/internal/infrastructure/sqlite"
	"github.com/iho/offledger/internal/infrastructure/vault"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := localdb.Open(context.Background(), localdb.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

// newUnlockedVault returns a vault whose salt lives in db, already unlocked.
func newUnlockedVault(t *testing.T, db *sql.DB) *vault.Vault {
	t.Helper()

	v := vault.New(vault.Config{}, NewMetadataRepository(db), NewStore(db), nil)
	_, err := v.Initialize(context.Background(), []byte("correct horse battery staple"))
	require.NoError(t, err)
	t.Cleanup(v.Close)

	return v
}

func sampleRecord(id string) *domain.FinancialRecord {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return &domain.FinancialRecord{
		ID:           id,
		EntityType:   domain.EntityPayment,
		Reference:    "INV-2026-0042",
		Description:  "Office rent March",
		Counterparty: "ACME GmbH",
		Currency:     "EUR",
		Date:         time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		SyncStatus:   domain.SyncStatusPendingVerification,
		Checksum:     "sha256:abc",
		VectorClock:  domain.VectorClock{"dev-a": 1},
		Version:      1,
		CreatedBy:    "alice",
		CreatedAt:    now,
		UpdatedAt:    now,
		Lines: []domain.Line{
			{ID: id + "_l1", AccountCode: "6000", Debit: decimal.RequireFromString("1000.00")},
			{ID: id + "_l2", AccountCode: "1200", Credit: decimal.RequireFromString("1000.00")},
		},
	}
}

func insertRecord(t *testing.T, repo *RecordRepository, r *domain.FinancialRecord) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, repo.InsertHeader(ctx, nil, r))
	require.NoError(t, repo.InsertLines(ctx, nil, r.ID, r.Lines))
}
