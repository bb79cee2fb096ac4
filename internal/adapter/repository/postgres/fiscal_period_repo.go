package postgres

import (
	"context"
	"time"

	"github.com/iho/offledger/internal/usecase"
)

// FiscalPeriodRepository implements gateway.FiscalPeriodStore.
type FiscalPeriodRepository struct {
	db DBTX
}

// NewFiscalPeriodRepository creates a new FiscalPeriodRepository.
func NewFiscalPeriodRepository(db DBTX) *FiscalPeriodRepository {
	return &FiscalPeriodRepository{db: db}
}

// IsClosed reports whether postings into period are refused.
func (r *FiscalPeriodRepository) IsClosed(ctx context.Context, tx usecase.Transaction, period string) (bool, error) {
	if period == "" {
		return false, nil
	}
	db, err := conn(r.db, tx)
	if err != nil {
		return false, err
	}

	var closed bool
	err = db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fiscal_periods WHERE period = $1)`, period).Scan(&closed)
	return closed, err
}

// Close marks period closed. Closing twice keeps the first closer.
func (r *FiscalPeriodRepository) Close(ctx context.Context, tx usecase.Transaction, period, closedBy string, at time.Time) error {
	db, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		INSERT INTO fiscal_periods (period, closed_by, closed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (period) DO NOTHING
	`, period, closedBy, at)
	return err
}

// Reopen reopens period.
func (r *FiscalPeriodRepository) Reopen(ctx context.Context, tx usecase.Transaction, period string) error {
	db, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `DELETE FROM fiscal_periods WHERE period = $1`, period)
	return err
}
