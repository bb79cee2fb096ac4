package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// purgeOrder lists tables children first so foreign keys never block a purge.
var purgeOrder = []string{
	"record_lines",
	"records",
	"audit_log",
	"sync_queue",
	"checkpoints",
	"snapshots",
	"conflicts",
	"locks",
	"metadata",
}

// Store exposes whole-database operations: size estimation and purge.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UsageBytes estimates the size of the local store from its page count.
func (s *Store) UsageBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// Purge deletes every row of every table in one transaction and reclaims
// the freed pages.
func (s *Store) Purge(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range purgeOrder {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
