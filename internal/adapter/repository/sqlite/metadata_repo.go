package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MetadataRepository is a small key/value table for device-local settings
// such as the vault salt and verifier. It satisfies vault.MetadataStore.
type MetadataRepository struct {
	db *sql.DB
}

// NewMetadataRepository creates a new MetadataRepository.
func NewMetadataRepository(db *sql.DB) *MetadataRepository {
	return &MetadataRepository{db: db}
}

// GetMetadata returns the value under key, or nil if absent.
func (r *MetadataRepository) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return value, err
}

// SetMetadata stores value under key.
func (r *MetadataRepository) SetMetadata(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixNano())
	return err
}

// DeleteMetadata removes key. Missing keys are not an error.
func (r *MetadataRepository) DeleteMetadata(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	return err
}
