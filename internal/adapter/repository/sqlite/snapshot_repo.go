package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

// SnapshotRepository implements usecase.SnapshotRepository.
type SnapshotRepository struct {
	db    *sql.DB
	codec codec
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(db *sql.DB, cipher Cipher) *SnapshotRepository {
	return &SnapshotRepository{db: db, codec: newCodec(cipher, domain.ClassificationConfidential)}
}

// Save inserts or replaces the snapshot of an entity.
func (r *SnapshotRepository) Save(ctx context.Context, tx usecase.Transaction, snapshot *domain.Snapshot) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	fields, encrypted, err := r.codec.seal(snapshot.Fields)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO snapshots (entity_type, entity_id, version, fields, encrypted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			fields = excluded.fields,
			encrypted = excluded.encrypted,
			updated_at = excluded.updated_at
	`,
		string(snapshot.EntityType),
		snapshot.EntityID,
		snapshot.Version,
		fields,
		boolToInt(encrypted),
		toNanos(snapshot.UpdatedAt),
	)
	return err
}

// Get loads a snapshot or returns nil.
func (r *SnapshotRepository) Get(ctx context.Context, tx usecase.Transaction, entityType domain.EntityType, entityID string) (*domain.Snapshot, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	var (
		snapshot  = domain.Snapshot{EntityType: entityType, EntityID: entityID}
		fields    []byte
		encrypted bool
		updatedAt int64
	)
	err = q.QueryRowContext(ctx, `
		SELECT version, fields, encrypted, updated_at
		FROM snapshots
		WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID).Scan(&snapshot.Version, &fields, &encrypted, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := r.codec.open(fields, encrypted, &snapshot.Fields); err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: %w", entityType, entityID, err)
	}
	snapshot.UpdatedAt = fromNanos(updatedAt)
	return &snapshot, nil
}

// Delete drops the snapshot of an entity.
func (r *SnapshotRepository) Delete(ctx context.Context, tx usecase.Transaction, entityType domain.EntityType, entityID string) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`DELETE FROM snapshots WHERE entity_type = ? AND entity_id = ?`, string(entityType), entityID)
	return err
}
