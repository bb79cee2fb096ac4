package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

// CheckpointRepository implements usecase.CheckpointRepository.
// Checkpoints hold queue entry ids only, so they are not sealed.
type CheckpointRepository struct {
	db *sql.DB
}

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository(db *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Save appends a checkpoint.
func (r *CheckpointRepository) Save(ctx context.Context, tx usecase.Transaction, cp *domain.Checkpoint) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	synced, err := json.Marshal(nonNil(cp.Synced))
	if err != nil {
		return err
	}
	pending, err := json.Marshal(nonNil(cp.Pending))
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO checkpoints (id, run_id, synced, pending, resume_from, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.RunID, string(synced), string(pending), cp.ResumeFrom, toNanos(cp.CreatedAt))
	return err
}

// Last returns the newest checkpoint or nil.
func (r *CheckpointRepository) Last(ctx context.Context, tx usecase.Transaction) (*domain.Checkpoint, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	var (
		cp        domain.Checkpoint
		synced    string
		pending   string
		createdAt int64
	)
	err = q.QueryRowContext(ctx, `
		SELECT id, run_id, synced, pending, resume_from, created_at
		FROM checkpoints
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`).Scan(&cp.ID, &cp.RunID, &synced, &pending, &cp.ResumeFrom, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(synced), &cp.Synced); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pending), &cp.Pending); err != nil {
		return nil, err
	}
	cp.CreatedAt = fromNanos(createdAt)
	return &cp, nil
}

// Clear removes every checkpoint.
func (r *CheckpointRepository) Clear(ctx context.Context, tx usecase.Transaction) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `DELETE FROM checkpoints`)
	return err
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
