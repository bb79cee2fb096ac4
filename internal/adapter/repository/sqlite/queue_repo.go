package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

// QueueRepository implements usecase.QueueRepository. The operation and its
// override are sealed; scheduling columns stay in plaintext.
type QueueRepository struct {
	db    *sql.DB
	codec codec
}

// NewQueueRepository creates a new QueueRepository. A nil cipher stores plaintext.
func NewQueueRepository(db *sql.DB, cipher Cipher) *QueueRepository {
	return &QueueRepository{db: db, codec: newCodec(cipher, domain.ClassificationConfidential)}
}

const queueColumns = `
	id, seq, priority, status, retry_count, permanent, next_retry_at, last_error,
	body, override, encrypted, batch_id, created_at, updated_at, synced_at
`

// Insert stores a new entry and assigns its insertion sequence.
func (r *QueueRepository) Insert(ctx context.Context, tx usecase.Transaction, entry *domain.QueueEntry) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	body, override, encrypted, err := r.sealEntry(entry)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_queue (
			id, seq, operation_id, entity_type, entity_id, op_type, priority, status,
			retry_count, permanent, next_retry_at, last_error, body, override, encrypted,
			batch_id, created_at, updated_at, synced_at
		) VALUES (
			?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_queue), ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		)
		RETURNING seq
	`

	err = q.QueryRowContext(ctx, query,
		entry.ID,
		entry.Operation.ID,
		string(entry.Operation.EntityType),
		entry.Operation.EntityID,
		string(entry.Operation.Type),
		entry.Priority,
		string(entry.Status),
		entry.RetryCount,
		boolToInt(entry.Permanent),
		toNanos(entry.NextRetryAt),
		entry.LastError,
		body,
		override,
		boolToInt(encrypted),
		entry.BatchID,
		toNanos(entry.CreatedAt),
		toNanos(entry.UpdatedAt),
		nullableNanos(entry.SyncedAt),
	).Scan(&entry.Seq)
	return err
}

// Update persists the mutable fields of an entry. The operation is rewritten
// only to re-seal it under the current key.
func (r *QueueRepository) Update(ctx context.Context, tx usecase.Transaction, entry *domain.QueueEntry) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	body, override, encrypted, err := r.sealEntry(entry)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_queue
		SET status = ?, retry_count = ?, permanent = ?, next_retry_at = ?, last_error = ?,
		    body = ?, override = ?, encrypted = ?, batch_id = ?, updated_at = ?, synced_at = ?
		WHERE id = ?
	`

	res, err := q.ExecContext(ctx, query,
		string(entry.Status),
		entry.RetryCount,
		boolToInt(entry.Permanent),
		toNanos(entry.NextRetryAt),
		entry.LastError,
		body,
		override,
		boolToInt(encrypted),
		entry.BatchID,
		toNanos(entry.UpdatedAt),
		nullableNanos(entry.SyncedAt),
		entry.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrQueueEntryNotFound)
}

// GetByID loads one entry.
func (r *QueueRepository) GetByID(ctx context.Context, tx usecase.Transaction, id string) (*domain.QueueEntry, error) {
	return r.getOne(ctx, tx, "id = ?", id)
}

// GetByOperationID loads the entry carrying an operation.
func (r *QueueRepository) GetByOperationID(ctx context.Context, tx usecase.Transaction, operationID string) (*domain.QueueEntry, error) {
	return r.getOne(ctx, tx, "operation_id = ?", operationID)
}

func (r *QueueRepository) getOne(ctx context.Context, tx usecase.Transaction, where string, arg any) (*domain.QueueEntry, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE `+where, arg)
	entry, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrQueueEntryNotFound
	}
	return entry, err
}

// Ready returns entries due at now: pending, or failed but still retryable.
// Order is priority desc, creation asc, insertion sequence asc.
func (r *QueueRepository) Ready(ctx context.Context, tx usecase.Transaction, now time.Time, limit int) ([]*domain.QueueEntry, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + queueColumns + `
		FROM sync_queue
		WHERE (status = ? OR (status = ? AND permanent = 0))
		  AND next_retry_at <= ?
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT ?
	`

	rows, err := q.QueryContext(ctx, query,
		string(domain.QueueStatusPending),
		string(domain.QueueStatusFailed),
		toNanos(now),
		limit,
	)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// ListByStatus returns entries in any of the statuses, in dequeue order.
func (r *QueueRepository) ListByStatus(ctx context.Context, tx usecase.Transaction, statuses ...domain.QueueStatus) ([]*domain.QueueEntry, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY priority DESC, created_at ASC, seq ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// Stats counts entries by status.
func (r *QueueRepository) Stats(ctx context.Context, tx usecase.Transaction) (domain.QueueStats, error) {
	var stats domain.QueueStats

	q, err := conn(r.db, tx)
	if err != nil {
		return stats, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT status, permanent, COUNT(*) FROM sync_queue GROUP BY status, permanent`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status    string
			permanent bool
			n         int
		)
		if err := rows.Scan(&status, &permanent, &n); err != nil {
			return stats, err
		}
		switch domain.QueueStatus(status) {
		case domain.QueueStatusPending:
			stats.Pending += n
		case domain.QueueStatusProcessing:
			stats.Processing += n
		case domain.QueueStatusSynced:
			stats.Synced += n
		case domain.QueueStatusFailed:
			stats.Failed += n
			if permanent {
				stats.PermanentFailed += n
			}
		case domain.QueueStatusConflict:
			stats.Conflict += n
		}
	}
	return stats, rows.Err()
}

func (r *QueueRepository) sealEntry(entry *domain.QueueEntry) (body, override []byte, encrypted bool, err error) {
	body, encrypted, err = r.codec.seal(entry.Operation)
	if err != nil {
		return nil, nil, false, fmt.Errorf("seal operation: %w", err)
	}
	if entry.Override != nil {
		var overrideEncrypted bool
		override, overrideEncrypted, err = r.codec.seal(entry.Override)
		if err != nil {
			return nil, nil, false, fmt.Errorf("seal override: %w", err)
		}
		if overrideEncrypted != encrypted {
			return nil, nil, false, domain.ErrVaultLocked
		}
	}
	return body, override, encrypted, nil
}

func (r *QueueRepository) collect(rows *sql.Rows) ([]*domain.QueueEntry, error) {
	defer rows.Close()

	var entries []*domain.QueueEntry
	for rows.Next() {
		entry, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *QueueRepository) scan(s scanner) (*domain.QueueEntry, error) {
	var (
		entry       domain.QueueEntry
		status      string
		nextRetryAt int64
		body        []byte
		override    []byte
		encrypted   bool
		createdAt   int64
		updatedAt   int64
		syncedAt    sql.NullInt64
	)
	err := s.Scan(
		&entry.ID,
		&entry.Seq,
		&entry.Priority,
		&status,
		&entry.RetryCount,
		&entry.Permanent,
		&nextRetryAt,
		&entry.LastError,
		&body,
		&override,
		&encrypted,
		&entry.BatchID,
		&createdAt,
		&updatedAt,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := r.codec.open(body, encrypted, &entry.Operation); err != nil {
		return nil, fmt.Errorf("queue entry %s: %w", entry.ID, err)
	}
	if len(override) > 0 {
		var o domain.OperationOverride
		if err := r.codec.open(override, encrypted, &o); err != nil {
			return nil, fmt.Errorf("queue entry %s override: %w", entry.ID, err)
		}
		entry.Override = &o
	}

	entry.Status = domain.QueueStatus(status)
	entry.NextRetryAt = fromNanos(nextRetryAt)
	entry.CreatedAt = fromNanos(createdAt)
	entry.UpdatedAt = fromNanos(updatedAt)
	entry.SyncedAt = fromNullableNanos(syncedAt)
	return &entry, nil
}
