package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/integrity"
	"github.com/iho/offledger/internal/usecase"
)

// AuditRepository implements usecase.AuditRepository. Rows are never updated
// or deleted; the hash chain is computed by the caller.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const auditColumns = `
	sequence, id, action, entity_type, entity_id, actor, device_id,
	before_state, after_state, status, created_at, previous_hash, current_hash
`

// Append inserts a new audit entry. A duplicate sequence fails, which keeps
// the chain linear.
func (r *AuditRepository) Append(ctx context.Context, tx usecase.Transaction, entry *domain.AuditEntry) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	before, err := marshalState(entry.BeforeState)
	if err != nil {
		return err
	}
	after, err := marshalState(entry.AfterState)
	if err != nil {
		return err
	}

	query := `INSERT INTO audit_log (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = q.ExecContext(ctx, query,
		entry.Sequence,
		entry.ID,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		entry.Actor,
		entry.DeviceID,
		before,
		after,
		entry.Status,
		integrity.FormatTimestamp(entry.Timestamp),
		entry.PreviousHash,
		entry.CurrentHash,
	)
	return err
}

// Last returns the newest entry, or nil on an empty log.
func (r *AuditRepository) Last(ctx context.Context, tx usecase.Transaction) (*domain.AuditEntry, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// List retrieves audit entries with filters, oldest first.
func (r *AuditRepository) List(ctx context.Context, tx usecase.Transaction, filter domain.AuditFilter) ([]*domain.AuditEntry, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence ASC"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// All returns the whole trail in chain order.
func (r *AuditRepository) All(ctx context.Context, tx usecase.Transaction) ([]domain.AuditEntry, error) {
	entries, err := r.List(ctx, tx, domain.AuditFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudit(s scanner) (*domain.AuditEntry, error) {
	var (
		entry     domain.AuditEntry
		before    sql.NullString
		after     sql.NullString
		createdAt string
	)
	err := s.Scan(
		&entry.Sequence,
		&entry.ID,
		&entry.Action,
		&entry.EntityType,
		&entry.EntityID,
		&entry.Actor,
		&entry.DeviceID,
		&before,
		&after,
		&entry.Status,
		&createdAt,
		&entry.PreviousHash,
		&entry.CurrentHash,
	)
	if err != nil {
		return nil, err
	}

	ts, err := time.Parse(integrity.TimestampLayout, createdAt)
	if err != nil {
		return nil, err
	}
	entry.Timestamp = ts

	if entry.BeforeState, err = unmarshalState(before); err != nil {
		return nil, err
	}
	if entry.AfterState, err = unmarshalState(after); err != nil {
		return nil, err
	}
	return &entry, nil
}

func marshalState(state domain.JSON) (sql.NullString, error) {
	if state == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalState(s sql.NullString) (domain.JSON, error) {
	if !s.Valid {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s.String))
	dec.UseNumber()
	var state domain.JSON
	if err := dec.Decode(&state); err != nil {
		return nil, err
	}
	return state, nil
}
