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

const dateLayout = "2006-01-02"

// recordHeader is the sealed part of a record row. Status, version, date and
// entity type stay in plaintext columns for filtering.
type recordHeader struct {
	Reference    string             `json:"reference,omitempty"`
	Description  string             `json:"description,omitempty"`
	Counterparty string             `json:"counterparty,omitempty"`
	Currency     string             `json:"currency"`
	Date         time.Time          `json:"date"`
	Checksum     string             `json:"checksum,omitempty"`
	VectorClock  domain.VectorClock `json:"vector_clock,omitempty"`
	CreatedBy    string             `json:"created_by,omitempty"`
}

// RecordRepository implements usecase.RecordRepository.
type RecordRepository struct {
	db    *sql.DB
	codec codec
}

// NewRecordRepository creates a new RecordRepository. A nil cipher stores plaintext.
func NewRecordRepository(db *sql.DB, cipher Cipher) *RecordRepository {
	return &RecordRepository{db: db, codec: newCodec(cipher, domain.ClassificationConfidential)}
}

// InsertHeader writes the record row without its lines.
func (r *RecordRepository) InsertHeader(ctx context.Context, tx usecase.Transaction, record *domain.FinancialRecord) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	header, encrypted, err := r.codec.seal(headerOf(record))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO records (
			id, server_id, entity_type, sync_status, record_date, version,
			header, encrypted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.ExecContext(ctx, query,
		record.ID,
		record.ServerID,
		string(record.EntityType),
		string(record.SyncStatus),
		record.Date.UTC().Format(dateLayout),
		record.Version,
		header,
		boolToInt(encrypted),
		toNanos(record.CreatedAt),
		toNanos(record.UpdatedAt),
	)
	return err
}

// UpdateHeader rewrites the record row.
func (r *RecordRepository) UpdateHeader(ctx context.Context, tx usecase.Transaction, record *domain.FinancialRecord) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	header, encrypted, err := r.codec.seal(headerOf(record))
	if err != nil {
		return err
	}

	query := `
		UPDATE records
		SET server_id = ?, sync_status = ?, record_date = ?, version = ?,
		    header = ?, encrypted = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := q.ExecContext(ctx, query,
		record.ServerID,
		string(record.SyncStatus),
		record.Date.UTC().Format(dateLayout),
		record.Version,
		header,
		boolToInt(encrypted),
		toNanos(record.UpdatedAt),
		record.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrRecordNotFound)
}

// InsertLines writes the lines of a record in order.
func (r *RecordRepository) InsertLines(ctx context.Context, tx usecase.Transaction, recordID string, lines []domain.Line) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO record_lines (record_id, line_id, position, body, encrypted)
		VALUES (?, ?, ?, ?, ?)
	`

	for i, line := range lines {
		body, encrypted, err := r.codec.seal(line)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query, recordID, line.ID, i, body, boolToInt(encrypted)); err != nil {
			return fmt.Errorf("insert line %s: %w", line.ID, err)
		}
	}
	return nil
}

// ReplaceLines swaps every line of a record.
func (r *RecordRepository) ReplaceLines(ctx context.Context, tx usecase.Transaction, recordID string, lines []domain.Line) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM record_lines WHERE record_id = ?`, recordID); err != nil {
		return err
	}
	return r.InsertLines(ctx, tx, recordID, lines)
}

// GetByID loads a record with its lines.
func (r *RecordRepository) GetByID(ctx context.Context, tx usecase.Transaction, id string) (*domain.FinancialRecord, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, server_id, entity_type, sync_status, version, header, encrypted, created_at, updated_at
		FROM records
		WHERE id = ?
	`

	var (
		record     domain.FinancialRecord
		entityType string
		status     string
		header     []byte
		encrypted  bool
		createdAt  int64
		updatedAt  int64
	)
	err = q.QueryRowContext(ctx, query, id).Scan(
		&record.ID,
		&record.ServerID,
		&entityType,
		&status,
		&record.Version,
		&header,
		&encrypted,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	var h recordHeader
	if err := r.codec.open(header, encrypted, &h); err != nil {
		return nil, fmt.Errorf("record %s header: %w", id, err)
	}

	record.EntityType = domain.EntityType(entityType)
	record.SyncStatus = domain.SyncStatus(status)
	record.CreatedAt = fromNanos(createdAt)
	record.UpdatedAt = fromNanos(updatedAt)
	record.Reference = h.Reference
	record.Description = h.Description
	record.Counterparty = h.Counterparty
	record.Currency = h.Currency
	record.Date = h.Date
	record.Checksum = h.Checksum
	record.VectorClock = h.VectorClock
	record.CreatedBy = h.CreatedBy

	lines, err := r.lines(ctx, q, id)
	if err != nil {
		return nil, err
	}
	record.Lines = lines

	return &record, nil
}

func (r *RecordRepository) lines(ctx context.Context, q querier, recordID string) ([]domain.Line, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT body, encrypted FROM record_lines WHERE record_id = ? ORDER BY position`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.Line
	for rows.Next() {
		var (
			body      []byte
			encrypted bool
		)
		if err := rows.Scan(&body, &encrypted); err != nil {
			return nil, err
		}
		var line domain.Line
		if err := r.codec.open(body, encrypted, &line); err != nil {
			return nil, fmt.Errorf("record %s line: %w", recordID, err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// SetStatus changes only the plaintext status column, so it works on rows
// that can no longer be decrypted. A quarantined row keeps its corrupted
// status.
func (r *RecordRepository) SetStatus(ctx context.Context, tx usecase.Transaction, id string, status domain.SyncStatus, updatedAt time.Time) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx,
		`UPDATE records SET sync_status = ?, updated_at = ?
		 WHERE id = ? AND (sync_status <> ? OR ? = ?)`,
		string(status), toNanos(updatedAt), id,
		string(domain.SyncStatusCorrupted), string(status), string(domain.SyncStatusCorrupted))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrRecordNotFound
	}
	return err
}

// Delete removes a record. Lines go with it.
func (r *RecordRepository) Delete(ctx context.Context, tx usecase.Transaction, id string) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrRecordNotFound)
}

// ListIDs returns record ids matching the filter, newest date first.
func (r *RecordRepository) ListIDs(ctx context.Context, tx usecase.Transaction, filter usecase.RecordFilter) ([]string, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.Status != "" {
		where = append(where, "sync_status = ?")
		args = append(args, string(filter.Status))
	} else if !filter.IncludeCorrupted {
		where = append(where, "sync_status <> ?")
		args = append(args, string(domain.SyncStatusCorrupted))
	}
	if filter.DateFrom != nil {
		where = append(where, "record_date >= ?")
		args = append(args, filter.DateFrom.UTC().Format(dateLayout))
	}
	if filter.DateTo != nil {
		where = append(where, "record_date <= ?")
		args = append(args, filter.DateTo.UTC().Format(dateLayout))
	}

	query := `SELECT id FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY record_date DESC, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func headerOf(record *domain.FinancialRecord) recordHeader {
	return recordHeader{
		Reference:    record.Reference,
		Description:  record.Description,
		Counterparty: record.Counterparty,
		Currency:     record.Currency,
		Date:         record.Date.UTC(),
		Checksum:     record.Checksum,
		VectorClock:  record.VectorClock,
		CreatedBy:    record.CreatedBy,
	}
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
