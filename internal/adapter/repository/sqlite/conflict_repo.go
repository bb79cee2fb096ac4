package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

type conflictBody struct {
	Local       *domain.SyncOperation `json:"local,omitempty"`
	Remote      *domain.RemoteState   `json:"remote,omitempty"`
	Base        *snapshotBody         `json:"base,omitempty"`
	FieldDiffs  []domain.FieldDiff    `json:"field_diffs,omitempty"`
	MatchScore  float64               `json:"match_score,omitempty"`
	Reasons     []string              `json:"reasons,omitempty"`
	DuplicateOf string                `json:"duplicate_of,omitempty"`
}

type snapshotBody struct {
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Version    int64             `json:"version"`
	Fields     map[string]any    `json:"fields,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type resolutionBody struct {
	Resolution *domain.ConflictResolution `json:"resolution"`
	Payload    json.RawMessage            `json:"payload,omitempty"`
}

// ConflictRepository implements usecase.ConflictRepository.
type ConflictRepository struct {
	db    *sql.DB
	codec codec
}

// NewConflictRepository creates a new ConflictRepository.
func NewConflictRepository(db *sql.DB, cipher Cipher) *ConflictRepository {
	return &ConflictRepository{db: db, codec: newCodec(cipher, domain.ClassificationConfidential)}
}

const conflictColumns = `
	id, conflict_type, severity, auto_resolvable, queue_entry_id, entity_type, entity_id,
	body, encrypted, resolution, resolution_encrypted, detected_at
`

// Insert stores a newly detected conflict.
func (r *ConflictRepository) Insert(ctx context.Context, tx usecase.Transaction, c *domain.DataConflict) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	body := conflictBody{
		Local:       c.Local,
		Remote:      c.Remote,
		FieldDiffs:  c.FieldDiffs,
		MatchScore:  c.MatchScore,
		Reasons:     c.Reasons,
		DuplicateOf: c.DuplicateOf,
	}
	if c.Base != nil {
		body.Base = &snapshotBody{
			EntityType: c.Base.EntityType,
			EntityID:   c.Base.EntityID,
			Version:    c.Base.Version,
			Fields:     c.Base.Fields,
			UpdatedAt:  c.Base.UpdatedAt,
		}
	}

	blob, encrypted, err := r.codec.seal(body)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO conflicts (
			id, conflict_type, severity, auto_resolvable, queue_entry_id, entity_type, entity_id,
			body, encrypted, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		string(c.Type),
		string(c.Severity),
		boolToInt(c.AutoResolvable),
		c.QueueEntryID,
		string(c.EntityType),
		c.EntityID,
		blob,
		boolToInt(encrypted),
		toNanos(c.DetectedAt),
	)
	return err
}

// GetByID loads a conflict with its resolution, if any.
func (r *ConflictRepository) GetByID(ctx context.Context, tx usecase.Transaction, id string) (*domain.DataConflict, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConflictNotFound
	}
	return c, err
}

// SaveResolution settles a conflict. A conflict that already has a
// resolution is left untouched and ErrConflictResolved is returned.
func (r *ConflictRepository) SaveResolution(ctx context.Context, tx usecase.Transaction, res *domain.ConflictResolution) error {
	q, err := conn(r.db, tx)
	if err != nil {
		return err
	}

	body := resolutionBody{Resolution: res}
	if res.ResolvedPayload != nil {
		raw, err := domain.EncodePayload(res.ResolvedPayload)
		if err != nil {
			return err
		}
		body.Payload = raw
	}

	blob, encrypted, err := r.codec.seal(body)
	if err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, `
		UPDATE conflicts
		SET resolution = ?, resolution_encrypted = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL
	`, blob, boolToInt(encrypted), toNanos(res.ResolvedAt), res.ConflictID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, tx, res.ConflictID); err != nil {
			return err
		}
		return domain.ErrConflictResolved
	}
	return nil
}

// ListUnresolved returns open conflicts, oldest first.
func (r *ConflictRepository) ListUnresolved(ctx context.Context, tx usecase.Transaction) ([]*domain.DataConflict, error) {
	return r.list(ctx, tx, `resolved_at IS NULL`)
}

// ListByQueueEntry returns every conflict raised for a queue entry.
func (r *ConflictRepository) ListByQueueEntry(ctx context.Context, tx usecase.Transaction, queueEntryID string) ([]*domain.DataConflict, error) {
	return r.list(ctx, tx, `queue_entry_id = ?`, queueEntryID)
}

func (r *ConflictRepository) list(ctx context.Context, tx usecase.Transaction, where string, args ...any) ([]*domain.DataConflict, error) {
	q, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE `+where+` ORDER BY detected_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*domain.DataConflict
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (r *ConflictRepository) scan(s scanner) (*domain.DataConflict, error) {
	var (
		c                   domain.DataConflict
		conflictType        string
		severity            string
		entityType          string
		blob                []byte
		encrypted           bool
		resolution          []byte
		resolutionEncrypted bool
		detectedAt          int64
	)
	err := s.Scan(
		&c.ID,
		&conflictType,
		&severity,
		&c.AutoResolvable,
		&c.QueueEntryID,
		&entityType,
		&c.EntityID,
		&blob,
		&encrypted,
		&resolution,
		&resolutionEncrypted,
		&detectedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Type = domain.ConflictType(conflictType)
	c.Severity = domain.Severity(severity)
	c.EntityType = domain.EntityType(entityType)
	c.DetectedAt = fromNanos(detectedAt)

	var body conflictBody
	if err := r.codec.open(blob, encrypted, &body); err != nil {
		return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
	}
	c.Local = body.Local
	c.Remote = body.Remote
	c.FieldDiffs = body.FieldDiffs
	c.MatchScore = body.MatchScore
	c.Reasons = body.Reasons
	c.DuplicateOf = body.DuplicateOf
	if body.Base != nil {
		c.Base = &domain.Snapshot{
			EntityType: body.Base.EntityType,
			EntityID:   body.Base.EntityID,
			Version:    body.Base.Version,
			Fields:     body.Base.Fields,
			UpdatedAt:  body.Base.UpdatedAt,
		}
	}

	if len(resolution) > 0 {
		var rb resolutionBody
		if err := r.codec.open(resolution, resolutionEncrypted, &rb); err != nil {
			return nil, fmt.Errorf("conflict %s resolution: %w", c.ID, err)
		}
		if rb.Resolution != nil && len(rb.Payload) > 0 {
			payload, err := domain.DecodePayload(rb.Payload)
			if err != nil {
				return nil, fmt.Errorf("conflict %s resolution payload: %w", c.ID, err)
			}
			rb.Resolution.ResolvedPayload = payload
		}
		c.Resolution = rb.Resolution
	}
	return &c, nil
}
