package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

const selectEntity = `
	SELECT e.entity_type, e.entity_id, e.version, e.fields, e.vector_clock,
	       e.deleted, e.updated_at, (fp.period IS NOT NULL) AS fiscal_period_closed
	FROM entities e
	LEFT JOIN fiscal_periods fp ON fp.period = e.fiscal_period
	WHERE e.entity_type = $1 AND e.entity_id = $2`

// EntityRepository implements gateway.EntityStore.
type EntityRepository struct {
	db DBTX
}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(db DBTX) *EntityRepository {
	return &EntityRepository{db: db}
}

// Get retrieves an entity, or nil when it was never created.
func (r *EntityRepository) Get(ctx context.Context, tx usecase.Transaction, entityType domain.EntityType, entityID string) (*domain.RemoteState, error) {
	return r.get(ctx, tx, selectEntity, entityType, entityID)
}

// GetForUpdate retrieves an entity and locks its row.
func (r *EntityRepository) GetForUpdate(ctx context.Context, tx usecase.Transaction, entityType domain.EntityType, entityID string) (*domain.RemoteState, error) {
	return r.get(ctx, tx, selectEntity+" FOR UPDATE OF e", entityType, entityID)
}

func (r *EntityRepository) get(ctx context.Context, tx usecase.Transaction, query string, entityType domain.EntityType, entityID string) (*domain.RemoteState, error) {
	db, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	var (
		state      domain.RemoteState
		kind       string
		fieldsJSON []byte
		clockJSON  []byte
	)
	err = db.QueryRow(ctx, query, string(entityType), entityID).Scan(
		&kind,
		&state.EntityID,
		&state.Version,
		&fieldsJSON,
		&clockJSON,
		&state.Deleted,
		&state.UpdatedAt,
		&state.FiscalPeriodClosed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state.EntityType = domain.EntityType(kind)
	state.UpdatedAt = state.UpdatedAt.UTC()
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &state.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s/%s: %w", entityType, entityID, err)
		}
	}
	if len(clockJSON) > 0 {
		if err := json.Unmarshal(clockJSON, &state.VectorClock); err != nil {
			return nil, fmt.Errorf("decode vector clock of %s/%s: %w", entityType, entityID, err)
		}
	}

	return &state, nil
}

// Insert creates an entity.
func (r *EntityRepository) Insert(ctx context.Context, tx usecase.Transaction, state *domain.RemoteState, fiscalPeriod, createdBy string) error {
	db, err := conn(r.db, tx)
	if err != nil {
		return err
	}
	fields, clock, err := encodeState(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO entities (
			entity_type, entity_id, version, fields, vector_clock,
			fiscal_period, deleted, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`

	_, err = db.Exec(ctx, query,
		string(state.EntityType),
		state.EntityID,
		state.Version,
		fields,
		clock,
		nullString(fiscalPeriod),
		state.Deleted,
		createdBy,
		state.UpdatedAt,
	)
	return err
}

// Update overwrites an existing entity.
func (r *EntityRepository) Update(ctx context.Context, tx usecase.Transaction, state *domain.RemoteState, fiscalPeriod string) error {
	db, err := conn(r.db, tx)
	if err != nil {
		return err
	}
	fields, clock, err := encodeState(state)
	if err != nil {
		return err
	}

	query := `
		UPDATE entities
		SET version = $3, fields = $4, vector_clock = $5,
		    fiscal_period = $6, deleted = $7, updated_at = $8
		WHERE entity_type = $1 AND entity_id = $2
	`

	tag, err := db.Exec(ctx, query,
		string(state.EntityType),
		state.EntityID,
		state.Version,
		fields,
		clock,
		nullString(fiscalPeriod),
		state.Deleted,
		state.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntityNotFound
	}
	return nil
}

func encodeState(state *domain.RemoteState) ([]byte, []byte, error) {
	fields := state.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("encode fields: %w", err)
	}

	clock := state.VectorClock
	if clock == nil {
		clock = domain.VectorClock{}
	}
	clockJSON, err := json.Marshal(clock)
	if err != nil {
		return nil, nil, fmt.Errorf("encode vector clock: %w", err)
	}
	return fieldsJSON, clockJSON, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
