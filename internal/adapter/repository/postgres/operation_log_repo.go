package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

// OperationLogRepository implements gateway.OperationLog.
type OperationLogRepository struct {
	db DBTX
}

// NewOperationLogRepository creates a new OperationLogRepository.
func NewOperationLogRepository(db DBTX) *OperationLogRepository {
	return &OperationLogRepository{db: db}
}

// Lookup returns the stored result of operationID, or nil.
func (r *OperationLogRepository) Lookup(ctx context.Context, tx usecase.Transaction, operationID string) (*domain.OperationResult, error) {
	db, err := conn(r.db, tx)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = db.QueryRow(ctx, `SELECT result FROM processed_operations WHERE operation_id = $1`, operationID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result domain.OperationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode result of operation %s: %w", operationID, err)
	}
	return &result, nil
}

// Record stores the result of an applied operation.
func (r *OperationLogRepository) Record(ctx context.Context, tx usecase.Transaction, operationID, userID string, req domain.OperationRequest, result *domain.OperationResult, at time.Time) error {
	db, err := conn(r.db, tx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		INSERT INTO processed_operations (
			operation_id, user_id, op_type, entity_type, entity_id, result, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (operation_id) DO NOTHING
	`,
		operationID,
		userID,
		string(req.Type),
		string(req.EntityType),
		req.EntityID,
		raw,
		at,
	)
	return err
}
