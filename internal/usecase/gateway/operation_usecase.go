package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
	"github.com/iho/offledger/internal/usecase"
)

// Operation outcomes reported in metrics.
const (
	outcomeApplied  = "applied"
	outcomeReplayed = "replayed"
	outcomeConflict = "conflict"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// OperationUseCase applies client operations to the authoritative store.
type OperationUseCase struct {
	entities  EntityStore
	periods   FiscalPeriodStore
	log       OperationLog
	tm        usecase.TransactionManager
	retrier   usecase.Retrier
	clock     usecase.Clock
	validator *domain.AccountingValidator
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewOperationUseCase creates a new OperationUseCase.
func NewOperationUseCase(
	entities EntityStore,
	periods FiscalPeriodStore,
	log OperationLog,
	tm usecase.TransactionManager,
	retrier usecase.Retrier,
	clock usecase.Clock,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *OperationUseCase {
	return &OperationUseCase{
		entities:  entities,
		periods:   periods,
		log:       log,
		tm:        tm,
		retrier:   retrier,
		clock:     clock,
		validator: domain.NewAccountingValidator(),
		metrics:   m,
		logger:    logger,
	}
}

// Process applies req on behalf of userID.
//
// CREATE inserts version 1. UPDATE and DELETE must name the current version
// as their base; otherwise a *domain.RemoteConflictError carrying the current
// state is returned. Operations touching a closed fiscal period are refused
// the same way. An operation already acknowledged returns its original result.
func (uc *OperationUseCase) Process(ctx context.Context, userID string, req domain.OperationRequest) (*domain.OperationResult, error) {
	if err := validateRequest(req); err != nil {
		uc.record(req, outcomeRejected)
		return nil, err
	}

	replayed := false
	result, err := usecase.Atomic(ctx, uc.tm, uc.retrier, func(tx usecase.Transaction) (*domain.OperationResult, error) {
		replayed = false
		prior, err := uc.log.Lookup(ctx, tx, req.OperationID)
		if err != nil {
			return nil, fmt.Errorf("read operation log: %w", err)
		}
		if prior != nil {
			replayed = true
			return prior, nil
		}

		var res *domain.OperationResult
		switch req.Type {
		case domain.OperationCreate:
			res, err = uc.create(ctx, tx, userID, req)
		case domain.OperationUpdate:
			res, err = uc.update(ctx, tx, req)
		case domain.OperationDelete:
			res, err = uc.remove(ctx, tx, req)
		}
		if err != nil {
			return nil, err
		}

		if err := uc.log.Record(ctx, tx, req.OperationID, userID, req, res, uc.clock.Now()); err != nil {
			return nil, fmt.Errorf("write operation log: %w", err)
		}
		return res, nil
	})

	switch {
	case err == nil && replayed:
		uc.record(req, outcomeReplayed)
	case err == nil:
		uc.record(req, outcomeApplied)
		uc.logger.Debug().
			Str("operation_id", req.OperationID).
			Str("type", string(req.Type)).
			Str("entity", string(req.EntityType)+"/"+req.EntityID).
			Int64("version", result.Version).
			Msg("operation applied")
	case errors.Is(err, domain.ErrConflict):
		uc.record(req, outcomeConflict)
	case errors.Is(err, domain.ErrValidationFailure):
		uc.record(req, outcomeRejected)
	default:
		uc.record(req, outcomeError)
		uc.logger.Error().Err(err).Str("operation_id", req.OperationID).Msg("operation failed")
	}
	return result, err
}

func (uc *OperationUseCase) create(ctx context.Context, tx usecase.Transaction, userID string, req domain.OperationRequest) (*domain.OperationResult, error) {
	current, err := uc.entities.GetForUpdate(ctx, tx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	if current != nil && !current.Deleted {
		return nil, &domain.RemoteConflictError{Reason: domain.RemoteReasonVersionMismatch, State: current}
	}
	if err := uc.validateFields(req.EntityType, req.Payload); err != nil {
		return nil, err
	}

	period := FiscalPeriod(req.EntityType, req.Payload)
	now := uc.clock.Now()
	state := &domain.RemoteState{
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Version:     1,
		Fields:      maps.Clone(req.Payload),
		VectorClock: req.VectorClock.Clone(),
		UpdatedAt:   now,
	}
	if err := uc.ensureOpen(ctx, tx, period, state); err != nil {
		return nil, err
	}

	if current != nil {
		state.Version = current.Version + 1
		state.VectorClock = current.VectorClock.Merge(req.VectorClock)
		err = uc.entities.Update(ctx, tx, state, period)
	} else {
		err = uc.entities.Insert(ctx, tx, state, period, userID)
	}
	if err != nil {
		return nil, err
	}
	return resultOf(state), nil
}

func (uc *OperationUseCase) update(ctx context.Context, tx usecase.Transaction, req domain.OperationRequest) (*domain.OperationResult, error) {
	current, err := uc.entities.GetForUpdate(ctx, tx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Deleted {
		return nil, &domain.RemoteConflictError{Reason: domain.RemoteReasonReferential, State: current}
	}
	if err := uc.ensureOpen(ctx, tx, FiscalPeriod(current.EntityType, current.Fields), current); err != nil {
		return nil, err
	}
	if req.BaseVersion != current.Version {
		return nil, &domain.RemoteConflictError{Reason: domain.RemoteReasonVersionMismatch, State: current}
	}

	fields := maps.Clone(req.Payload)
	if req.Delta {
		fields = maps.Clone(current.Fields)
		if fields == nil {
			fields = make(map[string]any, len(req.Payload))
		}
		maps.Copy(fields, req.Payload)
	}
	if err := uc.validateFields(req.EntityType, fields); err != nil {
		return nil, err
	}

	next := *current
	next.Fields = fields
	next.Version = current.Version + 1
	next.VectorClock = current.VectorClock.Merge(req.VectorClock)
	next.UpdatedAt = uc.clock.Now()

	period := FiscalPeriod(req.EntityType, fields)
	if err := uc.ensureOpen(ctx, tx, period, &next); err != nil {
		return nil, err
	}
	if err := uc.entities.Update(ctx, tx, &next, period); err != nil {
		return nil, err
	}
	return resultOf(&next), nil
}

func (uc *OperationUseCase) remove(ctx context.Context, tx usecase.Transaction, req domain.OperationRequest) (*domain.OperationResult, error) {
	current, err := uc.entities.GetForUpdate(ctx, tx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Deleted {
		return &domain.OperationResult{EntityID: req.EntityID, Deleted: true}, nil
	}
	period := FiscalPeriod(current.EntityType, current.Fields)
	if err := uc.ensureOpen(ctx, tx, period, current); err != nil {
		return nil, err
	}
	if req.BaseVersion != current.Version {
		return nil, &domain.RemoteConflictError{Reason: domain.RemoteReasonVersionMismatch, State: current}
	}

	next := *current
	next.Deleted = true
	next.Version = current.Version + 1
	next.VectorClock = current.VectorClock.Merge(req.VectorClock)
	next.UpdatedAt = uc.clock.Now()
	if err := uc.entities.Update(ctx, tx, &next, period); err != nil {
		return nil, err
	}
	return &domain.OperationResult{EntityID: next.EntityID, Version: next.Version, Deleted: true}, nil
}

// FetchState returns the current server copy of an entity.
func (uc *OperationUseCase) FetchState(ctx context.Context, entityType domain.EntityType, entityID string) (*domain.RemoteState, error) {
	if !entityType.IsValid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEntityType, entityType)
	}
	state, err := uc.entities.Get(ctx, nil, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, domain.ErrEntityNotFound
	}
	return state, nil
}

// CloseFiscalPeriod stops any further posting into period.
func (uc *OperationUseCase) CloseFiscalPeriod(ctx context.Context, period, closedBy string) error {
	if _, err := time.Parse("2006-01", period); err != nil {
		return fmt.Errorf("%w: fiscal period %q is not YYYY-MM", domain.ErrValidationFailure, period)
	}
	return usecase.AtomicDo(ctx, uc.tm, uc.retrier, func(tx usecase.Transaction) error {
		return uc.periods.Close(ctx, tx, period, closedBy, uc.clock.Now())
	})
}

// ReopenFiscalPeriod allows posting into period again.
func (uc *OperationUseCase) ReopenFiscalPeriod(ctx context.Context, period string) error {
	return usecase.AtomicDo(ctx, uc.tm, uc.retrier, func(tx usecase.Transaction) error {
		return uc.periods.Reopen(ctx, tx, period)
	})
}

func (uc *OperationUseCase) ensureOpen(ctx context.Context, tx usecase.Transaction, period string, state *domain.RemoteState) error {
	if period == "" {
		return nil
	}
	closed, err := uc.periods.IsClosed(ctx, tx, period)
	if err != nil {
		return fmt.Errorf("check fiscal period %s: %w", period, err)
	}
	if !closed {
		return nil
	}
	cp := *state
	cp.FiscalPeriodClosed = true
	return &domain.RemoteConflictError{Reason: domain.RemoteReasonFiscalPeriodClosed, State: &cp}
}

// validateFields mirrors the client's accounting rules for record entities.
func (uc *OperationUseCase) validateFields(entityType domain.EntityType, fields map[string]any) error {
	if !entityType.IsRecord() {
		return nil
	}
	payload, err := domain.PayloadFromFields(entityType, fields)
	if err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", domain.ErrValidationFailure, entityType, err)
	}
	rp, ok := payload.(*domain.RecordPayload)
	if !ok || rp.Record == nil {
		return fmt.Errorf("%w: %s payload is not a record", domain.ErrValidationFailure, entityType)
	}
	return uc.validator.Validate(rp.Record)
}

func (uc *OperationUseCase) record(req domain.OperationRequest, outcome string) {
	if uc.metrics != nil {
		uc.metrics.GatewayOperations.WithLabelValues(string(req.Type), outcome).Inc()
	}
}

func validateRequest(req domain.OperationRequest) error {
	switch {
	case req.OperationID == "":
		return fmt.Errorf("%w: operation_id is required", domain.ErrValidationFailure)
	case !req.Type.IsValid():
		return fmt.Errorf("%w: unknown operation type %q", domain.ErrValidationFailure, req.Type)
	case !req.EntityType.IsValid():
		return fmt.Errorf("%w: %q", domain.ErrUnknownEntityType, req.EntityType)
	case req.EntityID == "":
		return fmt.Errorf("%w: entity_id is required", domain.ErrValidationFailure)
	case req.Type != domain.OperationDelete && len(req.Payload) == 0:
		return fmt.Errorf("%w: %s without payload", domain.ErrValidationFailure, req.Type)
	}
	return nil
}

func resultOf(state *domain.RemoteState) *domain.OperationResult {
	return &domain.OperationResult{
		EntityID:    state.EntityID,
		Version:     state.Version,
		Fields:      maps.Clone(state.Fields),
		VectorClock: state.VectorClock.Clone(),
	}
}

// FiscalPeriod derives the YYYY-MM period an entity posts into from its
// fields. Entities without a posting date belong to no period.
func FiscalPeriod(entityType domain.EntityType, fields map[string]any) string {
	key := "date"
	if entityType == domain.EntityInvoice {
		key = "issue_date"
	}
	raw, _ := fields[key].(string)
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || t.IsZero() {
		return ""
	}
	return domain.FiscalPeriodOf(t)
}
