package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/integrity"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// AuditRecord is what a caller wants logged. Sequence, hashes and timestamp
// are filled in by the trail.
type AuditRecord struct {
	Action     domain.AuditAction
	EntityType string
	EntityID   string
	Actor      string
	Before     domain.JSON
	After      domain.JSON
	Status     domain.AuditStatus
}

// AuditTrail appends to and verifies the hash-chained audit log.
type AuditTrail struct {
	repo     AuditRepository
	tm       TransactionManager
	retrier  Retrier
	idGen    IDGenerator
	clock    Clock
	events   EventPublisher
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	deviceID string
}

// NewAuditTrail creates a new AuditTrail.
func NewAuditTrail(
	repo AuditRepository,
	tm TransactionManager,
	retrier Retrier,
	idGen IDGenerator,
	clock Clock,
	events EventPublisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
	deviceID string,
) *AuditTrail {
	return &AuditTrail{
		repo:     repo,
		tm:       tm,
		retrier:  retrier,
		idGen:    idGen,
		clock:    clock,
		events:   events,
		metrics:  m,
		logger:   logger,
		deviceID: deviceID,
	}
}

// AppendTx links a new entry to the head of the chain inside tx. The store
// has a single writer, so reading the head and appending in one transaction
// cannot fork the chain.
func (a *AuditTrail) AppendTx(ctx context.Context, tx Transaction, rec AuditRecord) (*domain.AuditEntry, error) {
	last, err := a.repo.Last(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("read audit head: %w", err)
	}

	prev := integrity.GenesisHash
	seq := int64(1)
	if last != nil {
		prev = last.CurrentHash
		seq = last.Sequence + 1
	}

	status := rec.Status
	if status == "" {
		status = domain.AuditStatusSuccess
	}
	actor := rec.Actor
	if actor == "" {
		actor = SystemActor
	}

	entry := &domain.AuditEntry{
		Sequence:     seq,
		ID:           a.idGen.Generate(),
		Action:       string(rec.Action),
		EntityType:   rec.EntityType,
		EntityID:     rec.EntityID,
		Actor:        actor,
		DeviceID:     a.deviceID,
		BeforeState:  rec.Before,
		AfterState:   rec.After,
		Status:       string(status),
		Timestamp:    a.clock.Now(),
		PreviousHash: prev,
	}

	hash, err := integrity.HashChainEntry(entry, prev)
	if err != nil {
		return nil, err
	}
	entry.CurrentHash = hash

	if err := a.repo.Append(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	if a.metrics != nil {
		a.metrics.AuditLogsCreated.WithLabelValues(entry.Action, entry.Status).Inc()
	}
	return entry, nil
}

// Append writes a single entry in its own transaction.
func (a *AuditTrail) Append(ctx context.Context, rec AuditRecord) (*domain.AuditEntry, error) {
	return Atomic(ctx, a.tm, a.retrier, func(tx Transaction) (*domain.AuditEntry, error) {
		return a.AppendTx(ctx, tx, rec)
	})
}

// Verify walks the whole chain. A broken chain is reported in the result,
// counted and published; the error return is reserved for storage failures.
func (a *AuditTrail) Verify(ctx context.Context) (domain.ChainVerification, error) {
	entries, err := a.repo.All(ctx, nil)
	if err != nil {
		return domain.ChainVerification{}, err
	}
	return a.verify(ctx, entries), nil
}

func (a *AuditTrail) verify(ctx context.Context, entries []domain.AuditEntry) domain.ChainVerification {
	result := integrity.VerifyChain(entries)
	if result.Valid {
		return result
	}

	a.logger.Error().
		Int("first_invalid_index", result.FirstInvalidIndex).
		Str("reason", result.Reason).
		Msg("audit chain verification failed")
	if a.metrics != nil {
		a.metrics.IntegrityFailures.WithLabelValues("audit_chain").Inc()
	}
	if a.events != nil {
		a.events.Publish(ctx, domain.NewEvent(domain.EventIntegrityFailure, domain.SeverityCritical,
			domain.IntegrityFailureEvent{EntityType: "audit_log", Reason: result.Reason}))
	}
	return result
}

// Export writes the trail as JSON lines after verifying it. A broken chain
// is refused before anything is written.
func (a *AuditTrail) Export(ctx context.Context, w io.Writer) (int, error) {
	entries, err := a.repo.All(ctx, nil)
	if err != nil {
		return 0, err
	}

	result := a.verify(ctx, entries)
	if !result.Valid {
		return 0, fmt.Errorf("%w: audit chain broken at index %d: %s",
			domain.ErrIntegrityFailure, result.FirstInvalidIndex, result.Reason)
	}

	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return i, fmt.Errorf("write audit entry %d: %w", entries[i].Sequence, err)
		}
	}
	return len(entries), nil
}

// History lists audit entries, oldest first.
func (a *AuditTrail) History(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEntry, error) {
	limit, offset, err := domain.ValidatePagination(filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	filter.Limit, filter.Offset = limit, offset
	return a.repo.List(ctx, nil, filter)
}
