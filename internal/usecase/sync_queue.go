package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/integrity"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// QueueConfig tunes retry behaviour.
type QueueConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// EnqueueResult is a stored entry and the suspected duplicates found for it.
type EnqueueResult struct {
	Entry      *domain.QueueEntry
	Duplicates []domain.DuplicateMatch
}

// SyncQueue is the durable, priority-ordered outbox of local operations.
type SyncQueue struct {
	repo        QueueRepository
	checkpoints CheckpointRepository
	detector    *DuplicateDetector
	tm          TransactionManager
	retrier     Retrier
	idGen       IDGenerator
	clock       Clock
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	cfg         QueueConfig
}

// NewSyncQueue creates a new SyncQueue. A nil detector disables duplicate checks.
func NewSyncQueue(
	repo QueueRepository,
	checkpoints CheckpointRepository,
	detector *DuplicateDetector,
	tm TransactionManager,
	retrier Retrier,
	idGen IDGenerator,
	clock Clock,
	m *metrics.Metrics,
	logger zerolog.Logger,
	cfg QueueConfig,
) *SyncQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	return &SyncQueue{
		repo:        repo,
		checkpoints: checkpoints,
		detector:    detector,
		tm:          tm,
		retrier:     retrier,
		idGen:       idGen,
		clock:       clock,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
	}
}

// Backoff returns min(base * 2^n, cap).
func (q *SyncQueue) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := q.cfg.BackoffBase
	for i := 0; i < n; i++ {
		if d >= q.cfg.BackoffCap/2 {
			return q.cfg.BackoffCap
		}
		d *= 2
	}
	if d > q.cfg.BackoffCap {
		return q.cfg.BackoffCap
	}
	return d
}

// Enqueue stores op in its own transaction.
func (q *SyncQueue) Enqueue(ctx context.Context, op domain.SyncOperation) (*EnqueueResult, error) {
	return Atomic(ctx, q.tm, q.retrier, func(tx Transaction) (*EnqueueResult, error) {
		return q.EnqueueTx(ctx, tx, op)
	})
}

// EnqueueTx stores op inside tx. The operation id, timestamp and checksum
// are filled in when missing. Duplicates are reported, not acted upon.
func (q *SyncQueue) EnqueueTx(ctx context.Context, tx Transaction, op domain.SyncOperation) (*EnqueueResult, error) {
	if !op.Type.IsValid() {
		return nil, fmt.Errorf("%w: operation type %q", domain.ErrValidationFailure, op.Type)
	}
	if !op.EntityType.IsValid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEntityType, op.EntityType)
	}
	if op.EntityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", domain.ErrValidationFailure)
	}

	now := q.clock.Now()
	if op.ID == "" {
		op.ID = q.idGen.Generate()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = now
	}
	if op.Checksum == "" {
		sum, err := integrity.OperationChecksum(&op)
		if err != nil {
			return nil, err
		}
		op.Checksum = sum
	}

	var duplicates []domain.DuplicateMatch
	if q.detector != nil {
		var err error
		if duplicates, err = q.detector.Detect(ctx, tx, &op); err != nil {
			return nil, fmt.Errorf("detect duplicates: %w", err)
		}
	}

	entry := &domain.QueueEntry{
		ID:          q.idGen.Generate(),
		Operation:   op,
		Priority:    domain.PriorityFor(op.EntityType),
		Status:      domain.QueueStatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.repo.Insert(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}

	q.logger.Debug().
		Str("entry_id", entry.ID).
		Str("operation_id", op.ID).
		Str("entity_type", string(op.EntityType)).
		Int("priority", entry.Priority).
		Int("duplicates", len(duplicates)).
		Msg("operation enqueued")

	return &EnqueueResult{Entry: entry, Duplicates: duplicates}, nil
}

// Dequeue returns up to batchSize due entries without claiming them.
func (q *SyncQueue) Dequeue(ctx context.Context, batchSize int) ([]*domain.QueueEntry, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return q.repo.Ready(ctx, nil, q.clock.Now(), batchSize)
}

// Get returns a queue entry by id.
func (q *SyncQueue) Get(ctx context.Context, id string) (*domain.QueueEntry, error) {
	return q.repo.GetByID(ctx, nil, id)
}

// GetTx is Get inside tx.
func (q *SyncQueue) GetTx(ctx context.Context, tx Transaction, id string) (*domain.QueueEntry, error) {
	return q.repo.GetByID(ctx, tx, id)
}

// ListByStatus lists entries in any of the given states.
func (q *SyncQueue) ListByStatus(ctx context.Context, statuses ...domain.QueueStatus) ([]*domain.QueueEntry, error) {
	return q.repo.ListByStatus(ctx, nil, statuses...)
}

func (q *SyncQueue) transition(ctx context.Context, tx Transaction, id string, to domain.QueueStatus, mutate func(e *domain.QueueEntry)) (*domain.QueueEntry, error) {
	e, err := q.repo.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !e.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s (entry %s)", domain.ErrInvalidTransition, e.Status, to, id)
	}
	e.Status = to
	e.UpdatedAt = q.clock.Now()
	if mutate != nil {
		mutate(e)
	}
	if err := q.repo.Update(ctx, tx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkProcessingTx claims an entry for a batch. A retryable failed entry
// passes through pending on the way.
func (q *SyncQueue) MarkProcessingTx(ctx context.Context, tx Transaction, id, batchID string) (*domain.QueueEntry, error) {
	e, err := q.repo.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == domain.QueueStatusFailed {
		if e.Permanent {
			return nil, fmt.Errorf("%w: entry %s failed permanently", domain.ErrInvalidTransition, id)
		}
		if _, err := q.transition(ctx, tx, id, domain.QueueStatusPending, nil); err != nil {
			return nil, err
		}
	}
	return q.transition(ctx, tx, id, domain.QueueStatusProcessing, func(e *domain.QueueEntry) {
		e.BatchID = batchID
	})
}

// MarkSyncedTx records the server acknowledgement.
func (q *SyncQueue) MarkSyncedTx(ctx context.Context, tx Transaction, id string) (*domain.QueueEntry, error) {
	return q.transition(ctx, tx, id, domain.QueueStatusSynced, func(e *domain.QueueEntry) {
		syncedAt := e.UpdatedAt
		e.SyncedAt = &syncedAt
		e.LastError = ""
	})
}

// MarkFailed records a failed attempt in its own transaction.
func (q *SyncQueue) MarkFailed(ctx context.Context, id string, cause error) (*domain.QueueEntry, error) {
	return Atomic(ctx, q.tm, q.retrier, func(tx Transaction) (*domain.QueueEntry, error) {
		return q.MarkFailedTx(ctx, tx, id, cause)
	})
}

// MarkFailedTx increments the retry count and schedules the next attempt
// with exponential backoff. Integrity and validation failures fail
// permanently, as does an entry whose retries exceed MaxRetries.
func (q *SyncQueue) MarkFailedTx(ctx context.Context, tx Transaction, id string, cause error) (*domain.QueueEntry, error) {
	e, err := q.transition(ctx, tx, id, domain.QueueStatusFailed, func(e *domain.QueueEntry) {
		e.RetryCount++
		if cause != nil {
			e.LastError = cause.Error()
		}
		if isTerminal(cause) || e.RetryCount > q.cfg.MaxRetries {
			e.Permanent = true
			e.NextRetryAt = e.UpdatedAt
			return
		}
		e.NextRetryAt = e.UpdatedAt.Add(q.Backoff(e.RetryCount - 1))
	})
	if err != nil {
		return nil, err
	}

	if q.metrics != nil {
		q.metrics.OperationsFailed.WithLabelValues(string(e.Operation.EntityType), fmt.Sprint(e.Permanent)).Inc()
	}
	ev := q.logger.Warn()
	if e.Permanent {
		ev = q.logger.Error()
	}
	ev.Err(cause).
		Str("entry_id", id).
		Int("retry_count", e.RetryCount).
		Bool("permanent", e.Permanent).
		Time("next_retry_at", e.NextRetryAt).
		Msg("queue entry failed")

	return e, nil
}

// FailPermanentlyTx ends an entry without further retries, e.g. when the
// server's version won a conflict.
func (q *SyncQueue) FailPermanentlyTx(ctx context.Context, tx Transaction, id, reason string) (*domain.QueueEntry, error) {
	return q.transition(ctx, tx, id, domain.QueueStatusFailed, func(e *domain.QueueEntry) {
		e.Permanent = true
		e.LastError = reason
		e.NextRetryAt = e.UpdatedAt
	})
}

func isTerminal(err error) bool {
	return errors.Is(err, domain.ErrIntegrityFailure) || errors.Is(err, domain.ErrValidationFailure)
}

// MarkConflictTx holds an entry until its conflict is resolved.
func (q *SyncQueue) MarkConflictTx(ctx context.Context, tx Transaction, id, reason string) (*domain.QueueEntry, error) {
	return q.transition(ctx, tx, id, domain.QueueStatusConflict, func(e *domain.QueueEntry) {
		e.LastError = reason
	})
}

// RequeueTx returns a processing entry to pending without counting a retry.
func (q *SyncQueue) RequeueTx(ctx context.Context, tx Transaction, id string) (*domain.QueueEntry, error) {
	return q.transition(ctx, tx, id, domain.QueueStatusPending, nil)
}

// PostponeTx pushes back a pending or processing entry without counting a
// retry. Used when a dependency has not reached the server yet.
func (q *SyncQueue) PostponeTx(ctx context.Context, tx Transaction, id string, delay time.Duration) (*domain.QueueEntry, error) {
	e, err := q.repo.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.QueueStatusPending && e.Status != domain.QueueStatusProcessing {
		return nil, fmt.Errorf("%w: cannot postpone %s entry %s", domain.ErrInvalidTransition, e.Status, id)
	}
	now := q.clock.Now()
	e.Status = domain.QueueStatusPending
	e.NextRetryAt = now.Add(delay)
	e.UpdatedAt = now
	if err := q.repo.Update(ctx, tx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ReleaseTx moves a conflicted entry back to pending after resolution.
// A non-nil override replaces what is transmitted; the original operation
// is kept as it was.
func (q *SyncQueue) ReleaseTx(ctx context.Context, tx Transaction, id string, override *domain.OperationOverride) (*domain.QueueEntry, error) {
	return q.transition(ctx, tx, id, domain.QueueStatusPending, func(e *domain.QueueEntry) {
		if override != nil {
			e.Override = override
		}
		e.LastError = ""
		e.NextRetryAt = e.UpdatedAt
	})
}

// AttachOverrideTx stores an override without changing the entry status.
func (q *SyncQueue) AttachOverrideTx(ctx context.Context, tx Transaction, id string, override *domain.OperationOverride) (*domain.QueueEntry, error) {
	e, err := q.repo.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	e.Override = override
	e.UpdatedAt = q.clock.Now()
	if err := q.repo.Update(ctx, tx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// DependencyState splits the dependencies of op into those that failed
// permanently and those that have not been synced yet. Dependencies are
// operation ids; unknown ids are treated as already on the server.
func (q *SyncQueue) DependencyState(ctx context.Context, tx Transaction, op *domain.SyncOperation) (failed, waiting []string, err error) {
	for _, dep := range op.DependsOn {
		e, err := q.repo.GetByOperationID(ctx, tx, dep)
		if errors.Is(err, domain.ErrQueueEntryNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		switch {
		case e.Status == domain.QueueStatusSynced:
		case e.Status == domain.QueueStatusFailed && e.Permanent:
			failed = append(failed, dep)
		default:
			waiting = append(waiting, dep)
		}
	}
	return failed, waiting, nil
}

// SaveCheckpoint records sync progress.
func (q *SyncQueue) SaveCheckpoint(ctx context.Context, runID string, synced, pending []string, resumeFrom string) (*domain.Checkpoint, error) {
	return Atomic(ctx, q.tm, q.retrier, func(tx Transaction) (*domain.Checkpoint, error) {
		return q.SaveCheckpointTx(ctx, tx, runID, synced, pending, resumeFrom)
	})
}

// SaveCheckpointTx is SaveCheckpoint inside tx.
func (q *SyncQueue) SaveCheckpointTx(ctx context.Context, tx Transaction, runID string, synced, pending []string, resumeFrom string) (*domain.Checkpoint, error) {
	cp := &domain.Checkpoint{
		ID:         q.idGen.Generate(),
		RunID:      runID,
		Synced:     append([]string(nil), synced...),
		Pending:    append([]string(nil), pending...),
		ResumeFrom: resumeFrom,
		CreatedAt:  q.clock.Now(),
	}
	if err := q.checkpoints.Save(ctx, tx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	return cp, nil
}

// GetLastCheckpoint returns the newest checkpoint or nil.
func (q *SyncQueue) GetLastCheckpoint(ctx context.Context) (*domain.Checkpoint, error) {
	return q.checkpoints.Last(ctx, nil)
}

// ClearCheckpoint drops all checkpoints.
func (q *SyncQueue) ClearCheckpoint(ctx context.Context) error {
	return q.checkpoints.Clear(ctx, nil)
}

// Stats counts entries by status and refreshes the queue depth gauge.
func (q *SyncQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats, err := q.repo.Stats(ctx, nil)
	if err != nil {
		return domain.QueueStats{}, err
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(string(domain.QueueStatusPending)).Set(float64(stats.Pending))
		q.metrics.QueueDepth.WithLabelValues(string(domain.QueueStatusProcessing)).Set(float64(stats.Processing))
		q.metrics.QueueDepth.WithLabelValues(string(domain.QueueStatusFailed)).Set(float64(stats.Failed))
		q.metrics.QueueDepth.WithLabelValues(string(domain.QueueStatusConflict)).Set(float64(stats.Conflict))
	}
	return stats, nil
}

// RecoverStale returns entries left in processing by an interrupted run to
// pending. It must only run while no sync is active.
func (q *SyncQueue) RecoverStale(ctx context.Context) (int, error) {
	return Atomic(ctx, q.tm, q.retrier, func(tx Transaction) (int, error) {
		stale, err := q.repo.ListByStatus(ctx, tx, domain.QueueStatusProcessing)
		if err != nil {
			return 0, err
		}
		for _, e := range stale {
			if _, err := q.RequeueTx(ctx, tx, e.ID); err != nil {
				return 0, err
			}
		}
		if len(stale) > 0 {
			q.logger.Info().Int("count", len(stale)).Msg("recovered stale queue entries")
		}
		return len(stale), nil
	})
}
