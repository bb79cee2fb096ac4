package usecase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/domain"
)

// EntryUseCase is the write path for financial entries: validate, persist
// locally, then enqueue the matching sync operation in the same transaction.
type EntryUseCase struct {
	ledger    *LedgerStore
	queue     *SyncQueue
	resolver  *ConflictResolver
	snapshots SnapshotRepository
	validator *domain.AccountingValidator
	tm        TransactionManager
	retrier   Retrier
	clock     Clock
	logger    zerolog.Logger
}

// NewEntryUseCase creates a new EntryUseCase.
func NewEntryUseCase(
	ledger *LedgerStore,
	queue *SyncQueue,
	resolver *ConflictResolver,
	snapshots SnapshotRepository,
	tm TransactionManager,
	retrier Retrier,
	clock Clock,
	logger zerolog.Logger,
) *EntryUseCase {
	return &EntryUseCase{
		ledger:    ledger,
		queue:     queue,
		resolver:  resolver,
		snapshots: snapshots,
		validator: domain.NewAccountingValidator(),
		tm:        tm,
		retrier:   retrier,
		clock:     clock,
		logger:    logger,
	}
}

// CreateEntryInput represents input for creating an entry.
type CreateEntryInput struct {
	Record    *domain.FinancialRecord
	Actor     string
	Draft     bool
	DependsOn []string
}

// EntryResult is the outcome of a write. Entry is nil for drafts; Conflicts
// lists suspected duplicates holding the entry.
type EntryResult struct {
	Record    *domain.FinancialRecord
	Entry     *domain.QueueEntry
	Conflicts []*domain.DataConflict
}

// CreateEntry validates and stores a record. Non-draft records are enqueued
// as CREATE operations; suspected duplicates hold the entry for review.
func (uc *EntryUseCase) CreateEntry(ctx context.Context, input CreateEntryInput) (*EntryResult, error) {
	if input.Record == nil {
		return nil, fmt.Errorf("%w: record is required", domain.ErrValidationFailure)
	}
	record := input.Record.Clone()
	switch {
	case input.Draft:
		record.SyncStatus = domain.SyncStatusLocalDraft
	case record.SyncStatus == "" || record.SyncStatus == domain.SyncStatusLocalDraft:
		record.SyncStatus = domain.SyncStatusPendingVerification
	}
	if err := uc.validator.Validate(record); err != nil {
		return nil, err
	}
	if err := uc.ledger.EnsureWritable(ctx); err != nil {
		return nil, err
	}

	result, err := Atomic(ctx, uc.tm, uc.retrier, func(tx Transaction) (*EntryResult, error) {
		created, err := uc.ledger.CreateTx(ctx, tx, record, input.Actor)
		if err != nil {
			return nil, err
		}
		if created.SyncStatus == domain.SyncStatusLocalDraft {
			return &EntryResult{Record: created}, nil
		}
		return uc.enqueueCreate(ctx, tx, created, input.DependsOn)
	})
	if err != nil {
		return nil, err
	}

	uc.announce(ctx, result)
	return result, nil
}

func (uc *EntryUseCase) enqueueCreate(ctx context.Context, tx Transaction, record *domain.FinancialRecord, dependsOn []string) (*EntryResult, error) {
	res, err := uc.queue.EnqueueTx(ctx, tx, domain.SyncOperation{
		Type:        domain.OperationCreate,
		EntityType:  record.EntityType,
		EntityID:    record.ID,
		Payload:     &domain.RecordPayload{Record: record},
		VectorClock: record.VectorClock.Clone(),
		DependsOn:   dependsOn,
	})
	if err != nil {
		return nil, err
	}

	result := &EntryResult{Record: record, Entry: res.Entry}
	if best := bestMatch(res.Duplicates); best != nil {
		c := domain.NewDataConflict(uc.queue.idGen.Generate(), domain.ConflictSemanticDuplicate, res.Entry, nil, uc.clock.Now())
		c.MatchScore = best.Score
		c.Reasons = best.Reasons
		c.DuplicateOf = best.Entry.ID
		if err := uc.resolver.RaiseTx(ctx, tx, res.Entry, []*domain.DataConflict{c}); err != nil {
			return nil, err
		}
		res.Entry.Status = domain.QueueStatusConflict
		record.SyncStatus = domain.SyncStatusConflict
		result.Conflicts = []*domain.DataConflict{c}
	}
	return result, nil
}

// PromoteDraft runs the full rule set on a draft and enqueues it.
func (uc *EntryUseCase) PromoteDraft(ctx context.Context, id, actor string) (*EntryResult, error) {
	result, err := Atomic(ctx, uc.tm, uc.retrier, func(tx Transaction) (*EntryResult, error) {
		current, err := uc.ledger.ReadTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.ErrRecordNotFound
		}
		if current.SyncStatus != domain.SyncStatusLocalDraft {
			return nil, fmt.Errorf("%w: record %s is not a draft", domain.ErrValidationFailure, id)
		}

		candidate := current.Clone()
		candidate.SyncStatus = domain.SyncStatusPendingVerification
		if err := uc.validator.Validate(candidate); err != nil {
			return nil, err
		}

		status := domain.SyncStatusPendingVerification
		_, promoted, err := uc.ledger.UpdateTx(ctx, tx, id, domain.RecordPatch{SyncStatus: &status}, actor)
		if err != nil {
			return nil, err
		}
		return uc.enqueueCreate(ctx, tx, promoted, nil)
	})
	if err != nil {
		return nil, err
	}

	uc.announce(ctx, result)
	return result, nil
}

// AmendEntry patches a record and enqueues an UPDATE carrying the new state.
// Drafts are only changed locally.
func (uc *EntryUseCase) AmendEntry(ctx context.Context, id string, patch domain.RecordPatch, actor string) (*EntryResult, error) {
	if err := uc.ledger.EnsureWritable(ctx); err != nil {
		return nil, err
	}

	return Atomic(ctx, uc.tm, uc.retrier, func(tx Transaction) (*EntryResult, error) {
		current, err := uc.ledger.ReadTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.ErrRecordNotFound
		}
		candidate := current.Clone()
		patch.Apply(candidate)
		if err := uc.validator.Validate(candidate); err != nil {
			return nil, err
		}

		_, updated, err := uc.ledger.UpdateTx(ctx, tx, id, patch, actor)
		if err != nil {
			return nil, err
		}
		if updated.SyncStatus == domain.SyncStatusLocalDraft {
			return &EntryResult{Record: updated}, nil
		}

		baseVersion, err := uc.baseVersion(ctx, tx, updated.EntityType, id)
		if err != nil {
			return nil, err
		}
		res, err := uc.queue.EnqueueTx(ctx, tx, domain.SyncOperation{
			Type:        domain.OperationUpdate,
			EntityType:  updated.EntityType,
			EntityID:    id,
			Payload:     &domain.RecordPayload{Record: updated},
			VectorClock: updated.VectorClock.Clone(),
			BaseVersion: baseVersion,
		})
		if err != nil {
			return nil, err
		}
		return &EntryResult{Record: updated, Entry: res.Entry}, nil
	})
}

// RemoveEntry deletes a record locally and, unless it never left the
// device as a draft, enqueues a DELETE.
func (uc *EntryUseCase) RemoveEntry(ctx context.Context, id, actor string) (*EntryResult, error) {
	return Atomic(ctx, uc.tm, uc.retrier, func(tx Transaction) (*EntryResult, error) {
		current, err := uc.ledger.ReadTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.ErrRecordNotFound
		}
		if err := uc.ledger.DeleteTx(ctx, tx, id, actor); err != nil {
			return nil, err
		}
		if current.SyncStatus == domain.SyncStatusLocalDraft {
			return &EntryResult{Record: current}, nil
		}

		baseVersion, err := uc.baseVersion(ctx, tx, current.EntityType, id)
		if err != nil {
			return nil, err
		}
		res, err := uc.queue.EnqueueTx(ctx, tx, domain.SyncOperation{
			Type:        domain.OperationDelete,
			EntityType:  current.EntityType,
			EntityID:    id,
			VectorClock: current.VectorClock.Clone().Increment(uc.ledger.deviceID),
			BaseVersion: baseVersion,
		})
		if err != nil {
			return nil, err
		}
		return &EntryResult{Record: current, Entry: res.Entry}, nil
	})
}

// GetEntry reads one record; nil when missing or quarantined.
func (uc *EntryUseCase) GetEntry(ctx context.Context, id string) (*domain.FinancialRecord, error) {
	return uc.ledger.Read(ctx, id)
}

// ListEntries queries the local store.
func (uc *EntryUseCase) ListEntries(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	return uc.ledger.Query(ctx, opts)
}

func (uc *EntryUseCase) baseVersion(ctx context.Context, tx Transaction, entityType domain.EntityType, id string) (int64, error) {
	snapshot, err := uc.snapshots.Get(ctx, tx, entityType, id)
	if err != nil || snapshot == nil {
		return 0, err
	}
	return snapshot.Version, nil
}

func (uc *EntryUseCase) announce(ctx context.Context, result *EntryResult) {
	if result == nil || len(result.Conflicts) == 0 {
		return
	}
	uc.resolver.Announce(ctx, result.Conflicts)
}
