package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

func recordOp(r *domain.FinancialRecord, id string) domain.SyncOperation {
	r.ID = id
	return domain.SyncOperation{
		Type:       domain.OperationCreate,
		EntityType: r.EntityType,
		EntityID:   id,
		Payload:    &domain.RecordPayload{Record: r},
	}
}

func TestSyncQueue_EnqueueValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		op   domain.SyncOperation
	}{
		{name: "unknown type", op: domain.SyncOperation{Type: "UPSERT", EntityType: domain.EntityPayment, EntityID: "local_1"}},
		{name: "unknown entity", op: domain.SyncOperation{Type: domain.OperationCreate, EntityType: "loan", EntityID: "local_1"}},
		{name: "missing entity id", op: domain.SyncOperation{Type: domain.OperationCreate, EntityType: domain.EntityPayment}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.queue.Enqueue(ctx, tt.op)
			assert.ErrorIs(t, err, domain.ErrValidationFailure)
		})
	}
}

func TestSyncQueue_EnqueueFillsIdentity(t *testing.T) {
	h := newHarness(t)

	res, err := h.queue.Enqueue(context.Background(), recordOp(journal(1), "local_j1"))
	require.NoError(t, err)

	e := res.Entry
	assert.NotEmpty(t, e.Operation.ID)
	assert.NotEmpty(t, e.Operation.Checksum)
	assert.Equal(t, testEpoch, e.Operation.Timestamp)
	assert.Equal(t, domain.QueueStatusPending, e.Status)
	assert.Equal(t, domain.PriorityJournal, e.Priority)
	assert.NotZero(t, e.Seq)

	stored := h.queueEntry(t, e.ID)
	assert.Equal(t, e.Operation.Checksum, stored.Operation.Checksum)
	require.NotNil(t, stored.Operation.Record())
	assert.Equal(t, "JE-001", stored.Operation.Record().Reference)
}

func TestSyncQueue_DequeueOrdersByPriorityThenAge(t *testing.T) {
	h := newHarness(t, withoutDuplicateDetection())
	ctx := context.Background()

	attachment := domain.SyncOperation{
		Type:       domain.OperationCreate,
		EntityType: domain.EntityAttachment,
		EntityID:   "att_1",
		Payload:    &domain.AttachmentPayload{RecordID: "pay_1", FileName: "receipt.pdf", ContentType: "application/pdf", Size: 2048},
	}
	_, err := h.queue.Enqueue(ctx, attachment)
	require.NoError(t, err)

	_, err = h.queue.Enqueue(ctx, recordOp(journal(1), "je_1"))
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.queue.Enqueue(ctx, recordOp(payment("ACME GmbH", "10.00"), "pay_1"))
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.queue.Enqueue(ctx, recordOp(payment("Globex", "20.00"), "pay_2"))
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, recordOp(journal(2), "je_2"))
	require.NoError(t, err)

	batch, err := h.queue.Dequeue(ctx, 10)
	require.NoError(t, err)

	got := make([]string, 0, len(batch))
	for _, e := range batch {
		got = append(got, e.Operation.EntityID)
	}
	assert.Equal(t, []string{"pay_1", "pay_2", "je_1", "je_2", "att_1"}, got)

	batch, err = h.queue.Dequeue(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestSyncQueue_BackoffIsMonotonicAndCapped(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, time.Second, h.queue.Backoff(0))
	assert.Equal(t, 2*time.Second, h.queue.Backoff(1))
	assert.Equal(t, 8*time.Second, h.queue.Backoff(3))

	prev := time.Duration(0)
	for n := 0; n < 80; n++ {
		d := h.queue.Backoff(n)
		assert.GreaterOrEqual(t, d, prev, "backoff(%d)", n)
		assert.LessOrEqual(t, d, time.Minute, "backoff(%d)", n)
		prev = d
	}
	assert.Equal(t, time.Minute, h.queue.Backoff(80))
}

func claim(t *testing.T, h *harness, id string) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, usecase.AtomicDo(ctx, h.tm, nil, func(tx usecase.Transaction) error {
		_, err := h.queue.MarkProcessingTx(ctx, tx, id, "batch-1")
		return err
	}))
}

func TestSyncQueue_FailureSchedulesRetryUntilPermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.queue.Enqueue(ctx, recordOp(journal(1), "je_1"))
	require.NoError(t, err)
	id := res.Entry.ID

	netErr := fmt.Errorf("%w: connection reset", domain.ErrTransientNetwork)

	claim(t, h, id)
	failed, err := h.queue.MarkFailed(ctx, id, netErr)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.False(t, failed.Permanent)
	assert.Equal(t, testEpoch.Add(time.Second), failed.NextRetryAt)
	assert.Contains(t, failed.LastError, "connection reset")

	batch, err := h.queue.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "not due before its backoff")

	h.clock.Advance(time.Second)
	batch, err = h.queue.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	claim(t, h, id)
	failed, err = h.queue.MarkFailed(ctx, id, netErr)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(2*time.Second), failed.NextRetryAt)

	h.clock.Advance(2 * time.Second)
	claim(t, h, id)
	failed, err = h.queue.MarkFailed(ctx, id, netErr)
	require.NoError(t, err)
	assert.Equal(t, 3, failed.RetryCount)
	assert.False(t, failed.Permanent, "the last retry is still scheduled")
	assert.Equal(t, h.clock.Now().Add(4*time.Second), failed.NextRetryAt)

	h.clock.Advance(4 * time.Second)
	claim(t, h, id)
	failed, err = h.queue.MarkFailed(ctx, id, netErr)
	require.NoError(t, err)
	assert.Equal(t, 4, failed.RetryCount)
	assert.True(t, failed.Permanent, "retries exceeded")

	h.clock.Advance(time.Hour)
	batch, err = h.queue.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "permanent failures are never dequeued")

	err = usecase.AtomicDo(ctx, h.tm, nil, func(tx usecase.Transaction) error {
		_, err := h.queue.MarkProcessingTx(ctx, tx, id, "batch-2")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stats := h.stats(t)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.PermanentFailed)
	assert.Zero(t, stats.Outstanding())
}

func TestSyncQueue_ValidationFailuresAreNeverRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.queue.Enqueue(ctx, recordOp(journal(1), "je_1"))
	require.NoError(t, err)

	claim(t, h, res.Entry.ID)
	failed, err := h.queue.MarkFailed(ctx, res.Entry.ID, fmt.Errorf("%w: rejected by server", domain.ErrValidationFailure))
	require.NoError(t, err)
	assert.True(t, failed.Permanent)
	assert.Equal(t, 1, failed.RetryCount)
}

func TestSyncQueue_InvalidTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.queue.Enqueue(ctx, recordOp(journal(1), "je_1"))
	require.NoError(t, err)

	err = usecase.AtomicDo(ctx, h.tm, nil, func(tx usecase.Transaction) error {
		_, err := h.queue.MarkSyncedTx(ctx, tx, res.Entry.ID)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending cannot jump to synced")

	err = usecase.AtomicDo(ctx, h.tm, nil, func(tx usecase.Transaction) error {
		_, err := h.queue.MarkSyncedTx(ctx, tx, "missing")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrQueueEntryNotFound)
}

func TestSyncQueue_RecoverStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.queue.Enqueue(ctx, recordOp(journal(1), "je_1"))
	require.NoError(t, err)
	claim(t, h, res.Entry.ID)
	assert.Equal(t, 1, h.stats(t).Processing)

	n, err := h.queue.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e := h.queueEntry(t, res.Entry.ID)
	assert.Equal(t, domain.QueueStatusPending, e.Status)
	assert.Zero(t, e.RetryCount)
}

func TestSyncQueue_DependencyState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent, err := h.queue.Enqueue(ctx, recordOp(journal(1), "je_1"))
	require.NoError(t, err)
	parentOp := parent.Entry.Operation.ID

	child := recordOp(journal(2), "je_2")
	child.DependsOn = []string{parentOp, "already-on-server"}

	failed, waiting, err := h.queue.DependencyState(ctx, nil, &child)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, []string{parentOp}, waiting)

	require.NoError(t, usecase.AtomicDo(ctx, h.tm, nil, func(tx usecase.Transaction) error {
		_, err := h.queue.FailPermanentlyTx(ctx, tx, parent.Entry.ID, "rejected")
		return err
	}))

	failed, waiting, err = h.queue.DependencyState(ctx, nil, &child)
	require.NoError(t, err)
	assert.Equal(t, []string{parentOp}, failed)
	assert.Empty(t, waiting)
}

func TestSyncQueue_Checkpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cp, err := h.queue.GetLastCheckpoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)

	_, err = h.queue.SaveCheckpoint(ctx, "run-1", []string{"a"}, []string{"b", "c"}, "b")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.queue.SaveCheckpoint(ctx, "run-1", []string{"a", "b"}, []string{"c"}, "c")
	require.NoError(t, err)

	cp, err = h.queue.GetLastCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "c", cp.ResumeFrom)
	assert.Equal(t, []string{"a", "b"}, cp.Synced)
	assert.True(t, cp.IsSynced("b"))

	require.NoError(t, h.queue.ClearCheckpoint(ctx))
	cp, err = h.queue.GetLastCheckpoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSyncQueue_RollbackDropsEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := usecase.AtomicDo(ctx, h.tm, nil, func(tx usecase.Transaction) error {
		if _, err := h.queue.EnqueueTx(ctx, tx, recordOp(journal(1), "je_1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, h.stats(t).Pending)
}
