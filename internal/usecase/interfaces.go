package usecase

import (
	"context"
	"time"

	"github.com/iho/offledger/internal/domain"
)

// RecordFilter selects records by their plaintext index columns.
type RecordFilter struct {
	EntityType       domain.EntityType
	Status           domain.SyncStatus
	DateFrom         *time.Time
	DateTo           *time.Time
	IncludeCorrupted bool
}

// RecordRepository defines data access for financial records and their lines.
// Header and lines are written separately so both land in one transaction.
type RecordRepository interface {
	InsertHeader(ctx context.Context, tx Transaction, record *domain.FinancialRecord) error
	UpdateHeader(ctx context.Context, tx Transaction, record *domain.FinancialRecord) error
	InsertLines(ctx context.Context, tx Transaction, recordID string, lines []domain.Line) error
	ReplaceLines(ctx context.Context, tx Transaction, recordID string, lines []domain.Line) error
	GetByID(ctx context.Context, tx Transaction, id string) (*domain.FinancialRecord, error)
	SetStatus(ctx context.Context, tx Transaction, id string, status domain.SyncStatus, updatedAt time.Time) error
	Delete(ctx context.Context, tx Transaction, id string) error
	ListIDs(ctx context.Context, tx Transaction, filter RecordFilter) ([]string, error)
}

// AuditRepository defines data access for the hash-chained audit log.
type AuditRepository interface {
	Append(ctx context.Context, tx Transaction, entry *domain.AuditEntry) error
	// Last returns nil, nil on an empty log.
	Last(ctx context.Context, tx Transaction) (*domain.AuditEntry, error)
	List(ctx context.Context, tx Transaction, filter domain.AuditFilter) ([]*domain.AuditEntry, error)
	All(ctx context.Context, tx Transaction) ([]domain.AuditEntry, error)
}

// QueueRepository defines data access for sync queue entries.
type QueueRepository interface {
	// Insert assigns entry.Seq.
	Insert(ctx context.Context, tx Transaction, entry *domain.QueueEntry) error
	Update(ctx context.Context, tx Transaction, entry *domain.QueueEntry) error
	GetByID(ctx context.Context, tx Transaction, id string) (*domain.QueueEntry, error)
	GetByOperationID(ctx context.Context, tx Transaction, operationID string) (*domain.QueueEntry, error)
	Ready(ctx context.Context, tx Transaction, now time.Time, limit int) ([]*domain.QueueEntry, error)
	ListByStatus(ctx context.Context, tx Transaction, statuses ...domain.QueueStatus) ([]*domain.QueueEntry, error)
	Stats(ctx context.Context, tx Transaction) (domain.QueueStats, error)
}

// CheckpointRepository persists sync progress markers.
type CheckpointRepository interface {
	Save(ctx context.Context, tx Transaction, cp *domain.Checkpoint) error
	// Last returns nil, nil when no checkpoint exists.
	Last(ctx context.Context, tx Transaction) (*domain.Checkpoint, error)
	Clear(ctx context.Context, tx Transaction) error
}

// SnapshotRepository keeps the last known server copy of each entity.
type SnapshotRepository interface {
	Save(ctx context.Context, tx Transaction, snapshot *domain.Snapshot) error
	// Get returns nil, nil when no snapshot exists.
	Get(ctx context.Context, tx Transaction, entityType domain.EntityType, entityID string) (*domain.Snapshot, error)
	Delete(ctx context.Context, tx Transaction, entityType domain.EntityType, entityID string) error
}

// ConflictRepository defines data access for detected conflicts.
type ConflictRepository interface {
	Insert(ctx context.Context, tx Transaction, conflict *domain.DataConflict) error
	GetByID(ctx context.Context, tx Transaction, id string) (*domain.DataConflict, error)
	SaveResolution(ctx context.Context, tx Transaction, resolution *domain.ConflictResolution) error
	ListUnresolved(ctx context.Context, tx Transaction) ([]*domain.DataConflict, error)
	ListByQueueEntry(ctx context.Context, tx Transaction, queueEntryID string) ([]*domain.DataConflict, error)
}

// LockRepository defines data access for local advisory locks.
type LockRepository interface {
	Upsert(ctx context.Context, tx Transaction, lock *domain.OfflineLock) error
	// Get returns nil, nil when the resource is not locked.
	Get(ctx context.Context, tx Transaction, resource string) (*domain.OfflineLock, error)
	Delete(ctx context.Context, tx Transaction, resource string) error
	List(ctx context.Context, tx Transaction) ([]*domain.OfflineLock, error)
	DeleteExpired(ctx context.Context, tx Transaction, now time.Time) ([]string, error)
}

// StorageEstimator reports how many bytes the local store occupies.
type StorageEstimator interface {
	UsageBytes(ctx context.Context) (int64, error)
}

// RemoteBackend is the authoritative server the engine pushes operations to.
type RemoteBackend interface {
	ProcessOperation(ctx context.Context, session domain.RemoteSession, req domain.OperationRequest) (*domain.OperationResult, error)
	FetchState(ctx context.Context, session domain.RemoteSession, entityType domain.EntityType, entityID string) (*domain.RemoteState, error)
	Ping(ctx context.Context) error
}

// RemoteLockRegistry is the server-side view of collaboration locks.
type RemoteLockRegistry interface {
	AcquireLock(ctx context.Context, session domain.RemoteSession, lock domain.OfflineLock) (*domain.OfflineLock, error)
	ReleaseLock(ctx context.Context, session domain.RemoteSession, resource string) error
	// LockHolder returns nil, nil when nobody holds the resource.
	LockHolder(ctx context.Context, session domain.RemoteSession, resource string) (*domain.OfflineLock, error)
}

// SessionStore holds the current remote session.
type SessionStore interface {
	Current() domain.RemoteSession
	Set(session domain.RemoteSession)
	Clear()
}

// EventPublisher pushes core events to subscribers. Publishing never blocks.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// Transaction represents a database transaction.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionManager handles transaction lifecycle.
type TransactionManager interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Retrier retries an operation on transient storage errors.
type Retrier interface {
	Retry(ctx context.Context, operation func() error) error
}

// IDGenerator generates unique IDs.
type IDGenerator interface {
	Generate() string
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
