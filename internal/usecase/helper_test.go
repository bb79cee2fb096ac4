package usecase_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iho/offledger/internal/adapter/repository/sqlite"
	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
	localdb "github.com/iho/offledger/internal/infrastructure/sqlite"
	"github.com/iho/offledger/internal/usecase"
	"github.com/iho/offledger/internal/usecase/mocks"
)

const testDevice = "dev-a"

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// harness wires every use case against one in-memory local store.
type harness struct {
	db       *sql.DB
	clock    *mocks.FakeClock
	ids      *mocks.MockIDGenerator
	events   *mocks.EventRecorder
	metrics  *metrics.Metrics
	remote   *mocks.FakeRemote
	sessions *mocks.FakeSessionStore
	registry *mocks.FakeLockRegistry

	records     *sqlite.RecordRepository
	queueRepo   *sqlite.QueueRepository
	conflicts   *sqlite.ConflictRepository
	snapshots   *sqlite.SnapshotRepository
	checkpoints *sqlite.CheckpointRepository
	auditRepo   *sqlite.AuditRepository
	tm          *sqlite.TxManager

	audit    *usecase.AuditTrail
	ledger   *usecase.LedgerStore
	detector *usecase.DuplicateDetector
	queue    *usecase.SyncQueue
	resolver *usecase.ConflictResolver
	locks    *usecase.LockManager
	engine   *usecase.SyncEngine
	entries  *usecase.EntryUseCase
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	noDetector bool
	guard      usecase.WriteGuard
	queue      usecase.QueueConfig
	engine     usecase.EngineConfig
}

func withoutDuplicateDetection() harnessOption {
	return func(c *harnessConfig) { c.noDetector = true }
}

func withGuard(g usecase.WriteGuard) harnessOption {
	return func(c *harnessConfig) { c.guard = g }
}

func withBatchSize(n int) harnessOption {
	return func(c *harnessConfig) { c.engine.BatchSize = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{
		queue:  usecase.QueueConfig{MaxRetries: 3, BackoffBase: time.Second, BackoffCap: time.Minute},
		engine: usecase.EngineConfig{BatchSize: 10, DependencyDelay: time.Second},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := localdb.Open(context.Background(), localdb.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		db:       db,
		clock:    mocks.NewFakeClock(testEpoch),
		ids:      mocks.NewMockIDGenerator(),
		events:   mocks.NewEventRecorder(),
		metrics:  metrics.New(prometheus.NewRegistry()),
		remote:   mocks.NewFakeRemote(),
		sessions: mocks.NewFakeSessionStore(domain.RemoteSession{Token: "token-1", UserID: "alice", DeviceID: testDevice}),

		records:     sqlite.NewRecordRepository(db, nil),
		queueRepo:   sqlite.NewQueueRepository(db, nil),
		conflicts:   sqlite.NewConflictRepository(db, nil),
		snapshots:   sqlite.NewSnapshotRepository(db, nil),
		checkpoints: sqlite.NewCheckpointRepository(db),
		auditRepo:   sqlite.NewAuditRepository(db),
		tm:          sqlite.NewTxManager(db),
	}
	h.remote.Now = h.clock.Now
	h.registry = mocks.NewFakeLockRegistry(h.clock.Now)

	logger := zerolog.Nop()
	retrier := mocks.NoRetry{}

	h.audit = usecase.NewAuditTrail(h.auditRepo, h.tm, retrier, h.ids, h.clock, h.events, h.metrics, logger, testDevice)
	h.ledger = usecase.NewLedgerStore(h.records, h.audit, cfg.guard, h.tm, retrier, h.ids, h.clock, h.events, h.metrics, logger, testDevice)
	if !cfg.noDetector {
		h.detector = usecase.NewDuplicateDetector(h.queueRepo, usecase.DefaultDuplicateConfig())
	}
	h.queue = usecase.NewSyncQueue(h.queueRepo, h.checkpoints, h.detector, h.tm, retrier, h.ids, h.clock, h.metrics, logger, cfg.queue)
	h.resolver = usecase.NewConflictResolver(h.conflicts, h.snapshots, h.queue, h.ledger, h.audit, h.tm, retrier, h.ids, h.clock, h.events, h.metrics, logger)
	h.locks = usecase.NewLockManager(sqlite.NewLockRepository(db), h.tm, retrier, h.clock, h.events, h.metrics, logger, testDevice, time.Hour)
	h.engine = usecase.NewSyncEngine(h.queue, h.resolver, h.ledger, h.audit, h.snapshots, h.remote, h.sessions,
		h.locks, h.registry, h.tm, retrier, h.ids, h.clock, h.events, h.metrics, logger, cfg.engine)
	h.entries = usecase.NewEntryUseCase(h.ledger, h.queue, h.resolver, h.snapshots, h.tm, retrier, h.clock, logger)

	return h
}

// payment builds a balanced two-line payment of amount on 2026-03-14.
func payment(counterparty, amount string) *domain.FinancialRecord {
	a := decimal.RequireFromString(amount)
	return &domain.FinancialRecord{
		EntityType:   domain.EntityPayment,
		Reference:    "INV-" + counterparty,
		Description:  "payment to " + counterparty,
		Counterparty: counterparty,
		Currency:     "EUR",
		Date:         time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Lines: []domain.Line{
			{AccountCode: "6000", Debit: a},
			{AccountCode: "1200", Credit: a},
		},
	}
}

// journal builds a balanced journal entry; journals skip duplicate detection.
func journal(n int) *domain.FinancialRecord {
	r := payment(fmt.Sprintf("party-%03d", n), fmt.Sprintf("%d.00", 100+n))
	r.EntityType = domain.EntityJournal
	r.Reference = fmt.Sprintf("JE-%03d", n)
	return r
}

func (h *harness) create(t *testing.T, r *domain.FinancialRecord) *usecase.EntryResult {
	t.Helper()

	res, err := h.entries.CreateEntry(context.Background(), usecase.CreateEntryInput{Record: r, Actor: "alice"})
	require.NoError(t, err)
	return res
}

func (h *harness) queueEntry(t *testing.T, id string) *domain.QueueEntry {
	t.Helper()

	e, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) stats(t *testing.T) domain.QueueStats {
	t.Helper()

	s, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	return s
}
