package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/adapter/remote"
	"github.com/iho/offledger/internal/adapter/repository/sqlite"
	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/auth"
	"github.com/iho/offledger/internal/infrastructure/config"
	"github.com/iho/offledger/internal/infrastructure/eventpublisher"
	"github.com/iho/offledger/internal/infrastructure/logger"
	"github.com/iho/offledger/internal/infrastructure/logging"
	"github.com/iho/offledger/internal/infrastructure/metrics"
	localdb "github.com/iho/offledger/internal/infrastructure/sqlite"
	"github.com/iho/offledger/internal/infrastructure/vault"
	"github.com/iho/offledger/internal/usecase"
)

// metaDeviceID is the metadata key of the generated device identity.
const metaDeviceID = "device.id"

// app is the wired client core for one CLI invocation.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	deviceID string
	log      zerolog.Logger
	slog     *logging.Logger

	bus      *eventpublisher.Bus
	metrics  *metrics.Metrics
	meta     *sqlite.MetadataRepository
	vault    *vault.Vault
	sessions *auth.SessionStore
	remote   *remote.Client

	audit    *usecase.AuditTrail
	ledger   *usecase.LedgerStore
	queue    *usecase.SyncQueue
	resolver *usecase.ConflictResolver
	locks    *usecase.LockManager
	quota    *usecase.QuotaMonitor
	engine   *usecase.SyncEngine
	entries  *usecase.EntryUseCase
	recon    *usecase.Reconciler
}

// openApp opens the local store and wires every use case. The vault is left
// locked; callers unlock or initialize it.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := localdb.Open(ctx, cfg.LocalDBPath)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		db:      db,
		log:     logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr}),
		slog:    logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat),
		metrics: metrics.New(prometheus.NewRegistry()),
		meta:    sqlite.NewMetadataRepository(db),
	}
	a.bus = eventpublisher.NewBus(a.slog.Logger, a.metrics)

	a.deviceID, err = resolveDeviceID(ctx, a.meta, cfg.DeviceID)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.log = a.log.With().Str("device_id", a.deviceID).Logger()

	store := sqlite.NewStore(db)
	a.vault = vault.New(vault.Config{
		Iterations:  cfg.KDFIterations,
		MaxAttempts: cfg.MaxUnlockAttempts,
		Lockout:     cfg.UnlockLockout,
		AutoLock:    cfg.AutoLockTimeout,
	}, a.meta, store, a.bus, vault.WithMetrics(a.metrics))
	a.sessions = auth.NewSessionStore(a.meta, a.vault)

	a.remote, err = remote.New(remote.Config{
		BaseURL:    cfg.RemoteURL,
		APIKey:     cfg.RemoteAPIKey,
		Timeout:    cfg.RemoteTimeout,
		MaxRetries: cfg.RemoteMaxRetries,
	}, a.metrics)
	if err != nil {
		db.Close()
		return nil, err
	}

	tm := sqlite.NewTxManager(db)
	retrier := sqlite.NewRetrier(a.metrics)
	ids := sqlite.NewULIDGenerator()
	clock := usecase.SystemClock{}

	records := sqlite.NewRecordRepository(db, a.vault)
	queueRepo := sqlite.NewQueueRepository(db, a.vault)
	snapshots := sqlite.NewSnapshotRepository(db, a.vault)

	a.quota = usecase.NewQuotaMonitor(store, usecase.QuotaConfig{
		QuotaBytes:    cfg.StorageQuotaBytes,
		WarningRatio:  cfg.StorageWarning,
		CriticalRatio: cfg.StorageCritical,
	}, a.bus, a.metrics, a.log)
	a.audit = usecase.NewAuditTrail(sqlite.NewAuditRepository(db), tm, retrier, ids, clock, a.bus, a.metrics, a.log, a.deviceID)
	a.ledger = usecase.NewLedgerStore(records, a.audit, a.quota, tm, retrier, ids, clock, a.bus, a.metrics, a.log, a.deviceID)

	detector := usecase.NewDuplicateDetector(queueRepo, usecase.DuplicateConfig{
		Threshold:          cfg.DuplicateThreshold,
		CounterpartyWeight: cfg.DuplicateWeightCounterparty,
		AccountWeight:      cfg.DuplicateWeightAccount,
		AmountWeight:       cfg.DuplicateWeightAmount,
		DateWeight:         cfg.DuplicateWeightDate,
		AmountTolerance:    cfg.DuplicateAmountTolerance,
		DateWindow:         cfg.DuplicateDateWindow,
	})
	a.queue = usecase.NewSyncQueue(queueRepo, sqlite.NewCheckpointRepository(db), detector, tm, retrier, ids, clock, a.metrics, a.log, usecase.QueueConfig{
		MaxRetries:  cfg.SyncMaxRetries,
		BackoffBase: cfg.SyncBackoffBase,
		BackoffCap:  cfg.SyncBackoffCap,
	})
	a.resolver = usecase.NewConflictResolver(sqlite.NewConflictRepository(db, a.vault), snapshots, a.queue, a.ledger, a.audit, tm, retrier, ids, clock, a.bus, a.metrics, a.log)
	a.locks = usecase.NewLockManager(sqlite.NewLockRepository(db), tm, retrier, clock, a.bus, a.metrics, a.log, a.deviceID, cfg.LockTTL)
	a.engine = usecase.NewSyncEngine(a.queue, a.resolver, a.ledger, a.audit, snapshots, a.remote, a.sessions,
		a.locks, a.remote, tm, retrier, ids, clock, a.bus, a.metrics, a.log, usecase.EngineConfig{BatchSize: cfg.SyncBatchSize})
	a.entries = usecase.NewEntryUseCase(a.ledger, a.queue, a.resolver, snapshots, tm, retrier, clock, a.log)
	a.recon = usecase.NewReconciler(a.ledger, a.audit, clock)

	return a, nil
}

// unlock opens the vault with secret and restores the persisted remote session.
func (a *app) unlock(ctx context.Context, secret []byte) error {
	ok, err := a.vault.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: run `offledger init` first", domain.ErrVaultNotInitialized)
	}
	if _, err := a.vault.Unlock(ctx, secret); err != nil {
		return err
	}
	if err := a.sessions.Restore(ctx); err != nil {
		a.log.Warn().Err(err).Msg("discarding unreadable remote session")
		a.sessions.Clear()
	}
	return nil
}

// Close locks the vault and closes the local store.
func (a *app) Close() error {
	a.vault.Close()
	return a.db.Close()
}

// resolveDeviceID returns the configured device ID, or the one generated on
// first use.
func resolveDeviceID(ctx context.Context, meta *sqlite.MetadataRepository, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	raw, err := meta.GetMetadata(ctx, metaDeviceID)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if len(raw) > 0 {
		return string(raw), nil
	}
	id := uuid.NewString()
	if err := meta.SetMetadata(ctx, metaDeviceID, []byte(id)); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	return id, nil
}

// relayEvents forwards bus events to sink until ctx ends. The returned
// function waits for the relay to drain.
func (a *app) relayEvents(ctx context.Context, sink eventpublisher.Sink, types ...string) func() {
	sub := a.bus.Subscribe(eventpublisher.DefaultBuffer, types...)
	relay := eventpublisher.NewRelay(sub, sink, a.slog.Logger)

	relayCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := relay.Start(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.slog.Error("event relay stopped", slog.String("error", err.Error()))
		}
	}()

	return func() {
		sub.Close()
		<-done
		cancel()
	}
}
