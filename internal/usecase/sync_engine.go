package usecase

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// EngineConfig tunes the synchronization engine.
type EngineConfig struct {
	BatchSize int
	// DependencyDelay is how long an entry waits for an unsynced dependency.
	DependencyDelay time.Duration
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeConflict
	outcomeRebased
	outcomeDeferred
	outcomeWaiting
)

// SyncEngine drives the queue against the remote backend. At most one run
// is active; entry handling is sequential so pause and session expiry always
// stop between two entries.
type SyncEngine struct {
	queue     *SyncQueue
	resolver  *ConflictResolver
	ledger    *LedgerStore
	audit     *AuditTrail
	snapshots SnapshotRepository
	remote    RemoteBackend
	sessions  SessionStore
	locks     *LockManager
	registry  RemoteLockRegistry
	tm        TransactionManager
	retrier   Retrier
	idGen     IDGenerator
	clock     Clock
	events    EventPublisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	cfg       EngineConfig

	mu       sync.Mutex
	state    domain.SyncState
	running  bool
	pause    bool
	progress domain.Progress
	runStart time.Time
}

// NewSyncEngine creates a new SyncEngine. locks and registry may be nil to
// skip lock reconciliation.
func NewSyncEngine(
	queue *SyncQueue,
	resolver *ConflictResolver,
	ledger *LedgerStore,
	audit *AuditTrail,
	snapshots SnapshotRepository,
	remote RemoteBackend,
	sessions SessionStore,
	locks *LockManager,
	registry RemoteLockRegistry,
	tm TransactionManager,
	retrier Retrier,
	idGen IDGenerator,
	clock Clock,
	events EventPublisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
	cfg EngineConfig,
) *SyncEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DependencyDelay <= 0 {
		cfg.DependencyDelay = DefaultBackoffBase
	}
	return &SyncEngine{
		queue:     queue,
		resolver:  resolver,
		ledger:    ledger,
		audit:     audit,
		snapshots: snapshots,
		remote:    remote,
		sessions:  sessions,
		locks:     locks,
		registry:  registry,
		tm:        tm,
		retrier:   retrier,
		idGen:     idGen,
		clock:     clock,
		events:    events,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		state:     domain.SyncIdle,
	}
}

// State returns the current engine state.
func (e *SyncEngine) State() domain.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns the latest progress snapshot.
func (e *SyncEngine) Progress() domain.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// StartSync runs the queue to exhaustion. A call while a run is active
// returns immediately with AlreadyRunning set. A deferred engine refuses to
// start until ResumeOnLogin.
func (e *SyncEngine) StartSync(ctx context.Context) (*domain.SyncReport, error) {
	return e.begin(ctx, nil)
}

// ResumeOnLogin installs a fresh session and continues a deferred run from
// its checkpoint.
func (e *SyncEngine) ResumeOnLogin(ctx context.Context, session domain.RemoteSession) (*domain.SyncReport, error) {
	if session.IsExpired(e.clock.Now()) {
		return nil, domain.ErrNoRemoteSession
	}
	e.sessions.Set(session)

	e.mu.Lock()
	if e.state == domain.SyncDeferredSession {
		e.state = domain.SyncIdle
	}
	e.mu.Unlock()

	return e.Resume(ctx)
}

// Resume continues from the last checkpoint.
func (e *SyncEngine) Resume(ctx context.Context) (*domain.SyncReport, error) {
	cp, err := e.queue.GetLastCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	return e.begin(ctx, cp)
}

// Pause asks an active run to stop at the next safe point. Progress is kept.
func (e *SyncEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.pause = true
	}
}

// HandleConnectivity reacts to network transitions. Coming online starts a
// sync unless the engine waits for a login; going offline pauses.
func (e *SyncEngine) HandleConnectivity(ctx context.Context, online bool) (*domain.SyncReport, error) {
	if e.events != nil {
		e.events.Publish(ctx, domain.NewEvent(domain.EventConnectivityChanged, domain.SeverityLow,
			domain.ConnectivityEvent{Online: online}))
	}
	if !online {
		e.Pause()
		return nil, nil
	}
	if e.State() == domain.SyncDeferredSession {
		return nil, nil
	}
	if e.State() == domain.SyncPaused {
		return e.Resume(ctx)
	}
	return e.StartSync(ctx)
}

func (e *SyncEngine) begin(ctx context.Context, cp *domain.Checkpoint) (*domain.SyncReport, error) {
	e.mu.Lock()
	if e.running {
		report := &domain.SyncReport{AlreadyRunning: true, State: e.state, Progress: e.progress}
		e.mu.Unlock()
		return report, nil
	}
	if e.state == domain.SyncDeferredSession {
		e.mu.Unlock()
		return nil, domain.ErrSyncDeferred
	}
	e.running = true
	e.pause = false
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.pause = false
		e.mu.Unlock()
	}()

	report, err := e.run(ctx, cp)
	if e.metrics != nil && report != nil {
		e.metrics.SyncRuns.WithLabelValues(string(report.State)).Inc()
		e.metrics.SyncDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
	return report, err
}

// syncRun is the state of one sync pass.
type syncRun struct {
	id       string
	started  time.Time
	session  domain.RemoteSession
	synced   []string
	skip     map[string]bool
	attempts map[string]int
	rebased  map[string]bool
	batches  []string
}

func (e *SyncEngine) run(ctx context.Context, cp *domain.Checkpoint) (*domain.SyncReport, error) {
	r := &syncRun{
		id:       e.idGen.Generate(),
		started:  e.clock.Now(),
		skip:     map[string]bool{},
		attempts: map[string]int{},
		rebased:  map[string]bool{},
	}
	if cp != nil {
		for _, id := range cp.Synced {
			r.skip[id] = true
		}
	}

	log := e.logger.With().Str("sync_run_id", r.id).Logger()

	if _, err := e.queue.RecoverStale(ctx); err != nil {
		return e.fail(ctx, r, err)
	}
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return e.fail(ctx, r, err)
	}

	e.setProgress(ctx, domain.Progress{RunID: r.id, State: domain.SyncRunning, Total: stats.Outstanding()}, true)
	log.Info().Int("outstanding", stats.Outstanding()).Bool("resumed", cp != nil).Msg("sync started")

	if stats.Outstanding() == 0 {
		return e.finish(ctx, r, domain.SyncCompleted)
	}

	r.session = e.sessions.Current()
	if r.session.IsExpired(e.clock.Now()) {
		return e.deferRun(ctx, r, "", nil)
	}

	e.reconcileLocks(ctx, r.session)

	// The checkpointed resume point goes first.
	if cp != nil && cp.ResumeFrom != "" && !r.skip[cp.ResumeFrom] {
		entry, err := e.queue.Get(ctx, cp.ResumeFrom)
		switch {
		case errors.Is(err, domain.ErrQueueEntryNotFound):
		case err != nil:
			return e.fail(ctx, r, err)
		case entry.Status == domain.QueueStatusPending ||
			(entry.Status == domain.QueueStatusFailed && !entry.Permanent):
			batchID := e.idGen.Generate()
			r.batches = append(r.batches, batchID)
			if report, done, err := e.processBatch(ctx, r, batchID, []*domain.QueueEntry{entry}); done {
				return report, err
			}
		}
	}

	for {
		batch, err := e.queue.Dequeue(ctx, e.cfg.BatchSize)
		if err != nil {
			return e.fail(ctx, r, err)
		}

		todo := batch[:0]
		for _, entry := range batch {
			if r.skip[entry.ID] || r.attempts[entry.ID] >= 2 {
				continue
			}
			todo = append(todo, entry)
		}
		if len(todo) == 0 {
			break
		}

		batchID := e.idGen.Generate()
		r.batches = append(r.batches, batchID)
		if report, done, err := e.processBatch(ctx, r, batchID, todo); done {
			return report, err
		}
	}

	if err := e.queue.ClearCheckpoint(ctx); err != nil {
		return e.fail(ctx, r, err)
	}
	return e.finish(ctx, r, domain.SyncCompleted)
}

// processBatch handles entries in order and checkpoints afterwards. done is
// true when the run must stop.
func (e *SyncEngine) processBatch(ctx context.Context, r *syncRun, batchID string, entries []*domain.QueueEntry) (*domain.SyncReport, bool, error) {
	for i, entry := range entries {
		if e.pauseRequested() || ctx.Err() != nil {
			report, err := e.pauseRun(ctx, r, entry.ID, ids(entries[i:]))
			return report, true, err
		}

		e.updateProgress(ctx, func(p *domain.Progress) { p.Current = entry.ID })

		r.attempts[entry.ID]++
		out, err := e.processEntry(ctx, r, batchID, entry)
		if err != nil {
			report, err := e.fail(ctx, r, err)
			return report, true, err
		}

		switch out {
		case outcomeDeferred:
			report, err := e.deferRun(ctx, r, entry.ID, ids(entries[i+1:]))
			return report, true, err
		case outcomeSynced:
			r.synced = append(r.synced, entry.ID)
			r.skip[entry.ID] = true
			e.updateProgress(ctx, func(p *domain.Progress) { p.Processed++; p.Succeeded++ })
		case outcomeFailed:
			e.updateProgress(ctx, func(p *domain.Progress) { p.Processed++; p.Failed++ })
		case outcomeConflict:
			e.updateProgress(ctx, func(p *domain.Progress) { p.Processed++; p.Conflicts++ })
		case outcomeRebased, outcomeWaiting:
		}
	}

	if _, err := e.queue.SaveCheckpoint(ctx, r.id, r.synced, nil, ""); err != nil {
		report, err := e.fail(ctx, r, err)
		return report, true, err
	}
	return nil, false, nil
}

func (e *SyncEngine) processEntry(ctx context.Context, r *syncRun, batchID string, entry *domain.QueueEntry) (outcome, error) {
	log := e.logger.With().Str("sync_run_id", r.id).Str("entry_id", entry.ID).Logger()

	if r.session.IsExpired(e.clock.Now()) {
		return outcomeDeferred, nil
	}

	op := entry.Effective()
	failed, waiting, err := e.queue.DependencyState(ctx, nil, &op)
	if err != nil {
		return 0, err
	}
	if len(failed) > 0 {
		out, _, err := e.raise(ctx, entry, func(tx Transaction) ([]*domain.DataConflict, error) {
			return e.resolver.DetectConflicts(ctx, tx, entry, nil)
		})
		return out, err
	}
	if len(waiting) > 0 {
		if err := AtomicDo(ctx, e.tm, e.retrier, func(tx Transaction) error {
			_, err := e.queue.PostponeTx(ctx, tx, entry.ID, e.cfg.DependencyDelay)
			return err
		}); err != nil {
			return 0, err
		}
		log.Debug().Strs("waiting_on", waiting).Msg("entry postponed until dependencies sync")
		return outcomeWaiting, nil
	}

	claimed, err := Atomic(ctx, e.tm, e.retrier, func(tx Transaction) (*domain.QueueEntry, error) {
		return e.queue.MarkProcessingTx(ctx, tx, entry.ID, batchID)
	})
	if err != nil {
		return 0, err
	}

	req, snapshot, err := e.buildRequest(ctx, claimed)
	if err != nil {
		return e.failEntry(ctx, claimed, err)
	}

	started := time.Now()
	result, err := e.remote.ProcessOperation(ctx, r.session, req)
	e.observeRemote(started, err)

	var rejection *domain.RemoteConflictError
	switch {
	case err == nil:
		if err := e.commitSuccess(ctx, r, claimed, req, snapshot, result); err != nil {
			return 0, err
		}
		log.Debug().Str("operation_id", req.OperationID).Msg("operation synced")
		return outcomeSynced, nil

	case errors.Is(err, domain.ErrSessionExpired):
		if err := AtomicDo(ctx, e.tm, e.retrier, func(tx Transaction) error {
			_, err := e.queue.RequeueTx(ctx, tx, claimed.ID)
			return err
		}); err != nil {
			return 0, err
		}
		e.sessions.Clear()
		return outcomeDeferred, nil

	case errors.As(err, &rejection):
		out, conflicts, err := e.raise(ctx, claimed, func(tx Transaction) ([]*domain.DataConflict, error) {
			return e.resolver.RejectionConflicts(ctx, tx, claimed, rejection)
		})
		if err != nil || out != outcomeConflict || r.rebased[claimed.ID] {
			return out, err
		}
		return e.autoResolve(ctx, r, claimed, conflicts)

	default:
		return e.failEntry(ctx, claimed, err)
	}
}

func (e *SyncEngine) buildRequest(ctx context.Context, entry *domain.QueueEntry) (domain.OperationRequest, *domain.Snapshot, error) {
	op := entry.Effective()
	req := domain.OperationRequest{
		OperationID: op.ID,
		Type:        op.Type,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		BaseVersion: op.BaseVersion,
		VectorClock: op.VectorClock,
	}
	if op.Type == domain.OperationDelete {
		return req, nil, nil
	}

	fields, err := domain.PayloadFields(op.Payload)
	if err != nil {
		return req, nil, err
	}
	req.Payload = fields

	snapshot, err := e.snapshots.Get(ctx, nil, op.EntityType, op.EntityID)
	if err != nil {
		return req, nil, err
	}
	fullPayload := entry.Override != nil && entry.Override.FullPayload
	if op.Type == domain.OperationUpdate && snapshot != nil && !fullPayload {
		req.Payload = delta(fields, snapshot.Fields)
		req.Delta = true
	}
	return req, snapshot, nil
}

// delta keeps the fields that differ from the last server copy.
func delta(fields, base map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if bv, ok := base[k]; !ok || !reflect.DeepEqual(v, bv) {
			out[k] = v
		}
	}
	return out
}

func (e *SyncEngine) commitSuccess(ctx context.Context, r *syncRun, entry *domain.QueueEntry, req domain.OperationRequest, snapshot *domain.Snapshot, result *domain.OperationResult) error {
	if result == nil {
		result = &domain.OperationResult{}
	}
	op := entry.Effective()

	// A local copy that fails verification does not undo the server's
	// acceptance: the entry is synced and the record quarantined afterwards.
	var corrupt error
	err := AtomicDo(ctx, e.tm, e.retrier, func(tx Transaction) error {
		corrupt = nil
		if op.Type == domain.OperationDelete || result.Deleted {
			if err := e.snapshots.Delete(ctx, tx, op.EntityType, op.EntityID); err != nil {
				return err
			}
		} else {
			if err := e.snapshots.Save(ctx, tx, &domain.Snapshot{
				EntityType: op.EntityType,
				EntityID:   op.EntityID,
				Version:    result.Version,
				Fields:     snapshotFields(snapshot, req, result),
				UpdatedAt:  e.clock.Now(),
			}); err != nil {
				return err
			}
			if op.EntityType.IsRecord() {
				err := e.ledger.MarkPostedTx(ctx, tx, op.EntityID, result.EntityID)
				switch {
				case errors.Is(err, domain.ErrIntegrityFailure):
					corrupt = err
				case err != nil && !errors.Is(err, domain.ErrRecordNotFound):
					return err
				}
			}
		}

		if _, err := e.queue.MarkSyncedTx(ctx, tx, entry.ID); err != nil {
			return err
		}

		_, err := e.audit.AppendTx(ctx, tx, AuditRecord{
			Action:     domain.AuditActionSyncOperation,
			EntityType: domain.AuditResourceQueueEntry,
			EntityID:   entry.ID,
			Actor:      r.session.UserID,
			After: domain.JSON{
				"operation_id":   op.ID,
				"type":           string(op.Type),
				"entity_type":    string(op.EntityType),
				"entity_id":      op.EntityID,
				"server_id":      result.EntityID,
				"server_version": result.Version,
				"delta":          req.Delta,
				"quarantined":    corrupt != nil,
				"sync_run_id":    r.id,
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	if corrupt != nil {
		if err := e.ledger.Quarantine(ctx, op.EntityID, corrupt); err != nil {
			return err
		}
	}

	if e.metrics != nil {
		e.metrics.OperationsSynced.WithLabelValues(string(op.EntityType)).Inc()
	}
	return nil
}

func snapshotFields(previous *domain.Snapshot, req domain.OperationRequest, result *domain.OperationResult) map[string]any {
	if len(result.Fields) > 0 {
		return result.Fields
	}
	fields := map[string]any{}
	if previous != nil && req.Delta {
		for k, v := range previous.Fields {
			fields[k] = v
		}
	}
	for k, v := range req.Payload {
		fields[k] = v
	}
	return fields
}

func (e *SyncEngine) raise(ctx context.Context, entry *domain.QueueEntry, detect func(tx Transaction) ([]*domain.DataConflict, error)) (outcome, []*domain.DataConflict, error) {
	conflicts, err := Atomic(ctx, e.tm, e.retrier, func(tx Transaction) ([]*domain.DataConflict, error) {
		found, err := detect(tx)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, nil
		}
		return found, e.resolver.RaiseTx(ctx, tx, entry, found)
	})
	if err != nil {
		return 0, nil, err
	}
	if len(conflicts) == 0 {
		_, err := e.failEntry(ctx, entry, fmt.Errorf("%w: no detectable cause", domain.ErrConflict))
		return outcomeFailed, nil, err
	}

	e.resolver.Announce(ctx, conflicts)
	return outcomeConflict, conflicts, nil
}

func (e *SyncEngine) autoResolve(ctx context.Context, r *syncRun, entry *domain.QueueEntry, conflicts []*domain.DataConflict) (outcome, error) {
	ok, err := e.resolver.AutoResolve(ctx, conflicts)
	if err != nil {
		return 0, err
	}
	if !ok {
		return outcomeConflict, nil
	}
	r.rebased[entry.ID] = true
	e.logger.Info().Str("entry_id", entry.ID).Msg("conflict rebased automatically")
	return outcomeRebased, nil
}

func (e *SyncEngine) failEntry(ctx context.Context, entry *domain.QueueEntry, cause error) (outcome, error) {
	failed, err := e.queue.MarkFailed(ctx, entry.ID, cause)
	if err != nil {
		return 0, err
	}
	if failed.Permanent && e.events != nil {
		e.events.Publish(ctx, domain.NewEvent(domain.EventSyncError, domain.SeverityHigh, domain.SyncErrorEvent{
			EntryID:   entry.ID,
			Message:   cause.Error(),
			Retryable: false,
		}))
	}
	return outcomeFailed, nil
}

func (e *SyncEngine) deferRun(ctx context.Context, r *syncRun, resumeFrom string, pending []string) (*domain.SyncReport, error) {
	if _, err := e.queue.SaveCheckpoint(ctx, r.id, r.synced, pending, resumeFrom); err != nil {
		return e.fail(ctx, r, err)
	}
	e.logger.Warn().Str("sync_run_id", r.id).Str("resume_from", resumeFrom).Msg("session expired, sync deferred")
	if e.events != nil {
		e.events.Publish(ctx, domain.NewEvent(domain.EventSyncError, domain.SeverityMedium, domain.SyncErrorEvent{
			EntryID:   resumeFrom,
			Message:   "session expired, sync will resume after login",
			Retryable: true,
		}))
	}
	return e.finish(ctx, r, domain.SyncDeferredSession)
}

func (e *SyncEngine) pauseRun(ctx context.Context, r *syncRun, resumeFrom string, pending []string) (*domain.SyncReport, error) {
	if _, err := e.queue.SaveCheckpoint(context.WithoutCancel(ctx), r.id, r.synced, pending, resumeFrom); err != nil {
		return e.fail(ctx, r, err)
	}
	e.logger.Info().Str("sync_run_id", r.id).Str("resume_from", resumeFrom).Msg("sync paused")
	return e.finish(ctx, r, domain.SyncPaused)
}

func (e *SyncEngine) fail(ctx context.Context, r *syncRun, cause error) (*domain.SyncReport, error) {
	e.logger.Error().Err(cause).Str("sync_run_id", r.id).Msg("sync failed")
	if e.events != nil {
		e.events.Publish(ctx, domain.NewEvent(domain.EventSyncError, domain.SeverityHigh, domain.SyncErrorEvent{
			Message:   cause.Error(),
			Retryable: domain.IsRetryable(cause),
		}))
	}
	report, _ := e.finish(ctx, r, domain.SyncFailed)
	return report, cause
}

func (e *SyncEngine) finish(ctx context.Context, r *syncRun, state domain.SyncState) (*domain.SyncReport, error) {
	e.updateProgress(ctx, func(p *domain.Progress) {
		p.State = state
		p.Current = ""
	})
	e.setState(ctx, state)

	report := &domain.SyncReport{
		RunID:      r.id,
		State:      state,
		Progress:   e.Progress(),
		Batches:    r.batches,
		StartedAt:  r.started,
		FinishedAt: e.clock.Now(),
	}
	e.logger.Info().
		Str("sync_run_id", r.id).
		Str("state", string(state)).
		Int("succeeded", report.Progress.Succeeded).
		Int("failed", report.Progress.Failed).
		Int("conflicts", report.Progress.Conflicts).
		Msg("sync finished")
	return report, nil
}

// MarkBatchFailed flags an already finished batch as failed in the audit
// trail. Server state is not touched.
func (e *SyncEngine) MarkBatchFailed(ctx context.Context, batchID, reason, actor string) (*domain.AuditEntry, error) {
	return Atomic(ctx, e.tm, e.retrier, func(tx Transaction) (*domain.AuditEntry, error) {
		entries, err := e.queue.repo.ListByStatus(ctx, tx,
			domain.QueueStatusSynced, domain.QueueStatusFailed, domain.QueueStatusConflict)
		if err != nil {
			return nil, err
		}
		var members []string
		for _, entry := range entries {
			if entry.BatchID == batchID {
				members = append(members, entry.ID)
			}
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("%w: no entries in batch %s", domain.ErrQueueEntryNotFound, batchID)
		}
		return e.audit.AppendTx(ctx, tx, AuditRecord{
			Action:     domain.AuditActionSyncBatchFailed,
			EntityType: domain.AuditResourceSyncBatch,
			EntityID:   batchID,
			Actor:      actor,
			After:      domain.JSON{"reason": reason, "entries": members},
			Status:     domain.AuditStatusFailure,
		})
	})
}

func (e *SyncEngine) reconcileLocks(ctx context.Context, session domain.RemoteSession) {
	if e.locks == nil || e.registry == nil {
		return
	}
	if _, err := e.locks.Reconcile(ctx, e.registry, session); err != nil {
		e.logger.Warn().Err(err).Msg("lock reconciliation failed")
	}
}

func (e *SyncEngine) observeRemote(started time.Time, err error) {
	if e.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.RemoteCallDurations.WithLabelValues("process_operation", result).Observe(time.Since(started).Seconds())
}

func (e *SyncEngine) pauseRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pause
}

func (e *SyncEngine) setState(ctx context.Context, state domain.SyncState) {
	e.mu.Lock()
	changed := e.state != state
	e.state = state
	progress := e.progress
	e.mu.Unlock()

	if changed && e.events != nil {
		e.events.Publish(ctx, domain.NewEvent(domain.EventSyncState, domain.SeverityLow, progress))
	}
}

func (e *SyncEngine) setProgress(ctx context.Context, p domain.Progress, announceState bool) {
	e.mu.Lock()
	e.progress = p
	e.runStart = e.clock.Now()
	e.mu.Unlock()
	if announceState {
		e.setState(ctx, p.State)
	}
}

func (e *SyncEngine) updateProgress(ctx context.Context, mutate func(p *domain.Progress)) {
	e.mu.Lock()
	mutate(&e.progress)
	elapsed := e.clock.Now().Sub(e.runStart)
	e.progress.Elapsed = elapsed
	e.progress.ETA = domain.EstimateETA(e.progress.Processed, e.progress.Total, elapsed)
	p := e.progress
	e.mu.Unlock()

	if e.events != nil {
		e.events.Publish(ctx, domain.NewEvent(domain.EventSyncProgress, domain.SeverityLow, p))
	}
}

func ids(entries []*domain.QueueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
