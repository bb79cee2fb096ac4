package usecase

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// ResolveRequest settles one conflict. Payload is only read by the manual
// strategy; Discard drops the local operation instead.
type ResolveRequest struct {
	Strategy domain.ResolutionStrategy
	Actor    string
	Payload  domain.Payload
	Discard  bool
}

// ConflictResolver detects divergence between a queued operation and the
// server and settles it with one of the resolution strategies.
type ConflictResolver struct {
	conflicts ConflictRepository
	snapshots SnapshotRepository
	queue     *SyncQueue
	ledger    *LedgerStore
	audit     *AuditTrail
	validator *domain.AccountingValidator
	tm        TransactionManager
	retrier   Retrier
	idGen     IDGenerator
	clock     Clock
	events    EventPublisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewConflictResolver creates a new ConflictResolver.
func NewConflictResolver(
	conflicts ConflictRepository,
	snapshots SnapshotRepository,
	queue *SyncQueue,
	ledger *LedgerStore,
	audit *AuditTrail,
	tm TransactionManager,
	retrier Retrier,
	idGen IDGenerator,
	clock Clock,
	events EventPublisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *ConflictResolver {
	return &ConflictResolver{
		conflicts: conflicts,
		snapshots: snapshots,
		queue:     queue,
		ledger:    ledger,
		audit:     audit,
		validator: domain.NewAccountingValidator(),
		tm:        tm,
		retrier:   retrier,
		idGen:     idGen,
		clock:     clock,
		events:    events,
		metrics:   m,
		logger:    logger,
	}
}

// DetectConflicts compares a queued operation with the server state. It
// checks, in order, a closed fiscal period, dependencies that failed
// permanently, semantic duplicates of payment-class creations and a version
// mismatch with its money-relevant consequences. remote may be nil when the
// server has never seen the entity. Nothing is persisted.
func (r *ConflictResolver) DetectConflicts(ctx context.Context, tx Transaction, entry *domain.QueueEntry, remote *domain.RemoteState) ([]*domain.DataConflict, error) {
	op := entry.Effective()
	now := r.clock.Now()

	base, err := r.snapshots.Get(ctx, tx, op.EntityType, op.EntityID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var found []*domain.DataConflict
	add := func(t domain.ConflictType) *domain.DataConflict {
		c := domain.NewDataConflict(r.idGen.Generate(), t, entry, remote, now)
		c.Base = base
		found = append(found, c)
		return c
	}

	if remote != nil && remote.FiscalPeriodClosed {
		c := add(domain.ConflictFiscalPeriodClosed)
		c.Reasons = []string{"target fiscal period is closed"}
	}

	failedDeps, _, err := r.queue.DependencyState(ctx, tx, &op)
	if err != nil {
		return nil, err
	}
	if len(failedDeps) > 0 {
		c := add(domain.ConflictReferential)
		c.Reasons = []string{fmt.Sprintf("dependencies failed permanently: %v", failedDeps)}
	}

	confirmed, err := r.duplicateConfirmed(ctx, tx, entry.ID)
	if err != nil {
		return nil, err
	}
	if r.queue.detector != nil && !confirmed {
		matches, err := r.queue.detector.Detect(ctx, tx, &op)
		if err != nil {
			return nil, err
		}
		if best := bestMatch(matches); best != nil {
			c := add(domain.ConflictSemanticDuplicate)
			c.MatchScore = best.Score
			c.Reasons = best.Reasons
			c.DuplicateOf = best.Entry.ID
		}
	}

	if remote == nil || remote.Deleted || op.Type == domain.OperationCreate || remote.Version == op.BaseVersion {
		return found, nil
	}

	diffs, err := fieldDiffs(op.Payload, remote)
	if err != nil {
		return nil, err
	}

	switch op.VectorClock.Compare(remote.VectorClock) {
	case domain.ClockConcurrent:
		add(domain.ConflictConcurrentEdit).FieldDiffs = diffs
	default:
		add(domain.ConflictSequence).FieldDiffs = diffs
	}

	local := op.Record()
	remotePayload, err := remote.Payload()
	if err != nil {
		return nil, err
	}
	if rp, ok := remotePayload.(*domain.RecordPayload); ok && local != nil && rp.Record != nil {
		// With a base copy only server-side money changes count.
		baseRecord, err := snapshotRecord(base)
		if err != nil {
			return nil, err
		}
		amountMoved := baseRecord == nil || !baseRecord.Amount().Equal(rp.Record.Amount())
		if amountMoved && !local.Amount().Equal(rp.Record.Amount()) {
			c := add(domain.ConflictAmountDiscrepancy)
			c.FieldDiffs = []domain.FieldDiff{{Field: "amount", Local: local.Amount().String(), Remote: rp.Record.Amount().String()}}
		}
		changed := changedAccounts(local, rp.Record)
		if baseRecord != nil && len(changedAccounts(baseRecord, rp.Record)) == 0 {
			changed = nil
		}
		if len(changed) > 0 {
			c := add(domain.ConflictAccountCodeChanged)
			c.FieldDiffs = changed
		}
	}

	return found, nil
}

func snapshotRecord(s *domain.Snapshot) (*domain.FinancialRecord, error) {
	if s == nil || s.Fields == nil {
		return nil, nil
	}
	p, err := domain.PayloadFromFields(s.EntityType, s.Fields)
	if err != nil {
		return nil, err
	}
	if rp, ok := p.(*domain.RecordPayload); ok {
		return rp.Record, nil
	}
	return nil, nil
}

// duplicateConfirmed reports whether a human already ruled on a suspected
// duplicate of this entry.
func (r *ConflictResolver) duplicateConfirmed(ctx context.Context, tx Transaction, entryID string) (bool, error) {
	previous, err := r.conflicts.ListByQueueEntry(ctx, tx, entryID)
	if err != nil {
		return false, err
	}
	for _, p := range previous {
		if p.Type == domain.ConflictSemanticDuplicate && p.IsResolved() {
			return true, nil
		}
	}
	return false, nil
}

// RejectionConflicts turns a remote rejection into conflicts. Rejections
// the local checks cannot explain are classified by the remote reason.
func (r *ConflictResolver) RejectionConflicts(ctx context.Context, tx Transaction, entry *domain.QueueEntry, rejection *domain.RemoteConflictError) ([]*domain.DataConflict, error) {
	found, err := r.DetectConflicts(ctx, tx, entry, rejection.State)
	if err != nil {
		return nil, err
	}

	want := domain.ConflictSequence
	switch rejection.Reason {
	case domain.RemoteReasonFiscalPeriodClosed:
		want = domain.ConflictFiscalPeriodClosed
	case domain.RemoteReasonReferential:
		want = domain.ConflictReferential
	}
	for _, c := range found {
		if c.Type == want || (want == domain.ConflictSequence && c.Type == domain.ConflictConcurrentEdit) {
			return found, nil
		}
	}

	c := domain.NewDataConflict(r.idGen.Generate(), want, entry, rejection.State, r.clock.Now())
	c.Reasons = []string{rejection.Reason}
	return append(found, c), nil
}

// RaiseTx persists conflicts, holds the entry in conflict and flags the
// local record. Call Announce after commit.
func (r *ConflictResolver) RaiseTx(ctx context.Context, tx Transaction, entry *domain.QueueEntry, conflicts []*domain.DataConflict) error {
	if len(conflicts) == 0 {
		return nil
	}

	for _, c := range conflicts {
		if err := r.conflicts.Insert(ctx, tx, c); err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
		if _, err := r.audit.AppendTx(ctx, tx, AuditRecord{
			Action:     domain.AuditActionConflictDetect,
			EntityType: domain.AuditResourceConflict,
			EntityID:   c.ID,
			After: domain.JSON{
				"type":            string(c.Type),
				"severity":        string(c.Severity),
				"auto_resolvable": c.AutoResolvable,
				"queue_entry_id":  c.QueueEntryID,
				"entity_id":       c.EntityID,
			},
		}); err != nil {
			return err
		}
	}

	if _, err := r.queue.MarkConflictTx(ctx, tx, entry.ID, string(conflicts[0].Type)); err != nil {
		return err
	}
	if entry.Operation.EntityType.IsRecord() && entry.Operation.Type != domain.OperationDelete {
		if err := r.ledger.SetStatusTx(ctx, tx, entry.Operation.EntityID, domain.SyncStatusConflict); err != nil {
			return err
		}
	}
	return nil
}

// Announce publishes conflict.detected for each conflict.
func (r *ConflictResolver) Announce(ctx context.Context, conflicts []*domain.DataConflict) {
	for _, c := range conflicts {
		if r.metrics != nil {
			r.metrics.OperationsConflicted.WithLabelValues(string(c.Type)).Inc()
			if c.Type == domain.ConflictSemanticDuplicate {
				r.metrics.DuplicatesDetected.Inc()
			}
		}
		r.logger.Warn().
			Str("conflict_id", c.ID).
			Str("type", string(c.Type)).
			Str("severity", string(c.Severity)).
			Str("queue_entry_id", c.QueueEntryID).
			Msg("conflict detected")
		if r.events != nil {
			r.events.Publish(ctx, domain.NewEvent(domain.EventConflictDetected, c.Severity, domain.ConflictDetectedEvent{
				ConflictID:   c.ID,
				Type:         c.Type,
				Severity:     c.Severity,
				QueueEntryID: c.QueueEntryID,
			}))
		}
	}
}

// Pending lists unresolved conflicts.
func (r *ConflictResolver) Pending(ctx context.Context) ([]*domain.DataConflict, error) {
	return r.conflicts.ListUnresolved(ctx, nil)
}

// Get returns one conflict.
func (r *ConflictResolver) Get(ctx context.Context, id string) (*domain.DataConflict, error) {
	return r.conflicts.GetByID(ctx, nil, id)
}

// Resolve settles a conflict exactly once. The audit entry is written
// before the resolution is applied, in the same transaction.
func (r *ConflictResolver) Resolve(ctx context.Context, conflictID string, req ResolveRequest) (*domain.ConflictResolution, error) {
	res, err := Atomic(ctx, r.tm, r.retrier, func(tx Transaction) (*domain.ConflictResolution, error) {
		return r.ResolveTx(ctx, tx, conflictID, req)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("conflict_id", conflictID).
		Str("strategy", string(res.Strategy)).
		Bool("discarded", res.Discarded).
		Strs("warnings", res.Warnings).
		Msg("conflict resolved")
	for _, w := range res.Warnings {
		r.logger.Warn().Str("conflict_id", conflictID).Msg(w)
	}
	if r.events != nil {
		r.events.Publish(ctx, domain.NewEvent(domain.EventConflictResolved, domain.SeverityLow, *res))
	}
	return res, nil
}

// ResolveTx is Resolve inside tx.
func (r *ConflictResolver) ResolveTx(ctx context.Context, tx Transaction, conflictID string, req ResolveRequest) (*domain.ConflictResolution, error) {
	c, err := r.conflicts.GetByID(ctx, tx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.IsResolved() {
		return nil, fmt.Errorf("%w: %s", domain.ErrConflictResolved, conflictID)
	}
	if !domain.PolicyFor(c.Type).Allows(req.Strategy) {
		return nil, fmt.Errorf("%w: %s for %s", domain.ErrStrategyNotAllowed, req.Strategy, c.Type)
	}

	actor := req.Actor
	if actor == "" {
		actor = SystemActor
	}
	res := &domain.ConflictResolution{
		ID:         r.idGen.Generate(),
		ConflictID: c.ID,
		Strategy:   req.Strategy,
		Resolver:   actor,
		ResolvedAt: r.clock.Now(),
	}

	var (
		override *domain.OperationOverride
		apply    func() error
	)

	switch req.Strategy {
	case domain.StrategyServerWins:
		res.Discarded = true
		payload, err := c.Remote.Payload()
		if err != nil {
			return nil, err
		}
		res.ResolvedPayload = payload
		apply = func() error { return r.applyServerWins(ctx, tx, c, actor) }

	case domain.StrategyLastWriteWins:
		local := r.localOperation(c)
		res.ResolvedPayload = local.Payload
		override = &domain.OperationOverride{
			ResolutionID: res.ID,
			BaseVersion:  remoteVersion(c),
			Payload:      local.Payload,
			VectorClock:  local.VectorClock.Merge(remoteClock(c)),
			FullPayload:  true,
		}

	case domain.StrategySequenceRebase:
		local := r.localOperation(c)
		override = &domain.OperationOverride{
			ResolutionID: res.ID,
			BaseVersion:  remoteVersion(c),
			VectorClock:  local.VectorClock.Merge(remoteClock(c)),
		}

	case domain.StrategyMerge:
		merged, warnings, err := r.merge(c)
		if err != nil {
			return nil, err
		}
		res.Warnings = warnings
		res.ResolvedPayload = &domain.RecordPayload{Record: merged}
		local := r.localOperation(c)
		override = &domain.OperationOverride{
			ResolutionID: res.ID,
			BaseVersion:  remoteVersion(c),
			Payload:      res.ResolvedPayload,
			VectorClock:  local.VectorClock.Merge(remoteClock(c)),
			FullPayload:  true,
		}
		apply = func() error { return r.applyLocalRecord(ctx, tx, c, merged, actor) }

	case domain.StrategyManual:
		if req.Discard {
			res.Discarded = true
			apply = func() error { return r.applyDiscard(ctx, tx, c) }
			break
		}
		local := r.localOperation(c)
		override = &domain.OperationOverride{
			ResolutionID: res.ID,
			BaseVersion:  remoteVersion(c),
			VectorClock:  local.VectorClock.Merge(remoteClock(c)),
		}
		if c.Remote == nil {
			override.BaseVersion = local.BaseVersion
		}
		if req.Payload != nil {
			if req.Payload.Kind() != c.EntityType {
				return nil, fmt.Errorf("%w: payload kind %q does not match %q", domain.ErrValidationFailure, req.Payload.Kind(), c.EntityType)
			}
			if rp, ok := req.Payload.(*domain.RecordPayload); ok {
				if err := r.validator.Validate(rp.Record); err != nil {
					return nil, err
				}
				apply = func() error { return r.applyLocalRecord(ctx, tx, c, rp.Record, actor) }
			}
			res.ResolvedPayload = req.Payload
			override.Payload = req.Payload
			override.FullPayload = true
		}

	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrStrategyNotAllowed, req.Strategy)
	}

	if _, err := r.audit.AppendTx(ctx, tx, AuditRecord{
		Action:     domain.AuditActionConflictResolve,
		EntityType: domain.AuditResourceConflict,
		EntityID:   c.ID,
		Actor:      actor,
		Before:     domain.JSON{"type": string(c.Type), "queue_entry_id": c.QueueEntryID},
		After: domain.JSON{
			"resolution_id": res.ID,
			"strategy":      string(res.Strategy),
			"discarded":     res.Discarded,
			"warnings":      len(res.Warnings),
		},
	}); err != nil {
		return nil, err
	}

	if err := r.conflicts.SaveResolution(ctx, tx, res); err != nil {
		return nil, err
	}
	c.Resolution = res

	if apply != nil {
		if err := apply(); err != nil {
			return nil, err
		}
	}
	if !res.Discarded {
		if err := r.release(ctx, tx, c, override); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// AutoResolve rebases every auto-resolvable conflict. It reports false when
// at least one conflict needs a human.
func (r *ConflictResolver) AutoResolve(ctx context.Context, conflicts []*domain.DataConflict) (bool, error) {
	for _, c := range conflicts {
		if !c.AutoResolvable {
			return false, nil
		}
	}
	for _, c := range conflicts {
		if _, err := r.Resolve(ctx, c.ID, ResolveRequest{Strategy: domain.StrategySequenceRebase, Actor: SystemActor}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// release returns the queue entry to pending once no other conflict holds it.
func (r *ConflictResolver) release(ctx context.Context, tx Transaction, c *domain.DataConflict, override *domain.OperationOverride) error {
	if c.QueueEntryID == "" {
		return nil
	}
	entry, err := r.queue.GetTx(ctx, tx, c.QueueEntryID)
	if err != nil {
		return err
	}
	if entry.Status != domain.QueueStatusConflict {
		return nil
	}

	siblings, err := r.conflicts.ListByQueueEntry(ctx, tx, c.QueueEntryID)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.ID != c.ID && !s.IsResolved() {
			if override == nil {
				return nil
			}
			_, err := r.queue.AttachOverrideTx(ctx, tx, entry.ID, override)
			return err
		}
	}

	if _, err := r.queue.ReleaseTx(ctx, tx, entry.ID, override); err != nil {
		return err
	}
	if entry.Operation.EntityType.IsRecord() && entry.Operation.Type != domain.OperationDelete {
		return r.ledger.SetStatusTx(ctx, tx, entry.Operation.EntityID, domain.SyncStatusPendingVerification)
	}
	return nil
}

func (r *ConflictResolver) applyServerWins(ctx context.Context, tx Transaction, c *domain.DataConflict, actor string) error {
	if err := r.failEntry(ctx, tx, c, "discarded: server version kept"); err != nil {
		return err
	}
	if c.Remote == nil {
		return nil
	}

	if err := r.snapshots.Save(ctx, tx, &domain.Snapshot{
		EntityType: c.Remote.EntityType,
		EntityID:   c.EntityID,
		Version:    c.Remote.Version,
		Fields:     c.Remote.Fields,
		UpdatedAt:  r.clock.Now(),
	}); err != nil {
		return err
	}

	payload, err := c.Remote.Payload()
	if err != nil {
		return err
	}
	rp, ok := payload.(*domain.RecordPayload)
	if !ok || rp.Record == nil || c.Remote.Deleted {
		return nil
	}
	return r.ledger.ReplaceFromRemoteTx(ctx, tx, c.EntityID, rp.Record, c.Remote.VectorClock, actor)
}

func (r *ConflictResolver) applyDiscard(ctx context.Context, tx Transaction, c *domain.DataConflict) error {
	if err := r.failEntry(ctx, tx, c, "discarded by manual resolution"); err != nil {
		return err
	}
	if c.EntityType.IsRecord() {
		return r.ledger.SetStatusTx(ctx, tx, c.EntityID, domain.SyncStatusRejected)
	}
	return nil
}

func (r *ConflictResolver) failEntry(ctx context.Context, tx Transaction, c *domain.DataConflict, reason string) error {
	if c.QueueEntryID == "" {
		return nil
	}
	entry, err := r.queue.GetTx(ctx, tx, c.QueueEntryID)
	if err != nil {
		return err
	}
	if entry.Status != domain.QueueStatusConflict {
		return nil
	}
	_, err = r.queue.FailPermanentlyTx(ctx, tx, entry.ID, reason)
	return err
}

// applyLocalRecord writes the resolved record into the local store.
func (r *ConflictResolver) applyLocalRecord(ctx context.Context, tx Transaction, c *domain.DataConflict, record *domain.FinancialRecord, actor string) error {
	if !c.EntityType.IsRecord() || record == nil {
		return nil
	}
	lines := record.Lines
	if lines == nil {
		lines = []domain.Line{}
	}
	_, _, err := r.ledger.UpdateTx(ctx, tx, c.EntityID, domain.RecordPatch{
		Reference:    &record.Reference,
		Description:  &record.Description,
		Counterparty: &record.Counterparty,
		Currency:     &record.Currency,
		Date:         &record.Date,
		Lines:        lines,
	}, actor)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	return err
}

func (r *ConflictResolver) merge(c *domain.DataConflict) (*domain.FinancialRecord, []string, error) {
	local := r.localOperation(c).Record()
	if local == nil || c.Remote == nil {
		return nil, nil, fmt.Errorf("%w: merge needs a local and a remote record", domain.ErrStrategyNotAllowed)
	}
	remotePayload, err := c.Remote.Payload()
	if err != nil {
		return nil, nil, err
	}
	rp, ok := remotePayload.(*domain.RecordPayload)
	if !ok || rp.Record == nil {
		return nil, nil, fmt.Errorf("%w: merge needs a local and a remote record", domain.ErrStrategyNotAllowed)
	}

	base, err := snapshotRecord(c.Base)
	if err != nil {
		return nil, nil, err
	}

	merged, warnings := mergeRecords(local, rp.Record, base)
	if err := r.validator.Validate(merged); err != nil {
		return nil, nil, fmt.Errorf("merged record: %w", err)
	}
	return merged, warnings, nil
}

func (r *ConflictResolver) localOperation(c *domain.DataConflict) domain.SyncOperation {
	if c.Local == nil {
		return domain.SyncOperation{EntityType: c.EntityType, EntityID: c.EntityID}
	}
	return *c.Local
}

func remoteVersion(c *domain.DataConflict) int64 {
	if c.Remote == nil {
		return 0
	}
	return c.Remote.Version
}

func remoteClock(c *domain.DataConflict) domain.VectorClock {
	if c.Remote == nil {
		return nil
	}
	return c.Remote.VectorClock
}

func bestMatch(matches []domain.DuplicateMatch) *domain.DuplicateMatch {
	var best *domain.DuplicateMatch
	for i := range matches {
		if best == nil || matches[i].Score > best.Score {
			best = &matches[i]
		}
	}
	return best
}

// fieldDiffs compares the flattened local payload with the remote fields.
func fieldDiffs(local domain.Payload, remote *domain.RemoteState) ([]domain.FieldDiff, error) {
	localFields, err := domain.PayloadFields(local)
	if err != nil {
		return nil, err
	}
	keys := map[string]struct{}{}
	for k := range localFields {
		keys[k] = struct{}{}
	}
	for k := range remote.Fields {
		keys[k] = struct{}{}
	}
	delete(keys, "id")

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	var diffs []domain.FieldDiff
	for _, k := range names {
		lv, rv := localFields[k], remote.Fields[k]
		if !reflect.DeepEqual(lv, rv) {
			diffs = append(diffs, domain.FieldDiff{Field: k, Local: lv, Remote: rv})
		}
	}
	return diffs, nil
}

func changedAccounts(local, remote *domain.FinancialRecord) []domain.FieldDiff {
	remoteLines := make(map[string]domain.Line, len(remote.Lines))
	for _, l := range remote.Lines {
		remoteLines[l.ID] = l
	}
	var diffs []domain.FieldDiff
	for _, l := range local.Lines {
		if r, ok := remoteLines[l.ID]; ok && r.AccountCode != l.AccountCode {
			diffs = append(diffs, domain.FieldDiff{
				Field:  "lines." + l.ID + ".account_code",
				Local:  l.AccountCode,
				Remote: r.AccountCode,
			})
		}
	}
	return diffs
}
