package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/integrity"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// SortField orders query results.
type SortField string

const (
	SortByDate      SortField = "date"
	SortByAmount    SortField = "amount"
	SortByReference SortField = "reference"
)

// QueryOptions filters, sorts and pages local records.
type QueryOptions struct {
	DateFrom           *time.Time
	DateTo             *time.Time
	AccountCode        string
	MinAmount          *decimal.Decimal
	MaxAmount          *decimal.Decimal
	Search             string
	EntityType         domain.EntityType
	Status             domain.SyncStatus
	IncludeQuarantined bool
	SortBy             SortField
	Descending         bool
	Limit              int
	Offset             int
}

// QueryResult is one page of records plus the unpaged match count.
type QueryResult struct {
	Records []*domain.FinancialRecord
	Total   int
	Limit   int
	Offset  int
}

// LedgerStore owns financial records on the device: it assigns ids,
// checksums every write, audits every mutation and quarantines records that
// fail verification on read.
type LedgerStore struct {
	records  RecordRepository
	audit    *AuditTrail
	guard    WriteGuard
	tm       TransactionManager
	retrier  Retrier
	idGen    IDGenerator
	clock    Clock
	events   EventPublisher
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	deviceID string
}

// NewLedgerStore creates a new LedgerStore. guard may be nil.
func NewLedgerStore(
	records RecordRepository,
	audit *AuditTrail,
	guard WriteGuard,
	tm TransactionManager,
	retrier Retrier,
	idGen IDGenerator,
	clock Clock,
	events EventPublisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
	deviceID string,
) *LedgerStore {
	return &LedgerStore{
		records:  records,
		audit:    audit,
		guard:    guard,
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

// EnsureWritable consults the storage guard.
func (s *LedgerStore) EnsureWritable(ctx context.Context) error {
	if s.guard == nil {
		return nil
	}
	return s.guard.EnsureWritable(ctx)
}

// Create persists a new record with its lines and audit entry.
func (s *LedgerStore) Create(ctx context.Context, record *domain.FinancialRecord, actor string) (*domain.FinancialRecord, error) {
	if err := s.EnsureWritable(ctx); err != nil {
		return nil, err
	}
	return Atomic(ctx, s.tm, s.retrier, func(tx Transaction) (*domain.FinancialRecord, error) {
		return s.CreateTx(ctx, tx, record, actor)
	})
}

// CreateTx is Create inside the caller's transaction. The input is not modified.
func (s *LedgerStore) CreateTx(ctx context.Context, tx Transaction, record *domain.FinancialRecord, actor string) (*domain.FinancialRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: record is nil", domain.ErrValidationFailure)
	}

	r := record.Clone()
	now := s.clock.Now()

	if r.ID == "" {
		r.ID = s.idGen.Generate()
	}
	for i := range r.Lines {
		if r.Lines[i].ID == "" {
			r.Lines[i].ID = s.idGen.Generate()
		}
	}
	if r.SyncStatus == "" {
		r.SyncStatus = domain.SyncStatusPendingVerification
	}
	r.Currency = strings.ToUpper(r.Currency)
	r.CreatedBy = actor
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Version = 1
	r.VectorClock = r.VectorClock.Clone().Increment(s.deviceID)

	checksum, err := integrity.Checksum(r)
	if err != nil {
		return nil, err
	}
	r.Checksum = checksum

	if err := s.records.InsertHeader(ctx, tx, r); err != nil {
		return nil, fmt.Errorf("insert record %s: %w", r.ID, err)
	}
	if err := s.records.InsertLines(ctx, tx, r.ID, r.Lines); err != nil {
		return nil, fmt.Errorf("insert lines of %s: %w", r.ID, err)
	}

	if _, err := s.audit.AppendTx(ctx, tx, AuditRecord{
		Action:     domain.AuditActionRecordCreate,
		EntityType: domain.AuditResourceRecord,
		EntityID:   r.ID,
		Actor:      actor,
		After:      auditState(r),
	}); err != nil {
		return nil, err
	}

	return r, nil
}

// Read loads, decrypts and verifies a record. Missing and quarantined
// records read as nil. A record that fails verification is quarantined and
// also reads as nil.
func (s *LedgerStore) Read(ctx context.Context, id string) (*domain.FinancialRecord, error) {
	r, err := s.load(ctx, nil, id)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, domain.ErrIntegrityFailure) {
		if qerr := s.Quarantine(ctx, id, err); qerr != nil {
			return nil, errors.Join(err, qerr)
		}
		return nil, nil
	}
	return nil, err
}

// ReadTx is Read inside the caller's transaction. Verification failures are
// returned as errors; the caller decides whether to quarantine.
func (s *LedgerStore) ReadTx(ctx context.Context, tx Transaction, id string) (*domain.FinancialRecord, error) {
	return s.load(ctx, tx, id)
}

func (s *LedgerStore) load(ctx context.Context, tx Transaction, id string) (*domain.FinancialRecord, error) {
	r, err := s.records.GetByID(ctx, tx, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.SyncStatus == domain.SyncStatusCorrupted {
		return nil, nil
	}

	switch integrity.VerifyChecksum(r) {
	case integrity.Invalid:
		return nil, fmt.Errorf("%w: checksum mismatch on record %s", domain.ErrIntegrityFailure, id)
	case integrity.Unverified:
		s.logger.Debug().Str("record_id", id).Msg("record has no checksum, skipping verification")
	}
	return r, nil
}

// Quarantine marks a record corrupted without touching its sealed body.
func (s *LedgerStore) Quarantine(ctx context.Context, id string, cause error) error {
	err := AtomicDo(ctx, s.tm, s.retrier, func(tx Transaction) error {
		if err := s.records.SetStatus(ctx, tx, id, domain.SyncStatusCorrupted, s.clock.Now()); err != nil {
			return err
		}
		_, err := s.audit.AppendTx(ctx, tx, AuditRecord{
			Action:     domain.AuditActionRecordQuarantine,
			EntityType: domain.AuditResourceRecord,
			EntityID:   id,
			Actor:      SystemActor,
			After:      domain.JSON{"sync_status": string(domain.SyncStatusCorrupted), "reason": cause.Error()},
			Status:     domain.AuditStatusFailure,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("quarantine record %s: %w", id, err)
	}

	s.logger.Error().Err(cause).Str("record_id", id).Msg("record quarantined")
	if s.metrics != nil {
		s.metrics.IntegrityFailures.WithLabelValues("record").Inc()
		s.metrics.QuarantinedRecords.Inc()
	}
	if s.events != nil {
		s.events.Publish(ctx, domain.NewEvent(domain.EventIntegrityFailure, domain.SeverityCritical,
			domain.IntegrityFailureEvent{EntityType: domain.AuditResourceRecord, EntityID: id, Reason: cause.Error()}))
	}
	return nil
}

// Update applies a patch, bumping version and vector clock.
func (s *LedgerStore) Update(ctx context.Context, id string, patch domain.RecordPatch, actor string) (*domain.FinancialRecord, error) {
	if err := s.EnsureWritable(ctx); err != nil {
		return nil, err
	}
	r, err := Atomic(ctx, s.tm, s.retrier, func(tx Transaction) (*domain.FinancialRecord, error) {
		_, after, err := s.UpdateTx(ctx, tx, id, patch, actor)
		return after, err
	})
	if errors.Is(err, domain.ErrIntegrityFailure) {
		if qerr := s.Quarantine(ctx, id, err); qerr != nil {
			return nil, errors.Join(err, qerr)
		}
	}
	return r, err
}

// UpdateTx is Update inside the caller's transaction. It returns the record
// before and after the patch.
func (s *LedgerStore) UpdateTx(ctx context.Context, tx Transaction, id string, patch domain.RecordPatch, actor string) (*domain.FinancialRecord, *domain.FinancialRecord, error) {
	before, err := s.load(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if before == nil {
		return nil, nil, domain.ErrRecordNotFound
	}
	if before.IsPosted() && patch.ChangesMonetary(before) {
		return nil, nil, domain.ErrPostedImmutable
	}

	after := before.Clone()
	patch.Apply(after)
	for i := range after.Lines {
		if after.Lines[i].ID == "" {
			after.Lines[i].ID = s.idGen.Generate()
		}
	}
	after.Currency = strings.ToUpper(after.Currency)
	after.Version++
	after.VectorClock = after.VectorClock.Increment(s.deviceID)
	after.UpdatedAt = s.clock.Now()

	if err := s.write(ctx, tx, after); err != nil {
		return nil, nil, err
	}

	if _, err := s.audit.AppendTx(ctx, tx, AuditRecord{
		Action:     domain.AuditActionRecordUpdate,
		EntityType: domain.AuditResourceRecord,
		EntityID:   id,
		Actor:      actor,
		Before:     auditState(before),
		After:      auditState(after),
	}); err != nil {
		return nil, nil, err
	}

	return before, after, nil
}

// MarkPostedTx records server acceptance. Only sync metadata changes, so the
// vector clock and version stay put and no record.update is audited.
func (s *LedgerStore) MarkPostedTx(ctx context.Context, tx Transaction, id, serverID string) error {
	r, err := s.load(ctx, tx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return domain.ErrRecordNotFound
	}
	r.SyncStatus = domain.SyncStatusPosted
	switch {
	case serverID != "":
		r.ServerID = serverID
	case r.ServerID == "":
		r.ServerID = id
	}
	r.UpdatedAt = s.clock.Now()
	return s.records.UpdateHeader(ctx, tx, r)
}

// SetStatusTx changes only the sync status of a record.
func (s *LedgerStore) SetStatusTx(ctx context.Context, tx Transaction, id string, status domain.SyncStatus) error {
	err := s.records.SetStatus(ctx, tx, id, status, s.clock.Now())
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	return err
}

// ReplaceFromRemoteTx overwrites the local record with the server's copy.
// Used when a conflict is settled in favour of the server.
func (s *LedgerStore) ReplaceFromRemoteTx(ctx context.Context, tx Transaction, id string, remote *domain.FinancialRecord, remoteClock domain.VectorClock, actor string) error {
	before, err := s.records.GetByID(ctx, tx, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	after := before.Clone()
	after.Reference = remote.Reference
	after.Description = remote.Description
	after.Counterparty = remote.Counterparty
	after.Currency = remote.Currency
	after.Date = remote.Date
	after.Lines = append([]domain.Line(nil), remote.Lines...)
	after.SyncStatus = domain.SyncStatusPosted
	if after.ServerID == "" {
		after.ServerID = id
	}
	after.VectorClock = after.VectorClock.Merge(remoteClock)
	after.Version++
	after.UpdatedAt = s.clock.Now()

	if err := s.write(ctx, tx, after); err != nil {
		return err
	}

	_, err = s.audit.AppendTx(ctx, tx, AuditRecord{
		Action:     domain.AuditActionRecordUpdate,
		EntityType: domain.AuditResourceRecord,
		EntityID:   id,
		Actor:      actor,
		Before:     auditState(before),
		After:      auditState(after),
	})
	return err
}

// write re-checksums r and rewrites its header and lines so both are sealed
// with the same key.
func (s *LedgerStore) write(ctx context.Context, tx Transaction, r *domain.FinancialRecord) error {
	checksum, err := integrity.Checksum(r)
	if err != nil {
		return err
	}
	r.Checksum = checksum

	if err := s.records.UpdateHeader(ctx, tx, r); err != nil {
		return fmt.Errorf("update record %s: %w", r.ID, err)
	}
	if err := s.records.ReplaceLines(ctx, tx, r.ID, r.Lines); err != nil {
		return fmt.Errorf("replace lines of %s: %w", r.ID, err)
	}
	return nil
}

// Delete removes a record. The audit entry is written first, in the same
// transaction.
func (s *LedgerStore) Delete(ctx context.Context, id string, actor string) error {
	return AtomicDo(ctx, s.tm, s.retrier, func(tx Transaction) error {
		return s.DeleteTx(ctx, tx, id, actor)
	})
}

// DeleteTx is Delete inside the caller's transaction. Records that no longer
// decrypt can still be deleted.
func (s *LedgerStore) DeleteTx(ctx context.Context, tx Transaction, id string, actor string) error {
	var before domain.JSON
	r, err := s.records.GetByID(ctx, tx, id)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		return domain.ErrRecordNotFound
	case errors.Is(err, domain.ErrIntegrityFailure):
		before = domain.JSON{"id": id, "sync_status": string(domain.SyncStatusCorrupted)}
	case err != nil:
		return err
	default:
		before = auditState(r)
	}

	if _, err := s.audit.AppendTx(ctx, tx, AuditRecord{
		Action:     domain.AuditActionRecordDelete,
		EntityType: domain.AuditResourceRecord,
		EntityID:   id,
		Actor:      actor,
		Before:     before,
	}); err != nil {
		return err
	}

	return s.records.Delete(ctx, tx, id)
}

// Query serves filtered, sorted and paged records from the local store only.
func (s *LedgerStore) Query(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	limit, offset, err := domain.ValidatePagination(opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}

	ids, err := s.records.ListIDs(ctx, nil, RecordFilter{
		EntityType:       opts.EntityType,
		Status:           opts.Status,
		DateFrom:         opts.DateFrom,
		DateTo:           opts.DateTo,
		IncludeCorrupted: opts.IncludeQuarantined,
	})
	if err != nil {
		return nil, err
	}

	search := strings.ToLower(strings.TrimSpace(opts.Search))
	matched := make([]*domain.FinancialRecord, 0, len(ids))
	for _, id := range ids {
		r, err := s.queryRead(ctx, id, opts.IncludeQuarantined)
		if err != nil {
			return nil, err
		}
		if r == nil || !matches(r, opts, search) {
			continue
		}
		matched = append(matched, r)
	}

	sortRecords(matched, opts.SortBy, opts.Descending)

	result := &QueryResult{Total: len(matched), Limit: limit, Offset: offset}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		result.Records = matched[offset:end]
	}
	return result, nil
}

func (s *LedgerStore) queryRead(ctx context.Context, id string, includeQuarantined bool) (*domain.FinancialRecord, error) {
	r, err := s.Read(ctx, id)
	if err != nil || r != nil || !includeQuarantined {
		return r, err
	}
	// Quarantined rows are returned as stored when they still decrypt.
	raw, err := s.records.GetByID(ctx, nil, id)
	if err != nil {
		return nil, nil
	}
	if raw.SyncStatus != domain.SyncStatusCorrupted {
		return nil, nil
	}
	return raw, nil
}

func matches(r *domain.FinancialRecord, opts QueryOptions, search string) bool {
	if opts.AccountCode != "" && !r.HasAccount(opts.AccountCode) {
		return false
	}
	amount := r.Amount()
	if opts.MinAmount != nil && amount.LessThan(*opts.MinAmount) {
		return false
	}
	if opts.MaxAmount != nil && amount.GreaterThan(*opts.MaxAmount) {
		return false
	}
	if search != "" &&
		!strings.Contains(strings.ToLower(r.Reference), search) &&
		!strings.Contains(strings.ToLower(r.Description), search) {
		return false
	}
	return true
}

func sortRecords(records []*domain.FinancialRecord, by SortField, desc bool) {
	less := func(a, b *domain.FinancialRecord) int {
		switch by {
		case SortByAmount:
			return a.Amount().Cmp(b.Amount())
		case SortByReference:
			return strings.Compare(a.Reference, b.Reference)
		default:
			return a.Date.Compare(b.Date)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		c := less(records[i], records[j])
		if c == 0 {
			c = strings.Compare(records[i].ID, records[j].ID)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// Quarantined lists ids of records marked corrupted.
func (s *LedgerStore) Quarantined(ctx context.Context) ([]string, error) {
	return s.records.ListIDs(ctx, nil, RecordFilter{Status: domain.SyncStatusCorrupted})
}

// auditState is the audit view of a record. Amounts and counterparties stay
// out of the plaintext log; the checksum binds them.
func auditState(r *domain.FinancialRecord) domain.JSON {
	return domain.JSON{
		"id":          r.ID,
		"server_id":   r.ServerID,
		"entity_type": string(r.EntityType),
		"sync_status": string(r.SyncStatus),
		"version":     r.Version,
		"checksum":    r.Checksum,
		"line_count":  len(r.Lines),
	}
}
