package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the kind of business entity an operation targets.
type EntityType string

const (
	EntityPayment     EntityType = "payment"
	EntityInvoice     EntityType = "invoice"
	EntityTransaction EntityType = "transaction"
	EntityJournal     EntityType = "journal"
	EntityAttachment  EntityType = "attachment"
	EntityContact     EntityType = "contact"
)

var validEntityTypes = map[EntityType]bool{
	EntityPayment:     true,
	EntityInvoice:     true,
	EntityTransaction: true,
	EntityJournal:     true,
	EntityAttachment:  true,
	EntityContact:     true,
}

// IsValid checks if the entity type is known.
func (t EntityType) IsValid() bool {
	return validEntityTypes[t]
}

// IsRecord reports whether the entity is persisted as a FinancialRecord.
func (t EntityType) IsRecord() bool {
	return t == EntityPayment || t == EntityTransaction || t == EntityJournal
}

// IsPaymentClass reports whether the entity participates in semantic
// duplicate detection.
func (t EntityType) IsPaymentClass() bool {
	return t == EntityPayment || t == EntityTransaction
}

// SyncStatus is the lifecycle state of a FinancialRecord.
type SyncStatus string

const (
	SyncStatusLocalDraft          SyncStatus = "local_draft"
	SyncStatusPendingVerification SyncStatus = "pending_verification"
	SyncStatusVerified            SyncStatus = "verified"
	SyncStatusPosted              SyncStatus = "posted"
	SyncStatusConflict            SyncStatus = "conflict"
	SyncStatusRejected            SyncStatus = "rejected"
	SyncStatusCorrupted           SyncStatus = "corrupted"
)

// Line is a single debit or credit leg of a record.
type Line struct {
	ID          string          `json:"id"`
	AccountCode string          `json:"account_code" validate:"required,max=64"`
	Description string          `json:"description,omitempty"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// Amount returns the non-zero side of the line.
func (l Line) Amount() decimal.Decimal {
	if l.Debit.IsPositive() {
		return l.Debit
	}
	return l.Credit
}

// FinancialRecord is a transaction with its lines, owned by the local ledger store.
type FinancialRecord struct {
	ID           string      `json:"id"`
	ServerID     string      `json:"server_id,omitempty"`
	EntityType   EntityType  `json:"entity_type" validate:"required"`
	Reference    string      `json:"reference,omitempty" validate:"max=128"`
	Description  string      `json:"description,omitempty"`
	Counterparty string      `json:"counterparty,omitempty" validate:"max=256"`
	Currency     string      `json:"currency" validate:"required,len=3,uppercase"`
	Date         time.Time   `json:"date"`
	Lines        []Line      `json:"lines" validate:"dive"`
	SyncStatus   SyncStatus  `json:"sync_status"`
	Checksum     string      `json:"checksum,omitempty"`
	VectorClock  VectorClock `json:"vector_clock,omitempty"`
	Version      int64       `json:"version"`
	CreatedBy    string      `json:"created_by,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// TotalDebit sums line debits.
func (r *FinancialRecord) TotalDebit() decimal.Decimal {
	total := decimal.Zero
	for _, l := range r.Lines {
		total = total.Add(l.Debit)
	}
	return total
}

// TotalCredit sums line credits.
func (r *FinancialRecord) TotalCredit() decimal.Decimal {
	total := decimal.Zero
	for _, l := range r.Lines {
		total = total.Add(l.Credit)
	}
	return total
}

// Amount is the gross value of the record (its total debits).
func (r *FinancialRecord) Amount() decimal.Decimal {
	return r.TotalDebit()
}

// FiscalPeriod returns the YYYY-MM period the record posts into.
func (r *FinancialRecord) FiscalPeriod() string {
	return FiscalPeriodOf(r.Date)
}

// PrimaryAccount is the account of the first debit line, falling back to the
// first line.
func (r *FinancialRecord) PrimaryAccount() string {
	for _, l := range r.Lines {
		if l.Debit.IsPositive() {
			return l.AccountCode
		}
	}
	if len(r.Lines) > 0 {
		return r.Lines[0].AccountCode
	}
	return ""
}

// HasAccount reports whether any line books to the account.
func (r *FinancialRecord) HasAccount(code string) bool {
	for _, l := range r.Lines {
		if l.AccountCode == code {
			return true
		}
	}
	return false
}

// IsPosted reports whether the server has accepted the record, which
// freezes its monetary fields. A server id outlives the posted status while
// a later change is in conflict or awaiting verification.
func (r *FinancialRecord) IsPosted() bool {
	return r.SyncStatus == SyncStatusPosted || r.ServerID != ""
}

// Clone returns a deep copy.
func (r *FinancialRecord) Clone() *FinancialRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Lines = append([]Line(nil), r.Lines...)
	c.VectorClock = r.VectorClock.Clone()
	return &c
}

// FiscalPeriodOf formats t as a YYYY-MM fiscal period.
func FiscalPeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RecordPatch describes a partial update. Nil fields are left unchanged.
type RecordPatch struct {
	Reference    *string
	Description  *string
	Counterparty *string
	Currency     *string
	Date         *time.Time
	Lines        []Line
	SyncStatus   *SyncStatus
	ServerID     *string
}

// TouchesMonetary reports whether the patch changes checksummed fields.
func (p RecordPatch) TouchesMonetary() bool {
	return p.Counterparty != nil || p.Currency != nil || p.Date != nil || p.Lines != nil
}

// ChangesMonetary reports whether applying the patch to r would alter a
// checksummed field. Restating the current values is not a change.
func (p RecordPatch) ChangesMonetary(r *FinancialRecord) bool {
	if p.Counterparty != nil && *p.Counterparty != r.Counterparty {
		return true
	}
	if p.Currency != nil && !strings.EqualFold(*p.Currency, r.Currency) {
		return true
	}
	if p.Date != nil && bookingDate(*p.Date) != bookingDate(r.Date) {
		return true
	}
	if p.Lines == nil {
		return false
	}
	if len(p.Lines) != len(r.Lines) {
		return true
	}
	for i, l := range p.Lines {
		cur := r.Lines[i]
		if l.AccountCode != cur.AccountCode || !l.Debit.Equal(cur.Debit) || !l.Credit.Equal(cur.Credit) {
			return true
		}
	}
	return false
}

func bookingDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Apply mutates r with the patch.
func (p RecordPatch) Apply(r *FinancialRecord) {
	if p.Reference != nil {
		r.Reference = *p.Reference
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Counterparty != nil {
		r.Counterparty = *p.Counterparty
	}
	if p.Currency != nil {
		r.Currency = *p.Currency
	}
	if p.Date != nil {
		r.Date = *p.Date
	}
	if p.Lines != nil {
		r.Lines = append([]Line(nil), p.Lines...)
	}
	if p.SyncStatus != nil {
		r.SyncStatus = *p.SyncStatus
	}
	if p.ServerID != nil {
		r.ServerID = *p.ServerID
	}
}
