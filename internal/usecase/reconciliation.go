package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iho/offledger/internal/domain"
)

// Reconciler checks the local ledger for double-entry consistency and
// produces a trial balance.
type Reconciler struct {
	ledger *LedgerStore
	audit  *AuditTrail
	clock  Clock
}

// NewReconciler creates a Reconciler.
func NewReconciler(ledger *LedgerStore, audit *AuditTrail, clock Clock) *Reconciler {
	return &Reconciler{ledger: ledger, audit: audit, clock: clock}
}

// ReconcileOptions narrows the records taken into the trial balance.
type ReconcileOptions struct {
	DateFrom      *time.Time
	DateTo        *time.Time
	IncludeDrafts bool
}

// AccountBalance is the trial balance line of one account in one currency.
type AccountBalance struct {
	AccountCode string          `json:"account_code"`
	Currency    string          `json:"currency"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// Net is debit minus credit.
func (b AccountBalance) Net() decimal.Decimal {
	return b.Debit.Sub(b.Credit)
}

// CurrencyTotal sums one currency across all accounts.
type CurrencyTotal struct {
	Currency string          `json:"currency"`
	Debit    decimal.Decimal `json:"debit"`
	Credit   decimal.Decimal `json:"credit"`
}

// Balanced reports whether debits equal credits.
func (c CurrencyTotal) Balanced() bool {
	return c.Debit.Equal(c.Credit)
}

// ReconciliationReport is the outcome of a reconciliation pass.
type ReconciliationReport struct {
	Records     int                      `json:"records"`
	Balances    []AccountBalance         `json:"balances"`
	Totals      []CurrencyTotal          `json:"totals"`
	Unbalanced  []string                 `json:"unbalanced,omitempty"`
	Quarantined []string                 `json:"quarantined,omitempty"`
	AuditChain  domain.ChainVerification `json:"audit_chain"`
	Consistent  bool                     `json:"consistent"`
	CheckedAt   time.Time                `json:"checked_at"`
}

// Reconcile walks every readable record, sums its lines per account and
// currency and verifies the audit chain.
func (r *Reconciler) Reconcile(ctx context.Context, opts ReconcileOptions) (*ReconciliationReport, error) {
	type key struct{ account, currency string }
	balances := map[key]*AccountBalance{}
	totals := map[string]*CurrencyTotal{}
	report := &ReconciliationReport{}

	for offset := 0; ; offset += domain.MaxPageSize {
		page, err := r.ledger.Query(ctx, QueryOptions{
			DateFrom: opts.DateFrom,
			DateTo:   opts.DateTo,
			Limit:    domain.MaxPageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, fmt.Errorf("query records: %w", err)
		}

		for _, rec := range page.Records {
			if rec.SyncStatus == domain.SyncStatusLocalDraft && !opts.IncludeDrafts {
				continue
			}
			report.Records++
			if !rec.TotalDebit().Equal(rec.TotalCredit()) {
				report.Unbalanced = append(report.Unbalanced, rec.ID)
			}

			t, ok := totals[rec.Currency]
			if !ok {
				t = &CurrencyTotal{Currency: rec.Currency}
				totals[rec.Currency] = t
			}
			for _, l := range rec.Lines {
				k := key{l.AccountCode, rec.Currency}
				b, ok := balances[k]
				if !ok {
					b = &AccountBalance{AccountCode: l.AccountCode, Currency: rec.Currency}
					balances[k] = b
				}
				b.Debit = b.Debit.Add(l.Debit)
				b.Credit = b.Credit.Add(l.Credit)
				t.Debit = t.Debit.Add(l.Debit)
				t.Credit = t.Credit.Add(l.Credit)
			}
		}

		if offset+len(page.Records) >= page.Total || len(page.Records) == 0 {
			break
		}
	}

	quarantined, err := r.ledger.Quarantined(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quarantined records: %w", err)
	}
	report.Quarantined = quarantined

	report.AuditChain, err = r.audit.Verify(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: %w", err)
	}

	report.Balances = make([]AccountBalance, 0, len(balances))
	for _, b := range balances {
		report.Balances = append(report.Balances, *b)
	}
	sort.Slice(report.Balances, func(i, j int) bool {
		a, b := report.Balances[i], report.Balances[j]
		if a.Currency != b.Currency {
			return a.Currency < b.Currency
		}
		return a.AccountCode < b.AccountCode
	})

	report.Consistent = len(report.Unbalanced) == 0 && len(report.Quarantined) == 0 && report.AuditChain.Valid
	report.Totals = make([]CurrencyTotal, 0, len(totals))
	for _, t := range totals {
		report.Totals = append(report.Totals, *t)
		if !t.Balanced() {
			report.Consistent = false
		}
	}
	sort.Slice(report.Totals, func(i, j int) bool { return report.Totals[i].Currency < report.Totals[j].Currency })

	report.CheckedAt = r.clock.Now()
	return report, nil
}
