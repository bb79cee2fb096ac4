package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iho/offledger/internal/domain"
)

// Duplicate match reasons.
const (
	ReasonSameCounterparty = "same counterparty"
	ReasonSameAccount      = "same account"
	ReasonAmountClose      = "amount within 5%"
	ReasonDateClose        = "date within 3 days"
)

// DuplicateConfig weights the signals of the semantic duplicate score.
// A candidate is reported when its score reaches Threshold.
type DuplicateConfig struct {
	Threshold          float64
	CounterpartyWeight float64
	AccountWeight      float64
	AmountWeight       float64
	DateWeight         float64
	AmountTolerance    float64
	DateWindow         time.Duration
}

// DefaultDuplicateConfig returns the product defaults.
func DefaultDuplicateConfig() DuplicateConfig {
	return DuplicateConfig{
		Threshold:          0.7,
		CounterpartyWeight: 0.4,
		AccountWeight:      0.2,
		AmountWeight:       0.3,
		DateWeight:         0.1,
		AmountTolerance:    0.05,
		DateWindow:         72 * time.Hour,
	}
}

// DuplicateDetector scores queued payment-class operations against a new one.
type DuplicateDetector struct {
	repo QueueRepository
	cfg  DuplicateConfig

	threshold    decimal.Decimal
	counterparty decimal.Decimal
	account      decimal.Decimal
	amount       decimal.Decimal
	date         decimal.Decimal
	tolerance    decimal.Decimal
}

// NewDuplicateDetector creates a detector. Zero config fields take defaults.
func NewDuplicateDetector(repo QueueRepository, cfg DuplicateConfig) *DuplicateDetector {
	def := DefaultDuplicateConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.CounterpartyWeight == 0 && cfg.AccountWeight == 0 && cfg.AmountWeight == 0 && cfg.DateWeight == 0 {
		cfg.CounterpartyWeight = def.CounterpartyWeight
		cfg.AccountWeight = def.AccountWeight
		cfg.AmountWeight = def.AmountWeight
		cfg.DateWeight = def.DateWeight
	}
	if cfg.AmountTolerance == 0 {
		cfg.AmountTolerance = def.AmountTolerance
	}
	if cfg.DateWindow == 0 {
		cfg.DateWindow = def.DateWindow
	}

	// Weights are decimals so sums compare exactly against the threshold.
	return &DuplicateDetector{
		repo:         repo,
		cfg:          cfg,
		threshold:    decimal.NewFromFloat(cfg.Threshold),
		counterparty: decimal.NewFromFloat(cfg.CounterpartyWeight),
		account:      decimal.NewFromFloat(cfg.AccountWeight),
		amount:       decimal.NewFromFloat(cfg.AmountWeight),
		date:         decimal.NewFromFloat(cfg.DateWeight),
		tolerance:    decimal.NewFromFloat(cfg.AmountTolerance),
	}
}

// Config returns the effective configuration.
func (d *DuplicateDetector) Config() DuplicateConfig {
	return d.cfg
}

// Score compares two records and returns the weighted score and the
// signals that contributed to it.
func (d *DuplicateDetector) Score(a, b *domain.FinancialRecord) (float64, []string) {
	score, reasons := d.score(a, b)
	return score.InexactFloat64(), reasons
}

func (d *DuplicateDetector) score(a, b *domain.FinancialRecord) (decimal.Decimal, []string) {
	score := decimal.Zero
	var reasons []string

	if sameParty(a.Counterparty, b.Counterparty) {
		score = score.Add(d.counterparty)
		reasons = append(reasons, ReasonSameCounterparty)
	}
	if acc := a.PrimaryAccount(); acc != "" && acc == b.PrimaryAccount() {
		score = score.Add(d.account)
		reasons = append(reasons, ReasonSameAccount)
	}
	if d.amountClose(a.Amount(), b.Amount()) && strings.EqualFold(a.Currency, b.Currency) {
		score = score.Add(d.amount)
		reasons = append(reasons, ReasonAmountClose)
	}
	if d.dateClose(a.Date, b.Date) {
		score = score.Add(d.date)
		reasons = append(reasons, ReasonDateClose)
	}
	return score, reasons
}

func sameParty(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

func (d *DuplicateDetector) amountClose(a, b decimal.Decimal) bool {
	larger := decimal.Max(a.Abs(), b.Abs())
	if larger.IsZero() {
		return true
	}
	return a.Sub(b).Abs().LessThanOrEqual(larger.Mul(d.tolerance))
}

func (d *DuplicateDetector) dateClose(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d.cfg.DateWindow
}

// Detect returns queued operations that look like the same real-world
// payment as op. Only creations of payment-class entities are checked;
// permanently failed entries and entries of the same entity are ignored.
// Matches are only reported, never merged.
func (d *DuplicateDetector) Detect(ctx context.Context, tx Transaction, op *domain.SyncOperation) ([]domain.DuplicateMatch, error) {
	if op == nil || op.Type != domain.OperationCreate || !op.EntityType.IsPaymentClass() {
		return nil, nil
	}
	record := op.Record()
	if record == nil {
		return nil, nil
	}

	candidates, err := d.repo.ListByStatus(ctx, tx,
		domain.QueueStatusPending,
		domain.QueueStatusProcessing,
		domain.QueueStatusFailed,
		domain.QueueStatusConflict,
		domain.QueueStatusSynced,
	)
	if err != nil {
		return nil, err
	}

	var matches []domain.DuplicateMatch
	for _, c := range candidates {
		if c.Permanent || c.Operation.ID == op.ID || c.Operation.EntityID == op.EntityID {
			continue
		}
		other := c.Effective()
		if other.Type != domain.OperationCreate || !other.EntityType.IsPaymentClass() {
			continue
		}
		otherRecord := other.Record()
		if otherRecord == nil {
			continue
		}

		score, reasons := d.score(record, otherRecord)
		if score.LessThan(d.threshold) {
			continue
		}
		matches = append(matches, domain.DuplicateMatch{
			Entry:   c,
			Score:   score.InexactFloat64(),
			Reasons: reasons,
		})
	}
	return matches, nil
}
