package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Validation errors
var (
	ErrInvalidCurrency   = fmt.Errorf("%w: invalid currency code", ErrValidationFailure)
	ErrAmountTooLarge    = fmt.Errorf("%w: amount exceeds maximum allowed", ErrValidationFailure)
	ErrInvalidPagination = fmt.Errorf("%w: invalid pagination parameters", ErrValidationFailure)
	ErrTooFewLines       = fmt.Errorf("%w: a record needs at least two lines", ErrValidationFailure)
	ErrZeroLine          = fmt.Errorf("%w: line has neither debit nor credit", ErrValidationFailure)
	ErrNegativeAmount    = fmt.Errorf("%w: negative amount", ErrValidationFailure)
	ErrDoubleSidedLine   = fmt.Errorf("%w: line has both debit and credit", ErrValidationFailure)
	ErrUnbalanced        = fmt.Errorf("%w: total debits do not equal total credits", ErrValidationFailure)
	ErrMissingDate       = fmt.Errorf("%w: date is required", ErrValidationFailure)
	ErrUnknownEntityType = fmt.Errorf("%w: unknown entity type", ErrValidationFailure)
)

// Limits
const (
	MaxAmountValue  = 999999999999.99
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// validCurrencies contains the ISO 4217 codes the ledger accepts.
var validCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"CAD": true, "AUD": true, "NZD": true, "CNY": true, "HKD": true,
	"SGD": true, "SEK": true, "NOK": true, "DKK": true, "PLN": true,
	"CZK": true, "HUF": true, "RUB": true, "INR": true, "BRL": true,
	"MXN": true, "ZAR": true, "KRW": true, "TRY": true, "AED": true,
	"SAR": true, "ILS": true, "THB": true, "MYR": true, "IDR": true,
	"PHP": true, "VND": true, "UAH": true, "KZT": true, "BTC": true,
	"ETH": true, "USDT": true, "USDC": true,
}

// ValidateCurrency validates a currency code.
func ValidateCurrency(currency string) error {
	if currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidCurrency)
	}
	if !validCurrencies[strings.ToUpper(currency)] {
		return fmt.Errorf("%w: %s", ErrInvalidCurrency, currency)
	}
	return nil
}

// ValidateAmount validates a single line amount. Zero is allowed because
// one side of every line is zero.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, amount.String())
	}
	if amount.GreaterThan(decimal.NewFromFloat(MaxAmountValue)) {
		return fmt.Errorf("%w: %s", ErrAmountTooLarge, amount.String())
	}
	return nil
}

// ValidatePagination validates and normalizes pagination parameters.
func ValidatePagination(limit, offset int) (int, int, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		return 0, 0, fmt.Errorf("%w: offset cannot be negative", ErrInvalidPagination)
	}
	return limit, offset, nil
}

// AccountingValidator enforces double-entry rules before a record is
// persisted or enqueued.
type AccountingValidator struct {
	v *validator.Validate
}

// NewAccountingValidator creates a validator with struct tag rules registered.
func NewAccountingValidator() *AccountingValidator {
	return &AccountingValidator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate runs the full rule set. Drafts only get the structural checks.
func (a *AccountingValidator) Validate(r *FinancialRecord) error {
	if r == nil {
		return fmt.Errorf("%w: record is nil", ErrValidationFailure)
	}
	if err := a.ValidateStructure(r); err != nil {
		return err
	}
	if r.SyncStatus == SyncStatusLocalDraft {
		return nil
	}
	return a.ValidateBalance(r)
}

// ValidateStructure checks field shape: entity type, currency, date and tags.
func (a *AccountingValidator) ValidateStructure(r *FinancialRecord) error {
	if !r.EntityType.IsRecord() {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, r.EntityType)
	}
	if err := a.v.Struct(r); err != nil {
		return translateValidationError(err)
	}
	if err := ValidateCurrency(r.Currency); err != nil {
		return err
	}
	if r.Date.IsZero() {
		return ErrMissingDate
	}
	return nil
}

// ValidateBalance checks the double-entry invariants of the lines.
func (a *AccountingValidator) ValidateBalance(r *FinancialRecord) error {
	if len(r.Lines) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewLines, len(r.Lines))
	}

	for i, l := range r.Lines {
		if err := ValidateAmount(l.Debit); err != nil {
			return fmt.Errorf("line %d debit: %w", i, err)
		}
		if err := ValidateAmount(l.Credit); err != nil {
			return fmt.Errorf("line %d credit: %w", i, err)
		}
		if l.Debit.IsZero() && l.Credit.IsZero() {
			return fmt.Errorf("line %d: %w", i, ErrZeroLine)
		}
		if l.Debit.IsPositive() && l.Credit.IsPositive() {
			return fmt.Errorf("line %d: %w", i, ErrDoubleSidedLine)
		}
	}

	debit, credit := r.TotalDebit(), r.TotalCredit()
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debits %s, credits %s", ErrUnbalanced, debit.String(), credit.String())
	}
	return nil
}

func translateValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrValidationFailure, err)
	}
	fe := verrs[0]
	if fe.Field() == "Currency" {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, fmt.Sprint(fe.Value()))
	}
	return fmt.Errorf("%w: %s failed on %s", ErrValidationFailure, fe.Namespace(), fe.Tag())
}
