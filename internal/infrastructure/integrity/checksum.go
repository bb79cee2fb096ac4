package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/iho/offledger/internal/domain"
)

// ChecksumPrefix tags the algorithm of stored checksums.
const ChecksumPrefix = "sha256:"

// Verification is the outcome of a checksum check.
type Verification int

const (
	// Unverified means no checksum was stored (legacy data).
	Unverified Verification = iota
	Valid
	Invalid
)

func (v Verification) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unverified"
	}
}

type checksumLine struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Debit   string `json:"debit"`
	Credit  string `json:"credit"`
}

type checksumBody struct {
	EntityType   string         `json:"entity_type"`
	Date         string         `json:"date"`
	Currency     string         `json:"currency"`
	Counterparty string         `json:"counterparty"`
	Lines        []checksumLine `json:"lines"`
}

// CanonicalRecord returns the canonical encoding of the checksummed fields of r.
// Sync metadata is excluded so the value is stable across devices.
func CanonicalRecord(r *domain.FinancialRecord) ([]byte, error) {
	body := checksumBody{
		EntityType:   string(r.EntityType),
		Date:         r.Date.UTC().Format("2006-01-02"),
		Currency:     r.Currency,
		Counterparty: r.Counterparty,
		Lines:        make([]checksumLine, 0, len(r.Lines)),
	}
	for _, l := range r.Lines {
		body.Lines = append(body.Lines, checksumLine{
			ID:      l.ID,
			Account: l.AccountCode,
			Debit:   l.Debit.String(),
			Credit:  l.Credit.String(),
		})
	}
	return Canonicalize(body)
}

// Checksum computes the record checksum, "sha256:" followed by the hex digest.
func Checksum(r *domain.FinancialRecord) (string, error) {
	data, err := CanonicalRecord(r)
	if err != nil {
		return "", fmt.Errorf("canonicalize record %s: %w", r.ID, err)
	}
	sum := sha256.Sum256(data)
	return ChecksumPrefix + hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum compares the stored checksum of r with a fresh one.
// A record without a stored checksum is Unverified.
func VerifyChecksum(r *domain.FinancialRecord) Verification {
	if r == nil {
		return Invalid
	}
	if r.Checksum == "" {
		return Unverified
	}
	if !strings.HasPrefix(r.Checksum, ChecksumPrefix) {
		return Invalid
	}
	sum, err := Checksum(r)
	if err != nil || sum != r.Checksum {
		return Invalid
	}
	return Valid
}

type operationBody struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	EntityType  string             `json:"entity_type"`
	EntityID    string             `json:"entity_id"`
	Payload     map[string]any     `json:"payload"`
	Timestamp   string             `json:"timestamp"`
	VectorClock domain.VectorClock `json:"vector_clock"`
	DependsOn   []string           `json:"depends_on"`
	BaseVersion int64              `json:"base_version"`
}

// OperationChecksum digests everything an operation carries except its own checksum.
func OperationChecksum(op *domain.SyncOperation) (string, error) {
	fields, err := domain.PayloadFields(op.Payload)
	if err != nil {
		return "", err
	}
	deps := op.DependsOn
	if deps == nil {
		deps = []string{}
	}
	data, err := Canonicalize(operationBody{
		ID:          op.ID,
		Type:        string(op.Type),
		EntityType:  string(op.EntityType),
		EntityID:    op.EntityID,
		Payload:     fields,
		Timestamp:   FormatTimestamp(op.Timestamp),
		VectorClock: op.VectorClock,
		DependsOn:   deps,
		BaseVersion: op.BaseVersion,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize operation %s: %w", op.ID, err)
	}
	sum := sha256.Sum256(data)
	return ChecksumPrefix + hex.EncodeToString(sum[:]), nil
}
