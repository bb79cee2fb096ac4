package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/iho/offledger/internal/domain"
)

// GenesisHash is the previous hash of the first audit entry.
var GenesisHash = strings.Repeat("0", 64)

const chainDomain = "offledger/audit/v1\n"

// TimestampLayout is the fixed-width form audit timestamps are hashed and stored in.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

type chainBody struct {
	Sequence     int64       `json:"sequence"`
	ID           string      `json:"id"`
	Action       string      `json:"action"`
	EntityType   string      `json:"entity_type"`
	EntityID     string      `json:"entity_id"`
	Actor        string      `json:"actor"`
	DeviceID     string      `json:"device_id"`
	BeforeState  domain.JSON `json:"before_state"`
	AfterState   domain.JSON `json:"after_state"`
	Status       string      `json:"status"`
	Timestamp    string      `json:"timestamp"`
	PreviousHash string      `json:"previous_hash"`
}

// HashChainEntry computes the hash of entry linked to previousHash.
// Every field except CurrentHash is covered.
func HashChainEntry(entry *domain.AuditEntry, previousHash string) (string, error) {
	data, err := Canonicalize(chainBody{
		Sequence:     entry.Sequence,
		ID:           entry.ID,
		Action:       entry.Action,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Actor:        entry.Actor,
		DeviceID:     entry.DeviceID,
		BeforeState:  entry.BeforeState,
		AfterState:   entry.AfterState,
		Status:       entry.Status,
		Timestamp:    FormatTimestamp(entry.Timestamp),
		PreviousHash: previousHash,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry %s: %w", entry.ID, err)
	}

	h := sha256.New()
	h.Write([]byte(chainDomain))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// VerifyChain walks entries oldest first and stops at the first broken link
// or hash.
func VerifyChain(entries []domain.AuditEntry) domain.ChainVerification {
	prev := GenesisHash
	for i := range entries {
		e := &entries[i]
		if e.PreviousHash != prev {
			return domain.ChainVerification{
				Checked:           i,
				FirstInvalidIndex: i,
				Reason:            fmt.Sprintf("entry %s links to %s, expected %s", e.ID, short(e.PreviousHash), short(prev)),
			}
		}
		sum, err := HashChainEntry(e, prev)
		if err != nil {
			return domain.ChainVerification{Checked: i, FirstInvalidIndex: i, Reason: err.Error()}
		}
		if sum != e.CurrentHash {
			return domain.ChainVerification{
				Checked:           i,
				FirstInvalidIndex: i,
				Reason:            fmt.Sprintf("entry %s hash mismatch", e.ID),
			}
		}
		prev = e.CurrentHash
	}
	return domain.ChainVerification{Valid: true, Checked: len(entries), FirstInvalidIndex: -1}
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
