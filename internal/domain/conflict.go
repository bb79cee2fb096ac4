package domain

import "time"

// ConflictType classifies a divergence between local and remote state.
type ConflictType string

const (
	ConflictSequence           ConflictType = "sequence_conflict"
	ConflictAmountDiscrepancy  ConflictType = "amount_discrepancy"
	ConflictFiscalPeriodClosed ConflictType = "fiscal_period_closed"
	ConflictConcurrentEdit     ConflictType = "concurrent_edit"
	ConflictSemanticDuplicate  ConflictType = "semantic_duplicate"
	ConflictReferential        ConflictType = "referential_integrity"
	ConflictAccountCodeChanged ConflictType = "account_code_changed"
)

// Severity ranks how urgently a conflict needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResolutionStrategy is how a conflict is settled.
type ResolutionStrategy string

const (
	StrategyServerWins     ResolutionStrategy = "server_wins"
	StrategyLastWriteWins  ResolutionStrategy = "last_write_wins"
	StrategySequenceRebase ResolutionStrategy = "sequence_rebase"
	StrategyMerge          ResolutionStrategy = "merge"
	StrategyManual         ResolutionStrategy = "manual"
)

// ConflictPolicy fixes severity, auto-resolvability and the allowed
// strategies of each conflict type.
type ConflictPolicy struct {
	Severity       Severity
	AutoResolvable bool
	Allowed        []ResolutionStrategy
}

var conflictPolicies = map[ConflictType]ConflictPolicy{
	ConflictSequence: {
		Severity:       SeverityMedium,
		AutoResolvable: true,
		Allowed:        []ResolutionStrategy{StrategySequenceRebase, StrategyServerWins, StrategyLastWriteWins, StrategyMerge, StrategyManual},
	},
	ConflictConcurrentEdit: {
		Severity:       SeverityMedium,
		AutoResolvable: true,
		Allowed:        []ResolutionStrategy{StrategySequenceRebase, StrategyServerWins, StrategyLastWriteWins, StrategyMerge, StrategyManual},
	},
	ConflictAmountDiscrepancy: {
		Severity: SeverityHigh,
		Allowed:  []ResolutionStrategy{StrategyServerWins, StrategyLastWriteWins, StrategyMerge, StrategyManual},
	},
	ConflictAccountCodeChanged: {
		Severity: SeverityMedium,
		Allowed:  []ResolutionStrategy{StrategyServerWins, StrategyLastWriteWins, StrategyMerge, StrategyManual},
	},
	ConflictReferential: {
		Severity: SeverityHigh,
		Allowed:  []ResolutionStrategy{StrategyServerWins, StrategyManual},
	},
	ConflictFiscalPeriodClosed: {
		Severity: SeverityCritical,
		Allowed:  []ResolutionStrategy{StrategyServerWins, StrategyManual},
	},
	ConflictSemanticDuplicate: {
		Severity: SeverityHigh,
		Allowed:  []ResolutionStrategy{StrategyManual},
	},
}

// PolicyFor returns the policy of a conflict type.
func PolicyFor(t ConflictType) ConflictPolicy {
	if p, ok := conflictPolicies[t]; ok {
		return p
	}
	return ConflictPolicy{Severity: SeverityHigh, Allowed: []ResolutionStrategy{StrategyManual}}
}

// Allows reports whether the strategy may settle a conflict of type t.
func (p ConflictPolicy) Allows(s ResolutionStrategy) bool {
	for _, a := range p.Allowed {
		if a == s {
			return true
		}
	}
	return false
}

// FieldDiff is a field-level divergence between local and remote.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Remote any    `json:"remote"`
}

// DataConflict is a detected divergence awaiting resolution.
type DataConflict struct {
	ID             string
	Type           ConflictType
	Severity       Severity
	AutoResolvable bool
	QueueEntryID   string
	EntityType     EntityType
	EntityID       string
	Local          *SyncOperation
	Remote         *RemoteState
	Base           *Snapshot
	FieldDiffs     []FieldDiff
	MatchScore     float64
	Reasons        []string
	DuplicateOf    string
	DetectedAt     time.Time
	Resolution     *ConflictResolution
}

// NewDataConflict fills in severity and auto-resolvability from the policy table.
func NewDataConflict(id string, t ConflictType, entry *QueueEntry, remote *RemoteState, now time.Time) *DataConflict {
	policy := PolicyFor(t)
	c := &DataConflict{
		ID:             id,
		Type:           t,
		Severity:       policy.Severity,
		AutoResolvable: policy.AutoResolvable,
		Remote:         remote,
		DetectedAt:     now,
	}
	if entry != nil {
		op := entry.Operation
		c.QueueEntryID = entry.ID
		c.EntityType = op.EntityType
		c.EntityID = op.EntityID
		c.Local = &op
	}
	return c
}

// IsResolved reports whether the conflict was settled.
func (c *DataConflict) IsResolved() bool {
	return c.Resolution != nil
}

// ConflictResolution records how a conflict was settled.
type ConflictResolution struct {
	ID              string             `json:"id"`
	ConflictID      string             `json:"conflict_id"`
	Strategy        ResolutionStrategy `json:"strategy"`
	ResolvedPayload Payload            `json:"-"`
	Discarded       bool               `json:"discarded"`
	Resolver        string             `json:"resolver"`
	Warnings        []string           `json:"warnings,omitempty"`
	ResolvedAt      time.Time          `json:"resolved_at"`
}
