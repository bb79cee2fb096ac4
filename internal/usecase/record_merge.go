package usecase

import (
	"fmt"

	"github.com/iho/offledger/internal/domain"
)

// mergeRecords reconciles a local and a remote record field by field.
// Lines present on one side only are unioned in. A line or header field
// changed on both sides keeps the local value and yields a warning; no
// three-way merge of a single field is attempted. base may be nil, in which
// case every divergence counts as changed on both sides.
func mergeRecords(local, remote, base *domain.FinancialRecord) (*domain.FinancialRecord, []string) {
	merged := local.Clone()
	var warnings []string

	header := []struct {
		name               string
		local, remote, old string
		set                func(string)
	}{
		{"reference", local.Reference, remote.Reference, baseField(base, func(r *domain.FinancialRecord) string { return r.Reference }), func(v string) { merged.Reference = v }},
		{"description", local.Description, remote.Description, baseField(base, func(r *domain.FinancialRecord) string { return r.Description }), func(v string) { merged.Description = v }},
		{"counterparty", local.Counterparty, remote.Counterparty, baseField(base, func(r *domain.FinancialRecord) string { return r.Counterparty }), func(v string) { merged.Counterparty = v }},
		{"currency", local.Currency, remote.Currency, baseField(base, func(r *domain.FinancialRecord) string { return r.Currency }), func(v string) { merged.Currency = v }},
	}
	for _, f := range header {
		switch {
		case f.local == f.remote:
		case base != nil && f.local == f.old:
			f.set(f.remote)
		case base != nil && f.remote == f.old:
		default:
			warnings = append(warnings, fmt.Sprintf("%s changed on both sides, kept local value", f.name))
		}
	}

	if !local.Date.Equal(remote.Date) {
		switch {
		case base != nil && local.Date.Equal(base.Date):
			merged.Date = remote.Date
		case base != nil && remote.Date.Equal(base.Date):
		default:
			warnings = append(warnings, "date changed on both sides, kept local value")
		}
	}

	baseLines := map[string]domain.Line{}
	if base != nil {
		for _, l := range base.Lines {
			baseLines[l.ID] = l
		}
	}
	remoteLines := make(map[string]domain.Line, len(remote.Lines))
	for _, l := range remote.Lines {
		remoteLines[l.ID] = l
	}

	lines := make([]domain.Line, 0, len(local.Lines)+len(remote.Lines))
	seen := make(map[string]bool, len(local.Lines))
	for _, l := range local.Lines {
		seen[l.ID] = true
		r, ok := remoteLines[l.ID]
		if !ok || sameLine(l, r) {
			lines = append(lines, l)
			continue
		}
		old, hasBase := baseLines[l.ID]
		switch {
		case hasBase && sameLine(l, old):
			lines = append(lines, r)
		case hasBase && sameLine(r, old):
			lines = append(lines, l)
		default:
			warnings = append(warnings, fmt.Sprintf("line %s edited on both sides, kept local version", l.ID))
			lines = append(lines, l)
		}
	}
	for _, r := range remote.Lines {
		if !seen[r.ID] {
			lines = append(lines, r)
		}
	}
	merged.Lines = lines

	return merged, warnings
}

func baseField(base *domain.FinancialRecord, get func(*domain.FinancialRecord) string) string {
	if base == nil {
		return ""
	}
	return get(base)
}

func sameLine(a, b domain.Line) bool {
	return a.AccountCode == b.AccountCode &&
		a.Description == b.Description &&
		a.Debit.Equal(b.Debit) &&
		a.Credit.Equal(b.Credit)
}
