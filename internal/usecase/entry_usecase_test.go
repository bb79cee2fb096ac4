package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase"
)

func TestEntryUseCase_CreateEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.entries.CreateEntry(ctx, usecase.CreateEntryInput{Record: payment("ACME GmbH", "250.00"), Actor: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Record.SyncStatus != domain.SyncStatusPendingVerification {
		t.Errorf("expected pending_verification, got %s", res.Record.SyncStatus)
	}
	if res.Entry == nil {
		t.Fatal("expected a queue entry")
	}
	op := res.Entry.Operation
	if op.Type != domain.OperationCreate || op.EntityID != res.Record.ID {
		t.Errorf("unexpected operation %s %s", op.Type, op.EntityID)
	}
	if op.VectorClock[testDevice] != 1 {
		t.Errorf("expected clock %s=1, got %v", testDevice, op.VectorClock)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("expected no conflicts, got %d", len(res.Conflicts))
	}

	got, err := h.entries.GetEntry(ctx, res.Record.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Counterparty != "ACME GmbH" {
		t.Fatalf("expected stored record, got %+v", got)
	}
}

func TestEntryUseCase_CreateEntryRejectsInvalidRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unbalanced := payment("ACME GmbH", "250.00")
	unbalanced.Lines[1].Credit = decimal.NewFromInt(200)

	badCurrency := payment("ACME GmbH", "250.00")
	badCurrency.Currency = "XXX"

	tests := []struct {
		name    string
		record  *domain.FinancialRecord
		wantErr error
	}{
		{name: "nil record", record: nil, wantErr: domain.ErrValidationFailure},
		{name: "unbalanced", record: unbalanced, wantErr: domain.ErrUnbalanced},
		{name: "unknown currency", record: badCurrency, wantErr: domain.ErrInvalidCurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.entries.CreateEntry(ctx, usecase.CreateEntryInput{Record: tt.record, Actor: "alice"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	list, err := h.entries.ListEntries(ctx, usecase.QueryOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if list.Total != 0 {
		t.Errorf("expected nothing stored, got %d records", list.Total)
	}
	if s := h.stats(t); s.Pending != 0 {
		t.Errorf("expected empty queue, got %d pending", s.Pending)
	}
}

func TestEntryUseCase_DraftLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	draft := payment("ACME GmbH", "80.00")
	draft.Lines = draft.Lines[:1]

	res, err := h.entries.CreateEntry(ctx, usecase.CreateEntryInput{Record: draft, Actor: "alice", Draft: true})
	if err != nil {
		t.Fatalf("drafts skip the balance rules: %v", err)
	}
	if res.Entry != nil {
		t.Fatal("drafts are not enqueued")
	}
	if res.Record.SyncStatus != domain.SyncStatusLocalDraft {
		t.Errorf("expected local_draft, got %s", res.Record.SyncStatus)
	}

	if _, err := h.entries.PromoteDraft(ctx, res.Record.ID, "alice"); !errors.Is(err, domain.ErrValidationFailure) {
		t.Fatalf("expected validation failure promoting an unbalanced draft, got %v", err)
	}

	lines := append(res.Record.Lines, domain.Line{AccountCode: "1200", Credit: decimal.NewFromInt(80)})
	amended, err := h.entries.AmendEntry(ctx, res.Record.ID, domain.RecordPatch{Lines: lines}, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amended.Entry != nil {
		t.Error("amending a draft stays local")
	}

	promoted, err := h.entries.PromoteDraft(ctx, res.Record.ID, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if promoted.Entry == nil || promoted.Entry.Operation.Type != domain.OperationCreate {
		t.Fatalf("expected a CREATE entry, got %+v", promoted.Entry)
	}
	if promoted.Record.SyncStatus != domain.SyncStatusPendingVerification {
		t.Errorf("expected pending_verification, got %s", promoted.Record.SyncStatus)
	}
	if n := len(promoted.Entry.Operation.Record().Lines); n != 2 {
		t.Errorf("expected 2 lines in the payload, got %d", n)
	}

	if _, err := h.entries.PromoteDraft(ctx, res.Record.ID, "alice"); !errors.Is(err, domain.ErrValidationFailure) {
		t.Errorf("expected validation failure promoting twice, got %v", err)
	}
	if _, err := h.entries.PromoteDraft(ctx, "missing", "alice"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestEntryUseCase_AmendAfterSyncCarriesBaseVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := h.create(t, journal(3))
	if _, err := h.engine.StartSync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	res, err := h.entries.AmendEntry(ctx, created.Record.ID, domain.RecordPatch{Description: ptr("reclassified")}, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	op := res.Entry.Operation
	if op.Type != domain.OperationUpdate {
		t.Errorf("expected UPDATE, got %s", op.Type)
	}
	if op.BaseVersion != 1 {
		t.Errorf("expected base version 1, got %d", op.BaseVersion)
	}

	_, err = h.entries.AmendEntry(ctx, created.Record.ID, domain.RecordPatch{Currency: ptr("USD")}, "alice")
	if !errors.Is(err, domain.ErrPostedImmutable) {
		t.Errorf("expected posted records to keep their money, got %v", err)
	}

	if _, err := h.entries.AmendEntry(ctx, "missing", domain.RecordPatch{Description: ptr("x")}, "alice"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestEntryUseCase_RemoveEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := h.create(t, journal(1))
	res, err := h.entries.RemoveEntry(ctx, created.Record.ID, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Entry == nil || res.Entry.Operation.Type != domain.OperationDelete {
		t.Fatalf("expected a DELETE entry, got %+v", res.Entry)
	}
	if res.Entry.Operation.Payload != nil {
		t.Error("a DELETE carries no payload")
	}

	got, err := h.entries.GetEntry(ctx, created.Record.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected the record to be gone")
	}

	draft, err := h.entries.CreateEntry(ctx, usecase.CreateEntryInput{Record: journal(2), Actor: "alice", Draft: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	removed, err := h.entries.RemoveEntry(ctx, draft.Record.ID, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed.Entry != nil {
		t.Error("removing a draft never reaches the server")
	}

	if _, err := h.entries.RemoveEntry(ctx, "missing", "alice"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if s := h.stats(t); s.Pending != 2 {
		t.Errorf("expected CREATE and DELETE pending, got %d", s.Pending)
	}
}

func TestEntryUseCase_DuplicateIsHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, payment("ACME GmbH", "1000.00"))
	dup := h.create(t, payment("ACME GmbH", "1000.00"))

	if len(dup.Conflicts) != 1 {
		t.Fatalf("expected one duplicate conflict, got %d", len(dup.Conflicts))
	}
	c := dup.Conflicts[0]
	if c.Severity != domain.SeverityHigh || c.AutoResolvable {
		t.Errorf("unexpected policy: %s auto=%v", c.Severity, c.AutoResolvable)
	}
	if c.MatchScore < 0.7 {
		t.Errorf("expected score >= 0.7, got %v", c.MatchScore)
	}

	got, err := h.entries.GetEntry(ctx, dup.Record.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SyncStatus != domain.SyncStatusConflict {
		t.Errorf("expected conflict status, got %s", got.SyncStatus)
	}

	report, err := h.engine.StartSync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Progress.Succeeded != 1 {
		t.Errorf("expected only the original to sync, got %d", report.Progress.Succeeded)
	}
	if s := h.stats(t); s.Conflict != 1 {
		t.Errorf("expected the duplicate to stay held, got %d", s.Conflict)
	}
}
