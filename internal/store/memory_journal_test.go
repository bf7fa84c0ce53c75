package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStepJournal_BeginCompleteReplay(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryStepJournal(time.Minute)

	record, err := journal.Begin(ctx, "m1", "credit")
	if err != nil || record != nil {
		t.Fatalf("expected fresh begin to acquire, got record=%v err=%v", record, err)
	}

	if _, err := journal.Begin(ctx, "m1", "credit"); !errors.Is(err, ErrStepInFlight) {
		t.Fatalf("expected ErrStepInFlight while the first call is open, got %v", err)
	}

	if err := journal.Complete(ctx, "m1", "credit", JournalRecord{OK: true, RecordedAt: time.Unix(1, 0)}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	record, err = journal.Begin(ctx, "m1", "credit")
	if err != nil {
		t.Fatalf("expected replay, got %v", err)
	}
	if record == nil || !record.OK {
		t.Fatalf("expected stored successful record, got %+v", record)
	}
}

func TestMemoryStepJournal_AbandonLeavesStepRetryable(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryStepJournal(time.Minute)

	if _, err := journal.Begin(ctx, "m1", "reserve"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := journal.Abandon(ctx, "m1", "reserve"); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	record, err := journal.Begin(ctx, "m1", "reserve")
	if err != nil || record != nil {
		t.Fatalf("expected abandoned step to be acquirable again, got record=%v err=%v", record, err)
	}
}

func TestMemoryStepJournal_KeysAreScopedByStep(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryStepJournal(time.Minute)

	if _, err := journal.Begin(ctx, "m1", "credit"); err != nil {
		t.Fatalf("begin credit failed: %v", err)
	}
	if _, err := journal.Begin(ctx, "m1", "debit"); err != nil {
		t.Fatalf("expected debit to be independent of credit, got %v", err)
	}
}

func TestMemoryStepJournal_InFlightMarkerExpires(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryStepJournal(time.Second)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	journal.now = func() time.Time { return now }

	if _, err := journal.Begin(ctx, "m1", "debit"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := journal.Begin(ctx, "m1", "debit"); !errors.Is(err, ErrStepInFlight) {
		t.Fatalf("expected ErrStepInFlight before expiry, got %v", err)
	}

	now = now.Add(2 * time.Second)
	record, err := journal.Begin(ctx, "m1", "debit")
	if err != nil || record != nil {
		t.Fatalf("expected expired marker to be retaken, got record=%v err=%v", record, err)
	}
}

func TestFailureReason(t *testing.T) {
	if got := FailureReason(context.DeadlineExceeded); got != "timeout" {
		t.Fatalf("expected timeout, got %q", got)
	}
	wrapped := errors.Join(errors.New("sp_transfer_debit"), ErrStepInFlight)
	if got := FailureReason(wrapped); got != "step in progress" {
		t.Fatalf("expected step in progress, got %q", got)
	}
	if got := FailureReason(errors.New("boom")); got != "boom" {
		t.Fatalf("expected raw message, got %q", got)
	}
}
