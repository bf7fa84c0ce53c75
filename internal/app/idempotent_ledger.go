package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/transfa/clearing-service/internal/store"
)

// IdempotentLedger wraps a Ledger so that each (movement, step) reaches it at most once with a
// successful outcome. A confirmed success is replayed from the journal on repeat calls; failures
// leave the step retryable. When the inner call times out the in-flight marker is kept until it
// expires because the ledger side effect is unknown.
type IdempotentLedger struct {
	inner   store.Ledger
	journal store.StepJournal
	now     func() time.Time
}

func NewIdempotentLedger(inner store.Ledger, journal store.StepJournal) *IdempotentLedger {
	return &IdempotentLedger{inner: inner, journal: journal, now: time.Now}
}

func (l *IdempotentLedger) Intent(ctx context.Context, movementID string) (store.StepResult, error) {
	return l.run(ctx, movementID, "intent", func(ctx context.Context) (store.StepResult, error) {
		return l.inner.Intent(ctx, movementID)
	})
}

func (l *IdempotentLedger) Reserve(ctx context.Context, movementID string) (store.StepResult, error) {
	return l.run(ctx, movementID, "reserve", func(ctx context.Context) (store.StepResult, error) {
		return l.inner.Reserve(ctx, movementID)
	})
}

func (l *IdempotentLedger) Init(ctx context.Context, movementID string) (store.StepResult, error) {
	return l.run(ctx, movementID, "init", func(ctx context.Context) (store.StepResult, error) {
		return l.inner.Init(ctx, movementID)
	})
}

func (l *IdempotentLedger) Credit(ctx context.Context, movementID string, toIBAN string) (store.StepResult, error) {
	return l.run(ctx, movementID, "credit", func(ctx context.Context) (store.StepResult, error) {
		return l.inner.Credit(ctx, movementID, toIBAN)
	})
}

func (l *IdempotentLedger) Debit(ctx context.Context, movementID string) (store.StepResult, error) {
	return l.run(ctx, movementID, "debit", func(ctx context.Context) (store.StepResult, error) {
		return l.inner.Debit(ctx, movementID)
	})
}

func (l *IdempotentLedger) Commit(ctx context.Context, movementID string) (store.StepResult, error) {
	return l.run(ctx, movementID, "commit", func(ctx context.Context) (store.StepResult, error) {
		return l.inner.Commit(ctx, movementID)
	})
}

func (l *IdempotentLedger) Reject(ctx context.Context, movementID string, reason string) (store.StepResult, error) {
	return l.run(ctx, movementID, "reject", func(ctx context.Context) (store.StepResult, error) {
		return l.inner.Reject(ctx, movementID, reason)
	})
}

func (l *IdempotentLedger) Rollback(ctx context.Context, movementID string, reason string) (store.StepResult, error) {
	return l.run(ctx, movementID, "rollback", func(ctx context.Context) (store.StepResult, error) {
		return l.inner.Rollback(ctx, movementID, reason)
	})
}

func (l *IdempotentLedger) run(ctx context.Context, movementID, step string, call func(context.Context) (store.StepResult, error)) (store.StepResult, error) {
	record, err := l.journal.Begin(ctx, movementID, step)
	if err != nil {
		return store.StepResult{}, err
	}
	if record != nil {
		log.Printf("level=info component=idempotent_ledger msg=\"step replayed from journal\" movement_id=%s step=%s", movementID, step)
		return store.StepResult{
			OK:         record.OK,
			Reason:     record.Reason,
			TransferID: record.TransferID,
			Token:      record.Token,
			Replayed:   true,
		}, nil
	}

	result, callErr := call(ctx)
	cleanupCtx := context.WithoutCancel(ctx)

	if callErr != nil && (errors.Is(callErr, context.DeadlineExceeded) || errors.Is(callErr, context.Canceled)) {
		log.Printf("level=warn component=idempotent_ledger msg=\"ledger outcome unknown; step stays locked until marker expires\" movement_id=%s step=%s err=%v", movementID, step, callErr)
		return result, callErr
	}

	if callErr != nil || !result.OK {
		if abandonErr := l.journal.Abandon(cleanupCtx, movementID, step); abandonErr != nil {
			log.Printf("level=warn component=idempotent_ledger msg=\"journal abandon failed\" movement_id=%s step=%s err=%v", movementID, step, abandonErr)
		}
		return result, callErr
	}

	completeErr := l.journal.Complete(cleanupCtx, movementID, step, store.JournalRecord{
		OK:         true,
		Reason:     result.Reason,
		TransferID: result.TransferID,
		Token:      result.Token,
		RecordedAt: l.now().UTC(),
	})
	if completeErr != nil {
		log.Printf("level=error component=idempotent_ledger msg=\"journal complete failed after ledger success\" movement_id=%s step=%s err=%v", movementID, step, completeErr)
	}
	return result, nil
}
