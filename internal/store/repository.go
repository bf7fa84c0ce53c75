/**
 * @description
 * This file defines the contracts between the clearing participant and its persistence
 * collaborators: the Ledger Port (one idempotent operation per protocol step), the step
 * journal that enforces idempotency per (movement, step), the movement repository used for
 * audit and restart, and the account directory used by the IBAN validation endpoint.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/clearing-service/internal/domain"
)

var (
	ErrMovementNotFound = errors.New("movement not found")
	ErrAccountNotFound  = errors.New("account not found")
	ErrStepInFlight     = errors.New("step in progress")
	ErrJournalCorrupt   = errors.New("step journal record unreadable")
)

// StepResult is the outcome of one ledger operation. TransferID and Token are only set by Intent.
type StepResult struct {
	OK         bool
	Reason     string
	TransferID string
	Token      string
	// Replayed is set when the result came from the step journal instead of the ledger.
	Replayed bool
}

// Ledger is the only side-effecting boundary of the participant. Every operation is keyed by
// the movement id and must be safe to repeat.
type Ledger interface {
	Intent(ctx context.Context, movementID string) (StepResult, error)
	Reserve(ctx context.Context, movementID string) (StepResult, error)
	Init(ctx context.Context, movementID string) (StepResult, error)
	Credit(ctx context.Context, movementID string, toIBAN string) (StepResult, error)
	Debit(ctx context.Context, movementID string) (StepResult, error)
	Commit(ctx context.Context, movementID string) (StepResult, error)
	Reject(ctx context.Context, movementID string, reason string) (StepResult, error)
	Rollback(ctx context.Context, movementID string, reason string) (StepResult, error)
}

// JournalRecord is a confirmed ledger success stored under (movement, step).
type JournalRecord struct {
	OK         bool      `json:"ok"`
	Reason     string    `json:"reason,omitempty"`
	TransferID string    `json:"transfer_id,omitempty"`
	Token      string    `json:"token,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StepJournal records which (movement, step) pairs the ledger has already applied.
type StepJournal interface {
	// Begin returns the stored record when the step already succeeded. Otherwise it takes the
	// in-flight marker for the step and returns nil; ErrStepInFlight means another call holds it.
	Begin(ctx context.Context, movementID, step string) (*JournalRecord, error)
	// Complete stores a successful result and clears the in-flight marker.
	Complete(ctx context.Context, movementID, step string, record JournalRecord) error
	// Abandon clears the in-flight marker without storing anything, leaving the step retryable.
	Abandon(ctx context.Context, movementID, step string) error
}

// MovementRepository persists movement state for audit and for recovery after a restart.
type MovementRepository interface {
	FindMovementByID(ctx context.Context, movementID string) (*domain.Movement, error)
	SaveMovement(ctx context.Context, movement domain.Movement) error
}

// AccountDirectory answers whether an IBAN belongs to this bank.
type AccountDirectory interface {
	ValidateAccount(ctx context.Context, iban string) (*domain.AccountInfo, error)
}
