/**
 * @description
 * PostgresLedger implements the Ledger Port on top of the bank's stored procedures
 * (sp_transfer_intent, sp_transfer_reserve, ...). Each call is a single statement; the
 * procedures own the balance and movement rows.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger calls the transfer stored procedures through a pgx pool.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger creates a new instance of PostgresLedger.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Intent asks the ledger to accept the movement and issue a transfer id and token.
func (l *PostgresLedger) Intent(ctx context.Context, movementID string) (StepResult, error) {
	var transferID, token *string
	query := `SELECT transfer_id::text, token::text FROM sp_transfer_intent(p_movimiento_id => $1)`
	err := l.db.QueryRow(ctx, query, movementID).Scan(&transferID, &token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StepResult{OK: false, Reason: "intent not accepted by ledger"}, nil
		}
		return StepResult{}, fmt.Errorf("sp_transfer_intent: %w", err)
	}
	return StepResult{OK: true, TransferID: derefString(transferID), Token: derefString(token)}, nil
}

// Reserve holds funds for the movement.
func (l *PostgresLedger) Reserve(ctx context.Context, movementID string) (StepResult, error) {
	return l.checkedStep(ctx, "sp_transfer_reserve", `SELECT ok, reason FROM sp_transfer_reserve(p_movimiento_id => $1)`, movementID)
}

// Init marks the movement as started. The procedure returns nothing.
func (l *PostgresLedger) Init(ctx context.Context, movementID string) (StepResult, error) {
	return l.voidStep(ctx, "sp_transfer_init", `SELECT sp_transfer_init(p_movimiento_id => $1)`, movementID)
}

// Credit applies the incoming leg to the destination account.
func (l *PostgresLedger) Credit(ctx context.Context, movementID string, toIBAN string) (StepResult, error) {
	return l.checkedStep(ctx, "sp_transfer_credit", `SELECT ok, reason FROM sp_transfer_credit(p_movimiento_id => $1, p_to_iban => $2)`, movementID, strings.TrimSpace(toIBAN))
}

// Debit applies the outgoing leg to the source account.
func (l *PostgresLedger) Debit(ctx context.Context, movementID string) (StepResult, error) {
	return l.checkedStep(ctx, "sp_transfer_debit", `SELECT ok, reason FROM sp_transfer_debit(p_movimiento_id => $1)`, movementID)
}

// Commit finalizes the movement.
func (l *PostgresLedger) Commit(ctx context.Context, movementID string) (StepResult, error) {
	return l.voidStep(ctx, "sp_transfer_commit", `SELECT sp_transfer_commit(p_movimiento_id => $1)`, movementID)
}

// Reject marks the movement as rejected and releases any hold.
func (l *PostgresLedger) Reject(ctx context.Context, movementID string, reason string) (StepResult, error) {
	return l.voidStep(ctx, "sp_transfer_reject", `SELECT sp_transfer_reject(p_movimiento_id => $1, p_reason => $2)`, movementID, reason)
}

// Rollback compensates every step applied after reserve.
func (l *PostgresLedger) Rollback(ctx context.Context, movementID string, reason string) (StepResult, error) {
	return l.voidStep(ctx, "sp_transfer_rollback", `SELECT sp_transfer_rollback(p_movimiento_id => $1, p_reason => $2)`, movementID, reason)
}

func (l *PostgresLedger) checkedStep(ctx context.Context, procedure, query string, args ...interface{}) (StepResult, error) {
	var (
		ok     *bool
		reason *string
	)
	err := l.db.QueryRow(ctx, query, args...).Scan(&ok, &reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StepResult{OK: false, Reason: procedure + " returned no result"}, nil
		}
		return StepResult{}, fmt.Errorf("%s: %w", procedure, err)
	}
	return StepResult{OK: ok != nil && *ok, Reason: derefString(reason)}, nil
}

func (l *PostgresLedger) voidStep(ctx context.Context, procedure, query string, args ...interface{}) (StepResult, error) {
	if _, err := l.db.Exec(ctx, query, args...); err != nil {
		return StepResult{}, fmt.Errorf("%s: %w", procedure, err)
	}
	return StepResult{OK: true}, nil
}

// FailureReason turns a ledger error into the reason reported to the clearinghouse.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, ErrStepInFlight) {
		return ErrStepInFlight.Error()
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	return err.Error()
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
