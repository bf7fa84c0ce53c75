/**
 * @description
 * PostgreSQL and in-memory implementations of MovementRepository. The clearing_movements
 * table is the audit trail of every movement this participant has seen; rows are upserted on
 * each confirmed transition and never deleted.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Amount column round-trips as numeric text.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/clearing-service/internal/domain"
)

// PostgresMovementRepository stores movements in the clearing_movements table.
type PostgresMovementRepository struct {
	db *pgxpool.Pool
}

// NewPostgresMovementRepository creates a new instance of PostgresMovementRepository.
func NewPostgresMovementRepository(db *pgxpool.Pool) *PostgresMovementRepository {
	return &PostgresMovementRepository{db: db}
}

// FindMovementByID loads one movement by its clearinghouse id.
func (r *PostgresMovementRepository) FindMovementByID(ctx context.Context, movementID string) (*domain.Movement, error) {
	query := `
		SELECT movement_id, COALESCE(transfer_id, ''), COALESCE(token, ''), state, direction, applied_legs,
			COALESCE(counterparty_iban, ''), COALESCE(reason, ''), COALESCE(from_account, ''), COALESCE(to_account, ''),
			amount::text, COALESCE(currency, ''), COALESCE(concept, ''), created_at, updated_at
		FROM clearing_movements
		WHERE movement_id = $1
	`
	var (
		m         domain.Movement
		state     string
		direction string
		legs      int16
		amount    *string
	)
	err := r.db.QueryRow(ctx, query, movementID).Scan(
		&m.ID,
		&m.TransferID,
		&m.Token,
		&state,
		&direction,
		&legs,
		&m.CounterpartyIBAN,
		&m.Reason,
		&m.FromAccount,
		&m.ToAccount,
		&amount,
		&m.Currency,
		&m.Concept,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMovementNotFound
		}
		return nil, err
	}

	m.State = domain.MovementState(state)
	if !m.State.Valid() {
		return nil, fmt.Errorf("movement %s has unknown state %q", movementID, state)
	}
	m.Direction = domain.Direction(direction)
	m.AppliedLegs = domain.Legs(legs)
	if amount != nil {
		parsed, parseErr := decimal.NewFromString(*amount)
		if parseErr != nil {
			return nil, fmt.Errorf("movement %s amount: %w", movementID, parseErr)
		}
		m.Amount = decimal.NewNullDecimal(parsed)
	}
	return &m, nil
}

// SaveMovement upserts the movement row.
func (r *PostgresMovementRepository) SaveMovement(ctx context.Context, m domain.Movement) error {
	query := `
		INSERT INTO clearing_movements (
			movement_id, transfer_id, token, state, direction, applied_legs, counterparty_iban, reason,
			from_account, to_account, amount, currency, concept, created_at, updated_at
		)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''),
			NULLIF($9, ''), NULLIF($10, ''), $11::numeric, NULLIF($12, ''), NULLIF($13, ''), $14, $15)
		ON CONFLICT (movement_id)
		DO UPDATE SET
			transfer_id = COALESCE(EXCLUDED.transfer_id, clearing_movements.transfer_id),
			token = COALESCE(EXCLUDED.token, clearing_movements.token),
			state = EXCLUDED.state,
			direction = EXCLUDED.direction,
			applied_legs = EXCLUDED.applied_legs,
			counterparty_iban = COALESCE(EXCLUDED.counterparty_iban, clearing_movements.counterparty_iban),
			reason = COALESCE(EXCLUDED.reason, clearing_movements.reason),
			from_account = COALESCE(EXCLUDED.from_account, clearing_movements.from_account),
			to_account = COALESCE(EXCLUDED.to_account, clearing_movements.to_account),
			amount = COALESCE(EXCLUDED.amount, clearing_movements.amount),
			currency = COALESCE(EXCLUDED.currency, clearing_movements.currency),
			concept = COALESCE(EXCLUDED.concept, clearing_movements.concept),
			updated_at = EXCLUDED.updated_at
	`
	var amount *string
	if m.Amount.Valid {
		text := m.Amount.Decimal.String()
		amount = &text
	}
	_, err := r.db.Exec(ctx, query,
		m.ID,
		m.TransferID,
		m.Token,
		string(m.State),
		string(m.Direction),
		int16(m.AppliedLegs),
		m.CounterpartyIBAN,
		m.Reason,
		m.FromAccount,
		m.ToAccount,
		amount,
		m.Currency,
		m.Concept,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save movement %s: %w", m.ID, err)
	}
	return nil
}

// MemoryMovementRepository keeps movements in a map. Used by tests and when DATABASE_URL is unset.
type MemoryMovementRepository struct {
	mu        sync.RWMutex
	movements map[string]domain.Movement
}

func NewMemoryMovementRepository() *MemoryMovementRepository {
	return &MemoryMovementRepository{movements: make(map[string]domain.Movement)}
}

func (r *MemoryMovementRepository) FindMovementByID(ctx context.Context, movementID string) (*domain.Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.movements[movementID]
	if !ok {
		return nil, ErrMovementNotFound
	}
	return &m, nil
}

func (r *MemoryMovementRepository) SaveMovement(ctx context.Context, m domain.Movement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.movements[m.ID] = m
	return nil
}
