/**
 * @description
 * This file defines the core domain model for the clearing participant: the Movement,
 * which is one bank-local leg of a transfer driven by the central clearinghouse.
 *
 * @notes
 * - State is an explicit tagged value. Legal transitions live in transition.go so that
 *   every handler goes through the same table.
 * - Amounts use shopspring/decimal; the clearinghouse sends them as JSON numbers.
 */

package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MovementState is the protocol state of a movement.
type MovementState string

const (
	StateReceived   MovementState = "RECEIVED"
	StateIntended   MovementState = "INTENDED"
	StateReserved   MovementState = "RESERVED"
	StateInitiated  MovementState = "INITIATED"
	StateCredited   MovementState = "CREDITED"
	StateDebited    MovementState = "DEBITED"
	StateCommitted  MovementState = "COMMITTED"
	StateRejected   MovementState = "REJECTED"
	StateRolledBack MovementState = "ROLLED_BACK"
)

// Terminal reports whether no further command may mutate a movement in this state.
func (s MovementState) Terminal() bool {
	switch s {
	case StateCommitted, StateRejected, StateRolledBack:
		return true
	default:
		return false
	}
}

// Rank orders states along the success path. CREDITED and DEBITED share a rank because the
// two legs may complete in either order. Early-termination states rank above everything.
func (s MovementState) Rank() int {
	switch s {
	case StateReceived:
		return 0
	case StateIntended:
		return 1
	case StateReserved:
		return 2
	case StateInitiated:
		return 3
	case StateCredited, StateDebited:
		return 4
	case StateCommitted:
		return 5
	case StateRejected, StateRolledBack:
		return 6
	default:
		return -1
	}
}

// Valid reports whether s is one of the known states.
func (s MovementState) Valid() bool {
	return s.Rank() >= 0
}

// Direction tells which value-moving legs this bank performs for a movement.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
	DirectionBoth   Direction = "both"
)

// Legs is the set of value-moving steps confirmed by the ledger.
type Legs uint8

const (
	LegCredit Legs = 1 << iota
	LegDebit
)

// Has reports whether every leg in other is present.
func (l Legs) Has(other Legs) bool {
	return l&other == other
}

func (l Legs) String() string {
	var parts []string
	if l.Has(LegCredit) {
		parts = append(parts, "credit")
	}
	if l.Has(LegDebit) {
		parts = append(parts, "debit")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Required returns the legs that must be applied before the movement can commit.
func (d Direction) Required() Legs {
	switch d {
	case DirectionCredit:
		return LegCredit
	case DirectionDebit:
		return LegDebit
	default:
		return LegCredit | LegDebit
	}
}

// Movement is one bank-local leg of a transfer tracked through the clearing protocol.
type Movement struct {
	ID               string              `json:"id"`
	TransferID       string              `json:"transfer_id,omitempty"`
	Token            string              `json:"-"`
	State            MovementState       `json:"state"`
	Direction        Direction           `json:"direction"`
	AppliedLegs      Legs                `json:"applied_legs"`
	CounterpartyIBAN string              `json:"counterparty_iban,omitempty"`
	Reason           string              `json:"reason,omitempty"`
	FromAccount      string              `json:"from_account,omitempty"`
	ToAccount        string              `json:"to_account,omitempty"`
	Amount           decimal.NullDecimal `json:"amount"`
	Currency         string              `json:"currency,omitempty"`
	Concept          string              `json:"concept,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// NewMovement returns a RECEIVED movement.
func NewMovement(id string, now time.Time) Movement {
	return Movement{
		ID:        id,
		State:     StateReceived,
		Direction: DirectionBoth,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// InferDirection derives the legs this bank performs from the account numbers carried by an
// intent. Accounts owned by this bank start with ibanPrefix.
func InferDirection(ibanPrefix, fromAccount, toAccount string) Direction {
	prefix := NormalizeIBAN(ibanPrefix)
	if prefix == "" {
		return DirectionBoth
	}
	debits := strings.HasPrefix(NormalizeIBAN(fromAccount), prefix)
	credits := strings.HasPrefix(NormalizeIBAN(toAccount), prefix)
	switch {
	case debits && !credits:
		return DirectionDebit
	case credits && !debits:
		return DirectionCredit
	default:
		return DirectionBoth
	}
}

// NormalizeIBAN strips whitespace and upper-cases an account number.
func NormalizeIBAN(iban string) string {
	return strings.ToUpper(strings.Join(strings.Fields(iban), ""))
}
