package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIllegalTransition is wrapped by every TransitionError.
var ErrIllegalTransition = errors.New("illegal transition")

// TransitionError describes why a command cannot be applied to a movement in its current state.
// Reason is what the clearinghouse sees in the ok:false acknowledgment.
type TransitionError struct {
	Kind   CommandKind
	State  MovementState
	Reason string
}

func (e *TransitionError) Error() string {
	return e.Reason
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// Duplicate reports whether the command repeats a step the movement already passed.
func (e *TransitionError) Duplicate() bool {
	return strings.HasPrefix(e.Reason, "already ")
}

func illegal(kind CommandKind, state MovementState, format string, args ...interface{}) error {
	return &TransitionError{Kind: kind, State: state, Reason: fmt.Sprintf(format, args...)}
}

func invalidState(kind CommandKind, state MovementState) error {
	return illegal(kind, state, "invalid state %s for %s", state, kind.Step())
}

// CheckTransition validates that kind may be applied to m. It never mutates m.
func CheckTransition(m Movement, kind CommandKind) error {
	if m.State.Terminal() {
		return illegal(kind, m.State, "movement is %s", m.State)
	}

	rank := m.State.Rank()
	switch kind {
	case CommandIntent:
		if m.State == StateReceived {
			return nil
		}
		return illegal(kind, m.State, "already intended")

	case CommandReserve:
		if m.State == StateIntended {
			return nil
		}
		if rank > StateIntended.Rank() {
			return illegal(kind, m.State, "already reserved")
		}
		return invalidState(kind, m.State)

	case CommandInit:
		if m.State == StateReserved {
			return nil
		}
		if rank > StateReserved.Rank() {
			return illegal(kind, m.State, "already initiated")
		}
		return invalidState(kind, m.State)

	case CommandCredit:
		if m.AppliedLegs.Has(LegCredit) {
			return illegal(kind, m.State, "already credited")
		}
		if m.State == StateInitiated || m.State == StateDebited {
			return nil
		}
		return invalidState(kind, m.State)

	case CommandDebit:
		if m.AppliedLegs.Has(LegDebit) {
			return illegal(kind, m.State, "already debited")
		}
		if m.State == StateInitiated || m.State == StateCredited {
			return nil
		}
		return invalidState(kind, m.State)

	case CommandCommit:
		required := m.Direction.Required()
		if rank == StateCredited.Rank() && m.AppliedLegs.Has(required) {
			return nil
		}
		return illegal(kind, m.State, "commit requires %s applied, movement has %s in state %s", required, m.AppliedLegs, m.State)

	case CommandReject:
		return nil

	case CommandRollback:
		if rank >= StateReserved.Rank() {
			return nil
		}
		return invalidState(kind, m.State)
	}

	return illegal(kind, m.State, "unsupported command %s", kind)
}

// Advance moves m to the post-state of kind after a confirmed ledger success. The caller must
// have passed CheckTransition first.
func Advance(m Movement, kind CommandKind, cmd Command, now time.Time) Movement {
	switch kind {
	case CommandIntent:
		m.State = StateIntended
	case CommandReserve:
		m.State = StateReserved
	case CommandInit:
		m.State = StateInitiated
	case CommandCredit:
		m.State = StateCredited
		m.AppliedLegs |= LegCredit
		if cmd.To != "" {
			m.CounterpartyIBAN = NormalizeIBAN(cmd.To)
		}
	case CommandDebit:
		m.State = StateDebited
		m.AppliedLegs |= LegDebit
	case CommandCommit:
		m.State = StateCommitted
	case CommandReject:
		m.State = StateRejected
		m.Reason = cmd.Reason
	case CommandRollback:
		m.State = StateRolledBack
		m.Reason = cmd.Reason
	}
	m.UpdatedAt = now
	return m
}
