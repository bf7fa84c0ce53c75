package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CommandKind is the event name the clearinghouse uses for a protocol step.
type CommandKind string

const (
	CommandIntent   CommandKind = "transfer.intent"
	CommandReserve  CommandKind = "transfer.reserve"
	CommandInit     CommandKind = "transfer.init"
	CommandCredit   CommandKind = "transfer.credit"
	CommandDebit    CommandKind = "transfer.debit"
	CommandCommit   CommandKind = "transfer.commit"
	CommandReject   CommandKind = "transfer.reject"
	CommandRollback CommandKind = "transfer.rollback"
)

var knownCommands = map[CommandKind]struct{}{
	CommandIntent:   {},
	CommandReserve:  {},
	CommandInit:     {},
	CommandCredit:   {},
	CommandDebit:    {},
	CommandCommit:   {},
	CommandReject:   {},
	CommandRollback: {},
}

// ParseCommandKind maps an inbound event type to a command kind.
func ParseCommandKind(eventType string) (CommandKind, bool) {
	kind := CommandKind(strings.TrimSpace(eventType))
	_, ok := knownCommands[kind]
	return kind, ok
}

// Step is the short step name ("credit") used for ledger idempotency keys and logs.
func (k CommandKind) Step() string {
	return strings.TrimPrefix(string(k), "transfer.")
}

// ResultType returns the acknowledgment event type, or false for the fire-and-forget steps.
func (k CommandKind) ResultType() (string, bool) {
	switch k {
	case CommandInit, CommandCommit, CommandRollback:
		return "", false
	default:
		return string(k) + ".result", true
	}
}

// Frame is the wire shape of every message exchanged with the clearinghouse.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is a decoded clearinghouse instruction for one movement.
type Command struct {
	Kind        CommandKind         `json:"-"`
	MovementID  string              `json:"id"`
	To          string              `json:"to,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Token       string              `json:"token,omitempty"`
	FromAccount string              `json:"from_account,omitempty"`
	ToAccount   string              `json:"to_account,omitempty"`
	Amount      decimal.NullDecimal `json:"amount"`
	Currency    string              `json:"currency,omitempty"`
	Concept     string              `json:"concept,omitempty"`

	// Raw keeps the original payload for the observer mirror.
	Raw json.RawMessage `json:"-"`
	// Generation is the session the command arrived on; zero for locally issued commands.
	Generation uint64    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

// ResultData is the body of a *.result acknowledgment.
type ResultData struct {
	ID         string `json:"id"`
	TransferID string `json:"transfer_id,omitempty"`
	Token      string `json:"token,omitempty"`
	OK         bool   `json:"ok"`
	Reason     string `json:"reason,omitempty"`
}

// ResultEnvelope is an acknowledgment sent back to the clearinghouse.
type ResultEnvelope struct {
	Type string     `json:"type"`
	Data ResultData `json:"data"`
}
