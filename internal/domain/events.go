package domain

import (
	"encoding/json"
	"time"
)

// Session lifecycle event types mirrored to observers alongside clearinghouse commands.
const (
	EventSessionConnected    = "session.connected"
	EventSessionDisconnected = "session.disconnected"
	EventSessionError        = "session.error"
)

// ObservedEvent is the copy of a clearinghouse event pushed to local observers
// (the back-office UI channel).
type ObservedEvent struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	BankID     string          `json:"bank_id"`
	MovementID string          `json:"movement_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// OutboundMovementRequest registers a locally created cross-bank movement that the
// clearinghouse will later drive through the protocol.
type OutboundMovementRequest struct {
	MovementID  string `json:"movement_id"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Concept     string `json:"concept"`
}

// AccountInfo is what the ledger reports about one of this bank's accounts.
type AccountInfo struct {
	Name           string `json:"name"`
	Identification string `json:"identification"`
	Currency       string `json:"currency"`
	Debit          bool   `json:"debit"`
	Credit         bool   `json:"credit"`
}

// AccountValidation is the response to an IBAN validation request.
type AccountValidation struct {
	Exists bool         `json:"exists"`
	Info   *AccountInfo `json:"info"`
}
