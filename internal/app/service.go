/**
 * @description
 * Service is the facade the HTTP API uses: session status, movement inspection, registration of
 * locally originated movements, and IBAN validation for the clearinghouse.
 *
 * @dependencies
 * - github.com/google/uuid: Movement ids for outbound registrations that do not bring one.
 * - github.com/shopspring/decimal: Amount parsing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/clearing-service/internal/domain"
	"github.com/transfa/clearing-service/internal/store"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidIBAN          = errors.New("invalid IBAN format")
	ErrDirectoryUnavailable = errors.New("account directory unavailable")
)

// StatusSource reports the session state.
type StatusSource interface {
	Status() ConnectionStatus
}

// ClearingStatus is the body of GET /clearing/status.
type ClearingStatus struct {
	BankID               string           `json:"bank_id"`
	Session              ConnectionStatus `json:"session"`
	PendingResults       int              `json:"pending_results"`
	SentResults          uint64           `json:"sent_results"`
	Dispatcher           DispatcherStats  `json:"dispatcher"`
	CachedMovements      int              `json:"cached_movements"`
	UnpersistedMovements int              `json:"unpersisted_movements"`
}

// Service wires the read and registration use cases.
type Service struct {
	bankID      string
	ibanPrefix  string
	ibanPattern *regexp.Regexp
	book        *MovementBook
	session     StatusSource
	acks        *Acknowledger
	dispatcher  *Dispatcher
	accounts    store.AccountDirectory
	now         func() time.Time
}

// NewService creates the facade. accounts may be nil when no database is configured.
func NewService(bankID, ibanPrefix string, book *MovementBook, session StatusSource, acks *Acknowledger, dispatcher *Dispatcher, accounts store.AccountDirectory) *Service {
	prefix := domain.NormalizeIBAN(ibanPrefix)
	return &Service{
		bankID:      bankID,
		ibanPrefix:  prefix,
		ibanPattern: regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + "[0-9]{12}$"),
		book:        book,
		session:     session,
		acks:        acks,
		dispatcher:  dispatcher,
		accounts:    accounts,
		now:         time.Now,
	}
}

func (s *Service) Status() ClearingStatus {
	status := ClearingStatus{
		BankID:               s.bankID,
		CachedMovements:      s.book.Len(),
		UnpersistedMovements: s.book.Unpersisted(),
	}
	if s.session != nil {
		status.Session = s.session.Status()
	}
	if s.acks != nil {
		status.PendingResults = s.acks.Depth()
		status.SentResults = s.acks.Sent()
	}
	if s.dispatcher != nil {
		status.Dispatcher = s.dispatcher.Stats()
	}
	return status
}

// GetMovement returns the movement or store.ErrMovementNotFound.
func (s *Service) GetMovement(ctx context.Context, movementID string) (*domain.Movement, error) {
	m, found, err := s.book.Get(ctx, strings.TrimSpace(movementID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, store.ErrMovementNotFound
	}
	return &m, nil
}

// RegisterOutbound records a RECEIVED movement for a cross-bank transfer created locally.
func (s *Service) RegisterOutbound(ctx context.Context, req domain.OutboundMovementRequest) (*domain.Movement, error) {
	from := domain.NormalizeIBAN(req.FromAccount)
	to := domain.NormalizeIBAN(req.ToAccount)
	if from == "" || to == "" {
		return nil, fmt.Errorf("%w: from_account and to_account are required", ErrInvalidRequest)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, fmt.Errorf("%w: amount must be a decimal number", ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}

	movementID := strings.TrimSpace(req.MovementID)
	if movementID == "" {
		movementID = uuid.NewString()
	}

	m := domain.NewMovement(movementID, s.now().UTC())
	m.FromAccount = from
	m.ToAccount = to
	m.Amount = decimal.NewNullDecimal(amount)
	m.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	m.Concept = strings.TrimSpace(req.Concept)
	m.Direction = domain.InferDirection(s.ibanPrefix, from, to)

	if err := s.book.Create(ctx, m); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"outbound movement registered\" movement_id=%s direction=%s", m.ID, m.Direction)
	return &m, nil
}

// ValidateAccount answers whether iban is an account of this bank.
func (s *Service) ValidateAccount(ctx context.Context, iban string) (*domain.AccountValidation, error) {
	normalized := domain.NormalizeIBAN(iban)
	if !s.ibanPattern.MatchString(normalized) {
		return nil, ErrInvalidIBAN
	}
	if s.accounts == nil {
		return nil, ErrDirectoryUnavailable
	}

	info, err := s.accounts.ValidateAccount(ctx, normalized)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return &domain.AccountValidation{Exists: false}, nil
		}
		return nil, err
	}
	return &domain.AccountValidation{Exists: true, Info: info}, nil
}
