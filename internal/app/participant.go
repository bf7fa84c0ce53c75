/**
 * @description
 * Participant is the transfer state machine. For every clearinghouse command it validates the
 * transition against the movement's current state, calls exactly one Ledger operation, advances
 * the movement only after a confirmed success, and queues the acknowledgment.
 *
 * Key features:
 * - Illegal transitions never reach the ledger; they are answered ok:false where a result type exists.
 * - Ledger calls are bounded by LedgerTimeout and reported as reason "timeout".
 * - Commands from a session that is no longer current skip the ledger and are answered ok:false.
 * - Optional strict token check against the token issued at intent.
 *
 * @dependencies
 * - internal/domain: Movement states and the transition table.
 * - internal/store: Ledger port and failure reasons.
 */

package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/transfa/clearing-service/internal/domain"
	"github.com/transfa/clearing-service/internal/store"
)

const (
	defaultLedgerTimeout     = 10 * time.Second
	reasonSessionUnavailable = "session unavailable"
)

// SessionState reports whether the clearinghouse session a command arrived on is still current.
type SessionState interface {
	Ready() bool
	Generation() uint64
}

// ResultSink receives acknowledgments bound for the clearinghouse.
type ResultSink interface {
	Enqueue(envelope domain.ResultEnvelope)
}

// ParticipantConfig holds the behavior switches of the state machine.
type ParticipantConfig struct {
	BankIBANPrefix   string
	LedgerTimeout    time.Duration
	StrictTokenCheck bool
}

// Participant applies clearinghouse commands to movements.
type Participant struct {
	ledger  store.Ledger
	book    *MovementBook
	acks    ResultSink
	session SessionState
	cfg     ParticipantConfig
	now     func() time.Time
}

// NewParticipant creates the state machine. session may be nil for local use.
func NewParticipant(ledger store.Ledger, book *MovementBook, acks ResultSink, session SessionState, cfg ParticipantConfig) *Participant {
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaultLedgerTimeout
	}
	return &Participant{
		ledger:  ledger,
		book:    book,
		acks:    acks,
		session: session,
		cfg:     cfg,
		now:     time.Now,
	}
}

// BindSession attaches the session whose generation gates commands. Call it before the
// dispatcher starts.
func (p *Participant) BindSession(session SessionState) {
	p.session = session
}

// Handle processes one command. It must only be called from the lane that owns cmd.MovementID.
func (p *Participant) Handle(ctx context.Context, cmd domain.Command) {
	if p.staleSession(cmd) {
		log.Printf("level=warn component=participant msg=\"command from stale session refused\" movement_id=%s type=%s generation=%d", cmd.MovementID, cmd.Kind, cmd.Generation)
		p.respond(cmd, domain.ResultData{ID: cmd.MovementID, OK: false, Reason: reasonSessionUnavailable})
		return
	}

	m, found, err := p.book.Get(ctx, cmd.MovementID)
	if err != nil {
		log.Printf("level=error component=participant msg=\"movement lookup failed\" movement_id=%s type=%s err=%v", cmd.MovementID, cmd.Kind, err)
		p.respond(cmd, domain.ResultData{ID: cmd.MovementID, OK: false, Reason: "movement store unavailable"})
		return
	}
	if !found {
		m = domain.NewMovement(cmd.MovementID, p.now().UTC())
	}

	if err := domain.CheckTransition(m, cmd.Kind); err != nil {
		p.refuse(cmd, err)
		return
	}

	if p.tokenMismatch(m, cmd) {
		log.Printf("level=warn component=participant msg=\"token mismatch\" movement_id=%s type=%s", cmd.MovementID, cmd.Kind)
		p.respond(cmd, domain.ResultData{ID: cmd.MovementID, OK: false, Reason: "token mismatch"})
		return
	}

	result, err := p.callLedger(ctx, cmd)
	if err != nil || !result.OK {
		reason := p.failureReason(cmd, result, err)
		log.Printf("level=warn component=participant msg=\"ledger step failed\" movement_id=%s step=%s state=%s reason=%q err=%v", cmd.MovementID, cmd.Kind.Step(), m.State, reason, err)
		p.respond(cmd, domain.ResultData{ID: cmd.MovementID, OK: false, Reason: reason})
		return
	}

	next := domain.Advance(m, cmd.Kind, cmd, p.now().UTC())
	if cmd.Kind == domain.CommandIntent {
		next = p.applyIntent(next, cmd, result)
	}
	if err := p.book.Put(ctx, next); err != nil {
		log.Printf("level=error component=participant msg=\"movement persist failed; kept in cache for retry\" movement_id=%s state=%s err=%v", next.ID, next.State, err)
	}
	log.Printf("level=info component=participant msg=\"movement advanced\" movement_id=%s step=%s from=%s to=%s replayed=%t", next.ID, cmd.Kind.Step(), m.State, next.State, result.Replayed)

	data := domain.ResultData{ID: cmd.MovementID, OK: true}
	switch cmd.Kind {
	case domain.CommandIntent:
		data.TransferID = next.TransferID
		data.Token = next.Token
	case domain.CommandReject:
		data.Reason = cmd.Reason
	}
	p.respond(cmd, data)
}

func (p *Participant) staleSession(cmd domain.Command) bool {
	if cmd.Generation == 0 || p.session == nil {
		return false
	}
	return !p.session.Ready() || p.session.Generation() != cmd.Generation
}

func (p *Participant) tokenMismatch(m domain.Movement, cmd domain.Command) bool {
	if !p.cfg.StrictTokenCheck || cmd.Kind == domain.CommandIntent {
		return false
	}
	token := strings.TrimSpace(cmd.Token)
	return token != "" && m.Token != "" && token != m.Token
}

func (p *Participant) callLedger(ctx context.Context, cmd domain.Command) (store.StepResult, error) {
	ledgerCtx, cancel := context.WithTimeout(ctx, p.cfg.LedgerTimeout)
	defer cancel()

	var (
		result store.StepResult
		err    error
	)
	switch cmd.Kind {
	case domain.CommandIntent:
		result, err = p.ledger.Intent(ledgerCtx, cmd.MovementID)
	case domain.CommandReserve:
		result, err = p.ledger.Reserve(ledgerCtx, cmd.MovementID)
	case domain.CommandInit:
		result, err = p.ledger.Init(ledgerCtx, cmd.MovementID)
	case domain.CommandCredit:
		result, err = p.ledger.Credit(ledgerCtx, cmd.MovementID, cmd.To)
	case domain.CommandDebit:
		result, err = p.ledger.Debit(ledgerCtx, cmd.MovementID)
	case domain.CommandCommit:
		result, err = p.ledger.Commit(ledgerCtx, cmd.MovementID)
	case domain.CommandReject:
		result, err = p.ledger.Reject(ledgerCtx, cmd.MovementID, cmd.Reason)
	case domain.CommandRollback:
		result, err = p.ledger.Rollback(ledgerCtx, cmd.MovementID, cmd.Reason)
	default:
		return store.StepResult{}, errors.New("unsupported command " + string(cmd.Kind))
	}

	if err != nil && errors.Is(ledgerCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(err, context.DeadlineExceeded)
	}
	return result, err
}

func (p *Participant) failureReason(cmd domain.Command, result store.StepResult, err error) string {
	if err != nil {
		return store.FailureReason(err)
	}
	if strings.TrimSpace(result.Reason) != "" {
		return result.Reason
	}
	return cmd.Kind.Step() + " refused by ledger"
}

func (p *Participant) applyIntent(m domain.Movement, cmd domain.Command, result store.StepResult) domain.Movement {
	m.TransferID = result.TransferID
	m.Token = result.Token
	if cmd.FromAccount != "" {
		m.FromAccount = domain.NormalizeIBAN(cmd.FromAccount)
	}
	if cmd.ToAccount != "" {
		m.ToAccount = domain.NormalizeIBAN(cmd.ToAccount)
	}
	if cmd.Amount.Valid {
		m.Amount = cmd.Amount
	}
	if cmd.Currency != "" {
		m.Currency = strings.ToUpper(strings.TrimSpace(cmd.Currency))
	}
	if cmd.Concept != "" {
		m.Concept = cmd.Concept
	}
	m.Direction = domain.InferDirection(p.cfg.BankIBANPrefix, m.FromAccount, m.ToAccount)
	return m
}

func (p *Participant) refuse(cmd domain.Command, err error) {
	reason := err.Error()
	var transitionErr *domain.TransitionError
	if errors.As(err, &transitionErr) && transitionErr.Duplicate() {
		log.Printf("level=info component=participant msg=\"duplicate command\" movement_id=%s type=%s reason=%q", cmd.MovementID, cmd.Kind, reason)
	} else {
		log.Printf("level=warn component=participant msg=\"protocol violation\" movement_id=%s type=%s reason=%q", cmd.MovementID, cmd.Kind, reason)
	}
	p.respond(cmd, domain.ResultData{ID: cmd.MovementID, OK: false, Reason: reason})
}

func (p *Participant) respond(cmd domain.Command, data domain.ResultData) {
	resultType, ok := cmd.Kind.ResultType()
	if !ok {
		if !data.OK {
			log.Printf("level=warn component=participant msg=\"no result type; failure not acknowledged\" movement_id=%s type=%s reason=%q", cmd.MovementID, cmd.Kind, data.Reason)
		}
		return
	}
	p.acks.Enqueue(domain.ResultEnvelope{Type: resultType, Data: data})
}
