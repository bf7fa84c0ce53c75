/**
 * @description
 * ConnectionManager owns the clearinghouse session: it dials with the bank credentials, feeds
 * every received frame to the dispatcher, keeps the link alive with pings, and reconnects
 * with backoff until its context is cancelled.
 *
 * @notes
 * - Each successful handshake bumps the session generation. Commands carry the generation they
 *   arrived on so lanes can drop work from a session that has since gone away.
 * - The acknowledger is attached after the session is marked ready and detached before it is
 *   closed.
 */

package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/transfa/clearing-service/internal/domain"
	"github.com/transfa/clearing-service/pkg/clearingws"
)

const defaultPingInterval = 20 * time.Second

// FrameDispatcher receives raw frames from the read loop.
type FrameDispatcher interface {
	Dispatch(ctx context.Context, payload []byte, generation uint64) error
}

// SessionSink is told which session outbound results should use.
type SessionSink interface {
	Attach(s clearingws.Session)
	Detach(s clearingws.Session)
}

// ConnectionStatus is a snapshot of the session for the status endpoint.
type ConnectionStatus struct {
	Ready          bool       `json:"ready"`
	Generation     uint64     `json:"generation"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Reconnects     uint64     `json:"reconnects"`
}

// ConnectionManager keeps exactly one session to the clearinghouse open.
type ConnectionManager struct {
	dialer       clearingws.Dialer
	dispatcher   FrameDispatcher
	acks         SessionSink
	observer     ObserverPublisher
	bankID       string
	backoff      *Backoff
	pingInterval time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) bool

	ready      atomic.Bool
	generation atomic.Uint64

	mu          sync.Mutex
	connectedAt time.Time
	lastErr     string
	reconnects  uint64
}

func NewConnectionManager(dialer clearingws.Dialer, dispatcher FrameDispatcher, acks SessionSink, observer ObserverPublisher, bankID string, backoff *Backoff, pingInterval time.Duration) *ConnectionManager {
	if backoff == nil {
		backoff = NewBackoff(defaultReconnectMin, defaultReconnectMax)
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &ConnectionManager{
		dialer:       dialer,
		dispatcher:   dispatcher,
		acks:         acks,
		observer:     observer,
		bankID:       bankID,
		backoff:      backoff,
		pingInterval: pingInterval,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// Ready reports whether a session is currently established.
func (m *ConnectionManager) Ready() bool {
	return m.ready.Load()
}

// Generation identifies the current (or last) session.
func (m *ConnectionManager) Generation() uint64 {
	return m.generation.Load()
}

func (m *ConnectionManager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := ConnectionStatus{
		Ready:      m.ready.Load(),
		Generation: m.generation.Load(),
		LastError:  m.lastErr,
		Reconnects: m.reconnects,
	}
	if status.Ready && !m.connectedAt.IsZero() {
		since := m.connectedAt
		status.ConnectedSince = &since
	}
	return status
}

// Run dials and serves sessions until ctx is cancelled.
func (m *ConnectionManager) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		session, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.recordError(err)
			level := "warn"
			if errors.Is(err, clearingws.ErrUnauthorized) {
				level = "error"
			}
			delay := m.backoff.Next()
			log.Printf("level=%s component=connection_manager msg=\"clearinghouse dial failed\" retry_in=%s err=%v", level, delay, err)
			publishObserved(m.observer, NewObservedEvent(m.bankID, domain.EventSessionError, "", nil, err.Error(), m.now()))
			if !m.sleep(ctx, delay) {
				return
			}
			continue
		}

		m.backoff.Reset()
		generation := m.generation.Add(1)
		m.mu.Lock()
		m.connectedAt = m.now().UTC()
		if generation > 1 {
			m.reconnects++
		}
		m.mu.Unlock()
		m.ready.Store(true)
		m.acks.Attach(session)
		log.Printf("level=info component=connection_manager msg=\"clearinghouse session established\" bank_id=%s generation=%d", m.bankID, generation)
		publishObserved(m.observer, NewObservedEvent(m.bankID, domain.EventSessionConnected, "", nil, "", m.now()))

		serveErr := m.serve(ctx, session, generation)

		m.ready.Store(false)
		m.acks.Detach(session)
		_ = session.Close()

		if ctx.Err() != nil {
			log.Printf("level=info component=connection_manager msg=\"clearinghouse session closed on shutdown\" generation=%d", generation)
			return
		}

		m.recordError(serveErr)
		delay := m.backoff.Next()
		log.Printf("level=warn component=connection_manager msg=\"clearinghouse session lost\" generation=%d retry_in=%s err=%v", generation, delay, serveErr)
		publishObserved(m.observer, NewObservedEvent(m.bankID, domain.EventSessionDisconnected, "", nil, errString(serveErr), m.now()))
		if !m.sleep(ctx, delay) {
			return
		}
	}
}

func (m *ConnectionManager) serve(ctx context.Context, session clearingws.Session, generation uint64) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-sessionCtx.Done()
		_ = session.Close()
	}()
	go m.keepAlive(sessionCtx, session, generation)

	for {
		payload, err := session.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := m.dispatcher.Dispatch(ctx, payload, generation); err != nil {
			return err
		}
	}
}

func (m *ConnectionManager) keepAlive(ctx context.Context, session clearingws.Session, generation uint64) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.Ping(); err != nil {
				log.Printf("level=warn component=connection_manager msg=\"ping failed; dropping session\" generation=%d err=%v", generation, err)
				_ = session.Close()
				return
			}
		}
	}
}

func (m *ConnectionManager) recordError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
