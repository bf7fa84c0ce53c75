package app

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/transfa/clearing-service/internal/domain"
	"github.com/transfa/clearing-service/pkg/clearingws"
)

const ackWriteTimeout = 10 * time.Second

// Acknowledger is the only writer on the clearinghouse session. Results are sent in enqueue
// order; the head is dropped from the queue only once the write succeeds, so results queued
// while disconnected go out on the next session.
type Acknowledger struct {
	mu      sync.Mutex
	queue   []domain.ResultEnvelope
	session clearingws.Session
	notify  chan struct{}
	sent    atomic.Uint64
}

func NewAcknowledger() *Acknowledger {
	return &Acknowledger{notify: make(chan struct{}, 1)}
}

// Enqueue appends a result. It never blocks on the network.
func (a *Acknowledger) Enqueue(envelope domain.ResultEnvelope) {
	a.mu.Lock()
	a.queue = append(a.queue, envelope)
	a.mu.Unlock()
	a.wake()
}

// Attach makes s the session results are written to.
func (a *Acknowledger) Attach(s clearingws.Session) {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	a.wake()
}

// Detach clears the session if s is still the attached one.
func (a *Acknowledger) Detach(s clearingws.Session) {
	a.mu.Lock()
	if a.session == s {
		a.session = nil
	}
	a.mu.Unlock()
}

// Depth is the number of results waiting to be written.
func (a *Acknowledger) Depth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Sent is the number of results written since start.
func (a *Acknowledger) Sent() uint64 {
	return a.sent.Load()
}

func (a *Acknowledger) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Acknowledger) head() (domain.ResultEnvelope, clearingws.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 || a.session == nil {
		return domain.ResultEnvelope{}, nil, false
	}
	return a.queue[0], a.session, true
}

func (a *Acknowledger) pop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) > 0 {
		a.queue[0] = domain.ResultEnvelope{}
		a.queue = a.queue[1:]
	}
}

// Run writes queued results until ctx is cancelled.
func (a *Acknowledger) Run(ctx context.Context) {
	for {
		envelope, session, ok := a.head()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-a.notify:
				continue
			}
		}

		payload, err := json.Marshal(envelope)
		if err != nil {
			log.Printf("level=error component=acknowledger msg=\"result encode failed; dropping\" type=%s movement_id=%s err=%v", envelope.Type, envelope.Data.ID, err)
			a.pop()
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, ackWriteTimeout)
		err = session.WriteFrame(writeCtx, payload)
		cancel()
		if err != nil {
			log.Printf("level=warn component=acknowledger msg=\"result write failed; waiting for next session\" type=%s movement_id=%s pending=%d err=%v", envelope.Type, envelope.Data.ID, a.Depth(), err)
			a.Detach(session)
			_ = session.Close()
			continue
		}

		a.pop()
		a.sent.Add(1)
		log.Printf("level=info component=acknowledger msg=\"result sent\" type=%s movement_id=%s ok=%t", envelope.Type, envelope.Data.ID, envelope.Data.OK)
	}
}
