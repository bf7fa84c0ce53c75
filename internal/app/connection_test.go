package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/transfa/clearing-service/internal/domain"
	"github.com/transfa/clearing-service/internal/store"
	"github.com/transfa/clearing-service/pkg/clearingws"
)

type fakeSession struct {
	mu         sync.Mutex
	written    [][]byte
	failWrites int
	inbound    chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSession) ReadFrame() ([]byte, error) {
	select {
	case payload := <-s.inbound:
		return payload, nil
	case <-s.closed:
		return nil, errors.New("session closed")
	}
}

func (s *fakeSession) WriteFrame(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		return errors.New("broken pipe")
	}
	s.written = append(s.written, payload)
	return nil
}

func (s *fakeSession) Ping() error { return nil }

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) frames() []domain.ResultEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ResultEnvelope, 0, len(s.written))
	for _, raw := range s.written {
		var envelope domain.ResultEnvelope
		_ = json.Unmarshal(raw, &envelope)
		out = append(out, envelope)
	}
	return out
}

type fakeDialer struct {
	sessions chan clearingws.Session
	mu       sync.Mutex
	dials    int
}

func newFakeDialer(sessions ...clearingws.Session) *fakeDialer {
	d := &fakeDialer{sessions: make(chan clearingws.Session, len(sessions)+1)}
	for _, s := range sessions {
		d.sessions <- s
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context) (clearingws.Session, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	select {
	case s := <-d.sessions:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type frameRecorder struct {
	mu          sync.Mutex
	generations []uint64
}

func (r *frameRecorder) Dispatch(ctx context.Context, payload []byte, generation uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations = append(r.generations, generation)
	return nil
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.generations)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectionManager_ReconnectsAndBumpsGeneration(t *testing.T) {
	first := newFakeSession()
	second := newFakeSession()
	dialer := newFakeDialer(first, second)
	recorder := &frameRecorder{}
	acks := NewAcknowledger()
	observer := &observerStub{}

	manager := NewConnectionManager(dialer, recorder, acks, observer, "B07", NewBackoff(time.Millisecond, 2*time.Millisecond), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(done)
	}()

	eventually(t, "first session", func() bool { return manager.Ready() && manager.Generation() == 1 })
	first.inbound <- []byte(`{"type":"transfer.init","data":{"id":"m1"}}`)
	eventually(t, "first frame dispatched", func() bool { return recorder.count() == 1 })

	first.Close()
	eventually(t, "second session", func() bool { return manager.Ready() && manager.Generation() == 2 })
	second.inbound <- []byte(`{"type":"transfer.init","data":{"id":"m2"}}`)
	eventually(t, "second frame dispatched", func() bool { return recorder.count() == 2 })

	recorder.mu.Lock()
	generations := append([]uint64(nil), recorder.generations...)
	recorder.mu.Unlock()
	if generations[0] != 1 || generations[1] != 2 {
		t.Fatalf("expected frames tagged with their session generation, got %v", generations)
	}

	status := manager.Status()
	if !status.Ready || status.Reconnects != 1 || status.ConnectedSince == nil {
		t.Fatalf("unexpected status: %+v", status)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after cancel")
	}
	if manager.Ready() {
		t.Fatal("expected not ready after shutdown")
	}

	types := observer.types()
	want := []string{domain.EventSessionConnected, domain.EventSessionDisconnected, domain.EventSessionConnected}
	if len(types) < len(want) {
		t.Fatalf("expected lifecycle events %v, got %v", want, types)
	}
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("expected lifecycle events %v, got %v", want, types)
		}
	}
}

func TestAcknowledger_KeepsOrderAcrossReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acks := NewAcknowledger()
	go acks.Run(ctx)

	acks.Enqueue(domain.ResultEnvelope{Type: "transfer.reserve.result", Data: domain.ResultData{ID: "r1", OK: true}})
	acks.Enqueue(domain.ResultEnvelope{Type: "transfer.credit.result", Data: domain.ResultData{ID: "r2", OK: true}})

	broken := newFakeSession()
	broken.failWrites = 1
	acks.Attach(broken)
	eventually(t, "broken session closed", func() bool {
		select {
		case <-broken.closed:
			return true
		default:
			return false
		}
	})
	if acks.Depth() != 2 {
		t.Fatalf("expected both results to stay queued, got depth %d", acks.Depth())
	}

	healthy := newFakeSession()
	acks.Attach(healthy)
	eventually(t, "results flushed", func() bool { return len(healthy.frames()) == 2 })

	frames := healthy.frames()
	if frames[0].Data.ID != "r1" || frames[1].Data.ID != "r2" {
		t.Fatalf("expected r1 then r2, got %+v", frames)
	}
	if acks.Depth() != 0 || acks.Sent() != 2 {
		t.Fatalf("expected empty queue and two sent, got depth=%d sent=%d", acks.Depth(), acks.Sent())
	}
}

func TestClearingFlow_IntentRoundTrip(t *testing.T) {
	session := newFakeSession()
	dialer := newFakeDialer(session)

	ledger := newLedgerStub()
	ledger.results["intent"] = store.StepResult{OK: true, TransferID: "t1", Token: "tok1"}
	book := NewMovementBook(store.NewMemoryMovementRepository())
	acks := NewAcknowledger()

	participant := NewParticipant(NewIdempotentLedger(ledger, store.NewMemoryStepJournal(time.Minute)), book, acks, nil, ParticipantConfig{})
	dispatcher := NewDispatcher(participant, LogObserver{}, "B07", 4, 4)
	manager := NewConnectionManager(dialer, dispatcher, acks, nil, "B07", NewBackoff(time.Millisecond, time.Millisecond), time.Hour)
	participant.BindSession(manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)
	go acks.Run(ctx)
	go manager.Run(ctx)

	eventually(t, "session ready", manager.Ready)
	session.inbound <- []byte(`{"type":"transfer.intent","data":{"id":"m1"}}`)
	session.inbound <- []byte(`{"type":"transfer.intent","data":{"id":"m1"}}`)

	eventually(t, "two results written", func() bool { return len(session.frames()) == 2 })
	frames := session.frames()
	want := domain.ResultData{ID: "m1", TransferID: "t1", Token: "tok1", OK: true}
	if frames[0].Type != "transfer.intent.result" || frames[0].Data != want {
		t.Fatalf("unexpected first result: %+v", frames[0])
	}
	if frames[1].Data.OK || frames[1].Data.Reason != "already intended" {
		t.Fatalf("expected duplicate intent refusal, got %+v", frames[1].Data)
	}
	if ledger.count("intent") != 1 {
		t.Fatalf("expected one ledger intent, got %d", ledger.count("intent"))
	}
}
