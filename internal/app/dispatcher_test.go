package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/transfa/clearing-service/internal/domain"
)

type handlerStub struct {
	mu       sync.Mutex
	commands []domain.Command
	done     chan struct{}
	want     int
}

func newHandlerStub(want int) *handlerStub {
	return &handlerStub{done: make(chan struct{}), want: want}
}

func (h *handlerStub) Handle(ctx context.Context, cmd domain.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)
	if len(h.commands) == h.want {
		close(h.done)
	}
}

func (h *handlerStub) wait(t *testing.T) []domain.Command {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d commands", h.want)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Command, len(h.commands))
	copy(out, h.commands)
	return out
}

type observerStub struct {
	mu     sync.Mutex
	events []domain.ObservedEvent
}

func (o *observerStub) PublishObservedEvent(ctx context.Context, event domain.ObservedEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *observerStub) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Type)
	}
	return out
}

func TestDispatcher_PreservesOrderPerMovement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newHandlerStub(4)
	observer := &observerStub{}
	d := NewDispatcher(handler, observer, "B07", 4, 8)
	d.Start(ctx)

	frames := []string{
		`{"type":"transfer.intent","data":{"id":"m1","from_account":"CR01B03000000000001","amount":100.5}}`,
		`{"type":"transfer.reserve","data":{"id":"m1"}}`,
		`{"type":"transfer.init","data":{"id":"m1"}}`,
		`{"type":"transfer.credit","data":{"id":"m1","to":"CR01B07000000000002"}}`,
	}
	for _, frame := range frames {
		if err := d.Dispatch(ctx, []byte(frame), 3); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	commands := handler.wait(t)
	wantKinds := []domain.CommandKind{domain.CommandIntent, domain.CommandReserve, domain.CommandInit, domain.CommandCredit}
	for i, cmd := range commands {
		if cmd.Kind != wantKinds[i] {
			t.Fatalf("command %d: expected %s, got %s", i, wantKinds[i], cmd.Kind)
		}
		if cmd.Generation != 3 {
			t.Fatalf("expected generation 3, got %d", cmd.Generation)
		}
	}
	if !commands[0].Amount.Valid || commands[0].Amount.Decimal.String() != "100.5" {
		t.Fatalf("expected decoded amount, got %+v", commands[0].Amount)
	}
	if commands[3].To != "CR01B07000000000002" {
		t.Fatalf("expected credit destination, got %q", commands[3].To)
	}
	eventually(t, "every command mirrored", func() bool { return len(observer.types()) == 4 })
	if got := observer.types(); got[0] != "transfer.intent" || got[3] != "transfer.credit" {
		t.Fatalf("expected mirror in arrival order, got %v", got)
	}
}

type blockingObserver struct {
	release chan struct{}
}

func (o *blockingObserver) PublishObservedEvent(ctx context.Context, event domain.ObservedEvent) error {
	select {
	case <-o.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatcher_SlowObserverDoesNotStallLanes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observer := &blockingObserver{release: make(chan struct{})}
	defer close(observer.release)

	handler := newHandlerStub(8)
	d := NewDispatcher(handler, observer, "B07", 1, 16)
	d.Start(ctx)

	for i := 0; i < 8; i++ {
		frame := fmt.Sprintf(`{"type":"transfer.reserve","data":{"id":"m%d"}}`, i)
		if err := d.Dispatch(ctx, []byte(frame), 1); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	if commands := handler.wait(t); len(commands) != 8 {
		t.Fatalf("expected all commands handled while the observer is blocked, got %d", len(commands))
	}
}

func TestDispatcher_FullMirrorDropsEvents(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(newHandlerStub(0), &observerStub{}, "B07", 1, defaultMirrorBuffer+1)

	for i := 0; i <= defaultMirrorBuffer; i++ {
		if err := d.Dispatch(ctx, []byte(`{"type":"transfer.init","data":{"id":"m1"}}`), 1); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	stats := d.Stats()
	if stats.Dispatched != defaultMirrorBuffer+1 || stats.MirrorDropped != 1 {
		t.Fatalf("expected one dropped mirror event, got %+v", stats)
	}
}

func TestDispatcher_UnknownAndMalformedFramesAreCounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newHandlerStub(1)
	d := NewDispatcher(handler, nil, "B07", 2, 2)
	d.Start(ctx)

	inputs := []string{
		`not json`,
		`{"type":"transfer.audit","data":{"id":"m1"}}`,
		`{"type":"transfer.reserve","data":{}}`,
		`{"type":"transfer.reserve"}`,
		`{"type":"transfer.reserve","data":{"id":"m2"}}`,
	}
	for _, input := range inputs {
		if err := d.Dispatch(ctx, []byte(input), 1); err != nil {
			t.Fatalf("dispatch should never fail on bad input: %v", err)
		}
	}

	handler.wait(t)
	stats := d.Stats()
	if stats.Unknown != 1 || stats.Malformed != 3 || stats.Dispatched != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDispatcher_LaneIsStableForMovement(t *testing.T) {
	d := NewDispatcher(newHandlerStub(0), nil, "B07", 16, 1)
	first := d.laneFor("m-123")
	for i := 0; i < 10; i++ {
		if got := d.laneFor("m-123"); got != first {
			t.Fatalf("lane changed from %d to %d", first, got)
		}
	}
	if first < 0 || first >= 16 {
		t.Fatalf("lane %d out of range", first)
	}
}

func TestDispatcher_DispatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(newHandlerStub(0), nil, "B07", 1, 1)

	if err := d.Dispatch(ctx, []byte(`{"type":"transfer.init","data":{"id":"m1"}}`), 1); err != nil {
		t.Fatalf("first dispatch fills the buffer: %v", err)
	}
	cancel()
	if err := d.Dispatch(ctx, []byte(`{"type":"transfer.init","data":{"id":"m1"}}`), 1); err == nil {
		t.Fatal("expected cancellation error when the lane is full")
	}
}
