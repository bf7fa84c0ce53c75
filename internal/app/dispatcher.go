package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/transfa/clearing-service/internal/domain"
)

const (
	defaultWorkerLanes  = 16
	defaultLaneBuffer   = 64
	defaultMirrorBuffer = 1024
)

var errMissingMovementID = errors.New("frame data has no id")

// CommandHandler applies a decoded command.
type CommandHandler interface {
	Handle(ctx context.Context, cmd domain.Command)
}

// DispatcherStats are counters exposed on the status endpoint.
type DispatcherStats struct {
	Dispatched    uint64 `json:"dispatched"`
	Unknown       uint64 `json:"unknown"`
	Malformed     uint64 `json:"malformed"`
	MirrorDropped uint64 `json:"mirror_dropped"`
}

// Dispatcher decodes clearinghouse frames and routes each command to a lane chosen by hashing
// its movement id. A lane is one goroutine, so commands for a movement run in arrival order
// while distinct movements proceed concurrently. Observer mirroring runs on its own goroutine
// so a slow broker never holds up a lane; when its buffer is full events are dropped.
type Dispatcher struct {
	handler  CommandHandler
	observer ObserverPublisher
	bankID   string
	lanes    []chan domain.Command
	mirror   chan domain.ObservedEvent
	now      func() time.Time

	startOnce     sync.Once
	wg            sync.WaitGroup
	dispatched    atomic.Uint64
	unknown       atomic.Uint64
	malformed     atomic.Uint64
	mirrorDropped atomic.Uint64
}

func NewDispatcher(handler CommandHandler, observer ObserverPublisher, bankID string, laneCount, laneBuffer int) *Dispatcher {
	if laneCount <= 0 {
		laneCount = defaultWorkerLanes
	}
	if laneBuffer <= 0 {
		laneBuffer = defaultLaneBuffer
	}
	lanes := make([]chan domain.Command, laneCount)
	for i := range lanes {
		lanes[i] = make(chan domain.Command, laneBuffer)
	}
	d := &Dispatcher{
		handler:  handler,
		observer: observer,
		bankID:   bankID,
		lanes:    lanes,
		now:      time.Now,
	}
	if observer != nil {
		d.mirror = make(chan domain.ObservedEvent, defaultMirrorBuffer)
	}
	return d
}

// Start launches the lane workers and the observer mirror. They exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for i, lane := range d.lanes {
			d.wg.Add(1)
			go d.runLane(ctx, i, lane)
		}
		if d.mirror != nil {
			d.wg.Add(1)
			go d.runMirror(ctx)
		}
	})
}

// Wait blocks until every lane has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched:    d.dispatched.Load(),
		Unknown:       d.unknown.Load(),
		Malformed:     d.malformed.Load(),
		MirrorDropped: d.mirrorDropped.Load(),
	}
}

// Dispatch decodes one frame received on session generation and queues it. Bad or unknown
// frames are logged and dropped; the only error returned is ctx cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, generation uint64) error {
	var frame domain.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		d.malformed.Add(1)
		log.Printf("level=warn component=dispatcher msg=\"malformed frame discarded\" bytes=%d err=%v", len(payload), err)
		return nil
	}

	kind, ok := domain.ParseCommandKind(frame.Type)
	if !ok {
		d.unknown.Add(1)
		log.Printf("level=warn component=dispatcher msg=\"unknown clearinghouse event\" type=%q", frame.Type)
		return nil
	}

	cmd, err := decodeCommand(kind, frame.Data)
	if err != nil {
		d.malformed.Add(1)
		log.Printf("level=warn component=dispatcher msg=\"malformed command discarded\" type=%s err=%v", kind, err)
		return nil
	}
	cmd.Generation = generation
	cmd.ReceivedAt = d.now().UTC()

	lane := d.lanes[d.laneFor(cmd.MovementID)]
	select {
	case lane <- cmd:
		d.dispatched.Add(1)
		d.mirrorEvent(NewObservedEvent(d.bankID, string(cmd.Kind), cmd.MovementID, cmd.Raw, "", cmd.ReceivedAt))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) laneFor(movementID string) int {
	return int(xxhash.Sum64String(movementID) % uint64(len(d.lanes)))
}

func (d *Dispatcher) runLane(ctx context.Context, index int, lane <-chan domain.Command) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-lane:
			d.handle(ctx, index, cmd)
		}
	}
}

func (d *Dispatcher) mirrorEvent(event domain.ObservedEvent) {
	if d.mirror == nil {
		return
	}
	select {
	case d.mirror <- event:
	default:
		d.mirrorDropped.Add(1)
		log.Printf("level=warn component=dispatcher msg=\"observer mirror full; event dropped\" type=%s movement_id=%s", event.Type, event.MovementID)
	}
}

func (d *Dispatcher) runMirror(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.mirror:
			publishObserved(d.observer, event)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, index int, cmd domain.Command) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=dispatcher msg=\"command handler panicked\" lane=%d movement_id=%s type=%s panic=%v", index, cmd.MovementID, cmd.Kind, r)
		}
	}()
	d.handler.Handle(ctx, cmd)
}

func decodeCommand(kind domain.CommandKind, data json.RawMessage) (domain.Command, error) {
	var cmd domain.Command
	if len(data) == 0 || string(data) == "null" {
		return cmd, errMissingMovementID
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, err
	}
	cmd.MovementID = strings.TrimSpace(cmd.MovementID)
	if cmd.MovementID == "" {
		return cmd, errMissingMovementID
	}
	cmd.Kind = kind
	cmd.Raw = data
	return cmd, nil
}
