package netstub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/netstub/netstub/pkg/logging"
)

// Emitter pushes outbound frames to the host process. The call is a
// round-trip: it returns once the host has acknowledged the frame or the
// channel reports failure.
type Emitter interface {
	EmitNetEvent(ctx context.Context, event string, frame any) error
}

// Channel is the host-communication surface the dispatcher consumes: an
// outbound emitter plus the inbound stream of raw lifecycle messages.
type Channel interface {
	Emitter

	// Events yields raw inbound messages. The channel closes when the
	// transport shuts down.
	Events() <-chan []byte
}

// TestRunner is the boundary to the surrounding test framework: it
// announces test starts (the reset hook) and accepts failures raised
// asynchronously by the interception layer.
type TestRunner interface {
	// OnTestStart registers fn to run at the start of every test, before
	// any interception event for that test is processed.
	OnTestStart(fn func())

	// FailCurrentTest marks the currently executing test as failed.
	FailCurrentTest(err error)
}

// Dispatcher routes inbound lifecycle events to their handlers. It owns no
// route or request state; each dispatch borrows capabilities scoped to that
// one event.
type Dispatcher struct {
	registry *Registry
	emitter  Emitter
	failer   Failer
	log      *slog.Logger
	wg       sync.WaitGroup

	// queues holds pending events keyed per request. A key's presence means
	// a worker goroutine is draining it.
	mu     sync.Mutex
	queues map[string][]*Event
}

// NewDispatcher creates a dispatcher over an explicit registry, emitter and
// failer. Pass nil log to disable logging.
func NewDispatcher(reg *Registry, emitter Emitter, failer Failer, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{
		registry: reg,
		emitter:  emitter,
		failer:   failer,
		log:      log,
		queues:   make(map[string][]*Event),
	}
}

// RegisterEvents wires a host channel to the lifecycle handlers and
// installs the test-boundary reset hook on the runner. The returned
// dispatcher doubles as the emitter for callers outside the handlers, such
// as imperative route APIs. Start consumption with Run.
func RegisterEvents(reg *Registry, ch Channel, runner TestRunner, log *slog.Logger) *Dispatcher {
	d := NewDispatcher(reg, ch, NewTestFailer(runner.FailCurrentTest, log), log)
	runner.OnTestStart(reg.ResetForTest)
	return d
}

// EmitNetEvent implements Emitter by delegating to the underlying channel,
// letting code outside the handlers push outbound frames on the same path.
func (d *Dispatcher) EmitNetEvent(ctx context.Context, event string, frame any) error {
	return d.emitter.EmitNetEvent(ctx, event, frame)
}

// Run consumes raw inbound messages until the stream closes or ctx is
// cancelled. Events for one request run in arrival order on a per-request
// queue, preserving the causal lifecycle order the host sends them in;
// lifecycles of distinct requests interleave freely while an earlier
// handler's outbound round-trip is still pending.
func (d *Dispatcher) Run(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case data, ok := <-events:
			if !ok {
				d.wg.Wait()
				return
			}
			d.enqueue(ctx, data)
		}
	}
}

// enqueue decodes one inbound message and queues the event behind any
// earlier event for the same request, starting a drain worker for the key if
// none is running.
func (d *Dispatcher) enqueue(ctx context.Context, data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		d.failer.FailCurrentTest(err)
		return
	}
	key := ev.RouteID() + "\x00" + ev.RequestID()

	d.mu.Lock()
	if _, active := d.queues[key]; active {
		d.queues[key] = append(d.queues[key], ev)
		d.mu.Unlock()
		return
	}
	d.queues[key] = []*Event{ev}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.drainQueue(ctx, key)
}

// drainQueue handles queued events for one request in order, exiting once
// the queue empties.
func (d *Dispatcher) drainQueue(ctx context.Context, key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		ev := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.handle(ctx, ev)
	}
}

// Dispatch decodes and handles one inbound message synchronously. Protocol
// violations (unknown event kind, malformed frame) and any handler failure
// not already resolved as a deliberate emission funnel into failure
// attribution; stale references resolve as no-ops inside the handlers.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		d.failer.FailCurrentTest(err)
		return
	}
	d.handle(ctx, ev)
}

func (d *Dispatcher) handle(ctx context.Context, ev *Event) {
	caps := &Caps{
		GetRoute:        d.registry.GetRoute,
		GetRequest:      d.registry.GetRequest,
		RecordRequest:   d.registry.RecordRequest,
		Emit:            d.emitter.EmitNetEvent,
		FailCurrentTest: d.failer.FailCurrentTest,
		Log:             d.log,
	}

	d.log.Debug("dispatching interception event",
		"kind", string(ev.Kind), "route", ev.RouteID(), "request", ev.RequestID())

	if err := d.invoke(ctx, caps, ev); err != nil {
		d.failer.FailCurrentTest(err)
	}
}

// invoke matches the event kind exhaustively and runs its handler,
// converting a handler panic into an attributable error.
func (d *Dispatcher) invoke(ctx context.Context, caps *Caps, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic for %s: %v", ev.Kind, r)
		}
	}()

	switch ev.Kind {
	case KindRequestReceived:
		return handleRequestReceived(ctx, caps, ev.Received)
	case KindResponseReceived:
		return handleResponseReceived(ctx, caps, ev.Response)
	case KindRequestComplete:
		return handleRequestComplete(ctx, caps, ev.Complete)
	default:
		// DecodeEvent rejects unknown kinds; reaching here means the kind
		// set grew without a handler.
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
}

// Wait blocks until all in-flight handler goroutines finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
