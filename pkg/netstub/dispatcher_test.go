package netstub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emitCall records one outbound emission.
type emitCall struct {
	event string
	frame any
}

// fakeEmitter records emissions and optionally fails them.
type fakeEmitter struct {
	mu    sync.Mutex
	calls []emitCall
	err   error
}

func (e *fakeEmitter) EmitNetEvent(_ context.Context, event string, frame any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, emitCall{event: event, frame: frame})
	return e.err
}

func (e *fakeEmitter) emitted() []emitCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitCall(nil), e.calls...)
}

// recordFailer captures failure attributions synchronously.
type recordFailer struct {
	mu   sync.Mutex
	errs []error
}

func (f *recordFailer) FailCurrentTest(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *recordFailer) failures() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

// fakeChannel pairs a fakeEmitter with an inbound stream for RegisterEvents.
type fakeChannel struct {
	fakeEmitter
	in chan []byte
}

func (c *fakeChannel) Events() <-chan []byte { return c.in }

// fakeRunner is a minimal test-runner boundary.
type fakeRunner struct {
	mu       sync.Mutex
	onStart  []func()
	failures []error
}

func (r *fakeRunner) OnTestStart(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStart = append(r.onStart, fn)
}

func (r *fakeRunner) FailCurrentTest(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *fakeRunner) startTest() {
	r.mu.Lock()
	hooks := append([]func(){}, r.onStart...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry, *fakeEmitter, *recordFailer) {
	t.Helper()
	reg := NewRegistry()
	em := &fakeEmitter{}
	failer := &recordFailer{}
	return NewDispatcher(reg, em, failer, nil), reg, em, failer
}

func TestDispatch_UnknownEventName(t *testing.T) {
	d, reg, em, failer := newTestDispatcher(t)
	reg.RegisterRoute(NewRoute("route-1"))

	d.Dispatch(context.Background(), encodeEvent(t, "http:request:nonsense", &ContinueFrame{
		RouteID: "route-1", RequestID: "req-1",
	}))

	// Exactly one failure attribution and zero ledger mutations.
	failures := failer.failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrUnknownEvent)
	assert.Empty(t, em.emitted())

	rt, _ := reg.GetRoute("route-1")
	assert.Empty(t, rt.Requests())
}

func TestDispatch_MalformedFrame(t *testing.T) {
	d, _, em, failer := newTestDispatcher(t)

	d.Dispatch(context.Background(), []byte(`{"event":"http:request:received","frame":{"requestId":"req-1"}}`))

	failures := failer.failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrMalformedFrame)
	assert.Empty(t, em.emitted())
}

func TestDispatch_FullLifecycle(t *testing.T) {
	d, reg, em, failer := newTestDispatcher(t)
	reg.RegisterRoute(NewRoute("route-1"))
	ctx := context.Background()

	d.Dispatch(ctx, encodeEvent(t, string(KindRequestReceived), &RequestReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Method: "GET", URL: "https://app.test/api",
	}))

	req, ok := reg.GetRequest("route-1", "req-1")
	require.True(t, ok)
	assert.Equal(t, PhasePending, req.Phase)

	d.Dispatch(ctx, encodeEvent(t, string(KindResponseReceived), &ResponseReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Status: 200,
	}))
	assert.Equal(t, PhaseResponseReceived, req.Phase)
	assert.Equal(t, 200, req.Status)

	d.Dispatch(ctx, encodeEvent(t, string(KindRequestComplete), &RequestCompleteFrame{
		RouteID: "route-1", RequestID: "req-1", Status: 200, DurationMs: 8,
	}))
	assert.Equal(t, PhaseComplete, req.Phase)
	assert.False(t, req.CompletedAt.IsZero())

	// No failure attribution anywhere along the way.
	assert.Empty(t, failer.failures())

	// continue for the request, then the response ack.
	calls := em.emitted()
	require.Len(t, calls, 2)
	assert.Equal(t, EventRequestContinue, calls[0].event)
	assert.Equal(t, EventResponseContinue, calls[1].event)
}

func TestDispatch_CompleteWithoutResponse(t *testing.T) {
	d, reg, _, failer := newTestDispatcher(t)
	reg.RegisterRoute(NewRoute("route-1"))
	ctx := context.Background()

	d.Dispatch(ctx, encodeEvent(t, string(KindRequestReceived), &RequestReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Method: "GET", URL: "https://app.test/api",
	}))
	d.Dispatch(ctx, encodeEvent(t, string(KindRequestComplete), &RequestCompleteFrame{
		RouteID: "route-1", RequestID: "req-1", Error: "net::ERR_CONNECTION_RESET",
	}))

	req, ok := reg.GetRequest("route-1", "req-1")
	require.True(t, ok)
	assert.Equal(t, PhaseComplete, req.Phase)
	assert.Equal(t, "net::ERR_CONNECTION_RESET", req.Error)
	assert.Empty(t, failer.failures())
}

func TestDispatch_StaleAfterReset(t *testing.T) {
	d, reg, em, failer := newTestDispatcher(t)
	reg.RegisterRoute(NewRoute("route-1"))
	ctx := context.Background()

	d.Dispatch(ctx, encodeEvent(t, string(KindRequestReceived), &RequestReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Method: "GET", URL: "https://app.test/api",
	}))

	// Test boundary: the route is torn down while events are in flight.
	reg.ResetForTest()

	d.Dispatch(ctx, encodeEvent(t, string(KindResponseReceived), &ResponseReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Status: 200,
	}))
	d.Dispatch(ctx, encodeEvent(t, string(KindRequestComplete), &RequestCompleteFrame{
		RouteID: "route-1", RequestID: "req-1",
	}))

	// Stale events resolve as no-ops: no failure, no further emission.
	assert.Empty(t, failer.failures())
	require.Len(t, em.emitted(), 1) // only the initial continue
}

func TestDispatch_EventsAfterComplete(t *testing.T) {
	d, reg, em, failer := newTestDispatcher(t)
	reg.RegisterRoute(NewRoute("route-1"))
	ctx := context.Background()

	d.Dispatch(ctx, encodeEvent(t, string(KindRequestReceived), &RequestReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Method: "GET", URL: "https://app.test/api",
	}))
	d.Dispatch(ctx, encodeEvent(t, string(KindRequestComplete), &RequestCompleteFrame{
		RouteID: "route-1", RequestID: "req-1", Status: 200,
	}))

	before := len(em.emitted())
	req, _ := reg.GetRequest("route-1", "req-1")

	// A late response event for a completed request mutates nothing.
	d.Dispatch(ctx, encodeEvent(t, string(KindResponseReceived), &ResponseReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Status: 500,
	}))
	d.Dispatch(ctx, encodeEvent(t, string(KindRequestComplete), &RequestCompleteFrame{
		RouteID: "route-1", RequestID: "req-1", Status: 500,
	}))

	assert.Equal(t, PhaseComplete, req.Phase)
	assert.Equal(t, 200, req.Status)
	assert.Empty(t, failer.failures())
	assert.Len(t, em.emitted(), before)
}

func TestDispatch_UserCallbackError(t *testing.T) {
	d, reg, em, failer := newTestDispatcher(t)

	cause := errors.New("expected 3 requests, saw 4")
	rt := NewRoute("route-1")
	rt.OnRequest = func(*Request) (*Decision, error) { return nil, cause }
	reg.RegisterRoute(rt)

	d.Dispatch(context.Background(), encodeEvent(t, string(KindRequestReceived), &RequestReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Method: "GET", URL: "https://app.test/api",
	}))

	failures := failer.failures()
	require.Len(t, failures, 1)

	var tagged *InterceptError
	require.ErrorAs(t, failures[0], &tagged)
	assert.True(t, tagged.FromUserCallback)
	assert.ErrorIs(t, failures[0], cause)
	assert.Empty(t, em.emitted())
}

func TestDispatch_HandlerPanic(t *testing.T) {
	d, reg, _, failer := newTestDispatcher(t)

	rt := NewRoute("route-1")
	rt.OnRequest = func(*Request) (*Decision, error) { panic("route callback exploded") }
	reg.RegisterRoute(rt)

	d.Dispatch(context.Background(), encodeEvent(t, string(KindRequestReceived), &RequestReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Method: "GET", URL: "https://app.test/api",
	}))

	failures := failer.failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error(), "route callback exploded")
}

func TestDispatch_EmissionFailure(t *testing.T) {
	d, reg, em, failer := newTestDispatcher(t)
	em.err = errors.New("host connection lost")
	reg.RegisterRoute(NewRoute("route-1"))

	d.Dispatch(context.Background(), encodeEvent(t, string(KindRequestReceived), &RequestReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Method: "GET", URL: "https://app.test/api",
	}))

	failures := failer.failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], em.err)
}

func TestRegisterEvents(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterRoute(NewRoute("leftover"))

	ch := &fakeChannel{in: make(chan []byte)}
	runner := &fakeRunner{}

	d := RegisterEvents(reg, ch, runner, nil)
	require.NotNil(t, d)

	// The reset hook is installed and fires at every test boundary.
	runner.startTest()
	assert.Equal(t, 0, reg.RouteCount())

	// The returned dispatcher exposes emission for imperative callers.
	require.NoError(t, d.EmitNetEvent(context.Background(), EventRequestAbort, &AbortFrame{
		RouteID: "route-1", RequestID: "req-1",
	}))
	calls := ch.emitted()
	require.Len(t, calls, 1)
	assert.Equal(t, EventRequestAbort, calls[0].event)
}

func TestRun_ConsumesUntilClose(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterRoute(NewRoute("route-1"))
	em := &fakeEmitter{}
	failer := &recordFailer{}
	d := NewDispatcher(reg, em, failer, nil)

	events := make(chan []byte, 4)
	events <- encodeEvent(t, string(KindRequestReceived), &RequestReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Method: "GET", URL: "https://app.test/a",
	})
	events <- encodeEvent(t, string(KindRequestReceived), &RequestReceivedFrame{
		RouteID: "route-1", RequestID: "req-2", Method: "GET", URL: "https://app.test/b",
	})
	close(events)

	d.Run(context.Background(), events)
	d.Wait()

	_, ok1 := reg.GetRequest("route-1", "req-1")
	_, ok2 := reg.GetRequest("route-1", "req-2")
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Len(t, em.emitted(), 2)
	assert.Empty(t, failer.failures())
}

func TestRun_SerializesEventsPerRequest(t *testing.T) {
	d, reg, em, failer := newTestDispatcher(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	rt := NewRoute("route-1")
	rt.OnResponse = func(*Request) error {
		close(entered)
		<-release
		return nil
	}
	reg.RegisterRoute(rt)

	events := make(chan []byte, 3)
	events <- receivedFrame("route-1", "req-1")
	events <- encodeEvent(t, string(KindResponseReceived), &ResponseReceivedFrame{
		RouteID: "route-1", RequestID: "req-1", Status: 200,
	})
	events <- encodeEvent(t, string(KindRequestComplete), &RequestCompleteFrame{
		RouteID: "route-1", RequestID: "req-1", Status: 200,
	})
	close(events)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), events)
		close(done)
	}()

	// While the response handler is parked in its callback, the complete
	// event for the same request waits its turn.
	<-entered
	req, ok := reg.GetRequest("route-1", "req-1")
	require.True(t, ok)
	require.Never(t, func() bool { return req.Phase == PhaseComplete },
		150*time.Millisecond, 10*time.Millisecond)

	close(release)
	<-done

	assert.Equal(t, PhaseComplete, req.Phase)
	assert.Equal(t, 200, req.Status)
	calls := em.emitted()
	require.Len(t, calls, 2)
	assert.Equal(t, EventRequestContinue, calls[0].event)
	assert.Equal(t, EventResponseContinue, calls[1].event)
	assert.Empty(t, failer.failures())
}

func TestRun_DistinctRequestsInterleave(t *testing.T) {
	d, reg, _, failer := newTestDispatcher(t)

	blocked := make(chan struct{})
	release := make(chan struct{})
	rt := NewRoute("route-1")
	rt.OnRequest = func(req *Request) (*Decision, error) {
		if req.ID == "req-slow" {
			close(blocked)
			<-release
		}
		return nil, nil
	}
	reg.RegisterRoute(rt)

	events := make(chan []byte, 2)
	events <- receivedFrame("route-1", "req-slow")
	events <- receivedFrame("route-1", "req-fast")
	close(events)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), events)
		close(done)
	}()

	// The fast request is handled while the slow one's callback blocks.
	<-blocked
	require.Eventually(t, func() bool {
		_, ok := reg.GetRequest("route-1", "req-fast")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	<-done
	assert.Empty(t, failer.failures())
}

func TestRun_MalformedFrameAttributed(t *testing.T) {
	d, _, em, failer := newTestDispatcher(t)

	events := make(chan []byte, 1)
	events <- []byte(`{"frame":{"routeHandlerId":"route-1","requestId":"req-1"}}`)
	close(events)

	d.Run(context.Background(), events)

	failures := failer.failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrMalformedFrame)
	assert.Empty(t, em.emitted())
}
