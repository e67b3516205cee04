package netstub

import (
	"encoding/json"
	"sync"
	"time"
)

// RequestPhase is the lifecycle phase of an intercepted request.
type RequestPhase string

// Lifecycle phases. Transitions only move forward; Complete is terminal.
const (
	PhasePending          RequestPhase = "pending"
	PhaseResponseReceived RequestPhase = "response-received"
	PhaseComplete         RequestPhase = "complete"
)

var phaseRank = map[RequestPhase]int{
	PhasePending:          0,
	PhaseResponseReceived: 1,
	PhaseComplete:         2,
}

// Request tracks one intercepted HTTP exchange from first observation
// through completion. It is owned by its Route's ledger; lifecycle handlers
// mutate it, user callbacks observe it.
type Request struct {
	// ID identifies the request within its owning route.
	ID string

	// Phase is the current lifecycle phase.
	Phase RequestPhase

	// Request metadata, captured on interception.
	Method  string
	URL     string
	Headers map[string][]string
	Body    []byte

	// Response metadata, captured once the upstream response is observed.
	Status          int
	ResponseHeaders map[string][]string
	ResponseBody    []byte

	// Error is the host-side failure description for exchanges that
	// completed without a response.
	Error string

	// StartedAt is when the driver first observed the request.
	StartedAt time.Time

	// CompletedAt is when the driver observed completion.
	CompletedAt time.Time

	// disposition is the reply answered for this request's received event,
	// replayed if the host re-delivers it. Nil means continue.
	disposition *Decision
}

// advance moves the request forward to phase p. It reports whether the
// transition happened; backward and repeated transitions are ignored.
func (r *Request) advance(p RequestPhase) bool {
	if phaseRank[p] <= phaseRank[r.Phase] {
		return false
	}
	r.Phase = p
	return true
}

// Decision is the outcome of a route's OnRequest callback. A nil Decision
// (or a zero one) lets the request continue to the real server.
type Decision struct {
	// Stub answers the request with a canned response.
	Stub *StubResponse

	// Abort fails the request without contacting the server.
	Abort bool

	// AbortReason is an optional host-visible reason for the abort.
	AbortReason string
}

// Route is one registered interception rule plus its in-flight request
// bookkeeping, scoped to the test that registered it.
type Route struct {
	// ID is the route-handler identifier, unique per registration.
	ID string

	// Matcher is the match criteria payload. Matching is performed by the
	// host-side engine; the driver carries it opaquely.
	Matcher json.RawMessage

	// Stub, when set and no OnRequest callback overrides it, answers every
	// matched request with this canned response.
	Stub *StubResponse

	// OnRequest runs when a matched request is intercepted. Its Decision
	// controls the outbound reply; an error fails the current test.
	OnRequest func(*Request) (*Decision, error)

	// OnResponse runs when the upstream response is observed.
	OnResponse func(*Request) error

	// OnComplete runs when the exchange finishes.
	OnComplete func(*Request) error

	mu       sync.RWMutex
	requests map[string]*Request
}

// NewRoute creates a route with an empty request ledger.
func NewRoute(id string) *Route {
	return &Route{
		ID:       id,
		requests: make(map[string]*Request),
	}
}

// Requests returns a snapshot of the route's ledger, for inspection and
// assertions. The returned slice is a copy; the Request pointers are live.
func (rt *Route) Requests() []*Request {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]*Request, 0, len(rt.requests))
	for _, req := range rt.requests {
		out = append(out, req)
	}
	return out
}

func (rt *Route) request(id string) (*Request, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	req, ok := rt.requests[id]
	return req, ok
}

func (rt *Route) record(id string, req *Request) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.requests[id] = req
}

// Registry maps route-handler identifiers to routes for the currently
// running test. It is safe for concurrent use: the imperative route API
// registers routes from test code while the dispatcher resolves events.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		routes: make(map[string]*Route),
	}
}

// ResetForTest discards all routes and their ledgers. It must run at the
// start of every test, before any interception event for that test, and is
// the sole reclamation mechanism: no route or request outlives the test
// that registered it. Handlers whose outbound round-trip is still pending
// observe the discarded state as the normal stale-event case.
func (r *Registry) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = make(map[string]*Route)
}

// RegisterRoute inserts a route, overwriting any previous registration
// under the same ID. Identifiers are caller-supplied and assumed unique
// per test.
func (r *Registry) RegisterRoute(rt *Route) {
	if rt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[rt.ID] = rt
}

// GetRoute looks up a route by ID. Absence is not an error: events
// referencing unknown routes are stale by definition.
func (r *Registry) GetRoute(routeID string) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[routeID]
	return rt, ok
}

// GetRequest looks up a request in the given route's ledger. If the route
// is absent the request is absent.
func (r *Registry) GetRequest(routeID, requestID string) (*Request, bool) {
	rt, ok := r.GetRoute(routeID)
	if !ok {
		return nil, false
	}
	return rt.request(requestID)
}

// RecordRequest inserts a request into the owning route's ledger. If the
// route is absent the insertion is silently skipped: the route was torn
// down between interception and driver processing, a normal race.
func (r *Registry) RecordRequest(routeID, requestID string, req *Request) {
	rt, ok := r.GetRoute(routeID)
	if !ok {
		return
	}
	rt.record(requestID, req)
}

// RouteCount returns the number of registered routes.
func (r *Registry) RouteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
