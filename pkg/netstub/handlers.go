package netstub

import (
	"context"
	"log/slog"
	"time"
)

// Caps is the capability bundle handed to a lifecycle handler for the
// duration of one event. Handlers never own route or request state; they
// borrow lookup and mutation through these functions.
type Caps struct {
	GetRoute        func(routeID string) (*Route, bool)
	GetRequest      func(routeID, requestID string) (*Request, bool)
	RecordRequest   func(routeID, requestID string, req *Request)
	Emit            func(ctx context.Context, event string, frame any) error
	FailCurrentTest func(err error)
	Log             *slog.Logger
}

// handleRequestReceived creates the request in the ledger, runs the route's
// OnRequest callback, and answers the host with continue, stub, or abort.
// A route missing from the registry means the owning test already reset;
// the event is stale and handled as a no-op.
func handleRequestReceived(ctx context.Context, caps *Caps, f *RequestReceivedFrame) error {
	rt, ok := caps.GetRoute(f.RouteID)
	if !ok {
		caps.Log.Debug("stale request:received, route gone", "route", f.RouteID, "request", f.RequestID)
		return nil
	}

	if prior, exists := caps.GetRequest(f.RouteID, f.RequestID); exists {
		// Duplicate delivery. Replay the answer the first delivery got but
		// do not re-run the callback or disturb ledger state.
		return emitDisposition(ctx, caps, f.RouteID, f.RequestID, prior.disposition)
	}

	req := &Request{
		ID:        f.RequestID,
		Phase:     PhasePending,
		Method:    f.Method,
		URL:       f.URL,
		Headers:   f.Headers,
		Body:      f.Body,
		StartedAt: time.Now(),
	}
	caps.RecordRequest(f.RouteID, f.RequestID, req)

	var dec *Decision
	if rt.OnRequest != nil {
		var err error
		dec, err = rt.OnRequest(req)
		if err != nil {
			return userCallbackError(err)
		}
	}

	if rt.Stub != nil && (dec == nil || (!dec.Abort && dec.Stub == nil)) {
		dec = &Decision{Stub: rt.Stub}
	}
	req.disposition = dec
	return emitDisposition(ctx, caps, f.RouteID, f.RequestID, dec)
}

// emitDisposition answers a received event according to dec: abort, stub, or
// continue when dec is nil or carries neither.
func emitDisposition(ctx context.Context, caps *Caps, routeID, requestID string, dec *Decision) error {
	switch {
	case dec != nil && dec.Abort:
		return caps.Emit(ctx, EventRequestAbort, &AbortFrame{
			RouteID:   routeID,
			RequestID: requestID,
			Reason:    dec.AbortReason,
		})
	case dec != nil && dec.Stub != nil:
		return caps.Emit(ctx, EventRequestStub, &StubFrame{
			RouteID:   routeID,
			RequestID: requestID,
			Response:  dec.Stub,
		})
	default:
		return caps.Emit(ctx, EventRequestContinue, &ContinueFrame{RouteID: routeID, RequestID: requestID})
	}
}

// handleResponseReceived records the upstream response, runs the route's
// OnResponse callback, and acknowledges delivery to the host. Stale or
// already-complete requests degrade to a no-op.
func handleResponseReceived(ctx context.Context, caps *Caps, f *ResponseReceivedFrame) error {
	req, ok := caps.GetRequest(f.RouteID, f.RequestID)
	if !ok {
		caps.Log.Debug("stale response:received", "route", f.RouteID, "request", f.RequestID)
		return nil
	}
	switch req.Phase {
	case PhaseComplete:
		return nil
	case PhaseResponseReceived:
		// Duplicate delivery. Acknowledge again but do not re-run the
		// callback or overwrite the recorded response.
		return caps.Emit(ctx, EventResponseContinue, &ContinueFrame{RouteID: f.RouteID, RequestID: f.RequestID})
	}

	req.Status = f.Status
	req.ResponseHeaders = f.Headers
	req.ResponseBody = f.Body
	req.advance(PhaseResponseReceived)

	rt, ok := caps.GetRoute(f.RouteID)
	if ok && rt.OnResponse != nil {
		if err := rt.OnResponse(req); err != nil {
			return userCallbackError(err)
		}
	}

	return caps.Emit(ctx, EventResponseContinue, &ContinueFrame{RouteID: f.RouteID, RequestID: f.RequestID})
}

// handleRequestComplete records the final disposition and runs the route's
// OnComplete callback. Completion requires no outbound reply; a request may
// complete straight from pending when the exchange aborted or failed before
// a response was observed.
func handleRequestComplete(_ context.Context, caps *Caps, f *RequestCompleteFrame) error {
	req, ok := caps.GetRequest(f.RouteID, f.RequestID)
	if !ok {
		caps.Log.Debug("stale request:complete", "route", f.RouteID, "request", f.RequestID)
		return nil
	}
	if !req.advance(PhaseComplete) {
		return nil
	}

	if f.Status != 0 {
		req.Status = f.Status
	}
	req.Error = f.Error
	req.CompletedAt = time.Now()

	rt, ok := caps.GetRoute(f.RouteID)
	if ok && rt.OnComplete != nil {
		if err := rt.OnComplete(req); err != nil {
			return userCallbackError(err)
		}
	}
	return nil
}
