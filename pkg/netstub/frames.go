package netstub

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies an inbound lifecycle event from the host process.
type EventKind string

// Inbound event kinds. The set is closed: the dispatcher matches
// exhaustively over these and treats anything else as a protocol mismatch.
const (
	KindRequestReceived  EventKind = "http:request:received"
	KindResponseReceived EventKind = "http:response:received"
	KindRequestComplete  EventKind = "http:request:complete"
)

// Outbound reply event names. Every outbound frame is wrapped in a single
// envelope carrying (event, frame), mirroring the inbound shape.
const (
	EventRequestContinue  = "http:request:continue"
	EventRequestStub      = "http:request:stub"
	EventRequestAbort     = "http:request:abort"
	EventResponseContinue = "http:response:continue"
)

// RequestReceivedFrame is the payload of a http:request:received event.
type RequestReceivedFrame struct {
	// RouteID is the identifier of the route the host matched this request to.
	RouteID string `json:"routeHandlerId"`

	// RequestID identifies the intercepted request within its route.
	RequestID string `json:"requestId"`

	// Method is the HTTP method of the intercepted request.
	Method string `json:"method"`

	// URL is the full request URL.
	URL string `json:"url"`

	// Headers are the request headers as captured by the host proxy.
	Headers map[string][]string `json:"headers,omitempty"`

	// Body is the request body. Opaque to this layer.
	Body []byte `json:"body,omitempty"`
}

// ResponseReceivedFrame is the payload of a http:response:received event.
type ResponseReceivedFrame struct {
	RouteID   string `json:"routeHandlerId"`
	RequestID string `json:"requestId"`

	// Status is the upstream response status code.
	Status int `json:"status"`

	// Headers are the response headers as captured by the host proxy.
	Headers map[string][]string `json:"headers,omitempty"`

	// Body is the response body. Opaque to this layer.
	Body []byte `json:"body,omitempty"`
}

// RequestCompleteFrame is the payload of a http:request:complete event.
type RequestCompleteFrame struct {
	RouteID   string `json:"routeHandlerId"`
	RequestID string `json:"requestId"`

	// Status is the final response status, zero if the exchange never
	// produced a response (aborted, network error).
	Status int `json:"status,omitempty"`

	// Error carries the host-side failure description, if any.
	Error string `json:"error,omitempty"`

	// DurationMs is the total exchange duration as measured by the host.
	DurationMs int `json:"durationMs,omitempty"`
}

// ContinueFrame instructs the host to let the real request or response
// proceed unmodified.
type ContinueFrame struct {
	RouteID   string `json:"routeHandlerId"`
	RequestID string `json:"requestId"`
}

// StubFrame instructs the host to answer the request with a canned response
// instead of forwarding it upstream.
type StubFrame struct {
	RouteID   string        `json:"routeHandlerId"`
	RequestID string        `json:"requestId"`
	Response  *StubResponse `json:"response"`
}

// AbortFrame instructs the host to fail the request without contacting the
// upstream server.
type AbortFrame struct {
	RouteID   string `json:"routeHandlerId"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// StubResponse is a canned response delivered by the host on the driver's
// behalf.
type StubResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// Envelope is the single wrapper shape shared by inbound and outbound
// lifecycle messages: an event name plus its kind-specific frame.
type Envelope struct {
	Event string          `json:"event"`
	Frame json.RawMessage `json:"frame,omitempty"`
}

// NewEnvelope wraps a frame in an envelope for the given event name.
func NewEnvelope(event string, frame any) (*Envelope, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return &Envelope{Event: event, Frame: raw}, nil
}

// Encode serializes the envelope to JSON bytes.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Event is the decoded form of one inbound lifecycle event. Kind determines
// which frame field is populated; exactly one is non-nil.
type Event struct {
	Kind EventKind

	Received *RequestReceivedFrame
	Response *ResponseReceivedFrame
	Complete *RequestCompleteFrame
}

// RouteID returns the route identifier carried by the event's frame.
func (e *Event) RouteID() string {
	switch e.Kind {
	case KindRequestReceived:
		return e.Received.RouteID
	case KindResponseReceived:
		return e.Response.RouteID
	case KindRequestComplete:
		return e.Complete.RouteID
	}
	return ""
}

// RequestID returns the request identifier carried by the event's frame.
func (e *Event) RequestID() string {
	switch e.Kind {
	case KindRequestReceived:
		return e.Received.RequestID
	case KindResponseReceived:
		return e.Response.RequestID
	case KindRequestComplete:
		return e.Complete.RequestID
	}
	return ""
}

// DecodeEvent parses and validates one inbound lifecycle message. The event
// name and both identifiers are mandatory; their absence, or an event name
// outside the closed kind set, is a protocol violation and yields an error
// wrapping ErrUnknownEvent or ErrMalformedFrame. Decoding never mutates any
// route or request state.
func DecodeEvent(data []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}

	ev := &Event{Kind: EventKind(env.Event)}
	switch ev.Kind {
	case KindRequestReceived:
		ev.Received = &RequestReceivedFrame{}
		if err := decodeFrame(env.Frame, ev.Received); err != nil {
			return nil, err
		}
	case KindResponseReceived:
		ev.Response = &ResponseReceivedFrame{}
		if err := decodeFrame(env.Frame, ev.Response); err != nil {
			return nil, err
		}
	case KindRequestComplete:
		ev.Complete = &RequestCompleteFrame{}
		if err := decodeFrame(env.Frame, ev.Complete); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err := validateIDs(ev.Kind, ev.RouteID(), ev.RequestID()); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeFrame(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing frame payload", ErrMalformedFrame)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func validateIDs(kind EventKind, routeID, requestID string) error {
	if routeID == "" {
		return fmt.Errorf("%w: %s frame missing routeHandlerId", ErrMalformedFrame, kind)
	}
	if requestID == "" {
		return fmt.Errorf("%w: %s frame missing requestId", ErrMalformedFrame, kind)
	}
	return nil
}
