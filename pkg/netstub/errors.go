package netstub

// Error is a simple error type for protocol errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for the interception protocol. A driver/host version
// mismatch or transport corruption surfaces as one of these; stale route and
// request references deliberately do not, they resolve as no-ops.
var (
	// ErrUnknownEvent is returned when an inbound frame names an event kind
	// this driver has no handler for.
	ErrUnknownEvent = Error("unknown interception event")

	// ErrMalformedFrame is returned when an inbound frame cannot be decoded
	// or is missing a mandatory identifier.
	ErrMalformedFrame = Error("malformed interception frame")
)
