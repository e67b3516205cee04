// Package transport connects the driver to the host interception process
// over WebSocket.
//
// The channel carries two flows: inbound lifecycle events streamed by the
// host, surfaced on Events(), and outbound envelopes pushed with
// EmitNetEvent, each of which is a round-trip resolved by a correlation-ID
// acknowledgment from the host.
package transport
