// Package netstub implements the driver side of the network-interception
// event protocol.
//
// A privileged host process proxies the HTTP traffic of the page under test
// and streams lifecycle events to the driver: one event when a request is
// intercepted, one when its response arrives, and one when the exchange
// completes. The driver cannot touch network traffic itself; this package
// tracks the intercepted requests against the routes registered by the
// current test, runs user interception callbacks, and answers the host with
// outbound frames (continue, stub, abort, response acks).
//
// # Structure
//
//	Registry    per-test map of route ID to Route; each Route owns a
//	            ledger of in-flight Requests. Reset at every test boundary.
//	Event       closed tagged union of the inbound event kinds, decoded and
//	            validated at the protocol boundary.
//	Dispatcher  consumes raw frames from a host channel, resolves the
//	            handler for each event kind, and hands it a capability
//	            bundle (Caps). Handler failures funnel into the Failer.
//	Failer      tags interception failures and delivers them to the test
//	            runner off the handler's own call stack.
//
// # Wiring
//
// RegisterEvents connects the pieces:
//
//	reg := netstub.NewRegistry()
//	d := netstub.RegisterEvents(reg, channel, runner, logger)
//	go d.Run(ctx, channel.Events())
//
// where channel is a transport to the host process (see pkg/transport) and
// runner is the surrounding test-runner boundary.
package netstub
