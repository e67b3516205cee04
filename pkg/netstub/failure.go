package netstub

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/netstub/netstub/pkg/logging"
)

// InterceptError tags an error as originating from the interception layer
// rather than from the test body's own synchronous code, so downstream
// reporting attributes it correctly even though it surfaces asynchronously.
type InterceptError struct {
	// Err is the underlying failure.
	Err error

	// FromUserCallback marks failures raised by a user-supplied route
	// callback, attributed to the test under execution rather than to the
	// protocol machinery.
	FromUserCallback bool
}

// Error implements the error interface.
func (e *InterceptError) Error() string {
	if e.FromUserCallback {
		return "net interception (route callback): " + e.Err.Error()
	}
	return "net interception: " + e.Err.Error()
}

// Unwrap returns the underlying failure.
func (e *InterceptError) Unwrap() error { return e.Err }

// userCallbackError wraps a route-callback failure with attribution to the
// test under execution.
func userCallbackError(err error) error {
	return &InterceptError{Err: err, FromUserCallback: true}
}

// Failer is the failure-attribution chokepoint. Every non-stale failure in
// the interception layer funnels through it, giving the surrounding test
// framework a single uniform path for failing a test from asynchronous
// interception code.
type Failer interface {
	// FailCurrentTest reports err against the currently executing test.
	// The actual test-failing action happens off the caller's own call
	// stack, on a later scheduling quantum. Safe to call multiple times
	// per test.
	FailCurrentTest(err error)
}

const failerQueueSize = 16

// TestFailer is the standard Failer. It tags errors as interception
// failures, queues them, and delivers them to the test-runner sink from a
// dedicated goroutine so a failure is never mistaken for an unhandled
// error of the reporting handler's own chain.
type TestFailer struct {
	sink      func(error)
	queue     chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	log       *slog.Logger
}

// NewTestFailer creates a TestFailer delivering failures to sink. Close it
// when the driver shuts down.
func NewTestFailer(sink func(error), log *slog.Logger) *TestFailer {
	if log == nil {
		log = logging.Nop()
	}
	f := &TestFailer{
		sink:  sink,
		queue: make(chan error, failerQueueSize),
		done:  make(chan struct{}),
		log:   log,
	}
	f.wg.Add(1)
	go f.drain()
	return f
}

// FailCurrentTest implements Failer. The error is wrapped in an
// InterceptError unless it already is one. Calls after Close, or while the
// queue is saturated, are dropped; a test that has already failed gains
// nothing from further reports.
func (f *TestFailer) FailCurrentTest(err error) {
	if err == nil {
		return
	}
	var tagged *InterceptError
	if !errors.As(err, &tagged) {
		err = &InterceptError{Err: err}
	}

	// done is checked before enqueueing: a failure racing Close must be
	// dropped, never stranded in the queue behind the final drain.
	select {
	case <-f.done:
		f.log.Debug("dropping interception failure after close", "error", err)
		return
	default:
	}

	select {
	case f.queue <- err:
	default:
		f.log.Debug("dropping interception failure, queue saturated", "error", err)
	}
}

// Close stops delivery. Failures already queued are still drained to the
// sink before Close returns.
func (f *TestFailer) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
	})
	f.wg.Wait()
}

func (f *TestFailer) drain() {
	defer f.wg.Done()
	for {
		select {
		case err := <-f.queue:
			f.deliver(err)
		case <-f.done:
			for {
				select {
				case err := <-f.queue:
					f.deliver(err)
				default:
					return
				}
			}
		}
	}
}

func (f *TestFailer) deliver(err error) {
	f.log.Debug("failing current test from interception layer", "error", err)
	f.sink(err)
}
