package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/netstub/netstub/internal/id"
	"github.com/netstub/netstub/pkg/logging"
)

// Error is a simple error type for transport errors.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for channel operations.
var (
	// ErrClosed is returned when the channel has shut down.
	ErrClosed = Error("channel is closed")

	// ErrAckTimeout is returned when the host does not acknowledge an
	// outbound emission within the configured timeout.
	ErrAckTimeout = Error("timed out waiting for host ack")
)

// conn is the minimal connection surface the channel needs. *websocket.Conn
// satisfies it through wsConn; tests supply an in-memory fake.
type conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// wsConn adapts *websocket.Conn to the conn interface.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "driver disconnect")
}

// Channel is a WebSocket channel to the host interception process. It
// implements the emitter and event-source surfaces the dispatcher consumes.
type Channel struct {
	cfg  *Config
	conn conn
	log  *slog.Logger

	events chan []byte

	mu      sync.Mutex
	pending map[string]chan *Message

	eventsIn  atomic.Int64
	emissions atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Stats holds channel traffic counters.
type Stats struct {
	EventsIn  int64
	Emissions int64
	BytesIn   int64
	BytesOut  int64
}

// Stats returns a snapshot of the channel's traffic counters.
func (ch *Channel) Stats() Stats {
	return Stats{
		EventsIn:  ch.eventsIn.Load(),
		Emissions: ch.emissions.Load(),
		BytesIn:   ch.bytesIn.Load(),
		BytesOut:  ch.bytesOut.Load(),
	}
}

// Dial connects to the host process and starts the read pump.
func Dial(ctx context.Context, cfg *Config, log *slog.Logger) (*Channel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	headers := http.Header{}
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	wc, resp, err := websocket.Dial(dialCtx, cfg.HostURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to host: %w", err)
	}

	ch := newChannel(&wsConn{c: wc}, cfg, log)
	go ch.readPump(ctx)
	return ch, nil
}

// newChannel builds a channel over an established connection. The caller
// starts readPump.
func newChannel(c conn, cfg *Config, log *slog.Logger) *Channel {
	if log == nil {
		log = logging.Nop()
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = DefaultEventBuffer
	}
	return &Channel{
		cfg:     cfg,
		conn:    c,
		log:     log,
		events:  make(chan []byte, buf),
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}
}

// Events yields raw inbound lifecycle messages. The channel closes when the
// transport shuts down.
func (ch *Channel) Events() <-chan []byte {
	return ch.events
}

// EmitNetEvent sends an outbound envelope to the host and waits for the
// correlated acknowledgment. The call suspends until the host acks, the ack
// timeout fires, or the channel shuts down.
func (ch *Channel) EmitNetEvent(ctx context.Context, event string, frame any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	msg := NewEventMessage(id.UUID(), event, raw)
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	reply := make(chan *Message, 1)
	ch.mu.Lock()
	ch.pending[msg.ID] = reply
	ch.mu.Unlock()
	defer ch.forget(msg.ID)

	writeCtx, cancel := context.WithTimeout(ctx, ch.cfg.AckTimeout)
	defer cancel()

	if err := ch.conn.Write(writeCtx, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	ch.emissions.Add(1)
	ch.bytesOut.Add(int64(len(data)))

	select {
	case <-ch.done:
		return ErrClosed
	case <-writeCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrAckTimeout, event)
	case m := <-reply:
		if m.Type == MessageTypeError {
			return fmt.Errorf("host rejected %s: %s", event, m.Error)
		}
		return nil
	}
}

// Close shuts the channel down. Pending emissions fail with ErrClosed and
// the events channel closes once the read pump exits.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		_ = ch.conn.Close()
	})
}

func (ch *Channel) forget(msgID string) {
	ch.mu.Lock()
	delete(ch.pending, msgID)
	ch.mu.Unlock()
}

// resolve delivers an ack or error message to the emission waiting on it.
// Unmatched correlation IDs belong to emissions that already timed out.
func (ch *Channel) resolve(m *Message) {
	ch.mu.Lock()
	reply, ok := ch.pending[m.ID]
	if ok {
		delete(ch.pending, m.ID)
	}
	ch.mu.Unlock()

	if ok {
		reply <- m
	} else {
		ch.log.Debug("unmatched ack from host", "id", m.ID, "type", m.Type)
	}
}

// readPump reads messages from the connection until it fails or the channel
// closes, fanning inbound events to the events channel and acks to their
// waiting emissions.
func (ch *Channel) readPump(ctx context.Context) {
	defer close(ch.events)
	defer ch.Close()

	for {
		select {
		case <-ch.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		data, err := ch.conn.Read(ctx)
		if err != nil {
			select {
			case <-ch.done:
			default:
				ch.log.Warn("host connection lost", "error", err)
			}
			return
		}

		ch.bytesIn.Add(int64(len(data)))

		msg, err := DecodeMessage(data)
		if err != nil {
			ch.log.Warn("undecodable message from host", "error", err)
			continue
		}

		switch msg.Type {
		case MessageTypeEvent:
			ch.eventsIn.Add(1)
			select {
			case ch.events <- data:
			case <-ch.done:
				return
			case <-ctx.Done():
				return
			}
		case MessageTypeAck, MessageTypeError:
			ch.resolve(msg)
		case MessageTypePing:
			pong, err := NewPongMessage(msg.ID).Encode()
			if err == nil {
				_ = ch.conn.Write(ctx, pong)
			}
		case MessageTypePong:
			// keepalive reply, nothing to do
		default:
			ch.log.Warn("unknown message type from host", "type", msg.Type)
		}
	}
}
