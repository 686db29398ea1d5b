// Package websocket pushes agent messages to a client session over a
// WebSocket connection.
//
// A Transport owns one connection and moves through disconnected,
// connecting, connected and reconnecting. Run drives it: it dials, sends
// heartbeats while connected and redials with exponential backoff after a
// drop. Transports built with Accept wrap a connection the client opened
// and end in disconnected when it closes.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/messaging"
	"github.com/gorilla/websocket"
)

// ErrNotRedialable is returned by Run on an accepted connection once it has
// closed.
var ErrNotRedialable = errors.New("websocket: accepted connection cannot be redialed")

// Config holds connection tuning
type Config struct {
	WriteTimeout     time.Duration
	HeartbeatPeriod  time.Duration
	PongWait         time.Duration
	MaxMessageSize   int64
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// DefaultConfig returns the defaults used when no Config is given
func DefaultConfig() Config {
	return Config{
		WriteTimeout:     10 * time.Second,
		HeartbeatPeriod:  30 * time.Second,
		PongWait:         60 * time.Second,
		MaxMessageSize:   1024 * 1024,
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
}

// Option configures a Transport
type Option func(*Transport)

// WithConfig replaces the connection tuning
func WithConfig(cfg Config) Option {
	return func(t *Transport) {
		t.cfg = cfg
	}
}

// WithTracker shares an acknowledgment tracker
func WithTracker(tr *messaging.AckTracker) Option {
	return func(t *Transport) {
		t.tracker = tr
	}
}

// WithStateHook observes state transitions
func WithStateHook(h StateHook) Option {
	return func(t *Transport) {
		t.hook = h
	}
}

// WithHeader sets headers sent when dialing
func WithHeader(h http.Header) Option {
	return func(t *Transport) {
		t.header = h
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Transport is a messaging.AckTransport over one WebSocket connection
type Transport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	cfg    Config

	state atomic.Int32
	hook  StateHook

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	tracker    *messaging.AckTracker
	ownTracker bool
	logger     *slog.Logger
}

func newTransport(opts []Option) *Transport {
	t := &Transport{
		cfg:    DefaultConfig(),
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.tracker == nil {
		t.tracker = messaging.NewAckTracker(messaging.WithAckLogger(t.logger))
		t.ownTracker = true
	}
	return t
}

// Dial returns a transport that connects to url when Run is called and
// reconnects after every drop.
func Dial(url string, opts ...Option) *Transport {
	t := newTransport(opts)
	t.url = url
	t.logger = t.logger.With("transport", "websocket", "url", url)
	return t
}

// Accept wraps a connection the client opened. Run serves it until it
// closes.
func Accept(conn *websocket.Conn, opts ...Option) *Transport {
	t := newTransport(opts)
	t.logger = t.logger.With("transport", "websocket", "remote", conn.RemoteAddr().String())
	t.conn = conn
	return t
}

// Upgrader returns the upgrader used for accepting client connections
func Upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Name implements messaging.Named
func (t *Transport) Name() string {
	return "websocket"
}

// State returns the current connection state
func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) setState(to State) {
	from := State(t.state.Swap(int32(to)))
	if from == to {
		return
	}
	t.logger.Debug("websocket state changed", "from", from.String(), "to", to.String())
	if t.hook != nil {
		t.hook(from, to)
	}
}

// Available reports whether the connection is up
func (t *Transport) Available() bool {
	return t.State() == StateConnected
}

// Run owns the connection until ctx ends. Dialed transports reconnect with
// exponential backoff; accepted ones return ErrNotRedialable once closed.
func (t *Transport) Run(ctx context.Context) error {
	defer t.setState(StateDisconnected)

	backoff := reliability.NewExponentialBackoff(t.cfg.ReconnectInitial, t.cfg.ReconnectMax, 2.0, 0)
	failures := 0

	for {
		conn := t.current()
		if conn == nil {
			if t.url == "" {
				return ErrNotRedialable
			}
			if failures == 0 && t.State() == StateDisconnected {
				t.setState(StateConnecting)
			} else {
				t.setState(StateReconnecting)
			}

			var err error
			conn, err = t.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				delay := backoff.NextDelay(failures)
				failures++
				t.logger.Warn("websocket dial failed", "attempt", failures, "retryIn", delay, "error", err)
				if err := reliability.Sleep(ctx, delay); err != nil {
					return err
				}
				continue
			}
			failures = 0
		}

		t.setState(StateConnected)
		err := t.serve(ctx, conn)
		t.drop(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Info("websocket connection lost", "error", err)
		if t.url == "" {
			return ErrNotRedialable
		}
		t.setState(StateReconnecting)
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return nil, err
	}
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	return conn, nil
}

func (t *Transport) current() *websocket.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

func (t *Transport) drop(conn *websocket.Conn) {
	t.connMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connMu.Unlock()
	conn.Close()
}

// serve runs the heartbeat on the calling goroutine and reads inbound
// frames on another until the connection fails or ctx ends.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- t.readLoop(conn)
	}()

	ticker := time.NewTicker(t.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			t.writeMu.Unlock()
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != FrameAck || f.MessageID == "" {
			t.logger.Debug("ignoring inbound frame", "size", len(data))
			continue
		}
		t.tracker.Acknowledge(f.ack())
	}
}

// Send writes msg to the connection. Write failures drop the connection so
// Run can reconnect.
func (t *Transport) Send(ctx context.Context, msg *contracts.AgentMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := t.current()
	if conn == nil || !t.Available() {
		return fmt.Errorf("%w: websocket %s", messaging.ErrUnavailable, t.State())
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("encode message %s: %w", msg.ID, err))
	}

	t.writeMu.Lock()
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()

	if err != nil {
		// closing wakes the read loop, which ends serve
		conn.Close()
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// SendWithAck writes msg and waits for the peer's ack frame
func (t *Transport) SendWithAck(ctx context.Context, msg *contracts.AgentMessage) error {
	pending := t.tracker.Register(msg.ID)
	if err := t.Send(ctx, msg); err != nil {
		t.tracker.Forget(msg.ID)
		return err
	}
	_, err := pending.Wait(ctx)
	return err
}

// Close closes the current connection and releases acknowledgment waiters.
// Run notices the closed connection on its own.
func (t *Transport) Close() error {
	if conn := t.current(); conn != nil {
		conn.Close()
	}
	if t.ownTracker {
		return t.tracker.Close()
	}
	return nil
}

var _ messaging.AckTransport = (*Transport)(nil)
