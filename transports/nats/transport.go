// Package nats pushes agent messages to a session subject on a NATS server.
// Exactly-once messages use request-reply: the consumer answers with an
// acknowledgment on the reply subject.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/messaging"
	"github.com/nats-io/nats.go"
)

// Config holds NATS connection settings
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string
	// Name identifies the client to the server.
	Name string

	Token    string
	User     string
	Password string

	// SubjectPrefix is joined with the session name to form the subject.
	SubjectPrefix string

	ReconnectWait  time.Duration
	MaxReconnects  int // -1 = unlimited
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
}

// DefaultConfig returns configuration with the defaults used by Connect
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "agentmsg",
		SubjectPrefix:  "agentmsg.sessions",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		AckTimeout:     10 * time.Second,
	}
}

func (c Config) options() []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.Timeout(c.ConnectTimeout),
	}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	}
	if c.User != "" {
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	return opts
}

// Subject returns the subject messages for session are published on
func Subject(prefix, session string) string {
	return strings.TrimSuffix(prefix, ".") + "." + session
}

// Transport publishes to one session subject
type Transport struct {
	conn       *nats.Conn
	ownConn    bool
	subject    string
	ackTimeout time.Duration
	logger     *slog.Logger
}

// Connect dials the server described by cfg and returns a transport for
// session. Closing the transport closes the connection.
func Connect(cfg Config, session string, logger *slog.Logger) (*Transport, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := append(cfg.options(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	t := New(conn, cfg, session, logger)
	t.ownConn = true
	return t, nil
}

// New wraps an existing connection
func New(conn *nats.Conn, cfg Config, session string, logger *slog.Logger) *Transport {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	subject := Subject(cfg.SubjectPrefix, session)
	return &Transport{
		conn:       conn,
		subject:    subject,
		ackTimeout: cfg.AckTimeout,
		logger:     logger.With("transport", "nats", "subject", subject),
	}
}

// Name implements messaging.Named
func (t *Transport) Name() string {
	return "nats"
}

// Subject returns the session subject
func (t *Transport) Subject() string {
	return t.subject
}

// Available reports whether the connection is up
func (t *Transport) Available() bool {
	return t.conn != nil && t.conn.IsConnected()
}

func (t *Transport) natsMsg(msg *contracts.AgentMessage) (*nats.Msg, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("encode message %s: %w", msg.ID, err))
	}
	m := nats.NewMsg(t.subject)
	m.Data = data
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	m.Header.Set("Agentmsg-Agent-Type", string(msg.AgentType))
	m.Header.Set("Agentmsg-Priority", string(msg.Priority))
	return m, nil
}

// Send publishes msg without waiting for the consumer
func (t *Transport) Send(ctx context.Context, msg *contracts.AgentMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.Available() {
		return fmt.Errorf("%w: nats %s", messaging.ErrUnavailable, t.conn.Status())
	}
	m, err := t.natsMsg(msg)
	if err != nil {
		return err
	}
	if err := t.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// SendWithAck publishes msg as a request and waits for the consumer's
// acknowledgment on the reply subject.
func (t *Transport) SendWithAck(ctx context.Context, msg *contracts.AgentMessage) error {
	if !t.Available() {
		return fmt.Errorf("%w: nats %s", messaging.ErrUnavailable, t.conn.Status())
	}
	m, err := t.natsMsg(msg)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.ackTimeout)
	defer cancel()

	reply, err := t.conn.RequestMsgWithContext(reqCtx, m)
	switch {
	case err == nil:
		return decodeAck(msg.ID, reply.Data)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: no consumer on %s", messaging.ErrUnavailable, t.subject)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w after %v for message %s", messaging.ErrAckTimeout, t.ackTimeout, msg.ID)
	}
	return fmt.Errorf("nats request: %w", err)
}

// decodeAck interprets a consumer reply. An empty reply counts as success.
func decodeAck(messageID string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var ack messaging.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return reliability.Permanent(fmt.Errorf("%w: unreadable acknowledgment for %s", messaging.ErrAckRejected, messageID))
	}
	if ack.MessageID != "" && ack.MessageID != messageID {
		return fmt.Errorf("acknowledgment for %s answered %s", ack.MessageID, messageID)
	}
	if !ack.Success {
		return reliability.Permanent(fmt.Errorf("%w: %s", messaging.ErrAckRejected, ack.Error))
	}
	return nil
}

// Handler processes one delivered message on the consumer side
type Handler func(msg *contracts.AgentMessage) error

// Consume subscribes to a session subject and acknowledges every message
// that carries a reply subject with the handler's result.
func Consume(conn *nats.Conn, subject string, handle Handler) (*nats.Subscription, error) {
	return conn.Subscribe(subject, func(m *nats.Msg) {
		var msg contracts.AgentMessage
		ack := messaging.Ack{Success: true, ProcessedAt: time.Now()}
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			ack.Success = false
			ack.Error = err.Error()
		} else {
			ack.MessageID = msg.ID
			if err := handle(&msg); err != nil {
				ack.Success = false
				ack.Error = err.Error()
			}
		}
		if m.Reply == "" {
			return
		}
		data, _ := json.Marshal(ack)
		_ = m.Respond(data)
	})
}

// Close drains and closes the connection when the transport opened it
func (t *Transport) Close() error {
	if t.ownConn && t.conn != nil {
		return t.conn.Drain()
	}
	return nil
}

var _ messaging.AckTransport = (*Transport)(nil)
