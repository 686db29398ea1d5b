package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/agentmsg/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// StateHook is told whenever the connection comes up or goes down
type StateHook func(connected bool)

// ConnectionManager keeps one AMQP connection open and redials it with
// exponential backoff after the broker closes it.
type ConnectionManager struct {
	url            string
	mu             sync.RWMutex
	conn           *amqp.Connection
	connected      bool
	closed         bool
	done           chan struct{}
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	hooks          []StateHook
	logger         *slog.Logger
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay and the cap
func WithReconnectDelay(initial, max time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = initial
		cm.maxDelay = max
	}
}

// WithMaxRetries bounds reconnection attempts. Negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each dial
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = d
	}
}

// WithStateHook registers a connection state observer
func WithStateHook(h StateHook) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.hooks = append(cm.hooks, h)
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		done:           make(chan struct{}),
		reconnectDelay: time.Second,
		maxDelay:       time.Minute,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cm)
	}
	cm.logger = cm.logger.With("url", SanitizeURL(url))
	return cm
}

// Connect dials the broker once and starts watching the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrManagerClosed
	}
	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: 1}
	}
	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ")
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	timeout := cm.dialTimeout
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left < timeout {
			timeout = left
		}
	}
	return amqp.DialConfig(cm.url, amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "agentmsg"},
	})
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(closes)
	cm.notify(true)
}

func (cm *ConnectionManager) notify(connected bool) {
	for _, h := range cm.hooks {
		go h(connected)
	}
}

func (cm *ConnectionManager) watch(closes chan *amqp.Error) {
	select {
	case err, ok := <-closes:
		if ok && err != nil {
			cm.logger.Error("connection closed", "error", err)
		}
	case <-cm.done:
		return
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.connected = false
	cm.conn = nil
	cm.notify(false)
	cm.mu.Unlock()

	cm.reconnect()
}

func (cm *ConnectionManager) reconnect() {
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, cm.maxDelay, 2.0, 0)
	start := time.Now()

	for attempt := 0; cm.maxRetries < 0 || attempt < cm.maxRetries; attempt++ {
		delay := backoff.NextDelay(attempt)
		select {
		case <-time.After(delay):
		case <-cm.done:
			return
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Warn("reconnection failed", "attempt", attempt+1, "nextRetryIn", backoff.NextDelay(attempt+1), "error", err)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt+1, "duration", time.Since(start))
		return
	}

	cm.logger.Error("giving up on RabbitMQ",
		"error", &ConnectionError{Op: "reconnect", URL: SanitizeURL(cm.url), Err: ErrMaxRetriesExceeded, Timestamp: time.Now(), Attempts: cm.maxRetries})
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.connected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}
