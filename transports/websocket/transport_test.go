package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/messaging"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectInitial = 5 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond
	cfg.HeartbeatPeriod = 20 * time.Millisecond
	cfg.PongWait = time.Second
	return cfg
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) hook(_, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, to)
}

func (l *stateLog) seen(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

// peer is a client session endpoint that records messages and optionally acks them
type peer struct {
	ack      bool
	mu       sync.Mutex
	received []string
	conns    atomic.Int32
	pings    atomic.Int32
	// dropFirst closes the first connection right after the upgrade
	dropFirst bool
}

func (p *peer) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

func (p *peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if n := p.conns.Add(1); n == 1 && p.dropFirst {
		return
	}
	conn.SetPingHandler(func(data string) error {
		p.pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil || f.Message == nil {
			continue
		}
		p.mu.Lock()
		p.received = append(p.received, f.Message.ID)
		p.mu.Unlock()

		if p.ack {
			reply, _ := json.Marshal(Frame{Type: FrameAck, MessageID: f.Message.ID, Success: true})
			if conn.WriteMessage(websocket.TextMessage, reply) != nil {
				return
			}
		}
	}
}

func alert() *contracts.AgentMessage {
	msg := contracts.NewAgentMessage(contracts.AgentSecurity, contracts.PriorityHigh, "injection attempt blocked")
	msg.TTL = 60000
	msg.DeliveryGuarantee = contracts.ExactlyOnce
	return msg
}

func runTransport(t *testing.T, tr *Transport) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()
	return func() {
		stop()
		<-done
		tr.Close()
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestDialedTransport(t *testing.T) {
	t.Run("delivers and waits for the ack frame", func(t *testing.T) {
		p := &peer{ack: true}
		server := httptest.NewServer(p)
		defer server.Close()

		tr := Dial(wsURL(server), WithConfig(fastConfig()))
		stop := runTransport(t, tr)
		defer stop()

		require.Eventually(t, tr.Available, time.Second, 5*time.Millisecond)

		msg := alert()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, tr.SendWithAck(ctx, msg))
		assert.Equal(t, []string{msg.ID}, p.ids())
	})

	t.Run("reconnects after the peer drops", func(t *testing.T) {
		p := &peer{dropFirst: true}
		server := httptest.NewServer(p)
		defer server.Close()

		log := &stateLog{}
		tr := Dial(wsURL(server), WithConfig(fastConfig()), WithStateHook(log.hook))
		stop := runTransport(t, tr)
		defer stop()

		require.Eventually(t, func() bool {
			return p.conns.Load() >= 2 && tr.Available()
		}, 2*time.Second, 5*time.Millisecond)
		assert.True(t, log.seen(StateConnecting))
		assert.True(t, log.seen(StateReconnecting))

		require.NoError(t, tr.Send(context.Background(), alert()))
		assert.Eventually(t, func() bool { return len(p.ids()) == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("sends heartbeats while connected", func(t *testing.T) {
		p := &peer{}
		server := httptest.NewServer(p)
		defer server.Close()

		tr := Dial(wsURL(server), WithConfig(fastConfig()))
		stop := runTransport(t, tr)
		defer stop()

		assert.Eventually(t, func() bool { return p.pings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("unreachable peer is unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := wsURL(server)
		server.Close()

		log := &stateLog{}
		tr := Dial(url, WithConfig(fastConfig()), WithStateHook(log.hook))
		stop := runTransport(t, tr)
		defer stop()

		require.Eventually(t, func() bool { return log.seen(StateReconnecting) }, time.Second, 5*time.Millisecond)
		assert.False(t, tr.Available())
		assert.ErrorIs(t, tr.Send(context.Background(), alert()), messaging.ErrUnavailable)
	})

	t.Run("missing ack times out", func(t *testing.T) {
		p := &peer{}
		server := httptest.NewServer(p)
		defer server.Close()

		tracker := messaging.NewAckTracker(messaging.WithAckTimeout(20 * time.Millisecond))
		defer tracker.Close()
		tr := Dial(wsURL(server), WithConfig(fastConfig()), WithTracker(tracker))
		stop := runTransport(t, tr)
		defer stop()

		require.Eventually(t, tr.Available, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, tr.SendWithAck(context.Background(), alert()), messaging.ErrAckTimeout)
	})
}

func TestAcceptedTransport(t *testing.T) {
	accepted := make(chan *Transport, 1)
	runErr := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader().Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := Accept(conn, WithConfig(fastConfig()))
		accepted <- tr
		runErr <- tr.Run(context.Background())
	}))
	defer server.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)

	tr := <-accepted
	require.Eventually(t, tr.Available, time.Second, 5*time.Millisecond)

	msg := alert()
	require.NoError(t, tr.Send(context.Background(), msg))

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, FrameMessage, f.Type)
	require.NotNil(t, f.Message)
	assert.Equal(t, msg.ID, f.Message.ID)
	assert.Equal(t, msg.Content, f.Message.Content)

	client.Close()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, ErrNotRedialable)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the client left")
	}
	assert.Equal(t, StateDisconnected, tr.State())
	assert.False(t, tr.Available())
}
