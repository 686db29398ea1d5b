package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/monitor"
	"github.com/glimte/agentmsg/router"
	"github.com/glimte/agentmsg/trust"
	wstransport "github.com/glimte/agentmsg/transports/websocket"
)

const testSecret = "server-test-secret-0123456789"

type fixture struct {
	hub     *Hub
	metrics *monitor.SimpleMetricsCollector
	codec   *trust.Codec
	server  *httptest.Server
}

func newFixture(t *testing.T, opts ...HubOption) *fixture {
	t.Helper()
	metrics := monitor.NewSimpleMetricsCollector()
	codec, err := trust.NewCodec([]byte(testSecret))
	require.NoError(t, err)

	opts = append([]HubOption{
		WithCollector(metrics),
		WithDrainInterval(10 * time.Millisecond),
	}, opts...)
	hub := NewHub(opts...)
	srv := httptest.NewServer(New(hub, WithCodec(codec)).Routes())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Close(ctx)
	})
	return &fixture{hub: hub, metrics: metrics, codec: codec, server: srv}
}

func message(agent contracts.AgentType, p contracts.Priority, g contracts.DeliveryGuarantee) *contracts.AgentMessage {
	msg := contracts.NewAgentMessage(agent, p, "Hello")
	msg.TTL = 60000
	msg.DeliveryGuarantee = g
	msg.Source = "test"
	return msg
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.server.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type pollResponse struct {
	Messages []*contracts.AgentMessage `json:"messages"`
}

func (f *fixture) pollUntil(t *testing.T, session string, n int) []*contracts.AgentMessage {
	t.Helper()
	var got []*contracts.AgentMessage
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.server.URL + "/v1/sessions/" + session + "/poll")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body pollResponse
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		got = append(got, body.Messages...)
		return len(got) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestSubmitAndPoll(t *testing.T) {
	f := newFixture(t)
	msg := message(contracts.AgentStatus, contracts.PriorityLow, contracts.BestEffort)

	resp := f.post(t, "/v1/sessions/s-1/messages", msg)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	receipt := decode[router.Receipt](t, resp)
	assert.Equal(t, msg.ID, receipt.ID)
	assert.Equal(t, "background", string(receipt.Queue))
	assert.False(t, receipt.RateLimitBypassed)

	got := f.pollUntil(t, "s-1", 1)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.Equal(t, "Hello", got[0].Content)

	info := decode[SessionInfo](t, f.get(t, "/v1/sessions/s-1"))
	assert.Equal(t, "mailbox", info.Transport)
	assert.Equal(t, 0, info.Depths["background"])

	names := decode[map[string][]string](t, f.get(t, "/v1/sessions"))
	assert.Equal(t, []string{"s-1"}, names["sessions"])
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t)

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(f.server.URL+"/v1/sessions/s-1/messages", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid message", func(t *testing.T) {
		msg := message(contracts.AgentStatus, contracts.PriorityLow, contracts.BestEffort)
		msg.TTL = 0
		assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/sessions/s-1/messages", msg).StatusCode)
	})

	t.Run("stale message", func(t *testing.T) {
		msg := message(contracts.AgentStatus, contracts.PriorityLow, contracts.BestEffort)
		msg.Timestamp = time.Now().Add(-10 * time.Minute)
		assert.Equal(t, http.StatusUnprocessableEntity, f.post(t, "/v1/sessions/s-1/messages", msg).StatusCode)
	})

	t.Run("invalid session name", func(t *testing.T) {
		msg := message(contracts.AgentStatus, contracts.PriorityLow, contracts.BestEffort)
		assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/sessions/bad%20name/messages", msg).StatusCode)
	})

	t.Run("rate limited", func(t *testing.T) {
		var last *http.Response
		for i := 0; i < 11; i++ {
			last = f.post(t, "/v1/sessions/s-2/messages", message(contracts.AgentSanitization, contracts.PriorityMedium, contracts.BestEffort))
		}
		assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
		assert.Equal(t, "60", last.Header.Get("Retry-After"))

		urgent := f.post(t, "/v1/sessions/s-2/messages", message(contracts.AgentSanitization, contracts.PriorityCritical, contracts.BestEffort))
		assert.Equal(t, http.StatusAccepted, urgent.StatusCode)
	})
}

func TestExactlyOnceThroughMailbox(t *testing.T) {
	f := newFixture(t)
	msg := message(contracts.AgentSecurity, contracts.PriorityHigh, contracts.ExactlyOnce)

	resp := f.post(t, "/v1/sessions/s-1/messages", msg)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	receipt := decode[router.Receipt](t, resp)
	assert.True(t, receipt.RequiresAck)
	assert.True(t, receipt.RateLimitBypassed)
	assert.Equal(t, 3, receipt.MaxRetries)

	got := f.pollUntil(t, "s-1", 1)
	require.Equal(t, msg.ID, got[0].ID)

	ack := f.post(t, "/v1/sessions/s-1/ack/"+msg.ID, map[string]bool{"success": true})
	assert.Equal(t, http.StatusNoContent, ack.StatusCode)

	require.Eventually(t, func() bool {
		return f.metrics.Count(monitor.EventDelivered, contracts.AgentSecurity, contracts.PriorityHigh) == 1
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("unknown ack", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.post(t, "/v1/sessions/s-1/ack/nope", nil).StatusCode)
		assert.Equal(t, http.StatusNotFound, f.post(t, "/v1/sessions/missing/ack/nope", nil).StatusCode)
	})
}

func TestAckBelongsToItsSession(t *testing.T) {
	f := newFixture(t)
	msg := message(contracts.AgentSecurity, contracts.PriorityCritical, contracts.ExactlyOnce)

	require.Equal(t, http.StatusOK, f.get(t, "/v1/sessions/s-b/poll").StatusCode)
	resp := f.post(t, "/v1/sessions/s-a/messages", msg)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	got := f.pollUntil(t, "s-a", 1)
	require.Equal(t, msg.ID, got[0].ID)

	foreign := f.post(t, "/v1/sessions/s-b/ack/"+msg.ID, map[string]bool{"success": true})
	assert.Equal(t, http.StatusNotFound, foreign.StatusCode)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.metrics.Count(monitor.EventDelivered, contracts.AgentSecurity, contracts.PriorityCritical))

	own := f.post(t, "/v1/sessions/s-a/ack/"+msg.ID, map[string]bool{"success": true})
	assert.Equal(t, http.StatusNoContent, own.StatusCode)
	require.Eventually(t, func() bool {
		return f.metrics.Count(monitor.EventDelivered, contracts.AgentSecurity, contracts.PriorityCritical) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketPush(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/sessions/s-ws/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(f.server.URL + "/v1/sessions/s-ws")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var info SessionInfo
		return json.NewDecoder(resp.Body).Decode(&info) == nil && info.Transport == "websocket"
	}, 2*time.Second, 10*time.Millisecond)

	msg := message(contracts.AgentSecurity, contracts.PriorityCritical, contracts.ExactlyOnce)
	require.Equal(t, http.StatusAccepted, f.post(t, "/v1/sessions/s-ws/messages", msg).StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wstransport.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, wstransport.FrameMessage, frame.Type)
	require.NotNil(t, frame.Message)
	assert.Equal(t, msg.ID, frame.Message.ID)

	require.NoError(t, conn.WriteJSON(wstransport.Frame{Type: wstransport.FrameAck, MessageID: msg.ID, Success: true}))

	require.Eventually(t, func() bool {
		return f.metrics.Count(monitor.EventDelivered, contracts.AgentSecurity, contracts.PriorityCritical) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTrustTokens(t *testing.T) {
	f := newFixture(t)

	token, err := f.codec.Issue([]byte("raw Hello"), []byte("Hello"), []string{"strip"}, "1.0")
	require.NoError(t, err)

	t.Run("verify endpoint", func(t *testing.T) {
		res := decode[VerifyResponse](t, f.post(t, "/v1/tokens/verify", token))
		assert.True(t, res.Valid)

		tampered := token.Clone()
		tampered.SanitizationVersion = "2.0"
		res = decode[VerifyResponse](t, f.post(t, "/v1/tokens/verify", tampered))
		assert.False(t, res.Valid)
		assert.Equal(t, string(trust.ReasonSignatureMismatch), res.Reason)
	})

	t.Run("submit accepts a matching token", func(t *testing.T) {
		msg := message(contracts.AgentSanitization, contracts.PriorityHigh, contracts.AtLeastOnce)
		msg.TrustToken = token
		assert.Equal(t, http.StatusAccepted, f.post(t, "/v1/sessions/s-1/messages", msg).StatusCode)
	})

	t.Run("submit rejects a token for other content", func(t *testing.T) {
		msg := message(contracts.AgentSanitization, contracts.PriorityHigh, contracts.AtLeastOnce)
		msg.Content = "Goodbye"
		msg.TrustToken = token
		assert.Equal(t, http.StatusUnprocessableEntity, f.post(t, "/v1/sessions/s-1/messages", msg).StatusCode)
		assert.Equal(t, int64(1), f.metrics.Rejected(contracts.AgentSanitization, monitor.RejectUntrusted))
	})

	t.Run("submit rejects and counts a forged token", func(t *testing.T) {
		msg := message(contracts.AgentSanitization, contracts.PriorityHigh, contracts.AtLeastOnce)
		forged := token.Clone()
		forged.SanitizationVersion = "9.9"
		msg.TrustToken = forged
		assert.Equal(t, http.StatusUnprocessableEntity, f.post(t, "/v1/sessions/s-1/messages", msg).StatusCode)
		assert.Equal(t, int64(2), f.metrics.Rejected(contracts.AgentSanitization, monitor.RejectUntrusted))
	})
}

func TestFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := reliability.NewFailureRecord(message(contracts.AgentError, contracts.PriorityMedium, contracts.AtLeastOnce),
		"background", reliability.OutcomeFailed, 3, io.ErrUnexpectedEOF)
	rec.Session = "s-1"
	require.NoError(t, f.hub.Failures().Record(ctx, rec))

	body := decode[map[string][]reliability.FailureRecord](t, f.get(t, "/v1/failures?session=s-1"))
	require.Len(t, body["failures"], 1)
	assert.Equal(t, rec.ID, body["failures"][0].ID)

	empty := decode[map[string][]reliability.FailureRecord](t, f.get(t, "/v1/failures?session=other"))
	assert.Empty(t, empty["failures"])

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/failures?limit=x").StatusCode)
	assert.Equal(t, http.StatusNoContent, f.post(t, "/v1/failures/"+rec.ID+"/resolve", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.post(t, "/v1/failures/missing/resolve", nil).StatusCode)
}

func TestHealthAndLiveness(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[monitor.OverallHealth](t, resp)
	assert.Equal(t, monitor.StatusHealthy, health.Status)

	assert.Equal(t, http.StatusOK, f.get(t, "/livez").StatusCode)
}
