package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() *AgentMessage {
	msg := NewAgentMessage(AgentSecurity, PriorityHigh, "suspicious macro removed")
	msg.TTL = 3600000
	msg.DeliveryGuarantee = ExactlyOnce
	msg.Source = "scanner/v2"
	return msg
}

func TestNewAgentMessage(t *testing.T) {
	t.Run("assigns id and timestamp", func(t *testing.T) {
		msg := NewAgentMessage(AgentStatus, PriorityLow, "processing page 3")

		_, err := uuid.Parse(msg.ID)
		assert.NoError(t, err)
		assert.WithinDuration(t, time.Now(), msg.Timestamp, time.Second)
		assert.Equal(t, BestEffort, msg.DeliveryGuarantee)
	})

	t.Run("ids are unique", func(t *testing.T) {
		a := NewAgentMessage(AgentStatus, PriorityLow, "a")
		b := NewAgentMessage(AgentStatus, PriorityLow, "b")
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestPriorityUrgent(t *testing.T) {
	assert.False(t, PriorityLow.Urgent())
	assert.False(t, PriorityMedium.Urgent())
	assert.True(t, PriorityHigh.Urgent())
	assert.True(t, PriorityCritical.Urgent())
}

func TestAgentMessageValidate(t *testing.T) {
	t.Run("accepts a well formed message", func(t *testing.T) {
		assert.NoError(t, validMessage().Validate())
	})

	tests := []struct {
		name   string
		mutate func(m *AgentMessage)
		field  string
	}{
		{"empty id", func(m *AgentMessage) { m.ID = "" }, "id"},
		{"unknown agent type", func(m *AgentMessage) { m.AgentType = "billing" }, "agentType"},
		{"unknown priority", func(m *AgentMessage) { m.Priority = "urgent" }, "priority"},
		{"unknown guarantee", func(m *AgentMessage) { m.DeliveryGuarantee = "once-ish" }, "deliveryGuarantee"},
		{"zero ttl", func(m *AgentMessage) { m.TTL = 0 }, "ttl"},
		{"negative ttl", func(m *AgentMessage) { m.TTL = -5 }, "ttl"},
		{"ttl beyond a duration", func(m *AgentMessage) { m.TTL = 9_300_000_000_000 }, "ttl"},
		{"zero timestamp", func(m *AgentMessage) { m.Timestamp = time.Time{} }, "timestamp"},
		{"empty content", func(m *AgentMessage) { m.Content = "" }, "content"},
		{"token without signature", func(m *AgentMessage) {
			m.TrustToken = &TrustToken{ContentHash: "aa", OriginalHash: "bb", SanitizationVersion: "1",
				Timestamp: time.Now(), ExpiresAt: time.Now().Add(time.Hour), Nonce: "cc"}
		}, "trustToken"},
	}

	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			msg := validMessage()
			tt.mutate(msg)

			err := msg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}

	t.Run("accepts any positive ttl", func(t *testing.T) {
		msg := validMessage()
		msg.TTL = 1
		assert.NoError(t, msg.Validate())

		msg.TTL = MaxTTL
		assert.NoError(t, msg.Validate())
		assert.Positive(t, msg.TTLDuration())
	})

	t.Run("oversized ttl saturates instead of wrapping", func(t *testing.T) {
		msg := validMessage()
		msg.TTL = 9_300_000_000_000
		assert.Positive(t, msg.TTLDuration())
		assert.True(t, msg.ExpiresAt().After(msg.Timestamp))
	})
}

func TestAgentMessageWireShape(t *testing.T) {
	t.Run("encodes fields in consumer order with assistant role", func(t *testing.T) {
		msg := &AgentMessage{
			ID:                "m-1",
			Content:           "clean",
			Timestamp:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			AgentType:         AgentStatus,
			Priority:          PriorityLow,
			TTL:               1000,
			DeliveryGuarantee: BestEffort,
			Source:            "pdf-extract",
		}

		data, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.Equal(t,
			`{"id":"m-1","role":"assistant","content":"clean","timestamp":"2026-03-01T10:00:00Z",`+
				`"agentType":"status","priority":"low","ttl":1000,"deliveryGuarantee":"best-effort","source":"pdf-extract"}`,
			string(data))
	})

	t.Run("includes trust token when present", func(t *testing.T) {
		msg := validMessage()
		msg.TrustToken = &TrustToken{ContentHash: "aa", RulesApplied: []string{"strip-js"}}

		data, err := json.Marshal(msg)
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Contains(t, raw, "trustToken")
		assert.Equal(t, `"assistant"`, string(raw["role"]))
	})

	t.Run("preserves unknown fields", func(t *testing.T) {
		in := `{"id":"m-2","role":"assistant","content":"x","timestamp":"2026-03-01T10:00:00Z",` +
			`"agentType":"error","priority":"medium","ttl":5,"deliveryGuarantee":"at-least-once",` +
			`"source":"s","sessionHint":{"tab":2},"zeta":true}`

		var msg AgentMessage
		require.NoError(t, json.Unmarshal([]byte(in), &msg))
		assert.Equal(t, AgentError, msg.AgentType)

		hint, ok := msg.Extra("sessionHint")
		require.True(t, ok)
		assert.JSONEq(t, `{"tab":2}`, string(hint))

		out, err := json.Marshal(&msg)
		require.NoError(t, err)
		assert.JSONEq(t, in, string(out))
	})

	t.Run("decoding a value with a wrong type fails", func(t *testing.T) {
		var msg AgentMessage
		err := json.Unmarshal([]byte(`{"id":"m","ttl":"soon"}`), &msg)
		assert.Error(t, err)
	})
}

func TestAgentMessageClone(t *testing.T) {
	msg := validMessage()
	msg.TrustToken = &TrustToken{RulesApplied: []string{"a", "b"}}

	c := msg.Clone()
	c.TrustToken.RulesApplied[0] = "changed"
	c.Content = "other"

	assert.Equal(t, "a", msg.TrustToken.RulesApplied[0])
	assert.Equal(t, "suspicious macro removed", msg.Content)
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("typed errors unwrap to sentinels", func(t *testing.T) {
		assert.ErrorIs(t, &StaleMessageError{MessageID: "m", Skew: time.Hour, Window: 5 * time.Minute}, ErrStaleMessage)
		assert.ErrorIs(t, &RateLimitedError{AgentType: AgentSanitization, Limit: 10, Window: time.Minute}, ErrRateLimited)
		assert.ErrorIs(t, &ExpiredError{MessageID: "m"}, ErrExpired)
	})

	t.Run("delivery error exposes cause and category", func(t *testing.T) {
		cause := errors.New("socket closed")
		err := &DeliveryError{MessageID: "m", Attempts: 3, Err: cause}

		assert.ErrorIs(t, err, ErrDeliveryFailure)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "3 attempt(s)")
	})
}
