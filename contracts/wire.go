package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Role is the fixed conversational role consumers expect on every delivered message
const Role = "assistant"

// wireMessage is the JSON shape consumers depend on. Field order matters.
type wireMessage struct {
	ID                string            `json:"id"`
	Role              string            `json:"role"`
	Content           string            `json:"content"`
	Timestamp         time.Time         `json:"timestamp"`
	AgentType         AgentType         `json:"agentType"`
	Priority          Priority          `json:"priority"`
	TTL               int64             `json:"ttl"`
	DeliveryGuarantee DeliveryGuarantee `json:"deliveryGuarantee"`
	Source            string            `json:"source"`
	TrustToken        *TrustToken       `json:"trustToken,omitempty"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
}

var knownFields = map[string]struct{}{
	"id": {}, "role": {}, "content": {}, "timestamp": {}, "agentType": {}, "priority": {},
	"ttl": {}, "deliveryGuarantee": {}, "source": {}, "trustToken": {}, "payload": {},
}

// MarshalJSON encodes the message in the delivery wire shape. Unknown fields
// captured during decoding are appended after the known ones.
func (m AgentMessage) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(wireMessage{
		ID:                m.ID,
		Role:              Role,
		Content:           m.Content,
		Timestamp:         m.Timestamp,
		AgentType:         m.AgentType,
		Priority:          m.Priority,
		TTL:               m.TTL,
		DeliveryGuarantee: m.DeliveryGuarantee,
		Source:            m.Source,
		TrustToken:        m.TrustToken,
		Payload:           m.Payload,
	})
	if err != nil || len(m.extra) == 0 {
		return data, err
	}

	keys := make([]string, 0, len(m.extra))
	for k := range m.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(data[:len(data)-1])
	for _, k := range keys {
		name, _ := json.Marshal(k)
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(m.extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the wire shape. Unknown fields are kept, not rejected.
func (m *AgentMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode agent message: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode agent message: %w", err)
	}

	*m = AgentMessage{
		ID:                w.ID,
		Content:           w.Content,
		Timestamp:         w.Timestamp,
		AgentType:         w.AgentType,
		Priority:          w.Priority,
		TTL:               w.TTL,
		DeliveryGuarantee: w.DeliveryGuarantee,
		Source:            w.Source,
		TrustToken:        w.TrustToken,
		Payload:           w.Payload,
	}
	for k, v := range raw {
		if _, known := knownFields[k]; known {
			continue
		}
		if m.extra == nil {
			m.extra = make(map[string]json.RawMessage)
		}
		m.extra[k] = v
	}
	return nil
}
