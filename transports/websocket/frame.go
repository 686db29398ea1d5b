package websocket

import (
	"encoding/json"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/messaging"
)

// Frame types exchanged with the peer
const (
	FrameMessage = "message"
	FrameAck     = "ack"
)

// Frame is the envelope written to and read from the socket. Outbound
// frames carry a message, inbound frames carry acknowledgments.
type Frame struct {
	Type      string                  `json:"type"`
	Message   *contracts.AgentMessage `json:"message,omitempty"`
	MessageID string                  `json:"messageId,omitempty"`
	Success   bool                    `json:"success,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func (f Frame) ack() messaging.Ack {
	return messaging.Ack{
		MessageID:   f.MessageID,
		Success:     f.Success,
		Error:       f.Error,
		ProcessedAt: time.Now(),
	}
}

func encodeMessage(msg *contracts.AgentMessage) ([]byte, error) {
	return json.Marshal(Frame{Type: FrameMessage, Message: msg})
}
