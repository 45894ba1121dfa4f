package channel

import "encoding/json"

type FrameType string

const (
	FrameEvent FrameType = "event"
	FrameAck   FrameType = "ack"
)

// Frame is the JSON envelope of every websocket text message.
// Event frames carry ID only when the sender expects an ack frame with the same ID.
type Frame struct {
	Type  FrameType       `json:"type"`
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}
