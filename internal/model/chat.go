package model

// ConnectionState is the lifecycle state of a chat session.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateError      ConnectionState = "error"
)

// JoinRequest is the payload of chat:join.
type JoinRequest struct {
	AppointmentID string `json:"appointmentId"`
}

// JoinAck is the server reply to chat:join.
type JoinAck struct {
	OK          bool          `json:"ok"`
	ChatID      string        `json:"chatId,omitempty"`
	Appointment *Appointment  `json:"appointment,omitempty"`
	Messages    []ChatMessage `json:"messages,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// SendRequest is the payload of an outbound chat:message.
type SendRequest struct {
	AppointmentID string `json:"appointmentId"`
	Content       string `json:"content"`
}

// SendAck is the server reply to an outbound chat:message.
type SendAck struct {
	OK      bool         `json:"ok"`
	Message *ChatMessage `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}
