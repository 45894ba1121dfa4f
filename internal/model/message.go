package model

import "time"

// ChatMessage is a single message of an appointment thread, as delivered by the chat server.
// Values are treated as immutable once received.
type ChatMessage struct {
	ID            string  `json:"id"`
	ChatID        string  `json:"chatId"`
	AppointmentID string  `json:"appointmentId"`
	SenderID      string  `json:"senderId"`
	SenderName    *string `json:"senderName"`
	SenderEmail   *string `json:"senderEmail"`
	SenderRole    *string `json:"senderRole"`
	Content       string  `json:"content"`
	SentAt        *string `json:"sentAt"`
	IsRead        bool    `json:"isRead"`
}

// SentTime parses SentAt. ok is false when the timestamp is missing or unparseable.
func (m ChatMessage) SentTime() (t time.Time, ok bool) {
	if m.SentAt == nil || *m.SentAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, *m.SentAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DisplayName returns the best available label for the author (name, then email).
func (m ChatMessage) DisplayName() string {
	if m.SenderName != nil && *m.SenderName != "" {
		return *m.SenderName
	}
	if m.SenderEmail != nil && *m.SenderEmail != "" {
		return *m.SenderEmail
	}
	return ""
}
