package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const maxPushBody = 120

// PushClient вызывает микросервис пуш-уведомлений (POST /api/notify).
// Если URL пустой — NewMessage no-op.
type PushClient struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewPushClient создаёт клиент. userID — получатель пуша (локальный пользователь).
func NewPushClient(baseURL, userID string) *PushClient {
	if baseURL == "" {
		return &PushClient{}
	}
	return &PushClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		userID:  userID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyRequest — тело запроса к push-сервису.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func (c *PushClient) NewMessage(ctx context.Context, n Notification) error {
	if c.baseURL == "" {
		return nil
	}
	title := n.SenderName
	if title == "" {
		title = "Новое сообщение"
	}
	payload := NotifyRequest{
		UserID: c.userID,
		Title:  title,
		Body:   truncate(n.Message.Content, maxPushBody),
		Data: map[string]string{
			"appointment_id": n.AppointmentID,
			"chat_id":        n.Message.ChatID,
			"message_id":     n.Message.ID,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push notify: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push notify: %d", resp.StatusCode)
	}
	return nil
}

// truncate режет по рунам, чтобы не ломать UTF-8.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}
