package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/appointmentchat/internal/logger"
	"github.com/appointmentchat/internal/middleware"
	"github.com/appointmentchat/internal/model"
	"github.com/appointmentchat/internal/session"
)

// ChatSession — то, что bridge использует от session.Session.
type ChatSession interface {
	Snapshot() session.Snapshot
	Activate(p session.Params)
	SendMessage(ctx context.Context, content string) (model.ChatMessage, error)
}

// UnreadCounter — то, что bridge использует от unread.Tracker.
type UnreadCounter interface {
	Count() int
	Open() bool
	SetOpen(open bool)
}

type ChatHandler struct {
	Chat   ChatSession
	Unread UnreadCounter
}

func NewChatHandler(chat ChatSession, unread UnreadCounter) *ChatHandler {
	return &ChatHandler{Chat: chat, Unread: unread}
}

type chatStateResponse struct {
	session.Snapshot
	UnreadCount int  `json:"unreadCount"`
	ViewOpen    bool `json:"viewOpen"`
}

type viewResponse struct {
	UnreadCount int  `json:"unreadCount"`
	ViewOpen    bool `json:"viewOpen"`
}

func (h *ChatHandler) state() chatStateResponse {
	return chatStateResponse{
		Snapshot:    h.Chat.Snapshot(),
		UnreadCount: h.Unread.Count(),
		ViewOpen:    h.Unread.Open(),
	}
}

// Health — GET /health.
func (h *ChatHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "ok",
		"connectionState": string(h.Chat.Snapshot().State),
	})
}

// GetState — GET /api/chat: текущее состояние сессии и счётчик непрочитанных.
func (h *ChatHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

type activationRequest struct {
	AppointmentID string `json:"appointmentId"`
	Token         string `json:"token"`
	Enabled       *bool  `json:"enabled"`
}

// PutActivation — PUT /api/chat/activation. enabled по умолчанию true.
func (h *ChatHandler) PutActivation(w http.ResponseWriter, r *http.Request) {
	var req activationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p := session.Params{
		AppointmentID: strings.TrimSpace(req.AppointmentID),
		Token:         strings.TrimSpace(req.Token),
		Enabled:       req.Enabled == nil || *req.Enabled,
	}
	logger.Infof("chat: activation appointment=%q enabled=%v token=%s", p.AppointmentID, p.Enabled, middleware.MaskToken(p.Token))
	h.Chat.Activate(p)
	writeJSON(w, http.StatusOK, h.state())
}

type sendRequest struct {
	Content string `json:"content"`
}

// PostMessage — POST /api/chat/messages. Ждёт подтверждения сервера.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, err := h.Chat.SendMessage(r.Context(), req.Content)
	if err != nil {
		status, text := sendErrorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Errorf("chat: send failed: %v", err)
		}
		writeError(w, status, text)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func sendErrorStatus(err error) (int, string) {
	var sendErr *session.SendError
	switch {
	case errors.Is(err, session.ErrEmptyContent), errors.Is(err, session.ErrNoAppointment):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict, err.Error()
	case errors.As(err, &sendErr):
		return http.StatusBadGateway, sendErr.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timed out waiting for server"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

type viewRequest struct {
	Open bool `json:"open"`
}

// PutView — PUT /api/chat/view: открыт ли чат у пользователя (счётчик сбрасывается при открытии).
func (h *ChatHandler) PutView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.Unread.SetOpen(req.Open)
	writeJSON(w, http.StatusOK, viewResponse{UnreadCount: h.Unread.Count(), ViewOpen: h.Unread.Open()})
}
