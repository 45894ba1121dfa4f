package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/appointmentchat/internal/model"
	"github.com/appointmentchat/internal/session"
	"github.com/appointmentchat/internal/unread"
)

type fakeSession struct {
	mu        sync.Mutex
	snap      session.Snapshot
	activated []session.Params
	sent      []string
	sendMsg   model.ChatMessage
	sendErr   error
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Activate(p session.Params) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, p)
}

func (f *fakeSession) SendMessage(_ context.Context, content string) (model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return f.sendMsg, f.sendErr
}

func newRouter(h *ChatHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/", h.GetState)
		r.Put("/activation", h.PutActivation)
		r.Post("/messages", h.PostMessage)
		r.Put("/view", h.PutView)
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetState(t *testing.T) {
	sentAt := "2024-01-01T00:00:00Z"
	fs := &fakeSession{snap: session.Snapshot{
		State:    model.StateConnected,
		Messages: []model.ChatMessage{{ID: "m1", SenderID: "u2", Content: "hi", SentAt: &sentAt}},
		ChatID:   "C1",
	}}
	tr := unread.New("u1")
	tr.Observe(nil)
	h := newRouter(NewChatHandler(fs, tr))

	rec := do(t, h, http.MethodGet, "/api/chat", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		ConnectionState string              `json:"connectionState"`
		Messages        []model.ChatMessage `json:"messages"`
		Error           *string             `json:"error"`
		ChatID          string              `json:"chatId"`
		UnreadCount     int                 `json:"unreadCount"`
		ViewOpen        bool                `json:"viewOpen"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ConnectionState != "connected" || body.ChatID != "C1" || len(body.Messages) != 1 || body.Error != nil {
		t.Fatalf("unexpected state %s", rec.Body.String())
	}
	if body.UnreadCount != 0 || body.ViewOpen {
		t.Fatalf("unexpected unread fields %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"connected"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestPutActivation(t *testing.T) {
	fs := &fakeSession{}
	h := newRouter(NewChatHandler(fs, unread.New("u1")))

	if rec := do(t, h, http.MethodPut, "/api/chat/activation", `{"appointmentId":" A1 ","token":"T1"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPut, "/api/chat/activation", `{"appointmentId":"A1","token":"T1","enabled":false}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := []session.Params{
		{AppointmentID: "A1", Token: "T1", Enabled: true},
		{AppointmentID: "A1", Token: "T1", Enabled: false},
	}
	if len(fs.activated) != len(want) {
		t.Fatalf("activations = %+v", fs.activated)
	}
	for i := range want {
		if fs.activated[i] != want[i] {
			t.Errorf("activation %d = %+v, want %+v", i, fs.activated[i], want[i])
		}
	}

	for _, body := range []string{`not json`, `{"appointmentId":"A1","extra":1}`, `{} {}`} {
		if rec := do(t, h, http.MethodPut, "/api/chat/activation", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if len(fs.activated) != 2 {
		t.Fatalf("bad bodies reached Activate: %+v", fs.activated)
	}
}

func TestPostMessage(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		text   string
	}{
		{"ok", nil, http.StatusCreated, ""},
		{"empty", session.ErrEmptyContent, http.StatusBadRequest, session.ErrEmptyContent.Error()},
		{"no appointment", session.ErrNoAppointment, http.StatusBadRequest, session.ErrNoAppointment.Error()},
		{"not connected", session.ErrNotConnected, http.StatusConflict, session.ErrNotConnected.Error()},
		{"closed", session.ErrSessionClosed, http.StatusConflict, session.ErrSessionClosed.Error()},
		{"rejected", &session.SendError{Reason: "Chat closed"}, http.StatusBadGateway, "Chat closed"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "timed out waiting for server"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeSession{sendMsg: model.ChatMessage{ID: "m9", Content: "hi"}, sendErr: tc.err}
			h := newRouter(NewChatHandler(fs, unread.New("u1")))
			rec := do(t, h, http.MethodPost, "/api/chat/messages", `{"content":"hi"}`)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
			if tc.err == nil {
				var m model.ChatMessage
				if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil || m.ID != "m9" {
					t.Fatalf("body = %s (%v)", rec.Body.String(), err)
				}
				return
			}
			var e errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Error != tc.text {
				t.Fatalf("error body = %s, want %q", rec.Body.String(), tc.text)
			}
		})
	}
}

func TestPostMessageBadBody(t *testing.T) {
	fs := &fakeSession{}
	h := newRouter(NewChatHandler(fs, unread.New("u1")))
	if rec := do(t, h, http.MethodPost, "/api/chat/messages", `{"content":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(fs.sent) != 0 {
		t.Fatalf("SendMessage called with %v", fs.sent)
	}
}

func TestPutViewResetsUnread(t *testing.T) {
	tr := unread.New("u1")
	tr.Observe([]model.ChatMessage{{ID: "m1", SenderID: "u2"}})
	tr.Observe([]model.ChatMessage{{ID: "m1", SenderID: "u2"}, {ID: "m2", SenderID: "u2"}})
	if tr.Count() != 1 {
		t.Fatalf("precondition: count = %d", tr.Count())
	}
	h := newRouter(NewChatHandler(&fakeSession{}, tr))

	rec := do(t, h, http.MethodPut, "/api/chat/view", `{"open":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var v viewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.UnreadCount != 0 || !v.ViewOpen {
		t.Fatalf("view = %+v", v)
	}
}
