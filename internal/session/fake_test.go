package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/appointmentchat/internal/channel"
	"github.com/appointmentchat/internal/model"
)

type emitted struct {
	event   string
	payload json.RawMessage
	ack     channel.AckHandler
}

// fakeConn is an in-memory channel.Conn driven by the test.
type fakeConn struct {
	mu        sync.Mutex
	endpoint  string
	token     string
	opened    bool
	closed    bool
	lifecycle channel.Lifecycle
	handlers  map[string]channel.EventHandler
	emits     []emitted
	emitErr   error
}

func (f *fakeConn) Open(endpoint, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint, f.token, f.opened = endpoint, token, true
}

func (f *fakeConn) OnLifecycle(l channel.Lifecycle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycle = l
}

func (f *fakeConn) On(event string, h channel.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]channel.EventHandler)
	}
	f.handlers[event] = h
}

func (f *fakeConn) EmitWithAck(event string, payload any, ack channel.AckHandler) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return channel.ErrClosed
	}
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, payload: data, ack: ack})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) emitsFor(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeConn) life() channel.Lifecycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lifecycle
}

func (f *fakeConn) connect() { f.life().Connected() }

func (f *fakeConn) connectError(err error) { f.life().ConnectError(err) }

func (f *fakeConn) disconnect(reason string) { f.life().Disconnected(reason) }

// ackJoin answers the most recent chat:join with v.
func (f *fakeConn) ackJoin(t *testing.T, v any) {
	t.Helper()
	joins := f.emitsFor(channel.EventJoin)
	if len(joins) == 0 {
		t.Fatal("no chat:join emitted")
	}
	joins[len(joins)-1].ack(mustJSON(t, v))
}

func (f *fakeConn) push(t *testing.T, m model.ChatMessage) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[channel.EventMessage]
	f.mu.Unlock()
	if h == nil {
		t.Fatal("no chat:message handler registered")
	}
	h(mustJSON(t, m))
}

// waitSend blocks until the n-th (1-based) outbound chat:message was emitted.
func (f *fakeConn) waitSend(t *testing.T, n int) emitted {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sends := f.emitsFor(channel.EventMessage); len(sends) >= n {
			return sends[n-1]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("chat:message #%d was never emitted", n)
	return emitted{}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial() channel.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		t.Fatal("no connection dialed")
	}
	return d.conns[len(d.conns)-1]
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func strPtr(s string) *string { return &s }

func msg(id, sender, content, sentAt string) model.ChatMessage {
	m := model.ChatMessage{ID: id, ChatID: "C1", AppointmentID: "A1", SenderID: sender, Content: content}
	if sentAt != "" {
		m.SentAt = strPtr(sentAt)
	}
	return m
}
