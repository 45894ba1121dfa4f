package unread

import (
	"fmt"
	"testing"

	"github.com/appointmentchat/internal/model"
	"github.com/appointmentchat/internal/session"
)

func log(senders ...string) []model.ChatMessage {
	out := make([]model.ChatMessage, len(senders))
	for i, s := range senders {
		out[i] = model.ChatMessage{ID: fmt.Sprintf("m%d", i), SenderID: s, Content: "x"}
	}
	return out
}

func TestInitialHistoryIsNotUnread(t *testing.T) {
	tr := New("U1")
	tr.Observe(nil)
	tr.Observe(log("U2", "U2", "U1", "U2", "U2"))
	if got := tr.Count(); got != 0 {
		t.Fatalf("unread after hydration = %d, want 0", got)
	}
}

func TestCountsOnlyCounterpartWhileClosed(t *testing.T) {
	tr := New("U1")
	tr.Observe(log("U2"))
	tr.Observe(log("U2", "U2", "U1", "U2"))
	if got := tr.Count(); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}

	// Only the newest delta counts.
	tr.Observe(log("U2", "U2", "U1", "U2", "U2"))
	if got := tr.Count(); got != 3 {
		t.Fatalf("unread = %d, want 3", got)
	}
}

func TestOpenViewResetsAndSuppresses(t *testing.T) {
	tr := New("U1")
	tr.Observe(log("U2"))
	tr.Observe(log("U2", "U2", "U2"))
	if tr.Count() != 2 {
		t.Fatalf("unread = %d, want 2", tr.Count())
	}

	tr.SetOpen(true)
	if tr.Count() != 0 {
		t.Fatalf("unread after open = %d, want 0", tr.Count())
	}
	tr.Observe(log("U2", "U2", "U2", "U2"))
	if tr.Count() != 0 {
		t.Fatalf("message seen while open counted: %d", tr.Count())
	}

	// Closing again counts only what arrives afterwards.
	tr.SetOpen(false)
	tr.Observe(log("U2", "U2", "U2", "U2", "U2"))
	if tr.Count() != 1 {
		t.Fatalf("unread = %d, want 1", tr.Count())
	}
}

func at(id, sender, sentAt string) model.ChatMessage {
	return model.ChatMessage{ID: id, SenderID: sender, Content: "x", SentAt: &sentAt}
}

func TestCountsByIDWhenLateMessageSortsEarlier(t *testing.T) {
	tr := New("U1")
	m1 := at("m1", "U2", "2024-01-01T00:00:01Z")
	m2 := at("m2", "U2", "2024-01-01T00:00:05Z")
	m3 := at("m3", "U1", "2024-01-01T00:00:09Z")
	m4 := at("m4", "U2", "2024-01-01T00:00:10Z")

	tr.Observe([]model.ChatMessage{m1})
	tr.Observe([]model.ChatMessage{m1, m3})
	// m2 arrives after the local echo but carries an earlier timestamp.
	tr.Observe([]model.ChatMessage{m1, m2, m3})
	if got := tr.Count(); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
	tr.Observe([]model.ChatMessage{m1, m2, m3, m4})
	if got := tr.Count(); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}
}

func TestResetLogRearmsInitialLoad(t *testing.T) {
	tr := New("U1")
	tr.Observe(log("U2"))
	tr.Observe(log("U2", "U2"))
	tr.Observe(nil)
	tr.Observe(log("U2", "U2", "U2", "U2"))
	if got := tr.Count(); got != 1 {
		t.Fatalf("unread = %d, want 1 (rejoin history must not count)", got)
	}
}

type fakeSource struct {
	fn func(session.Snapshot)
}

func (f *fakeSource) OnChange(fn func(session.Snapshot)) func() {
	f.fn = fn
	return func() { f.fn = nil }
}

func TestAttachExampleScenario(t *testing.T) {
	src := &fakeSource{}
	tr := New("U1")
	detach := tr.Attach(src)

	src.fn(session.Snapshot{State: model.StateConnecting})
	src.fn(session.Snapshot{State: model.StateConnected, Messages: log("U2")})
	if tr.Count() != 0 {
		t.Fatalf("unread after join = %d, want 0", tr.Count())
	}
	src.fn(session.Snapshot{State: model.StateConnected, Messages: log("U2", "U2")})
	if tr.Count() != 1 {
		t.Fatalf("unread = %d, want 1", tr.Count())
	}
	tr.SetOpen(true)
	if tr.Count() != 0 {
		t.Fatalf("unread after open = %d, want 0", tr.Count())
	}

	detach()
	if src.fn != nil {
		t.Fatal("detach did not unsubscribe")
	}
}
