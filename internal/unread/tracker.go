// Package unread counts counterpart messages that arrive while the chat view is closed.
package unread

import (
	"sync"

	"github.com/appointmentchat/internal/model"
	"github.com/appointmentchat/internal/session"
)

// Source is the part of *session.Session the tracker subscribes to.
type Source interface {
	OnChange(fn func(session.Snapshot)) (cancel func())
}

type Tracker struct {
	localUserID string

	mu          sync.Mutex
	unread      int
	seen        map[string]struct{}
	initialLoad bool
	open        bool
}

func New(localUserID string) *Tracker {
	return &Tracker{localUserID: localUserID, seen: map[string]struct{}{}, initialLoad: true}
}

// Attach feeds every session change into Observe. The returned func detaches.
func (t *Tracker) Attach(src Source) (detach func()) {
	return src.OnChange(func(snap session.Snapshot) { t.Observe(snap.Messages) })
}

// Observe processes the current message log.
// The first non-empty log is the join history and sets the baseline without counting.
// Later growth while the view is closed counts the messages not in the previous log and
// not sent by the local user. Ids are compared, not positions: the log is kept sorted by
// sentAt, so a late message can land before older entries.
func (t *Tracker) Observe(messages []model.ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(messages)
	switch {
	case n == len(t.seen):
		return
	case n < len(t.seen):
		// The log was reset; whatever fills it next is a fresh history.
		t.rebase(messages)
		if n == 0 {
			t.initialLoad = true
		}
		return
	case t.initialLoad:
		t.rebase(messages)
		t.initialLoad = false
		return
	}

	if !t.open {
		for _, m := range messages {
			if _, ok := t.seen[m.ID]; !ok && m.SenderID != t.localUserID {
				t.unread++
			}
		}
	}
	t.rebase(messages)
}

func (t *Tracker) rebase(messages []model.ChatMessage) {
	seen := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		seen[m.ID] = struct{}{}
	}
	t.seen = seen
}

// SetOpen records the view state. Opening the view clears the count.
func (t *Tracker) SetOpen(open bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = open
	if open {
		t.unread = 0
	}
}

func (t *Tracker) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}
