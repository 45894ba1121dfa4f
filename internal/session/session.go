// Package session implements the per-appointment chat session: the join handshake over a
// channel.Conn, the ordered message log, the send path and connection state tracking.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/appointmentchat/internal/channel"
	"github.com/appointmentchat/internal/logger"
	"github.com/appointmentchat/internal/model"
	"github.com/appointmentchat/internal/notify"
)

var (
	ErrNotConnected  = errors.New("chat is not connected")
	ErrNoAppointment = errors.New("appointment id is required")
	ErrEmptyContent  = errors.New("message cannot be empty")
	ErrSessionClosed = errors.New("chat session closed")

	errMalformedAck = errors.New("malformed acknowledgement")
)

const (
	fallbackJoinError    = "Unable to join chat"
	fallbackSendError    = "Failed to send message"
	fallbackConnectError = "Unable to connect to chat"
	joinTimeoutError     = "Timed out joining chat"

	defaultNotifyTimeout = 5 * time.Second
)

// SendError is returned by SendMessage when the server rejected the message or the
// acknowledgement was unusable. Reason is the text shown to the user.
type SendError struct {
	Reason string
}

func (e *SendError) Error() string { return e.Reason }

// Params are the activation inputs supplied by the consumer.
type Params struct {
	AppointmentID string
	Token         string
	Enabled       bool
}

func (p Params) ready() bool {
	return p.Enabled && p.AppointmentID != "" && p.Token != ""
}

type Config struct {
	// Endpoint is the chat server URL handed to Conn.Open.
	Endpoint string
	// CurrentUserID identifies the local participant; its own messages never notify.
	CurrentUserID string
	Dial          channel.Factory
	// Notifier receives "new message" signals for counterpart messages. Optional.
	Notifier notify.Notifier
	// JoinTimeout fails a join that was not acknowledged in time. Zero waits forever.
	JoinTimeout   time.Duration
	NotifyTimeout time.Duration
}

// Snapshot is a consistent copy of the observable session state.
type Snapshot struct {
	State       model.ConnectionState `json:"connectionState"`
	Messages    []model.ChatMessage   `json:"messages"`
	Error       *string               `json:"error"`
	Sending     bool                  `json:"sending"`
	ChatID      string                `json:"chatId,omitempty"`
	Appointment *model.Appointment    `json:"appointment,omitempty"`
}

// activation is one open connection and everything scoped to it.
type activation struct {
	params    Params
	conn      channel.Conn
	done      chan struct{}
	joinTimer *time.Timer

	// lost is closed once the transport is gone; no acknowledgement can arrive after it.
	lost     chan struct{}
	lostOnce sync.Once
	lostErr  error
}

func (a *activation) markLost(err error) {
	a.lostOnce.Do(func() {
		a.lostErr = err
		close(a.lost)
	})
}

type observer struct {
	id int
	fn func(Snapshot)
}

// Session is safe for concurrent use. Observers registered with OnChange run in mutation
// order and must not call Activate, Close or SendMessage synchronously.
type Session struct {
	cfg Config

	// ctl serializes Activate and Close; params is guarded by it.
	ctl    sync.Mutex
	params Params

	// dispatch makes a mutation and the delivery of its snapshot one step.
	dispatch sync.Mutex

	mu          sync.Mutex
	act         *activation
	state       model.ConnectionState
	messages    []model.ChatMessage
	lastErr     *string
	sending     bool
	chatID      string
	appointment *model.Appointment
	observers   []observer
	nextObs     int
}

func New(cfg Config) *Session {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	return &Session{cfg: cfg, state: model.StateIdle}
}

// Activate applies new activation parameters. Unchanged parameters are a no-op; otherwise the
// current connection is closed and the session reset to idle before a new one is opened.
func (s *Session) Activate(p Params) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if p == s.params {
		return
	}
	s.teardown()
	s.params = p
	if !p.ready() {
		return
	}
	s.start(p)
}

// Close tears the session down to idle. The next Activate starts from scratch.
func (s *Session) Close() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.teardown()
	s.params = Params{}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnChange registers fn for every state change. The returned func unregisters it.
func (s *Session) OnChange(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers = append(s.observers, observer{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.observers = slices.DeleteFunc(s.observers, func(o observer) bool { return o.id == id })
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:       s.state,
		Messages:    slices.Clone(s.messages),
		Sending:     s.sending,
		ChatID:      s.chatID,
		Appointment: s.appointment,
	}
	if snap.Messages == nil {
		snap.Messages = []model.ChatMessage{}
	}
	if s.lastErr != nil {
		e := *s.lastErr
		snap.Error = &e
	}
	return snap
}

// mutate runs fn under the state lock and, if it reports a change, hands the resulting
// snapshot to observers before any other mutation can start.
func (s *Session) mutate(fn func() bool) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	obs := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, o := range obs {
		o.fn(snap)
	}
}

// teardown closes the active connection first, then resets the state. Caller holds ctl.
func (s *Session) teardown() {
	s.mu.Lock()
	old := s.act
	s.act = nil
	s.mu.Unlock()

	if old != nil {
		if old.joinTimer != nil {
			old.joinTimer.Stop()
		}
		if err := old.conn.Close(); err != nil {
			logger.Errorf("chat close appointment=%s: %v", old.params.AppointmentID, err)
		}
		close(old.done)
		logger.Infof("chat closed appointment=%s", old.params.AppointmentID)
	}

	s.mutate(func() bool {
		changed := s.state != model.StateIdle || len(s.messages) > 0 || s.lastErr != nil || s.sending
		s.state = model.StateIdle
		s.messages = nil
		s.lastErr = nil
		s.sending = false
		s.chatID = ""
		s.appointment = nil
		return changed
	})
}

// start opens a new connection for p. Caller holds ctl and has torn down the previous one.
func (s *Session) start(p Params) {
	conn := s.cfg.Dial()
	act := &activation{params: p, conn: conn, done: make(chan struct{}), lost: make(chan struct{})}

	conn.OnLifecycle(channel.Lifecycle{
		Connected:    func() { s.handleConnected(act) },
		ConnectError: func(err error) { s.handleConnectError(act, err) },
		Disconnected: func(reason string) { s.handleDisconnected(act, reason) },
	})
	conn.On(channel.EventMessage, func(raw json.RawMessage) { s.handleInbound(act, raw) })

	s.mutate(func() bool {
		s.act = act
		s.state = model.StateConnecting
		return true
	})

	if s.cfg.JoinTimeout > 0 {
		act.joinTimer = time.AfterFunc(s.cfg.JoinTimeout, func() { s.handleJoinTimeout(act) })
	}
	logger.Infof("chat connecting appointment=%s endpoint=%s", p.AppointmentID, s.cfg.Endpoint)
	conn.Open(s.cfg.Endpoint, p.Token)
}

func (s *Session) current(act *activation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.act == act
}

// failLocked moves the session into error. Caller holds mu.
func (s *Session) failLocked(reason string) {
	s.state = model.StateError
	s.lastErr = &reason
	s.sending = false
}

func (s *Session) handleConnected(act *activation) {
	if !s.current(act) {
		return
	}
	logger.Debugf("chat transport up appointment=%s, joining", act.params.AppointmentID)
	req := model.JoinRequest{AppointmentID: act.params.AppointmentID}
	err := act.conn.EmitWithAck(channel.EventJoin, req, func(raw json.RawMessage) {
		s.handleJoinAck(act, raw)
	})
	if err != nil {
		logger.Errorf("chat join emit appointment=%s: %v", act.params.AppointmentID, err)
		s.mutate(func() bool {
			if s.act != act {
				return false
			}
			s.failLocked(fallbackJoinError)
			return true
		})
	}
}

func (s *Session) handleJoinAck(act *activation, raw json.RawMessage) {
	var ack model.JoinAck
	err := decodeAck(raw, &ack)
	s.mutate(func() bool {
		if s.act != act || s.state != model.StateConnecting {
			return false
		}
		if act.joinTimer != nil {
			act.joinTimer.Stop()
		}
		if err != nil || !ack.OK {
			reason := ack.Error
			if reason == "" {
				reason = fallbackJoinError
			}
			logger.Errorf("chat join rejected appointment=%s: %s", act.params.AppointmentID, reason)
			s.failLocked(reason)
			return true
		}
		s.messages = dedupe(ack.Messages)
		s.chatID = ack.ChatID
		s.appointment = ack.Appointment
		s.state = model.StateConnected
		s.lastErr = nil
		logger.Infof("chat joined appointment=%s chat=%s history=%d", act.params.AppointmentID, ack.ChatID, len(s.messages))
		return true
	})
}

func (s *Session) handleJoinTimeout(act *activation) {
	s.mutate(func() bool {
		if s.act != act || s.state != model.StateConnecting {
			return false
		}
		logger.Errorf("chat join timed out appointment=%s after %v", act.params.AppointmentID, s.cfg.JoinTimeout)
		s.failLocked(joinTimeoutError)
		return true
	})
}

func (s *Session) handleConnectError(act *activation, err error) {
	s.mutate(func() bool {
		if s.act != act || s.state == model.StateIdle {
			return false
		}
		reason := fallbackConnectError
		if err != nil && err.Error() != "" {
			reason = err.Error()
		}
		s.failLocked(reason)
		return true
	})
}

func (s *Session) handleDisconnected(act *activation, reason string) {
	current := false
	s.mutate(func() bool {
		if s.act != act {
			return false
		}
		current = true
		if reason == channel.ReasonClientClose {
			s.state = model.StateIdle
			s.messages = nil
			s.lastErr = nil
			s.sending = false
			s.chatID = ""
			s.appointment = nil
			return true
		}
		logger.Errorf("chat disconnected appointment=%s: %s", act.params.AppointmentID, reason)
		s.failLocked("Disconnected: " + reason)
		return true
	})
	if !current {
		return
	}
	// Pending acknowledgements died with the transport.
	if reason == channel.ReasonClientClose {
		act.markLost(ErrSessionClosed)
	} else {
		act.markLost(&SendError{Reason: "Disconnected: " + reason})
	}
}

func (s *Session) handleInbound(act *activation, raw json.RawMessage) {
	var msg model.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
		logger.Errorf("chat inbound message appointment=%s: unusable payload %s", act.params.AppointmentID, raw)
		return
	}
	fresh := false
	s.mutate(func() bool {
		if s.act != act || containsID(s.messages, msg.ID) {
			return false
		}
		s.messages = append(s.messages, msg)
		sortBySentAt(s.messages)
		fresh = true
		return true
	})
	if fresh && msg.SenderID != s.cfg.CurrentUserID {
		s.notify(act.params.AppointmentID, msg)
	}
}

// notify is fire-and-forget; a failing notifier never affects the session.
func (s *Session) notify(appointmentID string, msg model.ChatMessage) {
	if s.cfg.Notifier == nil {
		return
	}
	n := notify.Notification{AppointmentID: appointmentID, Message: msg, SenderName: msg.DisplayName()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.cfg.Notifier.NewMessage(ctx, n); err != nil {
			logger.Errorf("chat notify appointment=%s message=%s: %v", appointmentID, msg.ID, err)
		}
	}()
}

type sendResult struct {
	msg model.ChatMessage
	err error
}

// SendMessage sends content and waits for the server acknowledgement, ctx cancellation,
// loss of the transport or session teardown. Precondition failures return immediately
// without touching the session. Overlapping calls are not serialized; each waits for its own acknowledgement.
func (s *Session) SendMessage(ctx context.Context, content string) (model.ChatMessage, error) {
	defer logger.DeferLogDuration("session.SendMessage", time.Now())()

	s.mu.Lock()
	act, state := s.act, s.state
	s.mu.Unlock()
	if act == nil || state != model.StateConnected {
		return model.ChatMessage{}, ErrNotConnected
	}
	if act.params.AppointmentID == "" {
		return model.ChatMessage{}, ErrNoAppointment
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return model.ChatMessage{}, ErrEmptyContent
	}

	s.mutate(func() bool {
		if s.act != act {
			return false
		}
		s.sending = true
		return true
	})

	result := make(chan sendResult, 1)
	req := model.SendRequest{AppointmentID: act.params.AppointmentID, Content: trimmed}
	err := act.conn.EmitWithAck(channel.EventMessage, req, func(raw json.RawMessage) {
		result <- s.handleSendAck(act, raw)
	})
	if err != nil {
		select {
		case <-act.done:
			return model.ChatMessage{}, ErrSessionClosed
		case <-act.lost:
			return model.ChatMessage{}, s.sendLost(act)
		default:
		}
		logger.Errorf("chat send emit appointment=%s: %v", act.params.AppointmentID, err)
		return model.ChatMessage{}, s.rejectSend(act, fallbackSendError)
	}

	select {
	case r := <-result:
		return r.msg, r.err
	case <-act.done:
		return model.ChatMessage{}, ErrSessionClosed
	case <-act.lost:
		return model.ChatMessage{}, s.sendLost(act)
	case <-ctx.Done():
		return model.ChatMessage{}, ctx.Err()
	}
}

func (s *Session) handleSendAck(act *activation, raw json.RawMessage) sendResult {
	var ack model.SendAck
	err := decodeAck(raw, &ack)
	if err != nil || !ack.OK || ack.Message == nil {
		reason := ack.Error
		if reason == "" {
			reason = fallbackSendError
		}
		return sendResult{err: s.rejectSend(act, reason)}
	}

	msg := *ack.Message
	s.mutate(func() bool {
		if s.act != act {
			return false
		}
		s.sending = false
		s.lastErr = nil
		if !containsID(s.messages, msg.ID) {
			s.messages = append(s.messages, msg)
		}
		return true
	})
	return sendResult{msg: msg}
}

// sendLost clears a sending flag raised after the transport went away and returns the loss error.
func (s *Session) sendLost(act *activation) error {
	s.mutate(func() bool {
		if s.act != act || !s.sending {
			return false
		}
		s.sending = false
		return true
	})
	return act.lostErr
}

// rejectSend records reason as the last error without touching the connection state.
func (s *Session) rejectSend(act *activation, reason string) error {
	s.mutate(func() bool {
		if s.act != act {
			return false
		}
		s.sending = false
		s.lastErr = &reason
		return true
	})
	return &SendError{Reason: reason}
}

func decodeAck(raw json.RawMessage, v any) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return errMalformedAck
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedAck, err)
	}
	return nil
}

func containsID(msgs []model.ChatMessage, id string) bool {
	if id == "" {
		return false
	}
	return slices.ContainsFunc(msgs, func(m model.ChatMessage) bool { return m.ID == id })
}

// dedupe keeps the first occurrence of every id and preserves order.
func dedupe(msgs []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, m)
	}
	return out
}

// sortBySentAt orders by sentAt ascending. Missing or unparseable timestamps share the
// zero rank, so they sort first and keep their relative order.
func sortBySentAt(msgs []model.ChatMessage) {
	type keyed struct {
		msg model.ChatMessage
		at  time.Time
	}
	ks := make([]keyed, len(msgs))
	for i, m := range msgs {
		at, _ := m.SentTime()
		ks[i] = keyed{msg: m, at: at}
	}
	slices.SortStableFunc(ks, func(a, b keyed) int { return a.at.Compare(b.at) })
	for i := range ks {
		msgs[i] = ks[i].msg
	}
}
