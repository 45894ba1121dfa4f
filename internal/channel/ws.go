package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/appointmentchat/internal/logger"
)

// Options tunes the websocket transport. Zero fields take the defaults below.
type Options struct {
	DialTimeout    time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

const (
	defaultDialTimeout    = 10 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultSendBuffer     = 64
)

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	return o
}

// WSConn is a Conn over a single gorilla websocket.
// Lifecycle: NewWSConn -> Open -> [dial, writePump, readPump] -> Close -> Wait.
type WSConn struct {
	opts   Options
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	lifecycle Lifecycle
	handlers  map[string]EventHandler
	pending   map[string]AckHandler
	opened    bool
	connected bool
	closing   bool

	send   chan Frame
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce      sync.Once
	disconnectOnce sync.Once
	wg             sync.WaitGroup
}

func NewWSConn(opts Options) *WSConn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WSConn{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
		handlers: make(map[string]EventHandler),
		pending:  make(map[string]AckHandler),
		send:     make(chan Frame, opts.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WSFactory returns a Factory producing WSConns with opts.
func WSFactory(opts Options) Factory {
	return func() Conn { return NewWSConn(opts) }
}

func (c *WSConn) OnLifecycle(l Lifecycle) {
	c.mu.Lock()
	c.lifecycle = l
	c.mu.Unlock()
}

func (c *WSConn) On(event string, h EventHandler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// Open dials in the background. A second Open, or Open after Close, is ignored.
func (c *WSConn) Open(endpoint, token string) {
	c.mu.Lock()
	if c.opened || c.closing {
		c.mu.Unlock()
		return
	}
	c.opened = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dial(endpoint, token)
}

func (c *WSConn) dial(endpoint, token string) {
	defer c.wg.Done()

	target, err := DialURL(endpoint, token)
	if err != nil {
		c.connectError(err)
		return
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, target, header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		c.connectError(err)
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	l := c.lifecycle
	c.mu.Unlock()

	c.wg.Add(2)
	go c.writePump(conn)
	if l.Connected != nil {
		l.Connected()
	}
	go c.readPump(conn)
}

func (c *WSConn) connectError(err error) {
	logger.Errorf("chat connect: %v", err)
	c.mu.Lock()
	l := c.lifecycle
	c.mu.Unlock()
	if l.ConnectError != nil {
		l.ConnectError(err)
	}
}

func (c *WSConn) disconnected(reason string) {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		// Unanswered acks are dropped with the transport.
		c.pending = make(map[string]AckHandler)
		l := c.lifecycle
		c.mu.Unlock()
		if l.Disconnected != nil {
			l.Disconnected(reason)
		}
	})
}

// EmitWithAck queues an event frame. ack may be nil for fire-and-forget events.
func (c *WSConn) EmitWithAck(event string, payload any, ack AckHandler) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", event, err)
	}
	f := Frame{Type: FrameEvent, Event: event, Data: data}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if ack != nil {
		f.ID = uuid.NewString()
		c.pending[f.ID] = ack
	}
	c.mu.Unlock()

	select {
	case c.send <- f:
		return nil
	case <-c.ctx.Done():
		c.dropPending(f.ID)
		return ErrClosed
	default:
		c.dropPending(f.ID)
		return ErrSendBufferFull
	}
}

func (c *WSConn) dropPending(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close stops the pumps and releases the socket. Safe to call multiple times from any goroutine.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		conn := c.conn
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
			conn.Close()
		}
	})
	return nil
}

// Wait blocks until the dial goroutine and both pumps have exited.
func (c *WSConn) Wait() {
	c.wg.Wait()
}

func (c *WSConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *WSConn) readPump(conn *websocket.Conn) {
	defer c.wg.Done()
	reason := ReasonTransportError
	defer func() {
		conn.Close()
		c.disconnected(reason)
	}()

	conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			reason = c.reasonFor(err)
			if reason == ReasonTransportError {
				logger.Errorf("chat read: %v", err)
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("chat unmarshal frame: %v", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *WSConn) reasonFor(err error) string {
	if c.isClosing() {
		return ReasonClientClose
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			return ReasonServerClose
		}
		return ReasonTransportClose
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	return ReasonTransportError
}

func (c *WSConn) dispatch(f Frame) {
	switch f.Type {
	case FrameAck:
		c.mu.Lock()
		ack, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ack(f.Data)
		}
	case FrameEvent:
		c.mu.Lock()
		h := c.handlers[f.Event]
		c.mu.Unlock()
		if h != nil {
			h(f.Data)
		} else {
			logger.Debugf("chat: no handler for event %s", f.Event)
		}
	default:
		logger.Debugf("chat: unknown frame type %q", f.Type)
	}
}

func (c *WSConn) writePump(conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker((c.opts.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				logger.Errorf("chat marshal frame %s: %v", f.Event, err)
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// DialURL converts an http(s) or ws(s) chat endpoint into a websocket URL carrying token
// as the handshake auth parameter.
func DialURL(endpoint, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("channel: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("channel: unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("channel: endpoint %q has no host", endpoint)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
