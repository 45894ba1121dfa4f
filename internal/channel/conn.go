// Package channel defines the bidirectional event connection a chat session runs on,
// and a gorilla/websocket implementation of it.
package channel

import (
	"encoding/json"
	"errors"
)

// Application events of the chat endpoint.
const (
	EventJoin    = "chat:join"
	EventMessage = "chat:message"
)

// Disconnect reasons. ReasonClientClose is reported only when the local side called Close;
// every other reason means the line dropped.
const (
	ReasonClientClose    = "io client disconnect"
	ReasonServerClose    = "io server disconnect"
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
)

var (
	ErrNotConnected   = errors.New("channel: not connected")
	ErrClosed         = errors.New("channel: closed")
	ErrSendBufferFull = errors.New("channel: send buffer full")
)

// EventHandler receives the raw payload of a named server event.
type EventHandler func(payload json.RawMessage)

// AckHandler receives the single reply to an emitted event. It is called at most once;
// payload is nil when the remote side acknowledged without data.
type AckHandler func(payload json.RawMessage)

// Lifecycle groups transport-level callbacks. Nil fields are skipped.
type Lifecycle struct {
	// Connected fires once the transport is up, before any application handshake.
	Connected func()
	// ConnectError fires when the transport could not be established or was rejected.
	ConnectError func(err error)
	// Disconnected fires once after a connected transport went away.
	Disconnected func(reason string)
}

// Conn is one event connection to a chat endpoint. Implementations never call handlers
// synchronously from Open, Close or EmitWithAck.
type Conn interface {
	// Open starts connecting and returns immediately. token is sent once, with the handshake.
	Open(endpoint, token string)
	OnLifecycle(l Lifecycle)
	On(event string, h EventHandler)
	// EmitWithAck sends event with payload; ack receives the remote reply.
	EmitWithAck(event string, payload any, ack AckHandler) error
	// Close releases the transport. Safe to call multiple times.
	Close() error
}

// Factory creates a fresh, unopened Conn.
type Factory func() Conn
