// Package streaming keeps topic subscriptions alive across a long-polling
// notification transport that can drop, rehandshake and expire sessions.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fiffu/recordwatch/lib/auth"
)

var (
	ErrHandshakeFailed    = errors.New("transport handshake failed")
	ErrSessionInvalidated = errors.New("transport session invalidated")
	ErrSessionStopped     = errors.New("notification session stopped")
	ErrNotConnected       = errors.New("transport not connected")
)

// Message is one inbound push notification.
type Message struct {
	Channel    string
	Data       json.RawMessage
	ReceivedAt time.Time
}

func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

type Handler func(*Message)

type ControlKind int

const (
	ControlConnected ControlKind = iota
	ControlConnectFailed
	ControlSessionInvalidated
	ControlClosed
)

func (k ControlKind) String() string {
	switch k {
	case ControlConnected:
		return "connected"
	case ControlConnectFailed:
		return "connect_failed"
	case ControlSessionInvalidated:
		return "session_invalidated"
	case ControlClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ControlEvent reports the outcome of one connect cycle.
type ControlEvent struct {
	Kind ControlKind
	// Rehandshaking is set on ConnectFailed when the transport is already
	// renegotiating its session on its own.
	Rehandshaking bool
	Err           error
}

// ControlSink receives control events. Calls may block until the session has
// processed the event.
type ControlSink func(ctx context.Context, ev ControlEvent)

type Transport interface {
	Handshake(ctx context.Context, identity auth.Identity, sink ControlSink) error
	Attach(ctx context.Context, channel string, h Handler) error
	Detach(ctx context.Context, channel string) error
	IsConnected() bool
	Close(ctx context.Context) error
}

type Dialer func() (Transport, error)
