package feed

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultDialTimeout = 10 * time.Second

	// backoffFactor is the growth of the reconnect delay per attempt.
	backoffFactor = 1.5

	clientCloseReason = "Client disconnect"
)

// State is the connection manager lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// EventKind names one of the manager's event channels.
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventError      EventKind = "error"
	EventReconnect  EventKind = "reconnect"
)

// EventKinds lists every channel in registration order.
var EventKinds = []EventKind{EventMessage, EventConnect, EventDisconnect, EventError, EventReconnect}

var (
	ErrUnknownEvent     = errors.New("unknown event kind")
	ErrNilListener      = errors.New("nil listener")
	ErrNotConnected     = errors.New("not connected")
	ErrManualDisconnect = errors.New("disconnected while connecting")
)

// IsValid reports whether k is one of the declared event kinds.
func (k EventKind) IsValid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseEventKind converts a channel name into an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, s)
	}
	return k, nil
}

// ErrorType classifies error events.
type ErrorType string

const (
	ErrorConnection ErrorType = "connection_error"
	ErrorRead       ErrorType = "read_error"
	ErrorSend       ErrorType = "send_error"
)
