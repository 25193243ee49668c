package feed

import (
	"math"
	"time"
)

// Event is one of MessageEvent, ConnectEvent, DisconnectEvent, ErrorEvent or
// ReconnectEvent.
type Event interface {
	Kind() EventKind
	event()
}

// Listener receives events from one channel.
type Listener func(Event)

// ListenerID identifies a registration for Off.
type ListenerID uint64

// MessageEvent carries one inbound text frame, undecoded.
type MessageEvent struct {
	Data       []byte
	ReceivedAt time.Time
}

// ConnectEvent fires once the link is open.
type ConnectEvent struct {
	URL string
}

// DisconnectEvent fires when an open link closes. Manual is set for closes
// requested through Disconnect.
type DisconnectEvent struct {
	Code   int
	Reason string
	Manual bool
}

// ErrorEvent reports a transport failure that is not a close.
type ErrorEvent struct {
	Type ErrorType
	Err  error
}

// ReconnectEvent is emitted before a retry is armed.
type ReconnectEvent struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

func (MessageEvent) Kind() EventKind    { return EventMessage }
func (ConnectEvent) Kind() EventKind    { return EventConnect }
func (DisconnectEvent) Kind() EventKind { return EventDisconnect }
func (ErrorEvent) Kind() EventKind      { return EventError }
func (ReconnectEvent) Kind() EventKind  { return EventReconnect }

func (MessageEvent) event()    {}
func (ConnectEvent) event()    {}
func (DisconnectEvent) event() {}
func (ErrorEvent) event()      {}
func (ReconnectEvent) event()  {}

// ConnectOptions configure the reconnect policy. Zero values take the
// defaults.
type ConnectOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	return o
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base * 1.5^(n-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(backoffFactor, float64(attempt-1)))
}

// TimerFunc schedules f after d and returns a function that cancels it.
type TimerFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
