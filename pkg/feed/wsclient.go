package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Manager owns one WebSocket link: connect, send, disconnect, and automatic
// reconnection with exponential backoff. Received data is only published to
// listeners; the manager never interprets it.
type Manager struct {
	logger      *zap.Logger
	dialer      *websocket.Dialer
	dialTimeout time.Duration
	timer       TimerFunc
	now         func() time.Time

	mu         sync.Mutex
	state      State
	url        string
	opts       ConnectOptions
	conn       *websocket.Conn
	gen        uint64 // bumped by every connect attempt and by Disconnect
	manual     bool
	attempts   int
	retryToken uint64 // identifies the pending retry; bumped to invalidate it
	stopRetry  func() bool
	cancelDial context.CancelFunc
	listeners  map[EventKind][]registration
	nextID     ListenerID

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

type registration struct {
	id ListenerID
	fn Listener
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.dialTimeout = d }
}

// WithTimerFunc replaces time.AfterFunc for reconnect scheduling. f is
// called with the manager locked and must not run the callback inline.
func WithTimerFunc(f TimerFunc) Option {
	return func(m *Manager) { m.timer = f }
}

// NewManager creates a disconnected manager.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:      logger,
		dialer:      websocket.DefaultDialer,
		dialTimeout: DefaultDialTimeout,
		timer:       afterFunc,
		now:         time.Now,
		state:       StateDisconnected,
		opts:        ConnectOptions{}.withDefaults(),
		listeners:   make(map[EventKind][]registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// On registers fn for one event channel. Unknown kinds are rejected with
// ErrUnknownEvent.
func (m *Manager) On(kind EventKind, fn Listener) (ListenerID, error) {
	if !kind.IsValid() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
	}
	if fn == nil {
		return 0, ErrNilListener
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.listeners[kind] = append(m.listeners[kind], registration{id: m.nextID, fn: fn})
	return m.nextID, nil
}

// Off removes a registration. Unknown ids are ignored.
func (m *Manager) Off(kind EventKind, id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	regs := m.listeners[kind]
	for i, r := range regs {
		if r.id == id {
			m.listeners[kind] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners clears every channel.
func (m *Manager) RemoveAllListeners() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = make(map[EventKind][]registration)
}

// Status returns the current lifecycle state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether Send would transmit.
func (m *Manager) IsConnected() bool {
	return m.Status() == StateConnected
}

// Attempts returns the number of reconnect attempts since the last open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens a link to url and blocks until it is open or the attempt
// fails. The url and options are kept for automatic reconnects. Calling
// Connect again replaces any existing link.
func (m *Manager) Connect(ctx context.Context, url string, opts ConnectOptions) error {
	m.mu.Lock()
	m.url = url
	m.opts = opts.withDefaults()
	m.manual = false
	m.attempts = 0
	m.cancelRetryLocked()
	m.mu.Unlock()

	return m.connect(ctx, false)
}

func (m *Manager) connect(ctx context.Context, auto bool) error {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return ErrManualDisconnect
	}
	m.gen++
	gen := m.gen
	url := m.url
	old := m.conn
	m.conn = nil
	m.state = StateConnecting

	var (
		dialCtx context.Context
		cancel  context.CancelFunc
	)
	if m.dialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, m.dialTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(ctx)
	}
	if m.cancelDial != nil {
		m.cancelDial()
	}
	m.cancelDial = cancel
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	m.logger.Info("connecting to websocket", zap.String("url", url), zap.Bool("auto", auto))
	conn, err := m.dial(dialCtx, url)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.manual {
		// Disconnect (or a newer Connect) ran while dialing.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		m.logger.Debug("dropping stale connect attempt", zap.String("url", url))
		return ErrManualDisconnect
	}
	m.cancelDial = nil

	if err != nil {
		m.state = StateError
		m.mu.Unlock()

		m.logger.Error("failed to connect to websocket", zap.String("url", url), zap.Error(err))
		m.emit(ErrorEvent{Type: ErrorConnection, Err: err})
		if auto {
			m.retryOrGiveUp()
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}

	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("websocket connected", zap.String("url", url))
	m.emit(ConnectEvent{URL: url})

	go m.listen(conn, gen)
	return nil
}

// dial runs the handshake on a copy of the dialer whose TCP connections are
// closed as soon as ctx is done. gorilla only applies the context deadline to
// the upgrade exchange, so cancellation alone would not unblock it.
func (m *Manager) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	d := *m.dialer
	netDial := d.NetDialContext
	if netDial == nil {
		var nd net.Dialer
		netDial = nd.DialContext
	}

	var (
		mu    sync.Mutex
		stops []func() bool
	)
	d.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		c, err := netDial(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		mu.Lock()
		stops = append(stops, stop)
		mu.Unlock()
		return c, nil
	}

	conn, _, err := d.DialContext(ctx, url, nil)

	// The link outlives the dial context from here on.
	mu.Lock()
	for _, stop := range stops {
		stop()
	}
	mu.Unlock()

	return conn, err
}

// listen publishes frames in receipt order until the link drops.
func (m *Manager) listen(conn *websocket.Conn, gen uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, gen, err)
			return
		}

		m.mu.Lock()
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}

		m.emit(MessageEvent{Data: msg, ReceivedAt: m.now()})
	}
}

func (m *Manager) handleClose(conn *websocket.Conn, gen uint64, err error) {
	defer conn.Close()

	m.mu.Lock()
	if gen != m.gen {
		// Replaced or closed on purpose; the owner already reported it.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected

	var (
		retry *ReconnectEvent
		token uint64
	)
	if !m.manual && m.attempts < m.opts.MaxAttempts {
		ev, t := m.scheduleLocked()
		retry, token = &ev, t
	}
	m.mu.Unlock()

	code, reason := closeInfo(err)
	m.logger.Warn("websocket closed", zap.Int("code", code), zap.String("reason", reason), zap.Error(err))

	// A received close frame is an orderly end. gorilla reports a dropped
	// link as 1006, which no peer can send.
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code == websocket.CloseAbnormalClosure {
		m.emit(ErrorEvent{Type: ErrorRead, Err: err})
	}
	m.emit(DisconnectEvent{Code: code, Reason: reason})

	if retry != nil {
		m.announceAndArm(*retry, token)
	}
}

// retryOrGiveUp runs after a failed automatic attempt.
func (m *Manager) retryOrGiveUp() {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return
	}
	if m.attempts < m.opts.MaxAttempts {
		ev, token := m.scheduleLocked()
		m.mu.Unlock()
		m.announceAndArm(ev, token)
		return
	}
	m.state = StateDisconnected
	attempts := m.attempts
	m.mu.Unlock()

	m.logger.Error("giving up reconnecting", zap.Int("attempts", attempts))
	m.emit(DisconnectEvent{Code: websocket.CloseAbnormalClosure, Reason: "reconnect attempts exhausted"})
}

// scheduleLocked books the next attempt. The timer is armed by
// announceAndArm so the reconnect event always precedes the retry.
func (m *Manager) scheduleLocked() (ReconnectEvent, uint64) {
	m.cancelRetryLocked()
	m.attempts++
	m.state = StateReconnecting
	return ReconnectEvent{
		Attempt:     m.attempts,
		MaxAttempts: m.opts.MaxAttempts,
		Delay:       Backoff(m.opts.BaseDelay, m.attempts),
	}, m.retryToken
}

func (m *Manager) announceAndArm(ev ReconnectEvent, token uint64) {
	m.logger.Info("reconnecting",
		zap.Int("attempt", ev.Attempt),
		zap.Int("max_attempts", ev.MaxAttempts),
		zap.Duration("delay", ev.Delay),
	)
	m.emit(ev)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manual || token != m.retryToken {
		return
	}
	m.stopRetry = m.timer(ev.Delay, func() { m.fireRetry(token) })
}

func (m *Manager) fireRetry(token uint64) {
	m.mu.Lock()
	if token != m.retryToken || m.manual {
		m.mu.Unlock()
		return
	}
	m.stopRetry = nil
	m.mu.Unlock()

	_ = m.connect(context.Background(), true)
}

func (m *Manager) cancelRetryLocked() {
	m.retryToken++
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
}

// Send transmits a string or []byte as-is and anything else as JSON. It
// returns ErrNotConnected without side effects unless the link is open;
// nothing is ever buffered.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	var payload []byte
	switch p := v.(type) {
	case string:
		payload = []byte(p)
	case []byte:
		payload = p
	default:
		b, err := json.Marshal(v)
		if err != nil {
			m.emit(ErrorEvent{Type: ErrorSend, Err: err})
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = b
	}

	m.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, payload)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("failed to send message", zap.Error(err))
		m.emit(ErrorEvent{Type: ErrorSend, Err: err})
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Disconnect closes the link with a normal closure, cancels any pending
// retry or in-flight dial, and disables automatic reconnection until the
// next Connect. It is safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	m.cancelRetryLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, clientCloseReason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()

	m.logger.Info("websocket manually disconnected")
	m.emit(DisconnectEvent{Code: websocket.CloseNormalClosure, Reason: clientCloseReason, Manual: true})
}

// emit calls every listener of the event's channel. A panicking listener is
// logged and does not stop the others.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	regs := make([]registration, len(m.listeners[ev.Kind()]))
	copy(regs, m.listeners[ev.Kind()])
	m.mu.Unlock()

	for _, r := range regs {
		m.call(ev, r.fn)
	}
}

func (m *Manager) call(ev Event, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panicked", zap.String("event", string(ev.Kind())), zap.Any("panic", r))
		}
	}()
	fn(ev)
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
