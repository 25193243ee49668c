package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoServer sends `greeting` frames on connect and then echoes every frame.
func echoServer(t *testing.T, greeting ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, g := range greeting {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(g)); err != nil {
				return
			}
		}
		for {
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(typ, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// recorder subscribes to every channel and buffers what it sees.
type recorder struct {
	ch chan Event
}

func record(t *testing.T, m *Manager) *recorder {
	t.Helper()
	r := &recorder{ch: make(chan Event, 256)}
	for _, kind := range EventKinds {
		_, err := m.On(kind, func(ev Event) { r.ch <- ev })
		require.NoError(t, err)
	}
	return r
}

func (r *recorder) next(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind() == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
			return nil
		}
	}
}

func (r *recorder) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// fakeTimer records scheduled retries; tests fire them by hand.
type fakeTimer struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
	stopped int
}

func (f *fakeTimer) schedule(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	idx := len(f.pending)
	f.pending = append(f.pending, fn)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.pending[idx] == nil {
			return false
		}
		f.pending[idx] = nil
		f.stopped++
		return true
	}
}

// waitScheduled blocks until n timers were requested; the manager arms a
// timer right after announcing the reconnect event.
func (f *fakeTimer) waitScheduled(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := len(f.pending)
		f.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d scheduled timers", n)
}

func (f *fakeTimer) fire(t *testing.T, idx int) {
	t.Helper()
	f.waitScheduled(t, idx+1)
	f.mu.Lock()
	fn := f.pending[idx]
	f.pending[idx] = nil
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeTimer) scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

// go test -v --run TestBackoff
func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 3*time.Second, Backoff(base, 2))
	assert.Equal(t, 4500*time.Millisecond, Backoff(base, 3))
	assert.Equal(t, 6750*time.Millisecond, Backoff(base, 4))
	assert.Equal(t, base, Backoff(base, 0))
}

// go test -v --run TestParseEventKind
func TestParseEventKind(t *testing.T) {
	for _, k := range EventKinds {
		got, err := ParseEventKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseEventKind("close")
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

// go test -v --run TestListenerRegistry
func TestListenerRegistry(t *testing.T) {
	m := NewManager(zap.NewNop())

	_, err := m.On(EventKind("tick"), func(Event) {})
	assert.ErrorIs(t, err, ErrUnknownEvent)
	_, err = m.On(EventConnect, nil)
	assert.ErrorIs(t, err, ErrNilListener)

	var calls []string
	id1, err := m.On(EventConnect, func(Event) { calls = append(calls, "first") })
	require.NoError(t, err)
	_, err = m.On(EventConnect, func(Event) { calls = append(calls, "second") })
	require.NoError(t, err)

	m.emit(ConnectEvent{})
	assert.Equal(t, []string{"first", "second"}, calls)

	m.Off(EventConnect, id1)
	// already removed, and never registered
	m.Off(EventConnect, id1)
	m.Off(EventError, ListenerID(42))

	calls = nil
	m.emit(ConnectEvent{})
	assert.Equal(t, []string{"second"}, calls)

	m.RemoveAllListeners()
	calls = nil
	m.emit(ConnectEvent{})
	assert.Empty(t, calls)
}

// go test -v --run TestListenerPanicIsContained
func TestListenerPanicIsContained(t *testing.T) {
	m := NewManager(zap.NewNop())
	called := false
	_, _ = m.On(EventError, func(Event) { panic("boom") })
	_, _ = m.On(EventError, func(Event) { called = true })

	assert.NotPanics(t, func() { m.emit(ErrorEvent{Type: ErrorRead}) })
	assert.True(t, called)
}

// go test -v --run TestSendWhileDisconnected
func TestSendWhileDisconnected(t *testing.T) {
	m := NewManager(zap.NewNop())
	rec := record(t, m)

	assert.ErrorIs(t, m.Send("hello"), ErrNotConnected)
	assert.ErrorIs(t, m.Send(map[string]int{"a": 1}), ErrNotConnected)
	assert.Empty(t, rec.drain())
	assert.Equal(t, StateDisconnected, m.Status())
}

// go test -v --run TestConnectReceiveInOrderAndSend
func TestConnectReceiveInOrderAndSend(t *testing.T) {
	var greeting []string
	for i := 0; i < 50; i++ {
		greeting = append(greeting, fmt.Sprintf(`{"seq":%d}`, i))
	}
	srv := echoServer(t, greeting...)

	m := NewManager(zap.NewNop())
	rec := record(t, m)

	require.NoError(t, m.Connect(context.Background(), wsURL(srv), ConnectOptions{}))
	t.Cleanup(m.Disconnect)
	assert.True(t, m.IsConnected())

	ev := rec.next(t, EventConnect).(ConnectEvent)
	assert.Equal(t, wsURL(srv), ev.URL)

	for i := 0; i < 50; i++ {
		msg := rec.next(t, EventMessage).(MessageEvent)
		assert.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), string(msg.Data))
		assert.False(t, msg.ReceivedAt.IsZero())
	}

	require.NoError(t, m.Send(map[string]string{"op": "ping"}))
	msg := rec.next(t, EventMessage).(MessageEvent)
	assert.JSONEq(t, `{"op":"ping"}`, string(msg.Data))

	require.NoError(t, m.Send("raw text"))
	msg = rec.next(t, EventMessage).(MessageEvent)
	assert.Equal(t, "raw text", string(msg.Data))
}

// go test -v --run TestConnectFailure
func TestConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	timers := &fakeTimer{}
	m := NewManager(zap.NewNop(), WithTimerFunc(timers.schedule))
	rec := record(t, m)

	err := m.Connect(context.Background(), url, ConnectOptions{MaxAttempts: 3, BaseDelay: time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, StateError, m.Status())

	errEv := rec.next(t, EventError).(ErrorEvent)
	assert.Equal(t, ErrorConnection, errEv.Type)

	// the first attempt is the caller's to retry
	assert.Empty(t, timers.scheduled())
	for _, ev := range rec.drain() {
		assert.NotEqual(t, EventReconnect, ev.Kind())
	}
}

// go test -v --run TestReconnectBackoffUntilExhausted
func TestReconnectBackoffUntilExhausted(t *testing.T) {
	// accept once, then hang up from the server side
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"), time.Now().Add(time.Second))
		_ = conn.Close()
	}))
	url := wsURL(srv)

	const base = 100 * time.Millisecond
	timers := &fakeTimer{}
	m := NewManager(zap.NewNop(), WithTimerFunc(timers.schedule))
	rec := record(t, m)

	require.NoError(t, m.Connect(context.Background(), url, ConnectOptions{MaxAttempts: 3, BaseDelay: base}))

	disc := rec.next(t, EventDisconnect).(DisconnectEvent)
	assert.Equal(t, websocket.CloseGoingAway, disc.Code)
	assert.False(t, disc.Manual)

	first := rec.next(t, EventReconnect).(ReconnectEvent)
	assert.Equal(t, ReconnectEvent{Attempt: 1, MaxAttempts: 3, Delay: base}, first)
	assert.Equal(t, StateReconnecting, m.Status())

	// the server is gone for good
	srv.Close()

	for attempt := 2; attempt <= 3; attempt++ {
		timers.fire(t, attempt-2)
		rec.next(t, EventError)
		ev := rec.next(t, EventReconnect).(ReconnectEvent)
		assert.Equal(t, attempt, ev.Attempt)
		assert.Equal(t, Backoff(base, attempt), ev.Delay)
	}

	timers.fire(t, 2)
	rec.next(t, EventError)
	final := rec.next(t, EventDisconnect).(DisconnectEvent)
	assert.Equal(t, "reconnect attempts exhausted", final.Reason)
	assert.Equal(t, StateDisconnected, m.Status())

	assert.Equal(t, []time.Duration{base, Backoff(base, 2), Backoff(base, 3)}, timers.scheduled())
	for _, ev := range rec.drain() {
		assert.NotEqual(t, EventReconnect, ev.Kind(), "no retry past max attempts")
	}
}

// go test -v --run TestReconnectSucceedsAndResetsAttempts
func TestReconnectSucceedsAndResetsAttempts(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			_ = conn.Close() // abrupt drop
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	timers := &fakeTimer{}
	m := NewManager(zap.NewNop(), WithTimerFunc(timers.schedule))
	rec := record(t, m)

	require.NoError(t, m.Connect(context.Background(), wsURL(srv), ConnectOptions{MaxAttempts: 5, BaseDelay: time.Second}))
	rec.next(t, EventConnect)

	disc := rec.next(t, EventDisconnect).(DisconnectEvent)
	assert.Equal(t, websocket.CloseAbnormalClosure, disc.Code)
	rec.next(t, EventReconnect)
	assert.Equal(t, 1, m.Attempts())

	timers.fire(t, 0)
	rec.next(t, EventConnect)
	assert.Equal(t, StateConnected, m.Status())
	assert.Zero(t, m.Attempts())

	m.Disconnect()
}

// go test -v --run TestDisconnectCancelsPendingRetry
func TestDisconnectCancelsPendingRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)

	timers := &fakeTimer{}
	m := NewManager(zap.NewNop(), WithTimerFunc(timers.schedule))
	rec := record(t, m)

	require.NoError(t, m.Connect(context.Background(), wsURL(srv), ConnectOptions{}))
	rec.next(t, EventReconnect)
	timers.waitScheduled(t, 1)

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.Status())
	assert.Equal(t, 1, timers.stopped)

	// a timer that slipped past Stop must not reconnect
	m.fireRetry(0)
	assert.Equal(t, StateDisconnected, m.Status())
	for _, ev := range rec.drain() {
		assert.NotEqual(t, EventConnect, ev.Kind())
	}
}

// go test -v --run TestManualDisconnectClosesNormally
func TestManualDisconnectClosesNormally(t *testing.T) {
	closed := make(chan *websocket.CloseError, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			closed <- ce
		}
	}))
	t.Cleanup(srv.Close)

	timers := &fakeTimer{}
	m := NewManager(zap.NewNop(), WithTimerFunc(timers.schedule))
	rec := record(t, m)

	m.Disconnect() // no-op before connecting
	require.NoError(t, m.Connect(context.Background(), wsURL(srv), ConnectOptions{}))
	m.Disconnect()

	ev := rec.next(t, EventDisconnect).(DisconnectEvent)
	assert.True(t, ev.Manual)
	assert.Equal(t, websocket.CloseNormalClosure, ev.Code)

	select {
	case ce := <-closed:
		assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
		assert.Equal(t, "Client disconnect", ce.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}

	assert.Empty(t, timers.scheduled(), "manual close must not schedule a retry")
	assert.ErrorIs(t, m.Send("late"), ErrNotConnected)
}

// go test -v --run TestDisconnectDuringDialIsStale
func TestDisconnectDuringDialIsStale(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	m := NewManager(zap.NewNop())
	rec := record(t, m)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), wsURL(srv), ConnectOptions{}) }()

	<-entered
	assert.Equal(t, StateConnecting, m.Status())
	m.Disconnect()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrManualDisconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after disconnect")
	}

	assert.Equal(t, StateDisconnected, m.Status())
	for _, ev := range rec.drain() {
		assert.NotEqual(t, EventConnect, ev.Kind())
	}
}

// stallingServer accepts TCP but never answers the upgrade until released.
func stallingServer(t *testing.T) (srv *httptest.Server, entered <-chan struct{}) {
	t.Helper()
	in := make(chan struct{}, 1)
	release := make(chan struct{})
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case in <- struct{}{}:
		default:
		}
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv, in
}

// go test -v --run TestDisconnectAbortsStalledHandshake
func TestDisconnectAbortsStalledHandshake(t *testing.T) {
	srv, entered := stallingServer(t)

	m := NewManager(zap.NewNop(), WithDialTimeout(time.Minute))
	rec := record(t, m)

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- m.Connect(context.Background(), wsURL(srv), ConnectOptions{}) }()

	<-entered
	m.Disconnect()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrManualDisconnect)
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake kept running after disconnect")
	}

	assert.Equal(t, StateDisconnected, m.Status())
	for _, ev := range rec.drain() {
		assert.NotEqual(t, EventConnect, ev.Kind())
	}
}

// go test -v --run TestDialTimeoutBoundsHandshake
func TestDialTimeoutBoundsHandshake(t *testing.T) {
	srv, _ := stallingServer(t)

	m := NewManager(zap.NewNop(), WithDialTimeout(100*time.Millisecond))
	rec := record(t, m)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), wsURL(srv), ConnectOptions{}) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrManualDisconnect)
	case <-time.After(3 * time.Second):
		t.Fatal("dial timeout did not bound the handshake")
	}

	assert.Equal(t, StateError, m.Status())
	errEv := rec.next(t, EventError).(ErrorEvent)
	assert.Equal(t, ErrorConnection, errEv.Type)
}

// go test -v --run TestNewManagerBoundsDialByDefault
func TestNewManagerBoundsDialByDefault(t *testing.T) {
	m := NewManager(nil)
	assert.Equal(t, DefaultDialTimeout, m.dialTimeout)
}

// go test -v --run TestAbruptDropEmitsReadError
func TestAbruptDropEmitsReadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			_ = conn.Close() // no close frame
		}
	}))
	t.Cleanup(srv.Close)

	timers := &fakeTimer{}
	m := NewManager(zap.NewNop(), WithTimerFunc(timers.schedule))
	rec := record(t, m)

	require.NoError(t, m.Connect(context.Background(), wsURL(srv), ConnectOptions{}))
	rec.next(t, EventConnect)

	var kinds []EventKind
	var readErr ErrorEvent
	for len(kinds) < 3 {
		select {
		case ev := <-rec.ch:
			kinds = append(kinds, ev.Kind())
			if e, ok := ev.(ErrorEvent); ok {
				readErr = e
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("got only %v", kinds)
		}
	}

	assert.Equal(t, []EventKind{EventError, EventDisconnect, EventReconnect}, kinds)
	assert.Equal(t, ErrorRead, readErr.Type)
	assert.Error(t, readErr.Err)
	m.Disconnect()
}

// go test -v --run TestCloseFrameIsNotAReadError
func TestCloseFrameIsNotAReadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"), time.Now().Add(time.Second))
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	timers := &fakeTimer{}
	m := NewManager(zap.NewNop(), WithTimerFunc(timers.schedule))
	rec := record(t, m)

	require.NoError(t, m.Connect(context.Background(), wsURL(srv), ConnectOptions{}))

	var kinds []EventKind
	for len(kinds) == 0 || kinds[len(kinds)-1] != EventReconnect {
		select {
		case ev := <-rec.ch:
			kinds = append(kinds, ev.Kind())
		case <-time.After(2 * time.Second):
			t.Fatalf("got only %v", kinds)
		}
	}
	assert.Equal(t, []EventKind{EventConnect, EventDisconnect, EventReconnect}, kinds)

	timers.waitScheduled(t, 1)
	m.Disconnect()
}
