package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"candlestream/internal/live/memorystore"
	"candlestream/internal/live/stream"
	"candlestream/pkg/feed"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// recordTimeout bounds each archive write.
const recordTimeout = 2 * time.Second

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrClosed         = errors.New("session closed")
)

// Manager is the part of feed.Manager a session drives.
type Manager interface {
	On(kind feed.EventKind, fn feed.Listener) (feed.ListenerID, error)
	Off(kind feed.EventKind, id feed.ListenerID)
	Connect(ctx context.Context, url string, opts feed.ConnectOptions) error
	Disconnect()
	Send(v any) error
}

// Recorder archives accepted candles and operations. It is write-only; the
// session never reads it back.
type Recorder interface {
	RecordCandle(ctx context.Context, c memorystore.Candle) error
	RecordOperation(ctx context.Context, op memorystore.Operation) error
	// RecordBatch archives a whole replacement state in one round trip.
	RecordBatch(ctx context.Context, candles []memorystore.Candle, ops []memorystore.Operation) error
}

// Session binds one connection manager to one chart state. All transitions
// run under mu, so transport callbacks and navigation calls never interleave
// on the state.
type Session struct {
	ID string

	logger   *zap.Logger
	manager  Manager
	recorder Recorder
	now      func() time.Time

	mu      sync.Mutex
	state   memorystore.ChartState
	subs    map[feed.EventKind]feed.ListenerID
	started bool
	closed  bool
}

type Option func(*Session)

// WithRecorder archives every candle and operation the state accepts.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithClock replaces time.Now for update timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func New(manager Manager, limits memorystore.Limits, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	s := &Session{
		ID:      id,
		logger:  logger.With(zap.String("session", id)),
		manager: manager,
		now:     time.Now,
		state:   memorystore.NewChartState(limits),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to every manager channel, marks the state connecting and
// connects. It blocks until the first connect attempt settles.
func (s *Session) Start(ctx context.Context, url string, opts feed.ConnectOptions) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	handlers := map[feed.EventKind]feed.Listener{
		feed.EventMessage:    s.onMessage,
		feed.EventConnect:    s.onConnect,
		feed.EventDisconnect: s.onDisconnect,
		feed.EventError:      s.onError,
		feed.EventReconnect:  s.onReconnect,
	}
	subs := make(map[feed.EventKind]feed.ListenerID, len(handlers))
	for _, kind := range feed.EventKinds {
		id, err := s.manager.On(kind, handlers[kind])
		if err != nil {
			for k, registered := range subs {
				s.manager.Off(k, registered)
			}
			s.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
		subs[kind] = id
	}
	s.subs = subs
	s.started = true
	s.state = s.state.Connecting()
	s.mu.Unlock()

	s.logger.Info("session starting", zap.String("url", url))

	// Not under mu: the manager emits synchronously from Connect.
	if err := s.manager.Connect(ctx, url, opts); err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	return nil
}

// Close tears the session down: unsubscribe, disconnect, reset, then mark
// disconnected. Events that race with Close find the session closed and are
// dropped, so nothing lands in the state after the reset. Safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, kind := range feed.EventKinds {
		if id, ok := subs[kind]; ok {
			s.manager.Off(kind, id)
		}
	}
	s.manager.Disconnect()

	s.mu.Lock()
	s.state = s.state.Reset()
	s.state = s.state.Disconnected()
	s.mu.Unlock()

	s.logger.Info("session closed")
}

// Send transmits v on the live link. It fails with feed.ErrNotConnected when
// there is none.
func (s *Session) Send(v any) error {
	return s.manager.Send(v)
}

// LoadHistory replaces history with b, as an initial_data frame would. It
// returns the number of candles rejected by the merge rule.
func (s *Session) LoadHistory(b memorystore.Batch) int {
	next, rejected, ok := s.applyBatch(b)
	if !ok {
		return 0
	}
	s.recordBatch(next)
	return rejected
}

// UpdateOperation amends a stored operation by id.
func (s *Session) UpdateOperation(id string, patch memorystore.OperationPatch) bool {
	var ok bool
	s.update(func(st memorystore.ChartState) memorystore.ChartState {
		var next memorystore.ChartState
		next, ok = st.UpdateOperation(id, patch, s.now())
		return next
	})
	return ok
}

func (s *Session) PageBackward() memorystore.Navigation {
	return s.navigate(memorystore.ChartState.PageBackward)
}

func (s *Session) PageForward() memorystore.Navigation {
	return s.navigate(memorystore.ChartState.PageForward)
}

func (s *Session) JumpToStart() memorystore.Navigation {
	return s.navigate(memorystore.ChartState.JumpToStart)
}

func (s *Session) ResumeLive() memorystore.Navigation {
	return s.navigate(memorystore.ChartState.ResumeLive)
}

func (s *Session) Snapshot() memorystore.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

func (s *Session) Connection() memorystore.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Connection()
}

func (s *Session) navigate(fn func(memorystore.ChartState) memorystore.ChartState) memorystore.Navigation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fn(s.state)
	return s.state.Navigation()
}

// update applies fn unless the session is closed.
func (s *Session) update(fn func(memorystore.ChartState) memorystore.ChartState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.state = fn(s.state)
	return true
}

func (s *Session) onConnect(ev feed.Event) {
	if s.update(memorystore.ChartState.Connected) {
		if e, ok := ev.(feed.ConnectEvent); ok {
			s.logger.Info("connected", zap.String("url", e.URL))
		}
	}
}

func (s *Session) onDisconnect(ev feed.Event) {
	if s.update(memorystore.ChartState.Disconnected) {
		if e, ok := ev.(feed.DisconnectEvent); ok {
			s.logger.Info("disconnected",
				zap.Int("code", e.Code),
				zap.String("reason", e.Reason),
				zap.Bool("manual", e.Manual),
			)
		}
	}
}

func (s *Session) onReconnect(ev feed.Event) {
	if s.update(memorystore.ChartState.Reconnecting) {
		if e, ok := ev.(feed.ReconnectEvent); ok {
			s.logger.Info("reconnecting",
				zap.Int("attempt", e.Attempt),
				zap.Int("max_attempts", e.MaxAttempts),
				zap.Duration("delay", e.Delay),
			)
		}
	}
}

func (s *Session) onError(ev feed.Event) {
	e, ok := ev.(feed.ErrorEvent)
	if !ok {
		return
	}
	msg := string(e.Type)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if s.update(func(st memorystore.ChartState) memorystore.ChartState { return st.Failed(msg) }) {
		s.logger.Warn("connection error", zap.String("type", string(e.Type)), zap.Error(e.Err))
	}
}

func (s *Session) onMessage(ev feed.Event) {
	e, ok := ev.(feed.MessageEvent)
	if !ok {
		return
	}
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	msg, err := stream.Parse(e.Data, receivedAt)
	if err != nil {
		s.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(e.Data)))
		return
	}

	switch msg.Kind {
	case stream.KindCandle:
		s.ingestCandle(msg.Candle)
	case stream.KindOperation:
		s.ingestOperation(msg.Operation)
	case stream.KindBatch:
		if msg.Dropped > 0 {
			s.logger.Warn("batch items dropped", zap.Int("count", msg.Dropped))
		}
		s.LoadHistory(msg.Batch)
	case stream.KindStatus:
		s.logger.Info("status frame", zap.ByteString("data", msg.Status))
	default:
		s.logger.Debug("ignoring frame", zap.String("kind", string(msg.Kind)))
	}
}

func (s *Session) ingestCandle(c memorystore.Candle) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	next, err := s.state.IngestCandle(c, s.now())
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("rejected candle", zap.Int64("time", c.Time), zap.Error(err))
		return
	}
	s.state = next
	s.mu.Unlock()

	s.record(func(ctx context.Context) error { return s.recorder.RecordCandle(ctx, c) })
}

func (s *Session) ingestOperation(op memorystore.Operation) {
	at := s.now()
	if !s.update(func(st memorystore.ChartState) memorystore.ChartState { return st.AppendOperation(op, at) }) {
		return
	}
	s.record(func(ctx context.Context) error { return s.recorder.RecordOperation(ctx, op) })
}

func (s *Session) applyBatch(b memorystore.Batch) (memorystore.ChartState, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return memorystore.ChartState{}, 0, false
	}

	next, rejected := s.state.IngestBatch(b, s.now())
	s.state = next
	if rejected > 0 {
		s.logger.Warn("batch candles rejected", zap.Int("count", rejected))
	}
	s.logger.Debug("batch applied",
		zap.Int("candles", next.Len()),
		zap.Int("operations", len(next.Operations())),
	)
	return next, rejected, true
}

func (s *Session) recordBatch(st memorystore.ChartState) {
	if s.recorder == nil {
		return
	}
	candles, ops := st.Candles(), st.Operations()
	if len(candles) == 0 && len(ops) == 0 {
		return
	}
	s.record(func(ctx context.Context) error { return s.recorder.RecordBatch(ctx, candles, ops) })
}

func (s *Session) record(fn func(ctx context.Context) error) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("failed to archive", zap.Error(err))
	}
}
