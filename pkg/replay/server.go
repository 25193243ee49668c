package replay

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	DefaultInitialCandles = 50
	DefaultInterval       = time.Second

	writeWait = 10 * time.Second
)

type Options struct {
	InitialCandles int
	Interval       time.Duration
	AllowedOrigins []string
}

// Server replays a Dataset to every WebSocket client at a fixed pace and
// serves the whole dataset over HTTP.
type Server struct {
	logger   *zap.Logger
	data     *Dataset
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*websocket.Conn
	wg      sync.WaitGroup
}

func NewServer(data *Dataset, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.InitialCandles <= 0 {
		opts.InitialCandles = DefaultInitialCandles
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:  logger,
		data:    data,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*websocket.Conn),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/data", s.handleData).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleConnection)
}

// Handler returns the router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(router)
}

// Close ends every replay stream with a going-away close frame and waits for
// the client goroutines to finish.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(s.data.Raw()); err != nil {
		s.logger.Warn("failed to write dataset", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("error upgrading connection", zap.Error(err))
		return
	}

	id := uuid.NewString()
	logger := s.logger.With(zap.String("client", id))

	s.mu.Lock()
	s.clients[id] = conn
	total := len(s.clients)
	s.mu.Unlock()
	s.wg.Add(1)

	logger.Info("client connected", zap.Int("clients", total), zap.String("remote", r.RemoteAddr))

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		total := len(s.clients)
		s.mu.Unlock()
		_ = conn.Close()
		logger.Info("client disconnected", zap.Int("clients", total))
		s.wg.Done()
	}()

	done := make(chan struct{})
	go s.readLoop(conn, logger, done)

	s.stream(conn, logger, done)
}

// readLoop logs inbound frames until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read ended", zap.Error(err))
			}
			return
		}
		if !json.Valid(msg) {
			logger.Warn("received malformed frame", zap.ByteString("data", msg))
			continue
		}
		logger.Info("received from client", zap.ByteString("data", msg))
	}
}

// stream sends the initial batch and then one candle per interval. After the
// last candle the client is resynchronized with the initial batch and the
// replay continues after it.
func (s *Server) stream(conn *websocket.Conn, logger *zap.Logger, done <-chan struct{}) {
	k := min(s.opts.InitialCandles, s.data.Len())

	initial, err := s.data.InitialFrame(k)
	if err != nil {
		logger.Error("failed to encode initial batch", zap.Error(err))
		return
	}
	if err := s.write(conn, initial); err != nil {
		logger.Warn("failed to send initial batch", zap.Error(err))
		return
	}
	logger.Info("sent initial batch", zap.Int("candles", k))

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	next := k
	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}

		// Nothing beyond the initial batch to replay.
		if k >= s.data.Len() {
			continue
		}

		if next >= s.data.Len() {
			logger.Info("all candles sent, restarting from beginning")
			if err := s.write(conn, initial); err != nil {
				logger.Warn("failed to resend initial batch", zap.Error(err))
				return
			}
			next = k
			continue
		}

		frames, err := s.data.TickFrames(next)
		if err != nil {
			logger.Error("failed to encode candle", zap.Int("index", next), zap.Error(err))
			return
		}
		for _, f := range frames {
			if err := s.write(conn, f); err != nil {
				logger.Warn("failed to send frame", zap.Error(err))
				return
			}
		}
		logger.Debug("sent candle", zap.Int("index", next+1), zap.Int("total", s.data.Len()))
		next++
	}
}

func (s *Server) write(conn *websocket.Conn, frame []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}
