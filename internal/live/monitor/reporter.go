package monitor

import (
	"context"
	"time"

	"candlestream/internal/live/memorystore"

	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Second

// Source exposes the state to report on.
type Source interface {
	Snapshot() memorystore.Snapshot
}

// Reporter periodically logs connection state and window metadata.
type Reporter struct {
	Source   Source
	Interval time.Duration
	Logger   *zap.Logger
}

// Run reports once immediately and then on every tick until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r.report(logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(logger)
		}
	}
}

// Start runs the reporter in its own goroutine.
func (r *Reporter) Start(ctx context.Context) {
	go r.Run(ctx)
}

func (r *Reporter) report(logger *zap.Logger) {
	snap := r.Source.Snapshot()
	nav := snap.Navigation

	fields := []zap.Field{
		zap.String("status", string(snap.Connection.Status)),
		zap.Int("reconnect_attempts", snap.Connection.ReconnectAttempts),
		zap.Int("total", nav.Total),
		zap.Int("window_start", nav.Start),
		zap.Int("window_end", nav.End),
		zap.Bool("live", nav.IsLiveMode),
		zap.Int("operations", len(snap.Operations)),
	}
	if snap.Connection.LastError != "" {
		fields = append(fields, zap.String("last_error", snap.Connection.LastError))
	}
	if n := len(snap.Visible); n > 0 {
		last := snap.Visible[n-1]
		fields = append(fields, zap.Int64("last_candle", last.Time), zap.Float64("last_close", last.Close))
	}
	if !snap.LastUpdate.IsZero() {
		fields = append(fields, zap.Time("last_update", snap.LastUpdate))
	}

	logger.Info("stream state", fields...)
}
