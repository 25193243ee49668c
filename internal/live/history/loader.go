package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"candlestream/internal/live/memorystore"
	"candlestream/internal/live/stream"

	"go.uber.org/zap"
)

// Fetcher returns the raw history document.
type Fetcher interface {
	GetHistory(ctx context.Context) (json.RawMessage, error)
}

// Target receives the normalized history.
type Target interface {
	LoadHistory(b memorystore.Batch) int
}

type Loader struct {
	Fetcher Fetcher
	Target  Target
	Timeout time.Duration
	Logger  *zap.Logger
}

// Load fetches {charts, traderLogOperations} once and replaces the target's
// history with it, exactly as a batch frame would.
func (l *Loader) Load(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	body, err := l.Fetcher.GetHistory(ctx)
	if err != nil {
		logger.Error("failed to fetch history", zap.Error(err))
		return fmt.Errorf("fetch history: %w", err)
	}

	batch, dropped, err := stream.ParseHistory(body, time.Now())
	if err != nil {
		logger.Error("failed to parse history", zap.Error(err))
		return fmt.Errorf("parse history: %w", err)
	}
	if dropped > 0 {
		logger.Warn("history items dropped", zap.Int("count", dropped))
	}

	rejected := l.Target.LoadHistory(batch)
	logger.Info("loaded history",
		zap.Int("candles", len(batch.Candles)-rejected),
		zap.Int("operations", len(batch.Operations)),
	)
	return nil
}
