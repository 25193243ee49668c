package memory

import (
	"context"
	"sync"

	"candlestream/internal/live/memorystore"
)

// Recorder keeps everything it is handed. Candles are deduplicated by
// timestamp, the latest write wins.
type Recorder struct {
	mu         sync.Mutex
	candles    []memorystore.Candle
	index      map[int64]int
	operations []memorystore.Operation
}

func NewRecorder() *Recorder {
	return &Recorder{
		candles:    make([]memorystore.Candle, 0),
		index:      make(map[int64]int),
		operations: make([]memorystore.Operation, 0),
	}
}

func (r *Recorder) RecordCandle(ctx context.Context, c memorystore.Candle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.putCandle(c)
	return nil
}

func (r *Recorder) putCandle(c memorystore.Candle) {
	if i, ok := r.index[c.Time]; ok {
		r.candles[i] = c
		return
	}
	r.index[c.Time] = len(r.candles)
	r.candles = append(r.candles, c)
}

func (r *Recorder) RecordOperation(ctx context.Context, op memorystore.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations = append(r.operations, op.Clone())
	return nil
}

// RecordBatch records candles then operations under one lock.
func (r *Recorder) RecordBatch(ctx context.Context, candles []memorystore.Candle, ops []memorystore.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range candles {
		r.putCandle(c)
	}
	for _, op := range ops {
		r.operations = append(r.operations, op.Clone())
	}
	return nil
}

func (r *Recorder) Candles() []memorystore.Candle {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Copy to avoid race
	out := make([]memorystore.Candle, len(r.candles))
	copy(out, r.candles)
	return out
}

func (r *Recorder) Operations() []memorystore.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]memorystore.Operation, len(r.operations))
	for i, op := range r.operations {
		out[i] = op.Clone()
	}
	return out
}
