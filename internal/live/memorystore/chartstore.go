package memorystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultCapacity   = 1000
	DefaultWindowSize = 100
)

// ErrOutOfOrder is returned when a candle is older than the newest stored one.
var ErrOutOfOrder = errors.New("candle older than last stored candle")

// Limits bounds the store.
type Limits struct {
	Capacity   int // Max candles kept in memory (M)
	WindowSize int // Candles in the visible window (W)
}

func (l Limits) withDefaults() Limits {
	if l.Capacity <= 0 {
		l.Capacity = DefaultCapacity
	}
	if l.WindowSize <= 0 {
		l.WindowSize = DefaultWindowSize
	}
	return l
}

// ChartState is the streaming chart model.
//
// Every method is a transition: it returns the next state and never writes
// through the receiver's slices, so earlier states stay valid after later
// ones are derived from them.
type ChartState struct {
	limits     Limits
	candles    []Candle
	operations []Operation
	conn       Connection
	view       Viewport
	lastUpdate time.Time
}

// NewChartState returns an empty, disconnected, live-following state.
func NewChartState(limits Limits) ChartState {
	return ChartState{
		limits: limits.withDefaults(),
		conn:   Connection{Status: StatusDisconnected},
		view:   Viewport{IsLiveMode: true},
	}
}

func (s ChartState) Limits() Limits { return s.limits }

// Len returns the number of stored candles.
func (s ChartState) Len() int { return len(s.candles) }

// Candles returns a copy of the stored candles, oldest first.
func (s ChartState) Candles() []Candle {
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Operations returns a copy of the stored operations in arrival order.
func (s ChartState) Operations() []Operation {
	out := make([]Operation, len(s.operations))
	for i, op := range s.operations {
		out[i] = op.Clone()
	}
	return out
}

func (s ChartState) Connection() Connection { return s.conn }

func (s ChartState) Viewport() Viewport {
	v := s.view
	if v.WindowEnd != nil {
		end := *v.WindowEnd
		v.WindowEnd = &end
	}
	return v
}

// LastUpdate is the zero time until data has been ingested.
func (s ChartState) LastUpdate() time.Time { return s.lastUpdate }

// IngestCandle merges one candle: an equal timestamp revises the newest
// candle in place, a newer one is appended and the oldest candles are
// evicted past capacity. An older timestamp is rejected with ErrOutOfOrder
// and the state is returned unchanged.
func (s ChartState) IngestCandle(c Candle, at time.Time) (ChartState, error) {
	next, err := mergeCandle(s.candles, c, s.limits.Capacity)
	if err != nil {
		return s, err
	}
	s.candles = next
	s.lastUpdate = at
	return s, nil
}

// mergeCandle returns a fresh slice; history is never modified.
func mergeCandle(history []Candle, c Candle, capacity int) ([]Candle, error) {
	n := len(history)
	if n == 0 {
		return []Candle{c}, nil
	}

	last := history[n-1]
	switch {
	case c.Time == last.Time:
		out := make([]Candle, n)
		copy(out, history)
		out[n-1] = c
		return out, nil
	case c.Time > last.Time:
		keep := history
		if n+1 > capacity {
			keep = history[n+1-capacity:]
		}
		out := make([]Candle, len(keep), len(keep)+1)
		copy(out, keep)
		return append(out, c), nil
	default:
		return nil, fmt.Errorf("%w: got %d, last %d", ErrOutOfOrder, c.Time, last.Time)
	}
}

// IngestBatch replaces candles and operations wholesale. Candles go through
// the same merge rule as IngestCandle, so duplicates collapse to the last
// one and regressions are dropped; the number of dropped candles is returned.
func (s ChartState) IngestBatch(b Batch, at time.Time) (ChartState, int) {
	var (
		candles  []Candle
		rejected int
	)
	for _, c := range b.Candles {
		next, err := mergeCandle(candles, c, s.limits.Capacity)
		if err != nil {
			rejected++
			continue
		}
		candles = next
	}

	ops := make([]Operation, len(b.Operations))
	for i, op := range b.Operations {
		ops[i] = op.Clone()
	}

	s.candles = candles
	s.operations = ops
	s.lastUpdate = at
	s.view = s.clampView(len(candles))
	return s, rejected
}

// AppendOperation appends without dedup or bound.
func (s ChartState) AppendOperation(op Operation, at time.Time) ChartState {
	ops := make([]Operation, len(s.operations), len(s.operations)+1)
	copy(ops, s.operations)
	s.operations = append(ops, op.Clone())
	s.lastUpdate = at
	return s
}

// UpdateOperation applies p to the first operation with the given id. An
// unknown id leaves the state unchanged and reports false.
func (s ChartState) UpdateOperation(id string, p OperationPatch, at time.Time) (ChartState, bool) {
	idx := -1
	for i := range s.operations {
		if s.operations[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s, false
	}

	ops := make([]Operation, len(s.operations))
	copy(ops, s.operations)

	op := ops[idx].Clone()
	if p.Price != nil {
		op.Price = *p.Price
	}
	if p.Profit != nil {
		v := *p.Profit
		op.Profit = &v
	}
	if p.ProfitPct != nil {
		v := *p.ProfitPct
		op.ProfitPct = &v
	}
	if p.HoldingPeriod != nil {
		v := *p.HoldingPeriod
		op.HoldingPeriod = &v
	}
	if len(p.Extra) > 0 && op.Extra == nil {
		op.Extra = make(map[string]json.RawMessage, len(p.Extra))
	}
	for k, v := range p.Extra {
		op.Extra[k] = append(json.RawMessage(nil), v...)
	}
	ops[idx] = op

	s.operations = ops
	s.lastUpdate = at
	return s, true
}

// Reset drops candles, operations, the last error and the update time, and
// puts the viewport back into live mode. Connection status and the attempt
// counter are left to the caller.
func (s ChartState) Reset() ChartState {
	s.candles = nil
	s.operations = nil
	s.conn.LastError = ""
	s.lastUpdate = time.Time{}
	s.view = Viewport{IsLiveMode: true}
	return s
}

// Snapshot copies the visible window and everything a renderer needs.
func (s ChartState) Snapshot() Snapshot {
	start, end := s.bounds()
	visible := make([]Candle, end-start)
	copy(visible, s.candles[start:end])

	return Snapshot{
		Visible:    visible,
		Operations: s.Operations(),
		Navigation: s.Navigation(),
		Connection: s.conn,
		LastUpdate: s.lastUpdate,
	}
}
