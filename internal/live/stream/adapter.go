package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"candlestream/internal/live/memorystore"
)

var (
	ErrNotRecord        = errors.New("frame is not a JSON object")
	ErrMissingType      = errors.New("frame has no type tag")
	ErrUnknownType      = errors.New("unknown frame type")
	ErrInvalidCandle    = errors.New("invalid candle payload")
	ErrInvalidOperation = errors.New("invalid operation payload")
	ErrInvalidBatch     = errors.New("invalid batch payload")
)

// Parse validates a raw frame and normalizes it. It never panics; any
// failure is returned as an error wrapping one of the sentinels above and the
// frame should be dropped. receivedAt is used to synthesize missing
// operation ids.
func Parse(raw []byte, receivedAt time.Time) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Message{}, ErrNotRecord
	}

	var typ string
	if t, ok := fields["type"]; ok {
		if err := json.Unmarshal(t, &typ); err != nil {
			return Message{}, fmt.Errorf("%w: type is not a string", ErrMissingType)
		}
	}
	if typ == "" {
		return Message{}, ErrMissingType
	}
	data := fields["data"]

	switch typ {
	case TypeCandle, TypeCandleUpdate:
		c, err := parseCandle(data)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindCandle, Candle: c}, nil

	case TypeOperation:
		op, err := parseOperation(data, syntheticID(receivedAt))
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindOperation, Operation: op}, nil

	case TypeBatch, TypeInitialData:
		b, dropped, err := parseBatch(data, receivedAt)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindBatch, Batch: b, Dropped: dropped}, nil

	case TypeStatus:
		return Message{Kind: KindStatus, Status: data}, nil

	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// ParseHistory normalizes the one-shot history response
// {charts, traderLogOperations} exactly like a batch frame.
func ParseHistory(body []byte, receivedAt time.Time) (memorystore.Batch, int, error) {
	return parseBatch(body, receivedAt)
}

func parseCandle(data json.RawMessage) (memorystore.Candle, error) {
	if isNull(data) {
		return memorystore.Candle{}, fmt.Errorf("%w: missing data", ErrInvalidCandle)
	}

	var p candlePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return memorystore.Candle{}, fmt.Errorf("%w: %v", ErrInvalidCandle, err)
	}
	if p.Open == nil || p.High == nil || p.Low == nil || p.Close == nil {
		return memorystore.Candle{}, fmt.Errorf("%w: missing price field", ErrInvalidCandle)
	}
	if p.Time == nil || *p.Time <= 0 {
		return memorystore.Candle{}, fmt.Errorf("%w: missing time", ErrInvalidCandle)
	}

	return memorystore.Candle{
		Time:  int64(*p.Time),
		Open:  *p.Open,
		High:  *p.High,
		Low:   *p.Low,
		Close: *p.Close,
	}, nil
}

func parseOperation(data json.RawMessage, fallbackID string) (memorystore.Operation, error) {
	if !isObject(data) {
		return memorystore.Operation{}, fmt.Errorf("%w: not an object", ErrInvalidOperation)
	}

	var op memorystore.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return memorystore.Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if op.ID == "" {
		op.ID = fallbackID
	}
	return op, nil
}

// parseBatch skips candles and operations that fail validation; only a
// payload that is present but not an object is an error.
func parseBatch(data json.RawMessage, receivedAt time.Time) (memorystore.Batch, int, error) {
	b := memorystore.Batch{
		Candles:    []memorystore.Candle{},
		Operations: []memorystore.Operation{},
	}
	if isNull(data) {
		return b, 0, nil
	}
	if !isObject(data) {
		return memorystore.Batch{}, 0, fmt.Errorf("%w: not an object", ErrInvalidBatch)
	}

	var p batchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return memorystore.Batch{}, 0, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	dropped := 0
	for _, raw := range p.Charts {
		c, err := parseCandle(raw)
		if err != nil {
			dropped++
			continue
		}
		b.Candles = append(b.Candles, c)
	}

	ops := p.Operations
	if ops == nil {
		ops = p.TraderLogOperations
	}
	base := syntheticID(receivedAt)
	for i, raw := range ops {
		op, err := parseOperation(raw, fmt.Sprintf("%s_%d", base, i))
		if err != nil {
			dropped++
			continue
		}
		b.Operations = append(b.Operations, op)
	}

	return b, dropped, nil
}

func syntheticID(at time.Time) string {
	return fmt.Sprintf("op_%d", at.UnixMilli())
}

func isNull(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || bytes.Equal(d, []byte("null"))
}

func isObject(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) > 0 && d[0] == '{'
}
