package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"candlestream/internal/live/stream"
)

// Dataset is a recorded session: {charts, traderLogOperations}. Records are
// kept verbatim so replayed frames carry every field of the original.
type Dataset struct {
	raw        []byte
	candles    []entry
	operations []entry
	opsByTime  map[int64][]json.RawMessage
}

type entry struct {
	time int64
	raw  json.RawMessage
}

type datasetFile struct {
	Charts              []json.RawMessage `json:"charts"`
	TraderLogOperations []json.RawMessage `json:"traderLogOperations"`
}

type batchData struct {
	Charts              []json.RawMessage `json:"charts"`
	TraderLogOperations []json.RawMessage `json:"traderLogOperations"`
}

func LoadDataset(path string) (*Dataset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return ParseDataset(b)
}

func ParseDataset(b []byte) (*Dataset, error) {
	var f datasetFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}

	d := &Dataset{
		raw:       b,
		opsByTime: make(map[int64][]json.RawMessage),
	}
	for i, raw := range f.Charts {
		t, err := recordTime(raw)
		if err != nil {
			return nil, fmt.Errorf("chart %d: %w", i, err)
		}
		d.candles = append(d.candles, entry{time: t, raw: raw})
	}
	for i, raw := range f.TraderLogOperations {
		t, err := recordTime(raw)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		d.operations = append(d.operations, entry{time: t, raw: raw})
		d.opsByTime[t] = append(d.opsByTime[t], raw)
	}
	return d, nil
}

func recordTime(raw json.RawMessage) (int64, error) {
	var r struct {
		Time *float64 `json:"time"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return 0, err
	}
	if r.Time == nil {
		return 0, fmt.Errorf("missing time")
	}
	return int64(*r.Time), nil
}

// Raw returns the dataset file as loaded.
func (d *Dataset) Raw() []byte { return d.raw }

func (d *Dataset) Len() int { return len(d.candles) }

func (d *Dataset) Operations() int { return len(d.operations) }

// InitialFrame is the batch sent on connect: the first k candles and every
// operation up to the time of the last of them.
func (d *Dataset) InitialFrame(k int) ([]byte, error) {
	k = min(k, len(d.candles))

	data := batchData{
		Charts:              make([]json.RawMessage, 0, k),
		TraderLogOperations: make([]json.RawMessage, 0),
	}
	for _, c := range d.candles[:k] {
		data.Charts = append(data.Charts, c.raw)
	}
	if k > 0 {
		last := d.candles[k-1].time
		for _, op := range d.operations {
			if op.time <= last {
				data.TraderLogOperations = append(data.TraderLogOperations, op.raw)
			}
		}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stream.Envelope{Type: stream.TypeBatch, Data: payload})
}

// TickFrames returns candle i followed by the operations stamped with its
// time.
func (d *Dataset) TickFrames(i int) ([][]byte, error) {
	c := d.candles[i]

	candle, err := json.Marshal(stream.Envelope{Type: stream.TypeCandle, Data: c.raw})
	if err != nil {
		return nil, err
	}
	frames := [][]byte{candle}

	for _, op := range d.opsByTime[c.time] {
		frame, err := json.Marshal(stream.Envelope{Type: stream.TypeOperation, Data: op})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
