package memorystore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Candle is a single OHLC bucket keyed by its open time.
type Candle struct {
	Time  int64   `json:"time"`  // Bucket start (milliseconds since epoch)
	Open  float64 `json:"open"`  // Opening price
	High  float64 `json:"high"`  // Highest price during the bucket
	Low   float64 `json:"low"`   // Lowest price during the bucket
	Close float64 `json:"close"` // Closing price (still moving while the bucket is forming)
}

// OperationKind tells entries from exits.
type OperationKind string

const (
	OperationEntry OperationKind = "entry"
	OperationExit  OperationKind = "exit"
)

// Operation is a discrete trading action reported by the strategy.
//
// An entry and a later exit jointly form one trade; the pairing is derived by
// consumers and never stored here. Fields this type does not know about are
// kept verbatim in Extra and written back out by MarshalJSON.
type Operation struct {
	ID            string        `json:"id"`
	Kind          OperationKind `json:"operation"`
	Time          int64         `json:"time"`
	Price         float64       `json:"price"`
	Profit        *float64      `json:"profit,omitempty"`
	ProfitPct     *float64      `json:"profitPct,omitempty"`
	HoldingPeriod *float64      `json:"holdingPeriod,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// operationKeys are the wire keys decoded into Operation's fixed fields.
var operationKeys = map[string]struct{}{
	"id": {}, "operation": {}, "time": {}, "price": {},
	"profit": {}, "profitPct": {}, "holdingPeriod": {},
}

type operationFields Operation

// operationWire is the lenient decoding shape: producers send numeric ids and
// float-notation times, which are normalized here.
type operationWire struct {
	ID            json.RawMessage `json:"id"`
	Kind          OperationKind   `json:"operation"`
	Time          *float64        `json:"time"`
	Price         float64         `json:"price"`
	Profit        *float64        `json:"profit"`
	ProfitPct     *float64        `json:"profitPct"`
	HoldingPeriod *float64        `json:"holdingPeriod"`
}

// UnmarshalJSON decodes the known fields and stashes everything else in Extra.
// A numeric id is kept as its decimal text.
func (o *Operation) UnmarshalJSON(b []byte) error {
	var w operationWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	id, err := decodeID(w.ID)
	if err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range all {
		if _, known := operationKeys[k]; !known {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		extra = nil
	}

	*o = Operation{
		ID:            id,
		Kind:          w.Kind,
		Price:         w.Price,
		Profit:        w.Profit,
		ProfitPct:     w.ProfitPct,
		HoldingPeriod: w.HoldingPeriod,
		Extra:         extra,
	}
	if w.Time != nil {
		o.Time = int64(*w.Time)
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("operation id must be a string or a number: %s", raw)
	}
	return n.String(), nil
}

// MarshalJSON writes the fixed fields followed by the extension fields.
func (o Operation) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(operationFields(o))
	if err != nil {
		return nil, err
	}
	if len(o.Extra) == 0 {
		return base, nil
	}

	rest, err := json.Marshal(o.Extra)
	if err != nil {
		return nil, fmt.Errorf("marshal operation extension fields: %w", err)
	}

	// Splice {"id":...} and {"k":...} into one object.
	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	buf.WriteByte(',')
	buf.Write(rest[1:])
	return buf.Bytes(), nil
}

// Clone returns a copy that shares no mutable state with o.
func (o Operation) Clone() Operation {
	cp := o
	if o.Profit != nil {
		v := *o.Profit
		cp.Profit = &v
	}
	if o.ProfitPct != nil {
		v := *o.ProfitPct
		cp.ProfitPct = &v
	}
	if o.HoldingPeriod != nil {
		v := *o.HoldingPeriod
		cp.HoldingPeriod = &v
	}
	if o.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(o.Extra))
		for k, v := range o.Extra {
			cp.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return cp
}

// OperationPatch amends a stored operation. Nil fields are left untouched;
// Extra entries are merged key by key.
type OperationPatch struct {
	Price         *float64
	Profit        *float64
	ProfitPct     *float64
	HoldingPeriod *float64
	Extra         map[string]json.RawMessage
}

// Batch is a full replacement of history, used for the initial load and for
// resynchronization.
type Batch struct {
	Candles    []Candle    `json:"charts"`
	Operations []Operation `json:"operations"`
}

// ConnectionStatus mirrors the transport lifecycle as seen by consumers.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// Connection is the per-session connection metadata.
type Connection struct {
	Status            ConnectionStatus `json:"status"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	LastError         string           `json:"lastError,omitempty"`
}

// Viewport selects the visible window. WindowEnd is nil exactly when the
// viewport follows the newest candles.
type Viewport struct {
	WindowEnd  *int `json:"windowEnd"`
	IsLiveMode bool `json:"isLiveMode"`
}

// Navigation is the display-facing window metadata. Start is 1-indexed.
type Navigation struct {
	Start        int  `json:"start"`
	End          int  `json:"end"`
	Total        int  `json:"total"`
	IsLiveMode   bool `json:"isLiveMode"`
	CanGoBack    bool `json:"canGoBack"`
	CanGoForward bool `json:"canGoForward"`
}

// Snapshot is a read-only copy of the state handed to the presentation layer.
type Snapshot struct {
	Visible    []Candle    `json:"visible"`
	Operations []Operation `json:"operations"`
	Navigation Navigation  `json:"navigation"`
	Connection Connection  `json:"connection"`
	LastUpdate time.Time   `json:"lastUpdate"`
}
