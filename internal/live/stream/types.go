package stream

import (
	"encoding/json"

	"candlestream/internal/live/memorystore"
)

// Kind is the normalized message kind handed to the store.
type Kind string

const (
	KindCandle    Kind = "candle"
	KindOperation Kind = "operation"
	KindBatch     Kind = "batch"
	KindStatus    Kind = "status"
)

// Wire type tags accepted in the envelope. Aliases map onto the same Kind.
const (
	TypeCandle       = "candle"
	TypeCandleUpdate = "candle_update"
	TypeOperation    = "operation"
	TypeBatch        = "batch"
	TypeInitialData  = "initial_data"
	TypeStatus       = "status"
)

// Envelope is the frame shape on the wire: {"type": ..., "data": ...}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message is a validated, normalized frame. Only the field matching Kind is set.
type Message struct {
	Kind      Kind
	Candle    memorystore.Candle
	Operation memorystore.Operation
	Batch     memorystore.Batch
	Status    json.RawMessage

	// Dropped counts batch items that failed validation and were skipped.
	Dropped int
}

// candlePayload is {open, high, low, close, time}; all fields are required.
type candlePayload struct {
	Open  *float64 `json:"open"`
	High  *float64 `json:"high"`
	Low   *float64 `json:"low"`
	Close *float64 `json:"close"`
	Time  *float64 `json:"time"` // epoch ms; some producers emit it as a float
}

// batchPayload accepts both the stream naming (operations) and the HTTP
// history naming (traderLogOperations).
type batchPayload struct {
	Charts              []json.RawMessage `json:"charts"`
	Operations          []json.RawMessage `json:"operations"`
	TraderLogOperations []json.RawMessage `json:"traderLogOperations"`
}
