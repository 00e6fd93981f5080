package ingestion

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// RawEvent is the untrusted wire form of a venue event. Field names use
// snake_case to match upstream producers. Pointer fields distinguish
// "absent" from "zero"; numeric values may arrive as JSON numbers or
// decimal strings (decimal.Decimal accepts both).
type RawEvent struct {
	Source         string           `json:"source"`
	SequenceNumber *int64           `json:"sequence_number"`
	EventType      string           `json:"event_type"`
	Trader         string           `json:"trader"`
	Market         string           `json:"market"`
	Side           string           `json:"side"`
	Price          *decimal.Decimal `json:"price"`
	Size           *decimal.Decimal `json:"size"`
	Fee            *decimal.Decimal `json:"fee"`
	Collateral     *decimal.Decimal `json:"collateral"`

	// Timestamp is either an RFC3339(Nano) string or epoch microseconds;
	// the normalizer parses it.
	Timestamp json.RawMessage `json:"timestamp"`
}
