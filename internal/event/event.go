package event

import (
	"fmt"
	"time"
)

// EventType discriminator for canonical events. Closed set — the pipeline
// dispatches with exhaustive switches so a new kind is a compile-time decision.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOpen
	EventTypePartialClose
	EventTypeClose
)

func (et EventType) String() string {
	switch et {
	case EventTypeOpen:
		return "Open"
	case EventTypePartialClose:
		return "PartialClose"
	case EventTypeClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// IsClose reports whether the event reduces a position.
func (et EventType) IsClose() bool {
	return et == EventTypePartialClose || et == EventTypeClose
}

// Side represents the direction a position was opened in.
type Side int32

const (
	SideUnknown Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Sign returns +1 for long, -1 for short, 0 otherwise.
func (s Side) Sign() int64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// SourceKey is the source-assigned identity of an event and the unit of
// exact deduplication: (source partition, sequence number within it).
type SourceKey struct {
	Source   string
	Sequence int64
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%s:%d", k.Source, k.Sequence)
}

// CanonicalEvent is the validated, normalized form of a raw venue event.
// All monetary and size fields are fixed-point int64 (see internal/fixed);
// the normalizer guarantees Size > 0, Price >= 0, Fee >= 0.
type CanonicalEvent struct {
	Key        SourceKey
	Type       EventType
	Trader     string
	Market     string
	TradeSide  Side
	Price      int64 // fixed.PriceConfig scale
	Size       int64 // fixed.QuantityConfig scale
	Fee        int64 // fixed.QuoteConfig scale
	Collateral int64 // fixed.QuoteConfig scale, 0 if not reported
	Timestamp  time.Time
}

// PositionKey is the deterministic identity of a position: it is fixed by
// the event that opened it, never by a server-assigned counter, so replays
// and independent runs assign the same identity to the same position.
type PositionKey struct {
	Trader  string
	Market  string
	OpenKey SourceKey
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Trader, k.Market, k.OpenKey)
}
