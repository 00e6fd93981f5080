package ingestion

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"derivledger/internal/event"
	"derivledger/internal/fixed"
)

// Normalizer validates a RawEvent against the canonical schema. It is a
// pure, stateless function of one record: no cross-event checks happen here
// (those belong to the deduplicator and the ledger), and rejections are
// returned, never thrown, so the pipeline can log-and-continue.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize converts a raw record into a CanonicalEvent or a reason-coded
// rejection. On rejection the returned event is nil.
func (n *Normalizer) Normalize(raw *RawEvent) (*event.CanonicalEvent, *event.Reject) {
	if raw.Source == "" {
		return nil, event.Rejectf(event.ReasonMissingField, "source is required")
	}
	if raw.SequenceNumber == nil {
		return nil, event.Rejectf(event.ReasonMissingField, "sequence_number is required")
	}
	if *raw.SequenceNumber <= 0 {
		return nil, event.Rejectf(event.ReasonInvalidValue, "sequence_number must be positive, got %d", *raw.SequenceNumber)
	}
	if raw.EventType == "" {
		return nil, event.Rejectf(event.ReasonMissingField, "event_type is required")
	}
	if raw.Trader == "" {
		return nil, event.Rejectf(event.ReasonMissingField, "trader is required")
	}
	if raw.Market == "" {
		return nil, event.Rejectf(event.ReasonMissingField, "market is required")
	}
	if raw.Side == "" {
		return nil, event.Rejectf(event.ReasonMissingField, "side is required")
	}
	if raw.Price == nil {
		return nil, event.Rejectf(event.ReasonMissingField, "price is required")
	}
	if raw.Size == nil {
		return nil, event.Rejectf(event.ReasonMissingField, "size is required")
	}
	if len(raw.Timestamp) == 0 {
		return nil, event.Rejectf(event.ReasonMissingField, "timestamp is required")
	}

	eventType := parseEventType(raw.EventType)
	if eventType == event.EventTypeUnknown {
		return nil, event.Rejectf(event.ReasonInvalidValue, "unknown event_type %q", raw.EventType)
	}

	side := parseSide(raw.Side)
	if side == event.SideUnknown {
		return nil, event.Rejectf(event.ReasonInvalidValue, "unknown side %q", raw.Side)
	}

	price, rej := toFixed("price", *raw.Price, fixed.PriceConfig)
	if rej != nil {
		return nil, rej
	}
	if price < 0 {
		return nil, event.Rejectf(event.ReasonInvalidValue, "price must be non-negative, got %s", raw.Price)
	}

	size, rej := toFixed("size", *raw.Size, fixed.QuantityConfig)
	if rej != nil {
		return nil, rej
	}
	if size <= 0 {
		return nil, event.Rejectf(event.ReasonInvalidValue, "size must be positive, got %s", raw.Size)
	}

	var fee int64
	if raw.Fee != nil {
		fee, rej = toFixed("fee", *raw.Fee, fixed.QuoteConfig)
		if rej != nil {
			return nil, rej
		}
		if fee < 0 {
			return nil, event.Rejectf(event.ReasonInvalidValue, "fee must be non-negative, got %s", raw.Fee)
		}
	}

	var collateral int64
	if raw.Collateral != nil {
		collateral, rej = toFixed("collateral", *raw.Collateral, fixed.QuoteConfig)
		if rej != nil {
			return nil, rej
		}
		if collateral < 0 {
			return nil, event.Rejectf(event.ReasonInvalidValue, "collateral must be non-negative, got %s", raw.Collateral)
		}
	}

	ts, rej := parseTimestamp(raw.Timestamp)
	if rej != nil {
		return nil, rej
	}

	return &event.CanonicalEvent{
		Key:        event.SourceKey{Source: raw.Source, Sequence: *raw.SequenceNumber},
		Type:       eventType,
		Trader:     raw.Trader,
		Market:     raw.Market,
		TradeSide:  side,
		Price:      price,
		Size:       size,
		Fee:        fee,
		Collateral: collateral,
		Timestamp:  ts,
	}, nil
}

func parseEventType(s string) event.EventType {
	switch strings.ToLower(s) {
	case "open":
		return event.EventTypeOpen
	case "partial_close", "partialclose":
		return event.EventTypePartialClose
	case "close":
		return event.EventTypeClose
	default:
		return event.EventTypeUnknown
	}
}

func parseSide(s string) event.Side {
	switch strings.ToLower(s) {
	case "long", "buy":
		return event.SideLong
	case "short", "sell":
		return event.SideShort
	default:
		return event.SideUnknown
	}
}

// toFixed scales a decimal wire value into an int64 fixed-point amount.
// Values with more fractional digits than the scale allows, or that do not
// fit in int64 after scaling, are InvalidValue.
func toFixed(field string, d decimal.Decimal, cfg fixed.DecimalConfig) (int64, *event.Reject) {
	scaled := d.Shift(int32(cfg.DecimalPrecision))
	if !scaled.IsInteger() {
		return 0, event.Rejectf(event.ReasonInvalidValue,
			"%s has more than %d decimal places: %s", field, cfg.DecimalPrecision, d)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, event.Rejectf(event.ReasonInvalidValue, "%s out of range: %s", field, d)
	}
	return scaled.IntPart(), nil
}

// parseTimestamp accepts RFC3339(Nano) strings or epoch microseconds.
// The result is normalized to UTC so event ordering is comparable across
// sources reporting in different zones.
func parseTimestamp(raw json.RawMessage) (time.Time, *event.Reject) {
	s := strings.TrimSpace(string(raw))

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, event.Rejectf(event.ReasonInvalidValue, "timestamp: %v", err)
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return time.Time{}, event.Rejectf(event.ReasonInvalidValue, "timestamp %q: %v", str, err)
		}
		return t.UTC(), nil
	}

	micros, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, event.Rejectf(event.ReasonInvalidValue, "timestamp %q: %v", s, err)
	}
	if micros <= 0 {
		return time.Time{}, event.Rejectf(event.ReasonInvalidValue, "timestamp must be positive, got %d", micros)
	}
	return time.UnixMicro(micros).UTC(), nil
}
