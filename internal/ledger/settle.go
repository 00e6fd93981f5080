package ledger

import (
	"time"

	"derivledger/internal/event"
	"derivledger/internal/fixed"
)

// RealizedPnLRecord is emitted once per close/partial-close successfully
// applied. Records are immutable once appended to canonical output; the sum
// of ClosedSize across a position's records never exceeds its initial size.
type RealizedPnLRecord struct {
	PositionKey event.PositionKey
	CloseKey    event.SourceKey
	CloseTime   time.Time
	ClosedSize  int64 // fixed.QuantityConfig scale
	RealizedPnL int64 // fixed.QuoteConfig scale, net of FeeCharged
	FeeCharged  int64 // fixed.QuoteConfig scale
}

// Engine computes realized PnL for close events. It is the only component
// that mutates a position's financial state, and it does so exclusively
// through ledger methods.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Settle applies a close or partial-close event against the ledger and
// returns the realized PnL record:
//
//	realizedPnl = sideSign(position) * (event.price - entryPrice) * event.size - event.fee
//
// Fees are charged at settlement time against this specific close, never
// retroactively redistributed. All failure modes are per-event rejections.
func (e *Engine) Settle(l *Ledger, ev *event.CanonicalEvent) (*RealizedPnLRecord, *event.Reject) {
	switch ev.Type {
	case event.EventTypePartialClose, event.EventTypeClose:
	case event.EventTypeOpen:
		return nil, event.Rejectf(event.ReasonInvalidValue,
			"settle called with open event %s", ev.Key)
	default:
		return nil, event.Rejectf(event.ReasonInvalidValue,
			"settle called with unknown event type %d", ev.Type)
	}

	pos, ok := l.Live(ev.Trader, ev.Market)
	if !ok {
		return nil, event.Rejectf(event.ReasonCloseWithoutOpen,
			"no open position for trader %s in %s", ev.Trader, ev.Market)
	}

	// Capture entry terms before mutation.
	sideSign := pos.SideSign()
	entryPrice := pos.EntryPrice

	if rej := l.ApplyClose(pos.Key, ev); rej != nil {
		return nil, rej
	}

	gross := fixed.RealizedPnL(sideSign, ev.Price, entryPrice, ev.Size)

	return &RealizedPnLRecord{
		PositionKey: pos.Key,
		CloseKey:    ev.Key,
		CloseTime:   ev.Timestamp,
		ClosedSize:  ev.Size,
		RealizedPnL: gross - ev.Fee,
		FeeCharged:  ev.Fee,
	}, nil
}
