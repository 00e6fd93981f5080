package ledger

import (
	"time"

	"derivledger/internal/event"
)

// Status tracks a position's lifecycle.
type Status int32

const (
	StatusOpen Status = iota
	StatusPartiallyClosed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusPartiallyClosed:
		return "PartiallyClosed"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. Closed is terminal; a single
// close event may take an Open position straight to Closed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusPartiallyClosed || next == StatusClosed
	case StatusPartiallyClosed:
		// Repeated partial closes keep the same status.
		return next == StatusPartiallyClosed || next == StatusClosed
	default:
		return false
	}
}

// Position is the authoritative state of one economic position. The ledger
// is the sole owner of Position objects for the duration of a run; only the
// settlement engine mutates the financial fields, via ledger methods.
type Position struct {
	Key       event.PositionKey
	TradeSide event.Side
	OpenTime  time.Time

	EntryPrice    int64 // fixed.PriceConfig scale
	InitialSize   int64 // fixed.QuantityConfig scale
	SizeRemaining int64 // monotone non-increasing, never negative
	Collateral    int64 // fixed.QuoteConfig scale
	OpenFee       int64 // fee reported on the opening event, kept for attribution

	Status Status

	// CloseKeys records every close/partial-close applied, in application
	// order. Replays reproduce the same sequence.
	CloseKeys []event.SourceKey

	Version int64
}

// SideSign returns +1 for long-opened, -1 for short-opened positions.
func (p *Position) SideSign() int64 {
	return p.TradeSide.Sign()
}

// ClosedSize returns how much of the initial size has been closed.
func (p *Position) ClosedSize() int64 {
	return p.InitialSize - p.SizeRemaining
}

// IsLive reports whether further closes may be applied.
func (p *Position) IsLive() bool {
	return p.Status != StatusClosed
}

// Clone returns a deep copy, used when handing positions to the commit path
// so persistence never aliases live ledger state.
func (p *Position) Clone() *Position {
	cp := *p
	cp.CloseKeys = make([]event.SourceKey, len(p.CloseKeys))
	copy(cp.CloseKeys, p.CloseKeys)
	return &cp
}
