package ledger

import (
	"sort"

	"derivledger/internal/event"
)

// liveKey indexes the single live (not fully closed) position per trader
// and market. Close events carry no opening source key, so they resolve
// through this index to the full deterministic PositionKey.
type liveKey struct {
	Trader string
	Market string
}

// Ledger is the authoritative mapping from position identity to state.
// Not thread-safe — only accessed from the single-threaded pipeline.
type Ledger struct {
	positions map[event.PositionKey]*Position
	live      map[liveKey]event.PositionKey

	// dirty marks positions touched during this run, for delta commits.
	dirty map[event.PositionKey]bool
}

func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[event.PositionKey]*Position),
		live:      make(map[liveKey]event.PositionKey),
		dirty:     make(map[event.PositionKey]bool),
	}
}

// Restore loads a previously persisted position without marking it dirty.
// Used when the checkpoint store rebuilds ledger state at run start.
func (l *Ledger) Restore(pos *Position) {
	l.positions[pos.Key] = pos
	if pos.IsLive() {
		l.live[liveKey{Trader: pos.Key.Trader, Market: pos.Key.Market}] = pos.Key
	}
}

// Open inserts a new position for an OPEN event. A position exists in the
// ledger if and only if an OPEN event for its key has been applied.
func (l *Ledger) Open(ev *event.CanonicalEvent) (*Position, *event.Reject) {
	key := event.PositionKey{Trader: ev.Trader, Market: ev.Market, OpenKey: ev.Key}

	if _, exists := l.positions[key]; exists {
		return nil, event.Rejectf(event.ReasonDuplicatePosition,
			"position %s already exists", key)
	}

	lk := liveKey{Trader: ev.Trader, Market: ev.Market}
	if liveID, busy := l.live[lk]; busy {
		return nil, event.Rejectf(event.ReasonDuplicateOpen,
			"trader %s already has live position %s in %s", ev.Trader, liveID.OpenKey, ev.Market)
	}

	pos := &Position{
		Key:           key,
		TradeSide:     ev.TradeSide,
		OpenTime:      ev.Timestamp,
		EntryPrice:    ev.Price,
		InitialSize:   ev.Size,
		SizeRemaining: ev.Size,
		Collateral:    ev.Collateral,
		OpenFee:       ev.Fee,
		Status:        StatusOpen,
	}

	l.positions[key] = pos
	l.live[lk] = key
	l.dirty[key] = true

	return pos, nil
}

// Lookup returns the position for a key, if present.
func (l *Ledger) Lookup(key event.PositionKey) (*Position, bool) {
	pos, ok := l.positions[key]
	return pos, ok
}

// Live returns the live position for a trader and market, if any.
func (l *Ledger) Live(trader, market string) (*Position, bool) {
	key, ok := l.live[liveKey{Trader: trader, Market: market}]
	if !ok {
		return nil, false
	}
	return l.positions[key], true
}

// ApplyClose decrements a position's remaining size for a close or
// partial-close event. An over-sized close is rejected, never clamped:
// clamping would silently mask an upstream data defect.
func (l *Ledger) ApplyClose(key event.PositionKey, ev *event.CanonicalEvent) *event.Reject {
	pos, ok := l.positions[key]
	if !ok {
		return event.Rejectf(event.ReasonCloseWithoutOpen, "no position %s", key)
	}
	if pos.Status == StatusClosed {
		// Closed is terminal: further closes are defects, not transitions.
		return event.Rejectf(event.ReasonCloseWithoutOpen,
			"position %s already closed", key)
	}
	if ev.Size > pos.SizeRemaining {
		return event.Rejectf(event.ReasonOverClose,
			"close size %d exceeds remaining %d on %s", ev.Size, pos.SizeRemaining, key)
	}

	next := StatusPartiallyClosed
	if ev.Size == pos.SizeRemaining {
		next = StatusClosed
	}
	if !pos.Status.CanTransitionTo(next) {
		return event.Rejectf(event.ReasonCloseWithoutOpen,
			"position %s cannot transition %s -> %s", key, pos.Status, next)
	}

	pos.SizeRemaining -= ev.Size
	pos.Status = next
	pos.CloseKeys = append(pos.CloseKeys, ev.Key)
	pos.Version++
	l.dirty[key] = true

	if next == StatusClosed {
		delete(l.live, liveKey{Trader: key.Trader, Market: key.Market})
	}

	return nil
}

// Positions returns all positions sorted by key for deterministic output.
func (l *Ledger) Positions() []*Position {
	out := make([]*Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// DirtyPositions returns deep copies of positions mutated during this run,
// sorted by key, for the commit path.
func (l *Ledger) DirtyPositions() []*Position {
	out := make([]*Position, 0, len(l.dirty))
	for key := range l.dirty {
		out = append(out, l.positions[key].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}
