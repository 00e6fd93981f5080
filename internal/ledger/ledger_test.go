package ledger_test

import (
	"testing"
	"time"

	"derivledger/internal/event"
	"derivledger/internal/ledger"
)

var baseTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func openEvent(source string, seq int64, trader, market string, side event.Side, price, size int64) *event.CanonicalEvent {
	return &event.CanonicalEvent{
		Key:        event.SourceKey{Source: source, Sequence: seq},
		Type:       event.EventTypeOpen,
		Trader:     trader,
		Market:     market,
		TradeSide:  side,
		Price:      price,
		Size:       size,
		Collateral: 1_000_000_000,
		Timestamp:  baseTime,
	}
}

func closeEvent(source string, seq int64, trader, market string, typ event.EventType, price, size, fee int64) *event.CanonicalEvent {
	return &event.CanonicalEvent{
		Key:       event.SourceKey{Source: source, Sequence: seq},
		Type:      typ,
		Trader:    trader,
		Market:    market,
		TradeSide: event.SideLong,
		Price:     price,
		Size:      size,
		Fee:       fee,
		Timestamp: baseTime.Add(time.Minute),
	}
}

// ============================================================================
// Test: Status transitions
// ============================================================================

func TestStatus_Transitions(t *testing.T) {
	cases := []struct {
		from ledger.Status
		to   ledger.Status
		want bool
	}{
		{ledger.StatusOpen, ledger.StatusPartiallyClosed, true},
		{ledger.StatusOpen, ledger.StatusClosed, true},
		{ledger.StatusPartiallyClosed, ledger.StatusPartiallyClosed, true},
		{ledger.StatusPartiallyClosed, ledger.StatusClosed, true},
		{ledger.StatusClosed, ledger.StatusOpen, false},
		{ledger.StatusClosed, ledger.StatusPartiallyClosed, false},
		{ledger.StatusClosed, ledger.StatusClosed, false},
		{ledger.StatusOpen, ledger.StatusOpen, false},
		{ledger.StatusPartiallyClosed, ledger.StatusOpen, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

// ============================================================================
// Test: Ledger Open
// ============================================================================

func TestLedger_Open(t *testing.T) {
	l := ledger.NewLedger()
	ev := openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000)

	pos, rej := l.Open(ev)
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}

	if pos.Key.Trader != "alice" || pos.Key.Market != "BTC-PERP" || pos.Key.OpenKey != ev.Key {
		t.Errorf("position key: got %s", pos.Key)
	}
	if pos.Status != ledger.StatusOpen {
		t.Errorf("status: got %s", pos.Status)
	}
	if pos.SizeRemaining != 100_000_000 || pos.InitialSize != 100_000_000 {
		t.Errorf("sizes: got %d/%d", pos.SizeRemaining, pos.InitialSize)
	}
	if pos.Version != 0 {
		t.Errorf("version: got %d, want 0", pos.Version)
	}

	live, ok := l.Live("alice", "BTC-PERP")
	if !ok || live.Key != pos.Key {
		t.Error("open position should be the live position")
	}
}

func TestLedger_Open_DuplicatePosition(t *testing.T) {
	l := ledger.NewLedger()
	ev := openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000)

	if _, rej := l.Open(ev); rej != nil {
		t.Fatalf("first open: %v", rej)
	}

	_, rej := l.Open(ev)
	if rej == nil {
		t.Fatal("expected rejection")
	}
	if rej.Reason != event.ReasonDuplicatePosition {
		t.Errorf("reason: got %s, want DuplicatePosition", rej.Reason)
	}
}

func TestLedger_Open_DuplicateOpen(t *testing.T) {
	l := ledger.NewLedger()

	if _, rej := l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000)); rej != nil {
		t.Fatalf("first open: %v", rej)
	}

	// Same trader/market, different source key: a second live position.
	_, rej := l.Open(openEvent("venue-a", 2, "alice", "BTC-PERP", event.SideLong, 11_000_000, 50_000_000))
	if rej == nil {
		t.Fatal("expected rejection")
	}
	if rej.Reason != event.ReasonDuplicateOpen {
		t.Errorf("reason: got %s, want DuplicateOpen", rej.Reason)
	}
}

func TestLedger_Open_AfterFullClose(t *testing.T) {
	l := ledger.NewLedger()

	pos, rej := l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))
	if rej != nil {
		t.Fatalf("open: %v", rej)
	}
	if rej := l.ApplyClose(pos.Key, closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypeClose, 12_000_000, 100_000_000, 0)); rej != nil {
		t.Fatalf("close: %v", rej)
	}

	// The slot is free again once the prior position fully closed.
	if _, rej := l.Open(openEvent("venue-a", 3, "alice", "BTC-PERP", event.SideShort, 12_000_000, 30_000_000)); rej != nil {
		t.Errorf("reopen after full close should succeed: %v", rej)
	}
}

func TestLedger_Open_IndependentMarkets(t *testing.T) {
	l := ledger.NewLedger()

	if _, rej := l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000)); rej != nil {
		t.Fatalf("open BTC: %v", rej)
	}
	if _, rej := l.Open(openEvent("venue-a", 2, "alice", "ETH-PERP", event.SideLong, 2_000_000, 10_000_000)); rej != nil {
		t.Errorf("same trader in another market should succeed: %v", rej)
	}
	if _, rej := l.Open(openEvent("venue-a", 3, "bob", "BTC-PERP", event.SideShort, 10_000_000, 5_000_000)); rej != nil {
		t.Errorf("another trader in the same market should succeed: %v", rej)
	}
}

// ============================================================================
// Test: Ledger ApplyClose
// ============================================================================

func TestLedger_ApplyClose_Partial(t *testing.T) {
	l := ledger.NewLedger()
	pos, _ := l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))

	ev := closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypePartialClose, 12_000_000, 40_000_000, 0)
	if rej := l.ApplyClose(pos.Key, ev); rej != nil {
		t.Fatalf("partial close: %v", rej)
	}

	if pos.SizeRemaining != 60_000_000 {
		t.Errorf("size remaining: got %d, want 60_000_000", pos.SizeRemaining)
	}
	if pos.Status != ledger.StatusPartiallyClosed {
		t.Errorf("status: got %s", pos.Status)
	}
	if pos.Version != 1 {
		t.Errorf("version: got %d, want 1", pos.Version)
	}
	if len(pos.CloseKeys) != 1 || pos.CloseKeys[0] != ev.Key {
		t.Errorf("close keys: got %v", pos.CloseKeys)
	}
	if pos.ClosedSize() != 40_000_000 {
		t.Errorf("closed size: got %d", pos.ClosedSize())
	}

	if _, ok := l.Live("alice", "BTC-PERP"); !ok {
		t.Error("partially closed position should stay live")
	}
}

func TestLedger_ApplyClose_Full(t *testing.T) {
	l := ledger.NewLedger()
	pos, _ := l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))

	ev := closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypeClose, 12_000_000, 100_000_000, 0)
	if rej := l.ApplyClose(pos.Key, ev); rej != nil {
		t.Fatalf("close: %v", rej)
	}

	if pos.Status != ledger.StatusClosed {
		t.Errorf("status: got %s", pos.Status)
	}
	if pos.SizeRemaining != 0 {
		t.Errorf("size remaining: got %d", pos.SizeRemaining)
	}
	if _, ok := l.Live("alice", "BTC-PERP"); ok {
		t.Error("closed position must leave the live index")
	}
}

func TestLedger_ApplyClose_OverCloseLeavesStateUntouched(t *testing.T) {
	l := ledger.NewLedger()
	pos, _ := l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))

	rej := l.ApplyClose(pos.Key, closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypeClose, 12_000_000, 150_000_000, 0))
	if rej == nil {
		t.Fatal("expected over-close rejection")
	}
	if rej.Reason != event.ReasonOverClose {
		t.Errorf("reason: got %s, want OverClose", rej.Reason)
	}

	// Rejected, never clamped.
	if pos.SizeRemaining != 100_000_000 {
		t.Errorf("size remaining mutated: got %d", pos.SizeRemaining)
	}
	if pos.Status != ledger.StatusOpen {
		t.Errorf("status mutated: got %s", pos.Status)
	}
	if pos.Version != 0 {
		t.Errorf("version mutated: got %d", pos.Version)
	}
	if len(pos.CloseKeys) != 0 {
		t.Errorf("close keys mutated: got %v", pos.CloseKeys)
	}
}

func TestLedger_ApplyClose_ExactRemaining(t *testing.T) {
	l := ledger.NewLedger()
	pos, _ := l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))

	if rej := l.ApplyClose(pos.Key, closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypePartialClose, 12_000_000, 40_000_000, 0)); rej != nil {
		t.Fatalf("partial: %v", rej)
	}
	// Closing exactly the remainder is legal and terminal.
	if rej := l.ApplyClose(pos.Key, closeEvent("venue-a", 3, "alice", "BTC-PERP", event.EventTypeClose, 8_000_000, 60_000_000, 0)); rej != nil {
		t.Fatalf("final close: %v", rej)
	}
	if pos.Status != ledger.StatusClosed {
		t.Errorf("status: got %s", pos.Status)
	}
}

func TestLedger_ApplyClose_MissingPosition(t *testing.T) {
	l := ledger.NewLedger()
	key := event.PositionKey{Trader: "alice", Market: "BTC-PERP", OpenKey: event.SourceKey{Source: "venue-a", Sequence: 1}}

	rej := l.ApplyClose(key, closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypeClose, 12_000_000, 10_000_000, 0))
	if rej == nil || rej.Reason != event.ReasonCloseWithoutOpen {
		t.Errorf("expected CloseWithoutOpen, got %v", rej)
	}
}

func TestLedger_ApplyClose_AlreadyClosed(t *testing.T) {
	l := ledger.NewLedger()
	pos, _ := l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))
	if rej := l.ApplyClose(pos.Key, closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypeClose, 12_000_000, 100_000_000, 0)); rej != nil {
		t.Fatalf("close: %v", rej)
	}

	rej := l.ApplyClose(pos.Key, closeEvent("venue-a", 3, "alice", "BTC-PERP", event.EventTypeClose, 12_000_000, 1_000_000, 0))
	if rej == nil || rej.Reason != event.ReasonCloseWithoutOpen {
		t.Errorf("close on terminal position: got %v, want CloseWithoutOpen", rej)
	}
}

// ============================================================================
// Test: Restore and dirty tracking
// ============================================================================

func TestLedger_Restore_NotDirty(t *testing.T) {
	l := ledger.NewLedger()
	l.Restore(&ledger.Position{
		Key:           event.PositionKey{Trader: "alice", Market: "BTC-PERP", OpenKey: event.SourceKey{Source: "venue-a", Sequence: 1}},
		TradeSide:     event.SideLong,
		EntryPrice:    10_000_000,
		InitialSize:   100_000_000,
		SizeRemaining: 100_000_000,
		Status:        ledger.StatusOpen,
	})

	if got := len(l.DirtyPositions()); got != 0 {
		t.Errorf("restored positions must not be dirty, got %d", got)
	}
	if _, ok := l.Live("alice", "BTC-PERP"); !ok {
		t.Error("restored live position should populate the live index")
	}
}

func TestLedger_Restore_ClosedNotLive(t *testing.T) {
	l := ledger.NewLedger()
	l.Restore(&ledger.Position{
		Key:         event.PositionKey{Trader: "alice", Market: "BTC-PERP", OpenKey: event.SourceKey{Source: "venue-a", Sequence: 1}},
		TradeSide:   event.SideLong,
		InitialSize: 100_000_000,
		Status:      ledger.StatusClosed,
	})

	if _, ok := l.Live("alice", "BTC-PERP"); ok {
		t.Error("restored closed position must not be live")
	}
}

func TestLedger_DirtyPositions_ReturnsClones(t *testing.T) {
	l := ledger.NewLedger()
	pos, _ := l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))

	dirty := l.DirtyPositions()
	if len(dirty) != 1 {
		t.Fatalf("dirty: got %d positions", len(dirty))
	}

	dirty[0].SizeRemaining = 0
	dirty[0].Status = ledger.StatusClosed
	if pos.SizeRemaining != 100_000_000 || pos.Status != ledger.StatusOpen {
		t.Error("mutating a dirty clone must not affect ledger state")
	}
}

// ============================================================================
// Test: Engine settlement
// ============================================================================

func TestEngine_Settle_LongFullClose(t *testing.T) {
	l := ledger.NewLedger()
	e := ledger.NewEngine()

	l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))

	ev := closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypeClose, 15_000_000, 100_000_000, 2_000_000)
	record, rej := e.Settle(l, ev)
	if rej != nil {
		t.Fatalf("settle: %v", rej)
	}

	// (15-10)*100 - fee 2 = 498
	if record.RealizedPnL != 498_000_000 {
		t.Errorf("realized pnl: got %d, want 498_000_000", record.RealizedPnL)
	}
	if record.FeeCharged != 2_000_000 {
		t.Errorf("fee: got %d, want 2_000_000", record.FeeCharged)
	}
	if record.ClosedSize != 100_000_000 {
		t.Errorf("closed size: got %d", record.ClosedSize)
	}
	if record.CloseKey != ev.Key {
		t.Errorf("close key: got %s", record.CloseKey)
	}
	if !record.CloseTime.Equal(ev.Timestamp) {
		t.Errorf("close time: got %s", record.CloseTime)
	}
}

func TestEngine_Settle_ShortProfit(t *testing.T) {
	l := ledger.NewLedger()
	e := ledger.NewEngine()

	l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideShort, 10_000_000, 50_000_000))

	record, rej := e.Settle(l, closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypeClose, 8_000_000, 50_000_000, 1_000_000))
	if rej != nil {
		t.Fatalf("settle: %v", rej)
	}

	// -1*(8-10)*50 - 1 = 99
	if record.RealizedPnL != 99_000_000 {
		t.Errorf("realized pnl: got %d, want 99_000_000", record.RealizedPnL)
	}
}

func TestEngine_Settle_PartialCloseSequence(t *testing.T) {
	l := ledger.NewLedger()
	e := ledger.NewEngine()

	l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))

	r1, rej := e.Settle(l, closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypePartialClose, 12_000_000, 40_000_000, 0))
	if rej != nil {
		t.Fatalf("first partial: %v", rej)
	}
	// (12-10)*40 = 80
	if r1.RealizedPnL != 80_000_000 {
		t.Errorf("first realized: got %d, want 80_000_000", r1.RealizedPnL)
	}

	r2, rej := e.Settle(l, closeEvent("venue-a", 3, "alice", "BTC-PERP", event.EventTypeClose, 8_000_000, 60_000_000, 0))
	if rej != nil {
		t.Fatalf("final close: %v", rej)
	}
	// (8-10)*60 = -120
	if r2.RealizedPnL != -120_000_000 {
		t.Errorf("second realized: got %d, want -120_000_000", r2.RealizedPnL)
	}

	pos, _ := l.Lookup(r2.PositionKey)
	if pos.Status != ledger.StatusClosed || pos.SizeRemaining != 0 {
		t.Errorf("final state: %s remaining %d", pos.Status, pos.SizeRemaining)
	}

	// Conservation: closed sizes sum to the initial size.
	if r1.ClosedSize+r2.ClosedSize != pos.InitialSize {
		t.Errorf("conservation violated: %d + %d != %d", r1.ClosedSize, r2.ClosedSize, pos.InitialSize)
	}
}

func TestEngine_Settle_CloseWithoutOpen(t *testing.T) {
	l := ledger.NewLedger()
	e := ledger.NewEngine()

	record, rej := e.Settle(l, closeEvent("venue-a", 1, "alice", "BTC-PERP", event.EventTypeClose, 12_000_000, 10_000_000, 0))
	if rej == nil || rej.Reason != event.ReasonCloseWithoutOpen {
		t.Errorf("expected CloseWithoutOpen, got %v", rej)
	}
	if record != nil {
		t.Error("no record should be emitted on rejection")
	}
}

func TestEngine_Settle_RejectsOpenEvent(t *testing.T) {
	l := ledger.NewLedger()
	e := ledger.NewEngine()

	_, rej := e.Settle(l, openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))
	if rej == nil || rej.Reason != event.ReasonInvalidValue {
		t.Errorf("expected InvalidValue, got %v", rej)
	}
}

func TestEngine_Settle_OverCloseEmitsNoRecord(t *testing.T) {
	l := ledger.NewLedger()
	e := ledger.NewEngine()

	l.Open(openEvent("venue-a", 1, "alice", "BTC-PERP", event.SideLong, 10_000_000, 100_000_000))

	record, rej := e.Settle(l, closeEvent("venue-a", 2, "alice", "BTC-PERP", event.EventTypeClose, 12_000_000, 150_000_000, 0))
	if rej == nil || rej.Reason != event.ReasonOverClose {
		t.Errorf("expected OverClose, got %v", rej)
	}
	if record != nil {
		t.Error("no record on over-close")
	}

	pos, _ := l.Live("alice", "BTC-PERP")
	if pos.SizeRemaining != 100_000_000 {
		t.Errorf("position mutated by rejected close: %d", pos.SizeRemaining)
	}
}
