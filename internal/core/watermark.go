package core

import "derivledger/internal/event"

// WatermarkTracker records, per source partition, the highest sequence
// number already incorporated into the ledger. It bounds incremental
// re-scans; it is never the correctness mechanism against double-application
// (that is the deduplicator's exact seen-set) because sources may redeliver
// events below the watermark.
// Not thread-safe — only accessed from the single-threaded pipeline.
type WatermarkTracker struct {
	marks      map[string]int64
	advanced   map[string]bool
	fullRescan bool
}

func NewWatermarkTracker(fullRescan bool) *WatermarkTracker {
	return &WatermarkTracker{
		marks:      make(map[string]int64),
		advanced:   make(map[string]bool),
		fullRescan: fullRescan,
	}
}

// Restore seeds a watermark from the checkpoint without marking it advanced.
func (w *WatermarkTracker) Restore(source string, sequence int64) {
	if sequence > w.marks[source] {
		w.marks[source] = sequence
	}
}

// Load returns the watermark for a source, 0 if unseen.
func (w *WatermarkTracker) Load(source string) int64 {
	return w.marks[source]
}

// Advance raises the watermark. Monotonic: regressions are silently ignored.
func (w *WatermarkTracker) Advance(source string, sequence int64) {
	if sequence <= w.marks[source] {
		return
	}
	w.marks[source] = sequence
	w.advanced[source] = true
}

// ShouldConsider reports whether an event is above the watermark bound, or
// unconditionally true on a full re-scan.
func (w *WatermarkTracker) ShouldConsider(key event.SourceKey) bool {
	if w.fullRescan {
		return true
	}
	return key.Sequence > w.marks[key.Source]
}

// Advanced returns the sources whose watermark moved this run, with their
// new values — the delta the commit phase persists.
func (w *WatermarkTracker) Advanced() map[string]int64 {
	out := make(map[string]int64, len(w.advanced))
	for source := range w.advanced {
		out[source] = w.marks[source]
	}
	return out
}
