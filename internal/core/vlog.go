package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"derivledger/internal/event"
)

// LogEntry is one skipped-event record. Entries are append-only and carry a
// deterministic ID so persisting the same defect twice is a no-op — replays
// reproduce the log bit-for-bit instead of growing it.
type LogEntry struct {
	EntryID   string
	Key       *event.SourceKey // nil when the raw record had no usable identity
	Reason    event.Reason
	EventTime time.Time // the offending event's own timestamp, never wall clock
	Detail    string
}

// ValidationLog accumulates skipped events during a run. Entries are never
// mutated or deleted.
// Not thread-safe — only accessed from the single-threaded pipeline.
type ValidationLog struct {
	entries []LogEntry
	counts  map[event.Reason]int
}

func NewValidationLog() *ValidationLog {
	return &ValidationLog{
		counts: make(map[event.Reason]int),
	}
}

// Append records a skipped event with a source key.
func (l *ValidationLog) Append(key event.SourceKey, reason event.Reason, eventTime time.Time, detail string) {
	k := key
	l.append(LogEntry{
		EntryID:   entryID(key.String(), reason, detail),
		Key:       &k,
		Reason:    reason,
		EventTime: eventTime,
		Detail:    detail,
	})
}

// AppendRaw records a skipped event that failed before a source key could be
// trusted; the raw payload stands in as identity.
func (l *ValidationLog) AppendRaw(rawIdentity string, reason event.Reason, detail string) {
	l.append(LogEntry{
		EntryID: entryID(rawIdentity, reason, detail),
		Reason:  reason,
		Detail:  detail,
	})
}

func (l *ValidationLog) append(e LogEntry) {
	l.entries = append(l.entries, e)
	l.counts[e.Reason]++
}

// Entries returns the log in append order.
func (l *ValidationLog) Entries() []LogEntry {
	return l.entries
}

// Count returns how many entries carry the given reason.
func (l *ValidationLog) Count(reason event.Reason) int {
	return l.counts[reason]
}

// Len returns the total number of entries.
func (l *ValidationLog) Len() int {
	return len(l.entries)
}

// entryID derives the deterministic log-row identity:
// SHA-256(identity | reason | detail).
func entryID(identity string, reason event.Reason, detail string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", identity, reason, detail)))
	return hex.EncodeToString(h[:])
}
