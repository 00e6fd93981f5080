package core

import (
	"context"

	"derivledger/internal/event"
)

// SeenChecker is the cold-tier lookup against the persisted seen-set.
// A lookup failure is a store I/O error and fatal to the run — guessing
// "not seen" would risk double-application.
type SeenChecker interface {
	IsSeen(ctx context.Context, key string) (bool, error)
}

// Verdict is the deduplication outcome for one event.
type Verdict int32

const (
	// VerdictFresh: never seen, process it.
	VerdictFresh Verdict = iota
	// VerdictSeenPrior: fully handled by a previously committed run.
	// Skipped silently so replays leave the validation log unchanged.
	VerdictSeenPrior
	// VerdictDuplicateInBatch: a second delivery within the current batch;
	// logged as DuplicateEvent.
	VerdictDuplicateInBatch
)

func (v Verdict) String() string {
	switch v {
	case VerdictFresh:
		return "Fresh"
	case VerdictSeenPrior:
		return "SeenPrior"
	case VerdictDuplicateInBatch:
		return "DuplicateInBatch"
	default:
		return "Unknown"
	}
}

// Deduplicator performs exact-match rejection on source keys, two-tier:
// a warm in-memory set seeded from the checkpoint (hot path) and the
// persisted seen-set behind SeenChecker (cold path). Keys handled during
// the current run are staged in a delta that commits atomically with the
// ledger mutation they triggered.
// Not thread-safe — only accessed from the single-threaded pipeline.
type Deduplicator struct {
	warm    map[string]struct{}
	inRun   map[string]struct{}
	checker SeenChecker

	delta []string
}

func NewDeduplicator(checker SeenChecker) *Deduplicator {
	return &Deduplicator{
		warm:    make(map[string]struct{}),
		inRun:   make(map[string]struct{}),
		checker: checker,
	}
}

// Warm seeds the hot tier with keys loaded from the checkpoint, avoiding
// cold-path store lookups for recently handled events.
func (d *Deduplicator) Warm(keys []string) {
	for _, k := range keys {
		d.warm[k] = struct{}{}
	}
}

// Check classifies an event key. Cold-tier hits are promoted to the warm
// tier so the store is asked once per key per run.
func (d *Deduplicator) Check(ctx context.Context, key event.SourceKey) (Verdict, error) {
	k := key.String()

	if _, dup := d.inRun[k]; dup {
		return VerdictDuplicateInBatch, nil
	}
	if _, seen := d.warm[k]; seen {
		return VerdictSeenPrior, nil
	}

	if d.checker != nil {
		seen, err := d.checker.IsSeen(ctx, k)
		if err != nil {
			return VerdictFresh, err
		}
		if seen {
			d.warm[k] = struct{}{}
			return VerdictSeenPrior, nil
		}
	}

	return VerdictFresh, nil
}

// MarkHandled stages a key into the seen-set delta. Called for applied
// events AND terminally rejected ones: rejection is deterministic, so a
// replay may skip the event without re-deriving the rejection.
func (d *Deduplicator) MarkHandled(key event.SourceKey) {
	k := key.String()
	if _, dup := d.inRun[k]; dup {
		return
	}
	d.inRun[k] = struct{}{}
	d.delta = append(d.delta, k)
}

// Delta returns the keys handled during the current run, in handling order.
func (d *Deduplicator) Delta() []string {
	return d.delta
}
