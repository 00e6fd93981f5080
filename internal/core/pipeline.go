package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"derivledger/internal/event"
	"derivledger/internal/ingestion"
	"derivledger/internal/ledger"
	"derivledger/internal/observability"
)

// RunState is the pipeline's per-run state machine. Failed is reachable only
// from an unrecoverable I/O error on the checkpoint store, never from a
// malformed individual event.
type RunState int32

const (
	RunStateInit RunState = iota
	RunStateLoadingWatermark
	RunStateProcessing
	RunStateCommitting
	RunStateDone
	RunStateFailed
)

func (s RunState) String() string {
	switch s {
	case RunStateInit:
		return "Init"
	case RunStateLoadingWatermark:
		return "LoadingWatermark"
	case RunStateProcessing:
		return "Processing"
	case RunStateCommitting:
		return "Committing"
	case RunStateDone:
		return "Done"
	case RunStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Checkpoint is the persisted state a run starts from.
type Checkpoint struct {
	// Watermarks: highest applied sequence per source.
	Watermarks map[string]int64

	// SeenKeys warms the deduplicator's hot tier (recent keys only; the
	// exact set stays behind SeenChecker).
	SeenKeys []string

	// Positions restores live ledger state so incremental runs can apply
	// closes against positions opened in earlier runs.
	Positions []*ledger.Position
}

// RunDelta is everything a run persists, committed atomically: an event is
// never marked seen unless its ledger effect commits with it, and vice versa.
type RunDelta struct {
	RunID      uuid.UUID
	Positions  []*ledger.Position
	PnLRecords []*ledger.RealizedPnLRecord
	LogEntries []LogEntry
	Watermarks map[string]int64
	SeenKeys   []string
}

// Store is the checkpoint/output store contract. Load and commit failures
// are the only fatal conditions in the pipeline.
type Store interface {
	SeenChecker
	LoadCheckpoint(ctx context.Context) (*Checkpoint, error)
	CommitRun(ctx context.Context, delta *RunDelta) error
}

// RunReport summarizes one pipeline invocation.
type RunReport struct {
	RunID uuid.UUID
	State RunState

	EventsIn         int
	Normalized       int
	Applied          int
	SkippedWatermark int
	SkippedPrior     int

	PositionsOpened int
	PositionsClosed int

	PnLRecords []*ledger.RealizedPnLRecord
	Log        []LogEntry
}

// Pipeline is the single-threaded, single-pass event processor. Raw events
// are normalized and sorted before any ledger mutation; the commit phase is
// the only point where persisted state changes. Interrupting a run before
// COMMITTING leaves the checkpoint untouched.
type Pipeline struct {
	normalizer *ingestion.Normalizer
	watermarks *WatermarkTracker
	dedup      *Deduplicator
	book       *ledger.Ledger
	engine     *ledger.Engine
	vlog       *ValidationLog

	store   Store // nil: in-memory run, nothing persisted
	metrics *observability.Metrics
	log     zerolog.Logger

	state RunState
}

// Options configures a pipeline run.
type Options struct {
	// FullRescan disables the watermark bound; exact dedup still applies.
	FullRescan bool

	Store   Store
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		normalizer: ingestion.NewNormalizer(),
		watermarks: NewWatermarkTracker(opts.FullRescan),
		dedup:      NewDeduplicator(opts.Store),
		book:       ledger.NewLedger(),
		engine:     ledger.NewEngine(),
		vlog:       NewValidationLog(),
		store:      opts.Store,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		state:      RunStateInit,
	}
}

// Ledger exposes the position book, for tests and the in-memory query path.
func (p *Pipeline) Ledger() *ledger.Ledger {
	return p.book
}

// State returns the current run state.
func (p *Pipeline) State() RunState {
	return p.state
}

// Run executes one pass over a finite raw-event batch. Per-event defects are
// logged and skipped; only checkpoint-store I/O aborts the run.
func (p *Pipeline) Run(ctx context.Context, raws []ingestion.RawEvent) (*RunReport, error) {
	started := time.Now()
	report := &RunReport{
		RunID:    uuid.New(),
		EventsIn: len(raws),
	}

	// --- LOADING_WATERMARK ---
	p.setState(RunStateLoadingWatermark)
	if p.store != nil {
		checkpoint, err := p.store.LoadCheckpoint(ctx)
		if err != nil {
			return p.fail(report, fmt.Errorf("load checkpoint: %w", err))
		}
		for source, seq := range checkpoint.Watermarks {
			p.watermarks.Restore(source, seq)
		}
		p.dedup.Warm(checkpoint.SeenKeys)
		for _, pos := range checkpoint.Positions {
			p.book.Restore(pos)
		}
	}

	// Normalization completes before the mutation phase begins, so the
	// ledger never blocks on reads mid-mutation.
	canonical := p.normalizeAll(raws)
	report.Normalized = len(canonical)

	// Processing order is part of the contract: partial-close PnL is
	// path-dependent, so events apply in (timestamp, sourceKey) order.
	sort.Slice(canonical, func(i, j int) bool {
		a, b := canonical[i], canonical[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Key.Source != b.Key.Source {
			return a.Key.Source < b.Key.Source
		}
		return a.Key.Sequence < b.Key.Sequence
	})

	// --- PROCESSING ---
	p.setState(RunStateProcessing)
	for _, ev := range canonical {
		if err := ctx.Err(); err != nil {
			return p.fail(report, err)
		}
		if err := p.processOne(ctx, ev, report); err != nil {
			return p.fail(report, err)
		}
	}

	// --- COMMITTING ---
	p.setState(RunStateCommitting)
	delta := &RunDelta{
		RunID:      report.RunID,
		Positions:  p.book.DirtyPositions(),
		PnLRecords: report.PnLRecords,
		LogEntries: p.vlog.Entries(),
		Watermarks: p.watermarks.Advanced(),
		SeenKeys:   p.dedup.Delta(),
	}
	if p.store != nil {
		if err := p.store.CommitRun(ctx, delta); err != nil {
			return p.fail(report, fmt.Errorf("commit run: %w", err))
		}
	}

	p.setState(RunStateDone)
	report.State = p.state
	report.Log = p.vlog.Entries()

	if p.metrics != nil {
		p.metrics.RunDuration.Observe(time.Since(started).Seconds())
		for source, seq := range delta.Watermarks {
			p.metrics.Watermark.WithLabelValues(source).Set(float64(seq))
		}
	}

	p.log.Info().
		Str("run_id", report.RunID.String()).
		Int("events_in", report.EventsIn).
		Int("applied", report.Applied).
		Int("skipped_watermark", report.SkippedWatermark).
		Int("skipped_prior", report.SkippedPrior).
		Int("validation_entries", p.vlog.Len()).
		Dur("elapsed", time.Since(started)).
		Msg("run complete")

	return report, nil
}

// normalizeAll validates every raw record, collecting rejects into the
// validation log. Rejections here are schema defects of single records.
func (p *Pipeline) normalizeAll(raws []ingestion.RawEvent) []*event.CanonicalEvent {
	canonical := make([]*event.CanonicalEvent, 0, len(raws))

	for i := range raws {
		raw := &raws[i]
		ev, rej := p.normalizer.Normalize(raw)
		if rej != nil {
			p.vlog.AppendRaw(rawIdentity(raw), rej.Reason, rej.Detail)
			p.countRejection(rej.Reason)
			p.log.Debug().
				Str("reason", rej.Reason.String()).
				Str("detail", rej.Detail).
				Msg("event rejected at normalization")
			continue
		}
		canonical = append(canonical, ev)
	}

	return canonical
}

func (p *Pipeline) processOne(ctx context.Context, ev *event.CanonicalEvent, report *RunReport) error {
	if !p.watermarks.ShouldConsider(ev.Key) {
		report.SkippedWatermark++
		return nil
	}

	verdict, err := p.dedup.Check(ctx, ev.Key)
	if err != nil {
		return fmt.Errorf("seen-set lookup for %s: %w", ev.Key, err)
	}
	switch verdict {
	case VerdictSeenPrior:
		report.SkippedPrior++
		if p.metrics != nil {
			p.metrics.Duplicates.WithLabelValues("prior").Inc()
		}
		return nil
	case VerdictDuplicateInBatch:
		p.reject(ev, event.Rejectf(event.ReasonDuplicateEvent,
			"event %s delivered twice in batch", ev.Key))
		if p.metrics != nil {
			p.metrics.Duplicates.WithLabelValues("batch").Inc()
		}
		return nil
	}

	// Exhaustive dispatch on the closed event-kind set.
	switch ev.Type {
	case event.EventTypeOpen:
		_, rej := p.book.Open(ev)
		if rej != nil {
			p.reject(ev, rej)
			p.dedup.MarkHandled(ev.Key)
			return nil
		}
		report.PositionsOpened++

	case event.EventTypePartialClose, event.EventTypeClose:
		record, rej := p.engine.Settle(p.book, ev)
		if rej != nil {
			p.reject(ev, rej)
			p.dedup.MarkHandled(ev.Key)
			return nil
		}
		report.PnLRecords = append(report.PnLRecords, record)
		if pos, ok := p.book.Lookup(record.PositionKey); ok && pos.Status == ledger.StatusClosed {
			report.PositionsClosed++
		}
		if p.metrics != nil {
			p.metrics.PnLRecords.Inc()
		}

	default:
		// The normalizer only emits the three known kinds.
		p.reject(ev, event.Rejectf(event.ReasonInvalidValue,
			"unhandled event type %d", ev.Type))
		p.dedup.MarkHandled(ev.Key)
		return nil
	}

	p.dedup.MarkHandled(ev.Key)
	p.watermarks.Advance(ev.Key.Source, ev.Key.Sequence)
	report.Applied++
	if p.metrics != nil {
		p.metrics.EventsApplied.WithLabelValues(ev.Type.String()).Inc()
	}

	return nil
}

func (p *Pipeline) reject(ev *event.CanonicalEvent, rej *event.Reject) {
	p.vlog.Append(ev.Key, rej.Reason, ev.Timestamp, rej.Detail)
	p.countRejection(rej.Reason)

	// CloseWithoutOpen and OverClose depend on ledger state at the time of
	// the run, and the rejected key is skipped permanently on re-runs. Log
	// those at info so stranded closes are visible without debug logging.
	lvl := zerolog.DebugLevel
	if rej.Reason == event.ReasonCloseWithoutOpen || rej.Reason == event.ReasonOverClose {
		lvl = zerolog.InfoLevel
	}
	p.log.WithLevel(lvl).
		Str("source_key", ev.Key.String()).
		Str("reason", rej.Reason.String()).
		Str("detail", rej.Detail).
		Msg("event rejected")
}

func (p *Pipeline) countRejection(reason event.Reason) {
	if p.metrics != nil {
		p.metrics.EventsRejected.WithLabelValues(reason.String()).Inc()
	}
}

func (p *Pipeline) setState(next RunState) {
	p.log.Debug().
		Str("from", p.state.String()).
		Str("to", next.String()).
		Msg("run state transition")
	p.state = next
	if p.metrics != nil {
		p.metrics.RunState.Set(float64(next))
	}
}

func (p *Pipeline) fail(report *RunReport, err error) (*RunReport, error) {
	p.setState(RunStateFailed)
	report.State = RunStateFailed
	report.Log = p.vlog.Entries()
	p.log.Error().Err(err).Str("run_id", report.RunID.String()).Msg("run failed")
	return report, err
}

// rawIdentity derives a stable identity for records that failed before
// their source key could be trusted.
func rawIdentity(raw *ingestion.RawEvent) string {
	if raw.Source != "" && raw.SequenceNumber != nil {
		return event.SourceKey{Source: raw.Source, Sequence: *raw.SequenceNumber}.String()
	}
	// Canonical JSON of the struct: field order is fixed by the type.
	b, err := json.Marshal(raw)
	if err != nil {
		return "unidentified"
	}
	return string(b)
}
