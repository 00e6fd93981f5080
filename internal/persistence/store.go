package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"derivledger/internal/core"
	"derivledger/internal/event"
	"derivledger/internal/ledger"
	"derivledger/internal/observability"
)

// Store is the Postgres checkpoint and output store. All writes for a run
// happen in one transaction so the seen-set, watermark, validation log and
// ledger delta commit together or not at all. Inserts use
// ON CONFLICT DO NOTHING / GREATEST-upserts so a replayed commit is a no-op.
type Store struct {
	db        *sql.DB
	warmLimit int
	metrics   *observability.Metrics
}

func NewStore(db *sql.DB, warmLimit int, metrics *observability.Metrics) *Store {
	return &Store{db: db, warmLimit: warmLimit, metrics: metrics}
}

// sourceKeyRow is the JSON form of an event.SourceKey inside close_keys.
type sourceKeyRow struct {
	Source   string `json:"source"`
	Sequence int64  `json:"sequence"`
}

// LoadCheckpoint reads watermarks, a warm slice of recent seen keys, and all
// live positions so incremental runs can apply closes opened in prior runs.
func (s *Store) LoadCheckpoint(ctx context.Context) (*core.Checkpoint, error) {
	checkpoint := &core.Checkpoint{
		Watermarks: make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source, sequence FROM checkpoint.watermarks`)
	if err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var seq int64
		if err := rows.Scan(&source, &seq); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		checkpoint.Watermarks[source] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}

	seenRows, err := s.db.QueryContext(ctx,
		`SELECT key FROM checkpoint.seen_events ORDER BY added_seq DESC LIMIT $1`,
		s.warmLimit)
	if err != nil {
		return nil, fmt.Errorf("load seen keys: %w", err)
	}
	defer seenRows.Close()
	for seenRows.Next() {
		var key string
		if err := seenRows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan seen key: %w", err)
		}
		checkpoint.SeenKeys = append(checkpoint.SeenKeys, key)
	}
	if err := seenRows.Err(); err != nil {
		return nil, fmt.Errorf("load seen keys: %w", err)
	}

	positions, err := s.loadLivePositions(ctx)
	if err != nil {
		return nil, err
	}
	checkpoint.Positions = positions

	return checkpoint, nil
}

func (s *Store) loadLivePositions(ctx context.Context) ([]*ledger.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trader, market, open_source, open_sequence, side, open_time,
		       entry_price, initial_size, size_remaining, collateral, open_fee,
		       status, close_keys, version
		FROM ledger.positions
		WHERE status <> $1`,
		int32(ledger.StatusClosed))
	if err != nil {
		return nil, fmt.Errorf("load live positions: %w", err)
	}
	defer rows.Close()

	var positions []*ledger.Position
	for rows.Next() {
		var (
			pos       ledger.Position
			side      int32
			status    int32
			closeKeys []byte
		)
		if err := rows.Scan(
			&pos.Key.Trader, &pos.Key.Market,
			&pos.Key.OpenKey.Source, &pos.Key.OpenKey.Sequence,
			&side, &pos.OpenTime,
			&pos.EntryPrice, &pos.InitialSize, &pos.SizeRemaining,
			&pos.Collateral, &pos.OpenFee,
			&status, &closeKeys, &pos.Version,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		pos.TradeSide = event.Side(side)
		pos.Status = ledger.Status(status)

		var keyRows []sourceKeyRow
		if err := json.Unmarshal(closeKeys, &keyRows); err != nil {
			return nil, fmt.Errorf("decode close_keys for %s: %w", pos.Key, err)
		}
		for _, kr := range keyRows {
			pos.CloseKeys = append(pos.CloseKeys,
				event.SourceKey{Source: kr.Source, Sequence: kr.Sequence})
		}

		p := pos
		positions = append(positions, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load live positions: %w", err)
	}

	return positions, nil
}

// IsSeen is the cold-tier exact dedup lookup.
func (s *Store) IsSeen(ctx context.Context, key string) (bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(lookupCtx,
		`SELECT 1 FROM checkpoint.seen_events WHERE key = $1 LIMIT 1`,
		key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen lookup %s: %w", key, err)
	}
	return true, nil
}

// CommitRun persists the whole run delta in one transaction.
func (s *Store) CommitRun(ctx context.Context, delta *core.RunDelta) error {
	started := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.commitErr(fmt.Errorf("begin commit tx: %w", err))
	}
	defer tx.Rollback()

	if err := s.writePositions(ctx, tx, delta); err != nil {
		return s.commitErr(err)
	}
	if err := s.writePnLRecords(ctx, tx, delta); err != nil {
		return s.commitErr(err)
	}
	if err := s.writeValidationLog(ctx, tx, delta); err != nil {
		return s.commitErr(err)
	}
	if err := s.writeWatermarks(ctx, tx, delta); err != nil {
		return s.commitErr(err)
	}
	if err := s.writeSeenKeys(ctx, tx, delta); err != nil {
		return s.commitErr(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoint.runs (run_id, positions_touched, pnl_records, log_entries)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO NOTHING`,
		delta.RunID, len(delta.Positions), len(delta.PnLRecords), len(delta.LogEntries))
	if err != nil {
		return s.commitErr(fmt.Errorf("write run row: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return s.commitErr(fmt.Errorf("commit run %s: %w", delta.RunID, err))
	}

	if s.metrics != nil {
		s.metrics.CommitDuration.Observe(time.Since(started).Seconds())
	}
	return nil
}

func (s *Store) commitErr(err error) error {
	if s.metrics != nil {
		s.metrics.CommitErrors.Inc()
	}
	return err
}

func (s *Store) writePositions(ctx context.Context, tx *sql.Tx, delta *core.RunDelta) error {
	for _, pos := range delta.Positions {
		keyRows := make([]sourceKeyRow, 0, len(pos.CloseKeys))
		for _, k := range pos.CloseKeys {
			keyRows = append(keyRows, sourceKeyRow{Source: k.Source, Sequence: k.Sequence})
		}
		closeKeys, err := json.Marshal(keyRows)
		if err != nil {
			return fmt.Errorf("encode close_keys for %s: %w", pos.Key, err)
		}

		// Version-guarded upsert: replaying an already-committed run
		// carries the same version and leaves the row untouched.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger.positions
				(position_id, trader, market, open_source, open_sequence, side,
				 open_time, entry_price, initial_size, size_remaining, collateral,
				 open_fee, status, close_keys, version, updated_run)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (position_id) DO UPDATE SET
				size_remaining = EXCLUDED.size_remaining,
				status         = EXCLUDED.status,
				close_keys     = EXCLUDED.close_keys,
				version        = EXCLUDED.version,
				updated_run    = EXCLUDED.updated_run
			WHERE EXCLUDED.version > ledger.positions.version`,
			pos.Key.String(), pos.Key.Trader, pos.Key.Market,
			pos.Key.OpenKey.Source, pos.Key.OpenKey.Sequence, int32(pos.TradeSide),
			pos.OpenTime, pos.EntryPrice, pos.InitialSize, pos.SizeRemaining,
			pos.Collateral, pos.OpenFee, int32(pos.Status), closeKeys,
			pos.Version, delta.RunID)
		if err != nil {
			return fmt.Errorf("upsert position %s: %w", pos.Key, err)
		}
	}
	return nil
}

func (s *Store) writePnLRecords(ctx context.Context, tx *sql.Tx, delta *core.RunDelta) error {
	if len(delta.PnLRecords) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.pnl_records
		(close_source, close_sequence, position_id, close_time, closed_size,
		 realized_pnl, fee_charged, run_id)
		VALUES `

	values := make([]string, 0, len(delta.PnLRecords))
	args := make([]interface{}, 0, len(delta.PnLRecords)*8)
	for i, rec := range delta.PnLRecords {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args,
			rec.CloseKey.Source, rec.CloseKey.Sequence, rec.PositionKey.String(),
			rec.CloseTime, rec.ClosedSize, rec.RealizedPnL, rec.FeeCharged,
			delta.RunID)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (close_source, close_sequence) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert pnl records: %w", err)
	}
	return nil
}

func (s *Store) writeValidationLog(ctx context.Context, tx *sql.Tx, delta *core.RunDelta) error {
	if len(delta.LogEntries) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.validation_log
		(entry_id, source, sequence, reason, event_time, detail, run_id)
		VALUES `

	values := make([]string, 0, len(delta.LogEntries))
	args := make([]interface{}, 0, len(delta.LogEntries)*7)
	for i, entry := range delta.LogEntries {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))

		var source interface{}
		var sequence interface{}
		if entry.Key != nil {
			source = entry.Key.Source
			sequence = entry.Key.Sequence
		}
		var eventTime interface{}
		if !entry.EventTime.IsZero() {
			eventTime = entry.EventTime
		}
		args = append(args,
			entry.EntryID, source, sequence, entry.Reason.String(),
			eventTime, entry.Detail, delta.RunID)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert validation log: %w", err)
	}
	return nil
}

func (s *Store) writeWatermarks(ctx context.Context, tx *sql.Tx, delta *core.RunDelta) error {
	for source, seq := range delta.Watermarks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoint.watermarks (source, sequence, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (source) DO UPDATE SET
				sequence   = GREATEST(checkpoint.watermarks.sequence, EXCLUDED.sequence),
				updated_at = now()`,
			source, seq)
		if err != nil {
			return fmt.Errorf("upsert watermark %s: %w", source, err)
		}
	}
	return nil
}

func (s *Store) writeSeenKeys(ctx context.Context, tx *sql.Tx, delta *core.RunDelta) error {
	if len(delta.SeenKeys) == 0 {
		return nil
	}

	query := `INSERT INTO checkpoint.seen_events (key, run_id) VALUES `
	values := make([]string, 0, len(delta.SeenKeys))
	args := make([]interface{}, 0, len(delta.SeenKeys)*2)
	for i, key := range delta.SeenKeys {
		base := i * 2
		values = append(values, fmt.Sprintf("($%d, $%d)", base+1, base+2))
		args = append(args, key, delta.RunID)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (key) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert seen keys: %w", err)
	}
	return nil
}
