package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Service provides read-only access to the canonical output tables.
// All responses include as_of_run: the id of the most recently committed
// run, so callers can reason about freshness across endpoints.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Positions returns canonical positions, optionally filtered by trader
// and/or market. Closed positions are included unless liveOnly is set.
func (s *Service) Positions(
	ctx context.Context,
	trader, market string,
	liveOnly bool,
	limit int,
) ([]PositionView, error) {
	asOf, err := s.latestRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}

	q := `
		SELECT position_id, trader, market, open_source, open_sequence,
		       side, open_time, entry_price, initial_size, size_remaining,
		       collateral, open_fee, status, version
		FROM ledger.positions
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if trader != "" {
		q += fmt.Sprintf(" AND trader = $%d", argIdx)
		args = append(args, trader)
		argIdx++
	}
	if market != "" {
		q += fmt.Sprintf(" AND market = $%d", argIdx)
		args = append(args, market)
		argIdx++
	}
	if liveOnly {
		q += " AND size_remaining > 0"
	}

	q += " ORDER BY trader, market, open_source, open_sequence"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionView
	for rows.Next() {
		var p PositionView
		p.AsOfRun = asOf
		if err := rows.Scan(
			&p.PositionID, &p.Trader, &p.Market, &p.OpenSource, &p.OpenSequence,
			&p.Side, &p.OpenTime, &p.EntryPrice, &p.InitialSize, &p.SizeRemaining,
			&p.Collateral, &p.OpenFee, &p.Status, &p.Version,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	return out, rows.Err()
}

// PnLRecords returns realized-PnL records, optionally filtered by trader
// (via position id prefix) and paginated by close time descending.
func (s *Service) PnLRecords(
	ctx context.Context,
	positionID string,
	limit int,
) ([]PnLRecordView, error) {
	asOf, err := s.latestRun(ctx)
	if err != nil {
		return nil, err
	}

	q := `
		SELECT close_source, close_sequence, position_id, close_time,
		       closed_size, realized_pnl, fee_charged
		FROM ledger.pnl_records
	`
	args := []interface{}{}
	argIdx := 1

	if positionID != "" {
		q += fmt.Sprintf(" WHERE position_id = $%d", argIdx)
		args = append(args, positionID)
		argIdx++
	}

	q += " ORDER BY close_time DESC, close_source, close_sequence"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PnLRecordView
	for rows.Next() {
		var r PnLRecordView
		r.AsOfRun = asOf
		if err := rows.Scan(
			&r.CloseSource, &r.CloseSequence, &r.PositionID, &r.CloseTime,
			&r.ClosedSize, &r.RealizedPnL, &r.FeeCharged,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// ValidationLog returns validation-log entries, optionally filtered by
// rejection reason.
func (s *Service) ValidationLog(
	ctx context.Context,
	reason string,
	limit int,
) ([]ValidationEntryView, error) {
	asOf, err := s.latestRun(ctx)
	if err != nil {
		return nil, err
	}

	q := `
		SELECT entry_id, source, sequence, reason, event_time, detail
		FROM ledger.validation_log
	`
	args := []interface{}{}
	argIdx := 1

	if reason != "" {
		q += fmt.Sprintf(" WHERE reason = $%d", argIdx)
		args = append(args, reason)
		argIdx++
	}

	q += " ORDER BY event_time NULLS LAST, entry_id"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ValidationEntryView
	for rows.Next() {
		var e ValidationEntryView
		e.AsOfRun = asOf
		if err := rows.Scan(
			&e.EntryID, &e.Source, &e.Sequence, &e.Reason, &e.EventTime, &e.Detail,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	return out, rows.Err()
}

// LatestRun returns bookkeeping for the most recently committed run.
func (s *Service) LatestRun(ctx context.Context) (*RunSummary, error) {
	var r RunSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, committed_at, positions_touched, pnl_records, log_entries
		FROM checkpoint.runs
		ORDER BY committed_at DESC
		LIMIT 1
	`).Scan(&r.RunID, &r.CommittedAt, &r.PositionsTouched, &r.PnLRecords, &r.LogEntries)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Service) latestRun(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM checkpoint.runs ORDER BY committed_at DESC LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}
	return id, err
}
