package query

import (
	"time"

	"github.com/google/uuid"
)

// PositionView represents a canonical position for API queries.
// Monetary fields are fixed-point int64 at scale 1e6.
type PositionView struct {
	PositionID    string    `json:"position_id"`
	Trader        string    `json:"trader"`
	Market        string    `json:"market"`
	OpenSource    string    `json:"open_source"`
	OpenSequence  int64     `json:"open_sequence"`
	Side          int32     `json:"side"`
	OpenTime      time.Time `json:"open_time"`
	EntryPrice    int64     `json:"entry_price"`
	InitialSize   int64     `json:"initial_size"`
	SizeRemaining int64     `json:"size_remaining"`
	Collateral    int64     `json:"collateral"`
	OpenFee       int64     `json:"open_fee"`
	Status        int32     `json:"status"`
	Version       int64     `json:"version"`
	AsOfRun       uuid.UUID `json:"as_of_run"`
}

// PnLRecordView represents a realized-PnL record for API queries.
type PnLRecordView struct {
	CloseSource   string    `json:"close_source"`
	CloseSequence int64     `json:"close_sequence"`
	PositionID    string    `json:"position_id"`
	CloseTime     time.Time `json:"close_time"`
	ClosedSize    int64     `json:"closed_size"`
	RealizedPnL   int64     `json:"realized_pnl"`
	FeeCharged    int64     `json:"fee_charged"`
	AsOfRun       uuid.UUID `json:"as_of_run"`
}

// ValidationEntryView represents a validation-log entry for API queries.
// Source and Sequence are null for events rejected before their identity
// could be established.
type ValidationEntryView struct {
	EntryID   string     `json:"entry_id"`
	Source    *string    `json:"source"`
	Sequence  *int64     `json:"sequence"`
	Reason    string     `json:"reason"`
	EventTime *time.Time `json:"event_time"`
	Detail    string     `json:"detail"`
	AsOfRun   uuid.UUID  `json:"as_of_run"`
}

// RunSummary describes the most recently committed run.
type RunSummary struct {
	RunID            uuid.UUID `json:"run_id"`
	CommittedAt      time.Time `json:"committed_at"`
	PositionsTouched int       `json:"positions_touched"`
	PnLRecords       int       `json:"pnl_records"`
	LogEntries       int       `json:"log_entries"`
}
