package persistence

import (
	"time"
)

// BacktestRun is the persisted form of a backtest job. Params, Metrics and
// EquityCurve hold JSON rendered by the orchestrator; the store treats them
// as opaque text.
type BacktestRun struct {
	ID           string     `db:"id" json:"id"`
	StrategyHash string     `db:"strategy_hash" json:"strategy_hash"`
	Symbol       string     `db:"symbol" json:"symbol"`
	Venue        string     `db:"venue" json:"venue"`
	Interval     string     `db:"bar_interval" json:"interval"`
	StartAt      time.Time  `db:"start_at" json:"start_at"`
	EndAt        time.Time  `db:"end_at" json:"end_at"`
	Params       string     `db:"params" json:"params,omitempty"`
	Status       string     `db:"status" json:"status"`
	Progress     float64    `db:"progress" json:"progress"`
	Error        string     `db:"error" json:"error,omitempty"`
	Metrics      string     `db:"metrics" json:"metrics,omitempty"`
	EquityCurve  string     `db:"equity_curve" json:"equity_curve,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// LiveSession is the persisted form of a live or paper trading session.
type LiveSession struct {
	ID            string     `db:"id" json:"id"`
	StrategyHash  string     `db:"strategy_hash" json:"strategy_hash"`
	Symbol        string     `db:"symbol" json:"symbol"`
	Venue         string     `db:"venue" json:"venue"`
	Mode          string     `db:"mode" json:"mode"`
	State         string     `db:"state" json:"state"`
	RiskProfileID string     `db:"risk_profile_id" json:"risk_profile_id"`
	Params        string     `db:"params" json:"params,omitempty"`
	Operator      string     `db:"operator" json:"operator,omitempty"`
	LastError     string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`
	PausedAt      *time.Time `db:"paused_at" json:"paused_at,omitempty"`
	StoppedAt     *time.Time `db:"stopped_at" json:"stopped_at,omitempty"`
}

// Trade is one executed fill attributed to a session, with the realized
// PnL the ledger booked for it.
type Trade struct {
	ID          int64     `db:"id" json:"id"`
	SessionID   string    `db:"session_id" json:"session_id"`
	OrderID     string    `db:"order_id" json:"order_id,omitempty"`
	Symbol      string    `db:"symbol" json:"symbol"`
	Side        string    `db:"side" json:"side"`
	Qty         float64   `db:"qty" json:"qty"`
	Price       float64   `db:"price" json:"price"`
	Fee         float64   `db:"fee" json:"fee"`
	Maker       bool      `db:"maker" json:"maker"`
	RealizedPnL float64   `db:"realized_pnl" json:"realized_pnl"`
	Ts          time.Time `db:"ts" json:"ts"`
}

// PositionSnapshot is the write-through copy of an open position. Rows are
// deleted when the position closes.
type PositionSnapshot struct {
	SessionID   string    `db:"session_id" json:"session_id"`
	Symbol      string    `db:"symbol" json:"symbol"`
	Side        string    `db:"side" json:"side"`
	Qty         float64   `db:"qty" json:"qty"`
	AvgEntry    float64   `db:"avg_entry" json:"avg_entry"`
	RealizedPnL float64   `db:"realized_pnl" json:"realized_pnl"`
	Fees        float64   `db:"fees" json:"fees"`
	OpenedAt    time.Time `db:"opened_at" json:"opened_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// DailyPnL is one UTC day's running totals for a session.
type DailyPnL struct {
	SessionID  string    `db:"session_id" json:"session_id"`
	Day        string    `db:"day" json:"day"`
	Realized   float64   `db:"realized" json:"realized"`
	Fees       float64   `db:"fees" json:"fees"`
	TradeCount int       `db:"trade_count" json:"trade_count"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// AuditRecord is one append-only audit entry. IDs are monotone within a
// database.
type AuditRecord struct {
	ID         int64     `db:"id" json:"id"`
	Ts         time.Time `db:"ts" json:"ts"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type,omitempty"`
	EntityID   string    `db:"entity_id" json:"entity_id,omitempty"`
	SessionID  string    `db:"session_id" json:"session_id,omitempty"`
	Details    string    `db:"details" json:"details,omitempty"`
}

// CacheEntry mirrors one on-disk market-data file in the catalog table.
type CacheEntry struct {
	Symbol      string    `db:"symbol" json:"symbol"`
	Interval    string    `db:"bar_interval" json:"interval"`
	StartAt     time.Time `db:"start_at" json:"start_at"`
	EndAt       time.Time `db:"end_at" json:"end_at"`
	RowCount    int       `db:"row_count" json:"row_count"`
	Path        string    `db:"path" json:"path"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	FetchedAt   time.Time `db:"fetched_at" json:"fetched_at"`
}

// DayKey renders ts as the UTC day string used by the daily_pnl table.
func DayKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}
