package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// BacktestFilter narrows ListBacktestRuns. Zero fields match everything.
type BacktestFilter struct {
	StrategyHash string
	Symbol       string
	Status       string
	Limit        int
	Offset       int
}

// InsertBacktestRun persists a freshly submitted run.
func (s *Store) InsertBacktestRun(ctx context.Context, run BacktestRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO backtest_runs
		 (id, strategy_hash, symbol, venue, bar_interval, start_at, end_at, params,
		  status, progress, error, metrics, equity_curve, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.StrategyHash, run.Symbol, run.Venue, run.Interval,
		run.StartAt, run.EndAt, run.Params, run.Status, run.Progress,
		run.Error, run.Metrics, run.EquityCurve, run.CreatedAt,
		run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert backtest run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateBacktestRun write-through updates the mutable fields of a run.
func (s *Store) UpdateBacktestRun(ctx context.Context, run BacktestRun) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE backtest_runs
		 SET status = ?, progress = ?, error = ?, metrics = ?, equity_curve = ?,
		     started_at = ?, completed_at = ?
		 WHERE id = ?`),
		run.Status, run.Progress, run.Error, run.Metrics, run.EquityCurve,
		run.StartedAt, run.CompletedAt, run.ID)
	if err != nil {
		return fmt.Errorf("update backtest run %s: %w", run.ID, err)
	}
	return requireRow(res, "backtest run "+run.ID)
}

// UpdateBacktestProgress stamps the progress fraction only; the hot path
// during a run.
func (s *Store) UpdateBacktestProgress(ctx context.Context, id string, progress float64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE backtest_runs SET progress = ? WHERE id = ?`), progress, id)
	if err != nil {
		return fmt.Errorf("update backtest progress %s: %w", id, err)
	}
	return requireRow(res, "backtest run "+id)
}

// GetBacktestRun loads one run by id.
func (s *Store) GetBacktestRun(ctx context.Context, id string) (BacktestRun, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var run BacktestRun
	err := s.db.GetContext(ctx, &run, s.rebind(
		`SELECT id, strategy_hash, symbol, venue, bar_interval, start_at, end_at, params,
		        status, progress, error, metrics, equity_curve, created_at, started_at, completed_at
		 FROM backtest_runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return BacktestRun{}, fmt.Errorf("backtest run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return BacktestRun{}, fmt.Errorf("load backtest run %s: %w", id, err)
	}
	return run, nil
}

// ListBacktestRuns returns newest-first runs matching the filter.
func (s *Store) ListBacktestRuns(ctx context.Context, f BacktestFilter) ([]BacktestRun, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var conds []string
	var args []interface{}
	if f.StrategyHash != "" {
		conds = append(conds, "strategy_hash = ?")
		args = append(args, f.StrategyHash)
	}
	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT id, strategy_hash, symbol, venue, bar_interval, start_at, end_at, params,
	                 status, progress, error, metrics, equity_curve, created_at, started_at, completed_at
	          FROM backtest_runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []BacktestRun
	if err := s.db.SelectContext(ctx, &out, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list backtest runs: %w", err)
	}
	return out, nil
}

// CountCompletedBacktests counts finished runs for a strategy hash; the
// live deploy guard requires at least one.
func (s *Store) CountCompletedBacktests(ctx context.Context, hash string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(
		`SELECT COUNT(*) FROM backtest_runs WHERE strategy_hash = ? AND status = 'COMPLETED'`), hash)
	if err != nil {
		return 0, fmt.Errorf("count completed backtests for %s: %w", hash, err)
	}
	return n, nil
}

// FailOrphanedRuns marks runs left Pending or Running by a dead process as
// Failed. Called once during startup recovery; returns how many rows moved.
func (s *Store) FailOrphanedRuns(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE backtest_runs
		 SET status = 'FAILED', error = 'interrupted by process restart', completed_at = ?
		 WHERE status IN ('PENDING', 'RUNNING')`), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("fail orphaned runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn().Int64("runs", n).Msg("orphaned backtest runs marked failed")
	}
	return n, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}
