package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertTrades appends executed fills atomically. The batch path keeps
// backtest persistence off the per-bar hot loop.
func (s *Store) InsertTrades(ctx context.Context, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.tx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, s.rebind(
			`INSERT INTO trades (session_id, order_id, symbol, side, qty, price, fee, maker, realized_pnl, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("prepare trade insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range trades {
			_, err := stmt.ExecContext(ctx,
				t.SessionID, t.OrderID, t.Symbol, t.Side, t.Qty, t.Price,
				t.Fee, t.Maker, t.RealizedPnL, t.Ts)
			if err != nil {
				return fmt.Errorf("insert trade for %s: %w", t.SessionID, err)
			}
		}
		return nil
	})
}

// ListTrades returns a session's fills in execution order.
func (s *Store) ListTrades(ctx context.Context, sessionID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 500
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []Trade
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT id, session_id, order_id, symbol, side, qty, price, fee, maker, realized_pnl, ts
		 FROM trades WHERE session_id = ?
		 ORDER BY ts, id
		 LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", sessionID, err)
	}
	return out, nil
}

// UpsertPosition write-through saves an open position snapshot.
func (s *Store) UpsertPosition(ctx context.Context, p PositionSnapshot) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now().UTC()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO positions (session_id, symbol, side, qty, avg_entry, realized_pnl, fees, opened_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, symbol) DO UPDATE SET
		   side = excluded.side,
		   qty = excluded.qty,
		   avg_entry = excluded.avg_entry,
		   realized_pnl = excluded.realized_pnl,
		   fees = excluded.fees,
		   updated_at = excluded.updated_at`),
		p.SessionID, p.Symbol, p.Side, p.Qty, p.AvgEntry, p.RealizedPnL,
		p.Fees, p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.SessionID, p.Symbol, err)
	}
	return nil
}

// DeletePosition removes the row once a position is closed.
func (s *Store) DeletePosition(ctx context.Context, sessionID, symbol string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM positions WHERE session_id = ? AND symbol = ?`), sessionID, symbol)
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", sessionID, symbol, err)
	}
	return nil
}

// ListPositions returns a session's open position snapshots.
func (s *Store) ListPositions(ctx context.Context, sessionID string) ([]PositionSnapshot, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []PositionSnapshot
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT session_id, symbol, side, qty, avg_entry, realized_pnl, fees, opened_at, updated_at
		 FROM positions WHERE session_id = ? ORDER BY symbol`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", sessionID, err)
	}
	return out, nil
}

// UpsertDailyPnL stores the running totals for one UTC day of a session.
// Values are absolutes, not deltas; the latest write wins.
func (s *Store) UpsertDailyPnL(ctx context.Context, d DailyPnL) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = s.now().UTC()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO daily_pnl (session_id, day, realized, fees, trade_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, day) DO UPDATE SET
		   realized = excluded.realized,
		   fees = excluded.fees,
		   trade_count = excluded.trade_count,
		   updated_at = excluded.updated_at`),
		d.SessionID, d.Day, d.Realized, d.Fees, d.TradeCount, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert daily pnl %s/%s: %w", d.SessionID, d.Day, err)
	}
	return nil
}

// ListDailyPnL returns a session's day rows, oldest first.
func (s *Store) ListDailyPnL(ctx context.Context, sessionID string) ([]DailyPnL, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []DailyPnL
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT session_id, day, realized, fees, trade_count, updated_at
		 FROM daily_pnl WHERE session_id = ? ORDER BY day`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list daily pnl for %s: %w", sessionID, err)
	}
	return out, nil
}
