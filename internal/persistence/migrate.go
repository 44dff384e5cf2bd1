package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is one numbered schema step. Statements differ between
// backends only where the SQL dialects force it (serial primary keys).
type migration struct {
	version  int
	name     string
	sqlite   []string
	postgres []string
}

func (m migration) statements(driver string) []string {
	if driver == driverPostgres {
		return m.postgres
	}
	return m.sqlite
}

// both builds a migration whose DDL is identical on both backends.
func both(version int, name string, stmts ...string) migration {
	return migration{version: version, name: name, sqlite: stmts, postgres: stmts}
}

var migrations = []migration{
	{
		version:  1,
		name:     "initial schema",
		sqlite:   initialTables("id INTEGER PRIMARY KEY AUTOINCREMENT"),
		postgres: initialTables("id BIGSERIAL PRIMARY KEY"),
	},
	both(2, "query indexes",
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_strategy ON backtest_runs (strategy_hash, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_status ON backtest_runs (status)`,
		`CREATE INDEX IF NOT EXISTS idx_live_sessions_state ON live_sessions (state)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_session ON trades (session_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log (entity_type, entity_id)`,
	),
}

// initialTables renders the version-1 DDL. serialPK is the dialect's
// auto-incrementing primary key clause, used by trades and audit_log.
func initialTables(serialPK string) []string {
	return []string{
		`CREATE TABLE strategies (
			id           TEXT PRIMARY KEY,
			version_hash TEXT NOT NULL UNIQUE,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			source       TEXT NOT NULL,
			param_schema TEXT NOT NULL DEFAULT '',
			parent_hash  TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE risk_profiles (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL UNIQUE,
			max_drawdown_pct DOUBLE PRECISION NOT NULL,
			max_position_pct DOUBLE PRECISION NOT NULL,
			max_daily_loss   DOUBLE PRECISION NOT NULL,
			max_leverage     DOUBLE PRECISION NOT NULL,
			kill_switch      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE backtest_runs (
			id            TEXT PRIMARY KEY,
			strategy_hash TEXT NOT NULL REFERENCES strategies (version_hash),
			symbol        TEXT NOT NULL,
			venue         TEXT NOT NULL,
			bar_interval  TEXT NOT NULL,
			start_at      TIMESTAMP NOT NULL,
			end_at        TIMESTAMP NOT NULL,
			params        TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
			error         TEXT NOT NULL DEFAULT '',
			metrics       TEXT NOT NULL DEFAULT '',
			equity_curve  TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL,
			started_at    TIMESTAMP,
			completed_at  TIMESTAMP
		)`,
		`CREATE TABLE live_sessions (
			id              TEXT PRIMARY KEY,
			strategy_hash   TEXT NOT NULL REFERENCES strategies (version_hash),
			symbol          TEXT NOT NULL,
			venue           TEXT NOT NULL,
			mode            TEXT NOT NULL,
			state           TEXT NOT NULL,
			risk_profile_id TEXT NOT NULL REFERENCES risk_profiles (id),
			params          TEXT NOT NULL DEFAULT '',
			operator        TEXT NOT NULL DEFAULT '',
			last_error      TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			started_at      TIMESTAMP,
			paused_at       TIMESTAMP,
			stopped_at      TIMESTAMP
		)`,
		`CREATE TABLE market_data_cache (
			symbol       TEXT NOT NULL,
			bar_interval TEXT NOT NULL,
			start_at     TIMESTAMP NOT NULL,
			end_at       TIMESTAMP NOT NULL,
			row_count    INTEGER NOT NULL,
			path         TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			fetched_at   TIMESTAMP NOT NULL,
			PRIMARY KEY (symbol, bar_interval)
		)`,
		`CREATE TABLE trades (
			` + serialPK + `,
			session_id   TEXT NOT NULL,
			order_id     TEXT NOT NULL DEFAULT '',
			symbol       TEXT NOT NULL,
			side         TEXT NOT NULL,
			qty          DOUBLE PRECISION NOT NULL,
			price        DOUBLE PRECISION NOT NULL,
			fee          DOUBLE PRECISION NOT NULL,
			maker        BOOLEAN NOT NULL DEFAULT FALSE,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			ts           TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE positions (
			session_id   TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			side         TEXT NOT NULL,
			qty          DOUBLE PRECISION NOT NULL,
			avg_entry    DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			fees         DOUBLE PRECISION NOT NULL,
			opened_at    TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, symbol)
		)`,
		`CREATE TABLE daily_pnl (
			session_id TEXT NOT NULL,
			day        TEXT NOT NULL,
			realized   DOUBLE PRECISION NOT NULL,
			fees       DOUBLE PRECISION NOT NULL,
			trade_count INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, day)
		)`,
		`CREATE TABLE audit_log (
			` + serialPK + `,
			ts          TIMESTAMP NOT NULL,
			action      TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id   TEXT NOT NULL DEFAULT '',
			session_id  TEXT NOT NULL DEFAULT '',
			details     TEXT NOT NULL DEFAULT ''
		)`,
	}
}

// migrate applies every migration above the current schema version. Each
// migration and its version bump commit in one transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL, applied_at TIMESTAMP NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.tx(ctx, func(tx *sqlx.Tx) error {
			for _, stmt := range m.statements(s.driver) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			if _, err := tx.ExecContext(ctx, s.rebind(
				`DELETE FROM schema_version`)); err != nil {
				return fmt.Errorf("migration %d: clear version: %w", m.version, err)
			}
			_, err := tx.ExecContext(ctx, s.rebind(
				`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`),
				m.version, s.now().UTC())
			if err != nil {
				return fmt.Errorf("migration %d: record version: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.log.Info().Int("version", m.version).Str("name", m.name).Msg("schema migrated")
		current = m.version
	}
	return nil
}

// SchemaVersion returns the applied migration level.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var v int
	if err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
