// Package persistence is the relational store behind the runtime: strategy
// records, backtest runs, live sessions, risk profiles, executed trades,
// position snapshots, the market-data catalog and the audit log.
//
// The default backend is an embedded sqlite database in WAL mode; pointing
// the DSN at postgres:// switches to PostgreSQL without code changes. All
// queries are written with ? placeholders and rebound for the active driver.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tradeforge/tradeforge/internal/config"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// Store wraps the database handle plus the content-addressed strategy
// source tree. One Store is shared by every component; writes go through
// short transactions.
type Store struct {
	db          *sqlx.DB
	driver      string
	timeout     time.Duration
	strategyDir string
	log         zerolog.Logger
	now         func() time.Time
}

// Open connects to the database selected by cfg.DSN, applies pending
// migrations and returns the ready store. Migration failure aborts the
// open; a half-migrated schema is never served.
func Open(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*Store, error) {
	driver, dsn := dialect(cfg.DSN)

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{
		db:          db,
		driver:      driver,
		timeout:     cfg.QueryTimeout,
		strategyDir: cfg.StrategyDir,
		log:         log.With().Str("component", "persistence").Logger(),
		now:         time.Now,
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// dialect maps a DSN onto a registered driver. file: and bare paths open
// sqlite with WAL, a busy timeout and foreign keys on; postgres:// goes to
// lib/pq untouched.
func dialect(dsn string) (driver, out string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return driverSQLite, dsn + sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Driver reports which backend the store runs on ("sqlite3" or "postgres").
func (s *Store) Driver() string { return s.driver }

// opCtx bounds a single statement by the configured query timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// rebind converts ? placeholders to the driver's syntax.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// tx runs fn inside a transaction, rolling back on error.
func (s *Store) tx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
