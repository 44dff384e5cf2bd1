package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/strategy"
)

// StrategyInfo is a list row: the record without its source plus usage
// counts for the API listing.
type StrategyInfo struct {
	ID          string    `db:"id" json:"id"`
	VersionHash string    `db:"version_hash" json:"version_hash"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	ParentHash  string    `db:"parent_hash" json:"parent_hash,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Backtests   int       `db:"backtests" json:"backtests"`
	Sessions    int       `db:"sessions" json:"sessions"`
}

// SaveStrategy stores rec, content-addressed by its version hash. A second
// save of identical source returns the existing record untouched; created
// reports whether a new row was written. The source text also lands in the
// sharded on-disk tree before the row commits.
func (s *Store) SaveStrategy(ctx context.Context, rec strategy.Record) (strategy.Record, bool, error) {
	if rec.Name == "" || rec.Source == "" {
		return strategy.Record{}, false, fmt.Errorf("strategy name and source are required: %w", domain.ErrValidation)
	}
	if rec.VersionHash == "" {
		rec.VersionHash = strategy.SourceHash([]byte(rec.Source))
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out strategy.Record
	created := false
	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &out, s.rebind(
			`SELECT id, version_hash, name, description, source, param_schema, parent_hash, created_at
			 FROM strategies WHERE version_hash = ?`), rec.VersionHash)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("look up strategy %s: %w", rec.VersionHash, err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO strategies (id, version_hash, name, description, source, param_schema, parent_hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			rec.ID, rec.VersionHash, rec.Name, rec.Description, rec.Source,
			string(rec.ParamSchema), rec.ParentHash, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert strategy %s: %w", rec.Name, err)
		}
		if err := s.writeSource(rec.VersionHash, rec.Source); err != nil {
			return err
		}
		out = rec
		created = true
		return nil
	})
	if err != nil {
		return strategy.Record{}, false, err
	}

	if created {
		s.Audit(ctx, AuditRecord{
			Action:     "strategy.saved",
			EntityType: "strategy",
			EntityID:   out.VersionHash,
			Details:    fmt.Sprintf(`{"name":%q}`, out.Name),
		})
	}
	return out, created, nil
}

// GetStrategy loads the full record, source included, by version hash.
func (s *Store) GetStrategy(ctx context.Context, hash string) (strategy.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rec strategy.Record
	err := s.db.GetContext(ctx, &rec, s.rebind(
		`SELECT id, version_hash, name, description, source, param_schema, parent_hash, created_at
		 FROM strategies WHERE version_hash = ?`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return strategy.Record{}, fmt.Errorf("strategy %s: %w", hash, domain.ErrNotFound)
	}
	if err != nil {
		return strategy.Record{}, fmt.Errorf("load strategy %s: %w", hash, err)
	}
	return rec, nil
}

// StrategyExists reports whether a version hash is known.
func (s *Store) StrategyExists(ctx context.Context, hash string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	if err := s.db.GetContext(ctx, &n, s.rebind(
		`SELECT COUNT(*) FROM strategies WHERE version_hash = ?`), hash); err != nil {
		return false, fmt.Errorf("check strategy %s: %w", hash, err)
	}
	return n > 0, nil
}

// ListStrategies returns newest-first pages of saved strategies with their
// backtest and session counts.
func (s *Store) ListStrategies(ctx context.Context, limit, offset int) ([]StrategyInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []StrategyInfo
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT s.id, s.version_hash, s.name, s.description, s.parent_hash, s.created_at,
		        (SELECT COUNT(*) FROM backtest_runs b WHERE b.strategy_hash = s.version_hash) AS backtests,
		        (SELECT COUNT(*) FROM live_sessions l WHERE l.strategy_hash = s.version_hash) AS sessions
		 FROM strategies s
		 ORDER BY s.created_at DESC, s.id
		 LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	return out, nil
}

// SourcePath returns where the sharded tree keeps a hash's source text.
// The layout is <dir>/<first two hash chars>/<hash>.strat.
func (s *Store) SourcePath(hash string) string {
	shard := strings.TrimPrefix(hash, strategy.HashPrefix)
	if len(shard) < 2 {
		shard = "00" + shard
	}
	return filepath.Join(s.strategyDir, shard[:2], shard+".strat")
}

func (s *Store) writeSource(hash, source string) error {
	path := s.SourcePath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create strategy shard dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(source), 0o644); err != nil {
		return fmt.Errorf("write strategy source: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish strategy source: %w", err)
	}
	return nil
}
