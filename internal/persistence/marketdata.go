package persistence

import (
	"context"
	"fmt"
)

// UpsertCacheEntry records one on-disk bar file in the catalog table. The
// market-data layer writes through after every cache update so the catalog
// survives restarts even if the JSON index is rebuilt.
func (s *Store) UpsertCacheEntry(ctx context.Context, e CacheEntry) error {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = s.now().UTC()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO market_data_cache (symbol, bar_interval, start_at, end_at, row_count, path, content_hash, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, bar_interval) DO UPDATE SET
		   start_at = excluded.start_at,
		   end_at = excluded.end_at,
		   row_count = excluded.row_count,
		   path = excluded.path,
		   content_hash = excluded.content_hash,
		   fetched_at = excluded.fetched_at`),
		e.Symbol, e.Interval, e.StartAt, e.EndAt, e.RowCount, e.Path,
		e.ContentHash, e.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert cache entry %s %s: %w", e.Symbol, e.Interval, err)
	}
	return nil
}

// ListCacheEntries returns the whole catalog, stable by symbol then
// interval.
func (s *Store) ListCacheEntries(ctx context.Context) ([]CacheEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []CacheEntry
	err := s.db.SelectContext(ctx, &out,
		`SELECT symbol, bar_interval, start_at, end_at, row_count, path, content_hash, fetched_at
		 FROM market_data_cache ORDER BY symbol, bar_interval`)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	return out, nil
}

// DeleteCacheEntry drops one catalog row; the caller removes the file.
func (s *Store) DeleteCacheEntry(ctx context.Context, symbol, interval string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM market_data_cache WHERE symbol = ? AND bar_interval = ?`), symbol, interval)
	if err != nil {
		return fmt.Errorf("delete cache entry %s %s: %w", symbol, interval, err)
	}
	return nil
}
