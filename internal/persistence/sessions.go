package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tradeforge/tradeforge/internal/domain"
)

const sessionColumns = `id, strategy_hash, symbol, venue, mode, state, risk_profile_id,
	params, operator, last_error, created_at, started_at, paused_at, stopped_at`

// InsertSession persists a freshly deployed session.
func (s *Store) InsertSession(ctx context.Context, sess LiveSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now().UTC()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO live_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.StrategyHash, sess.Symbol, sess.Venue, sess.Mode,
		sess.State, sess.RiskProfileID, sess.Params, sess.Operator,
		sess.LastError, sess.CreatedAt, sess.StartedAt, sess.PausedAt, sess.StoppedAt)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// TransitionSession is the compare-and-set lifecycle update: the state
// column moves from -> to only if it still holds from. A false return with
// nil error means another transition won the race; callers treat it as an
// idempotent no-op. Entering RUNNING stamps started_at once; PAUSED and
// STOPPED stamp their timestamps on every entry.
func (s *Store) TransitionSession(ctx context.Context, id, from, to string) (bool, error) {
	ts := s.now().UTC()
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE live_sessions SET state = ?,
		   started_at = CASE WHEN ? = 'RUNNING' AND started_at IS NULL THEN ? ELSE started_at END,
		   paused_at  = CASE WHEN ? = 'PAUSED'  THEN ? ELSE paused_at END,
		   stopped_at = CASE WHEN ? = 'STOPPED' THEN ? ELSE stopped_at END
		 WHERE id = ? AND state = ?`),
		to, to, ts, to, ts, to, ts, id, from)
	if err != nil {
		return false, fmt.Errorf("transition session %s %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetSessionError records the last error text without touching state.
func (s *Store) SetSessionError(ctx context.Context, id, msg string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE live_sessions SET last_error = ? WHERE id = ?`), msg, id)
	if err != nil {
		return fmt.Errorf("set session error %s: %w", id, err)
	}
	return requireRow(res, "session "+id)
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (LiveSession, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var sess LiveSession
	err := s.db.GetContext(ctx, &sess, s.rebind(
		`SELECT `+sessionColumns+` FROM live_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return LiveSession{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return LiveSession{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions, newest first, optionally restricted to
// the given states.
func (s *Store) ListSessions(ctx context.Context, states ...string) ([]LiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM live_sessions`
	var args []interface{}
	if len(states) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
		query += ` WHERE state IN (` + marks + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id`

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []LiveSession
	if err := s.db.SelectContext(ctx, &out, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// CountActiveSessions counts sessions that occupy a concurrency slot
// (anything not STOPPED).
func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM live_sessions WHERE state <> 'STOPPED'`)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// ActiveSessionOnPair reports whether a non-stopped session already trades
// symbol on venue; the deploy guard rejects duplicates.
func (s *Store) ActiveSessionOnPair(ctx context.Context, symbol, venue string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(
		`SELECT COUNT(*) FROM live_sessions
		 WHERE symbol = ? AND venue = ? AND state <> 'STOPPED'`), symbol, venue)
	if err != nil {
		return false, fmt.Errorf("check pair %s@%s: %w", symbol, venue, err)
	}
	return n > 0, nil
}

// StopOrphanedSessions marks sessions a dead process left running as
// Stopped. Startup recovery; returns how many rows moved.
func (s *Store) StopOrphanedSessions(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE live_sessions
		 SET state = 'STOPPED', stopped_at = ?, last_error = 'interrupted by process restart'
		 WHERE state <> 'STOPPED'`), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("stop orphaned sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn().Int64("sessions", n).Msg("orphaned live sessions marked stopped")
	}
	return n, nil
}
