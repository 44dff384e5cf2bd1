package persistence

import (
	"context"
	"fmt"
	"strings"
)

// Audit appends one record to the append-only audit log. Failures are
// logged and swallowed: audit writes must never break the main flow.
func (s *Store) Audit(ctx context.Context, rec AuditRecord) {
	if rec.Ts.IsZero() {
		rec.Ts = s.now().UTC()
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO audit_log (ts, action, entity_type, entity_id, session_id, details)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		rec.Ts, rec.Action, rec.EntityType, rec.EntityID, rec.SessionID, rec.Details)
	if err != nil {
		s.log.Warn().Err(err).Str("action", rec.Action).Msg("audit write failed")
	}
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	Action     string
	EntityType string
	EntityID   string
	SessionID  string
	Limit      int
}

// ListAudit returns matching records, newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var conds []string
	var args []interface{}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	query := `SELECT id, ts, action, entity_type, entity_id, session_id, details FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []AuditRecord
	if err := s.db.SelectContext(ctx, &out, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return out, nil
}
