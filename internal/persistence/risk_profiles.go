package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/engine/risk"
)

const profileColumns = `id, name, max_drawdown_pct, max_position_pct, max_daily_loss,
	max_leverage, kill_switch, created_at, updated_at`

// SaveRiskProfile inserts or updates a profile by id. Limits are clamped
// to the hard ceilings before they ever reach a row.
func (s *Store) SaveRiskProfile(ctx context.Context, p risk.Profile) (risk.Profile, error) {
	if p.Name == "" {
		return risk.Profile{}, fmt.Errorf("risk profile name is required: %w", domain.ErrValidation)
	}
	if err := p.Validate(); err != nil {
		return risk.Profile{}, err
	}
	p = p.Clamp()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO risk_profiles (`+profileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   max_drawdown_pct = excluded.max_drawdown_pct,
		   max_position_pct = excluded.max_position_pct,
		   max_daily_loss = excluded.max_daily_loss,
		   max_leverage = excluded.max_leverage,
		   kill_switch = excluded.kill_switch,
		   updated_at = excluded.updated_at`),
		p.ID, p.Name, p.MaxDrawdownPct, p.MaxPositionPct, p.MaxDailyLoss,
		p.MaxLeverage, p.KillSwitch, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return risk.Profile{}, fmt.Errorf("save risk profile %s: %w", p.Name, err)
	}
	return p, nil
}

// GetRiskProfile loads one profile by id.
func (s *Store) GetRiskProfile(ctx context.Context, id string) (risk.Profile, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var p risk.Profile
	err := s.db.GetContext(ctx, &p, s.rebind(
		`SELECT `+profileColumns+` FROM risk_profiles WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.Profile{}, fmt.Errorf("risk profile %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return risk.Profile{}, fmt.Errorf("load risk profile %s: %w", id, err)
	}
	return p, nil
}

// ListRiskProfiles returns every profile, stable by name.
func (s *Store) ListRiskProfiles(ctx context.Context) ([]risk.Profile, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []risk.Profile
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+profileColumns+` FROM risk_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list risk profiles: %w", err)
	}
	return out, nil
}

// SetGlobalKillSwitch latches or releases the kill switch on every
// profile. The kill-switch endpoint engages it after stopping sessions;
// deploys are refused while any targeted profile holds the latch.
func (s *Store) SetGlobalKillSwitch(ctx context.Context, active bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE risk_profiles SET kill_switch = ?, updated_at = ?`), active, s.now().UTC())
	if err != nil {
		return fmt.Errorf("set global kill switch: %w", err)
	}
	return nil
}

// KillSwitchEngaged reports whether any profile currently holds the latch.
func (s *Store) KillSwitchEngaged(ctx context.Context) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM risk_profiles WHERE kill_switch`)
	if err != nil {
		return false, fmt.Errorf("check kill switch: %w", err)
	}
	return n > 0, nil
}
