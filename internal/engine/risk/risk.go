// Package risk enforces account-level loss limits. A Breaker watches
// equity and realized PnL for one session; once a limit trips it latches
// and refuses every subsequent order until the session is rebuilt.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/metrics"
)

// Hard ceilings. Profiles may be stricter, never looser.
const (
	HardMaxDrawdownPct = 0.15
	HardMaxPositionPct = 1.0
	HardMaxDailyLoss   = 5000.0
)

// Trip reasons recorded in the trip history and the metrics label.
const (
	ReasonDrawdown      = "max_drawdown"
	ReasonDailyLoss     = "daily_loss"
	ReasonPositionLimit = "position_limit"
)

// Profile is a named set of risk limits. Zero limits mean "as loose as the
// hard ceiling allows".
type Profile struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct" db:"max_drawdown_pct"`
	MaxPositionPct float64   `json:"max_position_pct" db:"max_position_pct"`
	MaxDailyLoss   float64   `json:"max_daily_loss" db:"max_daily_loss"`
	MaxLeverage    float64   `json:"max_leverage" db:"max_leverage"`
	KillSwitch     bool      `json:"kill_switch" db:"kill_switch"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Validate rejects negative limits.
func (p Profile) Validate() error {
	if p.MaxDrawdownPct < 0 || p.MaxPositionPct < 0 || p.MaxDailyLoss < 0 || p.MaxLeverage < 0 {
		return fmt.Errorf("risk profile limits must be non-negative: %w", domain.ErrValidation)
	}
	return nil
}

// Clamp returns the profile with every limit forced under the hard
// ceilings. Zero limits become the ceiling itself.
func (p Profile) Clamp() Profile {
	if p.MaxDrawdownPct <= 0 || p.MaxDrawdownPct > HardMaxDrawdownPct {
		p.MaxDrawdownPct = HardMaxDrawdownPct
	}
	if p.MaxPositionPct <= 0 || p.MaxPositionPct > HardMaxPositionPct {
		p.MaxPositionPct = HardMaxPositionPct
	}
	if p.MaxDailyLoss <= 0 || p.MaxDailyLoss > HardMaxDailyLoss {
		p.MaxDailyLoss = HardMaxDailyLoss
	}
	return p
}

// Trip is one latched limit breach.
type Trip struct {
	Reason string    `json:"reason"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Breaker tracks peak equity and daily realized PnL against a profile.
// The latch is one-way: a tripped breaker never re-arms, a new session
// gets a new breaker. Daily PnL resets lazily at the first observation
// after UTC midnight; the latch does not.
type Breaker struct {
	profile Profile
	metrics *metrics.Registry
	log     zerolog.Logger

	mu       sync.Mutex
	peak     float64
	dailyPnL float64
	day      time.Time
	tripped  bool
	trips    []Trip
}

func New(profile Profile, m *metrics.Registry, log zerolog.Logger) *Breaker {
	if m == nil {
		m = metrics.Nop()
	}
	return &Breaker{
		profile: profile.Clamp(),
		metrics: m,
		log:     log.With().Str("component", "risk").Logger(),
	}
}

// Profile returns the clamped profile in force.
func (b *Breaker) Profile() Profile {
	return b.profile
}

// CheckOrder vetoes an order before submission. A tripped breaker refuses
// everything; otherwise the order notional must stay inside the position
// cap. Reduce-only orders shrink exposure and bypass the cap.
func (b *Breaker) CheckOrder(o domain.Order, refPrice, equity float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped {
		return fmt.Errorf("breaker latched (%s): %w", b.trips[len(b.trips)-1].Reason, domain.ErrRiskTripped)
	}
	if o.ReduceOnly {
		return nil
	}
	px := refPrice
	if o.LimitPrice > 0 {
		px = o.LimitPrice
	}
	if px <= 0 || equity <= 0 {
		return nil
	}
	notional := o.Qty * px
	limit := b.profile.MaxPositionPct * equity
	if notional > limit {
		return fmt.Errorf("order notional %.2f exceeds position limit %.2f: %w",
			notional, limit, domain.ErrRiskTripped)
	}
	return nil
}

// UpdateEquity records a new equity sample and reports whether the breaker
// is tripped afterwards. Drawdown is measured from the session's peak.
func (b *Breaker) UpdateEquity(equity float64, ts time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetDayLocked(ts)
	if equity > b.peak {
		b.peak = equity
	}
	if !b.tripped && b.peak > 0 {
		dd := (b.peak - equity) / b.peak
		if dd >= b.profile.MaxDrawdownPct {
			b.tripLocked(ReasonDrawdown,
				fmt.Sprintf("drawdown %.2f%% from peak %.2f", dd*100, b.peak), ts)
		}
	}
	return b.tripped
}

// RecordTradePnL accumulates realized PnL into the UTC day bucket and
// reports whether the breaker is tripped afterwards.
func (b *Breaker) RecordTradePnL(pnl float64, ts time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetDayLocked(ts)
	b.dailyPnL += pnl
	if !b.tripped && -b.dailyPnL >= b.profile.MaxDailyLoss {
		b.tripLocked(ReasonDailyLoss,
			fmt.Sprintf("daily loss %.2f exceeds %.2f", -b.dailyPnL, b.profile.MaxDailyLoss), ts)
	}
	return b.tripped
}

// Tripped reports the latch state.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Trips returns the breach history oldest first.
func (b *Breaker) Trips() []Trip {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Trip, len(b.trips))
	copy(out, b.trips)
	return out
}

// DailyPnL returns realized PnL accumulated in the current UTC day.
func (b *Breaker) DailyPnL() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dailyPnL
}

func (b *Breaker) resetDayLocked(ts time.Time) {
	day := ts.UTC().Truncate(24 * time.Hour)
	if day.After(b.day) {
		b.day = day
		b.dailyPnL = 0
	}
}

func (b *Breaker) tripLocked(reason, detail string, ts time.Time) {
	b.tripped = true
	b.trips = append(b.trips, Trip{Reason: reason, Detail: detail, At: ts})
	b.metrics.RiskTrips.WithLabelValues(reason).Inc()
	b.log.Error().
		Str("severity", "critical").
		Str("reason", reason).
		Str("detail", detail).
		Msg("risk breaker tripped")
}
