package domain

import (
	"fmt"
	"time"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
	Flat  PositionSide = "FLAT"
)

// Position is the net exposure on one symbol. Qty is always non-negative;
// Side is Flat exactly when Qty is zero.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Qty           float64      `json:"qty"`
	AvgEntry      float64      `json:"avg_entry"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	RealizedPnL   float64      `json:"realized_pnl"`
	Fees          float64      `json:"fees"`
	OpenedAt      time.Time    `json:"opened_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Notional returns the absolute quote value of the position at the mark.
func (p Position) Notional(mark float64) float64 {
	return p.Qty * mark
}

// MarkPnL returns the unrealized PnL of the position at the mark price.
func (p Position) MarkPnL(mark float64) float64 {
	switch p.Side {
	case Long:
		return (mark - p.AvgEntry) * p.Qty
	case Short:
		return (p.AvgEntry - mark) * p.Qty
	}
	return 0
}

// Balance is the quote-currency account balance.
type Balance struct {
	Total       float64 `json:"total"`
	Available   float64 `json:"available"`
	Locked      float64 `json:"locked"`
	RealizedPnL float64 `json:"realized_pnl"`
	Fees        float64 `json:"fees"`
}

// AccountSummary is a point-in-time snapshot of balance, equity and open
// positions, published to dashboards and the REST layer.
type AccountSummary struct {
	Balance   Balance    `json:"balance"`
	Equity    float64    `json:"equity"`
	Positions []Position `json:"positions"`
	Ts        time.Time  `json:"ts"`
}

// DefaultMaintenanceMarginRate is applied when the venue does not supply a
// symbol-specific rate.
const DefaultMaintenanceMarginRate = 0.004

// LiquidationPrice estimates the price at which a leveraged position is
// liquidated. Pass mmr <= 0 to use DefaultMaintenanceMarginRate.
func LiquidationPrice(side PositionSide, entry, leverage, mmr float64) (float64, error) {
	if entry <= 0 {
		return 0, fmt.Errorf("%w: entry price must be positive", ErrValidation)
	}
	if leverage < 1 {
		return 0, fmt.Errorf("%w: leverage must be >= 1", ErrValidation)
	}
	if mmr <= 0 {
		mmr = DefaultMaintenanceMarginRate
	}
	switch side {
	case Long:
		return entry * (1 - 1/leverage + mmr), nil
	case Short:
		return entry * (1 + 1/leverage - mmr), nil
	}
	return 0, fmt.Errorf("%w: no liquidation price for side %q", ErrValidation, side)
}
