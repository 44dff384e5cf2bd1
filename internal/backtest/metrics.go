package backtest

import (
	"math"
	"time"

	"github.com/tradeforge/tradeforge/internal/engine/ledger"
)

// Metrics scores a finished run. Ratios whose denominator vanishes (no
// losing trades, no downside returns) are capped at ratioCap so the struct
// always marshals to JSON.
type Metrics struct {
	TotalPnL             float64 `json:"total_pnl"`
	TotalReturnPct       float64 `json:"total_return_pct"`
	Sharpe               float64 `json:"sharpe"`
	Sortino              float64 `json:"sortino"`
	WinRate              float64 `json:"win_rate"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
	TotalTrades          int     `json:"total_trades"`
	AvgTradePnL          float64 `json:"avg_trade_pnl"`
	ProfitFactor         float64 `json:"profit_factor"`
	MaxConsecutiveWins   int     `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	FeesPaid             float64 `json:"fees_paid"`
	FinalEquity          float64 `json:"final_equity"`
	Bars                 int     `json:"bars"`
	Halted               bool    `json:"halted,omitempty"`
	HaltReason           string  `json:"halt_reason,omitempty"`
}

const (
	ratioCap = 9999.0

	hoursPerYear = 365 * 24
)

// Compute derives the score card from the ledger's realized trades and
// equity curve. interval sets the annualization factor for Sharpe and
// Sortino; a non-positive interval falls back to one hour.
func Compute(initialBalance float64, interval time.Duration, trades []ledger.TradeRecord, curve []ledger.EquityPoint) Metrics {
	m := Metrics{
		TotalTrades: len(trades),
		FinalEquity: initialBalance,
		Bars:        len(curve),
	}
	if len(curve) > 0 {
		m.FinalEquity = curve[len(curve)-1].Equity
	}
	m.TotalPnL = m.FinalEquity - initialBalance
	if initialBalance > 0 {
		m.TotalReturnPct = m.TotalPnL / initialBalance * 100
	}

	var wins, losses int
	var grossProfit, grossLoss float64
	var winStreak, lossStreak int
	for _, tr := range trades {
		m.AvgTradePnL += tr.PnL
		m.FeesPaid += tr.Fee
		switch {
		case tr.PnL > 0:
			wins++
			grossProfit += tr.PnL
			winStreak++
			lossStreak = 0
		case tr.PnL < 0:
			losses++
			grossLoss += -tr.PnL
			lossStreak++
			winStreak = 0
		default:
			winStreak = 0
			lossStreak = 0
		}
		if winStreak > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = winStreak
		}
		if lossStreak > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = lossStreak
		}
	}
	if len(trades) > 0 {
		m.AvgTradePnL /= float64(len(trades))
		m.WinRate = float64(wins) / float64(len(trades))
	}
	switch {
	case grossLoss > 0:
		m.ProfitFactor = math.Min(grossProfit/grossLoss, ratioCap)
	case grossProfit > 0:
		m.ProfitFactor = ratioCap
	}

	m.MaxDrawdownPct = maxDrawdown(curve)
	m.Sharpe, m.Sortino = riskAdjusted(curve, interval)
	return m
}

func maxDrawdown(curve []ledger.EquityPoint) float64 {
	var peak, maxDD float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p.Equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// riskAdjusted annualizes mean per-bar return over total and downside
// deviation. Flat curves score zero on both.
func riskAdjusted(curve []ledger.EquityPoint, interval time.Duration) (sharpe, sortino float64) {
	if interval <= 0 {
		interval = time.Hour
	}
	returns := make([]float64, 0, len(curve))
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 2 {
		return 0, 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss, downSS float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
		if r < 0 {
			downSS += r * r
		}
	}
	n := float64(len(returns))
	std := math.Sqrt(ss / (n - 1))
	downStd := math.Sqrt(downSS / n)

	annual := math.Sqrt(float64(hoursPerYear) * float64(time.Hour) / float64(interval))
	if std > 0 {
		sharpe = clampRatio(mean / std * annual)
	}
	switch {
	case downStd > 0:
		sortino = clampRatio(mean / downStd * annual)
	case mean > 0:
		sortino = ratioCap
	}
	return sharpe, sortino
}

func clampRatio(v float64) float64 {
	if v > ratioCap {
		return ratioCap
	}
	if v < -ratioCap {
		return -ratioCap
	}
	return v
}

// downsample thins an equity curve to at most max points, always keeping
// the final sample so the curve ends on the true final equity.
func downsample(curve []ledger.EquityPoint, max int) []ledger.EquityPoint {
	if max <= 0 || len(curve) <= max {
		return curve
	}
	stride := (len(curve) + max - 1) / max
	out := make([]ledger.EquityPoint, 0, max)
	for i := 0; i < len(curve); i += stride {
		out = append(out, curve[i])
	}
	if last := curve[len(curve)-1]; len(out) == 0 || !out[len(out)-1].Ts.Equal(last.Ts) {
		out = append(out, last)
	}
	return out
}
