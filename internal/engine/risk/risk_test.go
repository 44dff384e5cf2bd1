package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/metrics"
)

var day1 = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

func newBreaker(p Profile) *Breaker {
	return New(p, metrics.Nop(), zerolog.Nop())
}

func TestClampEnforcesHardCeilings(t *testing.T) {
	p := Profile{MaxDrawdownPct: 0.5, MaxPositionPct: 2, MaxDailyLoss: 99999}.Clamp()
	assert.Equal(t, HardMaxDrawdownPct, p.MaxDrawdownPct)
	assert.Equal(t, HardMaxPositionPct, p.MaxPositionPct)
	assert.Equal(t, HardMaxDailyLoss, p.MaxDailyLoss)

	loose := Profile{}.Clamp()
	assert.Equal(t, HardMaxDrawdownPct, loose.MaxDrawdownPct)

	strict := Profile{MaxDrawdownPct: 0.05, MaxPositionPct: 0.3, MaxDailyLoss: 500}.Clamp()
	assert.Equal(t, 0.05, strict.MaxDrawdownPct)
	assert.Equal(t, 0.3, strict.MaxPositionPct)
	assert.Equal(t, 500.0, strict.MaxDailyLoss)
}

func TestValidateRejectsNegativeLimits(t *testing.T) {
	assert.ErrorIs(t, Profile{MaxDailyLoss: -1}.Validate(), domain.ErrValidation)
	assert.NoError(t, Profile{MaxDailyLoss: 100}.Validate())
}

func TestCheckOrderPositionCap(t *testing.T) {
	b := newBreaker(Profile{MaxPositionPct: 0.5})

	over := domain.Order{Symbol: "BTCUSDT", Side: domain.Buy, Kind: domain.Market, Qty: 0.12}
	err := b.CheckOrder(over, 50000, 10000) // notional 6000 > 5000
	assert.ErrorIs(t, err, domain.ErrRiskTripped)

	within := domain.Order{Symbol: "BTCUSDT", Side: domain.Buy, Kind: domain.Market, Qty: 0.08}
	assert.NoError(t, b.CheckOrder(within, 50000, 10000)) // notional 4000

	reduce := over
	reduce.ReduceOnly = true
	assert.NoError(t, b.CheckOrder(reduce, 50000, 10000))

	limit := domain.Order{Symbol: "BTCUSDT", Side: domain.Buy, Kind: domain.Limit, Qty: 0.12, LimitPrice: 60000}
	assert.ErrorIs(t, b.CheckOrder(limit, 50000, 10000), domain.ErrRiskTripped,
		"limit orders price at their limit")
}

func TestDrawdownTripsAndLatches(t *testing.T) {
	b := newBreaker(Profile{MaxDrawdownPct: 0.15})

	assert.False(t, b.UpdateEquity(10000, day1))
	assert.False(t, b.UpdateEquity(9000, day1.Add(time.Hour)), "10%% drawdown holds")
	assert.True(t, b.UpdateEquity(8400, day1.Add(2*time.Hour)), "16%% drawdown trips")

	trips := b.Trips()
	require.Len(t, trips, 1)
	assert.Equal(t, ReasonDrawdown, trips[0].Reason)

	err := b.CheckOrder(domain.Order{Symbol: "BTCUSDT", Side: domain.Buy, Kind: domain.Market, Qty: 0.001}, 50000, 8400)
	assert.ErrorIs(t, err, domain.ErrRiskTripped)

	assert.True(t, b.UpdateEquity(12000, day1.Add(3*time.Hour)), "recovery does not re-arm")
	assert.Len(t, b.Trips(), 1, "no duplicate trip entries")
}

func TestDailyLossTrip(t *testing.T) {
	b := newBreaker(Profile{MaxDailyLoss: 1000})

	assert.False(t, b.RecordTradePnL(-400, day1))
	assert.False(t, b.RecordTradePnL(200, day1.Add(time.Minute)))
	assert.True(t, b.RecordTradePnL(-800, day1.Add(2*time.Minute)), "cumulative -1000 trips")

	trips := b.Trips()
	require.Len(t, trips, 1)
	assert.Equal(t, ReasonDailyLoss, trips[0].Reason)
}

func TestDailyPnLResetsAtUTCMidnight(t *testing.T) {
	b := newBreaker(Profile{MaxDailyLoss: 1000})

	assert.False(t, b.RecordTradePnL(-900, day1))
	assert.InDelta(t, -900, b.DailyPnL(), 1e-9)

	day2 := day1.Add(24 * time.Hour)
	assert.False(t, b.RecordTradePnL(-900, day2), "fresh day bucket")
	assert.InDelta(t, -900, b.DailyPnL(), 1e-9)

	assert.True(t, b.RecordTradePnL(-200, day2.Add(time.Hour)))
}

func TestLatchSurvivesDayRollover(t *testing.T) {
	b := newBreaker(Profile{MaxDailyLoss: 500})

	assert.True(t, b.RecordTradePnL(-600, day1))
	assert.True(t, b.Tripped())

	day2 := day1.Add(24 * time.Hour)
	assert.True(t, b.RecordTradePnL(0, day2), "latch is one-way across days")
	assert.InDelta(t, 0, b.DailyPnL(), 1e-9, "daily bucket still resets")
}
