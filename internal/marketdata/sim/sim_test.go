package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/internal/domain"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestKlinesAreDeterministic(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	v := New(Config{}).WithClock(fixedClock(now))

	start := now.Add(-24 * time.Hour)
	end := now.Add(-time.Hour)
	ctx := context.Background()

	a, err := v.GetKlines(ctx, "BTCUSDT", domain.Interval1h, start, end, 0)
	require.NoError(t, err)
	b, err := v.GetKlines(ctx, "BTCUSDT", domain.Interval1h, start, end, 0)
	require.NoError(t, err)

	require.NotEmpty(t, a)
	assert.Equal(t, a, b, "same request must produce identical bars")
}

func TestKlinesRespectClockAndRange(t *testing.T) {
	now := time.Date(2024, 3, 2, 12, 30, 0, 0, time.UTC)
	v := New(Config{}).WithClock(fixedClock(now))

	start := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	bars, err := v.GetKlines(context.Background(), "ETHUSDT", domain.Interval1h, start, now, 0)
	require.NoError(t, err)

	// 00:00 through 11:00 have closed; the 12:00 bar is still forming
	assert.Len(t, bars, 12)
	for i, b := range bars {
		assert.True(t, b.OpenTime.Equal(start.Add(time.Duration(i)*time.Hour)))
		assert.GreaterOrEqual(t, b.High, b.Open)
		assert.GreaterOrEqual(t, b.High, b.Close)
		assert.LessOrEqual(t, b.Low, b.Open)
		assert.LessOrEqual(t, b.Low, b.Close)
		assert.Positive(t, b.Volume)
	}
}

func TestSymbolsDiverge(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	v := New(Config{}).WithClock(fixedClock(now))
	ctx := context.Background()

	btc, err := v.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	eth, err := v.GetTicker(ctx, "ETHUSDT")
	require.NoError(t, err)

	assert.NotEqual(t, btc.Last, eth.Last)
	assert.Greater(t, btc.Ask, btc.Bid)
}

func TestFundingHistoryCadence(t *testing.T) {
	v := New(Config{})
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)

	points, err := v.GetFundingHistory(context.Background(), "BTCUSDT", start, end)
	require.NoError(t, err)
	assert.Len(t, points, 7, "one point per 8h inclusive of both edges")
	for _, p := range points {
		assert.LessOrEqual(t, p.Rate, 0.0001)
		assert.GreaterOrEqual(t, p.Rate, -0.0001)
	}
}

func TestTradingIsNotImplemented(t *testing.T) {
	v := New(Config{})
	_, err := v.PlaceOrder(context.Background(), domain.Order{})
	assert.ErrorIs(t, err, domain.ErrNotImplemented)
}
