package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiquidationPrice_Long(t *testing.T) {
	// 10x long from 100: 100 * (1 - 0.1 + 0.004) = 90.4
	px, err := LiquidationPrice(Long, 100, 10, 0)
	require.NoError(t, err)
	assert.InDelta(t, 90.4, px, 1e-9)
}

func TestLiquidationPrice_Short(t *testing.T) {
	// 10x short from 100: 100 * (1 + 0.1 - 0.004) = 109.6
	px, err := LiquidationPrice(Short, 100, 10, 0)
	require.NoError(t, err)
	assert.InDelta(t, 109.6, px, 1e-9)
}

func TestLiquidationPrice_CustomMMR(t *testing.T) {
	px, err := LiquidationPrice(Long, 200, 4, 0.01)
	require.NoError(t, err)
	assert.InDelta(t, 200*(1-0.25+0.01), px, 1e-9)
}

func TestLiquidationPrice_Invalid(t *testing.T) {
	_, err := LiquidationPrice(Long, 0, 10, 0)
	assert.ErrorIs(t, err, ErrValidation, "zero entry must be rejected")

	_, err = LiquidationPrice(Short, 100, 0.5, 0)
	assert.ErrorIs(t, err, ErrValidation, "sub-1 leverage must be rejected")

	_, err = LiquidationPrice(Flat, 100, 10, 0)
	assert.ErrorIs(t, err, ErrValidation, "flat position has no liquidation price")
}

func TestIntervalDuration(t *testing.T) {
	for _, iv := range SupportedIntervals {
		assert.True(t, iv.Valid(), "interval %s", iv)
	}
	assert.False(t, Interval("2h").Valid())
	assert.False(t, Interval("").Valid())
}

func TestTickerMid(t *testing.T) {
	tk := Ticker{Bid: 99, Ask: 101, Last: 100.5}
	assert.Equal(t, 100.0, tk.Mid())

	tk = Ticker{Last: 42.0}
	assert.Equal(t, 42.0, tk.Mid(), "falls back to last when book is empty")
}

func TestDecRounding(t *testing.T) {
	assert.Equal(t, "0.1", Dec(0.1))
	assert.Equal(t, "1234.56789012", Dec(1234.5678901234))
	assert.Equal(t, "-5000", Dec(-5000.0))
}

func TestMarkPnL(t *testing.T) {
	long := Position{Side: Long, Qty: 2, AvgEntry: 100}
	assert.InDelta(t, 20.0, long.MarkPnL(110), 1e-9)

	short := Position{Side: Short, Qty: 2, AvgEntry: 100}
	assert.InDelta(t, -20.0, short.MarkPnL(110), 1e-9)

	flat := Position{Side: Flat}
	assert.Zero(t, flat.MarkPnL(110))
}
