// Package domain holds the value types shared across the trading runtime:
// market data, orders, fills, positions and the common error taxonomy.
// Types here are plain data; behavior lives in the engine packages.
package domain

import "time"

// Interval is a bar aggregation window.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// SupportedIntervals lists every aggregation the runtime accepts, smallest
// first.
var SupportedIntervals = []Interval{
	Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d,
}

// Duration returns the wall-clock width of the interval, or 0 for an
// unknown interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether the interval is one the runtime supports.
func (i Interval) Valid() bool {
	return i.Duration() != 0
}

// Bar is one OHLCV candle. OpenTime and CloseTime are UTC.
type Bar struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Interval  Interval  `json:"interval" db:"interval"`
	OpenTime  time.Time `json:"open_time" db:"open_time"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
	CloseTime time.Time `json:"close_time" db:"close_time"`
}

// Ticker is a venue's last-trade snapshot for one symbol.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume24h float64   `json:"volume_24h"`
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Ts        time.Time `json:"ts"`
}

// Mid returns the bid/ask midpoint, falling back to the last trade when a
// side is missing.
func (t Ticker) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// Trade is a public market trade (not an account fill).
type Trade struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Qty    float64   `json:"qty"`
	Side   Side      `json:"side"`
	Ts     time.Time `json:"ts"`
}

// FundingRate is the current perpetual funding rate for a symbol.
type FundingRate struct {
	Symbol        string    `json:"symbol"`
	Rate          float64   `json:"rate"`
	NextFundingAt time.Time `json:"next_funding_at"`
}

// FundingPoint is one historical funding observation.
type FundingPoint struct {
	Symbol string    `json:"symbol"`
	Rate   float64   `json:"rate"`
	Ts     time.Time `json:"ts"`
}

// OrderbookLevel is one price level of an L2 book.
type OrderbookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Orderbook is an L2 snapshot, bids descending and asks ascending.
type Orderbook struct {
	Symbol string           `json:"symbol"`
	Bids   []OrderbookLevel `json:"bids"`
	Asks   []OrderbookLevel `json:"asks"`
	Ts     time.Time        `json:"ts"`
}

// BestBid returns the top bid level, or false when the book side is empty.
func (o Orderbook) BestBid() (OrderbookLevel, bool) {
	if len(o.Bids) == 0 {
		return OrderbookLevel{}, false
	}
	return o.Bids[0], true
}

// BestAsk returns the top ask level, or false when the book side is empty.
func (o Orderbook) BestAsk() (OrderbookLevel, bool) {
	if len(o.Asks) == 0 {
		return OrderbookLevel{}, false
	}
	return o.Asks[0], true
}
