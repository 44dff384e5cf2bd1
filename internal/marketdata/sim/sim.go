// Package sim is a self-contained synthetic venue. Prices follow layered
// sine cycles plus hash noise, so any requested range yields the same bars
// on every call without touching the network. Paper sessions and tests run
// against it; trading endpoints are intentionally absent because simulated
// execution happens in the matching engine.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// Config tunes the synthetic price process.
type Config struct {
	BasePrice float64 // anchor price for BTCUSDT-like symbols, default 50000
	Swing     float64 // amplitude of the slow cycle as a fraction, default 0.05
	SpreadBps float64 // quoted spread in basis points, default 2
}

// Venue generates deterministic market data.
type Venue struct {
	cfg Config
	now func() time.Time
}

// New builds a Venue with defaults filled in.
func New(cfg Config) *Venue {
	if cfg.BasePrice == 0 {
		cfg.BasePrice = 50000
	}
	if cfg.Swing == 0 {
		cfg.Swing = 0.05
	}
	if cfg.SpreadBps == 0 {
		cfg.SpreadBps = 2
	}
	return &Venue{cfg: cfg, now: time.Now}
}

// WithClock overrides the wall clock, letting tests pin "now".
func (v *Venue) WithClock(now func() time.Time) *Venue {
	v.now = now
	return v
}

// Name identifies the venue.
func (v *Venue) Name() string { return "sim" }

func symbolSeed(symbol string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToUpper(symbol)))
	return h.Sum64()
}

// noise returns a deterministic value in [-1, 1) keyed by symbol and time.
func noise(seed uint64, t time.Time) float64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(seed >> (8 * i))
	}
	h.Write(buf[:])
	ts := t.Unix()
	for i := 0; i < 8; i++ {
		buf[i] = byte(ts >> (8 * i))
	}
	h.Write(buf[:])
	return float64(h.Sum64()%2000)/1000 - 1
}

// priceAt is the synthetic mid price for the symbol at time t.
func (v *Venue) priceAt(symbol string, t time.Time) float64 {
	seed := symbolSeed(symbol)
	base := v.cfg.BasePrice * (0.5 + float64(seed%100)/50)
	phase := float64(seed%628) / 100
	minutes := float64(t.Unix()) / 60

	slow := math.Sin(2*math.Pi*minutes/1440 + phase)
	fast := math.Sin(2*math.Pi*minutes/90 + 2*phase)
	jitter := noise(seed, t.Truncate(time.Minute))

	return base * (1 + v.cfg.Swing*slow + 0.015*fast + 0.002*jitter)
}

// GetTicker returns the current synthetic snapshot.
func (v *Venue) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	now := v.now().UTC()
	mid := v.priceAt(symbol, now)
	half := mid * v.cfg.SpreadBps / 10000 / 2
	return domain.Ticker{
		Symbol:    strings.ToUpper(symbol),
		Last:      mid,
		Bid:       mid - half,
		Ask:       mid + half,
		Volume24h: 1000 + 500*math.Abs(noise(symbolSeed(symbol), now.Truncate(time.Hour))),
		High24h:   mid * 1.02,
		Low24h:    mid * 0.98,
		Ts:        now,
	}, nil
}

// GetKlines synthesizes bars for open times in [start, end], capped at limit
// and never past the current clock.
func (v *Venue) GetKlines(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time, limit int) ([]domain.Bar, error) {
	width := interval.Duration()
	if width == 0 {
		return nil, fmt.Errorf("interval %q: %w", interval, domain.ErrUnsupported)
	}
	if limit <= 0 {
		limit = 1000
	}
	now := v.now().UTC()
	seed := symbolSeed(symbol)
	upper := strings.ToUpper(symbol)

	var bars []domain.Bar
	for open := start.Truncate(width); !open.After(end) && len(bars) < limit; open = open.Add(width) {
		if open.Add(width).After(now) {
			break
		}
		o := v.priceAt(symbol, open)
		c := v.priceAt(symbol, open.Add(width))
		hi := math.Max(o, c) * (1 + 0.001 + 0.001*math.Abs(noise(seed, open)))
		lo := math.Min(o, c) * (1 - 0.001 - 0.001*math.Abs(noise(seed+1, open)))
		bars = append(bars, domain.Bar{
			Symbol:    upper,
			Interval:  interval,
			OpenTime:  open,
			Open:      o,
			High:      hi,
			Low:       lo,
			Close:     c,
			Volume:    50 + 25*math.Abs(noise(seed+2, open)),
			CloseTime: open.Add(width - time.Millisecond),
		})
	}
	return bars, nil
}

// GetFundingRate oscillates slowly around zero, eight-hour cadence.
func (v *Venue) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	now := v.now().UTC()
	next := now.Truncate(8 * time.Hour).Add(8 * time.Hour)
	hours := float64(now.Unix()) / 3600
	rate := 0.0001 * math.Sin(2*math.Pi*hours/72+float64(symbolSeed(symbol)%10))
	return domain.FundingRate{
		Symbol:        strings.ToUpper(symbol),
		Rate:          rate,
		NextFundingAt: next,
	}, nil
}

// GetFundingHistory returns one point per eight hours in [start, end].
func (v *Venue) GetFundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]domain.FundingPoint, error) {
	seed := symbolSeed(symbol)
	var points []domain.FundingPoint
	for ts := start.Truncate(8 * time.Hour); !ts.After(end); ts = ts.Add(8 * time.Hour) {
		hours := float64(ts.Unix()) / 3600
		points = append(points, domain.FundingPoint{
			Symbol: strings.ToUpper(symbol),
			Rate:   0.0001 * math.Sin(2*math.Pi*hours/72+float64(seed%10)),
			Ts:     ts,
		})
	}
	return points, nil
}

// GetOrderbook synthesizes symmetric depth around the mid.
func (v *Venue) GetOrderbook(ctx context.Context, symbol string, depth int) (domain.Orderbook, error) {
	if depth <= 0 {
		depth = 10
	}
	t, err := v.GetTicker(ctx, symbol)
	if err != nil {
		return domain.Orderbook{}, err
	}
	book := domain.Orderbook{Symbol: t.Symbol, Ts: t.Ts}
	step := t.Mid() * 0.0001
	for i := 0; i < depth; i++ {
		book.Bids = append(book.Bids, domain.OrderbookLevel{
			Price: t.Bid - float64(i)*step,
			Qty:   1 + float64(i)*0.5,
		})
		book.Asks = append(book.Asks, domain.OrderbookLevel{
			Price: t.Ask + float64(i)*step,
			Qty:   1 + float64(i)*0.5,
		})
	}
	return book, nil
}

// GetMarkPrice equals the synthetic mid.
func (v *Venue) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return v.priceAt(symbol, v.now().UTC()), nil
}

// PlaceOrder is absent on the synthetic venue: simulated execution runs in
// the matching engine.
func (v *Venue) PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	return domain.Order{}, fmt.Errorf("sim venue does not execute orders: %w", domain.ErrNotImplemented)
}

// CancelOrder is absent on the synthetic venue.
func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return fmt.Errorf("sim venue does not execute orders: %w", domain.ErrNotImplemented)
}

// GetBalances is absent on the synthetic venue.
func (v *Venue) GetBalances(ctx context.Context) (domain.Balance, error) {
	return domain.Balance{}, fmt.Errorf("sim venue has no account: %w", domain.ErrNotImplemented)
}

// GetPositions is absent on the synthetic venue.
func (v *Venue) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, fmt.Errorf("sim venue has no account: %w", domain.ErrNotImplemented)
}

// SetLeverage is absent on the synthetic venue.
func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return fmt.Errorf("sim venue has no account: %w", domain.ErrNotImplemented)
}

// SetMarginType is absent on the synthetic venue.
func (v *Venue) SetMarginType(ctx context.Context, symbol, marginType string) error {
	return fmt.Errorf("sim venue has no account: %w", domain.ErrNotImplemented)
}
