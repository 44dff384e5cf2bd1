package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// StreamBars delivers closed bars for a live or paper session. Venues with
// a native kline stream (Binance) are used directly; everything else gets
// bars synthesized from polled tickers. The channel closes when ctx ends.
func (f *Facade) StreamBars(ctx context.Context, venue, symbol string, interval domain.Interval) (<-chan domain.Bar, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("interval %q: %w", interval, domain.ErrUnsupported)
	}
	conn, err := f.Connector(venue)
	if err != nil {
		return nil, err
	}
	if ks, ok := conn.(KlineStreamer); ok {
		return ks.StreamKlines(ctx, symbol, interval)
	}
	out := make(chan domain.Bar, 16)
	go f.pollBars(ctx, conn, strings.ToUpper(symbol), interval, out)
	return out, nil
}

// pollBars folds polled tickers into OHLC bars. The first, partially
// observed window is discarded so every emitted bar covers its full span.
// Volume counts observed ticks, which is the best a ticker poll can do.
func (f *Facade) pollBars(ctx context.Context, conn Connector, symbol string, interval domain.Interval, out chan<- domain.Bar) {
	defer close(out)
	width := interval.Duration()
	poll := time.NewTicker(f.pollInterval)
	defer poll.Stop()

	var cur *domain.Bar
	skipWindow := f.now().UTC().Truncate(width)

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}

		t, err := f.Ticker(ctx, conn.Name(), symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("feed poll failed")
			continue
		}
		px := t.Last
		if px <= 0 {
			continue
		}
		now := f.now().UTC()
		window := now.Truncate(width)

		if cur != nil && window.After(cur.OpenTime) {
			select {
			case out <- *cur:
			case <-ctx.Done():
				return
			}
			cur = nil
		}
		if window.Equal(skipWindow) {
			continue
		}
		if cur == nil {
			cur = &domain.Bar{
				Symbol:    symbol,
				Interval:  interval,
				OpenTime:  window,
				Open:      px,
				High:      px,
				Low:       px,
				Close:     px,
				Volume:    1,
				CloseTime: window.Add(width - time.Millisecond),
			}
			continue
		}
		if px > cur.High {
			cur.High = px
		}
		if px < cur.Low {
			cur.Low = px
		}
		cur.Close = px
		cur.Volume++
	}
}
