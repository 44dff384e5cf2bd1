package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/tradeforge/internal/domain"
)

const (
	streamReadWait   = 5 * time.Minute
	reconnectBackoff = 2 * time.Second
	maxBackoff       = time.Minute
)

type wsKlineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// StreamKlines subscribes to the kline stream and delivers CLOSED bars in
// order. The channel closes when ctx is cancelled. Connection drops are
// retried with backoff; duplicates after a reconnect are filtered on open
// time.
func (c *Client) StreamKlines(ctx context.Context, symbol string, interval domain.Interval) (<-chan domain.Bar, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("interval %q: %w", interval, domain.ErrUnsupported)
	}
	endpoint := fmt.Sprintf("%s/%s@kline_%s", c.streamURL, strings.ToLower(symbol), interval)
	out := make(chan domain.Bar, 64)

	go func() {
		defer close(out)
		backoff := reconnectBackoff
		var lastOpen time.Time
		for {
			if ctx.Err() != nil {
				return
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
			if err != nil {
				log.Warn().Err(err).Str("endpoint", endpoint).Msg("kline stream dial failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = reconnectBackoff
			log.Info().Str("symbol", symbol).Str("interval", string(interval)).Msg("kline stream connected")

			lastOpen = c.readStream(ctx, conn, interval, out, lastOpen)
			conn.Close()
		}
	}()
	return out, nil
}

// readStream pumps one connection until it breaks or ctx ends. Returns the
// open time of the last delivered bar so the caller can dedupe after a
// reconnect.
func (c *Client) readStream(ctx context.Context, conn *websocket.Conn, interval domain.Interval, out chan<- domain.Bar, lastOpen time.Time) time.Time {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadWait))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("kline stream read failed, reconnecting")
			}
			return lastOpen
		}
		var ev wsKlineEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.EventType != "kline" {
			continue
		}
		if !ev.Kline.Closed {
			continue
		}
		openTime := time.UnixMilli(ev.Kline.OpenTime).UTC()
		if !openTime.After(lastOpen) {
			continue
		}
		bar := domain.Bar{
			Symbol:    strings.ToUpper(ev.Symbol),
			Interval:  interval,
			OpenTime:  openTime,
			Open:      parseF(ev.Kline.Open),
			High:      parseF(ev.Kline.High),
			Low:       parseF(ev.Kline.Low),
			Close:     parseF(ev.Kline.Close),
			Volume:    parseF(ev.Kline.Volume),
			CloseTime: time.UnixMilli(ev.Kline.CloseTime).UTC(),
		}
		select {
		case out <- bar:
			lastOpen = openTime
		case <-ctx.Done():
			return lastOpen
		}
	}
}
