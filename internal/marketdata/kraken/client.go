// Package kraken implements a market-data-only Kraken spot connector.
// Trading and account endpoints return domain.ErrNotImplemented; sessions
// that need execution run against the simulated engine or Binance.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/marketdata/guard"
	"github.com/tradeforge/tradeforge/internal/metrics"
)

const defaultBaseURL = "https://api.kraken.com"

// Config holds connector settings. Zero values fall back to defaults.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RequestRate float64
}

// Client talks to the Kraken public REST API.
type Client struct {
	http  *resty.Client
	guard *guard.Guard
}

// New builds a Client. Kraken's public tier allows roughly one request per
// second, which is the default rate.
func New(cfg Config, m *metrics.Registry) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestRate == 0 {
		cfg.RequestRate = 1
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{
		http:  httpClient,
		guard: guard.New("kraken", cfg.RequestRate, m),
	}
}

// Name identifies the venue.
func (c *Client) Name() string { return "kraken" }

// krakenResponse is the envelope every public endpoint uses: a list of
// error strings plus a result object keyed by the canonical pair name.
type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) public(ctx context.Context, endpoint, path string, params map[string]string) (json.RawMessage, error) {
	var env krakenResponse
	err := c.guard.Do(ctx, endpoint, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&env).
			Get(path)
		if err != nil {
			return fmt.Errorf("kraken %s: %w", endpoint, err)
		}
		if resp.IsError() {
			return fmt.Errorf("kraken status %d: %w", resp.StatusCode(), domain.ErrVenue)
		}
		if len(env.Error) > 0 {
			msg := strings.Join(env.Error, "; ")
			if strings.Contains(msg, "Unknown asset pair") {
				return fmt.Errorf("kraken: %s: %w", msg, domain.ErrUnsupported)
			}
			return fmt.Errorf("kraken: %s: %w", msg, domain.ErrVenue)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// firstPairValue returns the value of the first key in a result object
// that is not the OHLC pagination cursor. Kraken responds with canonical
// pair names (XBTUSD comes back as XXBTZUSD), so the requested name cannot
// be used as the lookup key.
func firstPairValue(result json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(result, &m); err != nil {
		return nil, fmt.Errorf("decode kraken result: %w", err)
	}
	for key, val := range m {
		if key == "last" {
			continue
		}
		return val, nil
	}
	return nil, fmt.Errorf("empty kraken result: %w", domain.ErrDataGap)
}

type tickerPayload struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
	High   []string `json:"h"`
	Low    []string `json:"l"`
}

// GetTicker returns the spot ticker for the pair.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	result, err := c.public(ctx, "ticker", "/0/public/Ticker", map[string]string{"pair": symbol})
	if err != nil {
		return domain.Ticker{}, err
	}
	raw, err := firstPairValue(result)
	if err != nil {
		return domain.Ticker{}, err
	}
	var p tickerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Ticker{}, fmt.Errorf("decode kraken ticker: %w", err)
	}
	t := domain.Ticker{Symbol: strings.ToUpper(symbol), Ts: time.Now().UTC()}
	if len(p.Last) > 0 {
		t.Last = parseF(p.Last[0])
	}
	if len(p.Bid) > 0 {
		t.Bid = parseF(p.Bid[0])
	}
	if len(p.Ask) > 0 {
		t.Ask = parseF(p.Ask[0])
	}
	if len(p.Volume) > 1 {
		t.Volume24h = parseF(p.Volume[1])
	}
	if len(p.High) > 1 {
		t.High24h = parseF(p.High[1])
	}
	if len(p.Low) > 1 {
		t.Low24h = parseF(p.Low[1])
	}
	return t, nil
}

var intervalMinutes = map[domain.Interval]string{
	domain.Interval1m:  "1",
	domain.Interval5m:  "5",
	domain.Interval15m: "15",
	domain.Interval1h:  "60",
	domain.Interval4h:  "240",
	domain.Interval1d:  "1440",
}

// GetKlines fetches OHLC rows since start. Kraken ignores end paging and
// caps each response around 720 rows, so the caller's pagination loop drives
// repeated calls. Rows after end are trimmed here.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time, limit int) ([]domain.Bar, error) {
	minutes, ok := intervalMinutes[interval]
	if !ok {
		return nil, fmt.Errorf("interval %q: %w", interval, domain.ErrUnsupported)
	}
	params := map[string]string{
		"pair":     symbol,
		"interval": minutes,
		"since":    fmt.Sprintf("%d", start.Unix()-1),
	}
	result, err := c.public(ctx, "ohlc", "/0/public/OHLC", params)
	if err != nil {
		return nil, err
	}
	raw, err := firstPairValue(result)
	if err != nil {
		return nil, err
	}
	var rows [][]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode kraken ohlc: %w", err)
	}
	width := interval.Duration()
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		openTime := time.Unix(asInt64(row[0]), 0).UTC()
		if openTime.Before(start) || openTime.After(end) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Interval:  interval,
			OpenTime:  openTime,
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[6]),
			CloseTime: openTime.Add(width - time.Millisecond),
		})
		if limit > 0 && len(bars) >= limit {
			break
		}
	}
	return bars, nil
}

// GetFundingRate is unsupported on spot markets.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	return domain.FundingRate{}, fmt.Errorf("kraken spot has no funding: %w", domain.ErrUnsupported)
}

// GetFundingHistory is unsupported on spot markets.
func (c *Client) GetFundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]domain.FundingPoint, error) {
	return nil, fmt.Errorf("kraken spot has no funding: %w", domain.ErrUnsupported)
}

type depthPayload struct {
	Asks [][]interface{} `json:"asks"`
	Bids [][]interface{} `json:"bids"`
}

// GetOrderbook returns an L2 snapshot with up to depth levels per side.
func (c *Client) GetOrderbook(ctx context.Context, symbol string, depth int) (domain.Orderbook, error) {
	if depth <= 0 {
		depth = 20
	}
	params := map[string]string{"pair": symbol, "count": fmt.Sprintf("%d", depth)}
	result, err := c.public(ctx, "depth", "/0/public/Depth", params)
	if err != nil {
		return domain.Orderbook{}, err
	}
	raw, err := firstPairValue(result)
	if err != nil {
		return domain.Orderbook{}, err
	}
	var p depthPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Orderbook{}, fmt.Errorf("decode kraken depth: %w", err)
	}
	book := domain.Orderbook{Symbol: strings.ToUpper(symbol), Ts: time.Now().UTC()}
	for _, lvl := range p.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, domain.OrderbookLevel{Price: asFloat(lvl[0]), Qty: asFloat(lvl[1])})
		}
	}
	for _, lvl := range p.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, domain.OrderbookLevel{Price: asFloat(lvl[0]), Qty: asFloat(lvl[1])})
		}
	}
	return book, nil
}

// GetMarkPrice approximates the mark with the last trade on spot.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	t, err := c.GetTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.Last, nil
}

// PlaceOrder is not available on this connector.
func (c *Client) PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	return domain.Order{}, fmt.Errorf("kraken connector is market-data only: %w", domain.ErrNotImplemented)
}

// CancelOrder is not available on this connector.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return fmt.Errorf("kraken connector is market-data only: %w", domain.ErrNotImplemented)
}

// GetBalances is not available on this connector.
func (c *Client) GetBalances(ctx context.Context) (domain.Balance, error) {
	return domain.Balance{}, fmt.Errorf("kraken connector is market-data only: %w", domain.ErrNotImplemented)
}

// GetPositions is not available on this connector.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, fmt.Errorf("kraken connector is market-data only: %w", domain.ErrNotImplemented)
}

// SetLeverage is not available on this connector.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return fmt.Errorf("kraken connector is market-data only: %w", domain.ErrNotImplemented)
}

// SetMarginType is not available on this connector.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	return fmt.Errorf("kraken connector is market-data only: %w", domain.ErrNotImplemented)
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return parseF(t)
	}
	return 0
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
