// Package binance implements the Binance USDT-margined perpetual connector.
//
// Market data goes through the public fapi endpoints; trading and account
// endpoints are HMAC-SHA256 signed and require credentials. All requests
// pass the shared venue guard (rate limit + circuit breaker).
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/marketdata/guard"
	"github.com/tradeforge/tradeforge/internal/metrics"
)

const (
	defaultBaseURL   = "https://fapi.binance.com"
	defaultStreamURL = "wss://fstream.binance.com/ws"
	recvWindowMs     = 5000
	klinePageLimit   = 1000
)

// Config holds connector settings. Zero values fall back to defaults.
type Config struct {
	BaseURL     string
	StreamURL   string
	APIKey      string
	APISecret   string
	Timeout     time.Duration
	RequestRate float64
}

// Client talks to the Binance futures API.
type Client struct {
	http      *resty.Client
	guard     *guard.Guard
	streamURL string
	apiKey    string
	apiSecret string
}

// New builds a Client. Credentials may be empty for market-data-only use;
// signed endpoints then fail with a validation error.
func New(cfg Config, m *metrics.Registry) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultStreamURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestRate == 0 {
		cfg.RequestRate = 20
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:      httpClient,
		guard:     guard.New("binance", cfg.RequestRate, m),
		streamURL: cfg.StreamURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
	}
}

// Name identifies the venue.
func (c *Client) Name() string { return "binance" }

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) decodeError(resp *resty.Response) error {
	var apiErr apiError
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && apiErr.Msg != "" {
		if apiErr.Code == -1121 {
			return fmt.Errorf("binance: %s: %w", apiErr.Msg, domain.ErrUnsupported)
		}
		return fmt.Errorf("binance code %d: %s: %w", apiErr.Code, apiErr.Msg, domain.ErrVenue)
	}
	return fmt.Errorf("binance status %d: %s: %w", resp.StatusCode(), resp.String(), domain.ErrVenue)
}

func (c *Client) get(ctx context.Context, endpoint, path string, params map[string]string, out interface{}) error {
	return c.guard.Do(ctx, endpoint, func() error {
		req := c.http.R().SetContext(ctx)
		if params != nil {
			req.SetQueryParams(params)
		}
		if out != nil {
			req.SetResult(out)
		}
		resp, err := req.Get(path)
		if err != nil {
			return fmt.Errorf("binance %s: %w", endpoint, err)
		}
		if resp.IsError() {
			return c.decodeError(resp)
		}
		return nil
	})
}

// signed issues an authenticated request. Binance signs the exact query
// string, so the parameters are encoded once and reused.
func (c *Client) signed(ctx context.Context, endpoint, method, path string, params url.Values, out interface{}) error {
	if c.apiKey == "" || c.apiSecret == "" {
		return fmt.Errorf("binance credentials not configured: %w", domain.ErrValidation)
	}
	return c.guard.Do(ctx, endpoint, func() error {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindowMs))
		query := params.Encode()

		mac := hmac.New(sha256.New, []byte(c.apiSecret))
		mac.Write([]byte(query))
		query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

		req := c.http.R().
			SetContext(ctx).
			SetHeader("X-MBX-APIKEY", c.apiKey).
			SetQueryString(query)
		if out != nil {
			req.SetResult(out)
		}

		var resp *resty.Response
		var err error
		switch method {
		case http.MethodPost:
			resp, err = req.Post(path)
		case http.MethodDelete:
			resp, err = req.Delete(path)
		default:
			resp, err = req.Get(path)
		}
		if err != nil {
			return fmt.Errorf("binance %s: %w", endpoint, err)
		}
		if resp.IsError() {
			return c.decodeError(resp)
		}
		return nil
	})
}

type bookTicker struct {
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

type dayTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	HighPrice string `json:"highPrice"`
	LowPrice  string `json:"lowPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

// GetTicker combines the 24hr statistics and book top into one snapshot.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	symbol = strings.ToUpper(symbol)
	var day dayTicker
	if err := c.get(ctx, "ticker24h", "/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol}, &day); err != nil {
		return domain.Ticker{}, err
	}
	var book bookTicker
	if err := c.get(ctx, "bookTicker", "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol}, &book); err != nil {
		return domain.Ticker{}, err
	}
	t := domain.Ticker{
		Symbol:    symbol,
		Last:      parseF(day.LastPrice),
		Bid:       parseF(book.BidPrice),
		Ask:       parseF(book.AskPrice),
		Volume24h: parseF(day.Volume),
		High24h:   parseF(day.HighPrice),
		Low24h:    parseF(day.LowPrice),
		Ts:        time.UnixMilli(day.CloseTime).UTC(),
	}
	if day.CloseTime == 0 {
		t.Ts = time.Now().UTC()
	}
	return t, nil
}

// GetKlines fetches bars with open time in [start, end], up to limit rows.
// Binance returns klines as positional arrays with string prices.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time, limit int) ([]domain.Bar, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("interval %q: %w", interval, domain.ErrUnsupported)
	}
	if limit <= 0 || limit > klinePageLimit {
		limit = klinePageLimit
	}
	symbol = strings.ToUpper(symbol)
	params := map[string]string{
		"symbol":    symbol,
		"interval":  string(interval),
		"startTime": strconv.FormatInt(start.UnixMilli(), 10),
		"endTime":   strconv.FormatInt(end.UnixMilli(), 10),
		"limit":     strconv.Itoa(limit),
	}
	var rows [][]interface{}
	if err := c.get(ctx, "klines", "/fapi/v1/klines", params, &rows); err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(asInt64(row[0])).UTC(),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[5]),
			CloseTime: time.UnixMilli(asInt64(row[6])).UTC(),
		})
	}
	return bars, nil
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

// GetFundingRate returns the current funding rate and next funding time.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	symbol = strings.ToUpper(symbol)
	var idx premiumIndex
	if err := c.get(ctx, "premiumIndex", "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol}, &idx); err != nil {
		return domain.FundingRate{}, err
	}
	return domain.FundingRate{
		Symbol:        symbol,
		Rate:          parseF(idx.LastFundingRate),
		NextFundingAt: time.UnixMilli(idx.NextFundingTime).UTC(),
	}, nil
}

type fundingRow struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

// GetFundingHistory returns settled funding rates in [start, end].
func (c *Client) GetFundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]domain.FundingPoint, error) {
	symbol = strings.ToUpper(symbol)
	params := map[string]string{
		"symbol":    symbol,
		"startTime": strconv.FormatInt(start.UnixMilli(), 10),
		"endTime":   strconv.FormatInt(end.UnixMilli(), 10),
		"limit":     "1000",
	}
	var rows []fundingRow
	if err := c.get(ctx, "fundingRate", "/fapi/v1/fundingRate", params, &rows); err != nil {
		return nil, err
	}
	points := make([]domain.FundingPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, domain.FundingPoint{
			Symbol: symbol,
			Rate:   parseF(row.FundingRate),
			Ts:     time.UnixMilli(row.FundingTime).UTC(),
		})
	}
	return points, nil
}

type depthResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Time int64      `json:"T"`
}

// GetOrderbook returns an L2 snapshot with up to depth levels per side.
func (c *Client) GetOrderbook(ctx context.Context, symbol string, depth int) (domain.Orderbook, error) {
	symbol = strings.ToUpper(symbol)
	if depth <= 0 {
		depth = 20
	}
	params := map[string]string{"symbol": symbol, "limit": strconv.Itoa(depth)}
	var resp depthResponse
	if err := c.get(ctx, "depth", "/fapi/v1/depth", params, &resp); err != nil {
		return domain.Orderbook{}, err
	}
	book := domain.Orderbook{Symbol: symbol, Ts: time.UnixMilli(resp.Time).UTC()}
	for _, lvl := range resp.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, domain.OrderbookLevel{Price: parseF(lvl[0]), Qty: parseF(lvl[1])})
		}
	}
	for _, lvl := range resp.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, domain.OrderbookLevel{Price: parseF(lvl[0]), Qty: parseF(lvl[1])})
		}
	}
	return book, nil
}

// GetMarkPrice returns the venue mark price used for liquidation checks.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	var idx premiumIndex
	if err := c.get(ctx, "premiumIndex", "/fapi/v1/premiumIndex", map[string]string{"symbol": strings.ToUpper(symbol)}, &idx); err != nil {
		return 0, err
	}
	return parseF(idx.MarkPrice), nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	ClientOrderID string `json:"clientOrderId"`
	UpdateTime    int64  `json:"updateTime"`
}

var kindToBinance = map[domain.OrderKind]string{
	domain.Market:       "MARKET",
	domain.Limit:        "LIMIT",
	domain.Stop:         "STOP_MARKET",
	domain.StopLimit:    "STOP",
	domain.TrailingStop: "TRAILING_STOP_MARKET",
}

var statusFromBinance = map[string]domain.OrderStatus{
	"NEW":              domain.OrderPending,
	"PARTIALLY_FILLED": domain.OrderPartiallyFilled,
	"FILLED":           domain.OrderFilled,
	"CANCELED":         domain.OrderCancelled,
	"EXPIRED":          domain.OrderCancelled,
	"REJECTED":         domain.OrderRejected,
}

// PlaceOrder submits an order. TpSl brackets are not a native order type
// here; the live engine expands them before submission.
func (c *Client) PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	binType, ok := kindToBinance[order.Kind]
	if !ok {
		return domain.Order{}, fmt.Errorf("order kind %q not supported by binance connector: %w", order.Kind, domain.ErrUnsupported)
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(order.Symbol))
	params.Set("side", string(order.Side))
	params.Set("type", binType)
	params.Set("quantity", strconv.FormatFloat(order.Qty, 'f', -1, 64))
	if order.Kind == domain.Limit || order.Kind == domain.StopLimit {
		params.Set("price", strconv.FormatFloat(order.LimitPrice, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if order.Kind == domain.Stop || order.Kind == domain.StopLimit {
		params.Set("stopPrice", strconv.FormatFloat(order.StopPrice, 'f', -1, 64))
	}
	if order.Kind == domain.TrailingStop {
		// Binance expresses callback rate in percent, 0.1..10.
		params.Set("callbackRate", strconv.FormatFloat(order.CallbackRate*100, 'f', 1, 64))
		if order.ActivationPrice > 0 {
			params.Set("activationPrice", strconv.FormatFloat(order.ActivationPrice, 'f', -1, 64))
		}
	}
	if order.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	var resp orderResponse
	if err := c.signed(ctx, "placeOrder", http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return domain.Order{}, err
	}
	placed := order
	placed.ID = strconv.FormatInt(resp.OrderID, 10)
	if st, ok := statusFromBinance[resp.Status]; ok {
		placed.Status = st
	} else {
		placed.Status = domain.OrderPending
	}
	placed.FillPrice = parseF(resp.AvgPrice)
	placed.FillQty = parseF(resp.ExecutedQty)
	if resp.UpdateTime > 0 {
		placed.FilledAt = time.UnixMilli(resp.UpdateTime).UTC()
	}
	return placed, nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)
	return c.signed(ctx, "cancelOrder", http.MethodDelete, "/fapi/v1/order", params, nil)
}

type balanceRow struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
	CrossUnPnl       string `json:"crossUnPnl"`
}

// GetBalances returns the USDT wallet balance.
func (c *Client) GetBalances(ctx context.Context) (domain.Balance, error) {
	var rows []balanceRow
	if err := c.signed(ctx, "balance", http.MethodGet, "/fapi/v2/balance", url.Values{}, &rows); err != nil {
		return domain.Balance{}, err
	}
	for _, row := range rows {
		if row.Asset != "USDT" {
			continue
		}
		total := parseF(row.Balance)
		avail := parseF(row.AvailableBalance)
		return domain.Balance{
			Total:     total,
			Available: avail,
			Locked:    total - avail,
		}, nil
	}
	return domain.Balance{}, fmt.Errorf("no USDT balance returned: %w", domain.ErrVenue)
}

type positionRow struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	UpdateTime       int64  `json:"updateTime"`
}

// GetPositions returns open positions (zero-quantity rows are skipped).
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var rows []positionRow
	if err := c.signed(ctx, "positionRisk", http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &rows); err != nil {
		return nil, err
	}
	var positions []domain.Position
	for _, row := range rows {
		amt := parseF(row.PositionAmt)
		if amt == 0 {
			continue
		}
		side := domain.Long
		if amt < 0 {
			side = domain.Short
			amt = -amt
		}
		positions = append(positions, domain.Position{
			Symbol:        row.Symbol,
			Side:          side,
			Qty:           amt,
			AvgEntry:      parseF(row.EntryPrice),
			UnrealizedPnL: parseF(row.UnRealizedProfit),
			UpdatedAt:     time.UnixMilli(row.UpdateTime).UTC(),
		})
	}
	return positions, nil
}

// SetLeverage sets the symbol leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("leverage %d out of range: %w", leverage, domain.ErrValidation)
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	return c.signed(ctx, "leverage", http.MethodPost, "/fapi/v1/leverage", params, nil)
}

// SetMarginType sets ISOLATED or CROSSED margin for the symbol.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	mt := strings.ToUpper(marginType)
	if mt != "ISOLATED" && mt != "CROSSED" {
		return fmt.Errorf("margin type %q: %w", marginType, domain.ErrValidation)
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("marginType", mt)
	return c.signed(ctx, "marginType", http.MethodPost, "/fapi/v1/marginType", params, nil)
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
	case json.Number:
		f, _ := t.Float64()
		return f
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
	case json.Number:
		n, _ := t.Int64()
		return n
	}
	return 0
}
