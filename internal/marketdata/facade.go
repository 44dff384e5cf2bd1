// Package marketdata fronts venue connectors with an on-disk bar cache and
// a TTL quote cache. Backtests, live sessions and the anomaly scanner all
// read market data through the Facade and never talk to connectors directly.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/marketdata/cache"
	"github.com/tradeforge/tradeforge/internal/marketdata/quotecache"
	"github.com/tradeforge/tradeforge/internal/metrics"
)

const klinePageLimit = 1000

// Connector is one exchange integration. Market-data methods are mandatory;
// trading and account methods may return domain.ErrNotImplemented on
// read-only venues.
type Connector interface {
	Name() string

	GetTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	GetKlines(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time, limit int) ([]domain.Bar, error)
	GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error)
	GetFundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]domain.FundingPoint, error)
	GetOrderbook(ctx context.Context, symbol string, depth int) (domain.Orderbook, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetBalances(ctx context.Context) (domain.Balance, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
}

// KlineStreamer is implemented by connectors with a native bar stream.
// Others fall back to the polling synthesizer in feed.go.
type KlineStreamer interface {
	StreamKlines(ctx context.Context, symbol string, interval domain.Interval) (<-chan domain.Bar, error)
}

// Options configures the facade.
type Options struct {
	CacheDir     string
	DefaultVenue string
	RedisAddr    string
	RedisDB      int
	QuoteTTL     time.Duration
	PollInterval time.Duration
}

// Facade is the market-data entry point.
type Facade struct {
	bars         *cache.Store
	quotes       *quotecache.Cache
	connectors   map[string]Connector
	metrics      *metrics.Registry
	defaultVenue string
	pollInterval time.Duration
	now          func() time.Time
}

// New opens the bar cache and registers the given connectors.
func New(opts Options, m *metrics.Registry, connectors ...Connector) (*Facade, error) {
	if m == nil {
		m = metrics.Nop()
	}
	if opts.QuoteTTL == 0 {
		opts.QuoteTTL = 5 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	store, err := cache.New(opts.CacheDir)
	if err != nil {
		return nil, err
	}
	f := &Facade{
		bars:         store,
		quotes:       quotecache.New(opts.RedisAddr, opts.RedisDB, opts.QuoteTTL),
		connectors:   make(map[string]Connector, len(connectors)),
		metrics:      m,
		defaultVenue: opts.DefaultVenue,
		pollInterval: opts.PollInterval,
		now:          time.Now,
	}
	for _, c := range connectors {
		f.connectors[c.Name()] = c
	}
	if f.defaultVenue == "" && len(connectors) > 0 {
		f.defaultVenue = connectors[0].Name()
	}
	return f, nil
}

// Connector resolves a venue by name; empty selects the default venue.
func (f *Facade) Connector(venue string) (Connector, error) {
	if venue == "" {
		venue = f.defaultVenue
	}
	c, ok := f.connectors[strings.ToLower(venue)]
	if !ok {
		return nil, fmt.Errorf("venue %q: %w", venue, domain.ErrUnsupported)
	}
	return c, nil
}

// Venues lists the registered venue names.
func (f *Facade) Venues() []string {
	names := make([]string, 0, len(f.connectors))
	for name := range f.connectors {
		names = append(names, name)
	}
	return names
}

// FetchRequest asks for bars with open time in [Start, End].
type FetchRequest struct {
	Venue    string
	Symbol   string
	Interval domain.Interval
	Start    time.Time
	End      time.Time
}

// FetchResult carries the bars plus how they were served.
type FetchResult struct {
	Bars     []domain.Bar
	CacheHit bool // entire range served from cache, no network
	Fetched  int  // bars pulled from the venue on this call
	Partial  bool // venue failed, result is the cached subset only
}

// FetchBars serves the requested range, fetching only the missing prefix
// and suffix around cached coverage and persisting the merged series.
//
// Venue failure with a cached subset degrades to that subset with
// Partial=true. A venue that answers but has no data for a required gap
// raises domain.ErrDataGap.
func (f *Facade) FetchBars(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if !req.Interval.Valid() {
		return nil, fmt.Errorf("interval %q: %w", req.Interval, domain.ErrUnsupported)
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("symbol required: %w", domain.ErrValidation)
	}
	if req.End.Before(req.Start) {
		return nil, fmt.Errorf("end before start: %w", domain.ErrValidation)
	}
	symbol := strings.ToUpper(req.Symbol)
	width := req.Interval.Duration()
	start := req.Start.UTC().Truncate(width)
	end := req.End.UTC().Truncate(width)

	// never ask for the still-forming bar
	lastClosed := f.now().UTC().Truncate(width).Add(-width)
	if end.After(lastClosed) {
		end = lastClosed
	}
	if end.Before(start) {
		return &FetchResult{}, nil
	}

	covStart, covEnd, covered := f.bars.Coverage(symbol, req.Interval)
	if covered && !covStart.After(start) && !covEnd.Before(end) {
		bars, err := f.bars.Get(symbol, req.Interval, start, end)
		if err != nil {
			return nil, err
		}
		f.metrics.CacheHits.WithLabelValues("bars").Inc()
		return &FetchResult{Bars: bars, CacheHit: true}, nil
	}
	f.metrics.CacheMisses.WithLabelValues("bars").Inc()

	conn, err := f.Connector(req.Venue)
	if err != nil {
		return nil, err
	}

	type gap struct{ from, to time.Time }
	var gaps []gap
	if !covered {
		gaps = append(gaps, gap{start, end})
	} else {
		if start.Before(covStart) {
			gaps = append(gaps, gap{start, covStart.Add(-width)})
		}
		if end.After(covEnd) {
			gaps = append(gaps, gap{covEnd.Add(width), end})
		}
	}

	var fetched []domain.Bar
	for _, g := range gaps {
		got, ferr := f.fetchRange(ctx, conn, symbol, req.Interval, g.from, g.to)
		fetched = append(fetched, got...)
		if ferr != nil {
			return f.degradeToCache(symbol, req.Interval, start, end, ferr)
		}
		if len(got) == 0 {
			return nil, fmt.Errorf("%s %s %s..%s: %w",
				symbol, req.Interval, g.from.Format(time.RFC3339), g.to.Format(time.RFC3339),
				domain.ErrDataGap)
		}
	}

	if len(fetched) > 0 {
		if _, err := f.bars.Put(symbol, req.Interval, fetched); err != nil {
			return nil, err
		}
	}
	bars, err := f.bars.Get(symbol, req.Interval, start, end)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Bars: bars, Fetched: len(fetched)}, nil
}

// degradeToCache answers a venue failure with whatever the cache holds.
func (f *Facade) degradeToCache(symbol string, interval domain.Interval, start, end time.Time, cause error) (*FetchResult, error) {
	cached, cerr := f.bars.Get(symbol, interval, start, end)
	if cerr != nil || len(cached) == 0 {
		return nil, fmt.Errorf("fetch %s %s: %w", symbol, interval, cause)
	}
	log.Warn().
		Err(cause).
		Str("symbol", symbol).
		Str("interval", string(interval)).
		Int("cached_bars", len(cached)).
		Msg("venue fetch failed, serving partial cache")
	return &FetchResult{Bars: cached, Partial: true}, nil
}

// fetchRange pages through the connector until the gap is covered or the
// venue runs out of data. Bars arrive oldest first.
func (f *Facade) fetchRange(ctx context.Context, conn Connector, symbol string, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	width := interval.Duration()
	var out []domain.Bar
	cursor := start
	for !cursor.After(end) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		batch, err := conn.GetKlines(ctx, symbol, interval, cursor, end, klinePageLimit)
		if err != nil {
			return out, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		next := batch[len(batch)-1].OpenTime.Add(width)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return out, nil
}

// Ticker serves the venue ticker through the TTL quote cache.
func (f *Facade) Ticker(ctx context.Context, venue, symbol string) (domain.Ticker, error) {
	conn, err := f.Connector(venue)
	if err != nil {
		return domain.Ticker{}, err
	}
	symbol = strings.ToUpper(symbol)
	if t, ok := f.quotes.Get(ctx, conn.Name(), symbol); ok {
		f.metrics.CacheHits.WithLabelValues("quotes").Inc()
		return t, nil
	}
	f.metrics.CacheMisses.WithLabelValues("quotes").Inc()
	t, err := conn.GetTicker(ctx, symbol)
	if err != nil {
		return domain.Ticker{}, err
	}
	f.quotes.Set(ctx, conn.Name(), symbol, t)
	return t, nil
}

// FundingRate proxies the venue's current funding rate.
func (f *Facade) FundingRate(ctx context.Context, venue, symbol string) (domain.FundingRate, error) {
	conn, err := f.Connector(venue)
	if err != nil {
		return domain.FundingRate{}, err
	}
	return conn.GetFundingRate(ctx, strings.ToUpper(symbol))
}

// FundingHistory proxies historical funding points.
func (f *Facade) FundingHistory(ctx context.Context, venue, symbol string, start, end time.Time) ([]domain.FundingPoint, error) {
	conn, err := f.Connector(venue)
	if err != nil {
		return nil, err
	}
	return conn.GetFundingHistory(ctx, strings.ToUpper(symbol), start, end)
}

// Catalog lists every cached series.
func (f *Facade) Catalog() []cache.IndexEntry {
	return f.bars.Entries()
}

// DeleteCached drops one cached series.
func (f *Facade) DeleteCached(symbol string, interval domain.Interval) error {
	return f.bars.Delete(strings.ToUpper(symbol), interval)
}

// Close releases the quote cache connection.
func (f *Facade) Close() error {
	return f.quotes.Close()
}
