package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/marketdata/sim"
)

// countingConn wraps the synthetic venue and lets tests fail or empty out
// the kline endpoint.
type countingConn struct {
	*sim.Venue
	mu          sync.Mutex
	klineCalls  int
	tickerCalls int
	failKlines  bool
	emptyKlines bool
}

func (c *countingConn) GetKlines(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time, limit int) ([]domain.Bar, error) {
	c.mu.Lock()
	c.klineCalls++
	fail, empty := c.failKlines, c.emptyKlines
	c.mu.Unlock()
	if fail {
		return nil, errors.New("venue down")
	}
	if empty {
		return nil, nil
	}
	return c.Venue.GetKlines(ctx, symbol, interval, start, end, limit)
}

func (c *countingConn) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	c.mu.Lock()
	c.tickerCalls++
	c.mu.Unlock()
	return c.Venue.GetTicker(ctx, symbol)
}

func (c *countingConn) setFail(v bool) {
	c.mu.Lock()
	c.failKlines = v
	c.mu.Unlock()
}

func newTestFacade(t *testing.T, now time.Time) (*Facade, *countingConn) {
	t.Helper()
	conn := &countingConn{Venue: sim.New(sim.Config{}).WithClock(func() time.Time { return now })}
	f, err := New(Options{
		CacheDir: t.TempDir(),
		QuoteTTL: time.Minute,
	}, nil, conn)
	require.NoError(t, err)
	f.now = func() time.Time { return now }
	return f, conn
}

func TestFetchBarsCachesSecondCall(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f, conn := newTestFacade(t, now)
	ctx := context.Background()

	req := FetchRequest{
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1h,
		Start:    now.Add(-24 * time.Hour),
		End:      now.Add(-time.Hour),
	}
	res, err := f.FetchBars(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 24, len(res.Bars))
	assert.Equal(t, 24, res.Fetched)
	firstCalls := conn.klineCalls
	assert.Greater(t, firstCalls, 0)

	res2, err := f.FetchBars(ctx, req)
	require.NoError(t, err)
	assert.True(t, res2.CacheHit)
	assert.Equal(t, res.Bars, res2.Bars)
	assert.Equal(t, firstCalls, conn.klineCalls, "cache hit must not touch the venue")
}

func TestFetchBarsExtendsPrefixOnly(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f, _ := newTestFacade(t, now)
	ctx := context.Background()

	base := FetchRequest{
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1h,
		Start:    now.Add(-12 * time.Hour),
		End:      now.Add(-time.Hour),
	}
	_, err := f.FetchBars(ctx, base)
	require.NoError(t, err)

	wider := base
	wider.Start = now.Add(-18 * time.Hour)
	res, err := f.FetchBars(ctx, wider)
	require.NoError(t, err)
	assert.Equal(t, 18, len(res.Bars))
	assert.Equal(t, 6, res.Fetched, "only the missing prefix is fetched")
}

func TestFetchBarsExtendsSuffixAndRehashes(t *testing.T) {
	now := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	f, _ := newTestFacade(t, now)
	ctx := context.Background()

	base := FetchRequest{
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1h,
		Start:    now.Add(-48 * time.Hour),
		End:      now.Add(-25 * time.Hour),
	}
	_, err := f.FetchBars(ctx, base)
	require.NoError(t, err)
	hashBefore := catalogHash(t, f, "BTCUSDT")

	wider := base
	wider.End = now.Add(-time.Hour)
	res, err := f.FetchBars(ctx, wider)
	require.NoError(t, err)
	assert.Equal(t, 48, len(res.Bars))
	assert.Equal(t, 24, res.Fetched, "only the missing suffix is fetched")

	entries := f.Catalog()
	require.Len(t, entries, 1)
	assert.Equal(t, 48, entries[0].Rows)
	assert.NotEqual(t, hashBefore, entries[0].ContentHash, "merged series gets a new content hash")
}

func catalogHash(t *testing.T, f *Facade, symbol string) string {
	t.Helper()
	for _, e := range f.Catalog() {
		if e.Symbol == symbol {
			return e.ContentHash
		}
	}
	t.Fatalf("no catalog entry for %s", symbol)
	return ""
}

func TestFetchBarsDegradesToPartialCache(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f, conn := newTestFacade(t, now)
	ctx := context.Background()

	seed := FetchRequest{
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1h,
		Start:    now.Add(-6 * time.Hour),
		End:      now.Add(-time.Hour),
	}
	_, err := f.FetchBars(ctx, seed)
	require.NoError(t, err)

	conn.setFail(true)
	wider := seed
	wider.Start = now.Add(-48 * time.Hour)
	res, err := f.FetchBars(ctx, wider)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, 6, len(res.Bars), "cached subset is served on venue failure")
}

func TestFetchBarsDataGap(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f, conn := newTestFacade(t, now)
	conn.emptyKlines = true

	_, err := f.FetchBars(context.Background(), FetchRequest{
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1h,
		Start:    now.Add(-6 * time.Hour),
		End:      now.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrDataGap)
}

func TestFetchBarsValidation(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f, _ := newTestFacade(t, now)
	ctx := context.Background()

	_, err := f.FetchBars(ctx, FetchRequest{Symbol: "BTCUSDT", Interval: "2h", Start: now.Add(-time.Hour), End: now})
	assert.ErrorIs(t, err, domain.ErrUnsupported)

	_, err = f.FetchBars(ctx, FetchRequest{Symbol: "BTCUSDT", Interval: domain.Interval1h, Start: now, End: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.FetchBars(ctx, FetchRequest{Interval: domain.Interval1h, Start: now.Add(-time.Hour), End: now})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.FetchBars(ctx, FetchRequest{Venue: "nope", Symbol: "BTCUSDT", Interval: domain.Interval1h, Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestTickerUsesQuoteCache(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f, conn := newTestFacade(t, now)
	ctx := context.Background()

	t1, err := f.Ticker(ctx, "sim", "BTCUSDT")
	require.NoError(t, err)
	t2, err := f.Ticker(ctx, "sim", "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, t1.Last, t2.Last)
	assert.Equal(t, 1, conn.tickerCalls, "second read must come from the quote cache")
}

func TestCatalogAndDelete(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f, _ := newTestFacade(t, now)
	ctx := context.Background()

	_, err := f.FetchBars(ctx, FetchRequest{
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1h,
		Start:    now.Add(-6 * time.Hour),
		End:      now.Add(-time.Hour),
	})
	require.NoError(t, err)

	entries := f.Catalog()
	require.Len(t, entries, 1)
	assert.Equal(t, "BTCUSDT", entries[0].Symbol)
	assert.Equal(t, 6, entries[0].Rows)

	require.NoError(t, f.DeleteCached("BTCUSDT", domain.Interval1h))
	assert.Empty(t, f.Catalog())

	err = f.DeleteCached("BTCUSDT", domain.Interval1h)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStreamBarsPollingSynthesis(t *testing.T) {
	var mu sync.Mutex
	cur := time.Date(2024, 3, 2, 0, 0, 10, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(25 * time.Second)
		return cur
	}

	conn := &countingConn{Venue: sim.New(sim.Config{}).WithClock(clock)}
	f, err := New(Options{
		CacheDir:     t.TempDir(),
		QuoteTTL:     time.Nanosecond, // force a fresh ticker every poll
		PollInterval: time.Millisecond,
	}, nil, conn)
	require.NoError(t, err)
	f.now = clock

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	bars, err := f.StreamBars(ctx, "sim", "BTCUSDT", domain.Interval1m)
	require.NoError(t, err)

	var got []domain.Bar
	for b := range bars {
		got = append(got, b)
		if len(got) == 3 {
			cancel()
		}
	}
	require.GreaterOrEqual(t, len(got), 3)
	for _, b := range got {
		assert.Equal(t, "BTCUSDT", b.Symbol)
		assert.GreaterOrEqual(t, b.High, b.Low)
		assert.Positive(t, b.Volume)
	}
	assert.True(t, got[0].OpenTime.Before(got[1].OpenTime), "bars arrive in order")
}
