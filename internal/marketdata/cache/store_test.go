package cache

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/internal/domain"
)

func mkBars(start time.Time, interval domain.Interval, n int) []domain.Bar {
	width := interval.Duration()
	bars := make([]domain.Bar, n)
	for i := range bars {
		open := start.Add(time.Duration(i) * width)
		px := 100 + float64(i)
		bars[i] = domain.Bar{
			Symbol:    "BTCUSDT",
			Interval:  interval,
			OpenTime:  open,
			Open:      px,
			High:      px + 1,
			Low:       px - 1,
			Close:     px + 0.5,
			Volume:    10 + float64(i),
			CloseTime: open.Add(width - time.Millisecond),
		}
	}
	return bars
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := mkBars(start, domain.Interval1h, 24)

	entry, err := s.Put("btcusdt", domain.Interval1h, bars)
	require.NoError(t, err)
	assert.Equal(t, 24, entry.Rows)
	assert.Equal(t, "BTCUSDT", entry.Symbol)
	assert.NotEmpty(t, entry.ContentHash)

	got, err := s.Get("BTCUSDT", domain.Interval1h, start, start.Add(23*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 24)
	assert.Equal(t, bars[0].Open, got[0].Open)
	assert.Equal(t, bars[23].Close, got[23].Close)
	assert.True(t, got[5].OpenTime.Equal(bars[5].OpenTime))
}

func TestPutMergesAndDedupes(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	first := mkBars(start, domain.Interval1h, 10)
	_, err = s.Put("BTCUSDT", domain.Interval1h, first)
	require.NoError(t, err)

	// overlap: repeat the last 3 bars, then extend by 5 more
	overlap := mkBars(start.Add(7*time.Hour), domain.Interval1h, 8)
	entry, err := s.Put("BTCUSDT", domain.Interval1h, overlap)
	require.NoError(t, err)
	assert.Equal(t, 15, entry.Rows, "overlapping bars must be deduplicated")

	cs, ce, ok := s.Coverage("BTCUSDT", domain.Interval1h)
	require.True(t, ok)
	assert.True(t, cs.Equal(start))
	assert.True(t, ce.Equal(start.Add(14*time.Hour)))
}

func TestContentHashChangesWithData(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	e1, err := s.Put("ETHUSDT", domain.Interval5m, mkBars(start, domain.Interval5m, 5))
	require.NoError(t, err)
	e2, err := s.Put("ETHUSDT", domain.Interval5m, mkBars(start.Add(25*time.Minute), domain.Interval5m, 5))
	require.NoError(t, err)
	assert.NotEqual(t, e1.ContentHash, e2.ContentHash)
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = s.Put("BTCUSDT", domain.Interval1d, mkBars(start, domain.Interval1d, 7))
	require.NoError(t, err)

	reopened, err := New(dir)
	require.NoError(t, err)

	cs, ce, ok := reopened.Coverage("BTCUSDT", domain.Interval1d)
	require.True(t, ok)
	assert.True(t, cs.Equal(start))
	assert.True(t, ce.Equal(start.AddDate(0, 0, 6)))

	got, err := reopened.Get("BTCUSDT", domain.Interval1d, start, start.AddDate(0, 0, 6))
	require.NoError(t, err)
	assert.Len(t, got, 7)
}

func TestGetMissingSeries(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get("NOPE", domain.Interval1h, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = s.Put("BTCUSDT", domain.Interval1h, mkBars(start, domain.Interval1h, 3))
	require.NoError(t, err)

	require.NoError(t, s.Delete("BTCUSDT", domain.Interval1h))
	_, _, ok := s.Coverage("BTCUSDT", domain.Interval1h)
	assert.False(t, ok)

	err = s.Delete("BTCUSDT", domain.Interval1h)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReadsForeignCSVHeaders(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	// Seed a series, then rewrite its file the way a venue export looks:
	// different header names and RFC3339 timestamps.
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	entry, err := s.Put("SOLUSDT", domain.Interval1h, mkBars(start, domain.Interval1h, 1))
	require.NoError(t, err)

	foreign := "Timestamp,Open,High,Low,Close,Vol\n" +
		"2024-03-01T00:00:00Z,100,101,99,100.5,10\n" +
		"2024-03-01T01:00:00Z,100.5,102,100,101.5,11\n"
	require.NoError(t, os.WriteFile(entry.Path, []byte(foreign), 0o644))

	got, err := s.Get("SOLUSDT", domain.Interval1h, start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 101.5, got[1].Close)
	// close time synthesized from the interval when the export lacks it
	assert.True(t, got[0].CloseTime.After(got[0].OpenTime))
}

func TestParseTimestampVariants(t *testing.T) {
	ms, err := parseTimestamp("1709251200000")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ms)

	sec, err := parseTimestamp("1709251200")
	require.NoError(t, err)
	assert.True(t, sec.Equal(ms))

	txt, err := parseTimestamp("2024-03-01 00:00:00")
	require.NoError(t, err)
	assert.True(t, txt.Equal(ms))

	_, err = parseTimestamp("not-a-time")
	assert.Error(t, err)
}
