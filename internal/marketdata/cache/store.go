// Package cache persists bar history on disk. Each symbol/interval series
// lives in one CSV file; a JSON index tracks coverage, row counts and a
// sha256 content hash per series. All writes are atomic (temp file plus
// rename) so a crash never leaves a truncated series behind.
package cache

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// IndexEntry describes one cached series.
type IndexEntry struct {
	Symbol      string          `json:"symbol"`
	Interval    domain.Interval `json:"interval"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Rows        int             `json:"rows"`
	Path        string          `json:"path"`
	ContentHash string          `json:"content_hash"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

// Store is the on-disk bar cache.
type Store struct {
	dir string

	mu    sync.RWMutex
	index map[string]IndexEntry
}

const indexFile = "index.json"

var csvHeader = []string{"open_time_ms", "open", "high", "low", "close", "volume", "close_time_ms"}

// New opens (or creates) the cache rooted at dir and loads its index.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{dir: dir, index: make(map[string]IndexEntry)}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func seriesKey(symbol string, interval domain.Interval) string {
	return strings.ToUpper(symbol) + "|" + string(interval)
}

func (s *Store) seriesPath(symbol string, interval domain.Interval) string {
	name := fmt.Sprintf("%s_%s.csv", strings.ToUpper(symbol), interval)
	return filepath.Join(s.dir, name)
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache index: %w", err)
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse cache index: %w", err)
	}
	for _, e := range entries {
		s.index[seriesKey(e.Symbol, e.Interval)] = e
	}
	return nil
}

// writeIndex persists the index atomically. Callers hold s.mu.
func (s *Store) writeIndex() error {
	entries := make([]IndexEntry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Symbol != entries[j].Symbol {
			return entries[i].Symbol < entries[j].Symbol
		}
		return entries[i].Interval < entries[j].Interval
	})
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache index: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, indexFile), data)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Coverage returns the cached [start, end] open-time range for the series,
// or ok=false when nothing is cached.
func (s *Store) Coverage(symbol string, interval domain.Interval) (start, end time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.index[seriesKey(symbol, interval)]
	if !found || e.Rows == 0 {
		return time.Time{}, time.Time{}, false
	}
	return e.Start, e.End, true
}

// Entry returns the index entry for a series.
func (s *Store) Entry(symbol string, interval domain.Interval) (IndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.index[seriesKey(symbol, interval)]
	return e, found
}

// Entries lists every cached series, sorted by symbol then interval.
func (s *Store) Entries() []IndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IndexEntry, 0, len(s.index))
	for _, e := range s.index {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Interval < out[j].Interval
	})
	return out
}

// Get returns the cached bars with open time in [start, end].
// domain.ErrNotFound when the series has never been cached.
func (s *Store) Get(symbol string, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	s.mu.RLock()
	e, found := s.index[seriesKey(symbol, interval)]
	s.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("series %s %s: %w", symbol, interval, domain.ErrNotFound)
	}
	bars, err := s.readSeries(e.Path, symbol, interval)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if b.OpenTime.Before(start) || b.OpenTime.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Put merges bars into the cached series, deduplicating on open time, and
// rewrites the series file and index atomically. Returns the new entry.
func (s *Store) Put(symbol string, interval domain.Interval, bars []domain.Bar) (IndexEntry, error) {
	if len(bars) == 0 {
		e, _ := s.Entry(symbol, interval)
		return e, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey(symbol, interval)
	path := s.seriesPath(symbol, interval)

	merged := make(map[int64]domain.Bar)
	if existing, found := s.index[key]; found {
		old, err := s.readSeries(existing.Path, symbol, interval)
		if err != nil {
			return IndexEntry{}, err
		}
		for _, b := range old {
			merged[b.OpenTime.UnixMilli()] = b
		}
	}
	for _, b := range bars {
		merged[b.OpenTime.UnixMilli()] = b
	}

	series := make([]domain.Bar, 0, len(merged))
	for _, b := range merged {
		series = append(series, b)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].OpenTime.Before(series[j].OpenTime) })

	data, err := encodeSeries(series)
	if err != nil {
		return IndexEntry{}, err
	}
	if err := atomicWrite(path, data); err != nil {
		return IndexEntry{}, err
	}

	sum := sha256.Sum256(data)
	entry := IndexEntry{
		Symbol:      strings.ToUpper(symbol),
		Interval:    interval,
		Start:       series[0].OpenTime,
		End:         series[len(series)-1].OpenTime,
		Rows:        len(series),
		Path:        path,
		ContentHash: hex.EncodeToString(sum[:]),
		FetchedAt:   time.Now().UTC(),
	}
	s.index[key] = entry
	if err := s.writeIndex(); err != nil {
		return IndexEntry{}, err
	}
	log.Debug().
		Str("symbol", entry.Symbol).
		Str("interval", string(interval)).
		Int("rows", entry.Rows).
		Msg("cache series updated")
	return entry, nil
}

// Delete removes a cached series and its index entry.
// domain.ErrNotFound when the series is not cached.
func (s *Store) Delete(symbol string, interval domain.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seriesKey(symbol, interval)
	e, found := s.index[key]
	if !found {
		return fmt.Errorf("series %s %s: %w", symbol, interval, domain.ErrNotFound)
	}
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove series file: %w", err)
	}
	delete(s.index, key)
	return s.writeIndex()
}

func encodeSeries(bars []domain.Bar) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, b := range bars {
		rec := []string{
			strconv.FormatInt(b.OpenTime.UnixMilli(), 10),
			strconv.FormatFloat(b.Open, 'g', -1, 64),
			strconv.FormatFloat(b.High, 'g', -1, 64),
			strconv.FormatFloat(b.Low, 'g', -1, 64),
			strconv.FormatFloat(b.Close, 'g', -1, 64),
			strconv.FormatFloat(b.Volume, 'g', -1, 64),
			strconv.FormatInt(b.CloseTime.UnixMilli(), 10),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// readSeries loads a series file. Column mapping is tolerant so series
// seeded from venue CSV exports (different header names, RFC3339 or unix
// second timestamps) load the same as our own files.
func (s *Store) readSeries(path, symbol string, interval domain.Interval) ([]domain.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("series file %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("open series file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read series header: %w", err)
	}
	cols := mapColumns(header)
	if _, ok := cols["open_time"]; !ok {
		return nil, fmt.Errorf("series file %s missing timestamp column", path)
	}

	width := interval.Duration()
	var bars []domain.Bar
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read series row: %w", err)
		}
		bar, err := parseRow(rec, cols, symbol, interval, width)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping malformed cache row")
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func mapColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[normalizeColumn(h)] = i
	}
	return cols
}

func normalizeColumn(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "open_time_ms", "open_time", "timestamp", "time", "ts", "date", "datetime":
		return "open_time"
	case "close_time_ms", "close_time":
		return "close_time"
	case "open", "o":
		return "open"
	case "high", "h":
		return "high"
	case "low", "l":
		return "low"
	case "close", "c":
		return "close"
	case "volume", "vol", "v", "base_volume":
		return "volume"
	}
	return strings.ToLower(strings.TrimSpace(name))
}

var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts unix milliseconds, unix seconds and the common
// text formats venues export.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// 13+ digit values are milliseconds, 10-digit values seconds.
		if n >= 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, format := range timestampFormats {
		if ts, err := time.Parse(format, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

func parseRow(rec []string, cols map[string]int, symbol string, interval domain.Interval, width time.Duration) (domain.Bar, error) {
	field := func(name string) (string, bool) {
		idx, ok := cols[name]
		if !ok || idx >= len(rec) {
			return "", false
		}
		return rec[idx], true
	}
	num := func(name string) (float64, error) {
		raw, ok := field(name)
		if !ok {
			return 0, fmt.Errorf("missing column %q", name)
		}
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	}

	rawTs, _ := field("open_time")
	openTime, err := parseTimestamp(rawTs)
	if err != nil {
		return domain.Bar{}, err
	}
	bar := domain.Bar{
		Symbol:   strings.ToUpper(symbol),
		Interval: interval,
		OpenTime: openTime,
	}
	if bar.Open, err = num("open"); err != nil {
		return domain.Bar{}, err
	}
	if bar.High, err = num("high"); err != nil {
		return domain.Bar{}, err
	}
	if bar.Low, err = num("low"); err != nil {
		return domain.Bar{}, err
	}
	if bar.Close, err = num("close"); err != nil {
		return domain.Bar{}, err
	}
	if bar.Volume, err = num("volume"); err != nil {
		return domain.Bar{}, err
	}
	if raw, ok := field("close_time"); ok {
		if ct, err := parseTimestamp(raw); err == nil {
			bar.CloseTime = ct
		}
	}
	if bar.CloseTime.IsZero() {
		bar.CloseTime = openTime.Add(width - time.Millisecond)
	}
	return bar, nil
}
