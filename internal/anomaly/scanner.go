package anomaly

import (
	"context"
	"time"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/marketdata"
)

// MarketSource is the slice of the market data facade a scan needs.
type MarketSource interface {
	FetchBars(ctx context.Context, req marketdata.FetchRequest) (*marketdata.FetchResult, error)
	FundingHistory(ctx context.Context, venue, symbol string, start, end time.Time) ([]domain.FundingPoint, error)
}

// ScanRequest names the series to pull and check.
type ScanRequest struct {
	Venue    string
	Symbol   string
	Interval domain.Interval
	Start    time.Time
	End      time.Time
}

// Report is the outcome of a symbol scan: every flagged sample across the
// price, volume and funding series, sorted by timestamp.
type Report struct {
	Symbol   string          `json:"symbol"`
	Interval domain.Interval `json:"interval"`
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	Bars     int             `json:"bars"`
	Results  []Result        `json:"results"`
}

// ScanSymbol fetches candles (and funding history, when the venue serves
// it) and runs the applicable detectors. A funding history error is not
// fatal: spot venues have none, so the scan degrades to bar checks.
func ScanSymbol(ctx context.Context, src MarketSource, det *Detector, req ScanRequest) (*Report, error) {
	res, err := src.FetchBars(ctx, marketdata.FetchRequest{
		Venue:    req.Venue,
		Symbol:   req.Symbol,
		Interval: req.Interval,
		Start:    req.Start,
		End:      req.End,
	})
	if err != nil {
		return nil, err
	}
	ts := make([]time.Time, len(res.Bars))
	closes := make([]float64, len(res.Bars))
	vols := make([]float64, len(res.Bars))
	for i, b := range res.Bars {
		ts[i] = b.OpenTime
		closes[i] = b.Close
		vols[i] = b.Volume
	}

	report := &Report{
		Symbol:   req.Symbol,
		Interval: req.Interval,
		Start:    req.Start,
		End:      req.End,
		Bars:     len(res.Bars),
	}
	report.Results = append(report.Results, det.CheckPrices(ts, closes)...)
	report.Results = append(report.Results, det.CheckVolumes(ts, vols)...)

	if points, ferr := src.FundingHistory(ctx, req.Venue, req.Symbol, req.Start, req.End); ferr == nil && len(points) > 0 {
		fts := make([]time.Time, len(points))
		rates := make([]float64, len(points))
		for i, p := range points {
			fts[i] = p.Ts
			rates[i] = p.Rate
		}
		report.Results = append(report.Results, det.CheckFunding(fts, rates)...)
	}

	sortByTime(report.Results)
	return report, nil
}
