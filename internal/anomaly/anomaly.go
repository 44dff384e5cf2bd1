// Package anomaly flags statistical irregularities in market data series:
// price spikes, volume surges, funding extremes, open-interest jumps and
// liquidation cascades. Detectors are pure functions over parallel
// (timestamp, value) slices so they run identically over cached history
// and live windows.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Type names the series a detector ran over.
type Type string

const (
	TypePrice        Type = "price_spike"
	TypeVolume       Type = "volume_surge"
	TypeFunding      Type = "funding_extreme"
	TypeOpenInterest Type = "oi_surge"
	TypeLiquidation  Type = "liquidation_cascade"
)

// Severity buckets the score-to-threshold ratio.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func severityFor(score, threshold float64) Severity {
	if threshold == 0 {
		return SeverityLow
	}
	ratio := math.Abs(score) / threshold
	switch {
	case ratio >= 2.0:
		return SeverityCritical
	case ratio >= 1.5:
		return SeverityHigh
	case ratio >= 1.0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Result is one flagged sample.
type Result struct {
	Type        Type      `json:"type"`
	Severity    Severity  `json:"severity"`
	Score       float64   `json:"score"`
	Threshold   float64   `json:"threshold"`
	Ts          time.Time `json:"ts"`
	Value       float64   `json:"value"`
	Description string    `json:"description"`
}

// Config tunes the detectors. Zero values fall back to defaults.
type Config struct {
	ZScoreThreshold     float64 `json:"z_score_threshold"`
	WindowSize          int     `json:"window_size"`
	PercentileThreshold float64 `json:"percentile_threshold"`
}

const (
	defaultZScore     = 3.0
	defaultWindow     = 20
	defaultPercentile = 99.0

	// Tukey fence: funding severity scales against 1.5 IQRs from the median.
	fundingFence = 1.5
)

func (c Config) withDefaults() Config {
	if c.ZScoreThreshold <= 0 {
		c.ZScoreThreshold = defaultZScore
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindow
	}
	if c.PercentileThreshold <= 0 || c.PercentileThreshold >= 100 {
		c.PercentileThreshold = defaultPercentile
	}
	return c
}

// Detector runs the five series checks with a shared config.
type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Config reports the effective (defaulted) configuration.
func (d *Detector) Config() Config { return d.cfg }

// CheckPrices flags closes whose rolling z-score against the previous
// window exceeds the threshold. Windows with zero variance are skipped.
func (d *Detector) CheckPrices(ts []time.Time, values []float64) []Result {
	w := d.cfg.WindowSize
	if len(values) < w || len(ts) != len(values) {
		return nil
	}
	var out []Result
	for i := w; i < len(values); i++ {
		mean, std := meanStd(values[i-w : i])
		if std == 0 {
			continue
		}
		z := (values[i] - mean) / std
		if math.Abs(z) <= d.cfg.ZScoreThreshold {
			continue
		}
		out = append(out, Result{
			Type:        TypePrice,
			Severity:    severityFor(z, d.cfg.ZScoreThreshold),
			Score:       z,
			Threshold:   d.cfg.ZScoreThreshold,
			Ts:          ts[i],
			Value:       values[i],
			Description: fmt.Sprintf("price %.6g is %.2f sigma from rolling mean %.6g", values[i], z, mean),
		})
	}
	return sortByTime(out)
}

// CheckVolumes fits a log-normal to the positive volumes and flags samples
// above the percentile-threshold quantile. Scores are log-space z-scores.
func (d *Detector) CheckVolumes(ts []time.Time, values []float64) []Result {
	if len(values) < d.cfg.WindowSize || len(ts) != len(values) {
		return nil
	}
	logs := make([]float64, 0, len(values))
	for _, v := range values {
		if v > 0 {
			logs = append(logs, math.Log(v))
		}
	}
	if len(logs) < d.cfg.WindowSize {
		return nil
	}
	mu, sigma := meanStd(logs)
	if sigma == 0 {
		return nil
	}
	cut := normalQuantile(d.cfg.PercentileThreshold / 100)
	var out []Result
	for i, v := range values {
		if v <= 0 {
			continue
		}
		z := (math.Log(v) - mu) / sigma
		if z <= cut {
			continue
		}
		out = append(out, Result{
			Type:        TypeVolume,
			Severity:    severityFor(z, cut),
			Score:       z,
			Threshold:   cut,
			Ts:          ts[i],
			Value:       v,
			Description: fmt.Sprintf("volume %.6g above p%.0f of log-normal fit (%.2f sigma)", v, d.cfg.PercentileThreshold, z),
		})
	}
	return sortByTime(out)
}

// CheckFunding flags rates outside the [100-p, p] percentile band. The
// score is the IQR-scaled distance from the median; a zero IQR yields no
// flags since every sample then sits inside the band.
func (d *Detector) CheckFunding(ts []time.Time, values []float64) []Result {
	if len(values) < d.cfg.WindowSize || len(ts) != len(values) {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	p := d.cfg.PercentileThreshold
	hi := percentile(sorted, p)
	lo := percentile(sorted, 100-p)
	med := percentile(sorted, 50)
	iqr := percentile(sorted, 75) - percentile(sorted, 25)
	if iqr == 0 {
		return nil
	}
	var out []Result
	for i, v := range values {
		if v >= lo && v <= hi {
			continue
		}
		score := (v - med) / iqr
		out = append(out, Result{
			Type:        TypeFunding,
			Severity:    severityFor(score, fundingFence),
			Score:       score,
			Threshold:   fundingFence,
			Ts:          ts[i],
			Value:       v,
			Description: fmt.Sprintf("funding %.6f outside [p%.0f, p%.0f] band, %.2f IQRs from median", v, 100-p, p, score),
		})
	}
	return sortByTime(out)
}

// CheckOpenInterest flags one-step percentage changes whose z-score over
// all changes exceeds the threshold. Steps from a zero base are skipped.
func (d *Detector) CheckOpenInterest(ts []time.Time, values []float64) []Result {
	if len(values) < d.cfg.WindowSize || len(ts) != len(values) {
		return nil
	}
	changes := make([]float64, 0, len(values)-1)
	at := make([]int, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		prev := values[i-1]
		if prev == 0 {
			continue
		}
		changes = append(changes, (values[i]-prev)/prev)
		at = append(at, i)
	}
	if len(changes) < 2 {
		return nil
	}
	mean, std := meanStd(changes)
	if std == 0 {
		return nil
	}
	var out []Result
	for j, c := range changes {
		z := (c - mean) / std
		if math.Abs(z) <= d.cfg.ZScoreThreshold {
			continue
		}
		i := at[j]
		out = append(out, Result{
			Type:        TypeOpenInterest,
			Severity:    severityFor(z, d.cfg.ZScoreThreshold),
			Score:       z,
			Threshold:   d.cfg.ZScoreThreshold,
			Ts:          ts[i],
			Value:       values[i],
			Description: fmt.Sprintf("open interest moved %+.2f%% in one step (%.2f sigma)", c*100, z),
		})
	}
	return sortByTime(out)
}

// CheckLiquidations sums notional over a rolling window and flags windows
// whose MAD-based robust z-score exceeds the threshold. Only positive
// deviations count; a quiet window is never a cascade.
func (d *Detector) CheckLiquidations(ts []time.Time, values []float64) []Result {
	w := d.cfg.WindowSize
	if len(values) < w || len(ts) != len(values) {
		return nil
	}
	sums := make([]float64, 0, len(values)-w+1)
	var run float64
	for i, v := range values {
		run += v
		if i >= w {
			run -= values[i-w]
		}
		if i >= w-1 {
			sums = append(sums, run)
		}
	}
	med := median(sums)
	mad := medianAbsDev(sums, med)
	if mad == 0 {
		return nil
	}
	var out []Result
	for j, s := range sums {
		z := (s - med) / mad
		if z <= d.cfg.ZScoreThreshold {
			continue
		}
		i := j + w - 1
		out = append(out, Result{
			Type:        TypeLiquidation,
			Severity:    severityFor(z, d.cfg.ZScoreThreshold),
			Score:       z,
			Threshold:   d.cfg.ZScoreThreshold,
			Ts:          ts[i],
			Value:       s,
			Description: fmt.Sprintf("liquidation notional %.6g over %d samples, robust z %.2f", s, w, z),
		})
	}
	return sortByTime(out)
}

func sortByTime(rs []Result) []Result {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Ts.Before(rs[j].Ts) })
	return rs
}

func meanStd(vals []float64) (mean, std float64) {
	n := float64(len(vals))
	if n == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= n
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return percentile(sorted, 50)
}

func medianAbsDev(vals []float64, med float64) float64 {
	devs := make([]float64, len(vals))
	for i, v := range vals {
		devs[i] = math.Abs(v - med)
	}
	return median(devs)
}

// percentile interpolates linearly over an already-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi >= n {
		hi = n - 1
	}
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// normalQuantile is the inverse standard normal CDF (Acklam's rational
// approximation, accurate to ~1e-9 on (0, 1)).
func normalQuantile(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}
	a := [6]float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02, 1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := [5]float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02, 6.680131188771972e+01, -1.328068155288572e+01}
	c := [6]float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00, -2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	e := [4]float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00, 3.754408661907416e+00}

	const plow, phigh = 0.02425, 1 - 0.02425
	switch {
	case p < plow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((e[0]*q+e[1])*q+e[2])*q+e[3])*q + 1)
	case p > phigh:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((e[0]*q+e[1])*q+e[2])*q+e[3])*q + 1)
	default:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	}
}
