package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/strategy"
)

// Rank keys accepted by GridSearch. Drawdown ranks ascending, the others
// descending.
const (
	RankSharpe      = "sharpe"
	RankTotalReturn = "total_return"
	RankMaxDrawdown = "max_drawdown"
)

// GridRequest sweeps the strategy's bounded numeric parameters over the
// base job's window. Parameters pinned in Params are excluded from the
// sweep and passed through to every combination.
type GridRequest struct {
	Request
	Steps           int    `json:"steps,omitempty"`
	MaxCombinations int    `json:"max_combinations,omitempty"`
	RankBy          string `json:"rank_by,omitempty"`
}

// GridResult is one combination's outcome, ranked best first.
type GridResult struct {
	RunID   string                 `json:"run_id"`
	Params  map[string]interface{} `json:"params"`
	Status  string                 `json:"status"`
	Metrics *Metrics               `json:"metrics,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// GridSearch enumerates the Cartesian product of the strategy's numeric
// axes, submits every combination as an independent backtest and blocks
// until all of them reach a terminal status. Truncation by the combination
// cap is logged, never silent.
func (o *Orchestrator) GridSearch(ctx context.Context, req GridRequest) ([]GridResult, error) {
	base, err := req.Request.normalized()
	if err != nil {
		return nil, err
	}
	rankBy := req.RankBy
	if rankBy == "" {
		rankBy = RankSharpe
	}
	if rankBy != RankSharpe && rankBy != RankTotalReturn && rankBy != RankMaxDrawdown {
		return nil, fmt.Errorf("rank_by %q: %w", req.RankBy, domain.ErrValidation)
	}

	rec, err := o.store.GetStrategy(ctx, base.StrategyHash)
	if err != nil {
		return nil, err
	}
	schema, err := o.reg.Schema(rec.Name)
	if err != nil {
		return nil, fmt.Errorf("strategy %q has no registered factory: %w", rec.Name, domain.ErrValidation)
	}
	axes := sweepAxes(schema.NumericAxes(), base.Params)
	if len(axes) == 0 {
		return nil, fmt.Errorf("strategy %q has no bounded numeric parameters to sweep: %w", rec.Name, domain.ErrValidation)
	}

	steps := req.Steps
	if steps <= 0 {
		steps = o.cfg.GridSteps
	}
	limit := req.MaxCombinations
	if limit <= 0 {
		limit = o.cfg.MaxCombinations
	}
	combos := enumerate(axes, steps)
	if len(combos) > limit {
		o.log.Warn().
			Int("combinations", len(combos)).
			Int("max_combinations", limit).
			Str("strategy", rec.Name).
			Msg("grid truncated to combination cap")
		combos = combos[:limit]
	}
	o.log.Info().
		Int("combinations", len(combos)).
		Int("axes", len(axes)).
		Int("steps", steps).
		Str("strategy", rec.Name).
		Msg("grid search started")

	jobs := make([]*job, len(combos))
	results := make([]GridResult, len(combos))
	for i, combo := range combos {
		r := base
		r.Params = merge(base.Params, combo)
		run, j, err := o.submit(ctx, r)
		if err != nil {
			// Invalid combinations (cross-parameter constraints) score as
			// failed rows rather than aborting the sweep.
			results[i] = GridResult{Params: r.Params, Status: StatusFailed, Error: err.Error()}
			continue
		}
		jobs[i] = j
		results[i] = GridResult{RunID: run.ID, Params: r.Params}
	}
	for i, j := range jobs {
		if j == nil {
			continue
		}
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		results[i].Status = j.status
		results[i].Metrics = j.result
		results[i].Error = j.errText
	}

	rank(results, rankBy)
	return results, nil
}

// sweepAxes drops axes the caller pinned in the base params.
func sweepAxes(axes []strategy.Axis, pinned map[string]interface{}) []strategy.Axis {
	out := make([]strategy.Axis, 0, len(axes))
	for _, ax := range axes {
		if _, ok := pinned[ax.Name]; ok {
			continue
		}
		out = append(out, ax)
	}
	return out
}

// enumerate builds the Cartesian product row-major over the axes. Integer
// axes are rounded and deduplicated so coarse ranges do not repeat values.
func enumerate(axes []strategy.Axis, steps int) []map[string]interface{} {
	combos := []map[string]interface{}{{}}
	for _, ax := range axes {
		values := axisValues(ax, steps)
		next := make([]map[string]interface{}, 0, len(combos)*len(values))
		for _, base := range combos {
			for _, v := range values {
				m := make(map[string]interface{}, len(base)+1)
				for k, bv := range base {
					m[k] = bv
				}
				if ax.Integer {
					m[ax.Name] = int(v)
				} else {
					m[ax.Name] = v
				}
				next = append(next, m)
			}
		}
		combos = next
	}
	return combos
}

func axisValues(ax strategy.Axis, steps int) []float64 {
	if steps < 2 || ax.Max <= ax.Min {
		if ax.Integer {
			return []float64{math.Round(ax.Min)}
		}
		return []float64{ax.Min}
	}
	span := ax.Max - ax.Min
	out := make([]float64, 0, steps)
	for k := 0; k < steps; k++ {
		v := ax.Min + span*float64(k)/float64(steps-1)
		if ax.Integer {
			v = math.Round(v)
			if len(out) > 0 && out[len(out)-1] == v {
				continue
			}
		}
		out = append(out, v)
	}
	return out
}

func merge(pinned, combo map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(pinned)+len(combo))
	for k, v := range pinned {
		out[k] = v
	}
	for k, v := range combo {
		out[k] = v
	}
	return out
}

// rank orders completed runs by the key (drawdown ascending, the rest
// descending), breaking ties on total PnL then run id. Rows without
// metrics sort last.
func rank(results []GridResult, key string) {
	value := func(r GridResult) float64 {
		switch key {
		case RankTotalReturn:
			return r.Metrics.TotalReturnPct
		case RankMaxDrawdown:
			return r.Metrics.MaxDrawdownPct
		default:
			return r.Metrics.Sharpe
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if (a.Metrics == nil) != (b.Metrics == nil) {
			return a.Metrics != nil
		}
		if a.Metrics == nil {
			return a.RunID < b.RunID
		}
		va, vb := value(a), value(b)
		if va != vb {
			if key == RankMaxDrawdown {
				return va < vb
			}
			return va > vb
		}
		if a.Metrics.TotalPnL != b.Metrics.TotalPnL {
			return a.Metrics.TotalPnL > b.Metrics.TotalPnL
		}
		return a.RunID < b.RunID
	})
}
