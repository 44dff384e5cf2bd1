package builtin

import (
	"fmt"
	"math"
	"strconv"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/strategy"
)

// GridderParams tunes the grid strategy. Lower and upper bound the band;
// levels is the number of grid steps on each side of the midpoint.
type GridderParams struct {
	Lower    float64 `json:"lower" jsonschema:"required,description=Lower band price"`
	Upper    float64 `json:"upper" jsonschema:"required,description=Upper band price"`
	Levels   int     `json:"levels,omitempty" jsonschema:"minimum=2,maximum=50,default=10,description=Grid steps per side"`
	Fraction float64 `json:"fraction,omitempty" jsonschema:"minimum=0.01,maximum=0.5,default=0.05,description=Equity fraction per grid step"`
}

// Gridder mean-reverts inside a price band: the further the close sits
// below the midpoint the longer it targets, and symmetrically short above.
// Exposure is quantized to grid steps so signals fire only when the close
// crosses a grid line. Outside the band it goes flat.
type Gridder struct {
	lower    float64
	upper    float64
	levels   int
	fraction float64

	lastSteps int
	started   bool
}

func NewGridder(params map[string]interface{}) (strategy.Strategy, error) {
	g := &Gridder{
		lower:    strategy.Num(params, "lower", 0),
		upper:    strategy.Num(params, "upper", 0),
		levels:   int(strategy.Num(params, "levels", 10)),
		fraction: strategy.Num(params, "fraction", 0.05),
	}
	if g.lower <= 0 {
		return nil, fmt.Errorf("gridder: lower band must be positive: %w", domain.ErrValidation)
	}
	if g.upper <= g.lower {
		return nil, fmt.Errorf("gridder: upper band %v must exceed lower band %v: %w", g.upper, g.lower, domain.ErrValidation)
	}
	return g, nil
}

func (g *Gridder) Name() string { return "gridder" }

func (g *Gridder) OnBar(ctx *strategy.Ctx, bar domain.Bar) []domain.Signal {
	return g.retarget(bar.Symbol, bar.Close)
}

func (g *Gridder) OnTrade(ctx *strategy.Ctx, trade domain.Trade) []domain.Signal {
	return g.retarget(trade.Symbol, trade.Price)
}

func (g *Gridder) Clone() strategy.Strategy {
	cp := *g
	return &cp
}

// retarget maps price to a signed grid step count and emits the new target
// exposure when the step changes.
func (g *Gridder) retarget(symbol string, px float64) []domain.Signal {
	if px <= 0 {
		return nil
	}
	steps := g.stepsAt(px)
	if steps == g.lastSteps && (g.started || steps == 0) {
		g.started = true
		return nil
	}
	g.lastSteps = steps
	g.started = true

	sig := domain.Signal{
		Symbol: symbol,
		Meta:   map[string]string{"grid_step": strconv.Itoa(steps)},
	}
	switch {
	case steps > 0:
		sig.Direction = domain.DirLong
		sig.Sizing = domain.Sizing{Mode: domain.SizeFraction, Value: float64(steps) * g.fraction}
	case steps < 0:
		sig.Direction = domain.DirShort
		sig.Sizing = domain.Sizing{Mode: domain.SizeFraction, Value: float64(-steps) * g.fraction}
	default:
		sig.Direction = domain.DirFlat
	}
	return []domain.Signal{sig}
}

func (g *Gridder) stepsAt(px float64) int {
	if px < g.lower || px > g.upper {
		return 0
	}
	mid := (g.upper + g.lower) / 2
	half := (g.upper - g.lower) / 2
	norm := (mid - px) / half
	return int(math.Round(norm * float64(g.levels)))
}

func registerGridder(r *strategy.Registry) error {
	return r.Register(strategy.Meta{
		Name:        "gridder",
		Description: "banded grid mean reversion",
		Regime:      strategy.RegimeRanging,
	}, strategy.ReflectParams(&GridderParams{}), NewGridder)
}
