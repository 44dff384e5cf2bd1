package builtin

import (
	"fmt"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/strategy"
)

// MomentumParams tunes the EMA cross strategy.
type MomentumParams struct {
	Fast     int     `json:"fast,omitempty" jsonschema:"minimum=2,maximum=100,default=12,description=Fast EMA period in bars"`
	Slow     int     `json:"slow,omitempty" jsonschema:"minimum=3,maximum=400,default=26,description=Slow EMA period in bars"`
	Fraction float64 `json:"fraction,omitempty" jsonschema:"minimum=0.01,maximum=1,default=0.25,description=Equity fraction committed per entry"`
}

// Momentum goes long on a golden cross of two close-price EMAs and short on
// a death cross. It stays in the market until the opposite cross.
type Momentum struct {
	fast     int
	slow     int
	fraction float64

	emaFast  float64
	emaSlow  float64
	samples  int
	prevDiff float64
	hasPrev  bool
}

func NewMomentum(params map[string]interface{}) (strategy.Strategy, error) {
	m := &Momentum{
		fast:     int(strategy.Num(params, "fast", 12)),
		slow:     int(strategy.Num(params, "slow", 26)),
		fraction: strategy.Num(params, "fraction", 0.25),
	}
	if m.fast >= m.slow {
		return nil, fmt.Errorf("momentum: fast period %d must be below slow period %d: %w", m.fast, m.slow, domain.ErrValidation)
	}
	return m, nil
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) OnBar(ctx *strategy.Ctx, bar domain.Bar) []domain.Signal {
	m.observe(bar.Close)
	if m.samples < m.slow {
		return nil
	}
	diff := m.emaFast - m.emaSlow
	var out []domain.Signal
	if m.hasPrev {
		switch {
		case m.prevDiff <= 0 && diff > 0:
			out = append(out, domain.Signal{
				Direction: domain.DirLong,
				Symbol:    bar.Symbol,
				Sizing:    domain.Sizing{Mode: domain.SizeFraction, Value: m.fraction},
				Meta:      map[string]string{"signal": "golden_cross"},
			})
		case m.prevDiff >= 0 && diff < 0:
			out = append(out, domain.Signal{
				Direction: domain.DirShort,
				Symbol:    bar.Symbol,
				Sizing:    domain.Sizing{Mode: domain.SizeFraction, Value: m.fraction},
				Meta:      map[string]string{"signal": "death_cross"},
			})
		}
	}
	m.prevDiff = diff
	m.hasPrev = true
	return out
}

func (m *Momentum) OnTrade(ctx *strategy.Ctx, trade domain.Trade) []domain.Signal {
	return nil
}

func (m *Momentum) Clone() strategy.Strategy {
	cp := *m
	return &cp
}

func (m *Momentum) observe(px float64) {
	m.samples++
	if m.samples == 1 {
		m.emaFast = px
		m.emaSlow = px
		return
	}
	alphaFast := 2 / (float64(m.fast) + 1)
	alphaSlow := 2 / (float64(m.slow) + 1)
	m.emaFast += alphaFast * (px - m.emaFast)
	m.emaSlow += alphaSlow * (px - m.emaSlow)
}

func registerMomentum(r *strategy.Registry) error {
	return r.Register(strategy.Meta{
		Name:        "momentum",
		Description: "EMA fast/slow cross trend follower",
		Regime:      strategy.RegimeTrending,
	}, strategy.ReflectParams(&MomentumParams{}), NewMomentum)
}
