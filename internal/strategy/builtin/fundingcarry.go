package builtin

import (
	"strconv"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/strategy"
)

// FundingCarryParams tunes the funding carry strategy. Rates are per
// funding interval, so 0.0005 is five basis points every eight hours.
type FundingCarryParams struct {
	Threshold float64 `json:"threshold,omitempty" jsonschema:"minimum=0.0001,maximum=0.01,default=0.0005,description=Entry funding rate per interval"`
	Fraction  float64 `json:"fraction,omitempty" jsonschema:"minimum=0.01,maximum=1,default=0.2,description=Equity fraction per carry position"`
}

// FundingCarry positions against the crowded side of perpetual funding:
// short when longs pay above the threshold, long when shorts pay. It exits
// once the rate decays inside half the threshold, which keeps it from
// flapping around the entry level.
type FundingCarry struct {
	threshold float64
	fraction  float64

	stance domain.Direction
}

func NewFundingCarry(params map[string]interface{}) (strategy.Strategy, error) {
	return &FundingCarry{
		threshold: strategy.Num(params, "threshold", 0.0005),
		fraction:  strategy.Num(params, "fraction", 0.2),
		stance:    domain.DirFlat,
	}, nil
}

func (f *FundingCarry) Name() string { return "fundingcarry" }

func (f *FundingCarry) OnBar(ctx *strategy.Ctx, bar domain.Bar) []domain.Signal {
	return nil
}

func (f *FundingCarry) OnTrade(ctx *strategy.Ctx, trade domain.Trade) []domain.Signal {
	return nil
}

// OnFundingRate retargets on every funding observation.
func (f *FundingCarry) OnFundingRate(ctx *strategy.Ctx, rate domain.FundingRate) []domain.Signal {
	want := f.stance
	switch {
	case rate.Rate >= f.threshold:
		want = domain.DirShort
	case rate.Rate <= -f.threshold:
		want = domain.DirLong
	case absFloat(rate.Rate) < f.threshold/2:
		want = domain.DirFlat
	}
	if want == f.stance {
		return nil
	}
	f.stance = want

	sig := domain.Signal{
		Direction: want,
		Symbol:    rate.Symbol,
		Meta:      map[string]string{"funding_rate": strconv.FormatFloat(rate.Rate, 'f', -1, 64)},
	}
	if want != domain.DirFlat {
		sig.Sizing = domain.Sizing{Mode: domain.SizeFraction, Value: f.fraction}
	}
	return []domain.Signal{sig}
}

func (f *FundingCarry) Clone() strategy.Strategy {
	cp := *f
	return &cp
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func registerFundingCarry(r *strategy.Registry) error {
	return r.Register(strategy.Meta{
		Name:        "fundingcarry",
		Description: "perpetual funding rate carry",
		Regime:      strategy.RegimeNeutral,
	}, strategy.ReflectParams(&FundingCarryParams{}), NewFundingCarry)
}
