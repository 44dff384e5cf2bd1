package builtin

import (
	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/strategy"
)

// MakerParams tunes the spread-quoting strategy.
type MakerParams struct {
	SpreadBps    float64 `json:"spread_bps,omitempty" jsonschema:"minimum=1,maximum=500,default=10,description=Full quoted spread in basis points"`
	Fraction     float64 `json:"fraction,omitempty" jsonschema:"minimum=0.01,maximum=0.5,default=0.1,description=Equity fraction per quote"`
	MaxInventory float64 `json:"max_inventory,omitempty" jsonschema:"minimum=0.05,maximum=2,default=0.5,description=Inventory cap as an equity fraction"`
}

// Maker quotes a bid and an ask around the mid price every bar. When
// inventory exceeds the cap it quotes only the reducing side. A zero or
// missing mid produces no quotes.
type Maker struct {
	spreadBps    float64
	fraction     float64
	maxInventory float64
}

func NewMaker(params map[string]interface{}) (strategy.Strategy, error) {
	return &Maker{
		spreadBps:    strategy.Num(params, "spread_bps", 10),
		fraction:     strategy.Num(params, "fraction", 0.1),
		maxInventory: strategy.Num(params, "max_inventory", 0.5),
	}, nil
}

func (m *Maker) Name() string { return "maker" }

func (m *Maker) OnBar(ctx *strategy.Ctx, bar domain.Bar) []domain.Signal {
	return m.quote(ctx, bar.Symbol, bar.Close)
}

func (m *Maker) OnTrade(ctx *strategy.Ctx, trade domain.Trade) []domain.Signal {
	return nil
}

// OnOrderbook re-quotes around the book mid, which is fresher than the last
// bar close when depth snapshots are streaming.
func (m *Maker) OnOrderbook(ctx *strategy.Ctx, book domain.Orderbook) []domain.Signal {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return nil
	}
	return m.quote(ctx, book.Symbol, (bid.Price+ask.Price)/2)
}

func (m *Maker) Clone() strategy.Strategy {
	cp := *m
	return &cp
}

func (m *Maker) quote(ctx *strategy.Ctx, symbol string, mid float64) []domain.Signal {
	if mid <= 0 {
		return nil
	}
	half := mid * m.spreadBps / 10000 / 2
	bid := mid - half
	ask := mid + half

	inventory := 0.0
	if ctx != nil && ctx.Equity > 0 {
		notional := ctx.Position.Notional(mid)
		if ctx.Position.Side == domain.Short {
			notional = -notional
		}
		inventory = notional / ctx.Equity
	}

	var out []domain.Signal
	if inventory < m.maxInventory {
		out = append(out, domain.Signal{
			Direction:  domain.DirLong,
			Symbol:     symbol,
			Sizing:     domain.Sizing{Mode: domain.SizeFraction, Value: m.fraction},
			LimitPrice: &bid,
			Meta:       map[string]string{"quote": "bid"},
		})
	}
	if inventory > -m.maxInventory {
		out = append(out, domain.Signal{
			Direction:  domain.DirShort,
			Symbol:     symbol,
			Sizing:     domain.Sizing{Mode: domain.SizeFraction, Value: m.fraction},
			LimitPrice: &ask,
			Meta:       map[string]string{"quote": "ask"},
		})
	}
	return out
}

func registerMaker(r *strategy.Registry) error {
	return r.Register(strategy.Meta{
		Name:        "maker",
		Description: "two-sided spread quoting with an inventory cap",
		Regime:      strategy.RegimeNeutral,
	}, strategy.ReflectParams(&MakerParams{}), NewMaker)
}
