// Package match implements the simulated matching engine used by backtests
// and paper sessions. Orders rest in a book and fill against bar ranges;
// live sessions route orders to a venue instead and never touch this
// package.
package match

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/metrics"
)

// Config tunes fill economics and bookkeeping bounds.
type Config struct {
	MakerFeeRate float64
	TakerFeeRate float64
	SlippageBps  float64
	// FilledCap bounds the terminal-order ring. Zero means 10000.
	FilledCap int
}

const defaultFilledCap = 10000

// PositionFn reports the current net position for a symbol. When set, the
// book clamps reduce-only orders to it.
type PositionFn func(symbol string) domain.Position

type openOrder struct {
	ord   domain.Order
	armed bool // stop-limit breached, now resting as a limit
	// trailing stop state
	activated bool
	extreme   float64
	sibling   string // other leg of a TP/SL bracket
}

// Book is a price-triggered order book. All methods are safe for
// concurrent use; fills inside one bar are resolved in submission order.
type Book struct {
	cfg      Config
	metrics  *metrics.Registry
	position PositionFn

	mu         sync.Mutex
	open       []*openOrder
	filled     []domain.Order
	filledHead int
	filledLen  int
	lastPrice  map[string]float64
	lastTime   time.Time
}

func New(cfg Config, m *metrics.Registry) *Book {
	if cfg.FilledCap <= 0 {
		cfg.FilledCap = defaultFilledCap
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Book{
		cfg:       cfg,
		metrics:   m,
		filled:    make([]domain.Order, cfg.FilledCap),
		lastPrice: make(map[string]float64),
	}
}

// SetPositionFn wires position lookups for reduce-only enforcement.
func (b *Book) SetPositionFn(fn PositionFn) {
	b.mu.Lock()
	b.position = fn
	b.mu.Unlock()
}

// MarkPrice records an out-of-band reference price, letting market orders
// submitted before the first bar fill immediately.
func (b *Book) MarkPrice(symbol string, px float64) {
	if px <= 0 {
		return
	}
	b.mu.Lock()
	b.lastPrice[symbol] = px
	b.mu.Unlock()
}

// Submit validates and accepts an order. TP_SL orders expand into up to two
// reduce-only legs, stop-loss first so a bar spanning both levels resolves
// pessimistically. Marketable orders fill immediately; the returned slice
// holds any such fills.
func (b *Book) Submit(o domain.Order) ([]domain.Order, []domain.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := validate(&o); err != nil {
		o.Status = domain.OrderRejected
		o.Reason = err.Error()
		b.metrics.OrdersRejected.WithLabelValues("validation").Inc()
		b.record(o)
		return nil, nil, err
	}
	if o.Kind == domain.TpSl {
		return b.submitBracket(o)
	}
	oo := b.admit(o)
	fills := b.tryImmediate(oo)
	return []domain.Order{oo.ord}, fills, nil
}

func (b *Book) submitBracket(o domain.Order) ([]domain.Order, []domain.Fill, error) {
	parentID := o.ID
	if parentID == "" {
		parentID = uuid.NewString()
	}
	var legs []*openOrder
	if o.StopLoss > 0 {
		sl := o
		sl.ID = parentID + "-sl"
		sl.Kind = domain.Stop
		sl.StopPrice = o.StopLoss
		sl.ReduceOnly = true
		legs = append(legs, b.admit(sl))
	}
	if o.TakeProfit > 0 {
		tp := o
		tp.ID = parentID + "-tp"
		tp.Kind = domain.Limit
		tp.LimitPrice = o.TakeProfit
		tp.ReduceOnly = true
		legs = append(legs, b.admit(tp))
	}
	if len(legs) == 2 {
		legs[0].sibling = legs[1].ord.ID
		legs[1].sibling = legs[0].ord.ID
	}
	out := make([]domain.Order, len(legs))
	var fills []domain.Fill
	for i, leg := range legs {
		fills = append(fills, b.tryImmediate(leg)...)
		out[i] = leg.ord
	}
	return out, fills, nil
}

func (b *Book) admit(o domain.Order) *openOrder {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = domain.OrderPending
	if o.CreatedAt.IsZero() {
		o.CreatedAt = b.clock()
	}
	oo := &openOrder{ord: o}
	b.open = append(b.open, oo)
	b.metrics.OrdersSubmitted.WithLabelValues(string(o.Kind)).Inc()
	return oo
}

// tryImmediate fills marketable orders against the last known price. Limit
// orders that cross on arrival take liquidity at the market price, capped
// by their own limit.
func (b *Book) tryImmediate(oo *openOrder) []domain.Fill {
	px, ok := b.lastPrice[oo.ord.Symbol]
	if !ok || px <= 0 {
		return nil
	}
	switch oo.ord.Kind {
	case domain.Market:
		return b.fill(oo, b.slip(px, oo.ord.Side), false)
	case domain.Limit:
		if crossed(oo.ord.Side, px, oo.ord.LimitPrice) {
			fillPx := b.slip(px, oo.ord.Side)
			if oo.ord.Side == domain.Buy && fillPx > oo.ord.LimitPrice {
				fillPx = oo.ord.LimitPrice
			}
			if oo.ord.Side == domain.Sell && fillPx < oo.ord.LimitPrice {
				fillPx = oo.ord.LimitPrice
			}
			return b.fill(oo, fillPx, false)
		}
	}
	return nil
}

// OnBar advances the book one bar: resting orders trigger against the
// bar's range in submission order and the close becomes the new reference
// price.
func (b *Book) OnBar(bar domain.Bar) []domain.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastTime = bar.CloseTime
	var fills []domain.Fill
	for _, oo := range b.open {
		if oo.ord.Symbol != bar.Symbol || oo.ord.Status.Terminal() {
			continue
		}
		fills = append(fills, b.sweep(oo, bar)...)
	}
	b.compact()
	b.lastPrice[bar.Symbol] = bar.Close
	return fills
}

func (b *Book) sweep(oo *openOrder, bar domain.Bar) []domain.Fill {
	o := &oo.ord
	switch o.Kind {
	case domain.Market:
		// queued before any reference price existed
		return b.fill(oo, b.slip(bar.Open, o.Side), false)
	case domain.Limit:
		if touched(o.Side, bar, o.LimitPrice) {
			return b.fill(oo, o.LimitPrice, true)
		}
	case domain.Stop:
		if breached(o.Side, bar, o.StopPrice) {
			return b.fill(oo, b.slip(o.StopPrice, o.Side), false)
		}
	case domain.StopLimit:
		if !oo.armed && breached(o.Side, bar, o.StopPrice) {
			oo.armed = true
		}
		if oo.armed && touched(o.Side, bar, o.LimitPrice) {
			return b.fill(oo, o.LimitPrice, true)
		}
	case domain.TrailingStop:
		return b.sweepTrailing(oo, bar)
	}
	return nil
}

func (b *Book) sweepTrailing(oo *openOrder, bar domain.Bar) []domain.Fill {
	o := &oo.ord
	if !oo.activated {
		if o.ActivationPrice > 0 && !breached(o.Side.Opposite(), bar, o.ActivationPrice) {
			return nil
		}
		oo.activated = true
		oo.extreme = firstExtreme(o.Side, bar)
	}
	if o.Side == domain.Sell {
		if bar.High > oo.extreme {
			oo.extreme = bar.High
		}
		trigger := oo.extreme * (1 - o.CallbackRate)
		if bar.Low <= trigger {
			return b.fill(oo, b.slip(trigger, o.Side), false)
		}
	} else {
		if bar.Low < oo.extreme {
			oo.extreme = bar.Low
		}
		trigger := oo.extreme * (1 + o.CallbackRate)
		if bar.High >= trigger {
			return b.fill(oo, b.slip(trigger, o.Side), false)
		}
	}
	return nil
}

// fill closes out an order at px. Reduce-only orders clamp to the current
// position; when there is nothing left to reduce the order cancels instead.
func (b *Book) fill(oo *openOrder, px float64, maker bool) []domain.Fill {
	o := &oo.ord
	qty := o.Qty
	if o.ReduceOnly && b.position != nil {
		pos := b.position(o.Symbol)
		if pos.Side == domain.Flat || pos.Qty <= 0 || !reduces(o.Side, pos.Side) {
			b.cancelLocked(oo, "nothing to reduce")
			return nil
		}
		if pos.Qty < qty {
			qty = pos.Qty
		}
	}

	rate := b.cfg.TakerFeeRate
	if maker {
		rate = b.cfg.MakerFeeRate
	}
	fee := qty * px * rate

	o.Status = domain.OrderFilled
	o.FillPrice = px
	o.FillQty = qty
	o.Fee = fee
	o.FilledAt = b.clock()

	liquidity := "taker"
	if maker {
		liquidity = "maker"
	}
	b.metrics.FillsTotal.WithLabelValues(string(o.Side), liquidity).Inc()
	b.metrics.FeesPaid.Add(fee)
	b.record(*o)

	if oo.sibling != "" {
		b.cancelByIDLocked(oo.sibling, "bracket sibling filled")
	}
	return []domain.Fill{{
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Qty:     qty,
		Price:   px,
		Fee:     fee,
		Maker:   maker,
		Ts:      b.clock(),
	}}
}

// Cancel moves an open order to CANCELLED. Terminal or unknown orders fail
// with ErrNotFound.
func (b *Book) Cancel(id string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, oo := range b.open {
		if oo.ord.ID == id && !oo.ord.Status.Terminal() {
			b.cancelLocked(oo, "cancelled")
			ord := oo.ord
			b.compact()
			return ord, nil
		}
	}
	return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
}

// CancelWhere cancels every open order matching pred and returns them.
func (b *Book) CancelWhere(pred func(domain.Order) bool) []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Order
	for _, oo := range b.open {
		if !oo.ord.Status.Terminal() && pred(oo.ord) {
			b.cancelLocked(oo, "cancelled")
			out = append(out, oo.ord)
		}
	}
	b.compact()
	return out
}

func (b *Book) cancelLocked(oo *openOrder, reason string) {
	oo.ord.Status = domain.OrderCancelled
	oo.ord.Reason = reason
	b.record(oo.ord)
}

func (b *Book) cancelByIDLocked(id, reason string) {
	for _, oo := range b.open {
		if oo.ord.ID == id && !oo.ord.Status.Terminal() {
			b.cancelLocked(oo, reason)
			return
		}
	}
}

// Open returns the resting orders in submission order.
func (b *Book) Open() []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Order, 0, len(b.open))
	for _, oo := range b.open {
		if !oo.ord.Status.Terminal() {
			out = append(out, oo.ord)
		}
	}
	return out
}

// Filled returns terminal orders oldest first. The ring keeps the most
// recent FilledCap entries.
func (b *Book) Filled() []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Order, 0, b.filledLen)
	start := 0
	if b.filledLen == len(b.filled) {
		start = b.filledHead
	}
	for i := 0; i < b.filledLen; i++ {
		out = append(out, b.filled[(start+i)%len(b.filled)])
	}
	return out
}

// Get looks an order up among open orders first, then the terminal ring.
func (b *Book) Get(id string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, oo := range b.open {
		if oo.ord.ID == id {
			return oo.ord, nil
		}
	}
	for i := 0; i < b.filledLen; i++ {
		if b.filled[i].ID == id {
			return b.filled[i], nil
		}
	}
	return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
}

// LastPrice returns the book's reference price for a symbol, 0 when none
// has been seen.
func (b *Book) LastPrice(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPrice[symbol]
}

func (b *Book) record(o domain.Order) {
	b.filled[b.filledHead] = o
	b.filledHead = (b.filledHead + 1) % len(b.filled)
	if b.filledLen < len(b.filled) {
		b.filledLen++
	}
}

func (b *Book) compact() {
	keep := b.open[:0]
	for _, oo := range b.open {
		if !oo.ord.Status.Terminal() {
			keep = append(keep, oo)
		}
	}
	for i := len(keep); i < len(b.open); i++ {
		b.open[i] = nil
	}
	b.open = keep
}

func (b *Book) clock() time.Time {
	if !b.lastTime.IsZero() {
		return b.lastTime
	}
	return time.Now().UTC()
}

func (b *Book) slip(px float64, side domain.Side) float64 {
	adj := px * b.cfg.SlippageBps / 10000
	if side == domain.Buy {
		return px + adj
	}
	return px - adj
}

func validate(o *domain.Order) error {
	if o.Symbol == "" {
		return fmt.Errorf("order symbol required: %w", domain.ErrValidation)
	}
	if o.Side != domain.Buy && o.Side != domain.Sell {
		return fmt.Errorf("order side %q invalid: %w", o.Side, domain.ErrValidation)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("order qty must be positive: %w", domain.ErrValidation)
	}
	switch o.Kind {
	case domain.Market:
	case domain.Limit:
		if o.LimitPrice <= 0 {
			return fmt.Errorf("limit order needs a limit price: %w", domain.ErrValidation)
		}
	case domain.Stop:
		if o.StopPrice <= 0 {
			return fmt.Errorf("stop order needs a stop price: %w", domain.ErrValidation)
		}
	case domain.StopLimit:
		if o.StopPrice <= 0 || o.LimitPrice <= 0 {
			return fmt.Errorf("stop-limit order needs stop and limit prices: %w", domain.ErrValidation)
		}
	case domain.TpSl:
		if o.TakeProfit <= 0 && o.StopLoss <= 0 {
			return fmt.Errorf("tp/sl order needs at least one leg price: %w", domain.ErrValidation)
		}
	case domain.TrailingStop:
		if o.CallbackRate <= 0 || o.CallbackRate >= 1 {
			return fmt.Errorf("trailing stop callback rate must be in (0,1): %w", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("order kind %q: %w", o.Kind, domain.ErrUnsupported)
	}
	return nil
}

// crossed reports whether a limit is marketable against a point price.
func crossed(side domain.Side, px, limit float64) bool {
	if side == domain.Buy {
		return px <= limit
	}
	return px >= limit
}

// touched reports whether a bar's range reached a resting limit.
func touched(side domain.Side, bar domain.Bar, limit float64) bool {
	if side == domain.Buy {
		return bar.Low <= limit
	}
	return bar.High >= limit
}

// breached reports whether a bar's range crossed a stop level. Buy stops
// trigger above the market, sell stops below.
func breached(side domain.Side, bar domain.Bar, stop float64) bool {
	if side == domain.Buy {
		return bar.High >= stop
	}
	return bar.Low <= stop
}

func firstExtreme(side domain.Side, bar domain.Bar) float64 {
	if side == domain.Sell {
		return bar.High
	}
	return bar.Low
}

// reduces reports whether an order side shrinks a position side.
func reduces(orderSide domain.Side, posSide domain.PositionSide) bool {
	return (posSide == domain.Long && orderSide == domain.Sell) ||
		(posSide == domain.Short && orderSide == domain.Buy)
}
