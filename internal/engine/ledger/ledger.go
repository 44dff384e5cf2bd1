// Package ledger keeps the simulated account: balance, per-symbol
// positions, realized and unrealized PnL, and the equity curve. Backtests
// and paper sessions share one implementation so their numbers agree by
// construction.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// Config sets the opening balance and history bounds.
type Config struct {
	InitialBalance float64
	// HistoryCap bounds the closed-trade and equity histories. Zero means
	// 10000.
	HistoryCap int
}

const (
	defaultHistoryCap = 10000
	qtyEpsilon        = 1e-9
)

// TradeRecord is one realized PnL event: a reduce, close or flip.
type TradeRecord struct {
	Symbol string              `json:"symbol"`
	Side   domain.PositionSide `json:"side"`
	Qty    float64             `json:"qty"`
	Entry  float64             `json:"entry"`
	Exit   float64             `json:"exit"`
	PnL    float64             `json:"pnl"`
	Fee    float64             `json:"fee"`
	Ts     time.Time           `json:"ts"`
}

// EquityPoint is one equity curve sample.
type EquityPoint struct {
	Ts     time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}

// Ledger applies fills, funding and marks to an account. Opening a
// position locks its entry notional; margin frees as the position reduces.
type Ledger struct {
	mu        sync.Mutex
	balance   domain.Balance
	positions map[string]*domain.Position
	marks     map[string]float64
	trades    []TradeRecord
	equity    []EquityPoint
	histCap   int
}

func New(cfg Config) *Ledger {
	histCap := cfg.HistoryCap
	if histCap <= 0 {
		histCap = defaultHistoryCap
	}
	return &Ledger{
		balance: domain.Balance{
			Total:     cfg.InitialBalance,
			Available: cfg.InitialBalance,
		},
		positions: make(map[string]*domain.Position),
		marks:     make(map[string]float64),
		histCap:   histCap,
	}
}

// ApplyFill books one execution: the fee is deducted, same-direction
// quantity folds into the size-weighted average entry, and opposing
// quantity realizes PnL against the average entry. Quantity beyond the
// open position flips it, the residual opening at the fill price.
func (l *Ledger) ApplyFill(f domain.Fill) (domain.Position, error) {
	if f.Qty <= 0 || f.Price <= 0 {
		return domain.Position{}, fmt.Errorf("fill qty and price must be positive: %w", domain.ErrValidation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balance.Total -= f.Fee
	l.balance.Fees += f.Fee

	pos := l.pos(f.Symbol)
	pos.Fees += f.Fee
	pos.UpdatedAt = f.Ts

	if pos.Side == domain.Flat || sameDirection(f.Side, pos.Side) {
		l.extend(pos, f)
	} else {
		l.reduce(pos, f)
	}

	l.marks[f.Symbol] = f.Price
	pos.UnrealizedPnL = pos.MarkPnL(f.Price)
	return *pos, nil
}

func (l *Ledger) extend(pos *domain.Position, f domain.Fill) {
	if pos.Side == domain.Flat {
		pos.Side = sideFor(f.Side)
		pos.OpenedAt = f.Ts
	}
	newQty := pos.Qty + f.Qty
	pos.AvgEntry = (pos.AvgEntry*pos.Qty + f.Price*f.Qty) / newQty
	pos.Qty = newQty
	l.lock(f.Qty * f.Price)
}

func (l *Ledger) reduce(pos *domain.Position, f domain.Fill) {
	closeQty := pos.Qty
	if f.Qty < closeQty {
		closeQty = f.Qty
	}
	pnl := (f.Price - pos.AvgEntry) * closeQty
	if pos.Side == domain.Short {
		pnl = -pnl
	}
	l.balance.Total += pnl
	l.balance.RealizedPnL += pnl
	pos.RealizedPnL += pnl
	l.unlock(closeQty * pos.AvgEntry)

	l.pushTrade(TradeRecord{
		Symbol: pos.Symbol,
		Side:   pos.Side,
		Qty:    closeQty,
		Entry:  pos.AvgEntry,
		Exit:   f.Price,
		PnL:    pnl,
		Fee:    f.Fee,
		Ts:     f.Ts,
	})

	pos.Qty -= closeQty
	residual := f.Qty - closeQty
	if pos.Qty <= qtyEpsilon {
		pos.Qty = 0
		pos.AvgEntry = 0
		pos.Side = domain.Flat
		if residual > qtyEpsilon {
			pos.Side = sideFor(f.Side)
			pos.Qty = residual
			pos.AvgEntry = f.Price
			pos.OpenedAt = f.Ts
			l.lock(residual * f.Price)
		}
	}
}

// ApplyFunding settles one funding interval against the open position:
// longs pay rate times notional when the rate is positive, shorts receive
// it, and the other way around for negative rates. Returns the signed
// balance delta.
func (l *Ledger) ApplyFunding(symbol string, rate float64, ts time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok || pos.Side == domain.Flat || pos.Qty <= 0 {
		return 0
	}
	mark := l.marks[symbol]
	if mark <= 0 {
		mark = pos.AvgEntry
	}
	payment := rate * pos.Qty * mark
	delta := -payment
	if pos.Side == domain.Short {
		delta = payment
	}
	l.balance.Total += delta
	l.balance.Available = l.balance.Total - l.balance.Locked
	l.balance.RealizedPnL += delta
	pos.RealizedPnL += delta
	pos.UpdatedAt = ts
	return delta
}

// Mark updates the mark price for a symbol, refreshes unrealized PnL and
// samples the equity curve.
func (l *Ledger) Mark(symbol string, px float64, ts time.Time) {
	if px <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.marks[symbol] = px
	if pos, ok := l.positions[symbol]; ok {
		pos.UnrealizedPnL = pos.MarkPnL(px)
		pos.UpdatedAt = ts
	}
	l.pushEquity(EquityPoint{Ts: ts, Equity: l.equityLocked()})
}

// Position returns the current position for a symbol, flat when none.
func (l *Ledger) Position(symbol string) domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[symbol]; ok {
		return *pos
	}
	return domain.Position{Symbol: symbol, Side: domain.Flat}
}

// Positions returns every non-flat position sorted by symbol.
func (l *Ledger) Positions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		if pos.Side != domain.Flat {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Balance returns the current account balance.
func (l *Ledger) Balance() domain.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Equity is the account value: balance plus unrealized PnL at the latest
// marks.
func (l *Ledger) Equity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.equityLocked()
}

func (l *Ledger) equityLocked() float64 {
	eq := l.balance.Total
	for symbol, pos := range l.positions {
		if pos.Side == domain.Flat {
			continue
		}
		mark := l.marks[symbol]
		if mark <= 0 {
			mark = pos.AvgEntry
		}
		eq += pos.MarkPnL(mark)
	}
	return eq
}

// Summary snapshots balance, equity and open positions.
func (l *Ledger) Summary(ts time.Time) domain.AccountSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	positions := make([]domain.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		if pos.Side != domain.Flat {
			positions = append(positions, *pos)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return domain.AccountSummary{
		Balance:   l.balance,
		Equity:    l.equityLocked(),
		Positions: positions,
		Ts:        ts,
	}
}

// Trades returns realized PnL events oldest first.
func (l *Ledger) Trades() []TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TradeRecord, len(l.trades))
	copy(out, l.trades)
	return out
}

// EquityCurve returns sampled equity points oldest first.
func (l *Ledger) EquityCurve() []EquityPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EquityPoint, len(l.equity))
	copy(out, l.equity)
	return out
}

func (l *Ledger) pos(symbol string) *domain.Position {
	if pos, ok := l.positions[symbol]; ok {
		return pos
	}
	pos := &domain.Position{Symbol: symbol, Side: domain.Flat}
	l.positions[symbol] = pos
	return pos
}

func (l *Ledger) lock(notional float64) {
	l.balance.Locked += notional
	l.balance.Available = l.balance.Total - l.balance.Locked
}

func (l *Ledger) unlock(notional float64) {
	l.balance.Locked -= notional
	if l.balance.Locked < 0 {
		l.balance.Locked = 0
	}
	l.balance.Available = l.balance.Total - l.balance.Locked
}

func (l *Ledger) pushTrade(tr TradeRecord) {
	if len(l.trades) == l.histCap {
		copy(l.trades, l.trades[1:])
		l.trades = l.trades[:l.histCap-1]
	}
	l.trades = append(l.trades, tr)
}

func (l *Ledger) pushEquity(pt EquityPoint) {
	if len(l.equity) == l.histCap {
		copy(l.equity, l.equity[1:])
		l.equity = l.equity[:l.histCap-1]
	}
	l.equity = append(l.equity, pt)
}

func sameDirection(side domain.Side, pos domain.PositionSide) bool {
	return (side == domain.Buy && pos == domain.Long) ||
		(side == domain.Sell && pos == domain.Short)
}

func sideFor(side domain.Side) domain.PositionSide {
	if side == domain.Buy {
		return domain.Long
	}
	return domain.Short
}
