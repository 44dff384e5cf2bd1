// Package engine runs one strategy against one account. A Session owns the
// signal-to-order pipeline shared by backtests and paper sessions: market
// events go to the strategy, signals become orders, orders pass the risk
// breaker, fills settle in the ledger. Event handlers must be called from a
// single goroutine in event-timestamp order.
package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/engine/ledger"
	"github.com/tradeforge/tradeforge/internal/engine/match"
	"github.com/tradeforge/tradeforge/internal/engine/risk"
	"github.com/tradeforge/tradeforge/internal/strategy"
)

// EventFn receives session lifecycle events for streaming. Payloads are
// domain values; kind is one of "signal", "order", "fill", "risk_trip".
type EventFn func(kind string, payload interface{})

// Config wires a session's collaborators.
type Config struct {
	SessionID string
	Symbol    string
	Strategy  strategy.Strategy
	Book      *match.Book
	Ledger    *ledger.Ledger
	Risk      *risk.Breaker
	Log       zerolog.Logger
	Events    EventFn
}

// Session drives one strategy. Signals with a limit price become resting
// quotes and replace the session's previous quotes; signals without one
// declare a target exposure that the session reconciles with market orders.
type Session struct {
	id     string
	symbol string
	strat  strategy.Strategy
	book   *match.Book
	ledger *ledger.Ledger
	risk   *risk.Breaker
	log    zerolog.Logger
	events EventFn

	halted     bool
	haltReason string
}

const minOrderQty = 1e-9

func NewSession(cfg Config) (*Session, error) {
	if cfg.Strategy == nil || cfg.Book == nil || cfg.Ledger == nil || cfg.Risk == nil {
		return nil, fmt.Errorf("session needs strategy, book, ledger and risk: %w", domain.ErrValidation)
	}
	s := &Session{
		id:     cfg.SessionID,
		symbol: cfg.Symbol,
		strat:  cfg.Strategy,
		book:   cfg.Book,
		ledger: cfg.Ledger,
		risk:   cfg.Risk,
		log:    cfg.Log.With().Str("session", cfg.SessionID).Logger(),
		events: cfg.Events,
	}
	cfg.Book.SetPositionFn(cfg.Ledger.Position)
	return s, nil
}

// Start runs the strategy's start hook when it has one.
func (s *Session) Start() error {
	if hook, ok := s.strat.(strategy.Lifecycle); ok {
		return hook.OnStart(s.ctx())
	}
	return nil
}

// Stop runs the strategy's stop hook when it has one.
func (s *Session) Stop() error {
	if hook, ok := s.strat.(strategy.Lifecycle); ok {
		return hook.OnStop(s.ctx())
	}
	return nil
}

// OnBar advances the session one bar: resting orders fill first, the close
// marks the book, the risk breaker sees the new equity, and only then does
// the strategy speak. Returns every fill settled during the bar.
func (s *Session) OnBar(bar domain.Bar) ([]domain.Fill, error) {
	if s.halted {
		return nil, nil
	}
	fills := s.book.OnBar(bar)
	if err := s.settle(fills); err != nil {
		return fills, err
	}
	s.ledger.Mark(bar.Symbol, bar.Close, bar.CloseTime)

	if s.risk.UpdateEquity(s.ledger.Equity(), bar.CloseTime) && !s.halted {
		fills = append(fills, s.haltAndFlatten("drawdown limit")...)
		return fills, nil
	}
	if s.halted {
		return fills, nil
	}

	signals := s.strat.OnBar(s.ctx(), bar)
	more, err := s.Apply(signals)
	return append(fills, more...), err
}

// OnTrade refreshes the reference price and forwards the trade to the
// strategy.
func (s *Session) OnTrade(trade domain.Trade) ([]domain.Fill, error) {
	if s.halted {
		return nil, nil
	}
	s.book.MarkPrice(trade.Symbol, trade.Price)
	s.ledger.Mark(trade.Symbol, trade.Price, trade.Ts)
	return s.Apply(s.strat.OnTrade(s.ctx(), trade))
}

// OnOrderbook forwards an L2 snapshot to strategies that want one.
func (s *Session) OnOrderbook(book domain.Orderbook) ([]domain.Fill, error) {
	if s.halted {
		return nil, nil
	}
	handler, ok := s.strat.(strategy.OrderbookHandler)
	if !ok {
		return nil, nil
	}
	return s.Apply(handler.OnOrderbook(s.ctx(), book))
}

// OnFunding settles funding against the open position, counts it toward
// the daily loss limit and forwards the rate to funding-aware strategies.
func (s *Session) OnFunding(rate domain.FundingRate) ([]domain.Fill, error) {
	if s.halted {
		return nil, nil
	}
	delta := s.ledger.ApplyFunding(rate.Symbol, rate.Rate, rate.NextFundingAt)
	if delta != 0 && s.risk.RecordTradePnL(delta, rate.NextFundingAt) && !s.halted {
		return s.haltAndFlatten("daily loss limit"), nil
	}
	handler, ok := s.strat.(strategy.FundingHandler)
	if !ok {
		return nil, nil
	}
	return s.Apply(handler.OnFundingRate(s.ctx(), rate))
}

// Apply turns signals into orders. A non-empty batch first replaces the
// session's working quotes; target-exposure signals then reconcile the
// position with market orders.
func (s *Session) Apply(signals []domain.Signal) ([]domain.Fill, error) {
	if len(signals) == 0 || s.halted {
		return nil, nil
	}
	s.emit("signal", signals)
	s.cancelQuotes()

	var fills []domain.Fill
	for _, sig := range signals {
		fs, err := s.applySignal(sig)
		fills = append(fills, fs...)
		if err != nil {
			return fills, err
		}
		if s.halted {
			break
		}
	}
	return fills, nil
}

func (s *Session) applySignal(sig domain.Signal) ([]domain.Fill, error) {
	symbol := sig.Symbol
	if symbol == "" {
		symbol = s.symbol
	}
	if sig.LimitPrice != nil {
		return s.placeQuote(sig, symbol)
	}
	return s.retarget(sig, symbol)
}

func (s *Session) placeQuote(sig domain.Signal, symbol string) ([]domain.Fill, error) {
	side := domain.Buy
	if sig.Direction == domain.DirShort {
		side = domain.Sell
	}
	qty := s.sizeFor(sig.Sizing, *sig.LimitPrice)
	if qty < minOrderQty {
		return nil, nil
	}
	order := domain.Order{
		SessionID:  s.id,
		Symbol:     symbol,
		Side:       side,
		Kind:       domain.Limit,
		Qty:        qty,
		LimitPrice: *sig.LimitPrice,
	}
	return s.submit(order)
}

// retarget reconciles the held position with the signal's declared
// exposure. DirFlat closes, DirLong and DirShort move the signed quantity
// to the target with one market order.
func (s *Session) retarget(sig domain.Signal, symbol string) ([]domain.Fill, error) {
	refPrice := s.book.LastPrice(symbol)
	if refPrice <= 0 {
		s.log.Warn().Str("symbol", symbol).Msg("no reference price, signal dropped")
		return nil, nil
	}

	var target float64
	switch sig.Direction {
	case domain.DirLong:
		target = s.sizeFor(sig.Sizing, refPrice)
	case domain.DirShort:
		target = -s.sizeFor(sig.Sizing, refPrice)
	case domain.DirFlat:
		target = 0
	default:
		return nil, fmt.Errorf("signal direction %q: %w", sig.Direction, domain.ErrValidation)
	}

	pos := s.ledger.Position(symbol)
	current := pos.Qty
	if pos.Side == domain.Short {
		current = -current
	}
	delta := target - current
	if delta > -minOrderQty && delta < minOrderQty {
		return nil, nil
	}

	order := domain.Order{
		SessionID: s.id,
		Symbol:    symbol,
		Side:      domain.Buy,
		Kind:      domain.Market,
		Qty:       delta,
	}
	if delta < 0 {
		order.Side = domain.Sell
		order.Qty = -delta
	}
	if sig.Direction == domain.DirFlat {
		order.ReduceOnly = true
	}
	return s.submit(order)
}

// submit runs one order through the risk check and the book. Vetoes and
// per-order rejections are logged and swallowed; the session keeps
// trading. Only settlement failures propagate.
func (s *Session) submit(order domain.Order) ([]domain.Fill, error) {
	if err := s.risk.CheckOrder(order, s.book.LastPrice(order.Symbol), s.ledger.Equity()); err != nil {
		s.log.Warn().Err(err).Str("symbol", order.Symbol).Msg("order vetoed")
		s.emit("order_rejected", order)
		return nil, nil
	}
	orders, fills, err := s.book.Submit(order)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", order.Symbol).Msg("order rejected")
		s.emit("order_rejected", order)
		return nil, nil
	}
	for _, o := range orders {
		s.emit("order", o)
	}
	if err := s.settle(fills); err != nil {
		return fills, err
	}
	return fills, nil
}

// settle books fills into the ledger and feeds realized PnL to the risk
// breaker.
func (s *Session) settle(fills []domain.Fill) error {
	for _, f := range fills {
		before := s.ledger.Balance().RealizedPnL
		if _, err := s.ledger.ApplyFill(f); err != nil {
			return err
		}
		s.emit("fill", f)
		realized := s.ledger.Balance().RealizedPnL - before
		if realized != 0 && s.risk.RecordTradePnL(realized, f.Ts) && !s.halted {
			s.haltAndFlatten("daily loss limit")
		}
	}
	return nil
}

// haltAndFlatten latches the session, cancels its working orders and
// closes every open position at market. Flatten fills settle into the
// ledger but cannot revive the session.
func (s *Session) haltAndFlatten(reason string) []domain.Fill {
	s.halted = true
	s.haltReason = reason
	s.log.Error().Str("severity", "critical").Str("reason", reason).Msg("session halted")
	s.emit("risk_trip", reason)
	return s.Flatten()
}

// Flatten cancels the session's open orders and closes its positions at
// market. Safe to call on a healthy session (kill switch path).
func (s *Session) Flatten() []domain.Fill {
	s.book.CancelWhere(func(o domain.Order) bool { return o.SessionID == s.id })

	var fills []domain.Fill
	for _, pos := range s.ledger.Positions() {
		side := domain.Sell
		if pos.Side == domain.Short {
			side = domain.Buy
		}
		_, fs, err := s.book.Submit(domain.Order{
			SessionID:  s.id,
			Symbol:     pos.Symbol,
			Side:       side,
			Kind:       domain.Market,
			Qty:        pos.Qty,
			ReduceOnly: true,
		})
		if err != nil {
			s.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("flatten order rejected")
			continue
		}
		for _, f := range fs {
			if _, err := s.ledger.ApplyFill(f); err != nil {
				s.log.Error().Err(err).Msg("flatten fill failed to settle")
				continue
			}
			s.emit("fill", f)
			fills = append(fills, f)
		}
	}
	return fills
}

// Halted reports whether the session latched on a risk trip.
func (s *Session) Halted() (bool, string) {
	return s.halted, s.haltReason
}

// Account snapshots the session's ledger.
func (s *Session) Account() domain.AccountSummary {
	return s.ledger.Summary(time.Now().UTC())
}

// cancelQuotes removes the session's resting non-protective limit orders
// so a fresh signal batch fully replaces the working set.
func (s *Session) cancelQuotes() {
	s.book.CancelWhere(func(o domain.Order) bool {
		return o.SessionID == s.id && o.Kind == domain.Limit && !o.ReduceOnly
	})
}

func (s *Session) ctx() *strategy.Ctx {
	bal := s.ledger.Balance()
	return &strategy.Ctx{
		Symbol:    s.symbol,
		Equity:    s.ledger.Equity(),
		Available: bal.Available,
		Position:  s.ledger.Position(s.symbol),
		LastPrice: s.book.LastPrice(s.symbol),
	}
}

func (s *Session) sizeFor(sz domain.Sizing, price float64) float64 {
	switch sz.Mode {
	case domain.SizeQuantity:
		return sz.Value
	case domain.SizeFraction:
		if price <= 0 {
			return 0
		}
		return sz.Value * s.ledger.Equity() / price
	}
	return 0
}

func (s *Session) emit(kind string, payload interface{}) {
	if s.events != nil {
		s.events(kind, payload)
	}
}
