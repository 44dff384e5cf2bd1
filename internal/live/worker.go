package live

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/engine"
	"github.com/tradeforge/tradeforge/internal/engine/ledger"
	"github.com/tradeforge/tradeforge/internal/engine/match"
	"github.com/tradeforge/tradeforge/internal/engine/risk"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/stream"
)

// worker runs one session: it owns the strategy, book, ledger and breaker,
// consumes the bar feed and write-through persists every state change.
// Cleanup always lands the row in Stopped; counts are written before done
// closes so Stop can read them.
type worker struct {
	m        *Manager
	id       string
	symbol   string
	venue    string
	interval domain.Interval
	strat    strategy.Record
	profile  risk.Profile
	params   map[string]interface{}
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	paused  atomic.Bool
	flatten atomic.Bool
	ready   atomic.Bool

	sess    *engine.Session
	led     *ledger.Ledger
	book    *match.Book
	breaker *risk.Breaker

	persisted int
	openPos   map[string]bool
	day       string
	dayFees   float64
	dayTrades int
	lastFees  float64
	lastDaily persistence.DailyPnL

	cancelledOrders    int
	flattenedPositions int
}

func newWorker(m *Manager, sess persistence.LiveSession, rec strategy.Record, profile risk.Profile, req DeployRequest) *worker {
	ctx, cancel := context.WithCancel(m.ctx)
	return &worker{
		m:        m,
		id:       sess.ID,
		symbol:   sess.Symbol,
		venue:    sess.Venue,
		interval: req.Interval,
		strat:    rec,
		profile:  profile,
		params:   req.Params,
		log: m.log.With().
			Str("session_id", sess.ID).
			Str("symbol", sess.Symbol).
			Str("mode", sess.Mode).
			Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		openPos: map[string]bool{},
	}
}

// stop asks the worker to exit; cleanup happens on the worker goroutine.
func (w *worker) stop() { w.cancel() }

func (w *worker) run() {
	defer close(w.done)

	strat, err := w.m.reg.Create(w.strat.Name, w.params)
	if err != nil {
		w.failDeploy(err)
		return
	}
	w.book = match.New(match.Config{
		MakerFeeRate: w.m.engine.MakerFeeRate,
		TakerFeeRate: w.m.engine.TakerFeeRate,
		SlippageBps:  w.m.engine.SlippageBps,
		FilledCap:    w.m.engine.FilledOrderCap,
	}, w.m.metrics)
	w.led = ledger.New(ledger.Config{InitialBalance: w.m.engine.InitialBalance})
	w.breaker = risk.New(w.profile, w.m.metrics, w.log)
	sess, err := engine.NewSession(engine.Config{
		SessionID: w.id,
		Symbol:    w.symbol,
		Strategy:  strat,
		Book:      w.book,
		Ledger:    w.led,
		Risk:      w.breaker,
		Log:       w.log,
		Events:    w.onEvent,
	})
	if err != nil {
		w.failDeploy(err)
		return
	}
	w.sess = sess

	bars, err := w.m.market.StreamBars(w.ctx, w.venue, w.symbol, w.interval)
	if err != nil {
		w.failDeploy(err)
		return
	}
	if err := sess.Start(); err != nil {
		w.failDeploy(err)
		return
	}

	ok, err := w.m.transition(context.Background(), w.id, StateDeploying, StateRunning, "strategy initialized")
	if err != nil {
		w.log.Error().Err(err).Msg("transition to running")
		return
	}
	if !ok {
		// a stop won the race while we were deploying
		w.shutdown("stopped during deploy")
		return
	}
	w.ready.Store(true)
	w.m.metrics.SessionsActive.Inc()
	defer w.m.metrics.SessionsActive.Dec()
	w.log.Info().Str("strategy", w.strat.Name).Msg("session running")

	w.shutdown(w.loop(bars))
}

// loop consumes bars and funding until something ends the session, and
// returns the stop reason.
func (w *worker) loop(bars <-chan domain.Bar) string {
	funding := time.NewTicker(w.m.cfg.FundingPollInterval)
	defer funding.Stop()
	fundingOK := true
	var next *domain.FundingRate

	for {
		select {
		case <-w.ctx.Done():
			return "stop requested"

		case bar, ok := <-bars:
			if !ok {
				w.failRuntime("market data feed closed")
				return "feed closed"
			}
			if w.paused.Load() {
				continue
			}
			if _, err := w.sess.OnBar(bar); err != nil {
				w.failRuntime(err.Error())
				return "settlement failure"
			}
			w.syncState()
			w.emitPosition(bar.CloseTime)
			if halted, why := w.sess.Halted(); halted {
				w.flatten.Store(true)
				return why
			}

		case <-funding.C:
			if !fundingOK {
				continue
			}
			if next == nil {
				rate, err := w.m.market.FundingRate(w.ctx, w.venue, w.symbol)
				if err != nil {
					if errors.Is(err, domain.ErrUnsupported) || errors.Is(err, domain.ErrNotImplemented) {
						fundingOK = false
						w.log.Debug().Msg("venue has no funding rate, settlement disabled")
					}
					continue
				}
				if rate.NextFundingAt.IsZero() {
					fundingOK = false
					continue
				}
				next = &rate
				continue
			}
			if time.Now().UTC().Before(next.NextFundingAt) {
				continue
			}
			due := *next
			next = nil
			if w.settleFunding(due) {
				w.flatten.Store(true)
				return "daily loss limit"
			}
		}
	}
}

// settleFunding books one funding interval at the rate captured before the
// rollover. Paused sessions settle directly against the ledger so strategy
// dispatch stays frozen. Reports whether the breaker tripped.
func (w *worker) settleFunding(rate domain.FundingRate) bool {
	if w.paused.Load() {
		delta := w.led.ApplyFunding(rate.Symbol, rate.Rate, rate.NextFundingAt)
		if delta == 0 {
			return false
		}
		w.emitFunding(rate, delta)
		tripped := w.breaker.RecordTradePnL(delta, rate.NextFundingAt)
		if tripped {
			w.m.publish(EventRiskBreaker, map[string]interface{}{
				"session_id": w.id,
				"reason":     "daily loss limit",
			}, stream.LiveTopic(w.id), stream.TopicDashboard)
		}
		w.syncState()
		return tripped
	}
	before := w.led.Balance().RealizedPnL
	if _, err := w.sess.OnFunding(rate); err != nil {
		w.log.Error().Err(err).Msg("funding settlement failed")
	}
	if payment := w.led.Balance().RealizedPnL - before; payment != 0 {
		w.emitFunding(rate, payment)
	}
	w.syncState()
	halted, _ := w.sess.Halted()
	return halted
}

func (w *worker) emitFunding(rate domain.FundingRate, payment float64) {
	w.m.publish(EventFundingSettled, map[string]interface{}{
		"session_id": w.id,
		"symbol":     rate.Symbol,
		"rate":       domain.Dec(rate.Rate),
		"payment":    domain.Dec(payment),
	}, stream.LiveTopic(w.id))
}

// onEvent bridges engine events onto the session topic.
func (w *worker) onEvent(kind string, payload interface{}) {
	switch kind {
	case "order":
		w.m.publish(EventOrderEvent, payload, stream.LiveTopic(w.id))
	case "order_rejected":
		w.m.publish(EventRiskAlert, map[string]interface{}{
			"session_id": w.id,
			"order":      payload,
		}, stream.LiveTopic(w.id))
	case "fill":
		w.m.publish(EventTradeExecuted, payload, stream.LiveTopic(w.id))
	case "risk_trip":
		w.m.publish(EventRiskBreaker, map[string]interface{}{
			"session_id": w.id,
			"reason":     payload,
		}, stream.LiveTopic(w.id), stream.TopicDashboard)
	}
}

func (w *worker) emitPosition(ts time.Time) {
	bal := w.led.Balance()
	w.m.publish(EventPositionUpdate, map[string]interface{}{
		"session_id": w.id,
		"position":   w.led.Position(w.symbol),
		"equity":     domain.Dec(w.led.Equity()),
		"balance": domain.DecMap(map[string]float64{
			"total":     bal.Total,
			"available": bal.Available,
			"realized":  bal.RealizedPnL,
			"fees":      bal.Fees,
		}),
		"ts": ts,
	}, stream.LiveTopic(w.id))
}

// failDeploy lands an initialization failure in Stopped with the error on
// the row.
func (w *worker) failDeploy(err error) {
	ctx := context.Background()
	w.log.Error().Err(err).Msg("session failed to initialize")
	if serr := w.m.store.SetSessionError(ctx, w.id, err.Error()); serr != nil {
		w.log.Warn().Err(serr).Msg("record session error")
	}
	w.m.publish(EventError, map[string]interface{}{
		"session_id": w.id,
		"error":      err.Error(),
	}, stream.LiveTopic(w.id))
	ok, terr := w.m.transition(ctx, w.id, StateDeploying, StateStopped, "initialization failed")
	if terr != nil {
		w.log.Error().Err(terr).Msg("transition to stopped")
		return
	}
	if !ok {
		// a stop raced in; land the Stopping row
		w.m.transition(ctx, w.id, StateStopping, StateStopped, "initialization failed")
	}
	w.m.store.Audit(ctx, persistence.AuditRecord{
		Action:     "session.deploy_failed",
		EntityType: "session",
		EntityID:   w.id,
		SessionID:  w.id,
		Details:    err.Error(),
	})
}

// failRuntime records a mid-session failure; shutdown drives the FSM.
func (w *worker) failRuntime(detail string) {
	ctx := context.Background()
	if err := w.m.store.SetSessionError(ctx, w.id, detail); err != nil {
		w.log.Warn().Err(err).Msg("record session error")
	}
	w.m.publish(EventError, map[string]interface{}{
		"session_id": w.id,
		"error":      detail,
	}, stream.LiveTopic(w.id))
	w.log.Error().Str("error", detail).Msg("session failed")
}

// shutdown drains open orders, optionally flattens, persists the final
// state and lands the row in Stopped. Counts are visible once done closes.
func (w *worker) shutdown(reason string) {
	ctx := context.Background()
	for _, from := range []string{StateRunning, StatePaused, StateDeploying} {
		ok, err := w.m.transition(ctx, w.id, from, StateStopping, reason)
		if err != nil {
			w.log.Error().Err(err).Msg("transition to stopping")
			break
		}
		if ok {
			break
		}
	}

	if w.sess != nil {
		w.cancelledOrders = len(w.book.Open())
		w.book.CancelWhere(func(o domain.Order) bool { return true })
		if w.flatten.Load() {
			before := len(w.led.Positions())
			w.sess.Flatten()
			w.flattenedPositions = before - len(w.led.Positions())
		}
		if err := w.sess.Stop(); err != nil {
			w.log.Warn().Err(err).Msg("strategy stop hook")
		}
		w.syncState()
	}

	ok, err := w.m.transition(ctx, w.id, StateStopping, StateStopped, "cleanup done")
	if err != nil {
		w.log.Error().Err(err).Msg("transition to stopped")
	}
	if ok {
		w.m.store.Audit(ctx, persistence.AuditRecord{
			Action:     "session.stopped",
			EntityType: "session",
			EntityID:   w.id,
			SessionID:  w.id,
			Details:    reason,
		})
	}
	w.log.Info().
		Str("reason", reason).
		Int("cancelled_orders", w.cancelledOrders).
		Int("flattened_positions", w.flattenedPositions).
		Msg("session stopped")
}

// syncState write-through persists new fills, open positions and the day's
// running totals. Errors are logged; the in-memory ledger stays
// authoritative.
func (w *worker) syncState() {
	ctx := context.Background()
	w.rollDay()

	trades := w.led.Trades()
	if n := len(trades) - w.persisted; n > 0 {
		batch := make([]persistence.Trade, 0, n)
		for _, tr := range trades[w.persisted:] {
			batch = append(batch, persistence.Trade{
				SessionID:   w.id,
				Symbol:      tr.Symbol,
				Side:        string(tr.Side),
				Qty:         tr.Qty,
				Price:       tr.Exit,
				Fee:         tr.Fee,
				RealizedPnL: tr.PnL,
				Ts:          tr.Ts,
			})
		}
		if err := w.m.store.InsertTrades(ctx, batch); err != nil {
			w.log.Warn().Err(err).Msg("persist trades")
		} else {
			w.persisted = len(trades)
			w.dayTrades += n
		}
	}

	open := map[string]bool{}
	for _, pos := range w.led.Positions() {
		open[pos.Symbol] = true
		err := w.m.store.UpsertPosition(ctx, persistence.PositionSnapshot{
			SessionID:   w.id,
			Symbol:      pos.Symbol,
			Side:        string(pos.Side),
			Qty:         pos.Qty,
			AvgEntry:    pos.AvgEntry,
			RealizedPnL: pos.RealizedPnL,
			Fees:        pos.Fees,
			OpenedAt:    pos.OpenedAt,
			UpdatedAt:   pos.UpdatedAt,
		})
		if err != nil {
			w.log.Warn().Err(err).Msg("persist position")
		}
	}
	for sym := range w.openPos {
		if !open[sym] {
			if err := w.m.store.DeletePosition(ctx, w.id, sym); err != nil {
				w.log.Warn().Err(err).Msg("clear closed position")
			}
		}
	}
	w.openPos = open

	bal := w.led.Balance()
	w.dayFees += bal.Fees - w.lastFees
	w.lastFees = bal.Fees
	row := persistence.DailyPnL{
		SessionID:  w.id,
		Day:        w.day,
		Realized:   w.breaker.DailyPnL(),
		Fees:       w.dayFees,
		TradeCount: w.dayTrades,
	}
	if row == w.lastDaily {
		return
	}
	if err := w.m.store.UpsertDailyPnL(ctx, row); err != nil {
		w.log.Warn().Err(err).Msg("persist daily pnl")
		return
	}
	w.lastDaily = row
}

func (w *worker) rollDay() {
	day := time.Now().UTC().Format("2006-01-02")
	if day != w.day {
		w.day = day
		w.dayFees = 0
		w.dayTrades = 0
	}
}
