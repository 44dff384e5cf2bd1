// Package backtest replays cached history through the trading engine and
// scores the result. Each submitted job gets its own worker goroutine; a
// bounded semaphore keeps the replay parallelism under the configured cap.
package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/engine"
	"github.com/tradeforge/tradeforge/internal/engine/ledger"
	"github.com/tradeforge/tradeforge/internal/engine/match"
	"github.com/tradeforge/tradeforge/internal/engine/risk"
	"github.com/tradeforge/tradeforge/internal/marketdata"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/stream"
)

// Run statuses persisted to backtest_runs.status.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Event types published on the run's topic.
const (
	EventProgress  = "backtest.progress"
	EventCompleted = "backtest.completed"
	EventFailed    = "backtest.failed"
)

// Progress checkpoints for the fixed worker steps. The bar loop fills the
// span between progressStrategy and progressReplay.
const (
	progressRunning  = 0.05
	progressData     = 0.10
	progressStrategy = 0.15
	progressReplay   = 0.95
)

const maxCurvePoints = 2000

// Request describes one backtest job.
type Request struct {
	StrategyHash  string                 `json:"strategy_version_hash"`
	Symbol        string                 `json:"symbol"`
	Venue         string                 `json:"venue,omitempty"`
	Interval      domain.Interval        `json:"interval"`
	Start         time.Time              `json:"start"`
	End           time.Time              `json:"end"`
	Params        map[string]interface{} `json:"params,omitempty"`
	RiskProfileID string                 `json:"risk_profile_id,omitempty"`
}

func (r Request) normalized() (Request, error) {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return r, fmt.Errorf("symbol is required: %w", domain.ErrValidation)
	}
	if r.StrategyHash == "" {
		return r, fmt.Errorf("strategy_version_hash is required: %w", domain.ErrValidation)
	}
	if !r.Interval.Valid() {
		return r, fmt.Errorf("interval %q: %w", r.Interval, domain.ErrUnsupported)
	}
	if r.Start.IsZero() || r.End.IsZero() || !r.End.After(r.Start) {
		return r, fmt.Errorf("window [%s, %s] is empty: %w", r.Start, r.End, domain.ErrValidation)
	}
	if r.Params == nil {
		r.Params = map[string]interface{}{}
	}
	return r, nil
}

// Options wires the orchestrator's dependencies.
type Options struct {
	Store    *persistence.Store
	Market   *marketdata.Facade
	Registry *strategy.Registry
	Bus      *stream.Bus
	Metrics  *metrics.Registry
	Engine   config.EngineConfig
	Config   config.BacktestConfig
	Log      zerolog.Logger
}

// Orchestrator owns the in-flight job registry and the worker pool.
type Orchestrator struct {
	store   *persistence.Store
	market  *marketdata.Facade
	reg     *strategy.Registry
	bus     *stream.Bus
	metrics *metrics.Registry
	engine  config.EngineConfig
	cfg     config.BacktestConfig
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

// job tracks one in-flight run. status, result and errText are written by
// the worker before done closes and read only after it closes.
type job struct {
	id         string
	cancelling context.CancelFunc
	done       chan struct{}

	mu   sync.Mutex
	user bool

	status  string
	result  *Metrics
	errText string
}

func (j *job) markUserCancel() {
	j.mu.Lock()
	j.user = true
	j.mu.Unlock()
}

func (j *job) userCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.user
}

func New(opts Options) *Orchestrator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Config.MaxConcurrent <= 0 {
		opts.Config.MaxConcurrent = 4
	}
	if opts.Config.MaxCombinations <= 0 {
		opts.Config.MaxCombinations = 500
	}
	if opts.Config.GridSteps <= 0 {
		opts.Config.GridSteps = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   opts.Store,
		market:  opts.Market,
		reg:     opts.Registry,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		engine:  opts.Engine,
		cfg:     opts.Config,
		log:     opts.Log.With().Str("component", "backtest").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		sem:     make(chan struct{}, opts.Config.MaxConcurrent),
		jobs:    map[string]*job{},
	}
}

// Close stops every worker and waits for them to deregister. In-flight
// runs are marked Cancelled.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Submit validates the request, persists a Pending row and schedules the
// worker. The returned snapshot carries the job id clients poll and
// subscribe with.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (persistence.BacktestRun, error) {
	run, _, err := o.submit(ctx, req)
	return run, err
}

func (o *Orchestrator) submit(ctx context.Context, req Request) (persistence.BacktestRun, *job, error) {
	req, err := req.normalized()
	if err != nil {
		return persistence.BacktestRun{}, nil, err
	}
	rec, err := o.store.GetStrategy(ctx, req.StrategyHash)
	if err != nil {
		return persistence.BacktestRun{}, nil, err
	}
	schema, err := o.reg.Schema(rec.Name)
	if err != nil {
		return persistence.BacktestRun{}, nil, fmt.Errorf("strategy %q has no registered factory: %w", rec.Name, domain.ErrValidation)
	}
	if err := schema.Validate(req.Params); err != nil {
		return persistence.BacktestRun{}, nil, err
	}
	if req.RiskProfileID != "" {
		if _, err := o.store.GetRiskProfile(ctx, req.RiskProfileID); err != nil {
			return persistence.BacktestRun{}, nil, err
		}
	}

	params, err := json.Marshal(req.Params)
	if err != nil {
		return persistence.BacktestRun{}, nil, fmt.Errorf("encode params: %w", err)
	}
	run := persistence.BacktestRun{
		ID:           uuid.NewString(),
		StrategyHash: req.StrategyHash,
		Symbol:       req.Symbol,
		Venue:        req.Venue,
		Interval:     string(req.Interval),
		StartAt:      req.Start.UTC(),
		EndAt:        req.End.UTC(),
		Params:       string(params),
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.store.InsertBacktestRun(ctx, run); err != nil {
		return persistence.BacktestRun{}, nil, err
	}
	o.store.Audit(ctx, persistence.AuditRecord{
		Action:     "backtest.submitted",
		EntityType: "backtest",
		EntityID:   run.ID,
		Details:    fmt.Sprintf("%s %s %s", rec.Name, run.Symbol, run.Interval),
	})
	j := o.start(run, rec, req)
	return run, j, nil
}

// Cancel signals the run's worker. Cooperative: the worker acknowledges
// between bars, so the status flips to Cancelled shortly after.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	j, ok := o.jobs[id]
	o.mu.Unlock()
	if ok {
		j.markUserCancel()
		j.cancelling()
		o.store.Audit(ctx, persistence.AuditRecord{
			Action:     "backtest.cancel_requested",
			EntityType: "backtest",
			EntityID:   id,
		})
		return nil
	}
	run, err := o.store.GetBacktestRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("backtest %s is already %s: %w", id, strings.ToLower(run.Status), domain.ErrConflict)
}

// Get returns the persisted snapshot; progress is written through during
// the run so polling sees it advance.
func (o *Orchestrator) Get(ctx context.Context, id string) (persistence.BacktestRun, error) {
	return o.store.GetBacktestRun(ctx, id)
}

// List returns runs matching the filter, newest first.
func (o *Orchestrator) List(ctx context.Context, f persistence.BacktestFilter) ([]persistence.BacktestRun, error) {
	return o.store.ListBacktestRuns(ctx, f)
}

func (o *Orchestrator) start(run persistence.BacktestRun, rec strategy.Record, req Request) *job {
	jctx, jcancel := context.WithCancel(o.ctx)
	j := &job{id: run.ID, cancelling: jcancel, done: make(chan struct{})}
	o.mu.Lock()
	o.jobs[run.ID] = j
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer jcancel()
		defer close(j.done)
		defer func() {
			o.mu.Lock()
			delete(o.jobs, run.ID)
			o.mu.Unlock()
		}()

		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-jctx.Done():
			o.finishCancelled(j, run)
			return
		}

		o.metrics.BacktestsActive.Inc()
		started := time.Now()
		defer func() {
			o.metrics.BacktestsActive.Dec()
			o.metrics.BacktestDuration.Observe(time.Since(started).Seconds())
		}()
		o.runJob(jctx, j, run, rec, req)
	}()
	return j
}

// runJob is the worker pipeline: Running, ensure data, build the engine,
// replay bars with cancel checks between them, score, persist, publish.
func (o *Orchestrator) runJob(ctx context.Context, j *job, run persistence.BacktestRun, rec strategy.Record, req Request) {
	log := o.log.With().Str("backtest_id", run.ID).Str("strategy", rec.Name).Str("symbol", run.Symbol).Logger()

	if ctx.Err() != nil {
		o.finishCancelled(j, run)
		return
	}
	now := time.Now().UTC()
	run.Status = StatusRunning
	run.StartedAt = &now
	run.Progress = progressRunning
	if err := o.store.UpdateBacktestRun(ctx, run); err != nil {
		o.finishFailed(j, run, err, log)
		return
	}
	o.emitProgress(run)

	res, err := o.market.FetchBars(ctx, marketdata.FetchRequest{
		Venue:    req.Venue,
		Symbol:   req.Symbol,
		Interval: req.Interval,
		Start:    req.Start,
		End:      req.End,
	})
	if err != nil {
		o.finishFailed(j, run, err, log)
		return
	}
	if len(res.Bars) == 0 {
		o.finishFailed(j, run, fmt.Errorf("no bars for %s %s in window: %w", req.Symbol, req.Interval, domain.ErrDataGap), log)
		return
	}
	if res.Partial {
		log.Warn().Int("bars", len(res.Bars)).Msg("venue unavailable, replaying cached subset")
	}
	run.Progress = progressData
	o.reportProgress(ctx, run)

	if ctx.Err() != nil {
		o.finishCancelled(j, run)
		return
	}
	strat, err := o.reg.Create(rec.Name, req.Params)
	if err != nil {
		o.finishFailed(j, run, err, log)
		return
	}
	profile := risk.Profile{Name: "backtest-default"}
	if req.RiskProfileID != "" {
		if profile, err = o.store.GetRiskProfile(ctx, req.RiskProfileID); err != nil {
			o.finishFailed(j, run, err, log)
			return
		}
	}
	book := match.New(match.Config{
		MakerFeeRate: o.engine.MakerFeeRate,
		TakerFeeRate: o.engine.TakerFeeRate,
		SlippageBps:  o.engine.SlippageBps,
		FilledCap:    o.engine.FilledOrderCap,
	}, o.metrics)
	led := ledger.New(ledger.Config{InitialBalance: o.engine.InitialBalance})
	sess, err := engine.NewSession(engine.Config{
		SessionID: run.ID,
		Symbol:    req.Symbol,
		Strategy:  strat,
		Book:      book,
		Ledger:    led,
		Risk:      risk.New(profile, o.metrics, log),
		Log:       log,
	})
	if err != nil {
		o.finishFailed(j, run, err, log)
		return
	}
	run.Progress = progressStrategy
	o.reportProgress(ctx, run)

	if err := sess.Start(); err != nil {
		o.finishFailed(j, run, err, log)
		return
	}

	total := len(res.Bars)
	every := total / 50
	if every == 0 {
		every = 1
	}
	for i, bar := range res.Bars {
		if ctx.Err() != nil {
			o.finishCancelled(j, run)
			return
		}
		if _, err := sess.OnBar(bar); err != nil {
			o.finishFailed(j, run, err, log)
			return
		}
		if halted, reason := sess.Halted(); halted {
			log.Warn().Str("reason", reason).Int("bar", i+1).Msg("risk halt, ending replay early")
			break
		}
		if (i+1)%every == 0 || i+1 == total {
			run.Progress = progressStrategy + (progressReplay-progressStrategy)*float64(i+1)/float64(total)
			o.reportProgress(ctx, run)
		}
	}
	if err := sess.Stop(); err != nil {
		log.Warn().Err(err).Msg("strategy stop hook failed")
	}

	m := Compute(o.engine.InitialBalance, req.Interval.Duration(), led.Trades(), led.EquityCurve())
	m.Halted, m.HaltReason = sess.Halted()
	metricsJSON, err := json.Marshal(m)
	if err != nil {
		o.finishFailed(j, run, fmt.Errorf("encode metrics: %w", err), log)
		return
	}
	curveJSON, err := json.Marshal(downsample(led.EquityCurve(), maxCurvePoints))
	if err != nil {
		o.finishFailed(j, run, fmt.Errorf("encode equity curve: %w", err), log)
		return
	}

	done := time.Now().UTC()
	run.Status = StatusCompleted
	run.Progress = 1
	run.Metrics = string(metricsJSON)
	run.EquityCurve = string(curveJSON)
	run.CompletedAt = &done
	if err := o.store.UpdateBacktestRun(context.Background(), run); err != nil {
		o.finishFailed(j, run, err, log)
		return
	}
	o.persistTrades(run.ID, req.Symbol, led.Trades())

	j.status = StatusCompleted
	j.result = &m
	o.publish(EventCompleted, map[string]interface{}{"id": run.ID, "metrics": m}, stream.BacktestTopic(run.ID))
	o.store.Audit(context.Background(), persistence.AuditRecord{
		Action:     "backtest.completed",
		EntityType: "backtest",
		EntityID:   run.ID,
		Details:    fmt.Sprintf("pnl=%.2f trades=%d sharpe=%.2f", m.TotalPnL, m.TotalTrades, m.Sharpe),
	})
	log.Info().
		Float64("total_pnl", m.TotalPnL).
		Int("trades", m.TotalTrades).
		Float64("sharpe", m.Sharpe).
		Float64("max_drawdown", m.MaxDrawdownPct).
		Msg("backtest completed")
}

func (o *Orchestrator) finishFailed(j *job, run persistence.BacktestRun, cause error, log zerolog.Logger) {
	now := time.Now().UTC()
	run.Status = StatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &now
	if err := o.store.UpdateBacktestRun(context.Background(), run); err != nil {
		log.Error().Err(err).Msg("persist failed status")
	}
	j.status = StatusFailed
	j.errText = cause.Error()
	o.publish(EventFailed, map[string]interface{}{"id": run.ID, "error": cause.Error()}, stream.BacktestTopic(run.ID))
	o.store.Audit(context.Background(), persistence.AuditRecord{
		Action:     "backtest.failed",
		EntityType: "backtest",
		EntityID:   run.ID,
		Details:    cause.Error(),
	})
	log.Error().Err(cause).Msg("backtest failed")
}

// finishCancelled marks the run Cancelled and deliberately emits no
// completed or failed event.
func (o *Orchestrator) finishCancelled(j *job, run persistence.BacktestRun) {
	now := time.Now().UTC()
	run.Status = StatusCancelled
	run.CompletedAt = &now
	if !j.userCancelled() {
		run.Error = "interrupted by shutdown"
	}
	if err := o.store.UpdateBacktestRun(context.Background(), run); err != nil {
		o.log.Error().Err(err).Str("backtest_id", run.ID).Msg("persist cancelled status")
	}
	j.status = StatusCancelled
	o.store.Audit(context.Background(), persistence.AuditRecord{
		Action:     "backtest.cancelled",
		EntityType: "backtest",
		EntityID:   run.ID,
	})
	o.log.Info().Str("backtest_id", run.ID).Msg("backtest cancelled")
}

func (o *Orchestrator) persistTrades(runID, symbol string, trades []ledger.TradeRecord) {
	if len(trades) == 0 {
		return
	}
	rows := make([]persistence.Trade, len(trades))
	for i, tr := range trades {
		rows[i] = persistence.Trade{
			SessionID:   runID,
			Symbol:      tr.Symbol,
			Side:        string(tr.Side),
			Qty:         tr.Qty,
			Price:       tr.Exit,
			Fee:         tr.Fee,
			RealizedPnL: tr.PnL,
			Ts:          tr.Ts,
		}
		if rows[i].Symbol == "" {
			rows[i].Symbol = symbol
		}
	}
	if err := o.store.InsertTrades(context.Background(), rows); err != nil {
		o.log.Warn().Err(err).Str("backtest_id", runID).Msg("persist backtest trades")
	}
}

// reportProgress writes the fraction through and publishes the progress
// event; both are best effort on the hot path.
func (o *Orchestrator) reportProgress(ctx context.Context, run persistence.BacktestRun) {
	if err := o.store.UpdateBacktestProgress(ctx, run.ID, run.Progress); err != nil && ctx.Err() == nil {
		o.log.Warn().Err(err).Str("backtest_id", run.ID).Msg("persist progress")
	}
	o.emitProgress(run)
}

func (o *Orchestrator) emitProgress(run persistence.BacktestRun) {
	o.publish(EventProgress, map[string]interface{}{
		"id":       run.ID,
		"status":   run.Status,
		"progress": run.Progress,
	}, stream.BacktestTopic(run.ID))
}

func (o *Orchestrator) publish(eventType string, payload interface{}, topics ...string) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(eventType, payload, topics...); err != nil {
		o.log.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
