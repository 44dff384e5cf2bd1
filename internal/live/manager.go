// Package live deploys strategies against streaming market data and walks
// each session through the lifecycle state machine. State transitions are
// compare-and-set on the persisted row, so a lost race is an idempotent
// no-op rather than a double transition.
package live

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
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/stream"
)

// Lifecycle states persisted to live_sessions.state.
const (
	StateDeploying = "DEPLOYING"
	StateRunning   = "RUNNING"
	StatePaused    = "PAUSED"
	StateStopping  = "STOPPING"
	StateStopped   = "STOPPED"
)

// Execution modes. Paper sessions trade the simulated book against live
// prices; live sessions route to the venue adapter.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Event types published on live:<id>; state changes go to the dashboard
// topic as well.
const (
	EventStateChange    = "live.state_change"
	EventPositionUpdate = "live.position_update"
	EventOrderEvent     = "live.order_event"
	EventTradeExecuted  = "live.trade_executed"
	EventFundingSettled = "live.funding_settled"
	EventRiskAlert      = "live.risk_alert"
	EventRiskBreaker    = "live.risk_circuit_breaker"
	EventError          = "live.error"
	EventSessionList    = "dashboard.session_list"
)

// Feed supplies a session's bar stream and current funding rates.
// *marketdata.Facade satisfies it.
type Feed interface {
	StreamBars(ctx context.Context, venue, symbol string, interval domain.Interval) (<-chan domain.Bar, error)
	FundingRate(ctx context.Context, venue, symbol string) (domain.FundingRate, error)
}

// DeployRequest asks for a new paper or live session.
type DeployRequest struct {
	StrategyHash  string                 `json:"strategy_version_hash"`
	Symbol        string                 `json:"symbol"`
	Venue         string                 `json:"venue,omitempty"`
	Interval      domain.Interval        `json:"interval,omitempty"`
	Mode          string                 `json:"mode,omitempty"`
	RiskProfileID string                 `json:"risk_profile_id"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Operator      string                 `json:"operator,omitempty"`
}

func (r DeployRequest) normalized() (DeployRequest, error) {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return r, fmt.Errorf("symbol is required: %w", domain.ErrValidation)
	}
	if r.StrategyHash == "" {
		return r, fmt.Errorf("strategy_version_hash is required: %w", domain.ErrValidation)
	}
	if r.RiskProfileID == "" {
		return r, fmt.Errorf("risk_profile_id is required: %w", domain.ErrValidation)
	}
	if r.Mode == "" {
		r.Mode = ModePaper
	}
	if r.Mode != ModePaper && r.Mode != ModeLive {
		return r, fmt.Errorf("mode %q: %w", r.Mode, domain.ErrValidation)
	}
	if r.Interval == "" {
		r.Interval = domain.Interval1m
	}
	if !r.Interval.Valid() {
		return r, fmt.Errorf("interval %q: %w", r.Interval, domain.ErrUnsupported)
	}
	if r.Params == nil {
		r.Params = map[string]interface{}{}
	}
	return r, nil
}

// Snapshot joins the persisted row with the runtime account state while
// the session's worker is alive.
type Snapshot struct {
	persistence.LiveSession
	Account    *domain.AccountSummary `json:"account,omitempty"`
	Positions  []domain.Position      `json:"positions,omitempty"`
	OpenOrders []domain.Order         `json:"open_orders,omitempty"`
}

// StopResult reports what a stop actually cleaned up.
type StopResult struct {
	Session            persistence.LiveSession `json:"session"`
	CancelledOrders    int                     `json:"cancelled_orders"`
	FlattenedPositions int                     `json:"flattened_positions"`
}

// KillResult is the kill switch receipt.
type KillResult struct {
	Killed             int       `json:"killed"`
	CancelledOrders    int       `json:"cancelled_orders"`
	FlattenedPositions int       `json:"flattened_positions"`
	ExecutedAt         time.Time `json:"executed_at"`
}

// Options wires the manager's dependencies.
type Options struct {
	Store    *persistence.Store
	Market   Feed
	Registry *strategy.Registry
	Bus      *stream.Bus
	Metrics  *metrics.Registry
	Engine   config.EngineConfig
	Config   config.LiveConfig
	Log      zerolog.Logger
}

// Manager owns every running session worker.
type Manager struct {
	store   *persistence.Store
	market  Feed
	reg     *strategy.Registry
	bus     *stream.Bus
	metrics *metrics.Registry
	engine  config.EngineConfig
	cfg     config.LiveConfig
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
}

func NewManager(opts Options) *Manager {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Config.MaxConcurrent <= 0 {
		opts.Config.MaxConcurrent = 10
	}
	if opts.Config.StopGracePeriod <= 0 {
		opts.Config.StopGracePeriod = 5 * time.Second
	}
	if opts.Config.FundingPollInterval <= 0 {
		opts.Config.FundingPollInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   opts.Store,
		market:  opts.Market,
		reg:     opts.Registry,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		engine:  opts.Engine,
		cfg:     opts.Config,
		log:     opts.Log.With().Str("component", "live").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		workers: map[string]*worker{},
	}
}

// Close stops every worker and waits for the cleanup paths to finish.
// Sessions end in Stopped, positions intact unless a stop had requested
// flattening.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Deploy runs the four guards, persists the Deploying row and starts the
// session worker. Guard checks and the insert run under the manager lock
// so two racing deploys cannot both claim the last slot or the same pair.
func (m *Manager) Deploy(ctx context.Context, req DeployRequest) (Snapshot, error) {
	req, err := req.normalized()
	if err != nil {
		return Snapshot{}, err
	}
	rec, err := m.store.GetStrategy(ctx, req.StrategyHash)
	if err != nil {
		return Snapshot{}, err
	}
	schema, err := m.reg.Schema(rec.Name)
	if err != nil {
		return Snapshot{}, fmt.Errorf("strategy %q has no registered factory: %w", rec.Name, domain.ErrValidation)
	}
	if err := schema.Validate(req.Params); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	completed, err := m.store.CountCompletedBacktests(ctx, req.StrategyHash)
	if err != nil {
		return Snapshot{}, err
	}
	if completed == 0 {
		return Snapshot{}, fmt.Errorf("strategy %s has no completed backtest: %w", req.StrategyHash, domain.ErrConflict)
	}
	active, err := m.store.CountActiveSessions(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if active >= m.cfg.MaxConcurrent {
		return Snapshot{}, fmt.Errorf("active session limit %d reached: %w", m.cfg.MaxConcurrent, domain.ErrConflict)
	}
	busy, err := m.store.ActiveSessionOnPair(ctx, req.Symbol, req.Venue)
	if err != nil {
		return Snapshot{}, err
	}
	if busy {
		return Snapshot{}, fmt.Errorf("pair %s already has an active session: %w", req.Symbol, domain.ErrConflict)
	}
	profile, err := m.store.GetRiskProfile(ctx, req.RiskProfileID)
	if err != nil {
		return Snapshot{}, err
	}
	engaged, err := m.store.KillSwitchEngaged(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if engaged || profile.KillSwitch {
		return Snapshot{}, fmt.Errorf("kill switch engaged: %w", domain.ErrConflict)
	}

	params, err := json.Marshal(req.Params)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode params: %w", err)
	}
	sess := persistence.LiveSession{
		ID:            uuid.NewString(),
		StrategyHash:  req.StrategyHash,
		Symbol:        req.Symbol,
		Venue:         req.Venue,
		Mode:          req.Mode,
		State:         StateDeploying,
		RiskProfileID: profile.ID,
		Params:        string(params),
		Operator:      req.Operator,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return Snapshot{}, err
	}
	m.store.Audit(ctx, persistence.AuditRecord{
		Action:     "session.deployed",
		EntityType: "session",
		EntityID:   sess.ID,
		SessionID:  sess.ID,
		Details:    fmt.Sprintf("%s %s %s by %s", rec.Name, sess.Symbol, sess.Mode, sess.Operator),
	})
	m.emitStateChange(sess.ID, "", StateDeploying, "deploy accepted")

	w := newWorker(m, sess, rec, profile, req)
	m.workers[sess.ID] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.workers, sess.ID)
			m.mu.Unlock()
		}()
		w.run()
	}()
	return Snapshot{LiveSession: sess}, nil
}

// Pause freezes strategy dispatch. Already-paused sessions succeed
// quietly; anything else conflicts.
func (m *Manager) Pause(ctx context.Context, id string) (Snapshot, error) {
	ok, err := m.transition(ctx, id, StateRunning, StatePaused, "pause requested")
	if err != nil {
		return Snapshot{}, err
	}
	if ok {
		if w := m.worker(id); w != nil {
			w.paused.Store(true)
		}
		m.store.Audit(ctx, persistence.AuditRecord{Action: "session.paused", EntityType: "session", EntityID: id, SessionID: id})
		return m.Get(ctx, id)
	}
	snap, err := m.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.State == StatePaused {
		return snap, nil
	}
	return Snapshot{}, fmt.Errorf("session %s is %s, not running: %w", id, strings.ToLower(snap.State), domain.ErrConflict)
}

// Resume re-enables strategy dispatch on a paused session.
func (m *Manager) Resume(ctx context.Context, id string) (Snapshot, error) {
	ok, err := m.transition(ctx, id, StatePaused, StateRunning, "resume requested")
	if err != nil {
		return Snapshot{}, err
	}
	if ok {
		if w := m.worker(id); w != nil {
			w.paused.Store(false)
		}
		m.store.Audit(ctx, persistence.AuditRecord{Action: "session.resumed", EntityType: "session", EntityID: id, SessionID: id})
		return m.Get(ctx, id)
	}
	snap, err := m.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.State == StateRunning {
		return snap, nil
	}
	return Snapshot{}, fmt.Errorf("session %s is %s, not paused: %w", id, strings.ToLower(snap.State), domain.ErrConflict)
}

// Stop drives the session to Stopped: drain open orders, flatten when
// asked, wait for the worker within the grace period. A worker that
// overruns the grace period is logged and the session is marked Stopped
// anyway.
func (m *Manager) Stop(ctx context.Context, id string, flatten bool) (StopResult, error) {
	return m.stop(ctx, id, flatten, "stop requested")
}

func (m *Manager) stop(ctx context.Context, id string, flatten bool, reason string) (StopResult, error) {
	moved := false
	for _, from := range []string{StateRunning, StatePaused, StateDeploying} {
		ok, err := m.transition(ctx, id, from, StateStopping, reason)
		if err != nil {
			return StopResult{}, err
		}
		if ok {
			moved = true
			break
		}
	}
	if !moved {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return StopResult{}, err
		}
		switch sess.State {
		case StateStopped:
			return StopResult{Session: sess}, nil
		case StateStopping:
			// Another caller is already driving the stop.
		default:
			return StopResult{}, fmt.Errorf("session %s is %s: %w", id, strings.ToLower(sess.State), domain.ErrConflict)
		}
	}
	m.store.Audit(ctx, persistence.AuditRecord{
		Action:     "session.stop_requested",
		EntityType: "session",
		EntityID:   id,
		SessionID:  id,
		Details:    fmt.Sprintf("flatten=%v reason=%s", flatten, reason),
	})

	var result StopResult
	if w := m.worker(id); w != nil {
		w.flatten.Store(flatten)
		w.stop()
		select {
		case <-w.done:
			result.CancelledOrders = w.cancelledOrders
			result.FlattenedPositions = w.flattenedPositions
		case <-time.After(m.cfg.StopGracePeriod):
			m.log.Warn().
				Str("session_id", id).
				Dur("grace", m.cfg.StopGracePeriod).
				Msg("worker did not exit within grace period, marking stopped")
		}
	}

	// The worker's cleanup normally wins this CAS; this is the fallback
	// for an overrun or already-dead worker.
	if _, err := m.transition(ctx, id, StateStopping, StateStopped, "cleanup done"); err != nil {
		return StopResult{}, err
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return StopResult{}, err
	}
	result.Session = sess
	return result, nil
}

// KillSwitch stops every active session best-effort, flattening positions,
// then latches the global kill switch so no deploy passes guard four until
// an operator resets it.
func (m *Manager) KillSwitch(ctx context.Context, operator string) (KillResult, error) {
	sessions, err := m.store.ListSessions(ctx, StateDeploying, StateRunning, StatePaused, StateStopping)
	if err != nil {
		return KillResult{}, err
	}
	res := KillResult{ExecutedAt: time.Now().UTC()}
	for _, sess := range sessions {
		sr, err := m.stop(ctx, sess.ID, true, "kill switch")
		if err != nil {
			m.log.Error().Err(err).Str("session_id", sess.ID).Msg("kill switch stop failed")
			continue
		}
		res.Killed++
		res.CancelledOrders += sr.CancelledOrders
		res.FlattenedPositions += sr.FlattenedPositions
	}
	if err := m.store.SetGlobalKillSwitch(ctx, true); err != nil {
		return res, err
	}
	m.store.Audit(ctx, persistence.AuditRecord{
		Action:     "kill_switch.engaged",
		EntityType: "risk",
		Details:    fmt.Sprintf("by=%s killed=%d", operator, res.Killed),
	})
	m.publish(EventRiskBreaker, res, stream.TopicDashboard)
	m.log.Error().
		Str("severity", "critical").
		Int("killed", res.Killed).
		Str("operator", operator).
		Msg("kill switch engaged")
	return res, nil
}

// Get loads the persisted row and, for a live worker, the runtime account
// snapshot.
func (m *Manager) Get(ctx context.Context, id string) (Snapshot, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{LiveSession: sess}
	if w := m.worker(id); w != nil && w.ready.Load() {
		summary := w.led.Summary(time.Now().UTC())
		snap.Account = &summary
		snap.Positions = w.led.Positions()
		snap.OpenOrders = w.book.Open()
	}
	return snap, nil
}

// List returns persisted sessions, optionally filtered by state.
func (m *Manager) List(ctx context.Context, states ...string) ([]persistence.LiveSession, error) {
	return m.store.ListSessions(ctx, states...)
}

func (m *Manager) worker(id string) *worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[id]
}

// transition runs the CAS and, when it wins, emits the state change on the
// session and dashboard topics.
func (m *Manager) transition(ctx context.Context, id, from, to, reason string) (bool, error) {
	ok, err := m.store.TransitionSession(ctx, id, from, to)
	if err != nil || !ok {
		return ok, err
	}
	m.emitStateChange(id, from, to, reason)
	return true, nil
}

func (m *Manager) emitStateChange(id, from, to, reason string) {
	m.publish(EventStateChange, map[string]interface{}{
		"session_id": id,
		"from":       from,
		"to":         to,
		"reason":     reason,
	}, stream.LiveTopic(id), stream.TopicDashboard)
	m.emitSessionList()
}

// emitSessionList pushes the dashboard's session table after every
// accepted transition.
func (m *Manager) emitSessionList() {
	if m.bus == nil {
		return
	}
	sessions, err := m.store.ListSessions(context.Background(), StateDeploying, StateRunning, StatePaused, StateStopping)
	if err != nil {
		m.log.Warn().Err(err).Msg("session list for dashboard")
		return
	}
	m.publish(EventSessionList, map[string]interface{}{"sessions": sessions}, stream.TopicDashboard)
}

func (m *Manager) publish(eventType string, payload interface{}, topics ...string) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(eventType, payload, topics...); err != nil {
		m.log.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
