package live

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/engine/risk"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/stream"
)

// holder goes long on its first bar and then sits on the position. Bar
// hits are counted so tests can see whether dispatch is frozen.
type holder struct {
	hits  *atomic.Int64
	armed bool
}

func (h *holder) Name() string { return "holder" }

func (h *holder) OnBar(_ *strategy.Ctx, bar domain.Bar) []domain.Signal {
	h.hits.Add(1)
	if h.armed {
		return nil
	}
	h.armed = true
	return []domain.Signal{{
		Direction: domain.DirLong,
		Symbol:    bar.Symbol,
		Sizing:    domain.Sizing{Mode: domain.SizeFraction, Value: 0.5},
	}}
}

func (h *holder) OnTrade(_ *strategy.Ctx, _ domain.Trade) []domain.Signal { return nil }
func (h *holder) Clone() strategy.Strategy                                { return &holder{hits: h.hits} }

// quoter rests one limit bid far below the market, which never fills.
type quoter struct{ armed bool }

func (q *quoter) Name() string { return "quoter" }

func (q *quoter) OnBar(_ *strategy.Ctx, bar domain.Bar) []domain.Signal {
	if q.armed {
		return nil
	}
	q.armed = true
	px := bar.Close * 0.5
	return []domain.Signal{{
		Direction:  domain.DirLong,
		Symbol:     bar.Symbol,
		Sizing:     domain.Sizing{Mode: domain.SizeQuantity, Value: 1},
		LimitPrice: &px,
	}}
}

func (q *quoter) OnTrade(_ *strategy.Ctx, _ domain.Trade) []domain.Signal { return nil }
func (q *quoter) Clone() strategy.Strategy                                { return &quoter{} }

// fakeFeed hands each session a channel the test pushes bars into.
type fakeFeed struct {
	mu    sync.Mutex
	chans map[string]chan domain.Bar
	clock time.Time
	rate  domain.FundingRate
	err   error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		chans: map[string]chan domain.Bar{},
		clock: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		err:   domain.ErrUnsupported,
	}
}

func (f *fakeFeed) StreamBars(_ context.Context, _ string, symbol string, _ domain.Interval) (<-chan domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan domain.Bar, 64)
	f.chans[symbol] = ch
	return ch, nil
}

func (f *fakeFeed) FundingRate(context.Context, string, string) (domain.FundingRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.FundingRate{}, f.err
	}
	return f.rate, nil
}

func (f *fakeFeed) setRate(rate domain.FundingRate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
	f.err = nil
}

func (f *fakeFeed) push(t *testing.T, symbol string, px float64) {
	t.Helper()
	f.mu.Lock()
	ch := f.chans[symbol]
	open := f.clock
	f.clock = f.clock.Add(time.Minute)
	f.mu.Unlock()
	require.NotNil(t, ch, "no feed for %s", symbol)

	bar := domain.Bar{
		Symbol:    symbol,
		Interval:  domain.Interval1m,
		OpenTime:  open,
		Open:      px,
		High:      px,
		Low:       px,
		Close:     px,
		Volume:    10,
		CloseTime: open.Add(time.Minute - time.Millisecond),
	}
	select {
	case ch <- bar:
	case <-time.After(time.Second):
		t.Fatalf("bar channel for %s is full", symbol)
	}
}

func (f *fakeFeed) closeFeed(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.chans[symbol])
	delete(f.chans, symbol)
}

type liveRig struct {
	mgr     *Manager
	store   *persistence.Store
	bus     *stream.Bus
	feed    *fakeFeed
	barHits *atomic.Int64
}

func newRig(t *testing.T, cfg config.LiveConfig) *liveRig {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(context.Background(), config.DatabaseConfig{
		DSN:          "file:" + filepath.Join(dir, "live.db"),
		QueryTimeout: 5 * time.Second,
		StrategyDir:  filepath.Join(dir, "strategies"),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hits := &atomic.Int64{}
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(
		strategy.Meta{Name: "holder", Description: "test position holder"},
		strategy.ReflectParams(struct{}{}),
		func(map[string]interface{}) (strategy.Strategy, error) { return &holder{hits: hits}, nil },
	))
	require.NoError(t, reg.Register(
		strategy.Meta{Name: "quoter", Description: "test resting quote"},
		strategy.ReflectParams(struct{}{}),
		func(map[string]interface{}) (strategy.Strategy, error) { return &quoter{}, nil },
	))
	require.NoError(t, reg.Register(
		strategy.Meta{Name: "broken", Description: "factory that fails"},
		strategy.ReflectParams(struct{}{}),
		func(map[string]interface{}) (strategy.Strategy, error) {
			return nil, assert.AnError
		},
	))

	bus := stream.NewBus(256, nil, zerolog.Nop())
	t.Cleanup(bus.Close)

	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = 2 * time.Second
	}
	if cfg.FundingPollInterval == 0 {
		cfg.FundingPollInterval = 5 * time.Millisecond
	}
	feed := newFakeFeed()
	mgr := NewManager(Options{
		Store:    store,
		Market:   feed,
		Registry: reg,
		Bus:      bus,
		Engine: config.EngineConfig{
			InitialBalance: 10000,
			MakerFeeRate:   0.0002,
			TakerFeeRate:   0.0004,
			SlippageBps:    1,
		},
		Config: cfg,
		Log:    zerolog.Nop(),
	})
	t.Cleanup(mgr.Close)
	return &liveRig{mgr: mgr, store: store, bus: bus, feed: feed, barHits: hits}
}

// seed saves the named strategy with one completed backtest and returns its
// hash plus a usable risk profile id.
func (r *liveRig) seed(t *testing.T, name string, profile risk.Profile) (string, string) {
	t.Helper()
	hash := r.seedStrategy(t, name, true)
	if profile.Name == "" {
		profile.Name = "test-profile"
	}
	saved, err := r.store.SaveRiskProfile(context.Background(), profile)
	require.NoError(t, err)
	return hash, saved.ID
}

func (r *liveRig) seedStrategy(t *testing.T, name string, backtested bool) string {
	t.Helper()
	ctx := context.Background()
	rec, _, err := r.store.SaveStrategy(ctx, strategy.Record{
		Name:   name,
		Source: "name: " + name + "\n",
	})
	require.NoError(t, err)
	if backtested {
		end := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, r.store.InsertBacktestRun(ctx, persistence.BacktestRun{
			ID:           uuid.NewString(),
			StrategyHash: rec.VersionHash,
			Symbol:       "BTCUSDT",
			Interval:     string(domain.Interval1m),
			StartAt:      end.Add(-24 * time.Hour),
			EndAt:        end,
			Status:       "COMPLETED",
			Progress:     1,
		}))
	}
	return rec.VersionHash
}

func (r *liveRig) deploy(t *testing.T, hash, profileID, symbol string) Snapshot {
	t.Helper()
	snap, err := r.mgr.Deploy(context.Background(), DeployRequest{
		StrategyHash:  hash,
		Symbol:        symbol,
		RiskProfileID: profileID,
		Operator:      "tester",
	})
	require.NoError(t, err)
	require.Equal(t, StateDeploying, snap.State)
	return snap
}

func waitState(t *testing.T, mgr *Manager, id, want string) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = mgr.Get(context.Background(), id)
		return err == nil && snap.State == want
	}, 10*time.Second, 5*time.Millisecond, "session %s never reached %s (last %s)", id, want, snap.State)
	return snap
}

func TestDeployRunsAndStopsWithFlatten(t *testing.T) {
	rig := newRig(t, config.LiveConfig{})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})
	ctx := context.Background()

	snap := rig.deploy(t, hash, profileID, "BTCUSDT")
	running := waitState(t, rig.mgr, snap.ID, StateRunning)
	require.NotNil(t, running.StartedAt)

	rig.feed.push(t, "BTCUSDT", 100)
	require.Eventually(t, func() bool {
		got, err := rig.mgr.Get(ctx, snap.ID)
		return err == nil && len(got.Positions) == 1
	}, 5*time.Second, 5*time.Millisecond)

	got, err := rig.mgr.Get(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Account)
	assert.Equal(t, domain.Long, got.Positions[0].Side)
	assert.Greater(t, got.Account.Equity, 0.0)

	res, err := rig.mgr.Stop(ctx, snap.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, res.Session.State)
	assert.NotNil(t, res.Session.StoppedAt)
	assert.Equal(t, 0, res.CancelledOrders)
	assert.Equal(t, 1, res.FlattenedPositions)

	trades, err := rig.store.ListTrades(ctx, snap.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, trades)

	positions, err := rig.store.ListPositions(ctx, snap.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	days, err := rig.store.ListDailyPnL(ctx, snap.ID)
	require.NoError(t, err)
	require.NotEmpty(t, days)
	assert.GreaterOrEqual(t, days[len(days)-1].TradeCount, 1)

	// worker gone, snapshot is the bare row
	after, err := rig.mgr.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Nil(t, after.Account)
}

func TestDeployGuards(t *testing.T) {
	rig := newRig(t, config.LiveConfig{MaxConcurrent: 2})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})
	ctx := context.Background()

	_, err := rig.mgr.Deploy(ctx, DeployRequest{StrategyHash: hash, RiskProfileID: profileID})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = rig.mgr.Deploy(ctx, DeployRequest{StrategyHash: hash, Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = rig.mgr.Deploy(ctx, DeployRequest{
		StrategyHash: hash, Symbol: "BTCUSDT", RiskProfileID: profileID, Mode: "shadow",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = rig.mgr.Deploy(ctx, DeployRequest{
		StrategyHash: hash, Symbol: "BTCUSDT", RiskProfileID: profileID, Interval: "7m",
	})
	assert.ErrorIs(t, err, domain.ErrUnsupported)

	_, err = rig.mgr.Deploy(ctx, DeployRequest{
		StrategyHash: "sha256:feedfeed", Symbol: "BTCUSDT", RiskProfileID: profileID,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// saved but never backtested
	fresh := rig.seedStrategy(t, "quoter", false)
	_, err = rig.mgr.Deploy(ctx, DeployRequest{
		StrategyHash: fresh, Symbol: "BTCUSDT", RiskProfileID: profileID,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = rig.mgr.Deploy(ctx, DeployRequest{
		StrategyHash: hash, Symbol: "BTCUSDT", RiskProfileID: "no-such-profile",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	first := rig.deploy(t, hash, profileID, "BTCUSDT")
	waitState(t, rig.mgr, first.ID, StateRunning)

	_, err = rig.mgr.Deploy(ctx, DeployRequest{
		StrategyHash: hash, Symbol: "btcusdt", RiskProfileID: profileID,
	})
	assert.ErrorIs(t, err, domain.ErrConflict, "pair already claimed")

	second := rig.deploy(t, hash, profileID, "ETHUSDT")
	waitState(t, rig.mgr, second.ID, StateRunning)

	_, err = rig.mgr.Deploy(ctx, DeployRequest{
		StrategyHash: hash, Symbol: "SOLUSDT", RiskProfileID: profileID,
	})
	assert.ErrorIs(t, err, domain.ErrConflict, "session limit reached")

	// free a slot so the kill switch guard is the one that fires
	_, err = rig.mgr.Stop(ctx, second.ID, false)
	require.NoError(t, err)
	require.NoError(t, rig.store.SetGlobalKillSwitch(ctx, true))
	_, err = rig.mgr.Deploy(ctx, DeployRequest{
		StrategyHash: hash, Symbol: "XRPUSDT", RiskProfileID: profileID,
	})
	assert.ErrorIs(t, err, domain.ErrConflict, "kill switch engaged")
}

func TestPauseFreezesDispatch(t *testing.T) {
	rig := newRig(t, config.LiveConfig{})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})
	ctx := context.Background()

	snap := rig.deploy(t, hash, profileID, "BTCUSDT")
	waitState(t, rig.mgr, snap.ID, StateRunning)

	rig.feed.push(t, "BTCUSDT", 100)
	require.Eventually(t, func() bool { return rig.barHits.Load() == 1 },
		5*time.Second, 5*time.Millisecond)

	paused, err := rig.mgr.Pause(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, paused.State)
	assert.NotNil(t, paused.PausedAt)

	rig.feed.push(t, "BTCUSDT", 101)
	rig.feed.push(t, "BTCUSDT", 102)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), rig.barHits.Load(), "paused session must not dispatch bars")

	// pausing again is a no-op
	again, err := rig.mgr.Pause(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, again.State)

	resumed, err := rig.mgr.Resume(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, resumed.State)

	rig.feed.push(t, "BTCUSDT", 103)
	require.Eventually(t, func() bool { return rig.barHits.Load() == 2 },
		5*time.Second, 5*time.Millisecond)

	_, err = rig.mgr.Stop(ctx, snap.ID, false)
	require.NoError(t, err)
	_, err = rig.mgr.Pause(ctx, snap.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = rig.mgr.Resume(ctx, snap.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestStopCancelsRestingOrders(t *testing.T) {
	rig := newRig(t, config.LiveConfig{})
	hash, profileID := rig.seed(t, "quoter", risk.Profile{})
	ctx := context.Background()

	snap := rig.deploy(t, hash, profileID, "BTCUSDT")
	waitState(t, rig.mgr, snap.ID, StateRunning)

	rig.feed.push(t, "BTCUSDT", 100)
	require.Eventually(t, func() bool {
		got, err := rig.mgr.Get(ctx, snap.ID)
		return err == nil && len(got.OpenOrders) == 1
	}, 5*time.Second, 5*time.Millisecond)

	res, err := rig.mgr.Stop(ctx, snap.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CancelledOrders)
	assert.Equal(t, 0, res.FlattenedPositions)
	assert.Equal(t, StateStopped, res.Session.State)
}

func TestBreakerTripStopsSession(t *testing.T) {
	rig := newRig(t, config.LiveConfig{})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})
	ctx := context.Background()

	sub := rig.bus.Subscribe(stream.TopicDashboard)
	defer sub.Close()

	snap := rig.deploy(t, hash, profileID, "BTCUSDT")
	waitState(t, rig.mgr, snap.ID, StateRunning)

	rig.feed.push(t, "BTCUSDT", 100)
	require.Eventually(t, func() bool {
		got, err := rig.mgr.Get(ctx, snap.ID)
		return err == nil && len(got.Positions) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// halving the mark breaches the 15% drawdown ceiling
	rig.feed.push(t, "BTCUSDT", 50)
	waitState(t, rig.mgr, snap.ID, StateStopped)

	trades, err := rig.store.ListTrades(ctx, snap.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, trades)
	assert.Negative(t, trades[len(trades)-1].RealizedPnL)

	positions, err := rig.store.ListPositions(ctx, snap.ID)
	require.NoError(t, err)
	assert.Empty(t, positions, "trip must flatten the book")

	sawBreaker := false
	for !sawBreaker {
		select {
		case frame, ok := <-sub.C():
			if !ok {
				t.Fatal("dashboard closed before breaker event")
			}
			env, err := stream.Decode(frame)
			require.NoError(t, err)
			if env.Type == EventRiskBreaker {
				sawBreaker = true
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no risk breaker event on dashboard")
		}
	}
}

func TestKillSwitchStopsEverything(t *testing.T) {
	rig := newRig(t, config.LiveConfig{MaxConcurrent: 4})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})
	ctx := context.Background()

	a := rig.deploy(t, hash, profileID, "BTCUSDT")
	b := rig.deploy(t, hash, profileID, "ETHUSDT")
	waitState(t, rig.mgr, a.ID, StateRunning)
	waitState(t, rig.mgr, b.ID, StateRunning)

	rig.feed.push(t, "BTCUSDT", 100)
	rig.feed.push(t, "ETHUSDT", 20)
	for _, id := range []string{a.ID, b.ID} {
		require.Eventually(t, func() bool {
			got, err := rig.mgr.Get(ctx, id)
			return err == nil && len(got.Positions) == 1
		}, 5*time.Second, 5*time.Millisecond)
	}

	res, err := rig.mgr.KillSwitch(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Killed)
	assert.Equal(t, 2, res.FlattenedPositions)
	assert.Equal(t, 0, res.CancelledOrders)
	assert.False(t, res.ExecutedAt.IsZero())

	for _, id := range []string{a.ID, b.ID} {
		got, err := rig.mgr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateStopped, got.State)
	}

	engaged, err := rig.store.KillSwitchEngaged(ctx)
	require.NoError(t, err)
	assert.True(t, engaged)

	_, err = rig.mgr.Deploy(ctx, DeployRequest{
		StrategyHash: hash, Symbol: "SOLUSDT", RiskProfileID: profileID,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestFundingSettlesWhilePaused(t *testing.T) {
	rig := newRig(t, config.LiveConfig{FundingPollInterval: 5 * time.Millisecond})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})
	ctx := context.Background()

	rig.feed.setRate(domain.FundingRate{
		Symbol:        "BTCUSDT",
		Rate:          0.001,
		NextFundingAt: time.Now().UTC(),
	})

	snap := rig.deploy(t, hash, profileID, "BTCUSDT")
	waitState(t, rig.mgr, snap.ID, StateRunning)

	rig.feed.push(t, "BTCUSDT", 100)
	require.Eventually(t, func() bool {
		got, err := rig.mgr.Get(ctx, snap.ID)
		return err == nil && len(got.Positions) == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, err := rig.mgr.Pause(ctx, snap.ID)
	require.NoError(t, err)

	// long position pays positive funding even while paused
	require.Eventually(t, func() bool {
		days, err := rig.store.ListDailyPnL(ctx, snap.ID)
		return err == nil && len(days) > 0 && days[len(days)-1].Realized < 0
	}, 5*time.Second, 5*time.Millisecond)

	got, err := rig.mgr.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)
}

func TestDeployInitFailureLandsStopped(t *testing.T) {
	rig := newRig(t, config.LiveConfig{})
	hash, profileID := rig.seed(t, "broken", risk.Profile{})

	snap := rig.deploy(t, hash, profileID, "BTCUSDT")
	stopped := waitState(t, rig.mgr, snap.ID, StateStopped)
	assert.Contains(t, stopped.LastError, assert.AnError.Error())
	assert.Nil(t, stopped.StartedAt)
}

func TestFeedClosedStopsWithError(t *testing.T) {
	rig := newRig(t, config.LiveConfig{})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})

	snap := rig.deploy(t, hash, profileID, "BTCUSDT")
	waitState(t, rig.mgr, snap.ID, StateRunning)

	rig.feed.closeFeed("BTCUSDT")
	stopped := waitState(t, rig.mgr, snap.ID, StateStopped)
	assert.Contains(t, stopped.LastError, "feed closed")
}

func TestStopIdempotencyAndUnknownIDs(t *testing.T) {
	rig := newRig(t, config.LiveConfig{})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})
	ctx := context.Background()

	snap := rig.deploy(t, hash, profileID, "BTCUSDT")
	waitState(t, rig.mgr, snap.ID, StateRunning)

	res, err := rig.mgr.Stop(ctx, snap.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, res.Session.State)

	again, err := rig.mgr.Stop(ctx, snap.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, again.Session.State)
	assert.Equal(t, 0, again.CancelledOrders)

	_, err = rig.mgr.Stop(ctx, "no-such-session", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = rig.mgr.Pause(ctx, "no-such-session")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = rig.mgr.Get(ctx, "no-such-session")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDashboardSeesLifecycle(t *testing.T) {
	rig := newRig(t, config.LiveConfig{})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})
	ctx := context.Background()

	sub := rig.bus.Subscribe(stream.TopicDashboard)
	defer sub.Close()

	snap := rig.deploy(t, hash, profileID, "BTCUSDT")
	waitState(t, rig.mgr, snap.ID, StateRunning)
	_, err := rig.mgr.Stop(ctx, snap.ID, false)
	require.NoError(t, err)

	states := map[string]bool{}
	sawList := false
	deadline := time.After(5 * time.Second)
	for !(states[StateDeploying] && states[StateRunning] && states[StateStopping] && states[StateStopped] && sawList) {
		select {
		case frame, ok := <-sub.C():
			if !ok {
				t.Fatalf("dashboard closed early, saw %v", states)
			}
			env, err := stream.Decode(frame)
			require.NoError(t, err)
			switch env.Type {
			case EventStateChange:
				var change struct {
					SessionID string `json:"session_id"`
					To        string `json:"to"`
				}
				require.NoError(t, json.Unmarshal(env.Payload, &change))
				if change.SessionID == snap.ID {
					states[change.To] = true
				}
			case EventSessionList:
				sawList = true
			}
		case <-deadline:
			t.Fatalf("incomplete lifecycle on dashboard: %v (list %v)", states, sawList)
		}
	}
}

func TestListFiltersByState(t *testing.T) {
	rig := newRig(t, config.LiveConfig{MaxConcurrent: 4})
	hash, profileID := rig.seed(t, "holder", risk.Profile{})
	ctx := context.Background()

	a := rig.deploy(t, hash, profileID, "BTCUSDT")
	b := rig.deploy(t, hash, profileID, "ETHUSDT")
	waitState(t, rig.mgr, a.ID, StateRunning)
	waitState(t, rig.mgr, b.ID, StateRunning)
	_, err := rig.mgr.Stop(ctx, b.ID, false)
	require.NoError(t, err)

	running, err := rig.mgr.List(ctx, StateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	all, err := rig.mgr.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
