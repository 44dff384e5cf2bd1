package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/marketdata"
	"github.com/tradeforge/tradeforge/internal/marketdata/sim"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/strategy/builtin"
	"github.com/tradeforge/tradeforge/internal/stream"
)

// crawler burns wall time per bar so cancellation lands mid-replay.
type crawler struct{ delay time.Duration }

func (c *crawler) Name() string { return "crawler" }

func (c *crawler) OnBar(_ *strategy.Ctx, _ domain.Bar) []domain.Signal {
	time.Sleep(c.delay)
	return nil
}

func (c *crawler) OnTrade(_ *strategy.Ctx, _ domain.Trade) []domain.Signal { return nil }
func (c *crawler) Clone() strategy.Strategy                                { return &crawler{delay: c.delay} }

// flipper trades a fixed script: long at bar 10, short at bar 30, flat at
// bar 50. Guarantees realized trades regardless of the price path.
type flipper struct{ bars int }

func (f *flipper) Name() string { return "flipper" }

func (f *flipper) OnBar(_ *strategy.Ctx, bar domain.Bar) []domain.Signal {
	f.bars++
	sized := domain.Sizing{Mode: domain.SizeFraction, Value: 0.5}
	switch f.bars {
	case 10:
		return []domain.Signal{{Direction: domain.DirLong, Symbol: bar.Symbol, Sizing: sized}}
	case 30:
		return []domain.Signal{{Direction: domain.DirShort, Symbol: bar.Symbol, Sizing: sized}}
	case 50:
		return []domain.Signal{{Direction: domain.DirFlat, Symbol: bar.Symbol}}
	}
	return nil
}

func (f *flipper) OnTrade(_ *strategy.Ctx, _ domain.Trade) []domain.Signal { return nil }
func (f *flipper) Clone() strategy.Strategy                                { return &flipper{} }

type testRig struct {
	orch  *Orchestrator
	store *persistence.Store
	bus   *stream.Bus
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(context.Background(), config.DatabaseConfig{
		DSN:          "file:" + filepath.Join(dir, "bt.db"),
		QueryTimeout: 5 * time.Second,
		StrategyDir:  filepath.Join(dir, "strategies"),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	market, err := marketdata.New(marketdata.Options{
		CacheDir: filepath.Join(dir, "cache"),
		QuoteTTL: time.Minute,
	}, nil, sim.New(sim.Config{}))
	require.NoError(t, err)
	t.Cleanup(func() { market.Close() })

	reg := strategy.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	require.NoError(t, reg.Register(
		strategy.Meta{Name: "crawler", Description: "test pacer"},
		strategy.ReflectParams(struct{}{}),
		func(map[string]interface{}) (strategy.Strategy, error) { return &crawler{delay: 2 * time.Millisecond}, nil },
	))
	require.NoError(t, reg.Register(
		strategy.Meta{Name: "flipper", Description: "test script"},
		strategy.ReflectParams(struct{}{}),
		func(map[string]interface{}) (strategy.Strategy, error) { return &flipper{}, nil },
	))

	bus := stream.NewBus(256, nil, zerolog.Nop())
	t.Cleanup(bus.Close)

	orch := New(Options{
		Store:    store,
		Market:   market,
		Registry: reg,
		Bus:      bus,
		Engine: config.EngineConfig{
			InitialBalance: 10000,
			MakerFeeRate:   0.0002,
			TakerFeeRate:   0.0004,
			SlippageBps:    1,
		},
		Config: config.BacktestConfig{MaxConcurrent: 2},
		Log:    zerolog.Nop(),
	})
	t.Cleanup(orch.Close)
	return &testRig{orch: orch, store: store, bus: bus}
}

func (r *testRig) saveStrategy(t *testing.T, name string) strategy.Record {
	t.Helper()
	rec, _, err := r.store.SaveStrategy(context.Background(), strategy.Record{
		Name:   name,
		Source: "name: " + name + "\n",
	})
	require.NoError(t, err)
	return rec
}

func (r *testRig) request(hash string, hours int) Request {
	end := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	return Request{
		StrategyHash: hash,
		Symbol:       "BTCUSDT",
		Interval:     domain.Interval1h,
		Start:        end.Add(-time.Duration(hours) * time.Hour),
		End:          end,
	}
}

func waitStatus(t *testing.T, o *Orchestrator, id, want string) persistence.BacktestRun {
	t.Helper()
	var run persistence.BacktestRun
	require.Eventually(t, func() bool {
		var err error
		run, err = o.Get(context.Background(), id)
		return err == nil && run.Status == want
	}, 15*time.Second, 10*time.Millisecond, "run %s never reached %s (last %s)", id, want, run.Status)
	return run
}

func TestSubmitRunsToCompletion(t *testing.T) {
	rig := newRig(t)
	rec := rig.saveStrategy(t, "flipper")

	run, err := rig.orch.Submit(context.Background(), rig.request(rec.VersionHash, 72))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)

	final := waitStatus(t, rig.orch, run.ID, StatusCompleted)
	assert.Equal(t, 1.0, final.Progress)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)

	var m Metrics
	require.NoError(t, json.Unmarshal([]byte(final.Metrics), &m))
	assert.GreaterOrEqual(t, m.TotalTrades, 1)
	assert.Equal(t, 72, m.Bars)

	var curve []struct {
		Equity float64 `json:"equity"`
	}
	require.NoError(t, json.Unmarshal([]byte(final.EquityCurve), &curve))
	assert.Len(t, curve, 72)

	trades, err := rig.store.ListTrades(context.Background(), run.ID, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, trades)
}

func TestSubmitValidation(t *testing.T) {
	rig := newRig(t)
	rec := rig.saveStrategy(t, "flipper")
	ctx := context.Background()

	_, err := rig.orch.Submit(ctx, Request{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	req := rig.request("sha256:feedfeed", 24)
	_, err = rig.orch.Submit(ctx, req)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	req = rig.request(rec.VersionHash, 24)
	req.Interval = "7m"
	_, err = rig.orch.Submit(ctx, req)
	assert.ErrorIs(t, err, domain.ErrUnsupported)

	req = rig.request(rec.VersionHash, 24)
	req.Start, req.End = req.End, req.Start
	_, err = rig.orch.Submit(ctx, req)
	assert.ErrorIs(t, err, domain.ErrValidation)

	ghost := rig.saveStrategy(t, "ghost")
	_, err = rig.orch.Submit(ctx, rig.request(ghost.VersionHash, 24))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestWorkerFailureSetsFailed(t *testing.T) {
	rig := newRig(t)
	rec := rig.saveStrategy(t, "momentum")

	// Passes schema bounds but violates the cross-parameter constraint,
	// so the factory rejects it inside the worker.
	req := rig.request(rec.VersionHash, 48)
	req.Params = map[string]interface{}{"fast": 50.0, "slow": 10.0}

	run, err := rig.orch.Submit(context.Background(), req)
	require.NoError(t, err)

	final := waitStatus(t, rig.orch, run.ID, StatusFailed)
	assert.Contains(t, final.Error, "must be below")
}

func TestCancelMarksCancelledWithoutTerminalEvent(t *testing.T) {
	rig := newRig(t)
	rec := rig.saveStrategy(t, "crawler")

	run, err := rig.orch.Submit(context.Background(), rig.request(rec.VersionHash, 24*30))
	require.NoError(t, err)

	sub := rig.bus.Subscribe(stream.BacktestTopic(run.ID))
	defer sub.Close()

	waitStatus(t, rig.orch, run.ID, StatusRunning)
	require.NoError(t, rig.orch.Cancel(context.Background(), run.ID))

	final := waitStatus(t, rig.orch, run.ID, StatusCancelled)
	assert.Empty(t, final.Error)
	assert.Less(t, final.Progress, 1.0)

	// Drain whatever was published; a cancelled run must not emit a
	// completed or failed event.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case data, ok := <-sub.C():
			if !ok {
				return
			}
			var env stream.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			assert.NotEqual(t, EventCompleted, env.Type)
			assert.NotEqual(t, EventFailed, env.Type)
		case <-deadline:
			return
		}
	}
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	rig := newRig(t)
	rec := rig.saveStrategy(t, "flipper")

	run, err := rig.orch.Submit(context.Background(), rig.request(rec.VersionHash, 48))
	require.NoError(t, err)
	waitStatus(t, rig.orch, run.ID, StatusCompleted)

	// The job deregisters on completion; cancelling afterwards conflicts.
	require.Eventually(t, func() bool {
		return errors.Is(rig.orch.Cancel(context.Background(), run.ID), domain.ErrConflict)
	}, 5*time.Second, 10*time.Millisecond)

	err = rig.orch.Cancel(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProgressAndCompletedEvents(t *testing.T) {
	rig := newRig(t)
	rec := rig.saveStrategy(t, "crawler")

	run, err := rig.orch.Submit(context.Background(), rig.request(rec.VersionHash, 100))
	require.NoError(t, err)

	sub := rig.bus.Subscribe(stream.BacktestTopic(run.ID))
	defer sub.Close()

	var sawProgress, sawCompleted bool
	timeout := time.After(15 * time.Second)
	for !sawCompleted {
		select {
		case data, ok := <-sub.C():
			require.True(t, ok, "subscription closed early")
			var env stream.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			switch env.Type {
			case EventProgress:
				sawProgress = true
			case EventCompleted:
				sawCompleted = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for completed event")
		}
	}
	assert.True(t, sawProgress)
}

func TestListFiltersRuns(t *testing.T) {
	rig := newRig(t)
	rec := rig.saveStrategy(t, "flipper")

	first, err := rig.orch.Submit(context.Background(), rig.request(rec.VersionHash, 30))
	require.NoError(t, err)
	waitStatus(t, rig.orch, first.ID, StatusCompleted)

	runs, err := rig.orch.List(context.Background(), persistence.BacktestFilter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, first.ID, runs[0].ID)
}
