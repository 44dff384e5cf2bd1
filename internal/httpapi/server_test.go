package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/internal/backtest"
	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/engine/risk"
	"github.com/tradeforge/tradeforge/internal/live"
	"github.com/tradeforge/tradeforge/internal/marketdata"
	"github.com/tradeforge/tradeforge/internal/marketdata/sim"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/strategy/builtin"
	"github.com/tradeforge/tradeforge/internal/stream"
)

// pacer burns wall time per bar so a cancel sent over the socket lands
// mid-replay.
type pacer struct{ delay time.Duration }

func (p *pacer) Name() string { return "pacer" }

func (p *pacer) OnBar(_ *strategy.Ctx, _ domain.Bar) []domain.Signal {
	time.Sleep(p.delay)
	return nil
}

func (p *pacer) OnTrade(_ *strategy.Ctx, _ domain.Trade) []domain.Signal { return nil }
func (p *pacer) Clone() strategy.Strategy                                { return &pacer{delay: p.delay} }

type apiRig struct {
	ts      *httptest.Server
	store   *persistence.Store
	market  *marketdata.Facade
	bus     *stream.Bus
	stopped chan struct{}
}

// newRig stands up the full runtime behind an httptest listener: sqlite
// store, sim-backed market facade, orchestrator, live manager and bus.
func newRig(t *testing.T, token string) *apiRig {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(context.Background(), config.DatabaseConfig{
		DSN:          "file:" + filepath.Join(dir, "api.db"),
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
		strategy.Meta{Name: "pacer", Description: "test pacer"},
		strategy.ReflectParams(struct{}{}),
		func(map[string]interface{}) (strategy.Strategy, error) { return &pacer{delay: 2 * time.Millisecond}, nil },
	))

	bus := stream.NewBus(256, nil, zerolog.Nop())
	t.Cleanup(bus.Close)

	engine := config.EngineConfig{
		InitialBalance: 10000,
		MakerFeeRate:   0.0002,
		TakerFeeRate:   0.0004,
		SlippageBps:    1,
	}
	orch := backtest.New(backtest.Options{
		Store:    store,
		Market:   market,
		Registry: reg,
		Bus:      bus,
		Engine:   engine,
		Config:   config.BacktestConfig{MaxConcurrent: 2},
		Log:      zerolog.Nop(),
	})
	t.Cleanup(orch.Close)

	mgr := live.NewManager(live.Options{
		Store:    store,
		Market:   market,
		Registry: reg,
		Bus:      bus,
		Engine:   engine,
		Config: config.LiveConfig{
			MaxConcurrent:       4,
			StopGracePeriod:     2 * time.Second,
			FundingPollInterval: time.Minute,
		},
		Log: zerolog.Nop(),
	})
	t.Cleanup(mgr.Close)

	stopped := make(chan struct{})
	var once sync.Once
	srv := NewServer(Options{
		Store:     store,
		Market:    market,
		Backtests: orch,
		Live:      mgr,
		Bus:       bus,
		Metrics:   metrics.Nop(),
		Config: config.ServerConfig{
			Host:           "127.0.0.1",
			RequestTimeout: 15 * time.Second,
			ShutdownToken:  token,
		},
		Log:      zerolog.Nop(),
		Shutdown: func() { once.Do(func() { close(stopped) }) },
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiRig{ts: ts, store: store, market: market, bus: bus, stopped: stopped}
}

func (r *apiRig) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, r.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// tryGet is the require-free fetch used inside Eventually loops.
func (r *apiRig) tryGet(path string, into interface{}) bool {
	resp, err := r.ts.Client().Get(r.ts.URL + path)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false
	}
	return json.NewDecoder(resp.Body).Decode(into) == nil
}

func (r *apiRig) seedStrategy(t *testing.T, name string, backtested bool) string {
	t.Helper()
	ctx := context.Background()
	rec, _, err := r.store.SaveStrategy(ctx, strategy.Record{
		Name:   name,
		Source: "name: " + name + "\n",
	})
	require.NoError(t, err)
	if backtested {
		end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
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

func (r *apiRig) seedProfile(t *testing.T) string {
	t.Helper()
	p, err := r.store.SaveRiskProfile(context.Background(), risk.Profile{Name: "api-test"})
	require.NoError(t, err)
	return p.ID
}

func decodeMap(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m), "body: %s", data)
	return m
}

func waitSessionState(t *testing.T, rig *apiRig, id, want string) {
	t.Helper()
	var sess persistence.LiveSession
	require.Eventually(t, func() bool {
		return rig.tryGet("/api/v1/live/"+id, &sess) && sess.State == want
	}, 10*time.Second, 10*time.Millisecond, "session %s never reached %s (last %s)", id, want, sess.State)
}

func TestHealthMetricsAndRouting(t *testing.T) {
	rig := newRig(t, "")

	status, body := rig.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	health := decodeMap(t, body)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "ok", health["database"])
	assert.Contains(t, health["venues"], "sim")

	status, body = rig.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "tradeforge_sessions_active")

	resp, err := rig.ts.Client().Get(rig.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	status, body = rig.do(t, http.MethodGet, "/api/v1/nope", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, body)["error"])

	status, body = rig.do(t, http.MethodDelete, "/healthz", nil)
	require.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeMap(t, body)["error"])

	req, err := http.NewRequest(http.MethodOptions, rig.ts.URL+"/api/v1/strategies", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = rig.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStrategyEndpoints(t *testing.T) {
	rig := newRig(t, "")

	src := "name: momentum\nfast: 5\nslow: 15\n"
	status, body := rig.do(t, http.MethodPost, "/api/v1/strategies",
		map[string]string{"name": "momentum", "source": src})
	require.Equal(t, http.StatusCreated, status, "body: %s", body)
	first := decodeMap(t, body)
	hash, _ := first["version_hash"].(string)
	assert.True(t, strings.HasPrefix(hash, "sha256:"), "hash %q", hash)
	assert.Equal(t, true, first["created"])

	// Identical source is a no-op that returns the existing version.
	status, body = rig.do(t, http.MethodPost, "/api/v1/strategies",
		map[string]string{"name": "momentum", "source": src})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	again := decodeMap(t, body)
	assert.Equal(t, hash, again["version_hash"])
	assert.Equal(t, false, again["created"])

	// Name omitted: the handler lifts it out of the source document.
	status, body = rig.do(t, http.MethodPost, "/api/v1/strategies",
		map[string]string{"source": "name: sniffed\nfast: 9\n"})
	require.Equal(t, http.StatusCreated, status, "body: %s", body)
	assert.Equal(t, "sniffed", decodeMap(t, body)["name"])

	status, body = rig.do(t, http.MethodGet, "/api/v1/strategies/"+hash, nil)
	require.Equal(t, http.StatusOK, status)
	var rec strategy.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "momentum", rec.Name)
	assert.Equal(t, src, rec.Source)

	status, body = rig.do(t, http.MethodGet, "/api/v1/strategies?limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	listing := decodeMap(t, body)
	assert.EqualValues(t, 2, listing["count"])
	assert.EqualValues(t, 10, listing["limit"])

	status, body = rig.do(t, http.MethodGet, "/api/v1/strategies/sha256:ffff0000", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, body)["error"])

	status, body = rig.do(t, http.MethodPost, "/api/v1/strategies", map[string]string{"name": "x"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", decodeMap(t, body)["error"])
}

func TestBacktestEndpoints(t *testing.T) {
	rig := newRig(t, "")
	hash := rig.seedStrategy(t, "momentum", false)

	end := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	status, body := rig.do(t, http.MethodPost, "/api/v1/backtest", map[string]interface{}{
		"strategy_version_hash": hash,
		"symbol":                "btcusdt",
		"interval":              "1h",
		"start":                 end.Add(-48 * time.Hour),
		"end":                   end,
		"params":                map[string]interface{}{"fast": 3, "slow": 7},
	})
	require.Equal(t, http.StatusAccepted, status, "body: %s", body)
	var submitted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		WSURL  string `json:"ws_url"`
	}
	require.NoError(t, json.Unmarshal(body, &submitted))
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, "PENDING", submitted.Status)
	assert.Equal(t, "/ws/backtest:"+submitted.ID, submitted.WSURL)

	var run persistence.BacktestRun
	require.Eventually(t, func() bool {
		return rig.tryGet("/api/v1/backtest/"+submitted.ID, &run) && run.Status == "COMPLETED"
	}, 15*time.Second, 25*time.Millisecond, "run stuck in %s (%s)", run.Status, run.Error)
	assert.InDelta(t, 1.0, run.Progress, 1e-9)
	assert.Equal(t, "BTCUSDT", run.Symbol)
	assert.NotEmpty(t, run.Metrics)
	assert.NotEmpty(t, run.EquityCurve)

	status, body = rig.do(t, http.MethodGet, "/api/v1/backtest?status=completed&symbol=BTCUSDT", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, decodeMap(t, body)["count"])

	status, body = rig.do(t, http.MethodGet, "/api/v1/backtest/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, body)["error"])

	status, body = rig.do(t, http.MethodPost, "/api/v1/backtest", map[string]interface{}{
		"strategy_version_hash": hash,
		"interval":              "1h",
		"start":                 end.Add(-48 * time.Hour),
		"end":                   end,
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", decodeMap(t, body)["error"])
}

func TestGridSearchEndpoint(t *testing.T) {
	rig := newRig(t, "")
	hash := rig.seedStrategy(t, "momentum", false)

	end := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	// fast and slow pinned: fraction is the only remaining axis.
	status, body := rig.do(t, http.MethodPost, "/api/v1/backtest/grid", map[string]interface{}{
		"strategy_version_hash": hash,
		"symbol":                "BTCUSDT",
		"interval":              "1h",
		"start":                 end.Add(-48 * time.Hour),
		"end":                   end,
		"params":                map[string]interface{}{"fast": 4, "slow": 9},
		"steps":                 3,
		"rank_by":               "total_return",
	})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var out struct {
		Results []backtest.GridResult `json:"results"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 3, out.Count)
	for _, res := range out.Results {
		assert.Equal(t, "COMPLETED", res.Status)
		assert.Contains(t, res.Params, "fraction")
	}

	status, body = rig.do(t, http.MethodPost, "/api/v1/backtest/grid", map[string]interface{}{
		"strategy_version_hash": hash,
		"symbol":                "BTCUSDT",
		"interval":              "1h",
		"start":                 end.Add(-48 * time.Hour),
		"end":                   end,
		"rank_by":               "vibes",
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", decodeMap(t, body)["error"])
}

func TestLiveEndpointsAndKillSwitch(t *testing.T) {
	rig := newRig(t, "")
	profileID := rig.seedProfile(t)
	unproven := rig.seedStrategy(t, "pacer", false)

	// No completed backtest yet: deployment refused.
	status, body := rig.do(t, http.MethodPost, "/api/v1/live/deploy", map[string]interface{}{
		"strategy_version_hash": unproven,
		"symbol":                "BTCUSDT",
		"risk_profile_id":       profileID,
	})
	require.Equal(t, http.StatusConflict, status, "body: %s", body)
	assert.Equal(t, "CONFLICT", decodeMap(t, body)["error"])

	hash := rig.seedStrategy(t, "momentum", true)
	status, body = rig.do(t, http.MethodPost, "/api/v1/live/deploy", map[string]interface{}{
		"strategy_version_hash": hash,
		"symbol":                "BTCUSDT",
		"risk_profile_id":       profileID,
		"operator":              "apitest",
	})
	require.Equal(t, http.StatusAccepted, status, "body: %s", body)
	var deployed struct {
		Session persistence.LiveSession `json:"session"`
		WSURL   string                  `json:"ws_url"`
	}
	require.NoError(t, json.Unmarshal(body, &deployed))
	id := deployed.Session.ID
	require.NotEmpty(t, id)
	assert.Equal(t, "DEPLOYING", deployed.Session.State)
	assert.Equal(t, "/ws/live:"+id, deployed.WSURL)

	waitSessionState(t, rig, id, "RUNNING")

	status, body = rig.do(t, http.MethodPost, "/api/v1/live/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var paused persistence.LiveSession
	require.NoError(t, json.Unmarshal(body, &paused))
	assert.Equal(t, "PAUSED", paused.State)
	assert.NotNil(t, paused.PausedAt)

	status, body = rig.do(t, http.MethodPost, "/api/v1/live/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var resumed persistence.LiveSession
	require.NoError(t, json.Unmarshal(body, &resumed))
	assert.Equal(t, "RUNNING", resumed.State)

	status, body = rig.do(t, http.MethodPost, "/api/v1/live/"+id+"/stop", map[string]bool{"flatten": true})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var stopRes struct {
		Session            persistence.LiveSession `json:"session"`
		CancelledOrders    int                     `json:"cancelled_orders"`
		FlattenedPositions int                     `json:"flattened_positions"`
	}
	require.NoError(t, json.Unmarshal(body, &stopRes))
	assert.Equal(t, "STOPPED", stopRes.Session.State)
	assert.NotNil(t, stopRes.Session.StoppedAt)

	status, body = rig.do(t, http.MethodGet, "/api/v1/live?state=stopped", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, decodeMap(t, body)["count"])

	status, body = rig.do(t, http.MethodPost, "/api/v1/live/"+uuid.NewString()+"/pause", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, body)["error"])

	status, body = rig.do(t, http.MethodPost, "/api/v1/live/deploy", map[string]interface{}{
		"strategy_version_hash": hash,
		"symbol":                "ETHUSDT",
		"risk_profile_id":       profileID,
	})
	require.Equal(t, http.StatusAccepted, status, "body: %s", body)
	require.NoError(t, json.Unmarshal(body, &deployed))
	second := deployed.Session.ID
	waitSessionState(t, rig, second, "RUNNING")

	status, body = rig.do(t, http.MethodPost, "/api/v1/kill-switch", map[string]string{"operator": "ops"})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var killed struct {
		Killed     int       `json:"killed"`
		ExecutedAt time.Time `json:"executed_at"`
	}
	require.NoError(t, json.Unmarshal(body, &killed))
	assert.Equal(t, 1, killed.Killed)
	assert.False(t, killed.ExecutedAt.IsZero())
	waitSessionState(t, rig, second, "STOPPED")

	// The latch refuses any further deployment.
	status, body = rig.do(t, http.MethodPost, "/api/v1/live/deploy", map[string]interface{}{
		"strategy_version_hash": hash,
		"symbol":                "SOLUSDT",
		"risk_profile_id":       profileID,
	})
	require.Equal(t, http.StatusConflict, status, "body: %s", body)
	assert.Contains(t, decodeMap(t, body)["message"], "kill switch")
}

func TestRiskProfileEndpoints(t *testing.T) {
	rig := newRig(t, "")

	status, body := rig.do(t, http.MethodPost, "/api/v1/risk/profiles", map[string]interface{}{
		"name":             "day-trader",
		"max_drawdown_pct": 0.5,
		"max_daily_loss":   250.0,
	})
	require.Equal(t, http.StatusCreated, status, "body: %s", body)
	var created risk.Profile
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)
	// Limits land clamped under the hard ceilings.
	assert.InDelta(t, risk.HardMaxDrawdownPct, created.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, 250.0, created.MaxDailyLoss, 1e-9)

	status, body = rig.do(t, http.MethodPost, "/api/v1/risk/profiles", map[string]interface{}{
		"id":               created.ID,
		"name":             "day-trader-v2",
		"max_drawdown_pct": 0.05,
	})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var updated risk.Profile
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "day-trader-v2", updated.Name)
	assert.InDelta(t, 0.05, updated.MaxDrawdownPct, 1e-9)

	status, body = rig.do(t, http.MethodGet, "/api/v1/risk/profiles/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	var got risk.Profile
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "day-trader-v2", got.Name)

	status, body = rig.do(t, http.MethodGet, "/api/v1/risk/profiles", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, decodeMap(t, body)["count"])

	status, body = rig.do(t, http.MethodGet, "/api/v1/risk/profiles/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, body)["error"])

	status, body = rig.do(t, http.MethodPost, "/api/v1/risk/profiles",
		map[string]interface{}{"max_daily_loss": 10.0})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", decodeMap(t, body)["error"])
}

func TestCacheEndpoints(t *testing.T) {
	rig := newRig(t, "")

	status, body := rig.do(t, http.MethodGet, "/api/v1/data/cache/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, decodeMap(t, body)["count"])

	end := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	_, err := rig.market.FetchBars(context.Background(), marketdata.FetchRequest{
		Symbol:   "BTCUSDT",
		Interval: domain.Interval1h,
		Start:    end.Add(-24 * time.Hour),
		End:      end,
	})
	require.NoError(t, err)

	status, body = rig.do(t, http.MethodGet, "/api/v1/data/cache/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, decodeMap(t, body)["count"])

	status, body = rig.do(t, http.MethodDelete, "/api/v1/data/cache/btcusdt/1h", nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	deleted := decodeMap(t, body)
	assert.Equal(t, true, deleted["deleted"])
	assert.Equal(t, "BTCUSDT", deleted["symbol"])

	status, body = rig.do(t, http.MethodDelete, "/api/v1/data/cache/BTCUSDT/1h", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, body)["error"])

	status, body = rig.do(t, http.MethodDelete, "/api/v1/data/cache/BTCUSDT/7m", nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "UNSUPPORTED", decodeMap(t, body)["error"])
}

func TestShutdownEndpoint(t *testing.T) {
	rig := newRig(t, "swordfish")

	post := func(token string) int {
		req, err := http.NewRequest(http.MethodPost, rig.ts.URL+"/api/v1/shutdown", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := rig.ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post(""))
	assert.Equal(t, http.StatusUnauthorized, post("wrong"))
	select {
	case <-rig.stopped:
		t.Fatal("shutdown fired without authorization")
	default:
	}

	assert.Equal(t, http.StatusAccepted, post("swordfish"))
	select {
	case <-rig.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook never fired")
	}

	// With no token configured the endpoint does not exist.
	bare := newRig(t, "")
	status, body := bare.do(t, http.MethodPost, "/api/v1/shutdown", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, body)["error"])
}

func TestWebSocketBridge(t *testing.T) {
	rig := newRig(t, "")
	wsBase := "ws" + strings.TrimPrefix(rig.ts.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(wsBase+"/ws/dashboard", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The subscription lands shortly after the handshake.
	require.Eventually(t, func() bool {
		for _, topic := range rig.bus.Topics() {
			if topic == stream.TopicDashboard {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, rig.bus.Publish("diag.echo", map[string]string{"k": "v"}, stream.TopicDashboard))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := stream.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "diag.echo", env.Type)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "v", payload["k"])

	// Unknown topics are refused before the upgrade.
	_, resp, err = websocket.DefaultDialer.Dial(wsBase+"/ws/bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketCancelsBacktest(t *testing.T) {
	rig := newRig(t, "")
	hash := rig.seedStrategy(t, "pacer", false)

	end := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	status, body := rig.do(t, http.MethodPost, "/api/v1/backtest", map[string]interface{}{
		"strategy_version_hash": hash,
		"symbol":                "BTCUSDT",
		"interval":              "1h",
		"start":                 end.Add(-600 * time.Hour),
		"end":                   end,
	})
	require.Equal(t, http.StatusAccepted, status, "body: %s", body)
	var submitted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &submitted))

	wsBase := "ws" + strings.TrimPrefix(rig.ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsBase+"/ws/backtest:"+submitted.ID, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": stream.TypeCancel}))

	var run persistence.BacktestRun
	require.Eventually(t, func() bool {
		return rig.tryGet("/api/v1/backtest/"+submitted.ID, &run) && run.Status == "CANCELLED"
	}, 10*time.Second, 25*time.Millisecond, "run stuck in %s", run.Status)
}
