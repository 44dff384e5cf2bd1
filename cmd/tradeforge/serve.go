package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tradeforge/tradeforge/internal/backtest"
	"github.com/tradeforge/tradeforge/internal/httpapi"
	"github.com/tradeforge/tradeforge/internal/live"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/strategy/builtin"
	"github.com/tradeforge/tradeforge/internal/stream"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full runtime with the HTTP/WS API",
		Long: `Starts the store, market data facade, backtest orchestrator, live
session manager and event bus behind the HTTP/WS server, then blocks
until a signal arrives or an authorized shutdown request lands.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "", "Listen host (overrides config)")
	cmd.Flags().Int("port", 0, "Listen port (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	log := newLogger(cfg.Log)
	log.Info().Str("version", appVersion).Str("addr", cfg.ListenAddr()).Msg("tradeforge starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := persistence.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// Anything the previous process left mid-flight is marked failed or
	// stopped before new work is accepted.
	if n, err := store.FailOrphanedRuns(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warn().Int64("runs", n).Msg("failed orphaned backtest runs")
	}
	if n, err := store.StopOrphanedSessions(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warn().Int64("sessions", n).Msg("stopped orphaned live sessions")
	}

	m := metrics.New()

	market, err := buildFacade(cfg, m)
	if err != nil {
		return err
	}
	defer market.Close()
	log.Info().Strs("venues", market.Venues()).Msg("market data facade ready")

	reg := strategy.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		return err
	}

	bus := stream.NewBus(cfg.Stream.SinkBuffer, m, log)
	defer bus.Close()
	go bus.Heartbeat(ctx, cfg.Stream.HeartbeatInterval)

	orch := backtest.New(backtest.Options{
		Store:    store,
		Market:   market,
		Registry: reg,
		Bus:      bus,
		Metrics:  m,
		Engine:   cfg.Engine,
		Config:   cfg.Backtest,
		Log:      log,
	})
	defer orch.Close()

	mgr := live.NewManager(live.Options{
		Store:    store,
		Market:   market,
		Registry: reg,
		Bus:      bus,
		Metrics:  m,
		Engine:   cfg.Engine,
		Config:   cfg.Live,
		Log:      log,
	})
	defer mgr.Close()

	requested := make(chan struct{}, 1)
	srv := httpapi.NewServer(httpapi.Options{
		Store:     store,
		Market:    market,
		Backtests: orch,
		Live:      mgr,
		Bus:       bus,
		Metrics:   m,
		Config:    cfg.Server,
		Log:       log,
		Shutdown: func() {
			select {
			case requested <- struct{}{}:
			default:
			}
		},
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-requested:
		log.Info().Msg("shutdown requested over http")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("runtime stopped")
	return nil
}
