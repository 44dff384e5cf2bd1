package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/marketdata"
	"github.com/tradeforge/tradeforge/internal/marketdata/binance"
	"github.com/tradeforge/tradeforge/internal/marketdata/kraken"
	"github.com/tradeforge/tradeforge/internal/marketdata/sim"
	"github.com/tradeforge/tradeforge/internal/metrics"
)

const (
	appName    = "tradeforge"
	appVersion = "v0.4.0"
)

// Exit codes used by automation.
const (
	exitError  = 1
	exitUsage  = 2
	exitConfig = 3
)

// Sentinels that route errors to their exit codes.
var (
	errUsage  = errors.New("usage")
	errConfig = errors.New("config")
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	// A .env in the working directory fills in TRADEFORGE_* overrides;
	// absence is not an error.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		switch {
		case errors.Is(err, errUsage):
			os.Exit(exitUsage)
		case errors.Is(err, errConfig):
			os.Exit(exitConfig)
		}
		os.Exit(exitError)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "tradeforge",
		Short:   "Backtest, paper-trade and supervise crypto strategies",
		Version: appVersion,
		Long: `TradeForge runs the full strategy lifecycle: fetch and cache market
data, backtest strategies against it, sweep parameter grids and promote
survivors into supervised paper sessions behind a risk breaker.

Start the full runtime with 'tradeforge serve' and drive it over the
HTTP API, or use the subcommands for one-shot local work.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
			}
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%v: %w", err, errUsage)
	})

	root.PersistentFlags().String("config", "", "Path to YAML config file (built-in defaults when omitted)")
	root.PersistentFlags().String("log-level", "", "Override log level (trace|debug|info|warn|error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newBacktestCmd())
	root.AddCommand(newStrategyCmd())
	root.AddCommand(newDataCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s/%s)\n", appName, appVersion, runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig resolves the --config flag; failures map to exit code 3.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errConfig)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// buildFacade wires the market data facade with every supported venue.
// The sim venue is always registered so offline work never needs a key.
func buildFacade(cfg *config.Config, m *metrics.Registry) (*marketdata.Facade, error) {
	return marketdata.New(marketdata.Options{
		CacheDir:     cfg.MarketData.CacheDir,
		DefaultVenue: cfg.MarketData.DefaultVenue,
		RedisAddr:    cfg.MarketData.RedisAddr,
		RedisDB:      cfg.MarketData.RedisDB,
		QuoteTTL:     cfg.MarketData.QuoteTTL,
		PollInterval: cfg.MarketData.PollInterval,
	}, m,
		binance.New(binance.Config{
			APIKey:      os.Getenv("TRADEFORGE_BINANCE_KEY"),
			APISecret:   os.Getenv("TRADEFORGE_BINANCE_SECRET"),
			Timeout:     cfg.MarketData.HTTPTimeout,
			RequestRate: cfg.MarketData.RequestRate,
		}, m),
		kraken.New(kraken.Config{Timeout: cfg.MarketData.HTTPTimeout}, m),
		sim.New(sim.Config{}),
	)
}

// parseTimeFlag accepts a date or a full RFC3339 stamp.
func parseTimeFlag(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q (want YYYY-MM-DD or RFC3339): %w", value, errUsage)
}
