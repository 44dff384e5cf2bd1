package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tradeforge/tradeforge/internal/backtest"
	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/strategy/builtin"
	"github.com/tradeforge/tradeforge/internal/stream"
)

func newBacktestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtesting against cached or fetched history",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one backtest and print its metrics",
		Long: `Executes a single backtest locally. --strategy takes either a stored
version hash (sha256:...) or a path to a strategy YAML file, which is
saved first so the run is reproducible by hash.`,
		RunE: runBacktestRun,
	}
	runCmd.Flags().String("strategy", "", "Strategy version hash or YAML file path")
	runCmd.Flags().String("symbol", "", "Trading pair, e.g. BTCUSDT")
	runCmd.Flags().String("venue", "", "Data venue (configured default when empty)")
	runCmd.Flags().String("interval", "1h", "Bar interval (1m|5m|15m|1h|4h|1d)")
	runCmd.Flags().String("from", "", "Window start (YYYY-MM-DD or RFC3339)")
	runCmd.Flags().String("to", "", "Window end, defaults to now")
	runCmd.Flags().String("params", "", "Strategy parameters as a JSON object")
	runCmd.Flags().String("progress", "auto", "Progress output mode (auto|plain|json)")

	cmd.AddCommand(runCmd)
	return cmd
}

func runBacktestRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()

	ref, _ := flags.GetString("strategy")
	symbol, _ := flags.GetString("symbol")
	if ref == "" || symbol == "" {
		return fmt.Errorf("--strategy and --symbol are required: %w", errUsage)
	}
	rawInterval, _ := flags.GetString("interval")
	interval := domain.Interval(rawInterval)
	if !interval.Valid() {
		return fmt.Errorf("unsupported interval %q: %w", rawInterval, errUsage)
	}
	fromRaw, _ := flags.GetString("from")
	if fromRaw == "" {
		return fmt.Errorf("--from is required: %w", errUsage)
	}
	from, err := parseTimeFlag(fromRaw)
	if err != nil {
		return err
	}
	to := time.Now().UTC().Truncate(time.Minute)
	if toRaw, _ := flags.GetString("to"); toRaw != "" {
		if to, err = parseTimeFlag(toRaw); err != nil {
			return err
		}
	}
	var params map[string]interface{}
	if raw, _ := flags.GetString("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return fmt.Errorf("--params must be a JSON object: %v: %w", err, errUsage)
		}
	}
	mode, _ := flags.GetString("progress")
	prog, err := newProgressPrinter(mode, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	venue, _ := flags.GetString("venue")

	log := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	market, err := buildFacade(cfg, metrics.Nop())
	if err != nil {
		return err
	}
	defer market.Close()

	reg := strategy.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		return err
	}

	bus := stream.NewBus(cfg.Stream.SinkBuffer, nil, log)
	defer bus.Close()

	orch := backtest.New(backtest.Options{
		Store:    store,
		Market:   market,
		Registry: reg,
		Bus:      bus,
		Engine:   cfg.Engine,
		Config:   cfg.Backtest,
		Log:      log,
	})
	defer orch.Close()

	hash, err := resolveStrategyRef(ctx, store, log, ref)
	if err != nil {
		return err
	}

	run, err := orch.Submit(ctx, backtest.Request{
		StrategyHash: hash,
		Symbol:       symbol,
		Venue:        venue,
		Interval:     interval,
		Start:        from,
		End:          to,
		Params:       params,
	})
	if err != nil {
		return err
	}
	log.Info().Str("backtest_id", run.ID).Str("symbol", run.Symbol).Msg("backtest submitted")

	sub := bus.Subscribe(stream.BacktestTopic(run.ID))
	defer sub.Close()

	final, err := followRun(ctx, orch, sub, run.ID, prog)
	if err != nil {
		return err
	}
	return printRunResult(cmd.OutOrStdout(), final, prog.mode == "json")
}

// resolveStrategyRef turns --strategy into a stored version hash. A file
// path is saved first; an existing identical version is reused.
func resolveStrategyRef(ctx context.Context, store *persistence.Store, log zerolog.Logger, ref string) (string, error) {
	if strings.HasPrefix(ref, strategy.HashPrefix) {
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("--strategy %q is neither a version hash nor a readable file: %w", ref, errUsage)
	}
	var doc struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil || doc.Name == "" {
		return "", fmt.Errorf("strategy file %s needs a top-level name: %w", ref, errUsage)
	}
	rec, created, err := store.SaveStrategy(ctx, strategy.Record{
		Name:        doc.Name,
		Description: doc.Description,
		Source:      string(data),
	})
	if err != nil {
		return "", err
	}
	if created {
		log.Info().Str("strategy", rec.Name).Str("hash", rec.VersionHash).Msg("strategy version saved")
	}
	return rec.VersionHash, nil
}

func terminalStatus(s string) bool {
	return s == backtest.StatusCompleted || s == backtest.StatusFailed || s == backtest.StatusCancelled
}

// followRun renders progress until the run reaches a terminal status. The
// bus feed drives the display; a slow ticker polls the store in case
// frames were dropped. Ctrl-C cancels the run and reports its last state.
func followRun(ctx context.Context, orch *backtest.Orchestrator, sub *stream.Subscription, id string, prog *progressPrinter) (persistence.BacktestRun, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			prog.finish()
			if err := orch.Cancel(context.Background(), id); err != nil && !errors.Is(err, domain.ErrConflict) {
				return persistence.BacktestRun{}, err
			}
			return awaitTerminal(orch, id, 3*time.Second)
		case frame, ok := <-sub.C():
			if !ok {
				prog.finish()
				return orch.Get(context.Background(), id)
			}
			env, err := stream.Decode(frame)
			if err != nil {
				continue
			}
			switch env.Type {
			case backtest.EventProgress:
				var p struct {
					Progress float64 `json:"progress"`
				}
				if json.Unmarshal(env.Payload, &p) == nil {
					prog.update(p.Progress)
				}
			case backtest.EventCompleted, backtest.EventFailed:
				prog.update(1)
				prog.finish()
				return awaitTerminal(orch, id, 3*time.Second)
			}
		case <-ticker.C:
			run, err := orch.Get(ctx, id)
			if err != nil {
				return run, err
			}
			if terminalStatus(run.Status) {
				prog.finish()
				return run, nil
			}
			prog.update(run.Progress)
		}
	}
}

// awaitTerminal bridges the gap between the terminal event on the bus and
// the row update landing in the store.
func awaitTerminal(orch *backtest.Orchestrator, id string, wait time.Duration) (persistence.BacktestRun, error) {
	deadline := time.Now().Add(wait)
	for {
		run, err := orch.Get(context.Background(), id)
		if err != nil || terminalStatus(run.Status) || time.Now().After(deadline) {
			return run, err
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// progressPrinter renders run progress in one of three modes: an in-place
// percentage on a TTY, stepped log lines for pipelines, or JSON lines.
type progressPrinter struct {
	mode    string // tty, plain or json
	out     io.Writer
	lastPct int
}

func newProgressPrinter(mode string, out io.Writer) (*progressPrinter, error) {
	switch mode {
	case "auto":
		if term.IsTerminal(int(os.Stdout.Fd())) {
			mode = "tty"
		} else {
			mode = "plain"
		}
	case "plain", "json":
	default:
		return nil, fmt.Errorf("unknown progress mode %q (want auto|plain|json): %w", mode, errUsage)
	}
	return &progressPrinter{mode: mode, out: out, lastPct: -1}, nil
}

func (p *progressPrinter) update(fraction float64) {
	pct := int(fraction * 100)
	if pct == p.lastPct {
		return
	}
	switch p.mode {
	case "tty":
		fmt.Fprintf(p.out, "\rbacktest %3d%%", pct)
		p.lastPct = pct
	case "json":
		fmt.Fprintf(p.out, "{\"progress\":%.3f}\n", fraction)
		p.lastPct = pct
	default:
		// Stepped lines keep piped logs readable.
		if p.lastPct < 0 || pct/5 > p.lastPct/5 {
			fmt.Fprintf(p.out, "backtest %d%%\n", pct)
			p.lastPct = pct
		}
	}
}

func (p *progressPrinter) finish() {
	if p.mode == "tty" && p.lastPct >= 0 {
		fmt.Fprintln(p.out)
	}
}

func printRunResult(out io.Writer, run persistence.BacktestRun, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%s  %s %s  %s\n", run.Status, run.Symbol, run.Interval, run.ID)
		var met backtest.Metrics
		if run.Metrics != "" && json.Unmarshal([]byte(run.Metrics), &met) == nil {
			fmt.Fprintf(out, "  bars          %d\n", met.Bars)
			fmt.Fprintf(out, "  trades        %d (win rate %.1f%%)\n", met.TotalTrades, met.WinRate*100)
			fmt.Fprintf(out, "  total pnl     %.2f (%.2f%%)\n", met.TotalPnL, met.TotalReturnPct)
			fmt.Fprintf(out, "  sharpe        %.2f\n", met.Sharpe)
			fmt.Fprintf(out, "  max drawdown  %.2f%%\n", met.MaxDrawdownPct*100)
			fmt.Fprintf(out, "  fees paid     %.2f\n", met.FeesPaid)
			fmt.Fprintf(out, "  final equity  %.2f\n", met.FinalEquity)
			if met.Halted {
				fmt.Fprintf(out, "  halted        %s\n", met.HaltReason)
			}
		}
	}
	switch run.Status {
	case backtest.StatusFailed:
		return errors.New(run.Error)
	case backtest.StatusCancelled:
		return errors.New("backtest cancelled")
	}
	return nil
}
