package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tradeforge/tradeforge/internal/anomaly"
	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/marketdata"
	"github.com/tradeforge/tradeforge/internal/metrics"
)

func newDataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Fetch, inspect and scan cached market data",
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Warm the bar cache for one symbol and window",
		RunE:  runDataFetch,
	}
	addSeriesFlags(fetchCmd)
	fetchCmd.Flags().Bool("json", false, "Emit JSON instead of a summary line")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List cached bar series",
		RunE:  runDataStatus,
	}
	statusCmd.Flags().Bool("json", false, "Emit JSON instead of a table")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the anomaly detectors over one symbol's window",
		Long: `Pulls bars (cache first, venue for gaps) plus funding history where the
venue serves it, and reports price spikes, volume surges, funding
extremes, open-interest jumps and liquidation cascades.`,
		RunE: runDataScan,
	}
	addSeriesFlags(scanCmd)
	scanCmd.Flags().Float64("zscore", 0, "Z-score threshold (default 3.0)")
	scanCmd.Flags().Int("window", 0, "Rolling window size in bars (default 20)")
	scanCmd.Flags().Float64("percentile", 0, "Percentile band for funding/volume (default 99)")
	scanCmd.Flags().Bool("json", false, "Emit the full report as JSON")

	cmd.AddCommand(fetchCmd, statusCmd, scanCmd)
	return cmd
}

func addSeriesFlags(cmd *cobra.Command) {
	cmd.Flags().String("symbol", "", "Trading pair, e.g. BTCUSDT")
	cmd.Flags().String("venue", "", "Data venue (configured default when empty)")
	cmd.Flags().String("interval", "1h", "Bar interval (1m|5m|15m|1h|4h|1d)")
	cmd.Flags().String("from", "", "Window start, defaults to 24h before --to")
	cmd.Flags().String("to", "", "Window end, defaults to now")
}

type seriesWindow struct {
	symbol   string
	venue    string
	interval domain.Interval
	from     time.Time
	to       time.Time
}

func parseSeriesFlags(flags *pflag.FlagSet) (seriesWindow, error) {
	var win seriesWindow

	win.symbol, _ = flags.GetString("symbol")
	if win.symbol == "" {
		return win, fmt.Errorf("--symbol is required: %w", errUsage)
	}
	win.symbol = strings.ToUpper(win.symbol)
	win.venue, _ = flags.GetString("venue")

	raw, _ := flags.GetString("interval")
	win.interval = domain.Interval(raw)
	if !win.interval.Valid() {
		return win, fmt.Errorf("unsupported interval %q: %w", raw, errUsage)
	}

	var err error
	win.to = time.Now().UTC().Truncate(time.Minute)
	if toRaw, _ := flags.GetString("to"); toRaw != "" {
		if win.to, err = parseTimeFlag(toRaw); err != nil {
			return win, err
		}
	}
	win.from = win.to.Add(-24 * time.Hour)
	if fromRaw, _ := flags.GetString("from"); fromRaw != "" {
		if win.from, err = parseTimeFlag(fromRaw); err != nil {
			return win, err
		}
	}
	if !win.to.After(win.from) {
		return win, fmt.Errorf("--to must be after --from: %w", errUsage)
	}
	return win, nil
}

func runDataFetch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	win, err := parseSeriesFlags(cmd.Flags())
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	market, err := buildFacade(cfg, metrics.Nop())
	if err != nil {
		return err
	}
	defer market.Close()

	res, err := market.FetchBars(ctx, marketdata.FetchRequest{
		Venue:    win.venue,
		Symbol:   win.symbol,
		Interval: win.interval,
		Start:    win.from,
		End:      win.to,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"symbol":    win.symbol,
			"interval":  win.interval,
			"bars":      len(res.Bars),
			"fetched":   res.Fetched,
			"cache_hit": res.CacheHit,
			"partial":   res.Partial,
		})
	}
	served := "venue"
	if res.CacheHit {
		served = "cache"
	}
	fmt.Fprintf(out, "%s %s: %d bars (%d fetched, served from %s)\n",
		win.symbol, win.interval, len(res.Bars), res.Fetched, served)
	if res.Partial {
		fmt.Fprintln(out, "warning: venue unreachable, cached subset only")
	}
	return nil
}

func runDataStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	market, err := buildFacade(cfg, metrics.Nop())
	if err != nil {
		return err
	}
	defer market.Close()

	entries := market.Catalog()
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"entries": entries,
			"count":   len(entries),
		})
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tINTERVAL\tROWS\tRANGE\tFETCHED")
	fmt.Fprintln(w, "------\t--------\t----\t-----\t-------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s .. %s\t%s\n",
			e.Symbol,
			e.Interval,
			e.Rows,
			e.Start.UTC().Format("2006-01-02 15:04"),
			e.End.UTC().Format("2006-01-02 15:04"),
			e.FetchedAt.UTC().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d cached series in %s\n", len(entries), cfg.MarketData.CacheDir)
	return nil
}

func runDataScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	win, err := parseSeriesFlags(cmd.Flags())
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	zscore, _ := flags.GetFloat64("zscore")
	window, _ := flags.GetInt("window")
	percentile, _ := flags.GetFloat64("percentile")
	asJSON, _ := flags.GetBool("json")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	market, err := buildFacade(cfg, metrics.Nop())
	if err != nil {
		return err
	}
	defer market.Close()

	det := anomaly.New(anomaly.Config{
		ZScoreThreshold:     zscore,
		WindowSize:          window,
		PercentileThreshold: percentile,
	})
	report, err := anomaly.ScanSymbol(ctx, market, det, anomaly.ScanRequest{
		Venue:    win.venue,
		Symbol:   win.symbol,
		Interval: win.interval,
		Start:    win.from,
		End:      win.to,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "%s %s  %s .. %s  (%d bars)\n",
		report.Symbol, report.Interval,
		report.Start.UTC().Format("2006-01-02 15:04"),
		report.End.UTC().Format("2006-01-02 15:04"),
		report.Bars)
	if len(report.Results) == 0 {
		fmt.Fprintln(out, "no anomalies flagged")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TS\tTYPE\tSEVERITY\tSCORE\tVALUE")
	fmt.Fprintln(w, "--\t----\t--------\t-----\t-----")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.6g\n",
			r.Ts.UTC().Format("2006-01-02 15:04"), r.Type, r.Severity, r.Score, r.Value)
	}
	w.Flush()

	bySeverity := map[anomaly.Severity]int{}
	for _, r := range report.Results {
		bySeverity[r.Severity]++
	}
	fmt.Fprintf(out, "\n%d flagged:", len(report.Results))
	for _, sev := range []anomaly.Severity{
		anomaly.SeverityCritical, anomaly.SeverityHigh, anomaly.SeverityMedium, anomaly.SeverityLow,
	} {
		if n := bySeverity[sev]; n > 0 {
			fmt.Fprintf(out, " %d %s", n, sev)
		}
	}
	fmt.Fprintln(out)
	return nil
}
