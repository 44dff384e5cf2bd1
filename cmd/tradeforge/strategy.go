package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/strategy/builtin"
)

func newStrategyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Inspect stored strategy versions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored strategy versions and built-in factories",
		RunE:  runStrategyList,
	}
	listCmd.Flags().Int("limit", 50, "Maximum stored versions to show")
	listCmd.Flags().Int("offset", 0, "Stored versions to skip")
	listCmd.Flags().Bool("json", false, "Emit JSON instead of a table")

	cmd.AddCommand(listCmd)
	return cmd
}

func runStrategyList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	asJSON, _ := cmd.Flags().GetBool("json")

	log := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.ListStrategies(ctx, limit, offset)
	if err != nil {
		return err
	}

	reg := strategy.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		return err
	}
	factories := reg.List()

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"strategies": rows,
			"builtins":   factories,
		})
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tBACKTESTS\tSESSIONS\tCREATED")
	fmt.Fprintln(w, "----\t-------\t---------\t--------\t-------")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			row.Name,
			shortHash(row.VersionHash),
			row.Backtests,
			row.Sessions,
			row.CreatedAt.UTC().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d stored version(s); full hashes via --json\n", len(rows))

	fmt.Fprintln(out, "\nBuilt-in factories:")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, meta := range factories {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", meta.Name, meta.Regime, meta.Description)
	}
	return w.Flush()
}

// shortHash trims a sha256: version hash to a table-friendly width.
func shortHash(h string) string {
	hex := strings.TrimPrefix(h, strategy.HashPrefix)
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return hex
}
