package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"loopsched/internal/config"
	"loopsched/internal/storage"
	logx "loopsched/pkg/logx"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently stored cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("--limit must be > 0")
			}
			cfg, err := config.NewConfigManager(flagConfig).Parse()
			if err != nil {
				return fmt.Errorf("parse %s: %w", flagConfig, err)
			}
			sc, _, err := config.ResolveStorage(cfg.Storage)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			store, err := storage.Open(sc, logx.Nop())
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			if store == nil {
				return fmt.Errorf("storage is disabled in %s", flagConfig)
			}
			defer store.Close()

			recs, err := store.RecentCycles(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if recs == nil {
					recs = []storage.CycleRecord{}
				}
				return enc.Encode(recs)
			}
			printHistory(out, recs, time.Now())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of cycles to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func printHistory(out io.Writer, recs []storage.CycleRecord, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No cycles stored.")
		return
	}

	fmt.Fprintf(out, "%-10s  %-16s  %9s  %9s  %-16s  %s\n", "CYCLE", "WHEN", "ELAPSED", "BUDGET", "RESULT", "RUN")
	var (
		overruns uint64
		worst    uint32
	)
	for _, r := range recs {
		result := fmt.Sprintf("slack %dms", r.CompensationMS)
		if r.Overrun {
			overruns++
			worst = max(worst, r.OvershootMS)
			result = fmt.Sprintf("OVERRUN +%dms", r.OvershootMS)
		}
		fmt.Fprintf(out, "%-10d  %-16s  %7dms  %7dms  %-16s  %s\n",
			r.Cycle, humanize.RelTime(r.At, now, "ago", "from now"), r.ElapsedMS, r.BudgetMS, result, shortID(r.RunID))
	}

	fmt.Fprintf(out, "\n%s cycles shown, %s overruns", humanize.Comma(int64(len(recs))), humanize.Comma(int64(overruns)))
	if overruns > 0 {
		fmt.Fprintf(out, ", worst +%dms", worst)
	}
	fmt.Fprintln(out)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
