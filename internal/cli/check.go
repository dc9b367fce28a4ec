package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"loopsched/internal/clock"
	"loopsched/internal/config"
	"loopsched/internal/sequencer"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the task table against its budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(flagConfig).Parse()
			if err != nil {
				return fmt.Errorf("parse %s: %w", flagConfig, err)
			}

			// other sections first; the budget is reported below
			relaxed := *cfg
			relaxed.Sequencer.SkipBudgetCheck = true
			if err := config.Validate(&relaxed); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			seq, err := config.ResolveSequencer(relaxed.Sequencer)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			out := cmd.OutOrStdout()
			printTable(out, seq)

			err = sequencer.Validate(seq.Tasks, seq.Interval, seq.SafetyMargin)
			var be *sequencer.BudgetError
			switch {
			case err == nil:
				fmt.Fprintln(out, "budget OK")
				return nil
			case errors.As(err, &be) && cfg.Sequencer.SkipBudgetCheck:
				fmt.Fprintf(out, "budget check skipped: need %s, every cycle will overrun\n", ms(clock.Millis(be.Need())))
				return nil
			case errors.As(err, &be):
				return fmt.Errorf("interval %s too small: need at least %s", ms(be.Budget), ms(clock.Millis(be.Need())))
			}
			return err
		},
	}
}

func printTable(out io.Writer, seq config.Sequencer) {
	tbl := sequencer.NewTable(seq.Tasks)
	fmt.Fprintf(out, "config: %s\n", flagConfig)
	fmt.Fprintf(out, "interval: %s  safety margin: %s\n\n", ms(seq.Interval), ms(seq.SafetyMargin))

	fmt.Fprintf(out, "%-3s  %-24s  %10s  %10s\n", "#", "NAME", "DELAY", "MIN WORK")
	for i := range tbl.Len() {
		t := tbl.Task(i)
		fmt.Fprintf(out, "%-3d  %-24s  %10s  %10s\n", i+1, t.Name, ms(t.Delay), ms(t.MinWork))
	}
	fmt.Fprintf(out, "%-3s  %-24s  %10s\n\n", "", sequencer.GapFillerName, "(rest)")

	need := tbl.SumDelays() + tbl.SumMinWork() + uint64(seq.SafetyMargin)
	fmt.Fprintf(out, "delays: %s  min work: %s  need: %s\n",
		ms(clock.Millis(tbl.SumDelays())), ms(clock.Millis(tbl.SumMinWork())), ms(clock.Millis(need)))
	if slack := int64(seq.Interval) - int64(need); slack >= 0 {
		fmt.Fprintf(out, "slack: %s\n", ms(clock.Millis(slack)))
	} else {
		fmt.Fprintf(out, "short by: %s\n", ms(clock.Millis(-slack)))
	}
}

func ms(m clock.Millis) string {
	return (time.Duration(m) * time.Millisecond).String()
}
