// Package cli implements the loopsched command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var flagConfig string

// defaultConfig returns the default config path, checking LOOPSCHED_CONFIG first.
func defaultConfig() string {
	if p := os.Getenv("LOOPSCHED_CONFIG"); p != "" {
		return p
	}
	return "./config.yaml"
}

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loopsched",
		Short:        "Cooperative fixed-table task sequencer",
		Long:         "loopsched runs a fixed table of tasks from a single polling loop, one task per interval slot, and keeps every cycle inside its interval budget.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfig(), "path to config yaml/json (or LOOPSCHED_CONFIG env)")

	root.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newHistoryCmd(),
	)

	return root
}
