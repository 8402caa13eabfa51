// Package cmd defines the CLI commands for the progress-tracker executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates the root command and attaches every subcommand.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress-tracker",
		Short: "Tracks long-running job progress and streams it to clients.",
		Long: `progress-tracker records the progress of long-running jobs such as
document generation, embedding and bulk file creation, and pushes every
change to subscribed websocket clients in real time.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env PROGRESS_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newTokenCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
