package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <progressId>...",
		Short: "Deletes progress sessions outright",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(cmd, "purge", func(tracker *progress.Tracker) error {
				for _, id := range args {
					if err := tracker.Purge(cmd.Context(), id); err != nil {
						return fmt.Errorf("purge %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", id)
				}
				return nil
			})
		},
	}
}
