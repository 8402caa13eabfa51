package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Prints stored progress as JSON",
	}
	cmd.AddCommand(newInspectCurrentCmd())
	cmd.AddCommand(newInspectUserCmd())
	return cmd
}

func newInspectCurrentCmd() *cobra.Command {
	var typ, resourceID string
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Shows the latest session for a resource",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := progress.ParseType(typ)
			if err != nil {
				return err
			}
			return withTracker(cmd, "inspect", func(tracker *progress.Tracker) error {
				rec, err := tracker.GetCurrent(cmd.Context(), t, resourceID)
				if err != nil {
					return fmt.Errorf("get current %s/%s: %w", t, resourceID, err)
				}
				return printJSON(cmd, rec)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "progress type")
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func newInspectUserCmd() *cobra.Command {
	var userID string
	var active bool
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Lists a user's sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTracker(cmd, "inspect", func(tracker *progress.Tracker) error {
				list := tracker.ListByUser
				if active {
					list = tracker.ListActive
				}
				recs, err := list(cmd.Context(), userID)
				if err != nil {
					return fmt.Errorf("list progress for %s: %w", userID, err)
				}
				if recs == nil {
					recs = []progress.Record{}
				}
				return printJSON(cmd, recs)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().BoolVar(&active, "active", false, "only sessions still running")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// withTracker runs fn against a tracker over the shared store. Offline
// commands never broadcast.
func withTracker(cmd *cobra.Command, name string, fn func(*progress.Tracker) error) error {
	a, err := newApp(cmd.Context(), cfgFile)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.requireShared(name); err != nil {
		return err
	}
	tracker, err := progress.NewTracker(a.store, nil, progress.Config{
		ActiveTTL:   a.cfg.Progress.ActiveTTL,
		TerminalTTL: a.cfg.Progress.TerminalTTL,
		Logger:      a.logger.Named(name),
	})
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}
	return fn(tracker)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
