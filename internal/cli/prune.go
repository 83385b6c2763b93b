package cli

import (
	"time"

	"github.com/spf13/cobra"

	"intent-relayer/internal/app"
)

var (
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete settlement audit rows older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), app.PruneOptions{
			OlderThan: pruneOlderThan,
			DryRun:    pruneDryRun,
		})
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Retention window, e.g. 720h")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report what would be deleted without deleting")
}
