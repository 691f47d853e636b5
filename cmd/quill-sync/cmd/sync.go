package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zmh/Quill-sub002/internal/sync/scheduler"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue once and exit",
	Long: `Pull remote changes for idle posts, then send every operation that is
due. Operations waiting on backoff stay queued for a later run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if _, err := a.engine.Recover(ctx); err != nil {
				return err
			}
			sched := scheduler.NewScheduler(a.engine, &scheduler.SchedulerConfig{
				SyncInterval:       cfg.SyncInterval(),
				MaxConcurrentLanes: cfg.MaxConcurrentLanes,
			})
			result, err := sched.SyncNow(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Synced %d post(s): %d succeeded, %d retrying, %d failed, %d conflicted\n",
				result.Lanes, result.Succeeded, result.Retrying, result.Failed, result.Conflicted)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
