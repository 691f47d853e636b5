package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zmh/Quill-sub002/internal/models"
)

var retryCmd = &cobra.Command{
	Use:   "retry [local-id]",
	Short: "Requeue failed operations",
	Long: `Requeue failed operations so the next drain sends them again.
Without an id every failed operation is requeued.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id models.UUID
		if len(args) == 1 {
			id = models.UUID(args[0])
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			n, err := a.engine.RetryFailed(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d operation(s)\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
