package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmh/Quill-sub002/internal/models"
	"github.com/zmh/Quill-sub002/internal/sync/conflict"
)

var resolveChoice string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve edit conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List posts waiting for a conflict decision",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			recs, err := a.engine.ListConflicts(ctx)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conflicts")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "POST\tFIELDS\tLOCAL TITLE\tREMOTE TITLE\tDETECTED")
			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%s\n",
					rec.PostLocalID, rec.Fields, rec.Local.Title, rec.Remote.Title,
					rec.DetectedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		})
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <local-id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflicted post.

  keepLocal   overwrite the remote with the local fields
  keepRemote  discard the local edits and adopt the remote fields
  merge       push the local fields with the given flags applied

Examples:
  quill-sync conflicts resolve 6f1c... --choice keepRemote
  quill-sync conflicts resolve 6f1c... --choice merge --title "Both titles"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		choice, err := conflict.ParseChoice(resolveChoice)
		if err != nil {
			return err
		}
		id := models.UUID(args[0])
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			d := conflict.Decision{Choice: choice}
			if choice == conflict.ChoiceMerge {
				current, err := a.engine.GetPost(ctx, id)
				if err != nil {
					return err
				}
				d.Fields = changedFields(cmd, current.PostFields)
			}
			if err := a.engine.ResolveConflict(ctx, id, d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved post %s with %s\n", id, choice)
			return nil
		})
	},
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&resolveChoice, "choice", "", "keepLocal, keepRemote or merge")
	conflictsResolveCmd.MarkFlagRequired("choice")
	addFieldFlags(conflictsResolveCmd, "")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
