package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zmh/Quill-sub002/internal/models"
)

var listStatus string

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Edit posts locally",
	Long: `Create, update, delete and list posts in the local store.

Every edit is saved immediately and queued for the remote site; run
"quill-sync sync" or keep "quill-sync run" going to push it.`,
}

var postCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a post",
	Long: `Create a post and queue it for upload.

Examples:
  quill-sync post create --title "Hello" --content "First post"
  quill-sync post create --title "Launch" --status published --slug launch`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := changedFields(cmd, models.PostFields{Status: models.StatusDraft})
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			p, err := a.engine.CreatePost(ctx, fields)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created post %s (%s)\n", p.LocalID, p.SyncState)
			return nil
		})
	},
}

var postUpdateCmd = &cobra.Command{
	Use:   "update <local-id>",
	Short: "Update a post",
	Long: `Update a post. Only the flags given are changed.

Examples:
  quill-sync post update 6f1c... --title "Better title"
  quill-sync post update 6f1c... --status published`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := models.UUID(args[0])
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			current, err := a.engine.GetPost(ctx, id)
			if err != nil {
				return err
			}
			p, err := a.engine.UpdatePost(ctx, id, changedFields(cmd, current.PostFields))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated post %s (%s)\n", p.LocalID, p.SyncState)
			return nil
		})
	},
}

var postDeleteCmd = &cobra.Command{
	Use:   "delete <local-id>",
	Short: "Delete a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := models.UUID(args[0])
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.engine.DeletePost(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted post %s\n", id)
			return nil
		})
	},
}

var postListCmd = &cobra.Command{
	Use:   "list",
	Short: "List posts with their sync state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.PostStatus(listStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("invalid status %q (expected draft, published, scheduled or private)", listStatus)
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			posts, err := a.engine.ListPosts(ctx, status)
			if err != nil {
				return err
			}
			if len(posts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No posts")
				return nil
			}
			printPosts(cmd.OutOrStdout(), posts)
			return nil
		})
	},
}

// changedFields overlays the field flags set on cmd onto f.
func changedFields(cmd *cobra.Command, f models.PostFields) models.PostFields {
	flags := cmd.Flags()
	set := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	set("title", &f.Title)
	set("content", &f.Content)
	set("slug", &f.Slug)
	if flags.Changed("status") {
		status, _ := flags.GetString("status")
		f.Status = models.PostStatus(status)
	}
	return f
}

func printPosts(out io.Writer, posts []*models.Post) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL ID\tREMOTE ID\tSTATUS\tSYNC\tTITLE")
	for _, p := range posts {
		remoteID := p.RemoteID
		if remoteID == "" {
			remoteID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.LocalID, remoteID, p.Status, p.SyncState, p.Title)
	}
	w.Flush()
}

// addFieldFlags registers the post field flags on cmd; read them with
// changedFields.
func addFieldFlags(cmd *cobra.Command, defaultStatus string) {
	cmd.Flags().String("title", "", "post title")
	cmd.Flags().String("content", "", "post body")
	cmd.Flags().String("slug", "", "URL slug")
	cmd.Flags().String("status", defaultStatus, "draft, published, scheduled or private")
}

func init() {
	addFieldFlags(postCreateCmd, string(models.StatusDraft))
	addFieldFlags(postUpdateCmd, "")
	postListCmd.Flags().StringVar(&listStatus, "status", "", "only list posts with this status")

	postCmd.AddCommand(postCreateCmd)
	postCmd.AddCommand(postUpdateCmd)
	postCmd.AddCommand(postDeleteCmd)
	postCmd.AddCommand(postListCmd)
	rootCmd.AddCommand(postCmd)
}
