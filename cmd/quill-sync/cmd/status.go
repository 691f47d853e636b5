package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zmh/Quill-sub002/internal/models"
)

var statusFormat string

// statusReport summarizes the local store.
type statusReport struct {
	DataDir           string                   `json:"data_dir" yaml:"data_dir"`
	RemoteURL         string                   `json:"remote_url" yaml:"remote_url"`
	Posts             int                      `json:"posts" yaml:"posts"`
	PendingOperations int                      `json:"pending_operations" yaml:"pending_operations"`
	SyncStates        map[models.SyncState]int `json:"sync_states" yaml:"sync_states"`
	Conflicts         int                      `json:"conflicts" yaml:"conflicts"`
	Failed            []failedPost             `json:"failed,omitempty" yaml:"failed,omitempty"`
}

type failedPost struct {
	LocalID models.UUID `json:"local_id" yaml:"local_id"`
	Title   string      `json:"title" yaml:"title"`
	Error   string      `json:"error" yaml:"error"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and sync state",
	Long: `Show how many posts are in each sync state, how many operations are
waiting and which posts failed.

Examples:
  quill-sync status
  quill-sync status --format yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch statusFormat {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unknown format %q (expected text, json or yaml)", statusFormat)
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			report, err := buildStatus(ctx, a)
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), statusFormat, report)
		})
	},
}

func buildStatus(ctx context.Context, a *app) (*statusReport, error) {
	posts, err := a.engine.ListPosts(ctx, "")
	if err != nil {
		return nil, err
	}
	pending, err := a.engine.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := a.engine.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		DataDir:           cfg.DataDir,
		RemoteURL:         cfg.RemoteURL,
		Posts:             len(posts),
		PendingOperations: pending,
		SyncStates:        make(map[models.SyncState]int),
		Conflicts:         len(conflicts),
	}
	for _, p := range posts {
		report.SyncStates[p.SyncState]++
		if p.SyncState == models.SyncFailed {
			report.Failed = append(report.Failed, failedPost{LocalID: p.LocalID, Title: p.Title, Error: p.LastError})
		}
	}
	return report, nil
}

func writeStatus(out io.Writer, format string, report *statusReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	}

	fmt.Fprintf(out, "Data dir:   %s\n", report.DataDir)
	fmt.Fprintf(out, "Remote:     %s\n", report.RemoteURL)
	fmt.Fprintf(out, "Posts:      %d\n", report.Posts)
	fmt.Fprintf(out, "Pending:    %d operation(s)\n", report.PendingOperations)
	fmt.Fprintf(out, "Conflicts:  %d\n", report.Conflicts)

	states := make([]string, 0, len(report.SyncStates))
	for s := range report.SyncStates {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(out, "  %-10s %d\n", s, report.SyncStates[models.SyncState(s)])
	}
	for _, f := range report.Failed {
		fmt.Fprintf(out, "Failed %s %q: %s\n", f.LocalID, f.Title, f.Error)
	}
	return nil
}

func init() {
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
