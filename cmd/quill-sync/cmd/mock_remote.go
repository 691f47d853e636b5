package cmd

import (
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmh/Quill-sub002/internal/sync/remote"
)

var (
	mockListen  string
	mockToken   string
	mockLatency time.Duration
)

var mockRemoteCmd = &cobra.Command{
	Use:   "mock-remote",
	Short: "Serve an in-memory remote post API",
	Long: `Serve an in-memory implementation of the remote post API for local
development. It honours Idempotency-Key and If-Unmodified-Since like the real
site, so conflicts and replays can be exercised end to end.

Examples:
  quill-sync mock-remote --listen 127.0.0.1:8787
  quill-sync mock-remote --token s3cret --latency 200ms`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var opts []remote.Option
		if mockToken != "" {
			opts = append(opts, remote.WithToken(mockToken))
		}
		if mockLatency > 0 {
			latency := mockLatency
			opts = append(opts, remote.WithLatency(func() time.Duration { return latency }))
		}

		server := &http.Server{
			Addr:              mockListen,
			Handler:           remote.New(opts...).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return serve(ctx, server, "Mock remote", map[string]interface{}{
			"listen_addr": mockListen,
			"auth":        mockToken != "",
		})
	},
}

func init() {
	mockRemoteCmd.Flags().StringVar(&mockListen, "listen", "127.0.0.1:8787", "address to listen on")
	mockRemoteCmd.Flags().StringVar(&mockToken, "token", "", "require this bearer token")
	mockRemoteCmd.Flags().DurationVar(&mockLatency, "latency", 0, "delay added to every request")
	rootCmd.AddCommand(mockRemoteCmd)
}
