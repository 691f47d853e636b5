package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmh/Quill-sub002/internal/api"
	"github.com/zmh/Quill-sub002/internal/config"
	"github.com/zmh/Quill-sub002/internal/logging"
	"github.com/zmh/Quill-sub002/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon and the local API",
	Long: `Run the sync daemon until interrupted.

The daemon drains the outbound queue on start, whenever an edit arrives, on
every sync interval and when a retry falls due. When listen_addr is set it
also serves the REST API and the /api/events WebSocket feed used by editors.

Changes to the config file are picked up without a restart for the sync
interval and the log level.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx)
	},
}

func runDaemon(ctx context.Context) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.engine.OnCredentialExpired(func() {
		logging.Warn("Remote credential rejected; sync is paused until it is replaced", nil)
	})

	sched := scheduler.NewScheduler(a.engine, &scheduler.SchedulerConfig{
		SyncInterval:       cfg.SyncInterval(),
		MaxConcurrentLanes: cfg.MaxConcurrentLanes,
	})
	sched.SetBroker(a.engine.Broker())
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logging.Warn("Ignoring invalid config change", map[string]interface{}{"error": err.Error()})
			return
		}
		sched.SetSyncInterval(next.SyncInterval())
		logging.Get().SetLevel(logging.ParseLevel(next.LogLevel))
		logging.Info("Config reloaded", map[string]interface{}{"sync_interval": next.SyncInterval().String()})
	})

	if cfg.ListenAddr == "" {
		logging.Info("Sync daemon started without local API", map[string]interface{}{"data_dir": cfg.DataDir})
		<-ctx.Done()
		return nil
	}

	hub := api.NewWSHub()
	go hub.Run(ctx)
	go hub.Forward(ctx, a.engine.Broker())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(a.engine, sched, a.creds, hub).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, server, "Sync daemon", map[string]interface{}{
		"listen_addr": cfg.ListenAddr,
		"remote_url":  cfg.RemoteURL,
		"data_dir":    cfg.DataDir,
	})
}

// serve runs server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, name string, fields map[string]interface{}) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info(name+" listening", fields)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info(name+" stopped", nil)
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
