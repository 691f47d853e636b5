package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zmh/Quill-sub002/internal/config"
	"github.com/zmh/Quill-sub002/internal/logging"
)

var (
	configPath string
	loader     *config.Loader
	cfg        *config.Config
)

// flagKeys maps persistent flags to their configuration keys.
var flagKeys = map[string]string{
	"data-dir":   "data_dir",
	"remote-url": "remote_url",
	"log-level":  "log_level",
}

var rootCmd = &cobra.Command{
	Use:   "quill-sync",
	Short: "Offline-first sync engine for Quill posts",
	Long: `quill-sync keeps a local copy of your posts and replays every edit
against the remote site once it is reachable.

Edits are accepted offline and queued per post. The daemon drains the queue
with exponential backoff, detects concurrent remote edits and merges them when
the changed fields do not overlap.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		loader = config.NewLoader(configPath)
		for name, key := range flagKeys {
			if err := loader.Viper().BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		loaded, err := loader.Load()
		if err != nil {
			return err
		}
		cfg = loaded

		level := logging.ParseLevel(cfg.LogLevel)
		if cfg.LogFile != "" {
			logging.InitWithFile(logging.FileOptions{Path: cfg.LogFile}, level)
		} else {
			logging.Init(os.Stderr, level)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")
	rootCmd.PersistentFlags().String("data-dir", config.DefaultDataDir(), "directory holding the local database")
	rootCmd.PersistentFlags().String("remote-url", "", "base URL of the remote post API")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
}
