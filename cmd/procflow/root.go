package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// cfg is loaded before any subcommand runs.
var cfg Config

var rootCmd = &cobra.Command{
	Use:           "procflow",
	Short:         "Procflow executes process models as tokens",
	Long:          `Procflow loads YAML process models and moves tokens through their nodes, persisting every step in a transactional store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := loadConfig(path, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	def := defaultConfig()
	f := rootCmd.PersistentFlags()
	f.String("config", settingsPath(), "settings file")
	f.String("store", def.Store, "token store: memory or libsql")
	f.String("db-path", def.DBPath, "libsql database path")
	f.String("models-dir", def.ModelsDir, "directory holding model documents")
	f.String("models-glob", def.ModelsGlob, "glob selecting model documents below models-dir")
	f.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	f.Int("fetch-size", def.FetchSize, "tokens fetched per runner poll")
	f.Int("pool-size", def.PoolSize, "worker pool size (0 runs each token on its own goroutine)")
	f.Duration("idle-interval", def.IdleInterval, "runner poll interval when idle")
	f.String("system-name", "", "name tagging tokens selected by this node (default: host name)")
	f.String("redis-addr", "", "redis address of the cross-node selection lock")
	f.Bool("rollback-on-error", false, "roll back and mark ERROR when execution fails")
	f.Bool("retain-completed-tokens", false, "keep ended tokens in the store")
}
