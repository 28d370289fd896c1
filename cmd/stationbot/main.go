// Command stationbot watches a Misskey instance. It welcomes new local
// users, announces new backup artifacts and posts a daily post-count
// ranking, keeping its cursors in a small key/value table so nothing is
// announced twice across restarts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stationbot: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Without a subcommand it runs the
// service until SIGINT or SIGTERM.
func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "stationbot",
		Short: "Misskey welcome, backup and ranking bot",
		Long: `stationbot polls a Misskey instance on a schedule:

  welcome   greet new local users (every 5m, first check 10s after start)
  backup    announce new files in a backup directory (optional)
  ranking   post the day's top posters at 23:45 (Asia/Tokyo by default)

Settings come from an optional --config file and the environment:
  MISSKEY_URL, MISSKEY_TOKEN      instance and access token (required)
  STATIONBOT_DB                   SQLite state file (default data/database.db)
  STATIONBOT_PG_DSN               use PostgreSQL for state instead
  STATIONBOT_BACKUP_DIR           enable the backup stream on this directory
  STATIONBOT_METRICS_ADDR         serve Prometheus /metrics on this address
  STATIONBOT_TIMEZONE             calendar time zone (default Asia/Tokyo)`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd, cfgPath)
		},
	}
	cmd.SetVersionTemplate("stationbot {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&cfgPath, "config", envOr("STATIONBOT_CONFIG", ""), "config file (.yaml, .yml or .toml)")

	cmd.AddCommand(
		newOnceCmd(&cfgPath),
		newRankingCmd(&cfgPath),
		newStateCmd(&cfgPath),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "stationbot %s\n", version)
			return nil
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
