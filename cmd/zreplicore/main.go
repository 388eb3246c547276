// Command zreplicore drives configured ZFS replication tasks: run
// them once, schedule them under cron, or check the health of the
// last known runs. Grounded on ubuntu-zsys's cmd/zsys/main.go
// (generateCommands building a root *cobra.Command, PersistentFlags
// for global options, os.Exit(1) on Execute error).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zreplicore",
		Short: "Drive ZFS snapshot replication tasks",
		Long: `zreplicore plans, resumes and executes ZFS snapshot replication
between a set of source datasets and a destination, according to a
configured set of tasks.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/zreplicore/config.yml", "path to the task configuration file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newDaemonCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConfigCmd())
	return root
}

func newLogger(jsonFormat bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
