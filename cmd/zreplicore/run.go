package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/replication/report"
)

func newRunCmd() *cobra.Command {
	var (
		jsonLog bool
		level   string
		onlyIDs []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every configured task once",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, _, err := loadTasks(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if len(onlyIDs) > 0 {
				tasks = filterTasks(tasks, onlyIDs)
			}

			log := loggerFromFlags(jsonLog, level)
			ctx := withLogger(cmd.Context(), log)

			runner := buildRunner(plainObserver())
			return runner.Run(ctx, tasks)
		},
	}
	cmd.Flags().BoolVar(&jsonLog, "json-log", false, "emit structured JSON logs instead of text")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringSliceVar(&onlyIDs, "task", nil, "only run the given task IDs (default: all configured tasks)")
	return cmd
}

func filterTasks(tasks []*replication.ReplicationTask, ids []string) []*replication.ReplicationTask {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]*replication.ReplicationTask, 0, len(tasks))
	for _, t := range tasks {
		if want[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// plainObserver prints each event as a colored one-line summary, the
// non-TUI counterpart to status.go's live dashboard.
func plainObserver() report.Observer {
	return func(ev report.Event) {
		switch e := ev.(type) {
		case report.TaskStart:
			color.Cyan("task %s: starting", e.TaskID)
		case report.TaskSuccess:
			color.Green("task %s: done", e.TaskID)
		case report.TaskError:
			color.Red("task %s: failed: %s", e.TaskID, e.Message)
		case report.SnapshotStart:
			fmt.Printf("  %s@%s (%d/%d)\n", e.SrcDataset, e.Snapshot, e.Sent, e.Total)
		case report.SnapshotSuccess:
			color.Green("  %s@%s sent (%d/%d)", e.SrcDataset, e.Snapshot, e.Sent, e.Total)
		}
	}
}
