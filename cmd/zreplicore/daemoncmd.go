package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sjc-dev/zreplicore/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var (
		jsonLog bool
		level   string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run every configured task on its own cron schedule until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, cfg, err := loadTasks(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := loggerFromFlags(jsonLog, level)
			ctx := withLogger(cmd.Context(), log)

			runner := buildRunner(plainObserver())
			d := daemon.New(runner)

			for i, task := range tasks {
				schedule := cfg.Tasks[i].Schedule
				if schedule == "" {
					log.Warn("task has no schedule configured, skipping", "task_id", task.ID)
					continue
				}
				if err := d.Schedule(ctx, daemon.ScheduledTask{Task: task, Schedule: schedule}); err != nil {
					return fmt.Errorf("schedule task %q: %w", task.ID, err)
				}
			}

			d.Start()
			log.Info("daemon started", "tasks", len(tasks))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Info("daemon stopping")
			<-d.Stop().Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonLog, "json-log", false, "emit structured JSON logs instead of text")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}
