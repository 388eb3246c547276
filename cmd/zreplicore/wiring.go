package main

import (
	"context"
	"log/slog"

	"github.com/sjc-dev/zreplicore/internal/config"
	"github.com/sjc-dev/zreplicore/internal/logger"
	"github.com/sjc-dev/zreplicore/internal/naming"
	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/replication/driver"
	"github.com/sjc-dev/zreplicore/internal/replication/report"
	"github.com/sjc-dev/zreplicore/internal/transport/local"
	"github.com/sjc-dev/zreplicore/internal/zfs"
)

// loadTasks parses the configured file and converts every task into
// the core's own data model.
func loadTasks(path string) ([]*replication.ReplicationTask, *config.Config, error) {
	cfg, err := config.ParseConfig(path)
	if err != nil {
		return nil, nil, err
	}
	tasks := make([]*replication.ReplicationTask, 0, len(cfg.Tasks))
	for i := range cfg.Tasks {
		task, err := cfg.Tasks[i].ToReplicationTask()
		if err != nil {
			return nil, nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, cfg, nil
}

// buildRunner wires the reference zfs.Provider, naming.Parser and
// local.Transport into a driver.Runner, pushing or pulling entirely
// against this host (the shipped reference Transport has no network
// leg of its own; see internal/transport/local's package doc).
func buildRunner(observer report.Observer) *driver.Runner {
	provider := zfs.Provider{}
	transport := local.Transport{}
	global := replication.NewGlobalContext()

	contexts := func(_ context.Context, task *replication.ReplicationTask) (localCtx, remoteCtx *replication.ReplicationContext, err error) {
		shell := local.Shell{}
		return replication.NewReplicationContext(shell, nil),
			replication.NewReplicationContext(shell, transport),
			nil
	}

	executor := &driver.Executor{
		Provider: provider,
		Observer: observer,
		Global:   global,
	}

	return &driver.Runner{
		Provider: provider,
		Parser:   naming.Parser{},
		Should:   func(replication.ParsedSnapshot) bool { return true },
		Observer: observer,
		Global:   global,
		Executor: executor,
		Contexts: contexts,
	}
}

func loggerFromFlags(jsonFormat bool, levelName string) *slog.Logger {
	return newLogger(jsonFormat, parseLevel(levelName))
}

func withLogger(ctx context.Context, log *slog.Logger) context.Context {
	return logger.WithContext(ctx, log)
}
