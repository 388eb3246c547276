// Package daemon is the scheduled caller spec.md leaves unspecified
// (item v): it wraps internal/replication/driver.Runner in a cron
// schedule, running each configured task's full replication.Run on
// its own timer rather than once per process invocation. Grounded on
// the teacher's own internal/daemon package shape (one long-lived
// process driving scheduled work) and its go.mod dependency on
// github.com/dsh2dsh/cron/v3, never exercised by the retrieved slice
// itself.
package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/dsh2dsh/cron/v3"

	"github.com/sjc-dev/zreplicore/internal/logger"
	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/replication/driver"
)

// ScheduledTask pairs a replication task with the cron expression its
// runs are triggered on.
type ScheduledTask struct {
	Task     *replication.ReplicationTask
	Schedule string // standard 5-field cron expression
}

// Daemon runs a Runner's Run method for each ScheduledTask on its own
// cron schedule, serializing a given task's own runs (a slow run
// never overlaps itself) but letting distinct tasks run concurrently.
type Daemon struct {
	runner *driver.Runner
	cron   *cron.Cron

	mu      sync.Mutex
	running map[string]bool
}

// New builds a Daemon driving runner. Call Schedule for every
// configured task before Start.
func New(runner *driver.Runner) *Daemon {
	return &Daemon{
		runner:  runner,
		cron:    cron.New(),
		running: make(map[string]bool),
	}
}

// Schedule registers st to run on its own cron schedule. It must be
// called before Start.
func (d *Daemon) Schedule(ctx context.Context, st ScheduledTask) error {
	task := st.Task
	_, err := d.cron.AddFunc(st.Schedule, func() {
		d.runOnce(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("schedule task %q: %w", task.ID, err)
	}
	return nil
}

func (d *Daemon) runOnce(ctx context.Context, task *replication.ReplicationTask) {
	log := logger.FromContext(ctx).With("task_id", task.ID)

	d.mu.Lock()
	if d.running[task.ID] {
		d.mu.Unlock()
		log.Warn("previous run still in progress, skipping this tick")
		return
	}
	d.running[task.ID] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.running, task.ID)
		d.mu.Unlock()
	}()

	log.Info("scheduled run starting")
	if err := d.runner.Run(ctx, []*replication.ReplicationTask{task}); err != nil {
		log.Error("scheduled run failed", "error", err)
		return
	}
	log.Info("scheduled run finished")
}

// Start begins the cron scheduler. It returns immediately; scheduled
// runs execute on the scheduler's own goroutines.
func (d *Daemon) Start() { d.cron.Start() }

// Stop halts the scheduler and returns a context that is done once
// any in-flight runs have finished; Stop itself does not wait. It
// does not cancel a run already in progress; cancel the context
// passed to Schedule/runOnce for that.
func (d *Daemon) Stop() context.Context { return d.cron.Stop() }
