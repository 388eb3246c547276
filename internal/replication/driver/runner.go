package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/replication/logic"
	"github.com/sjc-dev/zreplicore/internal/replication/planner"
	"github.com/sjc-dev/zreplicore/internal/replication/report"
)

// ContextFactory builds the per-task local/remote ReplicationContexts
// (shell plus, on the remote side, a Transport) for one task. Setting
// up the actual connection (SSH, local exec, whatever) is outside the
// core's scope (spec.md §1); the runner only needs the two contexts
// back.
type ContextFactory func(ctx context.Context, task *replication.ReplicationTask) (local, remote *replication.ReplicationContext, err error)

// Part is one (task, source dataset) unit of work: spec.md §4.G splits
// a task with N source_datasets into N independently-runnable parts.
type Part struct {
	Task          *replication.ReplicationTask
	SourceDataset string
}

// SplitParts flattens tasks into parts and sorts them by source
// dataset ascending, recursive tasks before non-recursive ones over
// the same dataset (spec.md §4.G.1): a recursive part that already
// covers a child dataset should run before a narrower part tries to
// claim that child on its own.
func SplitParts(tasks []*replication.ReplicationTask) []Part {
	parts := make([]Part, 0, len(tasks))
	for _, task := range tasks {
		for _, src := range task.SourceDatasets {
			parts = append(parts, Part{Task: task, SourceDataset: src})
		}
	}
	sort.SliceStable(parts, func(i, j int) bool {
		if parts[i].SourceDataset != parts[j].SourceDataset {
			return parts[i].SourceDataset < parts[j].SourceDataset
		}
		ri, rj := parts[i].Task.Recursive, parts[j].Task.Recursive
		if ri != rj {
			return ri
		}
		return false
	})
	return parts
}

// Runner is the task runner's outer loop (spec.md §4.G): for each part
// it builds contexts, runs preflight/template/resume/execute in order
// with retry-with-backoff on recoverable errors, and emits the
// Task*/Snapshot* lifecycle events.
type Runner struct {
	Provider replication.Provider
	Parser   replication.NameParser
	Should   planner.Predicate
	Observer report.Observer
	Global   *replication.GlobalContext
	Executor *Executor
	Contexts ContextFactory
}

// Run drives every task to completion (or failure) and returns nil: a
// task's own failure is reported through Observer as a TaskError, not
// a returned error, since one task's failure must not abort the
// others (spec.md §4.G.4, B3). Run itself only returns an error for
// ctx cancellation.
func (r *Runner) Run(ctx context.Context, tasks []*replication.ReplicationTask) error {
	parts := SplitParts(tasks)

	partsLeft := make(map[string]int, len(tasks))
	for _, p := range parts {
		partsLeft[p.Task.ID]++
	}
	started := make(map[string]bool, len(tasks))
	failed := make(map[string]bool, len(tasks))

	for _, part := range parts {
		task := part.Task
		if failed[task.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if !started[task.ID] {
			started[task.ID] = true
			r.emit(report.TaskStart{TaskID: task.ID})
		}

		local, remote, err := r.Contexts(ctx, task)
		if err != nil {
			failed[task.ID] = true
			r.emit(report.TaskError{TaskID: task.ID, Message: err.Error()})
			continue
		}
		srcCtx, dstCtx := bindByDirection(task.Direction, local, remote)

		if err := r.runPartWithRetry(ctx, task, part.SourceDataset, srcCtx, dstCtx); err != nil {
			failed[task.ID] = true
			r.emit(report.TaskError{TaskID: task.ID, Message: err.Error()})
			continue
		}

		partsLeft[task.ID]--
		if partsLeft[task.ID] == 0 {
			r.emit(report.TaskSuccess{TaskID: task.ID})
		}
	}
	return nil
}

func (r *Runner) emit(ev report.Event) {
	if r.Observer != nil {
		r.Observer(ev)
	}
}

func bindByDirection(dir replication.Direction, local, remote *replication.ReplicationContext) (src, dst *replication.ReplicationContext) {
	if dir == replication.DirectionPull {
		return remote, local
	}
	return local, remote
}

// runPartWithRetry implements spec.md §4.G.3's retry loop: a
// recoverable error closes the remote shell (if closeable) and
// retries after exponential backoff; a terminal (or any other) error
// fails the part immediately; exhausting Retries attempts surfaces the
// last recoverable error.
func (r *Runner) runPartWithRetry(ctx context.Context, task *replication.ReplicationTask, sourceDataset string, srcCtx, dstCtx *replication.ReplicationContext) error {
	retries := task.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	backoff := time.Duration(0)
	for attempt := 0; attempt < retries; attempt++ {
		err := r.runPart(ctx, task, sourceDataset, srcCtx, dstCtx)
		if err == nil {
			return nil
		}

		if !replication.IsRecoverable(err) {
			return err
		}
		lastErr = err

		getLogger(ctx).Warn("recoverable error, retrying",
			slog.String("task", task.ID),
			slog.String("source_dataset", sourceDataset),
			slog.Int("attempt", attempt+1),
			slog.String("err", err.Error()))
		closeRemoteShell(srcCtx, dstCtx)

		backoff = nextBackoff(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func closeRemoteShell(srcCtx, dstCtx *replication.ReplicationContext) {
	for _, c := range [...]*replication.ReplicationContext{srcCtx, dstCtx} {
		if c.Transport == nil {
			continue
		}
		if closer, ok := c.Shell.(io.Closer); ok {
			_ = closer.Close()
		}
	}
}

// runPart implements one attempt of spec.md §4.G.4's per-part body:
// build step templates, preflight and resume each one, rebuild once if
// anything resumed, then execute every template's send plan.
func (r *Runner) runPart(ctx context.Context, task *replication.ReplicationTask, sourceDataset string, srcCtx, dstCtx *replication.ReplicationContext) error {
	templates, err := logic.BuildTemplates(ctx, r.Provider, task, sourceDataset, srcCtx, dstCtx)
	if err != nil {
		return err
	}

	anyResumed := false
	for _, tmpl := range templates {
		if err := logic.EnforcePreflight(ctx, r.Provider, task, tmpl.SrcDataset, tmpl.DstDataset, srcCtx, dstCtx); err != nil {
			return err
		}
		resumed, err := logic.Resume(ctx, r.Provider, r.Parser, r.Global, tmpl, r.Should, r.Executor.Run)
		if err != nil {
			return err
		}
		anyResumed = anyResumed || resumed
	}

	if anyResumed {
		templates, err = logic.BuildTemplates(ctx, r.Provider, task, sourceDataset, srcCtx, dstCtx)
		if err != nil {
			return err
		}
	}

	ignoredRoots := make(map[string]bool)
	for i, tmpl := range templates {
		if err := r.executeTemplate(ctx, tmpl, i == 0, ignoredRoots); err != nil {
			return err
		}
	}
	return nil
}

// executeTemplate implements spec.md §4.B/§4.F for one step template:
// plan the send list, handle the no-incremental-base cases, then walk
// the plan running each step through the executor.
func (r *Runner) executeTemplate(ctx context.Context, tmpl *replication.StepTemplate, isRoot bool, ignoredRoots map[string]bool) error {
	for root := range ignoredRoots {
		if replication.IsChildDataset(tmpl.SrcDataset, root) {
			return nil
		}
	}

	srcNames, _ := tmpl.SrcContext.Snapshots(tmpl.SrcDataset)
	dstNames, destinationExists := tmpl.DstContext.Snapshots(tmpl.DstDataset)

	planned := planner.Plan(srcNames, dstNames, tmpl.Task, r.Parser, r.Should)

	if !planned.HasIncrementalBase {
		switch {
		case len(dstNames) > 0:
			if !tmpl.Task.AllowFromScratch {
				return replication.Terminal(&replication.NoIncrementalBaseError{Dataset: tmpl.SrcDataset})
			}
			snaps := make([]replication.Snapshot, len(dstNames))
			for i, n := range dstNames {
				snaps[i] = replication.Snapshot{Dataset: tmpl.DstDataset, Name: n}
			}
			if err := r.Provider.DestroySnapshots(ctx, tmpl.DstContext.Shell, snaps); err != nil {
				return err
			}
			tmpl.DstContext.SetSnapshots(tmpl.DstDataset, nil)
			destinationExists, dstNames = true, nil
		case isRoot && destinationExists && !tmpl.Task.AllowFromScratch:
			if err := r.assertDestinationEmpty(ctx, tmpl); err != nil {
				return err
			}
		}
	}

	if len(planned.SnapshotsToSend) == 0 {
		if len(srcNames) == 0 {
			ignoredRoots[tmpl.SrcDataset] = true
		}
		return nil
	}

	if !destinationExists {
		if err := logic.EnsureParentCreated(ctx, r.Provider, tmpl.DstContext.Shell, tmpl.DstDataset); err != nil {
			return err
		}
	}

	key := tmpl.Key()
	r.Global.AddTotal(key, len(planned.SnapshotsToSend))

	encryption := tmpl.Task.Encryption
	for i, snap := range planned.SnapshotsToSend {
		var step *replication.Step
		switch {
		case i == 0 && planned.HasIncrementalBase:
			step = replication.NewIncrementalStep(tmpl, planned.IncrementalBase, snap)
		case i == 0:
			step = replication.NewInitialStep(tmpl, snap, encryption)
		default:
			step = replication.NewIncrementalStep(tmpl, planned.SnapshotsToSend[i-1], snap)
		}
		if err := r.Executor.Run(ctx, step); err != nil {
			return err
		}
		encryption = nil
	}
	return nil
}

// assertDestinationEmpty implements spec.md §4.B's from-scratch guard
// for a root template whose destination exists but carries no
// snapshots and no common base: reject unless the data present is
// itself explained by a child dataset that also exists, and is not
// excluded, on the source side.
func (r *Runner) assertDestinationEmpty(ctx context.Context, tmpl *replication.StepTemplate) error {
	used, err := r.Provider.DatasetUsedBytes(ctx, tmpl.DstContext.Shell, tmpl.DstDataset)
	if err != nil {
		if errors.Is(err, replication.ErrDatasetNotMounted) {
			return nil
		}
		return err
	}
	if used == 0 {
		return nil
	}
	for _, d := range tmpl.DstContext.Datasets() {
		if d == tmpl.DstDataset || !replication.IsChildDataset(d, tmpl.DstDataset) {
			continue
		}
		src := tmpl.SrcDataset + "/" + replication.RelPath(d, tmpl.DstDataset)
		if _, ok := tmpl.SrcContext.Snapshots(src); ok && !tmpl.Task.IsExcluded(src) {
			return nil
		}
	}
	return replication.Terminalf(
		"destination %q has non-snapshot data and allow_from_scratch is false", tmpl.DstDataset)
}
