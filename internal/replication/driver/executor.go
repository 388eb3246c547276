// Package driver implements the step executor (spec.md §4.F) and the
// task runner's outer loop (§4.G): the two components that actually
// drive logic.BuildTemplates, logic.EnforcePreflight and logic.Resume
// against a Transport, in the order the rest of the core only
// describes.
//
// Grounded on replication_logic.go's Planner/Step run-loop shape
// (promSecsPerState/promBytesReplicated Prometheus vectors, an
// errgroup-driven per-step execution) and client/monitor/snapshots.go's
// builder-style SnapCheck for the size-growth monitor.
package driver

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sjc-dev/zreplicore/internal/logger"
	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/replication/report"
)

func getLogger(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx).With(slog.String("component", "driver"))
}

// Executor runs one Step: build the transport request, drive the
// process to completion while a SizeMonitor watches the destination,
// then update counters, metrics and readonly state on success.
type Executor struct {
	Provider replication.Provider
	Observer report.Observer
	Global   *replication.GlobalContext

	// SecsPerState and BytesReplicated are optional; a nil vector is
	// simply not observed on.
	SecsPerState    *prometheus.HistogramVec // labels: state
	BytesReplicated *prometheus.CounterVec   // labels: filesystem
}

// Run drives step to completion. On success for an initial step it
// also applies the task's readonly policy to the newly-created
// destination (spec.md §4.F's readonly-enforcement rule), since that
// only needs to happen once per template and the initial step is
// exactly the moment the destination dataset first exists.
func (e *Executor) Run(ctx context.Context, step *replication.Step) error {
	tmpl := step.Template()
	task := tmpl.Task
	key := tmpl.Key()

	log := getLogger(ctx).With(
		slog.String("task", task.ID),
		slog.String("src_dataset", tmpl.SrcDataset),
		slog.String("dst_dataset", tmpl.DstDataset),
		slog.String("snapshot", step.Label()))

	e.emit(report.SnapshotStart{
		TaskID:     task.ID,
		SrcDataset: tmpl.SrcDataset,
		Snapshot:   step.Label(),
		Sent:       e.Global.Sent(key),
		Total:      e.Global.Total(key),
	})

	start := time.Now()

	if err := e.Provider.Unmount(ctx, tmpl.DstContext.Shell, tmpl.DstDataset); err != nil {
		log.Debug("unmount destination before receive failed, continuing anyway",
			slog.String("err", err.Error()))
	}

	local, remote := resolveShells(tmpl, task.Direction)
	transport := remoteTransport(tmpl, task.Direction)

	req := replication.ProcessRequest{
		TaskID:             task.ID,
		Local:              local,
		Remote:             remote,
		Direction:          task.Direction,
		SrcDataset:         tmpl.SrcDataset,
		DstDataset:         tmpl.DstDataset,
		Snapshot:           step.Snapshot(),
		Properties:         task.Properties,
		PropertiesExclude:  task.PropertiesExclude,
		PropertiesOverride: task.PropertiesOverride,
		Replicate:          task.Replicate,
		Encryption:         step.Encryption(),
		IncrementalBase:    step.IncrementalBase(),
		ReceiveResumeToken: step.ResumeToken(),
		Compression:        task.Compression,
		SpeedLimit:         task.SpeedLimit,
		Dedup:              task.Dedup,
		LargeBlock:         task.LargeBlock,
		Embed:              task.Embed,
		Compressed:         task.Compressed,
		EncryptedSource:    task.Properties && tmpl.SrcContext.Encrypted(tmpl.SrcDataset),
	}

	process, err := transport.ReplicationProcess(ctx, req)
	if err != nil {
		return err
	}

	var lastSent, lastTotal uint64
	process.AddProgressObserver(func(sent, total uint64) {
		lastSent, lastTotal = sent, total
		e.emit(report.SnapshotProgress{
			TaskID:     task.ID,
			SrcDataset: tmpl.SrcDataset,
			Snapshot:   step.Label(),
			BytesSent:  sent,
			BytesTotal: total,
		})
	})

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	monitor := NewSizeMonitor(e.Provider, tmpl.DstContext.Shell, tmpl.DstDataset).
		WithProgress(func(used uint64) {
			e.emit(report.DataProgress{TaskID: task.ID, SrcDataset: tmpl.SrcDataset, DstUsed: used})
		})
	go monitor.Run(monitorCtx)

	if err := process.Start(ctx); err != nil {
		return err
	}
	if err := process.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	if e.SecsPerState != nil {
		e.SecsPerState.WithLabelValues(stateForKind(step.Kind())).Observe(elapsed.Seconds())
	}
	if e.BytesReplicated != nil {
		e.BytesReplicated.WithLabelValues(tmpl.SrcDataset).Add(float64(lastSent))
	}
	_ = lastTotal

	e.Global.IncSent(key)
	e.emit(report.SnapshotSuccess{
		TaskID:     task.ID,
		SrcDataset: tmpl.SrcDataset,
		Snapshot:   step.Label(),
		Sent:       e.Global.Sent(key),
		Total:      e.Global.Total(key),
	})

	if step.Kind() == replication.StepInitial {
		if err := e.applyReadonly(ctx, task, tmpl); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) emit(ev report.Event) {
	if e.Observer != nil {
		e.Observer(ev)
	}
}

func stateForKind(kind replication.StepKind) string {
	switch kind {
	case replication.StepInitial:
		return "send_initial"
	case replication.StepResume:
		return "send_resume"
	default:
		return "send_incremental"
	}
}

// applyReadonly implements spec.md §4.F's readonly-enforcement rule:
// once a destination dataset first exists, bring its readonly
// property in line with the task's ReadonlyMode and record the result
// in dstCtx so later preflight checks and retries see it without
// re-querying the provider.
func (e *Executor) applyReadonly(ctx context.Context, task *replication.ReplicationTask, tmpl *replication.StepTemplate) error {
	if task.Readonly != replication.ReadonlySet && task.Readonly != replication.ReadonlyRequire {
		return nil
	}

	dst := tmpl.DstDataset
	parentReadonly, _ := tmpl.DstContext.Readonly(parentOf(dst))
	dstReadonly, dstKnown := tmpl.DstContext.Readonly(dst)

	if parentReadonly && dstKnown && !dstReadonly {
		if err := e.Provider.InheritReadonly(ctx, tmpl.DstContext.Shell, dst); err != nil {
			return err
		}
	}

	tmpl.DstContext.SetReadonly(dst, true)

	if !parentReadonly {
		if err := e.Provider.SetReadonly(ctx, tmpl.DstContext.Shell, dst, true); err != nil {
			return err
		}
	}
	return nil
}

func resolveShells(tmpl *replication.StepTemplate, dir replication.Direction) (local, remote replication.Shell) {
	if dir == replication.DirectionPull {
		return tmpl.DstContext.Shell, tmpl.SrcContext.Shell
	}
	return tmpl.SrcContext.Shell, tmpl.DstContext.Shell
}

// remoteTransport returns whichever side's Transport is non-nil: push
// replicates into a remote destination, pull replicates from a remote
// source, and in both cases it's the remote ReplicationContext that
// carries the real Transport (a local context is constructed with a
// nil one). This sidesteps the obsolete revision's habit of always
// calling dst_context.transport, which breaks for pull.
func remoteTransport(tmpl *replication.StepTemplate, dir replication.Direction) replication.Transport {
	if dir == replication.DirectionPull && tmpl.SrcContext.Transport != nil {
		return tmpl.SrcContext.Transport
	}
	return tmpl.DstContext.Transport
}

func parentOf(dataset string) string {
	idx := strings.LastIndex(dataset, "/")
	if idx < 0 {
		return ""
	}
	return dataset[:idx]
}
