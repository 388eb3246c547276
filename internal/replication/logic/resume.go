package logic

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/replication/planner"
)

// obsoleteTokenMarkers are the substrings of a provider error that
// mean a receive-resume token no longer applies (spec.md §4.E).
var obsoleteTokenMarkers = []string{
	"used in the initial send no longer exists",
	"destination has snapshots",
}

// RunStepFunc executes one step (normally driver.Executor.Run); it is
// injected here so the resumer doesn't need to import the driver
// package. Like driver.Executor.Run, run increments the template's
// sent counter when the step succeeds; Resume itself only adds to
// the total.
type RunStepFunc func(ctx context.Context, step *replication.Step) error

// Resume implements spec.md §4.E. If tmpl's destination carries a
// receive-resume token, it runs one resume-mode step. On success it
// reports resumed=true so the caller refreshes snapshot lists and
// re-plans. On an obsolete-token error it discards the token (zfs
// recv -A, zero the template's counters) and reports resumed=false,
// err=nil so the caller proceeds to a fresh plan. Any other error
// propagates. If there is no resume token at all, it is a no-op.
func Resume(ctx context.Context, provider replication.Provider, parser replication.NameParser, global *replication.GlobalContext, tmpl *replication.StepTemplate, should planner.Predicate, run RunStepFunc) (resumed bool, err error) {
	token, ok := tmpl.DstContext.ResumeToken(tmpl.DstDataset)
	if !ok {
		return false, nil
	}

	log := getLogger(ctx).With(
		slog.String("src_dataset", tmpl.SrcDataset),
		slog.String("dst_dataset", tmpl.DstDataset))

	srcNames, _ := tmpl.SrcContext.Snapshots(tmpl.SrcDataset)
	dstNames, _ := tmpl.DstContext.Snapshots(tmpl.DstDataset)
	planned := planner.Plan(srcNames, dstNames, tmpl.Task, parser, should)

	label := ""
	if len(planned.SnapshotsToSend) > 0 {
		label = planned.SnapshotsToSend[0]
	} else {
		log.Warn("resuming with unknown snapshot label; this is a degraded case and may under-report progress")
	}

	key := tmpl.Key()
	global.AddTotal(key, 1)

	step := replication.NewResumeStep(tmpl, token, label)
	if runErr := run(ctx, step); runErr != nil {
		if isObsoleteToken(runErr) {
			if abortErr := provider.AbortReceive(ctx, tmpl.DstContext.Shell, tmpl.DstDataset); abortErr != nil {
				return false, abortErr
			}
			tmpl.DstContext.ClearResumeToken(tmpl.DstDataset)
			global.Zero(key)
			log.Info("discarded obsolete resume token, replanning from scratch")
			return false, nil
		}
		return false, runErr
	}

	return true, nil
}

func isObsoleteToken(err error) bool {
	msg := err.Error()
	for _, marker := range obsoleteTokenMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
