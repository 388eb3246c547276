// Package logic implements the step template builder (spec.md §4.C),
// the pre-flight invariant enforcer (§4.D) and the resumer (§4.E): the
// three components the task runner drives, in order, for each part.
//
// Grounded on replication_logic.go's doPlanning/listBothVersions
// (errgroup-parallel listing, "needReceiverVersions" skip-if-absent)
// for the template builder shape; the resume-token semantics come
// from spec.md §4.E directly, since the teacher's own resume model is
// GUID/bookmark based rather than name/schema based.
package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sjc-dev/zreplicore/internal/logger"
	"github.com/sjc-dev/zreplicore/internal/replication"
)

func getLogger(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx).With(slog.String("component", "logic"))
}

// BuildTemplates implements spec.md §4.C for one source dataset of a
// task: it populates srcCtx from the provider, decides which source
// datasets get their own step template, resolves each target dataset
// against dstCtx, and returns the resulting templates in a stable
// (lexicographic) order.
func BuildTemplates(ctx context.Context, provider replication.Provider, task *replication.ReplicationTask, sourceDataset string, srcCtx, dstCtx *replication.ReplicationContext) ([]*replication.StepTemplate, error) {
	log := getLogger(ctx).With(slog.String("source_dataset", sourceDataset))

	if err := populateSource(ctx, provider, task, sourceDataset, srcCtx); err != nil {
		return nil, fmt.Errorf("populate source context: %w", err)
	}

	var srcDatasets []string
	if task.Replicate {
		// The transport will send a recursive stream: emit only the
		// root template (spec.md §4.C.2).
		srcDatasets = []string{sourceDataset}
	} else {
		srcDatasets = srcCtx.Datasets()
		sort.Strings(srcDatasets)
	}

	templates := make([]*replication.StepTemplate, 0, len(srcDatasets))
	for _, srcDataset := range srcDatasets {
		if task.IsExcluded(srcDataset) {
			continue
		}

		targetDataset := replication.TargetDataset(task, srcDataset, sourceDataset)
		if err := populateDestination(ctx, provider, dstCtx, targetDataset); err != nil {
			return nil, fmt.Errorf("populate destination context for %q: %w", targetDataset, err)
		}

		templates = append(templates, &replication.StepTemplate{
			Task:       task,
			SrcContext: srcCtx,
			DstContext: dstCtx,
			SrcDataset: srcDataset,
			DstDataset: targetDataset,
		})
	}
	log.Debug("built step templates", slog.Int("count", len(templates)))
	return templates, nil
}

// populateSource lists datasets rooted at sourceDataset (recursive per
// task) with their snapshot lists, and — if task.Properties is set —
// each dataset's encryption property, fanned out with errgroup the
// way replication_logic.go fans out its two-sided listing.
func populateSource(ctx context.Context, provider replication.Provider, task *replication.ReplicationTask, sourceDataset string, srcCtx *replication.ReplicationContext) error {
	names, err := provider.ListDatasets(ctx, srcCtx.Shell, sourceDataset, task.Recursive)
	if err != nil {
		return fmt.Errorf("list datasets: %w", err)
	}

	snaps, err := provider.ListSnapshots(ctx, srcCtx.Shell, sourceDataset, task.Recursive)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	byDataset := make(map[string][]string, len(names))
	for _, name := range names {
		byDataset[name] = nil
	}
	for _, s := range snaps {
		byDataset[s.Dataset] = append(byDataset[s.Dataset], s.Name)
	}
	for name, list := range byDataset {
		srcCtx.SetSnapshots(name, list)
	}

	if !task.Properties {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			enc, err := provider.GetProperty(gctx, srcCtx.Shell, name, "encryption")
			if err != nil {
				if errors.Is(err, replication.ErrDatasetDoesNotExist) {
					return nil
				}
				return fmt.Errorf("get encryption of %q: %w", name, err)
			}
			srcCtx.SetEncrypted(name, enc != "" && enc != "off")
			return nil
		})
	}
	return g.Wait()
}

// populateDestination lists the destination tree rooted at
// targetDataset with readonly/resume-token properties. A missing
// target dataset is not an error: it simply leaves dstCtx unpopulated
// for that subtree (spec.md §4.C.4).
func populateDestination(ctx context.Context, provider replication.Provider, dstCtx *replication.ReplicationContext, targetDataset string) error {
	rows, err := provider.ListDatasetsWithProperties(ctx, dstCtx.Shell, targetDataset, true)
	if err != nil {
		if errors.Is(err, replication.ErrDatasetDoesNotExist) {
			return nil
		}
		return err
	}
	for _, row := range rows {
		snaps, err := provider.ListSnapshots(ctx, dstCtx.Shell, row.Name, false)
		if err != nil {
			return fmt.Errorf("list snapshots of %q: %w", row.Name, err)
		}
		names := make([]string, len(snaps))
		for i, s := range snaps {
			names[i] = s.Name
		}
		dstCtx.SetSnapshots(row.Name, names)
		dstCtx.SetReadonly(row.Name, row.Readonly)
		dstCtx.SetResumeToken(row.Name, row.ResumeToken) // "-" normalized to absent
	}
	return nil
}
