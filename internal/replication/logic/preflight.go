package logic

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/sjc-dev/zreplicore/internal/replication"
)

// EnforcePreflight runs the pre-flight invariant enforcer (spec.md
// §4.D) once per (source dataset, destination dataset) pair before
// planning: type match, encrypted-empty-target disposal and the
// REQUIRE-readonly gate. Parent creation (§4.D's third rule) happens
// lazily in the task runner right before the first send that would
// create dstDataset, since it only matters for sends that actually
// occur.
func EnforcePreflight(ctx context.Context, provider replication.Provider, task *replication.ReplicationTask, srcDataset, dstDataset string, srcCtx, dstCtx *replication.ReplicationContext) error {
	if err := enforceTypeMatch(ctx, provider, srcDataset, dstDataset, srcCtx, dstCtx); err != nil {
		return err
	}
	if err := disposeEncryptedEmptyTarget(ctx, provider, task, dstDataset, dstCtx); err != nil {
		return err
	}
	return requireReadonlyGate(task, dstDataset, dstCtx)
}

func enforceTypeMatch(ctx context.Context, provider replication.Provider, srcDataset, dstDataset string, srcCtx, dstCtx *replication.ReplicationContext) error {
	srcType, err := provider.GetProperty(ctx, srcCtx.Shell, srcDataset, "type")
	if err != nil {
		if errors.Is(err, replication.ErrDatasetDoesNotExist) {
			return nil // nothing to plan anyway; the runner will see no snapshots
		}
		return err
	}

	dstType, err := provider.GetProperty(ctx, dstCtx.Shell, dstDataset, "type")
	if err != nil {
		if errors.Is(err, replication.ErrDatasetDoesNotExist) {
			return nil
		}
		return err
	}

	if srcType != dstType {
		return replication.Terminalf(
			"source %q is a %s, destination %q already exists as a %s",
			srcDataset, srcType, dstDataset, dstType)
	}
	return nil
}

// disposeEncryptedEmptyTarget implements spec.md §4.D's second rule.
func disposeEncryptedEmptyTarget(ctx context.Context, provider replication.Provider, task *replication.ReplicationTask, dstDataset string, dstCtx *replication.ReplicationContext) error {
	props, err := provider.GetProperties(ctx, dstCtx.Shell, dstDataset, []string{"encryption", "encryptionroot"})
	encryption, encryptionroot := "off", ""
	switch {
	case err == nil:
		encryption, encryptionroot = props["encryption"], props["encryptionroot"]
		if encryption == "" {
			encryption = "off"
		}
	case errors.Is(err, replication.ErrDatasetDoesNotExist):
		return nil // nothing to dispose of
	case errors.Is(err, replication.ErrEncryptionUnsupported):
		// treated as encryption=off, per spec.md §6
	default:
		return err
	}

	if task.Encryption != nil && encryption == "off" {
		return replication.Terminalf(
			"destination %q is encryption=off but task requests encryption", dstDataset)
	}

	if snaps, ok := dstCtx.Snapshots(dstDataset); ok && len(snaps) > 0 {
		return nil
	}
	if _, hasToken := dstCtx.ResumeToken(dstDataset); hasToken {
		return nil
	}
	if encryption == "off" {
		return nil
	}
	if encryptionroot == dstDataset {
		return replication.Terminalf(
			"destination %q is its own encryption root; unsupported, parent must be the encryption root", dstDataset)
	}

	used, err := provider.DatasetUsedBytes(ctx, dstCtx.Shell, dstDataset)
	if err != nil {
		if errors.Is(err, replication.ErrDatasetNotMounted) {
			return nil
		}
		return err
	}
	if used > 0 {
		return nil
	}

	if err := provider.DestroyDataset(ctx, dstCtx.Shell, dstDataset); err != nil {
		return err
	}
	dstCtx.Forget(dstDataset)
	getLogger(ctx).Info("destroyed empty encrypted destination before replication",
		slog.String("dataset", dstDataset))
	return nil
}

func requireReadonlyGate(task *replication.ReplicationTask, dstDataset string, dstCtx *replication.ReplicationContext) error {
	if task.Readonly != replication.ReadonlyRequire {
		return nil
	}
	if ro, ok := dstCtx.Readonly(dstDataset); ok && !ro {
		return replication.Terminalf(
			"refusing to replicate into %q: task requires a readonly destination but it is currently writable",
			dstDataset)
	}
	return nil
}

// EnsureParentCreated creates dstDataset's parent (and any missing
// ancestors) if it does not already exist, including a top-level
// parent such as "backup" for "backup/data". It is a no-op for a
// top-level dataset, which has no parent.
func EnsureParentCreated(ctx context.Context, provider replication.Provider, shell replication.Shell, dstDataset string) error {
	parent := parentOf(dstDataset)
	if parent == "" {
		return nil
	}
	return ensureDatasetChain(ctx, provider, shell, parent)
}

func ensureDatasetChain(ctx context.Context, provider replication.Provider, shell replication.Shell, dataset string) error {
	_, err := provider.GetProperty(ctx, shell, dataset, "type")
	if err == nil {
		return nil
	}
	if !errors.Is(err, replication.ErrDatasetDoesNotExist) {
		return err
	}
	if parent := parentOf(dataset); parent != "" {
		if err := ensureDatasetChain(ctx, provider, shell, parent); err != nil {
			return err
		}
	}
	return provider.CreateDataset(ctx, shell, dataset)
}

func parentOf(dataset string) string {
	idx := strings.LastIndex(dataset, "/")
	if idx < 0 {
		return ""
	}
	return dataset[:idx]
}
