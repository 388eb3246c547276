package logic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/replication/logic"
)

type dailyParser struct{}

func (dailyParser) Parse(name string, schemas []string) (time.Time, string, bool) {
	for _, schema := range schemas {
		if schema != "auto-%Y-%m-%d" {
			continue
		}
		if t, err := time.Parse("auto-2006-01-02", name); err == nil {
			return t, schema, true
		}
	}
	return time.Time{}, "", false
}

type fakeShell string

func (s fakeShell) Exec(context.Context, ...string) ([]byte, error) { return nil, nil }

// fakeProvider is a minimal in-memory Provider exercising only the
// methods the step template builder, pre-flight enforcer and resumer
// call.
type fakeProvider struct {
	exists      map[string]bool
	snapshots   map[string][]string
	readonly    map[string]bool
	resumeToken map[string]string
	datasetType map[string]string
	usedBytes   map[string]uint64
	properties  map[string]map[string]string

	destroyed []string
	aborted   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		exists:      map[string]bool{},
		snapshots:   map[string][]string{},
		readonly:    map[string]bool{},
		resumeToken: map[string]string{},
		datasetType: map[string]string{},
		usedBytes:   map[string]uint64{},
		properties:  map[string]map[string]string{},
	}
}

func (p *fakeProvider) addDataset(dataset, kind string, snaps ...string) {
	p.exists[dataset] = true
	p.datasetType[dataset] = kind
	p.snapshots[dataset] = append([]string{}, snaps...)
}

func (p *fakeProvider) ListDatasets(_ context.Context, _ replication.Shell, root string, recursive bool) ([]string, error) {
	var out []string
	for d := range p.exists {
		if d == root || (recursive && replication.IsChildDataset(d, root)) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (p *fakeProvider) ListSnapshots(_ context.Context, _ replication.Shell, root string, recursive bool) ([]replication.Snapshot, error) {
	var out []replication.Snapshot
	for d, names := range p.snapshots {
		if d != root && !(recursive && replication.IsChildDataset(d, root)) {
			continue
		}
		for _, n := range names {
			out = append(out, replication.Snapshot{Dataset: d, Name: n})
		}
	}
	return out, nil
}

func (p *fakeProvider) ListDatasetsWithProperties(_ context.Context, _ replication.Shell, root string, recursive bool) ([]replication.DatasetProperties, error) {
	if !p.exists[root] {
		return nil, replication.ErrDatasetDoesNotExist
	}
	var out []replication.DatasetProperties
	for d := range p.exists {
		if d == root || (recursive && replication.IsChildDataset(d, root)) {
			out = append(out, replication.DatasetProperties{
				Name:        d,
				Readonly:    p.readonly[d],
				ResumeToken: p.resumeToken[d],
			})
		}
	}
	return out, nil
}

func (p *fakeProvider) GetProperty(_ context.Context, _ replication.Shell, dataset, prop string) (string, error) {
	if !p.exists[dataset] {
		return "", replication.ErrDatasetDoesNotExist
	}
	if prop == "type" {
		return p.datasetType[dataset], nil
	}
	return p.properties[dataset][prop], nil
}

func (p *fakeProvider) GetProperties(_ context.Context, _ replication.Shell, dataset string, propSchema []string) (map[string]string, error) {
	if !p.exists[dataset] {
		return nil, replication.ErrDatasetDoesNotExist
	}
	out := map[string]string{}
	for _, prop := range propSchema {
		out[prop] = p.properties[dataset][prop]
	}
	return out, nil
}

func (p *fakeProvider) CreateDataset(_ context.Context, _ replication.Shell, name string) error {
	p.exists[name] = true
	p.datasetType[name] = "FILESYSTEM"
	return nil
}

func (p *fakeProvider) DestroyDataset(_ context.Context, _ replication.Shell, dataset string) error {
	delete(p.exists, dataset)
	p.destroyed = append(p.destroyed, dataset)
	return nil
}

func (p *fakeProvider) DestroySnapshots(context.Context, replication.Shell, []replication.Snapshot) error {
	return nil
}

func (p *fakeProvider) DatasetUsedBytes(_ context.Context, _ replication.Shell, dataset string) (uint64, error) {
	return p.usedBytes[dataset], nil
}

func (p *fakeProvider) Unmount(context.Context, replication.Shell, string) error { return nil }

func (p *fakeProvider) AbortReceive(_ context.Context, _ replication.Shell, dataset string) error {
	p.aborted = append(p.aborted, dataset)
	delete(p.resumeToken, dataset)
	return nil
}

func (p *fakeProvider) InheritReadonly(_ context.Context, _ replication.Shell, dataset string) error {
	p.readonly[dataset] = false
	return nil
}

func (p *fakeProvider) SetReadonly(_ context.Context, _ replication.Shell, dataset string, on bool) error {
	p.readonly[dataset] = on
	return nil
}

func baseTask() *replication.ReplicationTask {
	return &replication.ReplicationTask{
		ID:                      "t1",
		SourceDatasets:          []string{"tank/data"},
		TargetDataset:           "backup/data",
		Recursive:               true,
		RecognizedNamingSchemas: []string{"auto-%Y-%m-%d"},
		Properties:              true,
	}
}

func TestBuildTemplates_RecursiveReplicateEmitsOneRootTemplate(t *testing.T) {
	task := baseTask()
	task.Replicate = true

	provider := newFakeProvider()
	provider.addDataset("tank/data", "FILESYSTEM", "auto-2024-01-01")
	provider.addDataset("tank/data/child", "FILESYSTEM", "auto-2024-01-01")
	provider.addDataset("backup/data", "FILESYSTEM")

	srcCtx := replication.NewReplicationContext(fakeShell("src"), nil)
	dstCtx := replication.NewReplicationContext(fakeShell("dst"), nil)

	templates, err := logic.BuildTemplates(t.Context(), provider, task, "tank/data", srcCtx, dstCtx)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "tank/data", templates[0].SrcDataset)
	assert.Equal(t, "backup/data", templates[0].DstDataset)
}

func TestBuildTemplates_NonRecursiveReplicateEmitsPerDatasetTemplates(t *testing.T) {
	task := baseTask()
	task.Replicate = false
	task.Exclude = map[string]struct{}{"tank/data/skip": {}}

	provider := newFakeProvider()
	provider.addDataset("tank/data", "FILESYSTEM", "auto-2024-01-01")
	provider.addDataset("tank/data/child", "FILESYSTEM", "auto-2024-01-01")
	provider.addDataset("tank/data/skip", "FILESYSTEM", "auto-2024-01-01")

	srcCtx := replication.NewReplicationContext(fakeShell("src"), nil)
	dstCtx := replication.NewReplicationContext(fakeShell("dst"), nil)

	templates, err := logic.BuildTemplates(t.Context(), provider, task, "tank/data", srcCtx, dstCtx)
	require.NoError(t, err)

	var got []string
	for _, tmpl := range templates {
		got = append(got, tmpl.SrcDataset)
	}
	assert.ElementsMatch(t, []string{"tank/data", "tank/data/child"}, got)
}

func TestEnforcePreflight_RejectsTypeMismatch(t *testing.T) {
	task := baseTask()

	provider := newFakeProvider()
	provider.addDataset("tank/data", "FILESYSTEM")
	provider.addDataset("backup/data", "VOLUME")

	srcCtx := replication.NewReplicationContext(fakeShell("src"), nil)
	dstCtx := replication.NewReplicationContext(fakeShell("dst"), nil)
	require.NoError(t, populate(t, provider, srcCtx, "tank/data"))
	require.NoError(t, populate(t, provider, dstCtx, "backup/data"))

	err := logic.EnforcePreflight(t.Context(), provider, task, "tank/data", "backup/data", srcCtx, dstCtx)
	require.Error(t, err)
	var term *replication.TerminalError
	assert.ErrorAs(t, err, &term)
}

func TestEnforcePreflight_DestroysEmptyEncryptedTarget(t *testing.T) {
	task := baseTask()

	provider := newFakeProvider()
	provider.addDataset("tank/data", "FILESYSTEM")
	provider.addDataset("backup/data", "FILESYSTEM")
	provider.properties["backup/data"] = map[string]string{"encryption": "aes-256-gcm", "encryptionroot": "backup"}
	provider.usedBytes["backup/data"] = 0

	srcCtx := replication.NewReplicationContext(fakeShell("src"), nil)
	dstCtx := replication.NewReplicationContext(fakeShell("dst"), nil)
	require.NoError(t, populate(t, provider, srcCtx, "tank/data"))
	require.NoError(t, populate(t, provider, dstCtx, "backup/data"))

	err := logic.EnforcePreflight(t.Context(), provider, task, "tank/data", "backup/data", srcCtx, dstCtx)
	require.NoError(t, err)
	assert.Contains(t, provider.destroyed, "backup/data")
}

func TestEnforcePreflight_RequireReadonlyRejectsWritableTarget(t *testing.T) {
	task := baseTask()
	task.Readonly = replication.ReadonlyRequire

	provider := newFakeProvider()
	provider.addDataset("tank/data", "FILESYSTEM")
	provider.addDataset("backup/data", "FILESYSTEM")
	provider.readonly["backup/data"] = false

	srcCtx := replication.NewReplicationContext(fakeShell("src"), nil)
	dstCtx := replication.NewReplicationContext(fakeShell("dst"), nil)
	require.NoError(t, populate(t, provider, srcCtx, "tank/data"))
	require.NoError(t, populate(t, provider, dstCtx, "backup/data"))

	err := logic.EnforcePreflight(t.Context(), provider, task, "tank/data", "backup/data", srcCtx, dstCtx)
	require.Error(t, err)
}

func TestEnsureParentCreated_CreatesMissingAncestors(t *testing.T) {
	provider := newFakeProvider()
	provider.addDataset("tank", "FILESYSTEM")

	err := logic.EnsureParentCreated(t.Context(), provider, fakeShell("src"), "tank/a/b")
	require.NoError(t, err)
	assert.True(t, provider.exists["tank/a"])
}

func TestResume_NoTokenIsNoop(t *testing.T) {
	task := baseTask()
	tmpl := &replication.StepTemplate{
		Task:       task,
		SrcContext: replication.NewReplicationContext(fakeShell("src"), nil),
		DstContext: replication.NewReplicationContext(fakeShell("dst"), nil),
		SrcDataset: "tank/data",
		DstDataset: "backup/data",
	}
	global := replication.NewGlobalContext()

	resumed, err := logic.Resume(t.Context(), newFakeProvider(), dailyParser{}, global, tmpl, nil, func(context.Context, *replication.Step) error {
		t.Fatal("run should not be called without a resume token")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestResume_SuccessfulResumeIncrementsSent(t *testing.T) {
	task := baseTask()
	srcCtx := replication.NewReplicationContext(fakeShell("src"), nil)
	dstCtx := replication.NewReplicationContext(fakeShell("dst"), nil)
	srcCtx.SetSnapshots("tank/data", []string{"auto-2024-01-01"})
	dstCtx.SetSnapshots("backup/data", nil)
	dstCtx.SetResumeToken("backup/data", "1-abc-def")

	tmpl := &replication.StepTemplate{
		Task: task, SrcContext: srcCtx, DstContext: dstCtx,
		SrcDataset: "tank/data", DstDataset: "backup/data",
	}
	global := replication.NewGlobalContext()

	var ranKind replication.StepKind
	resumed, err := logic.Resume(t.Context(), newFakeProvider(), dailyParser{}, global, tmpl, nil,
		func(_ context.Context, step *replication.Step) error {
			ranKind = step.Kind()
			// stands in for driver.Executor.Run, which counts the sent step
			global.IncSent(step.Template().Key())
			return nil
		})
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, replication.StepResume, ranKind)
	assert.Equal(t, 1, global.Sent(tmpl.Key()))
}

func TestResume_ObsoleteTokenAbortsAndReplans(t *testing.T) {
	task := baseTask()
	srcCtx := replication.NewReplicationContext(fakeShell("src"), nil)
	dstCtx := replication.NewReplicationContext(fakeShell("dst"), nil)
	srcCtx.SetSnapshots("tank/data", []string{"auto-2024-01-01"})
	dstCtx.SetResumeToken("backup/data", "1-abc-def")

	tmpl := &replication.StepTemplate{
		Task: task, SrcContext: srcCtx, DstContext: dstCtx,
		SrcDataset: "tank/data", DstDataset: "backup/data",
	}
	global := replication.NewGlobalContext()
	global.AddTotal(tmpl.Key(), 1)

	provider := newFakeProvider()
	resumed, err := logic.Resume(t.Context(), provider, dailyParser{}, global, tmpl, nil,
		func(context.Context, *replication.Step) error {
			return replication.Terminalf("used in the initial send no longer exists")
		})
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Contains(t, provider.aborted, "backup/data")
	_, hasToken := dstCtx.ResumeToken("backup/data")
	assert.False(t, hasToken)
}

func populate(t *testing.T, provider *fakeProvider, ctx *replication.ReplicationContext, dataset string) error {
	t.Helper()
	snaps, err := provider.ListSnapshots(context.Background(), ctx.Shell, dataset, true)
	if err != nil {
		return err
	}
	names := make([]string, len(snaps))
	for i, s := range snaps {
		names[i] = s.Name
	}
	ctx.SetSnapshots(dataset, names)
	ctx.SetReadonly(dataset, provider.readonly[dataset])
	return nil
}
