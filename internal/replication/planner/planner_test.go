package planner_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/replication/planner"
)

// dailyParser recognizes names of the form "auto-YYYY-MM-DD" against
// the single schema "auto-%Y-%m-%d", the way spec.md's S1 scenario
// does.
type dailyParser struct{}

func (dailyParser) Parse(name string, schemas []string) (time.Time, string, bool) {
	for _, schema := range schemas {
		if schema != "auto-%Y-%m-%d" {
			continue
		}
		t, err := time.Parse("auto-2006-01-02", name)
		if err == nil {
			return t, schema, true
		}
	}
	return time.Time{}, "", false
}

func task(t *testing.T, opts ...func(*replication.ReplicationTask)) *replication.ReplicationTask {
	t.Helper()
	tsk := &replication.ReplicationTask{
		ID:                      "task1",
		RecognizedNamingSchemas: []string{"auto-%Y-%m-%d"},
		AllowFromScratch:        true,
	}
	for _, opt := range opts {
		opt(tsk)
	}
	return tsk
}

func TestPlan_FirstTimePush(t *testing.T) {
	// S1: no shared base, both source snapshots ship.
	res := planner.Plan(
		[]string{"auto-2024-01-01", "auto-2024-01-02"},
		nil,
		task(t), dailyParser{}, nil)

	assert.False(t, res.HasIncrementalBase)
	assert.Equal(t, []string{"auto-2024-01-01", "auto-2024-01-02"}, res.SnapshotsToSend)
}

func TestPlan_IncrementalWithSharedBase(t *testing.T) {
	// S2: src=[s1,s2,s3,s4], dst=[s1,s2] -> base=s2, send=[s3,s4]
	src := []string{"auto-2024-01-01", "auto-2024-01-02", "auto-2024-01-03", "auto-2024-01-04"}
	dst := []string{"auto-2024-01-01", "auto-2024-01-02"}

	res := planner.Plan(src, dst, task(t), dailyParser{}, nil)

	require.True(t, res.HasIncrementalBase)
	assert.Equal(t, "auto-2024-01-02", res.IncrementalBase)
	assert.Equal(t, []string{"auto-2024-01-03", "auto-2024-01-04"}, res.SnapshotsToSend)
}

func TestPlan_NoSourceSnapshots(t *testing.T) {
	// B1/edge case: no src snapshots -> (none, []).
	res := planner.Plan(nil, []string{"auto-2024-01-01"}, task(t), dailyParser{}, nil)
	assert.False(t, res.HasIncrementalBase)
	assert.Empty(t, res.SnapshotsToSend)
}

func TestPlan_DestinationHasSnapshotsNoCommonBase(t *testing.T) {
	// B2 shape at the planner level: dst has snapshots unrelated to
	// src, so no common base is found; the planner still returns all
	// src candidates and leaves the from-scratch decision to the
	// caller.
	res := planner.Plan(
		[]string{"auto-2024-02-01"},
		[]string{"auto-2024-01-01"},
		task(t), dailyParser{}, nil)

	assert.False(t, res.HasIncrementalBase)
	assert.Equal(t, []string{"auto-2024-02-01"}, res.SnapshotsToSend)
}

func TestPlan_RetentionPrePruning(t *testing.T) {
	// P2: a candidate the retention policy would immediately destroy
	// is never sent.
	tsk := task(t, func(tk *replication.ReplicationTask) {
		tk.RetentionPolicy = func(refTime time.Time, candidates []replication.ParsedSnapshot) []replication.ParsedSnapshot {
			var doomed []replication.ParsedSnapshot
			for _, c := range candidates {
				if c.Name == "auto-2024-01-02" {
					doomed = append(doomed, c)
				}
			}
			return doomed
		}
	})

	res := planner.Plan(
		[]string{"auto-2024-01-01", "auto-2024-01-02", "auto-2024-01-03"},
		nil, tsk, dailyParser{}, nil)

	assert.Equal(t, []string{"auto-2024-01-01", "auto-2024-01-03"}, res.SnapshotsToSend)
}

func TestPlan_UnparseableNamesDropped(t *testing.T) {
	res := planner.Plan(
		[]string{"auto-2024-01-01", "not-a-snapshot-name"},
		nil, task(t), dailyParser{}, nil)

	assert.Equal(t, []string{"auto-2024-01-01"}, res.SnapshotsToSend)
}

func TestPlan_Idempotent(t *testing.T) {
	// P3
	src := []string{"auto-2024-01-01", "auto-2024-01-02", "auto-2024-01-03"}
	dst := []string{"auto-2024-01-01"}
	tsk := task(t)

	first := planner.Plan(src, dst, tsk, dailyParser{}, nil)
	second := planner.Plan(src, dst, tsk, dailyParser{}, nil)
	assert.Equal(t, first, second)
}

func TestPlan_Predicate(t *testing.T) {
	only01 := func(p replication.ParsedSnapshot) bool { return p.Name == "auto-2024-01-01" }
	res := planner.Plan(
		[]string{"auto-2024-01-01", "auto-2024-01-02"},
		nil, task(t), dailyParser{}, only01)
	assert.Equal(t, []string{"auto-2024-01-01"}, res.SnapshotsToSend)
}
