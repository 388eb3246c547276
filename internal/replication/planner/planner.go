// Package planner implements the snapshot planner (spec.md §4.B):
// given raw snapshot name lists for both sides of a dataset and a
// task, it produces the incremental base (if any) and an ordered,
// retention-pre-pruned send list.
//
// Grounded on zettarepl/replication/run.py's get_snapshots_to_send:
// the sort key (datetime, name), the incremental base as the maximum
// of the src∩dst intersection, and the retention pre-pruning against
// the maximum datetime among all parsed source snapshots.
package planner

import (
	"sort"
	"time"

	"github.com/sjc-dev/zreplicore/internal/replication"
)

// farFuture stands in for "no source snapshots" in the retention
// reference time, mirroring spec.md §4.B's "datetime::max if there
// are none".
var farFuture = time.Unix(1<<61, 0)

// Result is the planner's output.
type Result struct {
	IncrementalBase    string
	HasIncrementalBase bool
	SnapshotsToSend    []string
}

// Predicate is the per-task "should replicate" filter (schedule
// restrictions, only-matching-schedule) spec.md §4.B.3 names as
// external to the core. A nil predicate replicates everything that
// otherwise qualifies.
type Predicate func(replication.ParsedSnapshot) bool

// Plan runs the algorithm of spec.md §4.B.
func Plan(srcNames, dstNames []string, task *replication.ReplicationTask, parser replication.NameParser, should Predicate) Result {
	parsedSrc := parseAll(srcNames, task.RecognizedNamingSchemas, parser)
	parsedDst := parseAll(dstNames, task.RecognizedNamingSchemas, parser)

	if len(parsedSrc) == 0 {
		return Result{}
	}

	base, hasBase := incrementalBase(parsedSrc, parsedDst)

	sort.SliceStable(parsedSrc, func(i, j int) bool { return parsedSrc[i].Less(parsedSrc[j]) })

	refTime := farFuture
	haveRefTime := false
	for _, p := range parsedSrc {
		if !haveRefTime || p.DateTime.After(refTime) {
			refTime = p.DateTime
			haveRefTime = true
		}
	}

	candidates := make([]replication.ParsedSnapshot, 0, len(parsedSrc))
	for _, p := range parsedSrc {
		if hasBase && !base.Less(p) {
			continue // not strictly newer than the base
		}
		if should != nil && !should(p) {
			continue
		}
		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		return Result{IncrementalBase: base.Name, HasIncrementalBase: hasBase}
	}

	toDelete := map[string]struct{}{}
	if task.RetentionPolicy != nil {
		for _, p := range task.RetentionPolicy(refTime, candidates) {
			toDelete[p.Name] = struct{}{}
		}
	}

	sendList := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if _, pruned := toDelete[p.Name]; pruned {
			continue
		}
		sendList = append(sendList, p.Name)
	}

	return Result{
		IncrementalBase:    base.Name,
		HasIncrementalBase: hasBase,
		SnapshotsToSend:    sendList,
	}
}

func parseAll(names, schemas []string, parser replication.NameParser) []replication.ParsedSnapshot {
	out := make([]replication.ParsedSnapshot, 0, len(names))
	for _, name := range names {
		t, schema, ok := parser.Parse(name, schemas)
		if !ok {
			continue // unparseable names are dropped
		}
		out = append(out, replication.ParsedSnapshot{
			Snapshot: replication.Snapshot{Name: name},
			DateTime: t,
			Schema:   schema,
		})
	}
	return out
}

// incrementalBase returns the maximum, by (datetime, name), of the
// src∩dst intersection (matched by name+schema so the same name under
// two schemas does not double-count).
func incrementalBase(src, dst []replication.ParsedSnapshot) (replication.ParsedSnapshot, bool) {
	dstSet := make(map[string]replication.ParsedSnapshot, len(dst))
	for _, p := range dst {
		dstSet[p.Name+"\x00"+p.Schema] = p
	}

	var best replication.ParsedSnapshot
	found := false
	for _, p := range src {
		if _, ok := dstSet[p.Name+"\x00"+p.Schema]; !ok {
			continue
		}
		if !found || best.Less(p) {
			best = p
			found = true
		}
	}
	return best, found
}
