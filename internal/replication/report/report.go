// Package report defines the observer event payloads the task runner
// and step executor emit (spec.md §5's Observer capability) plus a
// small throughput summary built on montanaflynn/stats, the way
// zrepl's own client/status reporting aggregates step timings.
package report

import (
	"time"

	"github.com/montanaflynn/stats"
)

// Event is any of the payload types below. It exists only so a single
// Observer func signature can carry all of them; callers type-switch
// on the concrete type.
type Event interface{ isEvent() }

// TaskStart fires once, the first time a task's first part starts.
type TaskStart struct{ TaskID string }

// TaskSuccess fires once all of a task's parts have sent successfully.
type TaskSuccess struct{ TaskID string }

// TaskError fires when a task's retry budget is exhausted or a
// terminal error aborts it; Message is the last error's text.
type TaskError struct {
	TaskID  string
	Message string
}

// SnapshotStart fires before a step begins sending. Sent/Total are the
// step template's counters at that moment (P5: Sent <= Total always).
type SnapshotStart struct {
	TaskID     string
	SrcDataset string
	Snapshot   string
	Sent       int
	Total      int
}

// SnapshotProgress fires as the transport reports byte counts for the
// in-flight stream.
type SnapshotProgress struct {
	TaskID     string
	SrcDataset string
	Snapshot   string
	BytesSent  uint64
	BytesTotal uint64
}

// SnapshotSuccess fires after a step's sent counter has already been
// incremented.
type SnapshotSuccess struct {
	TaskID     string
	SrcDataset string
	Snapshot   string
	Sent       int
	Total      int
}

// DataProgress is the destination-dataset-size liveness signal a
// SizeMonitor polls for, surfaced as its own event so an observer can
// distinguish "the stream is stalled" from "the stream reported no
// progress yet".
type DataProgress struct {
	TaskID     string
	SrcDataset string
	DstUsed    uint64
}

func (TaskStart) isEvent()        {}
func (TaskSuccess) isEvent()      {}
func (TaskError) isEvent()        {}
func (SnapshotStart) isEvent()    {}
func (SnapshotProgress) isEvent() {}
func (SnapshotSuccess) isEvent()  {}
func (DataProgress) isEvent()     {}

// Observer receives every event the task runner and step executor
// emit, in emission order within one task. The runner and executor
// skip emitting when their Observer is nil.
type Observer func(Event)

// FilesystemInfo summarizes one source dataset's outcome within a
// task, for callers building a run-level summary rather than
// consuming events live.
type FilesystemInfo struct {
	SrcDataset string
	DstDataset string
	Steps      []StepInfo
}

// StepInfo records one completed step for the run summary: what kind
// of send it was and what it cost.
type StepInfo struct {
	From             string
	To               string
	Resumed          bool
	BytesReplicated  uint64
	Duration         time.Duration
}

// Summary accumulates StepInfo across a run so a caller can report
// aggregate throughput at the end, the way zrepl's status client
// rolls up per-step progress into one line per filesystem.
type Summary struct {
	Steps []StepInfo
}

func (s *Summary) Add(info StepInfo) { s.Steps = append(s.Steps, info) }

// ThroughputStats returns the mean and median bytes-per-second across
// every recorded step, and the 95th percentile step duration in
// seconds. It returns an error only if stats has nothing to compute
// over (no steps recorded, or every step had zero duration).
func (s *Summary) ThroughputStats() (meanBps, medianBps, p95DurationSeconds float64, err error) {
	rates := make([]float64, 0, len(s.Steps))
	durations := make([]float64, 0, len(s.Steps))
	for _, step := range s.Steps {
		secs := step.Duration.Seconds()
		durations = append(durations, secs)
		if secs > 0 {
			rates = append(rates, float64(step.BytesReplicated)/secs)
		}
	}

	meanBps, err = stats.Mean(rates)
	if err != nil {
		return 0, 0, 0, err
	}
	medianBps, err = stats.Median(rates)
	if err != nil {
		return 0, 0, 0, err
	}
	p95DurationSeconds, err = stats.Percentile(durations, 95)
	if err != nil {
		return 0, 0, 0, err
	}
	return meanBps, medianBps, p95DurationSeconds, nil
}
