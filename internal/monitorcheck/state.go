// Package monitorcheck turns a Runner's report.Observer events into a
// Nagios-style health check, the outer caller's answer to "is
// replication still healthy" that spec.md leaves unspecified (item
// v). Grounded on client/monitor/snapshots.go's SnapCheck: a
// self-receiver builder (WithX(...) *T) feeding a
// github.com/dsh2dsh/go-monitoringplugin/v2 Response, evaluating
// staleness/failure instead of snapshot age.
package monitorcheck

import (
	"sync"
	"time"

	"github.com/sjc-dev/zreplicore/internal/replication/report"
)

// TaskStatus is one task's most recently observed outcome.
type TaskStatus struct {
	LastRun   time.Time
	LastError string // empty means the most recent run succeeded
}

// State accumulates report.Event history into per-task status,
// concurrency-safe since a Runner emits from its own goroutine while
// a health check endpoint reads it from another.
type State struct {
	mu     sync.Mutex
	status map[string]TaskStatus
}

// NewState returns an empty State ready to observe events.
func NewState() *State {
	return &State{status: make(map[string]TaskStatus)}
}

// Observer returns a report.Observer that feeds this State; pass it
// as a driver.Runner's Observer (or chain it alongside another one).
func (s *State) Observer() report.Observer {
	return func(ev report.Event) {
		switch e := ev.(type) {
		case report.TaskSuccess:
			s.record(e.TaskID, "")
		case report.TaskError:
			s.record(e.TaskID, e.Message)
		}
	}
}

func (s *State) record(taskID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[taskID] = TaskStatus{LastRun: now(), LastError: errMsg}
}

// Snapshot returns a copy of every task's last known status.
func (s *State) Snapshot() map[string]TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TaskStatus, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// now is a var so tests can substitute a fixed clock.
var now = time.Now
