package monitorcheck

import (
	"fmt"
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"
)

// NewRunCheck returns a check bound to resp, the way
// client/monitor/snapshots.go's NewSnapCheck does.
func NewRunCheck(resp *monitoringplugin.Response) *RunCheck {
	return &RunCheck{resp: resp}
}

// RunCheck evaluates a State snapshot into a monitoringplugin
// response: CRITICAL if any task's last run failed, WARNING/CRITICAL
// if a task hasn't completed a run within warn/crit of now, OK
// otherwise.
type RunCheck struct {
	resp *monitoringplugin.Response
	warn time.Duration
	crit time.Duration

	failed bool
}

func (self *RunCheck) WithResponse(resp *monitoringplugin.Response) *RunCheck {
	self.resp = resp
	return self
}

func (self *RunCheck) WithThresholds(warn, crit time.Duration) *RunCheck {
	self.warn = warn
	self.crit = crit
	return self
}

// Evaluate checks every task in status against at, updating the
// bound response once per unhealthy task; only when no task is
// unhealthy does it add an OK summary line.
func (self *RunCheck) Evaluate(status map[string]TaskStatus, at time.Time) error {
	if len(status) == 0 {
		self.updateStatus(monitoringplugin.WARNING, "no replication task has reported a run yet")
		return nil
	}

	for taskID, st := range status {
		self.evaluateTask(taskID, st, at)
	}

	if !self.failed {
		self.updateStatus(monitoringplugin.OK, "all %d replication tasks healthy", len(status))
	}
	return nil
}

func (self *RunCheck) evaluateTask(taskID string, st TaskStatus, at time.Time) {
	if st.LastError != "" {
		self.updateStatus(monitoringplugin.CRITICAL,
			"task %q: last run failed: %s", taskID, st.LastError)
		return
	}

	age := at.Sub(st.LastRun)
	switch {
	case self.crit > 0 && age >= self.crit:
		self.updateStatus(monitoringplugin.CRITICAL,
			"task %q: last successful run was %v ago", taskID, age.Round(time.Second))
	case self.warn > 0 && age >= self.warn:
		self.updateStatus(monitoringplugin.WARNING,
			"task %q: last successful run was %v ago", taskID, age.Round(time.Second))
	}
}

func (self *RunCheck) updateStatus(statusCode int, format string, a ...any) {
	self.failed = self.failed || statusCode != monitoringplugin.OK
	self.resp.UpdateStatus(statusCode, fmt.Sprintf(format, a...))
}
