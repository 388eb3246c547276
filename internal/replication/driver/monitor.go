package driver

import (
	"context"
	"time"

	"github.com/sjc-dev/zreplicore/internal/replication"
)

// SizeMonitor polls a destination dataset's used-bytes property at an
// interval while a step's stream is in flight, the way
// client/monitor/snapshots.go's SnapCheck polls zfs state on a timer
// rather than waiting for a single synchronous answer. It exists
// because a stalled transport and a slow-but-live one look identical
// from Process.Wait alone; watching the destination grow is the
// liveness signal spec.md §4.F asks the executor to provide alongside
// the transport's own progress callback.
type SizeMonitor struct {
	provider replication.Provider
	shell    replication.Shell
	dataset  string
	interval time.Duration

	onProgress func(usedBytes uint64)
}

// NewSizeMonitor returns a monitor polling dataset's used bytes every
// 5 seconds; override with WithInterval.
func NewSizeMonitor(provider replication.Provider, shell replication.Shell, dataset string) *SizeMonitor {
	return &SizeMonitor{
		provider: provider,
		shell:    shell,
		dataset:  dataset,
		interval: 5 * time.Second,
	}
}

func (self *SizeMonitor) WithInterval(d time.Duration) *SizeMonitor {
	self.interval = d
	return self
}

func (self *SizeMonitor) WithProgress(fn func(usedBytes uint64)) *SizeMonitor {
	self.onProgress = fn
	return self
}

// Run polls until ctx is canceled. Errors from DatasetUsedBytes are
// swallowed: a dataset that isn't mounted yet, or briefly disappears
// mid-receive, is not itself a failure the monitor should surface —
// the stream's own Wait error is authoritative.
func (self *SizeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(self.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			used, err := self.provider.DatasetUsedBytes(ctx, self.shell, self.dataset)
			if err != nil || self.onProgress == nil {
				continue
			}
			self.onProgress(used)
		}
	}
}
