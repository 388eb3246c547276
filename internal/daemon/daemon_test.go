package daemon_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjc-dev/zreplicore/internal/daemon"
	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/replication/driver"
)

func TestDaemon_ScheduleRejectsBadCronExpression(t *testing.T) {
	d := daemon.New(&driver.Runner{})
	err := d.Schedule(context.Background(), daemon.ScheduledTask{
		Task:     &replication.ReplicationTask{ID: "t1"},
		Schedule: "not a cron expression",
	})
	assert.Error(t, err)
}

func TestDaemon_RunsOnSchedule(t *testing.T) {
	var calls int32
	runner := &driver.Runner{
		Contexts: func(context.Context, *replication.ReplicationTask) (*replication.ReplicationContext, *replication.ReplicationContext, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil, assertErr{"stop after counting"}
		},
	}
	d := daemon.New(runner)
	require.NoError(t, d.Schedule(context.Background(), daemon.ScheduledTask{
		Task:     &replication.ReplicationTask{ID: "t1", SourceDatasets: []string{"tank/data"}},
		Schedule: "@every 10ms",
	}))

	d.Start()
	time.Sleep(50 * time.Millisecond)
	d.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
