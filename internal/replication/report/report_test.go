package report_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjc-dev/zreplicore/internal/replication/report"
)

func TestSummary_ThroughputStats(t *testing.T) {
	var s report.Summary
	s.Add(report.StepInfo{From: "a", To: "b", BytesReplicated: 10_000_000, Duration: time.Second})
	s.Add(report.StepInfo{From: "b", To: "c", BytesReplicated: 20_000_000, Duration: 2 * time.Second})

	mean, median, p95, err := s.ThroughputStats()
	require.NoError(t, err)
	assert.InDelta(t, 1e7, mean, 1)
	assert.InDelta(t, 1e7, median, 1)
	assert.GreaterOrEqual(t, p95, 1.0)
}

func TestSummary_EmptyIsAnError(t *testing.T) {
	var s report.Summary
	_, _, _, err := s.ThroughputStats()
	assert.Error(t, err)
}
