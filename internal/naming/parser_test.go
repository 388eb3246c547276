package naming_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjc-dev/zreplicore/internal/naming"
)

func TestParser_ParsesFullDateTime(t *testing.T) {
	p := naming.Parser{}
	tm, schema, ok := p.Parse("auto-2024-01-02_15-04-05", []string{"auto-%Y-%m-%d_%H-%M-%S"})
	require.True(t, ok)
	assert.Equal(t, "auto-%Y-%m-%d_%H-%M-%S", schema)
	assert.True(t, tm.Equal(time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)))
}

func TestParser_UnparseableNameIsDropped(t *testing.T) {
	p := naming.Parser{}
	_, _, ok := p.Parse("manual-snapshot", []string{"auto-%Y-%m-%d"})
	assert.False(t, ok)
}

func TestParser_TriesEverySchemaInOrder(t *testing.T) {
	p := naming.Parser{}
	tm, schema, ok := p.Parse("daily-2024-01-02", []string{"auto-%Y-%m-%d", "daily-%Y-%m-%d"})
	require.True(t, ok)
	assert.Equal(t, "daily-%Y-%m-%d", schema)
	assert.True(t, tm.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
}

func TestParser_RejectsOutOfRangeMonth(t *testing.T) {
	p := naming.Parser{}
	_, _, ok := p.Parse("auto-2024-13-02", []string{"auto-%Y-%m-%d"})
	assert.False(t, ok)
}
