package local_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjc-dev/zreplicore/internal/replication"
	"github.com/sjc-dev/zreplicore/internal/transport/local"
)

// fakeZfs writes an executable shell script standing in for the real
// zfs binary. It logs every invocation's argv (one line each) to
// ZFS_ARGS_LOG, echoes ZFS_SEND_DATA to stdout for a "send" argv,
// and for a "receive" argv copies stdin to ZFS_RECV_OUT (if set),
// writes ZFS_RECV_STDERR to stderr and exits with ZFS_RECV_EXIT (if
// set) -- all driven by the test's own environment via t.Setenv, so
// each subtest gets an isolated, automatically restored configuration.
func fakeZfs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "zfs")
	script := `#!/bin/sh
echo "$@" >> "$ZFS_ARGS_LOG"
case "$1" in
send)
	if [ -n "$ZFS_SEND_DATA" ]; then
		printf '%s' "$ZFS_SEND_DATA"
	fi
	exit 0
	;;
receive)
	if [ -n "$ZFS_RECV_OUT" ]; then
		cat > "$ZFS_RECV_OUT"
	else
		cat > /dev/null
	fi
	if [ -n "$ZFS_RECV_STDERR" ]; then
		echo "$ZFS_RECV_STDERR" >&2
	fi
	exit "${ZFS_RECV_EXIT:-0}"
	;;
esac
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func argsLog(t *testing.T) string {
	t.Helper()
	log := filepath.Join(t.TempDir(), "args.log")
	t.Setenv("ZFS_ARGS_LOG", log)
	return log
}

func readArgsLog(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	return lines
}

func TestTransport_ReplicationProcess_BuildsSendAndRecvArgs(t *testing.T) {
	tp := local.Transport{ZfsBin: fakeZfs(t)}
	log := argsLog(t)

	proc, err := tp.ReplicationProcess(t.Context(), replication.ProcessRequest{
		SrcDataset:      "tank/data",
		DstDataset:      "backup/data",
		Snapshot:        "auto-1",
		IncrementalBase: "auto-0",
		Properties:      true,
		LargeBlock:      true,
	})
	require.NoError(t, err)
	require.NoError(t, proc.Start(t.Context()))
	require.NoError(t, proc.Wait())

	lines := readArgsLog(t, log)
	require.Len(t, lines, 2)

	var sendLine, recvLine string
	for _, line := range lines {
		if strings.HasPrefix(line, "send") {
			sendLine = line
		} else if strings.HasPrefix(line, "receive") {
			recvLine = line
		}
	}

	assert.Equal(t, "send -p -L -i tank/data@auto-0 tank/data@auto-1", sendLine)
	assert.Equal(t, "receive -s backup/data", recvLine)
}

func TestTransport_ReplicationProcess_ResumeTokenReplacesDatasetArgs(t *testing.T) {
	tp := local.Transport{ZfsBin: fakeZfs(t)}
	log := argsLog(t)

	// These fields would all normally shape the send argv, but a resume
	// token supersedes every one of them.
	proc, err := tp.ReplicationProcess(t.Context(), replication.ProcessRequest{
		SrcDataset:         "tank/data",
		DstDataset:         "backup/data",
		Snapshot:           "auto-1",
		IncrementalBase:    "auto-0",
		Properties:         true,
		ReceiveResumeToken: "1-abcdef0123-deadbeef",
	})
	require.NoError(t, err)
	require.NoError(t, proc.Start(t.Context()))
	require.NoError(t, proc.Wait())

	lines := readArgsLog(t, log)
	var sendLine string
	for _, line := range lines {
		if strings.HasPrefix(line, "send") {
			sendLine = line
		}
	}
	assert.Equal(t, "send -t 1-abcdef0123-deadbeef", sendLine)
}

func TestTransport_ReplicationProcess_RunsToCompletion(t *testing.T) {
	tp := local.Transport{ZfsBin: fakeZfs(t)}
	argsLog(t)

	proc, err := tp.ReplicationProcess(t.Context(), replication.ProcessRequest{
		SrcDataset: "tank/data",
		DstDataset: "backup/data",
		Snapshot:   "auto-1",
	})
	assert.NoError(t, err)

	var sent uint64
	proc.AddProgressObserver(func(s, _ uint64) { sent = s })

	assert.NoError(t, proc.Start(t.Context()))
	assert.NoError(t, proc.Wait())
	_ = sent // the fake zfs writes nothing for this request, so sent stays 0; this exercises the observer wiring, not byte counts
}

func TestTransport_ReplicationProcess_ObsoleteTokenSurfacesRecvStderr(t *testing.T) {
	tp := local.Transport{ZfsBin: fakeZfs(t)}
	argsLog(t)
	t.Setenv("ZFS_RECV_EXIT", "1")
	t.Setenv("ZFS_RECV_STDERR", "cannot receive incremental stream: "+
		"destination has snapshots")

	proc, err := tp.ReplicationProcess(t.Context(), replication.ProcessRequest{
		SrcDataset:         "tank/data",
		DstDataset:         "backup/data",
		ReceiveResumeToken: "1-abcdef0123-deadbeef",
	})
	require.NoError(t, err)
	require.NoError(t, proc.Start(t.Context()))

	err = proc.Wait()
	require.Error(t, err)

	var recvErr *local.RecvError
	require.True(t, errors.As(err, &recvErr), "expected *local.RecvError in chain, got %T: %v", err, err)
	assert.Contains(t, string(recvErr.Stderr), "destination has snapshots")
	assert.Contains(t, err.Error(), "destination has snapshots")

	// classify() turns the underlying *exec.ExitError into a recoverable
	// failure; it's the resumer's string match on this same message that
	// decides to abort via zfs recv -A instead of retrying.
	assert.True(t, replication.IsRecoverable(err))
}

func TestTransport_ReplicationProcess_CompressionRoundTrips(t *testing.T) {
	tp := local.Transport{ZfsBin: fakeZfs(t)}
	argsLog(t)

	payload := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 256)
	t.Setenv("ZFS_SEND_DATA", payload)

	out := filepath.Join(t.TempDir(), "recv.out")
	t.Setenv("ZFS_RECV_OUT", out)

	proc, err := tp.ReplicationProcess(t.Context(), replication.ProcessRequest{
		SrcDataset:  "tank/data",
		DstDataset:  "backup/data",
		Snapshot:    "auto-1",
		Compression: true,
	})
	require.NoError(t, err)
	require.NoError(t, proc.Start(t.Context()))
	require.NoError(t, proc.Wait())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	// The bytes zfs receive actually sees must match what zfs send wrote,
	// even though they travelled zstd-encoded across the in-memory leg
	// compressionPipe builds between the two.
	assert.Equal(t, payload, string(got))
}
