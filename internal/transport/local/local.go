// Package local is a reference replication.Transport: it streams a
// `zfs send` directly into a `zfs recv` on the same host, piping one
// process's stdout into the other's stdin rather than going over a
// network connection. Grounded on vansante-go-zfsutils's
// SendSnapshot/ReceiveSnapshot (argv shape) and io.go's
// rateLimitWriter/CountReader (the pipe-wrapping idiom); the teacher's
// own replication core never implements a transport itself, only
// consumes one through its own equivalent interface.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/sjc-dev/zreplicore/internal/replication"
)

// Transport implements replication.Transport by shelling out to a zfs
// binary for both the sending and receiving half of a step.
type Transport struct {
	// ZfsBin overrides the zfs binary name, for tests. Empty means
	// "zfs".
	ZfsBin string
}

func (t Transport) bin() string {
	if t.ZfsBin == "" {
		return "zfs"
	}
	return t.ZfsBin
}

func (t Transport) ReplicationProcess(ctx context.Context, req replication.ProcessRequest) (replication.Process, error) {
	send := exec.CommandContext(ctx, t.bin(), buildSendArgs(req)...)
	recv := exec.CommandContext(ctx, t.bin(), buildRecvArgs(req)...)

	pr, pw := io.Pipe()
	send.Stdout = pw

	var recvStderr bytes.Buffer
	recv.Stderr = &recvStderr

	counter := &countReader{r: pr}
	var reader io.Reader = counter
	if req.SpeedLimit > 0 {
		reader = ratelimit.Reader(reader, ratelimit.NewBucketWithRate(float64(req.SpeedLimit), req.SpeedLimit))
	}

	var closeCompression func() error
	if req.Compression {
		compressed, closer, err := compressionPipe(reader)
		if err != nil {
			return nil, fmt.Errorf("start zstd compression: %w", err)
		}
		reader = compressed
		closeCompression = closer
	}
	recv.Stdin = reader

	return &process{
		send: send, recv: recv, pr: pr, pw: pw, counter: counter,
		recvStderr:       &recvStderr,
		closeCompression: closeCompression,
	}, nil
}

// compressionPipe wires src through a zstd encoder feeding a zstd
// decoder over an in-memory pipe, so the bytes actually handed to zfs
// receive are identical to src but the leg between send and recv
// genuinely travels compressed — the shape a networked transport would
// need, exercised here even though both ends are local. The returned
// close func must run after the returned reader has been fully
// drained, to release the decoder.
func compressionPipe(src io.Reader) (io.Reader, func() error, error) {
	pr, pw := io.Pipe()
	enc, err := zstd.NewWriter(pw)
	if err != nil {
		pw.Close()
		return nil, nil, err
	}
	go func() {
		_, copyErr := io.Copy(enc, src)
		closeErr := enc.Close()
		if copyErr != nil {
			pw.CloseWithError(copyErr)
			return
		}
		pw.CloseWithError(closeErr)
	}()

	dec, err := zstd.NewReader(pr)
	if err != nil {
		pr.Close()
		return nil, nil, err
	}
	return dec.IOReadCloser(), func() error { dec.Close(); return nil }, nil
}

func buildSendArgs(req replication.ProcessRequest) []string {
	if req.ReceiveResumeToken != "" {
		// A resume token fully encodes the dataset, snapshot and
		// incremental base of the interrupted send; none of the other
		// flags apply and zfs rejects send -t combined with them.
		return []string{"send", "-t", req.ReceiveResumeToken}
	}

	args := []string{"send"}
	if req.Encryption != nil || req.EncryptedSource {
		args = append(args, "-w")
	}
	if req.Properties {
		args = append(args, "-p")
	}
	if req.LargeBlock {
		args = append(args, "-L")
	}
	if req.Embed {
		args = append(args, "-e")
	}
	if req.Compressed {
		args = append(args, "-c")
	}
	if req.IncrementalBase != "" {
		args = append(args, "-i", req.SrcDataset+"@"+req.IncrementalBase)
	}
	return append(args, req.SrcDataset+"@"+req.Snapshot)
}

func buildRecvArgs(req replication.ProcessRequest) []string {
	// -s makes an interrupted receive resumable; it applies the same
	// way whether or not this particular send is itself a resume (the
	// resume token only changes what buildSendArgs emits).
	args := []string{"receive", "-s"}
	for prop, value := range req.PropertiesOverride {
		args = append(args, "-o", prop+"="+value)
	}
	for prop := range req.PropertiesExclude {
		args = append(args, "-x", prop)
	}
	return append(args, req.DstDataset)
}

// countReader counts bytes read and reports progress no more often
// than once a second, the way vansante-go-zfsutils's CountReader
// throttles its own callback.
type countReader struct {
	r  io.Reader
	n  int64
	mu sync.Mutex
	fn   func(n uint64)
	last time.Time
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(&c.n, int64(n))
	c.maybeReport()
	return n, err
}

func (c *countReader) maybeReport() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fn == nil || time.Since(c.last) < time.Second {
		return
	}
	c.last = time.Now()
	c.fn(uint64(atomic.LoadInt64(&c.n)))
}

func (c *countReader) setCallback(fn func(n uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

// process is the running send|recv pipeline: a replication.Process.
type process struct {
	send, recv       *exec.Cmd
	pr               *io.PipeReader
	pw               *io.PipeWriter
	counter          *countReader
	recvStderr       *bytes.Buffer
	closeCompression func() error
	sendDone         chan error
}

func (p *process) AddProgressObserver(fn func(sent, total uint64)) {
	if fn == nil {
		return
	}
	p.counter.setCallback(func(n uint64) { fn(n, 0) })
}

func (p *process) Start(ctx context.Context) error {
	if err := p.recv.Start(); err != nil {
		return fmt.Errorf("start zfs receive: %w", classify(err))
	}
	if err := p.send.Start(); err != nil {
		return fmt.Errorf("start zfs send: %w", classify(err))
	}
	// Close the write end as soon as send exits so recv sees EOF on
	// its input; Wait collects send's result from sendDone.
	p.sendDone = make(chan error, 1)
	go func() {
		err := p.send.Wait()
		if err != nil {
			p.pw.CloseWithError(err)
		} else {
			p.pw.Close()
		}
		p.sendDone <- err
	}()
	return nil
}

func (p *process) Wait() error {
	// Wait for recv first: if it exits early (e.g. an obsolete resume
	// token), nothing will ever read the rest of send's output again,
	// so send's write blocks until the pipe is torn down. Send's pipe
	// end is closed by the goroutine Start launched, so recv gets EOF
	// once send finishes.
	recvErr := p.recv.Wait()
	if recvErr != nil {
		p.pr.CloseWithError(recvErr)
	}

	sendErr := <-p.sendDone
	closeErr := p.pw.Close()
	var compErr error
	if p.closeCompression != nil {
		compErr = p.closeCompression()
	}

	if recvErr != nil {
		return fmt.Errorf("zfs receive: %w", classify(wrapRecvErr(recvErr, p.recvStderr)))
	}
	if sendErr != nil {
		return fmt.Errorf("zfs send: %w", classify(sendErr))
	}
	if closeErr != nil {
		return fmt.Errorf("close send pipe: %w", classify(closeErr))
	}
	if compErr != nil {
		return fmt.Errorf("zstd compression: %w", classify(compErr))
	}
	return nil
}

// RecvError carries zfs receive's stderr past the generic
// *exec.ExitError, the way internal/zfs/provider.go's ZFSError does
// for provider commands — the resumer's obsolete-token detection
// (internal/replication/logic/resume.go) matches on substrings that
// only ever appear in recv's stderr.
type RecvError struct {
	Stderr []byte
	Err    error
}

func (e *RecvError) Error() string {
	return fmt.Sprintf("zfs receive exited: %s: %s", e.Err, bytes.TrimSpace(e.Stderr))
}

func (e *RecvError) Unwrap() error { return e.Err }

func wrapRecvErr(err error, stderr *bytes.Buffer) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &RecvError{Stderr: stderr.Bytes(), Err: err}
	}
	return err
}

// classify turns a broken-pipe-shaped process error into a
// replication.RecoverableError (the remote end hung up, a network
// blip severed the pipe) rather than letting it read as a terminal
// configuration problem.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := asErrno(err); ok {
		switch errno {
		case unix.EPIPE, unix.ECONNRESET, unix.ETIMEDOUT:
			return replication.Recoverable(err)
		}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return replication.Recoverable(err)
	}
	return err
}

func asErrno(err error) (unix.Errno, bool) {
	for err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = unwrapper.Unwrap()
	}
	return 0, false
}
