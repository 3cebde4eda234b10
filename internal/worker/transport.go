// Package worker owns the per-worker transport and session state machine.
// A transport frames protocol records over a duplex byte stream; a session
// enforces legal message sequences on top of it.
package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashforge/minerd/pkg/log"
)

// ErrClosed reports an orderly end of the worker stream. Any other error
// from a transport wraps the underlying I/O failure.
var ErrClosed = errors.New("worker transport closed")

// maxRecordSize bounds a single protocol record. Workers that emit larger
// lines are broken and are treated as a stream failure.
const maxRecordSize = 1 << 20

// Transport frames outgoing and incoming records by line boundaries. It
// never interprets record content; that is the session's responsibility.
type Transport interface {
	// WriteRecord writes one record followed by a single terminator and
	// flushes before returning.
	WriteRecord(line []byte) error

	// ReadRecord blocks for the next record. It returns ErrClosed at end of
	// stream and a wrapped I/O error otherwise. Closing the transport is the
	// mechanism that unblocks a stalled read.
	ReadRecord() ([]byte, error)

	Close() error
}

// StreamTransport frames records over any duplex byte stream (a local
// socket, a net.Pipe in tests, or a subprocess's joined pipes).
type StreamTransport struct {
	rwc     io.ReadWriteCloser
	scanner *bufio.Scanner

	writeMu sync.Mutex
	writer  *bufio.Writer

	closed atomic.Bool
}

// NewStreamTransport wraps a duplex stream in a record-framing transport.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	scanner := bufio.NewScanner(rwc)
	scanner.Buffer(make([]byte, 4096), maxRecordSize)

	return &StreamTransport{
		rwc:     rwc,
		scanner: scanner,
		writer:  bufio.NewWriter(rwc),
	}
}

// WriteRecord writes one record and its terminator atomically with respect
// to other writers, then flushes.
func (t *StreamTransport) WriteRecord(line []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}

	if _, err := t.writer.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}
	return nil
}

// ReadRecord returns the next non-empty line from the stream.
func (t *StreamTransport) ReadRecord() ([]byte, error) {
	for {
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil && !t.closed.Load() {
				return nil, fmt.Errorf("read record: %w", err)
			}
			return nil, ErrClosed
		}

		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// The scanner reuses its buffer across calls.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
}

// Close shuts the underlying stream, unblocking any stalled read.
func (t *StreamTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.rwc.Close()
}

// ProcessTransport spawns an external worker command and frames records over
// its stdin/stdout. The worker's stderr is drained to the logger so protocol
// framing is never disturbed by worker logging. The process is reaped on
// every exit path.
type ProcessTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stream *StreamTransport
	logger *log.Logger

	exited    chan struct{}
	killGrace time.Duration
	closeOnce sync.Once
	closeErr  error
}

// processPipes joins a subprocess's stdout (read side) and stdin (write
// side) into one duplex stream for the StreamTransport.
type processPipes struct {
	io.Reader
	io.Writer
}

func (processPipes) Close() error { return nil }

// SpawnProcess starts the given worker command with piped stdio. The command
// string is split on whitespace: the first field is the program, the rest
// its arguments.
func SpawnProcess(command string, logger *log.Logger) (*ProcessTransport, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty worker command")
	}

	cmd := exec.Command(fields[0], fields[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %q: %w", fields[0], err)
	}

	t := &ProcessTransport{
		cmd:       cmd,
		stdin:     stdin,
		stream:    NewStreamTransport(processPipes{Reader: stdout, Writer: stdin}),
		logger:    logger.WithFields("worker_cmd", fields[0], "pid", cmd.Process.Pid),
		exited:    make(chan struct{}),
		killGrace: 5 * time.Second,
	}

	// Drain stderr so the worker can log freely without blocking.
	go t.drainStderr(stderr)

	// Reap the process exactly once, whatever path it exits by.
	go func() {
		err := cmd.Wait()
		if err != nil {
			t.logger.Debug("worker process exited", "error", err)
		} else {
			t.logger.Debug("worker process exited")
		}
		close(t.exited)
	}()

	t.logger.Info("worker process started")
	return t, nil
}

func (t *ProcessTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), maxRecordSize)
	for scanner.Scan() {
		t.logger.Debug("worker stderr", "line", scanner.Text())
	}
}

// WriteRecord sends one record to the worker's stdin.
func (t *ProcessTransport) WriteRecord(line []byte) error {
	return t.stream.WriteRecord(line)
}

// ReadRecord blocks for the next record from the worker's stdout.
func (t *ProcessTransport) ReadRecord() ([]byte, error) {
	return t.stream.ReadRecord()
}

// Close asks the worker to exit by closing its stdin, then kills it if it
// has not exited within the grace period. The wait goroutine started at
// spawn reaps it either way.
func (t *ProcessTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.stdin.Close()
		_ = t.stream.Close()

		select {
		case <-t.exited:
		case <-time.After(t.killGrace):
			t.logger.Warn("worker did not exit, killing")
			if err := t.cmd.Process.Kill(); err != nil {
				t.logger.WithError(err).Error("failed to kill worker process")
			}
			<-t.exited
		}
	})
	return t.closeErr
}
