package worker

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func readAsync(t *testing.T, tr Transport) (<-chan []byte, <-chan error) {
	t.Helper()
	lines := make(chan []byte, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := tr.ReadRecord()
		if err != nil {
			errs <- err
			return
		}
		lines <- line
	}()
	return lines, errs
}

func TestStreamTransportWriteRecord(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	tr := NewStreamTransport(local)
	defer tr.Close()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := remote.Read(buf)
		got <- buf[:n]
	}()

	if err := tr.WriteRecord([]byte(`{"type":"init","batch_size":1000}`)); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	select {
	case wire := <-got:
		if !bytes.HasSuffix(wire, []byte("\n")) {
			t.Errorf("record not newline-terminated: %q", wire)
		}
		if bytes.Count(wire, []byte("\n")) != 1 {
			t.Errorf("record contains embedded newline: %q", wire)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestStreamTransportReadRecord(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	tr := NewStreamTransport(local)
	defer tr.Close()

	lines, errs := readAsync(t, tr)
	go remote.Write([]byte(`{"type":"stopped"}` + "\n"))

	select {
	case line := <-lines:
		if string(line) != `{"type":"stopped"}` {
			t.Errorf("ReadRecord = %q", line)
		}
	case err := <-errs:
		t.Fatalf("ReadRecord: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for read")
	}
}

func TestStreamTransportSkipsEmptyLines(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	tr := NewStreamTransport(local)
	defer tr.Close()

	lines, errs := readAsync(t, tr)
	go remote.Write([]byte("\n\n{\"type\":\"ready\"}\n"))

	select {
	case line := <-lines:
		if string(line) != `{"type":"ready"}` {
			t.Errorf("ReadRecord = %q", line)
		}
	case err := <-errs:
		t.Fatalf("ReadRecord: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for read")
	}
}

func TestStreamTransportEOF(t *testing.T) {
	local, remote := net.Pipe()

	tr := NewStreamTransport(local)
	defer tr.Close()

	_, errs := readAsync(t, tr)
	remote.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrClosed) && !errors.Is(err, io.EOF) {
			t.Errorf("ReadRecord after peer close = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EOF")
	}
}

func TestStreamTransportClosed(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	tr := NewStreamTransport(local)
	tr.Close()

	if err := tr.WriteRecord([]byte("{}")); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteRecord after close = %v, want ErrClosed", err)
	}
	if _, err := tr.ReadRecord(); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadRecord after close = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := tr.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
