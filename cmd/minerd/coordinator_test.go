package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/hashforge/minerd/internal/config"
	"github.com/hashforge/minerd/internal/dispatch"
	"github.com/hashforge/minerd/internal/mining"
	"github.com/hashforge/minerd/internal/worker"
	"github.com/hashforge/minerd/pkg/log"
)

const testSolutionHash = "00000000a3b2c1d0e9f8a7b6c5d4e3f2a1b0c9d8e7f6a5b4c3d2e1f0a9b8c7d6"

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:           "minerd-test",
		Version:               "test",
		WorkerCommands:        []string{"mock-worker"},
		DefaultBatchSize:      64,
		BatchTimeout:          5 * time.Second,
		InitTimeout:           2 * time.Second,
		InfoInterval:          time.Hour,
		MaxRespawns:           0,
		RespawnDelay:          10 * time.Millisecond,
		TrustWorkerHash:       true,
		MaxValidationFailures: 3,
		TemplateRefresh:       time.Hour,
		LogLevel:              "error",
		LogFormat:             "text",
	}
}

func testLogger() *log.Logger {
	return log.New("minerd-test", "test", "error", "text")
}

// scriptIO is the worker-side half of an in-memory transport, speaking the
// wire protocol as raw JSON records.
type scriptIO struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

// read returns the next decoded record, or nil once the stream closes.
func (s *scriptIO) read() map[string]any {
	if !s.scanner.Scan() {
		return nil
	}
	var rec map[string]any
	if err := json.Unmarshal(s.scanner.Bytes(), &rec); err != nil {
		s.t.Errorf("scripted worker received undecodable record: %v", err)
		return nil
	}
	return rec
}

func (s *scriptIO) send(rec map[string]any) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.t.Errorf("scripted worker failed to marshal: %v", err)
		return
	}
	if _, err := s.conn.Write(append(data, '\n')); err != nil {
		return // coordinator side closed
	}
}

func (s *scriptIO) close() {
	_ = s.conn.Close()
}

// spawnScripted returns a SpawnFunc whose workers run the given script over
// a net.Pipe instead of a subprocess.
func spawnScripted(t *testing.T, script func(io *scriptIO)) SpawnFunc {
	return func(command string, logger *log.Logger) (worker.Transport, error) {
		local, remote := net.Pipe()
		io := &scriptIO{t: t, conn: remote, scanner: bufio.NewScanner(remote)}
		go func() {
			defer io.close()
			script(io)
		}()
		return worker.NewStreamTransport(local), nil
	}
}

// initialize performs the worker side of capability negotiation.
func (s *scriptIO) initialize(maxBatch uint64) bool {
	rec := s.read()
	if rec == nil {
		return false
	}
	if rec["type"] != "init" {
		s.t.Errorf("scripted worker expected init, got %v", rec["type"])
		return false
	}
	s.send(map[string]any{
		"type":           "initialized",
		"gpu_count":      1,
		"total_memory":   8 << 30,
		"max_batch_size": maxBatch,
	})
	return true
}

type fakeProvider struct {
	fetches    atomic.Int64
	nonceSpace uint64
	stale      atomic.Bool
}

func (f *fakeProvider) Fetch(_ context.Context) (*mining.WorkTemplate, error) {
	n := uint64(f.fetches.Add(1))
	target, err := mining.ParseTarget(strings.Repeat("ff", 32))
	if err != nil {
		return nil, err
	}
	space := f.nonceSpace
	if space == 0 {
		space = uint64(1) << 32
	}
	return &mining.WorkTemplate{
		ID:         n,
		Header:     []byte{0x01, 0x02, 0x03, 0x04},
		Target:     target,
		NonceSpace: space,
		Height:     850000 + int64(n),
		CreatedAt:  time.Now(),
	}, nil
}

func (f *fakeProvider) Stale(_ context.Context) (bool, error) {
	return f.stale.Load(), nil
}

type fakeRPC struct {
	submitted chan string
	submitErr error
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{submitted: make(chan string, 4)}
}

func (f *fakeRPC) GetBlockTemplate(_ context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeRPC) GetBlockCount(_ context.Context) (int64, error)     { return 850000, nil }
func (f *fakeRPC) GetBestBlockHash(_ context.Context) (string, error) { return "", nil }

func (f *fakeRPC) GetMiningInfo(_ context.Context) (*btcjson.GetMiningInfoResult, error) {
	return &btcjson.GetMiningInfoResult{}, nil
}

func (f *fakeRPC) SubmitWork(_ context.Context, workHex string) error {
	f.submitted <- workHex
	return f.submitErr
}

func (f *fakeRPC) ValidateAddress(_ context.Context, _ string) (bool, error) { return true, nil }
func (f *fakeRPC) Ping(_ context.Context) error                              { return nil }
func (f *fakeRPC) GetDifficulty(_ context.Context) (float64, error)          { return 1.0, nil }
func (f *fakeRPC) Close()                                                    {}

func TestNewCoordinator(t *testing.T) {
	cfg := testConfig()
	c := NewCoordinator(cfg, testLogger(), newFakeRPC(), &fakeProvider{}, nil, nil, nil)

	if c == nil {
		t.Fatal("NewCoordinator() returned nil")
	}
	if c.cfg != cfg {
		t.Error("NewCoordinator() did not set config")
	}
	if c.dispatcher == nil {
		t.Error("NewCoordinator() did not build a dispatcher")
	}
	if c.spawn == nil {
		t.Error("NewCoordinator() did not set a default spawn function")
	}
	if c.events == nil || c.done == nil {
		t.Error("NewCoordinator() did not initialize channels")
	}
}

// One worker initializes, receives a batch, claims a solution, and the
// coordinator submits the block and rotates to a fresh template.
func TestCoordinatorSolutionFlow(t *testing.T) {
	cfg := testConfig()
	rpc := newFakeRPC()
	provider := &fakeProvider{}

	c := NewCoordinator(cfg, testLogger(), rpc, provider, nil, nil, nil)
	c.spawn = spawnScripted(t, func(io *scriptIO) {
		if !io.initialize(128) {
			return
		}
		rec := io.read()
		if rec == nil || rec["type"] != "mine" {
			t.Errorf("scripted worker expected mine, got %v", rec)
			return
		}
		start := uint64(rec["start_nonce"].(float64))
		io.send(map[string]any{
			"type":  "solution",
			"nonce": start + 7,
			"hash":  testSolutionHash,
		})
		// Keep draining so the rotated template's assignment is consumed.
		for io.read() != nil {
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	var workHex string
	select {
	case workHex = <-rpc.submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("no block submission within deadline")
	}

	if !strings.HasPrefix(workHex, "01020304") {
		t.Errorf("submitted work %q does not start with the template header", workHex)
	}
	// 7 little-endian as the trailing 8 bytes.
	if !strings.HasSuffix(workHex, "0700000000000000") {
		t.Errorf("submitted work %q does not end with the winning nonce", workHex)
	}

	// Solving rotates to a fresh template.
	waitFor(t, 5*time.Second, func() bool { return provider.fetches.Load() >= 2 })

	cancel()
	select {
	case err := <-runErr:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	c.dispatcher.Shutdown()
}

// A worker that only ever completes batches drives the small nonce space to
// exhaustion, which rotates the template.
func TestCoordinatorExhaustionRotates(t *testing.T) {
	cfg := testConfig()
	provider := &fakeProvider{nonceSpace: 64}

	c := NewCoordinator(cfg, testLogger(), newFakeRPC(), provider, nil, nil, nil)
	c.spawn = spawnScripted(t, func(io *scriptIO) {
		if !io.initialize(128) {
			return
		}
		for {
			rec := io.read()
			if rec == nil {
				return
			}
			if rec["type"] != "mine" {
				continue
			}
			count := uint64(rec["nonce_count"].(float64))
			io.send(map[string]any{
				"type":            "complete",
				"hashes_computed": count,
				"duration_ms":     5,
			})
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	// Each exhausted 64-nonce space forces a fresh fetch.
	waitFor(t, 5*time.Second, func() bool { return provider.fetches.Load() >= 3 })

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	c.dispatcher.Shutdown()
}

// Losing the only worker with no respawn budget ends the run.
func TestCoordinatorAllWorkersLost(t *testing.T) {
	cfg := testConfig()

	c := NewCoordinator(cfg, testLogger(), newFakeRPC(), &fakeProvider{}, nil, nil, nil)
	c.spawn = spawnScripted(t, func(io *scriptIO) {
		if !io.initialize(128) {
			return
		}
		// Take the first assignment, then die mid-batch.
		io.read()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case err := <-runErr:
		if !errors.Is(err, dispatch.ErrAllWorkersLost) {
			t.Errorf("Run() = %v, want ErrAllWorkersLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after losing the only worker")
	}
}

// A worker that never finishes capability negotiation is terminated on the
// batch-deadline tick, long before the hour-long telemetry interval.
func TestCoordinatorInitDeadlineEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.BatchTimeout = time.Second // deadline tick runs at its 1s floor
	cfg.InitTimeout = 200 * time.Millisecond

	c := NewCoordinator(cfg, testLogger(), newFakeRPC(), &fakeProvider{}, nil, nil, nil)
	c.spawn = spawnScripted(t, func(io *scriptIO) {
		// Swallow init and never report capabilities.
		for io.read() != nil {
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	// With no respawn budget, terminating the stalled worker ends the run.
	select {
	case err := <-runErr:
		if !errors.Is(err, dispatch.ErrAllWorkersLost) {
			t.Errorf("Run() = %v, want ErrAllWorkersLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stalled initialization was never terminated")
	}
	c.dispatcher.Shutdown()
}

// A crashed worker is restarted while budget remains.
func TestCoordinatorRespawnsWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRespawns = 1

	var spawns atomic.Int64
	c := NewCoordinator(cfg, testLogger(), newFakeRPC(), &fakeProvider{}, nil, nil, nil)
	c.spawn = func(command string, logger *log.Logger) (worker.Transport, error) {
		n := spawns.Add(1)
		local, remote := net.Pipe()
		io := &scriptIO{t: t, conn: remote, scanner: bufio.NewScanner(remote)}
		go func() {
			defer io.close()
			if !io.initialize(128) {
				return
			}
			if n == 1 {
				return // first process crashes right after negotiating
			}
			for io.read() != nil {
			}
		}()
		return worker.NewStreamTransport(local), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return spawns.Load() >= 2 })

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	c.dispatcher.Shutdown()
}

func TestSubmissionHex(t *testing.T) {
	target, err := mining.ParseTarget(strings.Repeat("ff", 32))
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	tmpl := &mining.WorkTemplate{
		ID:     1,
		Header: []byte{0xde, 0xad, 0xbe, 0xef},
		Target: target,
	}

	got := submissionHex(tmpl, 0x0102030405060708)
	want := "deadbeef" + "0807060504030201"
	if got != want {
		t.Errorf("submissionHex() = %s, want %s", got, want)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
