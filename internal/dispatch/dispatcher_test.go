package dispatch

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashforge/minerd/internal/mining"
	"github.com/hashforge/minerd/internal/validation"
	"github.com/hashforge/minerd/internal/worker"
	"github.com/hashforge/minerd/pkg/log"
)

const goodHash = "00000000a3b2c1d0e9f8a7b6c5d4e3f2a1b0c9d8e7f6a5b4c3d2e1f0a9b8c7d6"

// fakeWorker satisfies WorkerHandle and mimics a session's synchronous state
// transitions: Assign moves it to Assigned, the test moves it back as the
// session would when a terminal response arrives. Close runs off the
// dispatcher's goroutine, so the closed flag is mutex-guarded.
type fakeWorker struct {
	id        string
	mu        sync.Mutex
	state     worker.State
	caps      worker.Capabilities
	assigned  []worker.Assignment
	stops     int
	closed    bool
	closeGate chan struct{} // when set, Close hangs until it is closed
	assignErr error
}

func newFakeWorker(id string, maxBatch uint64) *fakeWorker {
	return &fakeWorker{
		id:    id,
		state: worker.StateReady,
		caps:  worker.Capabilities{GPUCount: 1, MaxBatchSize: maxBatch},
	}
}

func (f *fakeWorker) ID() string                        { return f.id }
func (f *fakeWorker) Capabilities() worker.Capabilities { return f.caps }
func (f *fakeWorker) Stop() error                       { f.stops++; return nil }

func (f *fakeWorker) State() worker.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeWorker) Close() {
	f.mu.Lock()
	f.closed = true
	gate := f.closeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	f.state = worker.StateTerminated
	f.mu.Unlock()
}

func (f *fakeWorker) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeWorker) Assign(a worker.Assignment) error {
	if f.assignErr != nil {
		return f.assignErr
	}
	f.assigned = append(f.assigned, a)
	f.state = worker.StateAssigned
	return nil
}

// last returns the most recent assignment.
func (f *fakeWorker) last(t *testing.T) worker.Assignment {
	t.Helper()
	if len(f.assigned) == 0 {
		t.Fatalf("worker %s has no assignments", f.id)
	}
	return f.assigned[len(f.assigned)-1]
}

// finish reports the current batch complete and returns the worker to Ready.
func (f *fakeWorker) finish(t *testing.T, d *Dispatcher) {
	t.Helper()
	a := f.last(t)
	f.state = worker.StateReady
	d.HandleEvent(worker.Event{
		Type:           worker.EventBatchComplete,
		WorkerID:       f.id,
		AssignmentID:   a.ID,
		TemplateID:     a.TemplateID,
		HashesComputed: a.NonceCount,
	})
}

// waitFor polls for a condition that completes on another goroutine.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type recordingReporter struct {
	solutions []mining.Solution
	exhausted []uint64
	lost      int
}

func (r *recordingReporter) SolutionAccepted(sol mining.Solution) { r.solutions = append(r.solutions, sol) }
func (r *recordingReporter) SpaceExhausted(templateID uint64)     { r.exhausted = append(r.exhausted, templateID) }
func (r *recordingReporter) AllWorkersLost()                      { r.lost++ }

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *recordingReporter) {
	t.Helper()
	if cfg.DefaultBatchSize == 0 {
		cfg.DefaultBatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = time.Minute
	}
	logger := log.New("minerd-test", "dev", "error", "text")
	agg := NewAggregator(validation.NewValidator(true, nil, 2), logger)
	rep := &recordingReporter{}
	return NewDispatcher(cfg, agg, rep, logger), rep
}

func permissiveTemplate(id, space uint64) *mining.WorkTemplate {
	tgt, _ := mining.ParseTarget(strings.Repeat("ff", 32))
	return &mining.WorkTemplate{
		ID:         id,
		Header:     []byte("header"),
		Target:     tgt,
		NonceSpace: space,
		Height:     100,
	}
}

func TestDispatchFromFrontier(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{DefaultBatchSize: 100})
	w1 := newFakeWorker("w1", 0)
	w2 := newFakeWorker("w2", 40) // smaller reported capacity

	d.Register(w1)
	d.Register(w2)
	d.SetTemplate(permissiveTemplate(1, 1000))

	a1 := w1.last(t)
	if a1.StartNonce != 0 || a1.NonceCount != 100 {
		t.Errorf("w1 range = [%d,+%d), want [0,+100)", a1.StartNonce, a1.NonceCount)
	}
	a2 := w2.last(t)
	if a2.StartNonce != 100 || a2.NonceCount != 40 {
		t.Errorf("w2 range = [%d,+%d), want [100,+40) capped by max_batch_size", a2.StartNonce, a2.NonceCount)
	}
	if a1.TemplateID != 1 || a2.TemplateID != 1 {
		t.Error("assignments carry wrong template id")
	}
	if a1.ID == a2.ID {
		t.Error("assignment ids not unique")
	}
}

func TestDispatchOnCompleteUntilExhaustion(t *testing.T) {
	d, rep := newTestDispatcher(t, Config{DefaultBatchSize: 100})
	w := newFakeWorker("w1", 0)
	d.Register(w)
	d.SetTemplate(permissiveTemplate(1, 250))

	covered := make(map[uint64]bool)
	for i := 0; i < 10 && !w.closed; i++ {
		if w.state != worker.StateAssigned {
			break
		}
		a := w.last(t)
		for n := a.StartNonce; n < a.StartNonce+a.NonceCount; n++ {
			if covered[n] {
				t.Fatalf("nonce %d assigned twice", n)
			}
			covered[n] = true
		}
		w.finish(t, d)
	}

	if len(covered) != 250 {
		t.Errorf("covered %d nonces, want 250", len(covered))
	}
	if len(rep.exhausted) != 1 || rep.exhausted[0] != 1 {
		t.Errorf("exhausted reports = %v, want [1]", rep.exhausted)
	}
	if len(rep.solutions) != 0 {
		t.Errorf("unexpected solutions: %v", rep.solutions)
	}
}

func TestSolutionWinsAndStopsOthers(t *testing.T) {
	d, rep := newTestDispatcher(t, Config{DefaultBatchSize: 100})
	w1 := newFakeWorker("w1", 0)
	w2 := newFakeWorker("w2", 0)
	d.Register(w1)
	d.Register(w2)
	d.SetTemplate(permissiveTemplate(5, 1_000_000))

	a := w1.last(t)
	w1.state = worker.StateReady
	d.HandleEvent(worker.Event{
		Type:         worker.EventSolution,
		WorkerID:     "w1",
		AssignmentID: a.ID,
		TemplateID:   a.TemplateID,
		Nonce:        a.StartNonce + 7,
		Hash:         goodHash,
	})

	if len(rep.solutions) != 1 {
		t.Fatalf("solutions = %d, want 1", len(rep.solutions))
	}
	sol := rep.solutions[0]
	if sol.TemplateID != 5 || sol.WorkerID != "w1" || sol.Nonce != a.StartNonce+7 {
		t.Errorf("solution = %+v", sol)
	}
	if w2.stops != 1 {
		t.Errorf("w2 stops = %d, want 1 after solution", w2.stops)
	}
	// The winner got no fresh batch on the solved template.
	if len(w1.assigned) != 1 {
		t.Errorf("w1 assigned %d batches, want 1", len(w1.assigned))
	}

	// w2's late solution for the preempted batch is stale: no second report.
	a2 := w2.last(t)
	w2.state = worker.StateReady
	d.HandleEvent(worker.Event{
		Type:         worker.EventSolution,
		WorkerID:     "w2",
		AssignmentID: a2.ID,
		TemplateID:   a2.TemplateID,
		Nonce:        a2.StartNonce,
		Hash:         goodHash,
	})
	if len(rep.solutions) != 1 {
		t.Errorf("solutions after stale claim = %d, want 1", len(rep.solutions))
	}
}

func TestBatchFailureReassignsRange(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{DefaultBatchSize: 100})
	w1 := newFakeWorker("w1", 0)
	w2 := newFakeWorker("w2", 0)
	d.Register(w1)
	d.Register(w2)
	d.SetTemplate(permissiveTemplate(1, 1_000_000))

	failed := w1.last(t)
	w1.state = worker.StateReady
	d.HandleEvent(worker.Event{
		Type:         worker.EventBatchFailed,
		WorkerID:     "w1",
		AssignmentID: failed.ID,
		TemplateID:   failed.TemplateID,
	})

	// The failed range comes back before fresh frontier space; either worker
	// may receive it, depending on round-robin position.
	var got *worker.Assignment
	for _, fw := range []*fakeWorker{w1, w2} {
		for i := range fw.assigned {
			a := fw.assigned[i]
			if a.ID != failed.ID && a.StartNonce == failed.StartNonce && a.NonceCount == failed.NonceCount {
				got = &a
			}
		}
	}
	if got == nil {
		t.Fatalf("failed range [%d,+%d) was not reassigned", failed.StartNonce, failed.NonceCount)
	}
}

func TestWorkerLossReclaimsAndLastLossReports(t *testing.T) {
	d, rep := newTestDispatcher(t, Config{DefaultBatchSize: 100})
	w1 := newFakeWorker("w1", 0)
	w2 := newFakeWorker("w2", 0)
	d.Register(w1)
	d.Register(w2)
	d.SetTemplate(permissiveTemplate(1, 1_000_000))

	lost := w1.last(t)
	d.HandleEvent(worker.Event{
		Type:         worker.EventClosed,
		WorkerID:     "w1",
		AssignmentID: lost.ID,
		TemplateID:   lost.TemplateID,
	})
	if rep.lost != 0 {
		t.Fatal("AllWorkersLost reported with a worker remaining")
	}

	// w2 finishes its own batch and should then pick up w1's range.
	w2.finish(t, d)
	reassigned := w2.last(t)
	if reassigned.StartNonce != lost.StartNonce || reassigned.NonceCount != lost.NonceCount {
		t.Errorf("w2 got [%d,+%d), want reclaimed [%d,+%d)",
			reassigned.StartNonce, reassigned.NonceCount, lost.StartNonce, lost.NonceCount)
	}

	d.HandleEvent(worker.Event{Type: worker.EventClosed, WorkerID: "w2"})
	if rep.lost != 1 {
		t.Errorf("AllWorkersLost reports = %d, want 1", rep.lost)
	}
}

func TestSetTemplatePreempts(t *testing.T) {
	d, rep := newTestDispatcher(t, Config{DefaultBatchSize: 100})
	w := newFakeWorker("w1", 0)
	d.Register(w)
	d.SetTemplate(permissiveTemplate(1, 1_000_000))

	old := w.last(t)
	d.SetTemplate(permissiveTemplate(2, 1_000_000))
	if w.stops != 1 {
		t.Errorf("stops = %d, want 1 on preemption", w.stops)
	}

	// The worker acknowledges the stop; it then gets work on the new template.
	w.state = worker.StateReady
	d.HandleEvent(worker.Event{
		Type:         worker.EventStopped,
		WorkerID:     "w1",
		AssignmentID: old.ID,
		TemplateID:   old.TemplateID,
	})
	fresh := w.last(t)
	if fresh.TemplateID != 2 {
		t.Fatalf("fresh assignment template = %d, want 2", fresh.TemplateID)
	}
	if fresh.StartNonce != 0 {
		t.Errorf("fresh frontier starts at %d, want 0", fresh.StartNonce)
	}

	// A solution against the abandoned batch is stale.
	d.HandleEvent(worker.Event{
		Type:         worker.EventSolution,
		WorkerID:     "w1",
		AssignmentID: old.ID,
		TemplateID:   old.TemplateID,
		Nonce:        1,
		Hash:         goodHash,
	})
	if len(rep.solutions) != 0 {
		t.Errorf("stale solution reported: %v", rep.solutions)
	}
}

func TestCheckDeadlines(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{DefaultBatchSize: 100, BatchTimeout: time.Second})
	w1 := newFakeWorker("w1", 0)
	w2 := newFakeWorker("w2", 0)
	d.Register(w1)
	d.Register(w2)
	d.SetTemplate(permissiveTemplate(1, 1_000_000))

	stuck := w1.last(t)

	d.CheckDeadlines(time.Now())
	if w1.isClosed() || w2.isClosed() {
		t.Fatal("worker terminated before its deadline")
	}

	d.CheckDeadlines(time.Now().Add(2 * time.Second))
	waitFor(t, time.Second, func() bool { return w1.isClosed() && w2.isClosed() },
		"expired workers not terminated")

	// The session close produces a closed event; the range must be requeued
	// exactly once even though both paths saw the assignment.
	d.HandleEvent(worker.Event{
		Type:         worker.EventClosed,
		WorkerID:     "w1",
		AssignmentID: stuck.ID,
		TemplateID:   stuck.TemplateID,
	})

	s := d.Stats()
	if s.Outstanding != 0 {
		t.Errorf("outstanding = %d, want 0", s.Outstanding)
	}
	if s.ReclaimedQueue == 0 {
		t.Error("expired ranges not requeued")
	}
}

// A worker preempted by a new template that never acknowledges the stop must
// still be reaped by the batch deadline rather than wedging its slot.
func TestPreemptedBatchDeadlineTerminates(t *testing.T) {
	d, rep := newTestDispatcher(t, Config{DefaultBatchSize: 100, BatchTimeout: time.Second})
	w := newFakeWorker("w1", 0)
	d.Register(w)
	d.SetTemplate(permissiveTemplate(1, 1_000_000))
	old := w.last(t)

	d.SetTemplate(permissiveTemplate(2, 1_000_000))
	if w.stops != 1 {
		t.Fatalf("stops = %d, want 1 on preemption", w.stops)
	}

	d.CheckDeadlines(time.Now())
	if w.isClosed() {
		t.Fatal("worker terminated before the abandoned batch's deadline")
	}

	d.CheckDeadlines(time.Now().Add(2 * time.Second))
	waitFor(t, time.Second, func() bool { return w.isClosed() },
		"worker holding an unacknowledged stop was never terminated")

	d.HandleEvent(worker.Event{
		Type:         worker.EventClosed,
		WorkerID:     "w1",
		AssignmentID: old.ID,
		TemplateID:   old.TemplateID,
	})

	s := d.Stats()
	if s.Outstanding != 0 {
		t.Errorf("outstanding = %d, want 0", s.Outstanding)
	}
	// The abandoned range belongs to the dead template; it must not leak
	// into the new template's queue.
	if s.ReclaimedQueue != 0 {
		t.Errorf("reclaimed queue = %d, want 0", s.ReclaimedQueue)
	}
	if rep.lost != 1 {
		t.Errorf("AllWorkersLost reports = %d, want 1", rep.lost)
	}
}

// A terminal response that raced a preemption leaves the worker Ready; the
// stale-discard path must hand it fresh work instead of idling it.
func TestStaleResponseRedispatches(t *testing.T) {
	d, rep := newTestDispatcher(t, Config{DefaultBatchSize: 100})
	w := newFakeWorker("w1", 0)
	d.Register(w)
	d.SetTemplate(permissiveTemplate(1, 1_000_000))
	old := w.last(t)

	d.SetTemplate(permissiveTemplate(2, 1_000_000))
	w.state = worker.StateReady
	d.HandleEvent(worker.Event{
		Type:           worker.EventBatchComplete,
		WorkerID:       "w1",
		AssignmentID:   old.ID,
		TemplateID:     old.TemplateID,
		HashesComputed: old.NonceCount,
	})
	fresh := w.last(t)
	if fresh.TemplateID != 2 {
		t.Fatalf("assignment after stale completion = template %d, want 2", fresh.TemplateID)
	}

	// Same race through the solution path.
	d.SetTemplate(permissiveTemplate(3, 1_000_000))
	w.state = worker.StateReady
	d.HandleEvent(worker.Event{
		Type:         worker.EventSolution,
		WorkerID:     "w1",
		AssignmentID: fresh.ID,
		TemplateID:   fresh.TemplateID,
		Nonce:        9,
		Hash:         goodHash,
	})
	if len(rep.solutions) != 0 {
		t.Fatalf("stale solution reported: %v", rep.solutions)
	}
	if got := w.last(t).TemplateID; got != 3 {
		t.Fatalf("assignment after stale solution = template %d, want 3", got)
	}
}

// Terminating an expired worker must not hold up the deadline sweep even when
// the close itself hangs for its whole kill grace.
func TestCheckDeadlinesDoesNotBlockOnClose(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{DefaultBatchSize: 100, BatchTimeout: time.Second})
	w := newFakeWorker("w1", 0)
	w.closeGate = make(chan struct{})
	d.Register(w)
	d.SetTemplate(permissiveTemplate(1, 1_000_000))

	returned := make(chan struct{})
	go func() {
		d.CheckDeadlines(time.Now().Add(2 * time.Second))
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("CheckDeadlines blocked on a hung worker close")
	}
	waitFor(t, time.Second, func() bool { return w.isClosed() },
		"expired worker close never started")
	close(w.closeGate)
}

func TestInvalidSolutionEscalation(t *testing.T) {
	logger := log.New("minerd-test", "dev", "error", "text")
	// Untrusting validator; the default hasher will not reproduce goodHash.
	agg := NewAggregator(validation.NewValidator(false, nil, 2), logger)
	rep := &recordingReporter{}
	d := NewDispatcher(Config{DefaultBatchSize: 100, BatchTimeout: time.Minute}, agg, rep, logger)

	w := newFakeWorker("w1", 0)
	d.Register(w)
	d.SetTemplate(permissiveTemplate(1, 1_000_000))

	// First bad claim: range requeued, worker survives and is redispatched.
	a := w.last(t)
	w.state = worker.StateReady
	d.HandleEvent(worker.Event{
		Type: worker.EventSolution, WorkerID: "w1",
		AssignmentID: a.ID, TemplateID: a.TemplateID, Nonce: 1, Hash: goodHash,
	})
	if w.isClosed() {
		t.Fatal("worker terminated after a single invalid solution")
	}
	if len(rep.solutions) != 0 {
		t.Fatal("invalid solution was reported")
	}
	second := w.last(t)
	if second.ID == a.ID {
		t.Fatal("worker not redispatched after invalid solution")
	}
	if second.StartNonce != a.StartNonce || second.NonceCount != a.NonceCount {
		t.Errorf("redispatch = [%d,+%d), want requeued [%d,+%d)",
			second.StartNonce, second.NonceCount, a.StartNonce, a.NonceCount)
	}

	// Second consecutive bad claim crosses the threshold.
	w.state = worker.StateReady
	d.HandleEvent(worker.Event{
		Type: worker.EventSolution, WorkerID: "w1",
		AssignmentID: second.ID, TemplateID: second.TemplateID, Nonce: 2, Hash: goodHash,
	})
	waitFor(t, time.Second, func() bool { return w.isClosed() },
		"worker not terminated after repeated invalid solutions")
}

func TestRoundRobinFairness(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{DefaultBatchSize: 10})
	workers := []*fakeWorker{
		newFakeWorker("w1", 0),
		newFakeWorker("w2", 0),
		newFakeWorker("w3", 0),
	}
	for _, w := range workers {
		d.Register(w)
	}
	d.SetTemplate(permissiveTemplate(1, 10_000))

	for round := 0; round < 5; round++ {
		for _, w := range workers {
			w.finish(t, d)
		}
	}
	for _, w := range workers {
		if len(w.assigned) < 5 {
			t.Errorf("worker %s got %d batches, want at least 5", w.id, len(w.assigned))
		}
	}
}

func TestRegisterDuplicateIgnored(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	w := newFakeWorker("w1", 0)
	d.Register(w)
	d.Register(w)

	if got := d.Stats().Workers; got != 1 {
		t.Errorf("workers = %d, want 1", got)
	}
}
