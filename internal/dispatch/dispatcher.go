// Package dispatch partitions a template's nonce space into batches, hands
// them to worker sessions, and folds worker responses back into coverage
// accounting and the first-accept solution latch.
package dispatch

import (
	"sync"
	"time"

	"github.com/hashforge/minerd/internal/mining"
	"github.com/hashforge/minerd/internal/worker"
	"github.com/hashforge/minerd/pkg/errors"
	"github.com/hashforge/minerd/pkg/log"
)

// WorkerHandle is the slice of a worker session the dispatcher drives.
// *worker.Session satisfies it.
type WorkerHandle interface {
	ID() string
	State() worker.State
	Capabilities() worker.Capabilities
	Assign(a worker.Assignment) error
	Stop() error
	Close()
}

// Reporter receives dispatcher outcomes. Callbacks run synchronously on the
// event-loop goroutine and must not call back into the dispatcher.
type Reporter interface {
	// SolutionAccepted fires once per solved template, with the winning
	// solution.
	SolutionAccepted(sol mining.Solution)
	// SpaceExhausted fires when the template's nonce space is fully covered
	// with no solution found.
	SpaceExhausted(templateID uint64)
	// AllWorkersLost fires when the last registered worker terminates.
	AllWorkersLost()
}

// Config holds dispatcher tuning.
type Config struct {
	// DefaultBatchSize is used for workers that do not report a smaller
	// max_batch_size.
	DefaultBatchSize uint64
	// BatchTimeout is the wall-clock deadline for one batch; a session that
	// blows it is terminated and its range reassigned.
	BatchTimeout time.Duration
}

// Batch is one outstanding assignment.
type Batch struct {
	AssignmentID uint64
	TemplateID   uint64
	WorkerID     string
	Range        mining.Range
	IssuedAt     time.Time
	Deadline     time.Time
}

// Stats is a point-in-time dispatcher snapshot.
type Stats struct {
	TemplateID     uint64
	Workers        int
	Outstanding    int
	Frontier       uint64
	ReclaimedQueue int
	HashesComputed uint64
	Solved         bool
}

// Dispatcher owns nonce-space partitioning for the active template. Every
// mutation runs under one mutex; the coordinator calls in from a single
// event loop, timers call in from tickers.
type Dispatcher struct {
	cfg      Config
	agg      *Aggregator
	reporter Reporter
	logger   *log.Logger

	mu        sync.Mutex
	template  *mining.WorkTemplate
	frontier  uint64         // next unassigned nonce
	reclaimed []mining.Range // ranges returned by failed/expired/stopped batches

	sessions map[string]WorkerHandle
	order    []string // registration order, for round-robin fairness
	rr       int

	outstanding map[uint64]*Batch
	nextAssign  uint64

	solved    bool
	exhausted bool
	hashes    uint64
}

// NewDispatcher creates a dispatcher. The reporter must be non-nil.
func NewDispatcher(cfg Config, agg *Aggregator, reporter Reporter, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		agg:         agg,
		reporter:    reporter,
		logger:      logger.WithComponent("dispatcher"),
		sessions:    make(map[string]WorkerHandle),
		outstanding: make(map[uint64]*Batch),
	}
}

// Register adds a session. Work flows to it once its initialized event
// arrives via HandleEvent.
func (d *Dispatcher) Register(h WorkerHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := h.ID()
	if _, dup := d.sessions[id]; dup {
		return
	}
	d.sessions[id] = h
	d.order = append(d.order, id)
	d.logger.LogConnection("worker registered", id)
}

// SetTemplate installs a new template, preempting all work on the old one.
// Assigned workers get a stop; their batches stay in the outstanding map,
// deadline and all, until the stopped ack or a terminal response clears them
// through takeBatchLocked's template check. A worker that never acknowledges
// the stop is therefore still caught by CheckDeadlines.
func (d *Dispatcher) SetTemplate(t *mining.WorkTemplate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.template != nil {
		d.logger.WithTemplate(d.template.ID, d.template.Height).Info("template preempted",
			"abandoned_batches", len(d.outstanding))
	}
	for _, id := range d.order {
		h := d.sessions[id]
		if h.State() == worker.StateAssigned {
			if err := h.Stop(); err != nil {
				d.logger.WithWorker(id).WithError(err).Warn("failed to stop worker for new template")
			}
		}
	}

	d.template = t
	d.frontier = 0
	d.reclaimed = nil
	d.solved = false
	d.exhausted = false
	d.hashes = 0

	d.logger.LogTemplate(t.ID, t.Height, t.NonceSpace)
	d.dispatchLocked()
}

// Template returns the active template, or nil.
func (d *Dispatcher) Template() *mining.WorkTemplate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.template
}

// HandleEvent folds one session event into dispatcher state.
func (d *Dispatcher) HandleEvent(ev worker.Event) {
	switch ev.Type {
	case worker.EventInitialized:
		d.mu.Lock()
		d.dispatchLocked()
		d.mu.Unlock()

	case worker.EventSolution:
		d.handleSolution(ev)

	case worker.EventBatchComplete:
		d.handleComplete(ev)

	case worker.EventBatchFailed:
		d.handleFailed(ev)

	case worker.EventStopped:
		d.handleStopped(ev)

	case worker.EventClosed:
		d.handleClosed(ev)
	}
}

func (d *Dispatcher) handleSolution(ev worker.Event) {
	d.mu.Lock()
	b, live := d.takeBatchLocked(ev.AssignmentID)
	tmpl := d.template
	if !live || tmpl == nil {
		// The responding worker went Ready; keep it fed.
		d.dispatchLocked()
		d.mu.Unlock()
		d.logger.WithWorker(ev.WorkerID).Debug("discarding stale solution",
			"assignment_id", ev.AssignmentID, "nonce", ev.Nonce)
		return
	}
	d.mu.Unlock()

	sol, err := d.agg.Accept(tmpl, ev.WorkerID, ev.Nonce, ev.Hash)
	if err != nil {
		d.mu.Lock()
		d.reclaimLocked(b.Range)
		d.mu.Unlock()
		if d.agg.ValidationExceeded(ev.WorkerID) {
			d.logger.WithWorker(ev.WorkerID).Error("terminating worker: repeated invalid solutions")
			d.mu.Lock()
			h := d.sessions[ev.WorkerID]
			d.mu.Unlock()
			if h != nil {
				// Close can block on a wedged process; never on the event loop.
				go h.Close()
			}
			return
		}
		d.mu.Lock()
		d.dispatchLocked()
		d.mu.Unlock()
		return
	}
	if sol == nil {
		// Template already solved; nothing more to hand out for it.
		return
	}

	d.mu.Lock()
	d.solved = true
	// Remaining work on this template is moot; stop the other workers. Their
	// batches keep their deadlines until the stop is acknowledged.
	for _, id := range d.order {
		if id == ev.WorkerID {
			continue
		}
		h := d.sessions[id]
		if h.State() == worker.StateAssigned {
			if err := h.Stop(); err != nil {
				d.logger.WithWorker(id).WithError(err).Warn("failed to stop worker after solution")
			}
		}
	}
	d.mu.Unlock()

	d.reporter.SolutionAccepted(*sol)
}

func (d *Dispatcher) handleComplete(ev worker.Event) {
	d.mu.Lock()

	if _, live := d.takeBatchLocked(ev.AssignmentID); !live {
		d.dispatchLocked()
		d.mu.Unlock()
		d.logger.WithWorker(ev.WorkerID).Debug("discarding stale batch completion",
			"assignment_id", ev.AssignmentID)
		return
	}
	d.hashes += ev.HashesComputed
	d.logger.LogHashrate(ev.WorkerID, ev.HashesComputed, ev.DurationMS)

	d.dispatchLocked()
	exhausted, tid := d.checkExhaustedLocked()
	d.mu.Unlock()

	if exhausted {
		d.reporter.SpaceExhausted(tid)
	}
}

func (d *Dispatcher) handleFailed(ev worker.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, live := d.takeBatchLocked(ev.AssignmentID)
	if !live {
		return
	}
	d.logger.WithWorker(ev.WorkerID).WithError(ev.Err).Warn("batch failed, reassigning range",
		"assignment_id", b.AssignmentID,
		"start_nonce", b.Range.Start,
		"nonce_count", b.Range.Count)
	d.reclaimLocked(b.Range)
	d.dispatchLocked()
}

func (d *Dispatcher) handleStopped(ev worker.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A stop acknowledged before the batch produced a terminal response:
	// the unsearched remainder goes back to the queue. Stops issued for
	// template preemption or after a solution find the batch already gone.
	if b, live := d.takeBatchLocked(ev.AssignmentID); live {
		d.reclaimLocked(b.Range)
	}
	d.dispatchLocked()
}

func (d *Dispatcher) handleClosed(ev worker.Event) {
	d.mu.Lock()

	id := ev.WorkerID
	if _, known := d.sessions[id]; !known {
		d.mu.Unlock()
		return
	}
	delete(d.sessions, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if d.rr >= len(d.order) {
		d.rr = 0
	}

	// Reclaim everything the worker still held on the active template;
	// abandoned batches from preempted templates just evaporate.
	for aid, b := range d.outstanding {
		if b.WorkerID != id {
			continue
		}
		delete(d.outstanding, aid)
		if d.template != nil && b.TemplateID == d.template.ID {
			d.reclaimLocked(b.Range)
		}
	}
	d.agg.ForgetWorker(id)

	remaining := len(d.sessions)
	d.logger.WithWorker(id).WithError(ev.Err).Info("worker departed",
		"remaining_workers", remaining)

	if remaining == 0 {
		d.mu.Unlock()
		d.reporter.AllWorkersLost()
		return
	}
	d.dispatchLocked()
	d.mu.Unlock()
}

// CheckDeadlines terminates sessions whose batch blew its deadline and
// requeues the ranges. Batches left over from a preempted template count too:
// a worker that never acknowledged its stop is terminated here. Called from
// the coordinator's tick.
func (d *Dispatcher) CheckDeadlines(now time.Time) {
	d.mu.Lock()

	var expired []WorkerHandle
	for aid, b := range d.outstanding {
		if now.Before(b.Deadline) {
			continue
		}
		d.logger.WithWorker(b.WorkerID).Warn("batch deadline exceeded, terminating worker",
			"assignment_id", aid,
			"issued_at", b.IssuedAt,
			"timeout", d.cfg.BatchTimeout.String())
		delete(d.outstanding, aid)
		if d.template != nil && b.TemplateID == d.template.ID {
			d.reclaimLocked(b.Range)
		}
		if h, ok := d.sessions[b.WorkerID]; ok {
			expired = append(expired, h)
		}
	}
	d.mu.Unlock()

	// Close asynchronously: an expired worker's process may ignore stdin
	// close and sit out its whole kill grace, which must not stall the
	// event loop for the healthy workers. The closed events re-enter
	// HandleEvent from the session goroutines.
	for _, h := range expired {
		go h.Close()
	}
}

// Stats returns a snapshot for logging and metrics.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		Workers:        len(d.sessions),
		Outstanding:    len(d.outstanding),
		Frontier:       d.frontier,
		ReclaimedQueue: len(d.reclaimed),
		HashesComputed: d.hashes,
		Solved:         d.solved,
	}
	if d.template != nil {
		s.TemplateID = d.template.ID
	}
	return s
}

// Shutdown asks every session to terminate its worker.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	handles := make([]WorkerHandle, 0, len(d.sessions))
	for _, h := range d.sessions {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

// takeBatchLocked removes and returns the outstanding batch if it belongs to
// the active template. A miss means the response is stale.
func (d *Dispatcher) takeBatchLocked(assignmentID uint64) (*Batch, bool) {
	b, ok := d.outstanding[assignmentID]
	if !ok {
		return nil, false
	}
	if d.template == nil || b.TemplateID != d.template.ID {
		delete(d.outstanding, assignmentID)
		return nil, false
	}
	delete(d.outstanding, assignmentID)
	return b, true
}

func (d *Dispatcher) reclaimLocked(r mining.Range) {
	if r.Count == 0 {
		return
	}
	d.reclaimed = append(d.reclaimed, r)
}

// dispatchLocked hands ranges to every Ready session, reclaimed ranges
// first, then the frontier. Round-robin over registration order keeps one
// fast worker from starving the rest of reassignments.
func (d *Dispatcher) dispatchLocked() {
	if d.template == nil || d.solved {
		return
	}

	n := len(d.order)
	for i := 0; i < n; i++ {
		idx := (d.rr + i) % n
		id := d.order[idx]
		h := d.sessions[id]
		if h.State() != worker.StateReady {
			continue
		}

		r, ok := d.nextRangeLocked(h.Capabilities())
		if !ok {
			break
		}

		d.nextAssign++
		a := worker.Assignment{
			ID:         d.nextAssign,
			TemplateID: d.template.ID,
			Work:       d.template.WorkHex(),
			Target:     d.template.Target.Hex(),
			StartNonce: r.Start,
			NonceCount: r.Count,
		}
		if err := h.Assign(a); err != nil {
			// The session is unusable for this round; put the range back.
			d.logger.WithWorker(id).WithError(err).Warn("assignment rejected")
			d.reclaimLocked(r)
			continue
		}

		now := time.Now()
		d.outstanding[a.ID] = &Batch{
			AssignmentID: a.ID,
			TemplateID:   a.TemplateID,
			WorkerID:     id,
			Range:        r,
			IssuedAt:     now,
			Deadline:     now.Add(d.cfg.BatchTimeout),
		}
		d.logger.LogBatchAssigned(id, a.ID, r.Start, r.Count)
		d.rr = (idx + 1) % n
	}
}

// nextRangeLocked carves the next range, preferring reclaimed ranges over
// fresh frontier space. The batch size is capped by the worker's reported
// max_batch_size.
func (d *Dispatcher) nextRangeLocked(caps worker.Capabilities) (mining.Range, bool) {
	size := d.cfg.DefaultBatchSize
	if caps.MaxBatchSize > 0 && caps.MaxBatchSize < size {
		size = caps.MaxBatchSize
	}
	if size == 0 {
		size = 1
	}

	if len(d.reclaimed) > 0 {
		r := d.reclaimed[0]
		if r.Count <= size {
			d.reclaimed = d.reclaimed[1:]
			return r, true
		}
		d.reclaimed[0] = mining.Range{Start: r.Start + size, Count: r.Count - size}
		return mining.Range{Start: r.Start, Count: size}, true
	}

	remaining := d.template.NonceSpace - d.frontier
	if remaining == 0 {
		return mining.Range{}, false
	}
	if size > remaining {
		size = remaining
	}
	r := mining.Range{Start: d.frontier, Count: size}
	d.frontier += size
	return r, true
}

// checkExhaustedLocked latches the exhaustion condition once the whole space
// has been searched without a solution. The caller reports outside the lock.
func (d *Dispatcher) checkExhaustedLocked() (bool, uint64) {
	if d.solved || d.exhausted || d.template == nil {
		return false, 0
	}
	if d.frontier < d.template.NonceSpace || len(d.reclaimed) > 0 {
		return false, 0
	}
	// Only the active template's batches gate exhaustion; stragglers from a
	// preempted one are waiting on their stop ack or deadline.
	for _, b := range d.outstanding {
		if b.TemplateID == d.template.ID {
			return false, 0
		}
	}
	d.exhausted = true
	tid := d.template.ID
	d.logger.WithTemplate(tid, d.template.Height).Info("nonce space exhausted",
		"hashes_computed", d.hashes)
	return true, tid
}

// ErrAllWorkersLost is the only failure the dispatcher considers fatal to a
// mining run; everything else is absorbed by reassignment.
var ErrAllWorkersLost = errors.New(errors.ErrorTypeInternal, "dispatch", "all workers lost")
