package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashforge/minerd/internal/protocol"
	"github.com/hashforge/minerd/pkg/log"
)

// State is a session's lifecycle position.
type State int

const (
	// StateUninitialized - transport is up, no init sent yet
	StateUninitialized State = iota
	// StateInitializing - init sent, waiting for the capability report
	StateInitializing
	// StateReady - capabilities known, no batch outstanding
	StateReady
	// StateAssigned - exactly one batch outstanding
	StateAssigned
	// StateShuttingDown - shutdown sent, waiting for the stream to close
	StateShuttingDown
	// StateTerminated - stream closed or session failed; final
	StateTerminated
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateAssigned:
		return "assigned"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EventType identifies a session event.
type EventType string

// Session events delivered to the coordinator's event channel.
const (
	EventInitialized   EventType = "initialized"
	EventSolution      EventType = "solution"
	EventBatchComplete EventType = "batch_complete"
	EventBatchFailed   EventType = "batch_failed"
	EventStopped       EventType = "stopped"
	EventInfo          EventType = "info"
	EventProtocolError EventType = "protocol_error"
	EventClosed        EventType = "closed"
)

// Capabilities is a worker's negotiated capability report.
type Capabilities struct {
	GPUCount     int
	TotalMemory  uint64
	MaxBatchSize uint64
}

// Assignment is one batch handed to a session. The assignment identifier is
// coordinator-global and is how late or stale responses are matched against
// the dispatcher's outstanding set.
type Assignment struct {
	ID         uint64
	TemplateID uint64
	Work       string
	Target     string
	StartNonce uint64
	NonceCount uint64
}

// Event is one worker occurrence surfaced to the coordinator. Fields beyond
// Type and WorkerID are populated per event kind.
type Event struct {
	Type     EventType
	WorkerID string

	// Assignment context for solution/batch_complete/batch_failed/stopped
	AssignmentID uint64
	TemplateID   uint64

	Capabilities *Capabilities // initialized

	Nonce uint64 // solution
	Hash  string // solution

	HashesComputed uint64 // batch_complete
	DurationMS     uint64 // batch_complete

	GPUs []protocol.GPUInfo // info

	Err error // batch_failed, protocol_error, closed
}

// Session is the per-worker protocol state machine. Commands enqueue records
// on a buffered outbound channel drained by a write loop, so the dispatcher
// never blocks on a slow worker; responses are processed in arrival order by
// the read loop and emitted as Events.
type Session struct {
	id        string
	transport Transport
	logger    *log.Logger
	events    chan<- Event

	mu        sync.RWMutex
	state     State
	caps      Capabilities
	current   Assignment // valid while state == StateAssigned
	cancelled uint64     // assignment cancelled by stop, awaiting stopped

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session over an established transport. Events are
// delivered to the shared events channel.
func NewSession(id string, transport Transport, logger *log.Logger, events chan<- Event) *Session {
	return &Session{
		id:        id,
		transport: transport,
		logger:    logger.WithWorker(id),
		events:    events,
		state:     StateUninitialized,
		outbound:  make(chan []byte, 64),
		done:      make(chan struct{}),
	}
}

// ID returns the session's worker identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Capabilities returns the negotiated capability report. Zero before the
// session reaches Ready.
func (s *Session) Capabilities() Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

// CurrentAssignment returns the outstanding assignment id, or zero if none.
func (s *Session) CurrentAssignment() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAssigned {
		return 0
	}
	return s.current.ID
}

// Start runs the write loop and then the read loop in the calling goroutine,
// returning when the session terminates.
func (s *Session) Start(ctx context.Context) error {
	s.logger.LogConnection("session started", s.id)

	go s.writeLoop(ctx)
	return s.readLoop()
}

// Init negotiates capabilities. Legal only before any other command.
func (s *Session) Init(batchSizeHint uint64) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("init in state %s", state)
	}
	s.setStateLocked(StateInitializing)
	s.mu.Unlock()

	return s.send(protocol.Init{BatchSize: batchSizeHint})
}

// Assign hands one batch to the worker. Legal only while Ready.
func (s *Session) Assign(a Assignment) error {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("assign in state %s", state)
	}
	s.setStateLocked(StateAssigned)
	s.current = a
	s.cancelled = 0
	s.mu.Unlock()

	err := s.send(protocol.Mine{
		Work:       a.Work,
		Target:     a.Target,
		StartNonce: a.StartNonce,
		NonceCount: a.NonceCount,
	})
	if err != nil {
		s.mu.Lock()
		if s.state == StateAssigned && s.current.ID == a.ID {
			s.setStateLocked(StateReady)
			s.current = Assignment{}
		}
		s.mu.Unlock()
	}
	return err
}

// Stop cancels the outstanding batch. The session returns to Ready when the
// worker acknowledges with stopped; any late solution or complete for the
// cancelled assignment is discarded.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateAssigned {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = s.current.ID
	s.mu.Unlock()

	return s.send(protocol.Stop{})
}

// QueryInfo requests a device status report.
func (s *Session) QueryInfo() error {
	switch s.State() {
	case StateReady, StateAssigned:
		return s.send(protocol.QueryInfo{})
	default:
		return nil
	}
}

// Shutdown asks the worker to terminate. The stream closing is what
// completes the transition to Terminated.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if s.state == StateTerminated || s.state == StateShuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateShuttingDown)
	s.mu.Unlock()

	return s.send(protocol.Shutdown{})
}

// Close tears the transport down, unblocking the read loop. Safe to call
// from any goroutine and more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.transport.Close(); err != nil {
			s.logger.WithError(err).Debug("transport close")
		}
	})
}

func (s *Session) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return fmt.Errorf("worker %s: outbound channel full", s.id)
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.transport.WriteRecord(data); err != nil {
				s.logger.WithError(err).Error("failed to write record")
				s.Close()
				return
			}
			s.logger.LogWorkerMessage("sent", string(data))
		}
	}
}

// readLoop processes responses in arrival order until the transport fails.
// Malformed or unknown records are tolerated; only transport errors are
// fatal to the session.
func (s *Session) readLoop() error {
	for {
		line, err := s.transport.ReadRecord()
		if err != nil {
			s.terminate(err)
			return err
		}

		s.logger.LogWorkerMessage("received", string(line))

		msg, derr := protocol.Decode(line)
		if derr != nil {
			s.logger.WithError(derr).Warn("undecodable record from worker")
			s.emit(Event{Type: EventProtocolError, WorkerID: s.id, Err: derr})
			continue
		}

		s.handle(msg)
	}
}

// handle applies one decoded response to the state machine. Responses that
// do not match the state expecting them are reported as protocol errors and
// cause no state change.
func (s *Session) handle(msg protocol.Message) {
	s.mu.Lock()

	switch m := msg.(type) {
	case protocol.Initialized:
		if s.state != StateInitializing {
			s.violationLocked(msg)
			return
		}
		s.caps = Capabilities{
			GPUCount:     m.GPUCount,
			TotalMemory:  m.TotalMemory,
			MaxBatchSize: m.MaxBatchSize,
		}
		s.setStateLocked(StateReady)
		caps := s.caps
		s.mu.Unlock()
		s.emit(Event{Type: EventInitialized, WorkerID: s.id, Capabilities: &caps})

	case protocol.Solution:
		a, ok := s.finishBatchLocked()
		s.mu.Unlock()
		if !ok {
			s.violation(msg)
			return
		}
		if a.ID == 0 {
			// Terminal response for a cancelled batch; dropped by assignment id.
			s.logger.Debug("discarding solution for cancelled batch", "nonce", m.Nonce)
			return
		}
		s.emit(Event{
			Type:         EventSolution,
			WorkerID:     s.id,
			AssignmentID: a.ID,
			TemplateID:   a.TemplateID,
			Nonce:        m.Nonce,
			Hash:         m.Hash,
		})

	case protocol.Complete:
		a, ok := s.finishBatchLocked()
		s.mu.Unlock()
		if !ok {
			s.violation(msg)
			return
		}
		if a.ID == 0 {
			s.logger.Debug("discarding complete for cancelled batch")
			return
		}
		s.emit(Event{
			Type:           EventBatchComplete,
			WorkerID:       s.id,
			AssignmentID:   a.ID,
			TemplateID:     a.TemplateID,
			HashesComputed: m.HashesComputed,
			DurationMS:     m.DurationMS,
		})

	case protocol.Stopped:
		if s.state != StateAssigned {
			s.violationLocked(msg)
			return
		}
		a := s.current
		s.setStateLocked(StateReady)
		s.current = Assignment{}
		s.cancelled = 0
		s.mu.Unlock()
		s.emit(Event{
			Type:         EventStopped,
			WorkerID:     s.id,
			AssignmentID: a.ID,
			TemplateID:   a.TemplateID,
		})

	case protocol.Info:
		s.mu.Unlock()
		s.emit(Event{Type: EventInfo, WorkerID: s.id, GPUs: m.GPUs})

	case protocol.WorkerError:
		werr := fmt.Errorf("worker reported error: %s", m.Message)
		switch s.state {
		case StateInitializing:
			// The worker never produced a capability report; unrecoverable.
			s.mu.Unlock()
			s.logger.WithError(werr).Error("worker failed during initialization")
			s.Close()
		case StateAssigned:
			a, _ := s.finishBatchLocked()
			s.mu.Unlock()
			if a.ID == 0 {
				return
			}
			s.emit(Event{
				Type:         EventBatchFailed,
				WorkerID:     s.id,
				AssignmentID: a.ID,
				TemplateID:   a.TemplateID,
				Err:          werr,
			})
		default:
			s.mu.Unlock()
			s.emit(Event{Type: EventProtocolError, WorkerID: s.id, Err: werr})
		}

	default:
		// Requests flowing in the wrong direction (init, mine, stop...).
		s.violationLocked(msg)
	}
}

// finishBatchLocked consumes the outstanding assignment as terminated by a
// solution, complete, or error response. It reports ok=false when no batch
// is outstanding and a zero assignment when the batch had been cancelled.
// The caller holds s.mu and must release it.
func (s *Session) finishBatchLocked() (Assignment, bool) {
	if s.state != StateAssigned {
		return Assignment{}, false
	}
	a := s.current
	wasCancelled := s.cancelled != 0 && s.cancelled == a.ID
	s.setStateLocked(StateReady)
	s.current = Assignment{}
	if wasCancelled {
		// Leave cancelled set until stopped arrives so that ack is still legal.
		s.setStateLocked(StateAssigned)
		s.current = a
		return Assignment{}, true
	}
	return a, true
}

// violationLocked releases s.mu and reports a state-sequence violation.
func (s *Session) violationLocked(msg protocol.Message) {
	state := s.state
	s.mu.Unlock()
	err := fmt.Errorf("unexpected %s in state %s", msg.Kind(), state)
	s.logger.WithError(err).Warn("protocol violation")
	s.emit(Event{Type: EventProtocolError, WorkerID: s.id, Err: err})
}

func (s *Session) violation(msg protocol.Message) {
	err := fmt.Errorf("unexpected %s with no batch outstanding", msg.Kind())
	s.logger.WithError(err).Warn("protocol violation")
	s.emit(Event{Type: EventProtocolError, WorkerID: s.id, Err: err})
}

// terminate finalizes the session after a transport failure or orderly
// close. The outstanding assignment, if any, travels with the closed event
// so the dispatcher can reclaim its range.
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	prior := s.state
	a := s.current
	s.setStateLocked(StateTerminated)
	s.current = Assignment{}
	s.mu.Unlock()

	if prior == StateTerminated {
		return
	}
	if prior == StateShuttingDown {
		s.logger.LogWorkerState(s.id, prior.String(), StateTerminated.String())
	} else {
		s.logger.WithError(cause).Warn("worker session terminated",
			"prior_state", prior.String())
	}

	ev := Event{Type: EventClosed, WorkerID: s.id, Err: cause}
	if prior == StateAssigned {
		ev.AssignmentID = a.ID
		ev.TemplateID = a.TemplateID
	}
	// Emit before Close so the reclaim event is never lost.
	s.events <- ev
	s.Close()
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("state transition", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
