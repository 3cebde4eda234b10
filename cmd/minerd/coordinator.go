package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashforge/minerd/internal/config"
	"github.com/hashforge/minerd/internal/database"
	"github.com/hashforge/minerd/internal/dispatch"
	"github.com/hashforge/minerd/internal/messaging"
	"github.com/hashforge/minerd/internal/mining"
	"github.com/hashforge/minerd/internal/node"
	"github.com/hashforge/minerd/internal/validation"
	"github.com/hashforge/minerd/internal/worker"
	"github.com/hashforge/minerd/pkg/log"
)

// TemplateProvider supplies work templates and staleness checks.
// *node.TemplateSource satisfies it.
type TemplateProvider interface {
	Fetch(ctx context.Context) (*mining.WorkTemplate, error)
	Stale(ctx context.Context) (bool, error)
}

// SpawnFunc starts one worker process and returns its transport. Swappable
// so tests can run the coordinator against in-memory workers.
type SpawnFunc func(command string, logger *log.Logger) (worker.Transport, error)

// managedWorker tracks one worker slot across process restarts.
type managedWorker struct {
	id           string
	command      string
	session      *worker.Session
	respawns     int
	initDeadline time.Time
}

// Coordinator drives the whole mining run: worker lifecycle, template
// rotation, dispatch, submission, and the side channels (Kafka, storage).
// All dispatcher interaction happens on the Run goroutine; reporter
// callbacks queue outcomes that the run loop drains after each event.
type Coordinator struct {
	cfg       *config.Config
	logger    *log.Logger
	rpc       node.RPC
	templates TemplateProvider
	notifier  node.Notifier          // nil when ZMQ is not configured
	kafka     *messaging.KafkaClient // nil when Kafka is disabled
	db        *database.Manager      // nil when persistence is disabled
	spawn     SpawnFunc

	dispatcher *dispatch.Dispatcher
	events     chan worker.Event
	respawns   chan string
	newBlocks  chan string

	mu              sync.Mutex
	workers         map[string]*managedWorker
	pendingRespawns int

	// Outcomes queued by the Reporter callbacks, drained by the run loop.
	pendingSolution  *mining.Solution
	pendingExhausted []uint64
	workersLost      bool

	shuttingDown atomic.Bool
	done         chan struct{}
}

// NewCoordinator wires the validation, aggregation, and dispatch layers for
// the configured worker fleet. notifier, kafka, and db may be nil.
func NewCoordinator(
	cfg *config.Config,
	logger *log.Logger,
	rpc node.RPC,
	templates TemplateProvider,
	notifier node.Notifier,
	kafka *messaging.KafkaClient,
	db *database.Manager,
) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		logger:    logger.WithComponent("coordinator"),
		rpc:       rpc,
		templates: templates,
		notifier:  notifier,
		kafka:     kafka,
		db:        db,
		spawn: func(command string, l *log.Logger) (worker.Transport, error) {
			return worker.SpawnProcess(command, l)
		},
		events:    make(chan worker.Event, 256),
		respawns:  make(chan string, 16),
		newBlocks: make(chan string, 1),
		workers:   make(map[string]*managedWorker),
		done:      make(chan struct{}),
	}

	validator := validation.NewValidator(cfg.TrustWorkerHash, nil, cfg.MaxValidationFailures)
	agg := dispatch.NewAggregator(validator, logger)
	c.dispatcher = dispatch.NewDispatcher(dispatch.Config{
		DefaultBatchSize: cfg.DefaultBatchSize,
		BatchTimeout:     cfg.BatchTimeout,
	}, agg, c, logger)

	return c
}

// Run spawns the worker fleet, activates the first template, and processes
// session events until the context is cancelled or all workers are lost.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	for i, command := range c.cfg.WorkerCommands {
		id := fmt.Sprintf("worker-%d", i+1)
		if err := c.spawnWorker(ctx, id, command); err != nil {
			c.logger.WithWorker(id).WithError(err).Error("failed to spawn worker")
		}
	}
	c.mu.Lock()
	spawned := len(c.workers)
	c.mu.Unlock()
	if spawned == 0 {
		return fmt.Errorf("no worker could be spawned")
	}

	if err := c.activateTemplate(ctx); err != nil {
		// The refresh ticker keeps retrying; mining starts late, not never.
		c.logger.WithError(err).Error("failed to fetch initial template")
	}

	if c.notifier != nil {
		blockHandler := node.NewBlockNotificationHandler(c.logger)
		blockHandler.SetNewBlockHandler(func(blockHash string) error {
			select {
			case c.newBlocks <- blockHash:
			default:
				// A rotation is already pending; coalesce.
			}
			return nil
		})
		go func() {
			if err := c.notifier.Listen(ctx, blockHandler.HandleMessage); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Warn("block notification listener stopped")
			}
		}()
	}

	deadlineTick := time.NewTicker(c.deadlineInterval())
	defer deadlineTick.Stop()
	refreshTick := time.NewTicker(c.cfg.TemplateRefresh)
	defer refreshTick.Stop()
	infoTick := time.NewTicker(c.cfg.InfoInterval)
	defer infoTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-c.events:
			c.observeEvent(ctx, ev)
			c.dispatcher.HandleEvent(ev)
			if err := c.drainOutcomes(ctx); err != nil {
				return err
			}

		case id := <-c.respawns:
			if err := c.respawnWorker(ctx, id); err != nil {
				return err
			}

		case blockHash := <-c.newBlocks:
			c.logger.Info("new block notification", "block_hash", blockHash)
			c.rotateTemplate(ctx, "preempted")

		case <-refreshTick.C:
			if c.dispatcher.Template() == nil {
				if err := c.activateTemplate(ctx); err != nil {
					c.logger.WithError(err).Warn("template fetch retry failed")
				}
				continue
			}
			stale, err := c.templates.Stale(ctx)
			if err != nil {
				c.logger.WithError(err).Warn("staleness check failed")
				continue
			}
			if stale {
				c.rotateTemplate(ctx, "preempted")
			}

		case <-deadlineTick.C:
			now := time.Now()
			c.dispatcher.CheckDeadlines(now)
			c.enforceInitDeadlines(now)

		case <-infoTick.C:
			c.pollWorkers()
		}
	}
}

// Shutdown asks every worker to exit, then force-closes stragglers.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shuttingDown.Store(true)

	c.mu.Lock()
	sessions := make([]*worker.Session, 0, len(c.workers))
	for _, mw := range c.workers {
		if mw.session != nil {
			sessions = append(sessions, mw.session)
		}
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.Shutdown(); err != nil {
			c.logger.WithWorker(s.ID()).WithError(err).Debug("shutdown request failed")
		}
	}

	// Give workers a moment to close their streams on their own.
	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		alive := 0
		for _, s := range sessions {
			if s.State() != worker.StateTerminated {
				alive++
			}
		}
		if alive == 0 {
			break
		}

		select {
		case <-ctx.Done():
			c.dispatcher.Shutdown()
			return ctx.Err()
		case <-grace.C:
			c.logger.Warn("forcing worker termination", "remaining", alive)
			c.dispatcher.Shutdown()
			return nil
		case <-poll.C:
		}
	}

	c.logger.Info("all workers terminated")
	return nil
}

// SolutionAccepted implements dispatch.Reporter. Runs on the event loop;
// the outcome is queued and acted on after HandleEvent returns.
func (c *Coordinator) SolutionAccepted(sol mining.Solution) {
	s := sol
	c.pendingSolution = &s
}

// SpaceExhausted implements dispatch.Reporter.
func (c *Coordinator) SpaceExhausted(templateID uint64) {
	c.pendingExhausted = append(c.pendingExhausted, templateID)
}

// AllWorkersLost implements dispatch.Reporter.
func (c *Coordinator) AllWorkersLost() {
	c.workersLost = true
}

// drainOutcomes acts on reporter outcomes queued during HandleEvent. Runs on
// the run-loop goroutine, outside any dispatcher call.
func (c *Coordinator) drainOutcomes(ctx context.Context) error {
	if sol := c.pendingSolution; sol != nil {
		c.pendingSolution = nil
		c.submitSolution(ctx, *sol)
		c.rotateTemplate(ctx, "solved")
	}

	for _, templateID := range c.pendingExhausted {
		c.logger.Info("template exhausted without solution", "template_id", templateID)
		c.publishExhausted(ctx, templateID)
		if c.db != nil {
			c.db.RecordTemplateOutcome(ctx, templateID, "exhausted", c.dispatcher.Stats().HashesComputed)
		}
		c.rotateTemplate(ctx, "exhausted")
	}
	c.pendingExhausted = c.pendingExhausted[:0]

	if c.workersLost {
		c.workersLost = false
		c.mu.Lock()
		pending := c.pendingRespawns
		c.mu.Unlock()
		// A scheduled respawn keeps the run alive; the fleet is only lost
		// once the respawn budget is spent too.
		if pending == 0 && !c.shuttingDown.Load() {
			return dispatch.ErrAllWorkersLost
		}
	}
	return nil
}

// submitSolution submits the winning block and records the node's verdict.
func (c *Coordinator) submitSolution(ctx context.Context, sol mining.Solution) {
	tmpl := c.dispatcher.Template()
	if tmpl == nil || tmpl.ID != sol.TemplateID {
		c.logger.Warn("solution for inactive template, not submitting",
			"template_id", sol.TemplateID)
		return
	}

	workHex := submissionHex(tmpl, sol.Nonce)
	submittedAt := time.Now()
	err := c.rpc.SubmitWork(ctx, workHex)
	latency := time.Since(submittedAt)

	status := "accepted"
	if err != nil {
		status = "rejected"
		c.logger.WithError(err).Error("block submission rejected",
			"template_id", tmpl.ID, "block_height", tmpl.Height)
	} else {
		c.logger.Info("block submitted",
			"template_id", tmpl.ID,
			"block_height", tmpl.Height,
			"worker_id", sol.WorkerID,
			"nonce", sol.Nonce,
			"hash", sol.Hash,
		)
	}
	c.logger.LogSolution(sol.WorkerID, sol.TemplateID, sol.Nonce, sol.Hash, status)

	if c.kafka != nil {
		c.publishSolution(ctx, tmpl, sol, status, err, latency)
	}
	if c.db != nil {
		record, dbErr := c.db.RecordSolution(ctx, tmpl, &sol)
		if dbErr != nil {
			c.logger.WithError(dbErr).Error("failed to persist solution")
		} else if rErr := c.db.RecordSubmissionResult(ctx, record.ID, status, err); rErr != nil {
			c.logger.WithError(rErr).Error("failed to persist submission result")
		}
		c.db.RecordTemplateOutcome(ctx, tmpl.ID, "solved", c.dispatcher.Stats().HashesComputed)
	}
}

// activateTemplate fetches a fresh template and hands it to the dispatcher.
func (c *Coordinator) activateTemplate(ctx context.Context) error {
	tmpl, err := c.templates.Fetch(ctx)
	if err != nil {
		return err
	}

	c.dispatcher.SetTemplate(tmpl)

	if c.kafka != nil {
		msg := &messaging.TemplateMessage{
			TemplateID:  tmpl.ID,
			BlockHeight: tmpl.Height,
			Target:      tmpl.Target.Hex(),
			NonceSpace:  tmpl.NonceSpace,
			ActivatedAt: time.Now(),
		}
		if err := c.kafka.Publish(ctx, messaging.TopicTemplates, fmt.Sprintf("%d", tmpl.ID), msg); err != nil {
			c.logger.WithError(err).Warn("failed to publish template activation")
		}
	}
	if c.db != nil {
		c.db.RecordTemplateActivation(ctx, tmpl)
	}
	return nil
}

// rotateTemplate records the old template's fate and activates a new one.
// The solved and exhausted outcomes are recorded by their own paths; this
// only writes the preempted outcome.
func (c *Coordinator) rotateTemplate(ctx context.Context, reason string) {
	if reason == "preempted" && c.db != nil {
		if old := c.dispatcher.Template(); old != nil {
			c.db.RecordTemplateOutcome(ctx, old.ID, "preempted", c.dispatcher.Stats().HashesComputed)
		}
	}
	if err := c.activateTemplate(ctx); err != nil {
		c.logger.WithError(err).Error("template rotation failed", "reason", reason)
	}
}

// observeEvent applies the side effects of one session event: lifecycle
// publication, persistence, and respawn scheduling. Dispatch bookkeeping is
// the dispatcher's, not ours.
func (c *Coordinator) observeEvent(ctx context.Context, ev worker.Event) {
	switch ev.Type {
	case worker.EventInitialized:
		c.mu.Lock()
		if mw := c.workers[ev.WorkerID]; mw != nil {
			mw.initDeadline = time.Time{}
		}
		c.mu.Unlock()
		caps := ev.Capabilities
		c.logger.LogConnection("worker initialized", ev.WorkerID)
		c.publishWorkerStatus(ctx, ev.WorkerID, "ready", caps, "")
		if c.db != nil {
			gpus := 0
			if caps != nil {
				gpus = caps.GPUCount
			}
			c.db.RecordWorkerEvent(ctx, ev.WorkerID, "ready", "", gpus)
		}

	case worker.EventBatchComplete:
		if c.db != nil {
			c.db.RecordBatch(ctx, ev.WorkerID, ev.TemplateID, ev.HashesComputed, ev.DurationMS)
		}
		if c.kafka != nil {
			msg := &messaging.BatchMessage{
				TemplateID:     ev.TemplateID,
				AssignmentID:   ev.AssignmentID,
				WorkerID:       ev.WorkerID,
				HashesComputed: ev.HashesComputed,
				DurationMs:     ev.DurationMS,
				CompletedAt:    time.Now(),
			}
			if err := c.kafka.Publish(ctx, messaging.TopicBatches, ev.WorkerID, msg); err != nil {
				c.logger.WithError(err).Debug("failed to publish batch completion")
			}
		}

	case worker.EventInfo:
		c.publishWorkerStats(ctx, ev)
		if c.db != nil {
			c.db.RecordWorkerInfo(ev.WorkerID, ev.GPUs)
		}

	case worker.EventProtocolError:
		// The session already logged and absorbed it.

	case worker.EventClosed:
		reason := ""
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		c.publishWorkerStatus(ctx, ev.WorkerID, "terminated", nil, reason)
		if c.db != nil {
			c.db.RecordWorkerEvent(ctx, ev.WorkerID, "terminated", reason, 0)
		}
		c.scheduleRespawn(ev.WorkerID)
	}
}

// scheduleRespawn queues a worker restart after the configured delay, up to
// the per-slot respawn budget.
func (c *Coordinator) scheduleRespawn(id string) {
	if c.shuttingDown.Load() {
		return
	}

	c.mu.Lock()
	mw := c.workers[id]
	if mw == nil || mw.respawns >= c.cfg.MaxRespawns {
		if mw != nil {
			c.logger.WithWorker(id).Warn("respawn budget exhausted, abandoning worker slot",
				"respawns", mw.respawns)
			delete(c.workers, id)
		}
		c.mu.Unlock()
		return
	}
	mw.respawns++
	attempt := mw.respawns
	c.pendingRespawns++
	c.mu.Unlock()

	c.logger.WithWorker(id).Info("scheduling worker respawn",
		"attempt", attempt, "max", c.cfg.MaxRespawns, "delay", c.cfg.RespawnDelay.String())

	time.AfterFunc(c.cfg.RespawnDelay, func() {
		select {
		case c.respawns <- id:
		case <-c.done:
		}
	})
}

func (c *Coordinator) respawnWorker(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.pendingRespawns > 0 {
		c.pendingRespawns--
	}
	mw := c.workers[id]
	c.mu.Unlock()

	if c.shuttingDown.Load() || mw == nil {
		return nil
	}

	if err := c.startSession(ctx, mw); err != nil {
		c.logger.WithWorker(id).WithError(err).Error("worker respawn failed")
		// Burn through the budget the same way a crash would.
		c.scheduleRespawn(id)

		c.mu.Lock()
		pending := c.pendingRespawns
		c.mu.Unlock()
		if pending == 0 && c.dispatcher.Stats().Workers == 0 {
			return dispatch.ErrAllWorkersLost
		}
		return nil
	}

	c.publishWorkerStatus(ctx, id, "respawned", nil, "")
	if c.db != nil {
		c.db.RecordWorkerEvent(ctx, id, "respawned", mw.command, 0)
	}
	return nil
}

func (c *Coordinator) spawnWorker(ctx context.Context, id, command string) error {
	mw := &managedWorker{id: id, command: command}
	if err := c.startSession(ctx, mw); err != nil {
		return err
	}

	c.mu.Lock()
	c.workers[id] = mw
	c.mu.Unlock()

	if c.db != nil {
		c.db.RecordWorkerEvent(ctx, id, "spawned", command, 0)
	}
	return nil
}

// startSession launches the worker process, attaches a session, and begins
// capability negotiation.
func (c *Coordinator) startSession(ctx context.Context, mw *managedWorker) error {
	transport, err := c.spawn(mw.command, c.logger)
	if err != nil {
		return fmt.Errorf("spawn %q: %w", mw.command, err)
	}

	session := worker.NewSession(mw.id, transport, c.logger, c.events)
	c.mu.Lock()
	mw.session = session
	mw.initDeadline = time.Now().Add(c.cfg.InitTimeout)
	c.mu.Unlock()

	c.dispatcher.Register(session)

	go func() {
		_ = session.Start(ctx)
	}()

	if err := session.Init(c.cfg.DefaultBatchSize); err != nil {
		session.Close()
		return fmt.Errorf("init: %w", err)
	}
	return nil
}

// enforceInitDeadlines terminates workers still negotiating past their init
// deadline. Runs on the batch-deadline tick so the timeout fires at tick
// granularity, not the much coarser info interval.
func (c *Coordinator) enforceInitDeadlines(now time.Time) {
	c.mu.Lock()
	var stalled []*worker.Session
	for _, mw := range c.workers {
		if mw.session == nil {
			continue
		}
		if mw.session.State() == worker.StateInitializing &&
			!mw.initDeadline.IsZero() && now.After(mw.initDeadline) {
			mw.initDeadline = time.Time{}
			stalled = append(stalled, mw.session)
		}
	}
	c.mu.Unlock()

	for _, s := range stalled {
		c.logger.WithWorker(s.ID()).Warn("worker missed init deadline, terminating",
			"timeout", c.cfg.InitTimeout.String())
		// Close can sit out the kill grace on a wedged process; keep it off
		// the event loop.
		go s.Close()
	}
}

// pollWorkers requests device telemetry. QueryInfo no-ops for sessions that
// are not Ready or Assigned.
func (c *Coordinator) pollWorkers() {
	c.mu.Lock()
	sessions := make([]*worker.Session, 0, len(c.workers))
	for _, mw := range c.workers {
		if mw.session != nil {
			sessions = append(sessions, mw.session)
		}
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.QueryInfo(); err != nil {
			c.logger.WithWorker(s.ID()).WithError(err).Debug("info query failed")
		}
	}
}

func (c *Coordinator) publishSolution(ctx context.Context, tmpl *mining.WorkTemplate, sol mining.Solution, status string, submitErr error, latency time.Duration) {
	msg := &messaging.SolutionMessage{
		TemplateID:  sol.TemplateID,
		BlockHeight: tmpl.Height,
		WorkerID:    sol.WorkerID,
		Nonce:       sol.Nonce,
		Hash:        sol.Hash,
		FoundAt:     sol.FoundAt,
	}
	if err := c.kafka.Publish(ctx, messaging.TopicSolutions, sol.WorkerID, msg); err != nil {
		c.logger.WithError(err).Warn("failed to publish solution")
	}

	result := &messaging.SubmissionResultMessage{
		TemplateID:  sol.TemplateID,
		BlockHash:   sol.Hash,
		BlockHeight: tmpl.Height,
		Status:      status,
		SubmittedAt: time.Now(),
		LatencyMs:   float64(latency.Microseconds()) / 1000.0,
	}
	if submitErr != nil {
		result.ErrorMessage = submitErr.Error()
	}
	if err := c.kafka.Publish(ctx, messaging.TopicSubmission, sol.WorkerID, result); err != nil {
		c.logger.WithError(err).Warn("failed to publish submission result")
	}
}

func (c *Coordinator) publishExhausted(ctx context.Context, templateID uint64) {
	if c.kafka == nil {
		return
	}
	stats := c.dispatcher.Stats()
	var height int64
	if tmpl := c.dispatcher.Template(); tmpl != nil && tmpl.ID == templateID {
		height = tmpl.Height
	}
	msg := &messaging.ExhaustedMessage{
		TemplateID:     templateID,
		BlockHeight:    height,
		HashesComputed: stats.HashesComputed,
		ExhaustedAt:    time.Now(),
	}
	if err := c.kafka.Publish(ctx, messaging.TopicExhausted, fmt.Sprintf("%d", templateID), msg); err != nil {
		c.logger.WithError(err).Warn("failed to publish exhaustion")
	}
}

func (c *Coordinator) publishWorkerStatus(ctx context.Context, workerID, status string, caps *worker.Capabilities, reason string) {
	if c.kafka == nil {
		return
	}
	msg := &messaging.WorkerStatusMessage{
		WorkerID:  workerID,
		Status:    status,
		Reason:    reason,
		ChangedAt: time.Now(),
	}
	if caps != nil {
		msg.GPUCount = caps.GPUCount
		msg.TotalMemory = caps.TotalMemory
		msg.MaxBatchSize = caps.MaxBatchSize
	}
	if err := c.kafka.Publish(ctx, messaging.TopicWorkerStatus, workerID, msg); err != nil {
		c.logger.WithError(err).Debug("failed to publish worker status")
	}
}

func (c *Coordinator) publishWorkerStats(ctx context.Context, ev worker.Event) {
	if c.kafka == nil {
		return
	}
	msg := &messaging.WorkerStatsMessage{
		WorkerID:  ev.WorkerID,
		SampledAt: time.Now(),
	}
	for _, gpu := range ev.GPUs {
		msg.GPUs = append(msg.GPUs, messaging.GPUStats{
			Index:       gpu.Index,
			Name:        gpu.Name,
			Memory:      gpu.Memory,
			Utilization: gpu.Utilization,
			Temperature: gpu.Temperature,
		})
	}
	if err := c.kafka.Publish(ctx, messaging.TopicWorkerStats, ev.WorkerID, msg); err != nil {
		c.logger.WithError(err).Debug("failed to publish worker stats")
	}
}

func (c *Coordinator) deadlineInterval() time.Duration {
	interval := c.cfg.BatchTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// submissionHex appends the winning nonce to the template's work bytes, in
// the same little-endian framing the workers hash.
func submissionHex(tmpl *mining.WorkTemplate, nonce uint64) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nonce)
	return tmpl.WorkHex() + hex.EncodeToString(buf[:])
}
