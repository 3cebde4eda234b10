// Package database provides unified storage management for the mining
// coordinator. It coordinates operations across PostgreSQL, Redis, and
// InfluxDB.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/hashforge/minerd/internal/database/influx"
	"github.com/hashforge/minerd/internal/database/postgres"
	"github.com/hashforge/minerd/internal/database/redis"
	"github.com/hashforge/minerd/internal/mining"
	"github.com/hashforge/minerd/internal/protocol"
	"github.com/hashforge/minerd/pkg/circuit"
	"github.com/hashforge/minerd/pkg/errors"
	"github.com/hashforge/minerd/pkg/log"
	"github.com/hashforge/minerd/pkg/retry"
)

// Manager coordinates all storage operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Solutions    *postgres.SolutionRepository
	WorkerEvents *postgres.WorkerEventRepository
	TemplateRuns *postgres.TemplateRunRepository

	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all storage systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a new storage manager with all connections
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	// Initialize Redis
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
			return nil, origErr.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	// Initialize InfluxDB
	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	// Configure error handling
	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Solutions:      postgres.NewSolutionRepository(pgClient.DB()),
		WorkerEvents:   postgres.NewWorkerEventRepository(pgClient.DB()),
		TemplateRuns:   postgres.NewTemplateRunRepository(pgClient.DB()),
		logger:         logger.WithComponent("database"),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
	}, nil
}

// Close closes all storage connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("storage close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all storage connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// High-level operations that coordinate across storage systems

// RecordSolution persists an accepted solution and marks the template solved
func (m *Manager) RecordSolution(ctx context.Context, tmpl *mining.WorkTemplate, sol *mining.Solution) (*postgres.Solution, error) {
	record := &postgres.Solution{
		TemplateID:       int64(sol.TemplateID),
		BlockHeight:      tmpl.Height,
		WorkerID:         sol.WorkerID,
		Nonce:            int64(sol.Nonce),
		Hash:             sol.Hash,
		Target:           tmpl.Target.Hex(),
		SubmissionStatus: "pending",
		FoundAt:          sol.FoundAt,
	}

	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			// Store in PostgreSQL (critical operation)
			if err := m.Solutions.CreateSolution(ctx, record); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_solution",
					"failed to store solution in PostgreSQL").
					WithContext("template_id", sol.TemplateID).
					WithContext("worker_id", sol.WorkerID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Record metrics in InfluxDB (best effort)
	m.Influx.WriteSolutionMetric(sol.WorkerID, sol.TemplateID, tmpl.Height, "accepted")

	// Mark the template solved in Redis (best effort)
	if _, err := m.Redis.MarkSolved(ctx, sol.TemplateID, 24*time.Hour); err != nil {
		m.logger.WithError(err).Warn("failed to mark template solved in Redis")
	}

	return record, nil
}

// RecordSubmissionResult stores the node's verdict on a submitted solution
func (m *Manager) RecordSubmissionResult(ctx context.Context, recordID int64, status string, submissionErr error) error {
	var errText *string
	if submissionErr != nil {
		s := submissionErr.Error()
		errText = &s
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Solutions.UpdateSubmissionResult(ctx, recordID, status, errText); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_submission",
					"failed to update submission result").
					WithContext("record_id", recordID).
					WithContext("status", status)
			}
			return nil
		})
	})
}

// RecordBatch stores batch accounting and refreshes the worker's hashrate
func (m *Manager) RecordBatch(ctx context.Context, workerID string, templateID, hashesComputed, durationMS uint64) {
	// Metrics in InfluxDB (best effort)
	m.Influx.WriteBatchMetric(workerID, templateID, hashesComputed, durationMS)

	if durationMS > 0 {
		hashrate := float64(hashesComputed) / (float64(durationMS) / 1000.0)
		m.Influx.WriteHashrateMetric(workerID, hashrate)

		// Hot state in Redis (best effort)
		if err := m.Redis.SetWorkerHashrate(ctx, workerID, hashrate, 10*time.Minute); err != nil {
			m.logger.WithError(err).Debug("failed to update hashrate in Redis")
		}
	}
}

// RecordWorkerInfo stores device telemetry from a worker's info report
func (m *Manager) RecordWorkerInfo(workerID string, gpus []protocol.GPUInfo) {
	for _, gpu := range gpus {
		m.Influx.WriteGPUMetric(workerID, gpu.Index, gpu.Name, gpu.Memory,
			gpu.Utilization, gpu.Temperature)
	}
}

// RecordWorkerEvent stores a worker lifecycle event
func (m *Manager) RecordWorkerEvent(ctx context.Context, workerID, event, detail string, gpuCount int) {
	record := &postgres.WorkerEvent{
		WorkerID:   workerID,
		Event:      event,
		GPUCount:   gpuCount,
		OccurredAt: time.Now(),
	}
	if detail != "" {
		record.Detail = &detail
	}

	// Lifecycle events are informational; a storage failure must not
	// disturb the mining run.
	if err := m.WorkerEvents.CreateEvent(ctx, record); err != nil {
		m.logger.WithWorker(workerID).WithError(err).Warn("failed to record worker event")
	}
}

// RecordTemplateActivation stores a run row and caches the active template
func (m *Manager) RecordTemplateActivation(ctx context.Context, tmpl *mining.WorkTemplate) {
	run := &postgres.TemplateRun{
		TemplateID:  int64(tmpl.ID),
		BlockHeight: tmpl.Height,
		Target:      tmpl.Target.Hex(),
		NonceSpace:  int64(tmpl.NonceSpace),
		Outcome:     "active",
		StartedAt:   tmpl.CreatedAt,
	}
	if err := m.TemplateRuns.StartRun(ctx, run); err != nil {
		m.logger.WithError(err).Warn("failed to record template run")
	}

	cached := &redis.ActiveTemplate{
		TemplateID:  tmpl.ID,
		BlockHeight: tmpl.Height,
		Target:      tmpl.Target.Hex(),
		NonceSpace:  tmpl.NonceSpace,
		ActivatedAt: tmpl.CreatedAt,
	}
	if err := m.Redis.SetActiveTemplate(ctx, cached); err != nil {
		m.logger.WithError(err).Debug("failed to cache active template")
	}
}

// RecordTemplateOutcome closes out a template run
func (m *Manager) RecordTemplateOutcome(ctx context.Context, templateID uint64, outcome string, hashesComputed uint64) {
	if err := m.TemplateRuns.FinishRun(ctx, int64(templateID), outcome, int64(hashesComputed)); err != nil {
		m.logger.WithError(err).Warn("failed to record template outcome")
	}
}

// StartPeriodicTasks starts background storage maintenance
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}
