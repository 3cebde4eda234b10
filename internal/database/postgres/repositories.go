package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SolutionRepository handles solution-related database operations
type SolutionRepository struct {
	db *sql.DB
}

// NewSolutionRepository creates a new solution repository
func NewSolutionRepository(db *sql.DB) *SolutionRepository {
	return &SolutionRepository{db: db}
}

// CreateSolution records an accepted solution
func (r *SolutionRepository) CreateSolution(ctx context.Context, sol *Solution) error {
	query := `
		INSERT INTO solutions (template_id, block_height, worker_id, nonce, hash, target,
		                       submission_status, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		sol.TemplateID, sol.BlockHeight, sol.WorkerID, sol.Nonce,
		sol.Hash, sol.Target, sol.SubmissionStatus, sol.FoundAt,
	).Scan(&sol.ID)

	if err != nil {
		return fmt.Errorf("failed to create solution: %w", err)
	}

	return nil
}

// UpdateSubmissionResult records the node's verdict on a submission
func (r *SolutionRepository) UpdateSubmissionResult(ctx context.Context, id int64, status string, submissionErr *string) error {
	query := `
		UPDATE solutions
		SET submission_status = $1, submission_error = $2, submitted_at = $3
		WHERE id = $4`

	_, err := r.db.ExecContext(ctx, query, status, submissionErr, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update submission result: %w", err)
	}

	return nil
}

// GetRecentSolutions retrieves the most recent solutions
func (r *SolutionRepository) GetRecentSolutions(ctx context.Context, limit int) ([]*Solution, error) {
	query := `
		SELECT id, template_id, block_height, worker_id, nonce, hash, target,
		       submission_status, submission_error, found_at, submitted_at
		FROM solutions
		ORDER BY found_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query solutions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var solutions []*Solution
	for rows.Next() {
		sol := &Solution{}
		err := rows.Scan(
			&sol.ID, &sol.TemplateID, &sol.BlockHeight, &sol.WorkerID,
			&sol.Nonce, &sol.Hash, &sol.Target,
			&sol.SubmissionStatus, &sol.SubmissionError, &sol.FoundAt, &sol.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan solution: %w", err)
		}
		solutions = append(solutions, sol)
	}

	return solutions, rows.Err()
}

// WorkerEventRepository handles worker lifecycle event storage
type WorkerEventRepository struct {
	db *sql.DB
}

// NewWorkerEventRepository creates a new worker event repository
func NewWorkerEventRepository(db *sql.DB) *WorkerEventRepository {
	return &WorkerEventRepository{db: db}
}

// CreateEvent records one worker lifecycle event
func (r *WorkerEventRepository) CreateEvent(ctx context.Context, ev *WorkerEvent) error {
	query := `
		INSERT INTO worker_events (worker_id, event, detail, gpu_count, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		ev.WorkerID, ev.Event, ev.Detail, ev.GPUCount, ev.OccurredAt,
	).Scan(&ev.ID)

	if err != nil {
		return fmt.Errorf("failed to create worker event: %w", err)
	}

	return nil
}

// GetEventsByWorker retrieves events for one worker with pagination
func (r *WorkerEventRepository) GetEventsByWorker(ctx context.Context, workerID string, limit, offset int) ([]*WorkerEvent, error) {
	query := `
		SELECT id, worker_id, event, detail, gpu_count, occurred_at
		FROM worker_events
		WHERE worker_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, workerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*WorkerEvent
	for rows.Next() {
		ev := &WorkerEvent{}
		if err := rows.Scan(&ev.ID, &ev.WorkerID, &ev.Event, &ev.Detail, &ev.GPUCount, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// TemplateRunRepository handles template run summaries
type TemplateRunRepository struct {
	db *sql.DB
}

// NewTemplateRunRepository creates a new template run repository
func NewTemplateRunRepository(db *sql.DB) *TemplateRunRepository {
	return &TemplateRunRepository{db: db}
}

// StartRun records the activation of a template
func (r *TemplateRunRepository) StartRun(ctx context.Context, run *TemplateRun) error {
	query := `
		INSERT INTO template_runs (template_id, block_height, target, nonce_space, outcome,
		                           hashes_computed, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		run.TemplateID, run.BlockHeight, run.Target, run.NonceSpace,
		run.Outcome, run.HashesComputed, run.StartedAt,
	).Scan(&run.ID)

	if err != nil {
		return fmt.Errorf("failed to start template run: %w", err)
	}

	return nil
}

// FinishRun records a template run's outcome
func (r *TemplateRunRepository) FinishRun(ctx context.Context, templateID int64, outcome string, hashesComputed int64) error {
	query := `
		UPDATE template_runs
		SET outcome = $1, hashes_computed = $2, finished_at = $3
		WHERE template_id = $4 AND finished_at IS NULL`

	_, err := r.db.ExecContext(ctx, query, outcome, hashesComputed, time.Now(), templateID)
	if err != nil {
		return fmt.Errorf("failed to finish template run: %w", err)
	}

	return nil
}
