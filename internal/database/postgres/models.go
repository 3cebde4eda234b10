package postgres

import (
	"time"
)

// Solution represents an accepted solution and its submission outcome
type Solution struct {
	ID               int64      `db:"id"`
	TemplateID       int64      `db:"template_id"`
	BlockHeight      int64      `db:"block_height"`
	WorkerID         string     `db:"worker_id"`
	Nonce            int64      `db:"nonce"`
	Hash             string     `db:"hash"`
	Target           string     `db:"target"`
	SubmissionStatus string     `db:"submission_status"` // pending, accepted, rejected
	SubmissionError  *string    `db:"submission_error"`
	FoundAt          time.Time  `db:"found_at"`
	SubmittedAt      *time.Time `db:"submitted_at"`
}

// WorkerEvent represents a worker lifecycle event
type WorkerEvent struct {
	ID         int64     `db:"id"`
	WorkerID   string    `db:"worker_id"`
	Event      string    `db:"event"` // spawned, ready, terminated, respawned
	Detail     *string   `db:"detail"`
	GPUCount   int       `db:"gpu_count"`
	OccurredAt time.Time `db:"occurred_at"`
}

// TemplateRun summarizes one template's mining run
type TemplateRun struct {
	ID             int64      `db:"id"`
	TemplateID     int64      `db:"template_id"`
	BlockHeight    int64      `db:"block_height"`
	Target         string     `db:"target"`
	NonceSpace     int64      `db:"nonce_space"`
	Outcome        string     `db:"outcome"` // solved, exhausted, preempted, aborted
	HashesComputed int64      `db:"hashes_computed"`
	StartedAt      time.Time  `db:"started_at"`
	FinishedAt     *time.Time `db:"finished_at"`
}
