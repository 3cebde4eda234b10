package messaging

import "time"

// SolutionMessage announces an accepted solution
type SolutionMessage struct {
	TemplateID  uint64    `json:"template_id"`
	BlockHeight int64     `json:"block_height"`
	WorkerID    string    `json:"worker_id"`
	Nonce       uint64    `json:"nonce"`
	Hash        string    `json:"hash"`
	FoundAt     time.Time `json:"found_at"`
}

// SubmissionResultMessage reports the node's verdict on a submitted block
type SubmissionResultMessage struct {
	TemplateID   uint64    `json:"template_id"`
	BlockHash    string    `json:"block_hash"`
	BlockHeight  int64     `json:"block_height"`
	Status       string    `json:"status"` // "accepted", "rejected", "duplicate"
	ErrorMessage string    `json:"error_message,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	LatencyMs    float64   `json:"latency_ms"`
}

// BatchMessage reports one completed batch for accounting
type BatchMessage struct {
	TemplateID     uint64    `json:"template_id"`
	AssignmentID   uint64    `json:"assignment_id"`
	WorkerID       string    `json:"worker_id"`
	StartNonce     uint64    `json:"start_nonce"`
	NonceCount     uint64    `json:"nonce_count"`
	HashesComputed uint64    `json:"hashes_computed"`
	DurationMs     uint64    `json:"duration_ms"`
	CompletedAt    time.Time `json:"completed_at"`
}

// TemplateMessage announces template activation
type TemplateMessage struct {
	TemplateID  uint64    `json:"template_id"`
	BlockHeight int64     `json:"block_height"`
	Target      string    `json:"target"`
	NonceSpace  uint64    `json:"nonce_space"`
	ActivatedAt time.Time `json:"activated_at"`
}

// ExhaustedMessage reports a nonce space fully searched without a solution
type ExhaustedMessage struct {
	TemplateID     uint64    `json:"template_id"`
	BlockHeight    int64     `json:"block_height"`
	HashesComputed uint64    `json:"hashes_computed"`
	ExhaustedAt    time.Time `json:"exhausted_at"`
}

// WorkerStatusMessage reports a worker lifecycle change
type WorkerStatusMessage struct {
	WorkerID     string    `json:"worker_id"`
	Status       string    `json:"status"` // "ready", "terminated", "respawned"
	GPUCount     int       `json:"gpu_count,omitempty"`
	TotalMemory  uint64    `json:"total_memory,omitempty"`
	MaxBatchSize uint64    `json:"max_batch_size,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	ChangedAt    time.Time `json:"changed_at"`
}

// WorkerStatsMessage carries periodic device telemetry
type WorkerStatsMessage struct {
	WorkerID   string     `json:"worker_id"`
	HashrateHs float64    `json:"hashrate_hs"`
	GPUs       []GPUStats `json:"gpus,omitempty"`
	SampledAt  time.Time  `json:"sampled_at"`
}

// GPUStats is one device's telemetry sample
type GPUStats struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Memory      uint64  `json:"memory"`
	Utilization float64 `json:"utilization"`
	Temperature float64 `json:"temperature"`
}
