// Package log provides structured logging utilities for minerd.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker returns a logger with worker-specific fields
func (l *Logger) WithWorker(workerID string) *Logger {
	return l.WithFields("worker_id", workerID)
}

// WithTemplate returns a logger with work-template fields
func (l *Logger) WithTemplate(templateID uint64, height int64) *Logger {
	return l.WithFields("template_id", templateID, "block_height", height)
}

// WithBatch returns a logger with batch assignment fields
func (l *Logger) WithBatch(assignmentID, startNonce, nonceCount uint64) *Logger {
	return l.WithFields(
		"assignment_id", assignmentID,
		"start_nonce", startNonce,
		"nonce_count", nonceCount,
	)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Worker lifecycle logging helpers

// LogWorkerMessage logs worker protocol messages (debug level)
func (l *Logger) LogWorkerMessage(direction, message string) {
	l.Debug("worker message",
		"direction", direction,
		"message", message,
	)
}

// LogWorkerState logs worker session state transitions
func (l *Logger) LogWorkerState(workerID, from, to string) {
	l.Info("worker state changed",
		"worker_id", workerID,
		"from", from,
		"to", to,
	)
}

// LogConnection logs worker connection events
func (l *Logger) LogConnection(event, workerID string) {
	l.Info("worker connection event",
		"event", event,
		"worker_id", workerID,
	)
}

// Mining-specific logging helpers

// LogBatchAssigned logs a batch being handed to a worker
func (l *Logger) LogBatchAssigned(workerID string, assignmentID, startNonce, nonceCount uint64) {
	l.Info("batch assigned",
		"worker_id", workerID,
		"assignment_id", assignmentID,
		"start_nonce", startNonce,
		"nonce_count", nonceCount,
	)
}

// LogSolution logs a candidate solution and its validation outcome
func (l *Logger) LogSolution(workerID string, templateID, nonce uint64, hash, status string) {
	l.Info("candidate solution",
		"worker_id", workerID,
		"template_id", templateID,
		"nonce", nonce,
		"hash", hash,
		"status", status,
	)
}

// LogTemplate logs arrival of a new work template
func (l *Logger) LogTemplate(templateID uint64, height int64, nonceSpace uint64) {
	l.Info("work template activated",
		"template_id", templateID,
		"block_height", height,
		"nonce_space", nonceSpace,
	)
}

// LogHashrate logs hashrate accounting for a worker
func (l *Logger) LogHashrate(workerID string, hashesComputed, durationMS uint64) {
	rate := 0.0
	if durationMS > 0 {
		rate = float64(hashesComputed) / (float64(durationMS) / 1000.0)
	}
	l.Info("worker hashrate",
		"worker_id", workerID,
		"hashes_computed", hashesComputed,
		"duration_ms", durationMS,
		"hashes_per_sec", rate,
	)
}
