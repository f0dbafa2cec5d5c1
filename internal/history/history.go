// Package history persists an operational record of job runs to Postgres.
// It observes the event stream through a sink; the scheduler never reads it
// back, so losing a row degrades reporting, not correctness.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested run record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the job_runs status column.
type RunStatus string

// Run statuses persisted in job_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run models one row of the job_runs table.
type Run struct {
	// JobID is the job identifier, also the primary key.
	JobID string `json:"job_id"`
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Status is running/completed/failed/cancelled.
	Status RunStatus `json:"status"`
	// ErrorMessage stores the final failure reason for failed runs.
	ErrorMessage *string `json:"error_message,omitempty"`
	// Iterations is the last reported iteration count.
	Iterations int `json:"iterations"`
	// FinalLoss is the last reported loss, nil when no progress arrived.
	FinalLoss *float64 `json:"final_loss,omitempty"`
}

// Recorder accepts run lifecycle writes. The sink depends on this rather
// than on the concrete store.
type Recorder interface {
	// RecordStart inserts (or idempotently refreshes) a running row.
	RecordStart(ctx context.Context, jobID string, startedAt time.Time) error
	// RecordFinish marks the run terminal with its last known progress.
	RecordFinish(ctx context.Context, jobID string, finishedAt time.Time, status RunStatus, errMsg *string, iterations int, finalLoss *float64) error
}

// Repository reads run history for the API.
type Repository interface {
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID string) (Run, error)
	// ListRuns returns runs ordered newest first, filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
