// Package progress defines the event structures emitted while a job runs and
// the hub that delivers them to observers and sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds. The last three are terminal: exactly one of them is
// published per job, and it is always the final event an observer sees.
const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindStatus    Kind = "status"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Event captures a single milestone of an optimization job.
type Event struct {
	// JobID identifies the job the event belongs to.
	JobID string `json:"job_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Kind denotes which lifecycle or progress milestone occurred.
	Kind Kind `json:"kind"`
	// Iteration/TotalIterations/Loss carry numeric progress for KindProgress.
	Iteration       int     `json:"iteration,omitempty"`
	TotalIterations int     `json:"total_iterations,omitempty"`
	Loss            float64 `json:"loss,omitempty"`
	// Preview is an optional data URI with a composite preview image. The
	// worker throttles how often one is attached.
	Preview string `json:"preview,omitempty"`
	// Message carries human-readable phase text for KindStatus.
	Message string `json:"message,omitempty"`
	// Outputs lists produced artifact names for KindCompleted. Storage
	// locations stay inside the process; names are the public identity.
	Outputs []string `json:"outputs,omitempty"`
	// Error holds the failure message for KindFailed.
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the event ends its job's stream.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindCompleted, KindFailed, KindCancelled:
		return true
	default:
		return false
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindStarted, KindCompleted, KindCancelled:
	case KindProgress:
		if e.Iteration < 0 || e.TotalIterations <= 0 {
			return errors.New("progress requires iteration counts")
		}
	case KindStatus:
		if e.Message == "" {
			return errors.New("status requires a message")
		}
	case KindFailed:
		if e.Error == "" {
			return errors.New("failed requires an error message")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}
