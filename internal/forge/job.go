// Package forge defines the job model shared by the scheduler, worker, and API.
package forge

import "time"

// State is the lifecycle state of a Job.
type State string

// Job lifecycle states. Transitions only move forward: created -> running ->
// one of the three terminal states.
const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Inputs references the two uploaded payloads a job operates on. Paths are
// staging-store locations and are immutable after creation.
type Inputs struct {
	ImagePath     string `json:"image_path"`
	MaterialsPath string `json:"materials_path"`
}

// Progress is the last reported optimizer progress. Iteration is
// non-decreasing while the job runs.
type Progress struct {
	Iteration       int     `json:"iteration"`
	TotalIterations int     `json:"total_iterations"`
	Loss            float64 `json:"loss"`
	// PreviewRef is a data URI for the most recent preview image, when one
	// was attached to a progress callback.
	PreviewRef string `json:"preview_ref,omitempty"`
}

// ErrorInfo describes why a job failed. Set iff the job is in StateFailed.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is the record for one submitted computation. The scheduler owns all
// mutation; everything handed out across the API boundary is a deep copy.
type Job struct {
	ID              string            `json:"id"`
	State           State             `json:"state"`
	Inputs          Inputs            `json:"inputs"`
	Params          Params            `json:"params"`
	Progress        Progress          `json:"progress"`
	Error           *ErrorInfo        `json:"error,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (j Job) Clone() Job {
	cp := j
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.Outputs != nil {
		cp.Outputs = make(map[string]string, len(j.Outputs))
		for k, v := range j.Outputs {
			cp.Outputs[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// Outputs maps logical artifact names to storage locations.
type Outputs map[string]string

// Canonical artifact names produced by a completed optimization.
const (
	ArtifactDiscretizedImage = "discretized_image"
	ArtifactSTL              = "stl_file"
	ArtifactSwapInstructions = "swap_instructions"
	ArtifactProjectFile      = "project_file"
)

// KnownArtifact reports whether name is one of the canonical artifact names.
func KnownArtifact(name string) bool {
	switch name {
	case ArtifactDiscretizedImage, ArtifactSTL, ArtifactSwapInstructions, ArtifactProjectFile:
		return true
	default:
		return false
	}
}
