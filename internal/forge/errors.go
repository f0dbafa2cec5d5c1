package forge

import (
	"errors"
	"fmt"
)

// Control-plane errors returned synchronously to API callers. They never
// mutate job state.
var (
	// ErrInvalidInput indicates a malformed or missing upload at create time.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidState indicates the operation is not valid for the job's
	// current state, e.g. starting a job twice.
	ErrInvalidState = errors.New("invalid job state")
	// ErrBusy indicates another job currently holds the single run slot.
	ErrBusy = errors.New("another job is running")
	// ErrArtifactNotFound indicates a download of an unknown or
	// not-yet-produced artifact.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// ErrorKind classifies worker-side failures recorded on the job.
type ErrorKind string

// Worker-side failure kinds.
const (
	// KindOptimizerFailure means the optimizer returned an error; the
	// message is preserved verbatim.
	KindOptimizerFailure ErrorKind = "optimizer_failure"
	// KindInternalFault means the worker itself crashed unexpectedly.
	KindInternalFault ErrorKind = "internal_fault"
)

// OptimizerError wraps a worker-side failure with its classification. It is
// captured into the job record and surfaced via status; it is never thrown
// back across the control plane.
type OptimizerError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *OptimizerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OptimizerError) Unwrap() error {
	return e.Cause
}

// ErrCancelled is returned by an optimizer run that observed the cancellation
// token and aborted.
var ErrCancelled = errors.New("cancelled by request")
