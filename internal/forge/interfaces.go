package forge

import (
	"context"
	"time"
)

// ProgressFunc receives periodic optimizer progress. preview is an optional
// data URI for a composite preview image; it is empty on most callbacks.
type ProgressFunc func(iteration, totalIterations int, loss float64, preview string)

// ProducedArtifact is one output file created by an optimizer run, before it
// is registered with the output registry.
type ProducedArtifact struct {
	// Filename is the file's name inside the job's artifact prefix.
	Filename string
	// ContentType is the MIME type used when storing the file.
	ContentType string
	// Path is the local path of the produced file.
	Path string
}

// Produced maps canonical artifact names to the files an optimizer run
// created.
type Produced map[string]ProducedArtifact

// Optimizer is the external long-running computation. Implementations must
// call onProgress periodically, check token at reasonable intervals, and
// return ErrCancelled promptly once the token is set. On success the returned
// map holds every produced artifact keyed by its canonical name.
type Optimizer interface {
	Run(ctx context.Context, inputs Inputs, params Params, onProgress ProgressFunc, token *Token) (Produced, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
