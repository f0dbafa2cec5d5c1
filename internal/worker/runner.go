// Package worker executes one optimization run end to end: it drives the
// optimizer, fans progress out as events, and registers the produced files
// when the run succeeds.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/artifacts"
	"github.com/calebmoore/forged/internal/forge"
	"github.com/calebmoore/forged/internal/progress"
)

// Config tunes per-run behavior.
type Config struct {
	// PreviewMinInterval throttles how often a preview image is attached to
	// published progress events. The job record always keeps the latest.
	PreviewMinInterval time.Duration `mapstructure:"preview_min_interval"`
}

const defaultPreviewMinInterval = time.Second

// Runner runs jobs. It is stateless across runs and safe for concurrent use,
// though the scheduler's single run slot means runs never overlap in practice.
type Runner struct {
	cfg       Config
	optimizer forge.Optimizer
	registry  *artifacts.Registry
	pub       progress.Publisher
	clock     forge.Clock
	logger    *zap.Logger
}

// NewRunner wires a Runner over its collaborators.
func NewRunner(
	cfg Config,
	optimizer forge.Optimizer,
	registry *artifacts.Registry,
	pub progress.Publisher,
	clock forge.Clock,
	logger *zap.Logger,
) *Runner {
	if cfg.PreviewMinInterval <= 0 {
		cfg.PreviewMinInterval = defaultPreviewMinInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		optimizer: optimizer,
		registry:  registry,
		pub:       pub,
		clock:     clock,
		logger:    logger,
	}
}

// Run executes the optimizer for job and blocks until it finishes. Each
// progress callback is published as an event and forwarded to onProgress so
// the caller can fold it into the job record. On success the produced files
// are registered and their storage locations returned.
//
// Failures are classified for the caller: forge.ErrCancelled passes through
// untouched, optimizer errors come back as OptimizerError with kind
// optimizer_failure, and a panic anywhere in the run is recovered and returned
// as an internal fault.
func (r *Runner) Run(
	ctx context.Context,
	job forge.Job,
	token *forge.Token,
	onProgress func(forge.Progress),
) (outputs map[string]string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("run panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			outputs = nil
			err = &forge.OptimizerError{
				Kind:    forge.KindInternalFault,
				Message: fmt.Sprintf("panic during run: %v", rec),
			}
		}
	}()

	produced, runErr := r.optimizer.Run(ctx, job.Inputs, job.Params, r.progressFunc(job.ID, onProgress), token)
	if runErr == nil && len(produced) == 0 {
		// A completed job must have outputs; an adapter reporting success
		// without any is broken.
		return nil, &forge.OptimizerError{
			Kind:    forge.KindInternalFault,
			Message: "optimizer reported success without outputs",
		}
	}
	if runErr != nil {
		if errors.Is(runErr, forge.ErrCancelled) {
			return nil, forge.ErrCancelled
		}
		var oe *forge.OptimizerError
		if errors.As(runErr, &oe) {
			return nil, runErr
		}
		return nil, &forge.OptimizerError{
			Kind:    forge.KindOptimizerFailure,
			Message: runErr.Error(),
			Cause:   runErr,
		}
	}

	r.pub.Publish(progress.Event{
		JobID:   job.ID,
		TS:      r.clock.Now().UTC(),
		Kind:    progress.KindStatus,
		Message: "storing outputs",
	})

	outputs, err = r.registerOutputs(ctx, job.ID, produced)
	if err != nil {
		return nil, &forge.OptimizerError{
			Kind:    forge.KindInternalFault,
			Message: "failed to store outputs",
			Cause:   err,
		}
	}
	return outputs, nil
}

// progressFunc adapts optimizer callbacks into events plus the caller's
// record update. Previews are rate limited on the event path only.
func (r *Runner) progressFunc(jobID string, onProgress func(forge.Progress)) forge.ProgressFunc {
	var mu sync.Mutex
	var lastPreview time.Time
	return func(iteration, totalIterations int, loss float64, preview string) {
		now := r.clock.Now()

		if onProgress != nil {
			onProgress(forge.Progress{
				Iteration:       iteration,
				TotalIterations: totalIterations,
				Loss:            loss,
				PreviewRef:      preview,
			})
		}

		eventPreview := ""
		if preview != "" {
			mu.Lock()
			if lastPreview.IsZero() || now.Sub(lastPreview) >= r.cfg.PreviewMinInterval {
				eventPreview = preview
				lastPreview = now
			}
			mu.Unlock()
		}

		r.pub.Publish(progress.Event{
			JobID:           jobID,
			TS:              now.UTC(),
			Kind:            progress.KindProgress,
			Iteration:       iteration,
			TotalIterations: totalIterations,
			Loss:            loss,
			Preview:         eventPreview,
		})
	}
}

func (r *Runner) registerOutputs(ctx context.Context, jobID string, produced forge.Produced) (map[string]string, error) {
	outputs := make(map[string]string, len(produced))
	for name, art := range produced {
		f, err := os.Open(art.Path)
		if err != nil {
			return nil, fmt.Errorf("open produced file %s: %w", name, err)
		}
		location, regErr := r.registry.Register(ctx, jobID, name, art.Filename, art.ContentType, f)
		closeErr := f.Close()
		if regErr != nil {
			return nil, regErr
		}
		if closeErr != nil {
			r.logger.Warn("close produced file", zap.String("artifact", name), zap.Error(closeErr))
		}
		outputs[name] = location
	}
	return outputs, nil
}
