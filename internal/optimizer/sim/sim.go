// Package sim provides an in-process simulated optimizer for development and
// tests. It honors the full invocation contract: periodic progress callbacks,
// cooperative cancellation, and a fixed set of produced artifacts.
package sim

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/calebmoore/forged/internal/forge"
)

// Config controls the simulation.
type Config struct {
	// WorkDir is where produced files are written; one subdirectory per run.
	WorkDir string `mapstructure:"work_dir"`
	// StepDelay is the simulated cost of one iteration.
	StepDelay time.Duration `mapstructure:"step_delay"`
	// PreviewEvery attaches a preview data URI every N iterations (default 50).
	PreviewEvery int `mapstructure:"preview_every"`
	// FailAtIteration, when > 0, aborts the run at that iteration. Test knob.
	FailAtIteration int
}

// Optimizer simulates the image-to-model optimization loop.
type Optimizer struct {
	cfg Config
}

// New constructs the simulated optimizer.
func New(cfg Config) *Optimizer {
	if cfg.PreviewEvery <= 0 {
		cfg.PreviewEvery = 50
	}
	return &Optimizer{cfg: cfg}
}

// 1x1 grey JPEG, enough to exercise preview plumbing.
const previewStub = "data:image/jpeg;base64,/9j/4AAQSkZJRgABAQAAAQABAAD/2wBDAAM="

// Run iterates params.Iterations times with a decaying loss, polling the
// cancellation token every iteration, then writes the four artifacts.
func (o *Optimizer) Run(
	ctx context.Context,
	inputs forge.Inputs,
	params forge.Params,
	onProgress forge.ProgressFunc,
	token *forge.Token,
) (forge.Produced, error) {
	if _, err := os.Stat(inputs.ImagePath); err != nil {
		return nil, fmt.Errorf("read target image: %w", err)
	}
	if _, err := os.Stat(inputs.MaterialsPath); err != nil {
		return nil, fmt.Errorf("read material list: %w", err)
	}

	total := params.Iterations
	for i := 1; i <= total; i++ {
		if token != nil && token.Cancelled() {
			return nil, forge.ErrCancelled
		}
		select {
		case <-ctx.Done():
			return nil, forge.ErrCancelled
		default:
		}
		if o.cfg.FailAtIteration > 0 && i == o.cfg.FailAtIteration {
			return nil, fmt.Errorf("simulated optimizer divergence at iteration %d", i)
		}

		loss := math.Exp(-4 * float64(i) / float64(total))
		preview := ""
		if i%o.cfg.PreviewEvery == 0 || i == total {
			preview = previewStub
		}
		if onProgress != nil {
			onProgress(i, total, loss, preview)
		}
		if o.cfg.StepDelay > 0 {
			time.Sleep(o.cfg.StepDelay)
		}
	}

	return o.writeArtifacts(params)
}

func (o *Optimizer) writeArtifacts(params forge.Params) (forge.Produced, error) {
	dir, err := os.MkdirTemp(o.cfg.WorkDir, "simrun_")
	if err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	files := []struct {
		name        string
		filename    string
		contentType string
		content     string
	}{
		{forge.ArtifactDiscretizedImage, "discretized.png", "image/png", "PNG placeholder discretized output"},
		{forge.ArtifactSTL, "model.stl", "model/stl", fmt.Sprintf("solid forged size=%d nozzle=%.2f\nendsolid forged\n", params.STLOutputSize, params.NozzleDiameter)},
		{forge.ArtifactSwapInstructions, "swap_instructions.txt", "text/plain", fmt.Sprintf("swap at layer heights of %.2fmm\n", params.LayerHeight)},
		{forge.ArtifactProjectFile, "project.json", "application/json", `{"version":1,"layers":[]}`},
	}

	produced := make(forge.Produced, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.filename)
		if err := os.WriteFile(path, []byte(f.content), 0o600); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.filename, err)
		}
		produced[f.name] = forge.ProducedArtifact{
			Filename:    f.filename,
			ContentType: f.contentType,
			Path:        path,
		}
	}
	return produced, nil
}
