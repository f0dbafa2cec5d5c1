// Package exec adapts an external optimizer binary to the invocation
// contract. The binary receives the staged inputs, a JSON parameter file, and
// an output directory; it reports progress as JSON lines on stdout and is
// expected to exit promptly on SIGTERM when cancellation is requested.
package exec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/forge"
)

// Config captures how the external binary is launched.
type Config struct {
	// Binary is the optimizer executable path.
	Binary string `mapstructure:"binary"`
	// WorkDir is where per-run output directories are created.
	WorkDir string `mapstructure:"work_dir"`
	// TerminateGrace is how long to wait after SIGTERM before SIGKILL.
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`
}

const defaultTerminateGrace = 15 * time.Second

// Optimizer shells out to the configured binary for each run.
type Optimizer struct {
	cfg    Config
	logger *zap.Logger
}

// New validates the configuration and constructs the adapter.
func New(cfg Config, logger *zap.Logger) (*Optimizer, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, fmt.Errorf("optimizer binary is required")
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = defaultTerminateGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{cfg: cfg, logger: logger}, nil
}

// progressLine is one stdout line emitted by the binary.
type progressLine struct {
	Iteration       int     `json:"iteration"`
	TotalIterations int     `json:"total_iterations"`
	Loss            float64 `json:"loss"`
	Preview         string  `json:"preview,omitempty"`
}

// Expected output files inside the run's output directory. The project file
// is optional; the original optimizer tolerates failing to produce it.
var expectedFiles = []struct {
	name        string
	filename    string
	contentType string
	optional    bool
}{
	{forge.ArtifactDiscretizedImage, "discretized.png", "image/png", false},
	{forge.ArtifactSTL, "model.stl", "model/stl", false},
	{forge.ArtifactSwapInstructions, "swap_instructions.txt", "text/plain", false},
	{forge.ArtifactProjectFile, "project.json", "application/json", true},
}

// Run launches the binary and blocks until it exits. Cancellation is
// forwarded as SIGTERM, escalating to SIGKILL after the grace period; an
// external process cannot poll the token by itself.
func (o *Optimizer) Run(
	ctx context.Context,
	inputs forge.Inputs,
	params forge.Params,
	onProgress forge.ProgressFunc,
	token *forge.Token,
) (forge.Produced, error) {
	outDir, err := os.MkdirTemp(o.cfg.WorkDir, "optrun_")
	if err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	paramsPath := filepath.Join(outDir, "params.json")
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	if err := os.WriteFile(paramsPath, paramsJSON, 0o600); err != nil {
		return nil, fmt.Errorf("write params file: %w", err)
	}

	cmd := osexec.Command(o.cfg.Binary,
		"--image", inputs.ImagePath,
		"--materials", inputs.MaterialsPath,
		"--params", paramsPath,
		"--output-dir", outDir,
		"--progress-json",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start optimizer: %w", err)
	}
	o.logger.Info("optimizer process started",
		zap.String("binary", o.cfg.Binary),
		zap.Int("pid", cmd.Process.Pid),
	)

	procDone := make(chan struct{})
	go o.supervise(ctx, cmd, token, procDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024) // previews inline as data URIs
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var p progressLine
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			o.logger.Debug("skipping unparseable progress line", zap.Error(err))
			continue
		}
		if onProgress != nil {
			onProgress(p.Iteration, p.TotalIterations, p.Loss, p.Preview)
		}
	}

	waitErr := cmd.Wait()
	close(procDone)

	if token != nil && token.Cancelled() {
		return nil, forge.ErrCancelled
	}
	if ctx.Err() != nil {
		return nil, forge.ErrCancelled
	}
	if waitErr != nil {
		return nil, fmt.Errorf("optimizer exited: %w: %s", waitErr, tail(stderr.String(), 512))
	}
	return collectOutputs(outDir)
}

// supervise forwards cancellation to the process. SIGTERM first, SIGKILL
// after the grace period if the process is still alive.
func (o *Optimizer) supervise(ctx context.Context, cmd *osexec.Cmd, token *forge.Token, procDone <-chan struct{}) {
	var tokenDone <-chan struct{}
	if token != nil {
		tokenDone = token.Done()
	}
	select {
	case <-procDone:
		return
	case <-ctx.Done():
	case <-tokenDone:
	}

	o.logger.Info("terminating optimizer process", zap.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		o.logger.Warn("signal optimizer failed", zap.Error(err))
	}
	select {
	case <-procDone:
	case <-time.After(o.cfg.TerminateGrace):
		o.logger.Warn("optimizer ignored SIGTERM, killing", zap.Int("pid", cmd.Process.Pid))
		if err := cmd.Process.Kill(); err != nil {
			o.logger.Warn("kill optimizer failed", zap.Error(err))
		}
	}
}

func collectOutputs(outDir string) (forge.Produced, error) {
	produced := make(forge.Produced, len(expectedFiles))
	for _, f := range expectedFiles {
		path := filepath.Join(outDir, f.filename)
		info, err := os.Stat(path)
		if err != nil {
			if f.optional && os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("expected output %s missing: %w", f.filename, err)
		}
		if info.Size() == 0 {
			return nil, fmt.Errorf("expected output %s is empty", f.filename)
		}
		produced[f.name] = forge.ProducedArtifact{
			Filename:    f.filename,
			ContentType: f.contentType,
			Path:        path,
		}
	}
	return produced, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
