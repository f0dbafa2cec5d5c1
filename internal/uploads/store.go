// Package uploads stages the two input payloads a job is created from: the
// target image and the material list. It validates file kinds up front so the
// scheduler only ever sees acceptable inputs.
package uploads

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/calebmoore/forged/internal/forge"
)

// Accepted file extensions, lowercase without the dot.
var (
	imageExtensions    = map[string]struct{}{"png": {}, "jpg": {}, "jpeg": {}, "bmp": {}, "webp": {}}
	materialExtensions = map[string]struct{}{"csv": {}, "json": {}}
)

// Config captures staging store parameters.
type Config struct {
	// BaseDir is the directory uploads are staged under.
	BaseDir string `mapstructure:"base_dir"`
	// MaxBytes bounds a single payload size. Zero means the default 50MiB.
	MaxBytes int64 `mapstructure:"max_bytes"`
}

const defaultMaxBytes = 50 << 20

// Store writes uploaded payloads to a staging directory keyed by job id.
type Store struct {
	baseDir  string
	maxBytes int64
}

// New creates the staging store, creating the base directory if needed.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Store{baseDir: cfg.BaseDir, maxBytes: maxBytes}, nil
}

// AllowedImage reports whether filename has an accepted image extension.
func AllowedImage(filename string) bool {
	return allowed(filename, imageExtensions)
}

// AllowedMaterials reports whether filename has an accepted material list
// extension.
func AllowedMaterials(filename string) bool {
	return allowed(filename, materialExtensions)
}

func allowed(filename string, exts map[string]struct{}) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return false
	}
	_, ok := exts[ext]
	return ok
}

// sanitize keeps only the base name and strips characters that do not belong
// in a staged filename.
func sanitize(filename string) string {
	base := filepath.Base(filename)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// StageImage validates and writes the image payload for a job. The returned
// path goes onto the job record's inputs.
func (s *Store) StageImage(jobID, filename string, r io.Reader) (string, error) {
	if !AllowedImage(filename) {
		return "", fmt.Errorf("%w: unsupported image file type", forge.ErrInvalidInput)
	}
	return s.stage(jobID, filename, r)
}

// StageMaterials validates and writes the material list payload for a job.
func (s *Store) StageMaterials(jobID, filename string, r io.Reader) (string, error) {
	if !AllowedMaterials(filename) {
		return "", fmt.Errorf("%w: unsupported material file type", forge.ErrInvalidInput)
	}
	return s.stage(jobID, filename, r)
}

func (s *Store) stage(jobID, filename string, r io.Reader) (string, error) {
	name := sanitize(filename)
	if name == "" || name == "." {
		return "", fmt.Errorf("%w: missing file name", forge.ErrInvalidInput)
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("%s_%s", jobID, name))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close staged file: %w", err)
	}
	if n == 0 {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: empty payload", forge.ErrInvalidInput)
	}
	if n > s.maxBytes {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: payload exceeds %d bytes", forge.ErrInvalidInput, s.maxBytes)
	}
	return path, nil
}

// Remove deletes all staged payloads belonging to a job.
func (s *Store) Remove(jobID string) error {
	matches, err := filepath.Glob(filepath.Join(s.baseDir, jobID+"_*"))
	if err != nil {
		return fmt.Errorf("glob staged files: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove staged file: %w", err)
		}
	}
	return nil
}
