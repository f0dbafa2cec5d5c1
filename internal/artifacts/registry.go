// Package artifacts tracks the output files a completed job produced and
// validates download requests against them.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/calebmoore/forged/internal/forge"
)

// BlobStore persists artifact bytes. Implementations live in the local and
// gcs subpackages.
type BlobStore interface {
	// Put writes data under key and returns a storage location URI.
	Put(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
	// Open returns a reader for a previously written key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// RemovePrefix deletes everything stored under the prefix.
	RemovePrefix(ctx context.Context, prefix string) error
}

// JobPrefix returns the storage prefix for one job's artifacts.
func JobPrefix(jobID string) string {
	return "jobs/" + jobID + "/"
}

// JobKey returns the full storage key for one artifact file.
func JobKey(jobID, filename string) string {
	return JobPrefix(jobID) + filename
}

type entry struct {
	key      string
	location string
}

// Registry maps a job to its produced artifacts by logical name. Names are
// validated against the canonical artifact set; entries appear only when the
// worker registers completed outputs, so a lookup hit implies the job
// finished successfully.
type Registry struct {
	store BlobStore

	mu   sync.RWMutex
	jobs map[string]map[string]entry
}

// NewRegistry constructs a Registry over the given blob store.
func NewRegistry(store BlobStore) *Registry {
	return &Registry{
		store: store,
		jobs:  make(map[string]map[string]entry),
	}
}

// Register stores one artifact's content and records it under (jobID, name).
// The logical name must be one of the canonical artifact names.
func (r *Registry) Register(ctx context.Context, jobID, name, filename, contentType string, data io.Reader) (string, error) {
	if !forge.KnownArtifact(name) {
		return "", fmt.Errorf("unknown artifact name %q", name)
	}
	key := JobKey(jobID, filename)
	location, err := r.store.Put(ctx, key, contentType, data)
	if err != nil {
		return "", fmt.Errorf("store artifact %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.jobs[jobID]
	if !ok {
		byName = make(map[string]entry)
		r.jobs[jobID] = byName
	}
	byName[name] = entry{key: key, location: location}
	return location, nil
}

// Open returns a reader for the named artifact of a job. It fails with
// forge.ErrArtifactNotFound when the name is unknown or the job has not
// registered outputs (i.e. it never completed).
func (r *Registry) Open(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	r.mu.RLock()
	ent, ok := r.jobs[jobID][name]
	r.mu.RUnlock()
	if !ok {
		return nil, forge.ErrArtifactNotFound
	}
	rc, err := r.store.Open(ctx, ent.key)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", name, err)
	}
	return rc, nil
}

// List returns the name -> location map for a job. Empty when the job has no
// registered outputs.
func (r *Registry) List(jobID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := r.jobs[jobID]
	out := make(map[string]string, len(byName))
	for name, ent := range byName {
		out[name] = ent.location
	}
	return out
}

// Remove forgets a job's artifacts and reclaims their storage.
func (r *Registry) Remove(ctx context.Context, jobID string) error {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
	if err := r.store.RemovePrefix(ctx, JobPrefix(jobID)); err != nil {
		return fmt.Errorf("remove artifacts for %s: %w", jobID, err)
	}
	return nil
}
