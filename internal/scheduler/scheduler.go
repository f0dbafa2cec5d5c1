// Package scheduler owns the job table and the single run slot. All state
// transitions happen here, under one lock, so the slot and the job state can
// never disagree.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/artifacts"
	"github.com/calebmoore/forged/internal/forge"
	"github.com/calebmoore/forged/internal/progress"
	"github.com/calebmoore/forged/internal/uploads"
	"github.com/calebmoore/forged/internal/worker"
)

// Notifier receives terminal job snapshots, e.g. for Pub/Sub fan-out. It must
// not block for long; it is called off the request path but inside the run
// goroutine's teardown.
type Notifier interface {
	JobFinished(ctx context.Context, job forge.Job)
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Runner   *worker.Runner
	Uploads  *uploads.Store
	Registry *artifacts.Registry
	Hub      *progress.Hub
	Notifier Notifier // optional
	Clock    forge.Clock
	IDs      forge.IDGenerator
	Logger   *zap.Logger
}

// Scheduler tracks jobs in memory and enforces the one-job-at-a-time rule.
// Jobs do not survive a process restart.
type Scheduler struct {
	runner   *worker.Runner
	uploads  *uploads.Store
	registry *artifacts.Registry
	hub      *progress.Hub
	notifier Notifier
	clock    forge.Clock
	ids      forge.IDGenerator
	logger   *zap.Logger

	mu     sync.RWMutex
	jobs   map[string]*forge.Job
	tokens map[string]*forge.Token
	active string // job id holding the run slot, "" when free

	wg sync.WaitGroup
}

// New constructs a Scheduler.
func New(d Deps) *Scheduler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   d.Runner,
		uploads:  d.Uploads,
		registry: d.Registry,
		hub:      d.Hub,
		notifier: d.Notifier,
		clock:    d.Clock,
		ids:      d.IDs,
		logger:   logger,
		jobs:     make(map[string]*forge.Job),
		tokens:   make(map[string]*forge.Token),
	}
}

// Create validates and stages both payloads, then records a new job in the
// created state with default parameters. Creation is never blocked by a
// running job; parameters are supplied at start time.
func (s *Scheduler) Create(
	ctx context.Context,
	imageName string, image io.Reader,
	materialsName string, materials io.Reader,
) (forge.Job, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return forge.Job{}, fmt.Errorf("generate job id: %w", err)
	}

	imagePath, err := s.uploads.StageImage(id, imageName, image)
	if err != nil {
		return forge.Job{}, err
	}
	materialsPath, err := s.uploads.StageMaterials(id, materialsName, materials)
	if err != nil {
		if rmErr := s.uploads.Remove(id); rmErr != nil {
			s.logger.Warn("reclaim staged files after failed create", zap.String("job_id", id), zap.Error(rmErr))
		}
		return forge.Job{}, err
	}

	job := &forge.Job{
		ID:        id,
		State:     forge.StateCreated,
		Inputs:    forge.Inputs{ImagePath: imagePath, MaterialsPath: materialsPath},
		Params:    forge.DefaultParams(),
		CreatedAt: s.clock.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	s.logger.Info("job created", zap.String("job_id", id))
	return job.Clone(), nil
}

// Start validates the supplied parameters, transitions a created job to
// running, and launches its run goroutine. The slot check and the state
// transition happen under one lock; a concurrent Start on another job sees
// either both or neither.
func (s *Scheduler) Start(ctx context.Context, jobID string, params forge.Params) (forge.Job, error) {
	params = params.Normalize()
	if err := params.Validate(); err != nil {
		return forge.Job{}, fmt.Errorf("%w: %s", forge.ErrInvalidInput, err)
	}

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return forge.Job{}, forge.ErrNotFound
	}
	if job.State != forge.StateCreated {
		state := job.State
		s.mu.Unlock()
		return forge.Job{}, fmt.Errorf("%w: cannot start job in state %s", forge.ErrInvalidState, state)
	}
	if s.active != "" {
		s.mu.Unlock()
		return forge.Job{}, forge.ErrBusy
	}

	token := forge.NewToken()
	now := s.clock.Now().UTC()
	job.State = forge.StateRunning
	job.Params = params
	job.StartedAt = &now
	s.tokens[jobID] = token
	s.active = jobID
	snapshot := job.Clone()
	s.mu.Unlock()

	s.hub.Publish(progress.Event{
		JobID: jobID,
		TS:    now,
		Kind:  progress.KindStarted,
	})
	s.logger.Info("job started", zap.String("job_id", jobID))

	s.wg.Add(1)
	go s.execute(snapshot, token)
	return snapshot, nil
}

// execute runs the job to completion on its own goroutine. The run is bound
// to the process lifetime, not to any request context; cancellation travels
// through the token.
func (s *Scheduler) execute(job forge.Job, token *forge.Token) {
	defer s.wg.Done()

	outputs, err := s.runner.Run(context.Background(), job, token, func(p forge.Progress) {
		s.recordProgress(job.ID, p)
	})
	s.finish(job.ID, outputs, err)
}

// recordProgress folds a progress callback into the job record. Late
// callbacks arriving after the terminal transition are ignored.
func (s *Scheduler) recordProgress(jobID string, p forge.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.State != forge.StateRunning {
		return
	}
	prevPreview := job.Progress.PreviewRef
	job.Progress = p
	if p.PreviewRef == "" {
		job.Progress.PreviewRef = prevPreview
	}
}

// finish applies the run outcome: terminal state, slot release, and the
// terminal event, all stemming from one locked transition.
func (s *Scheduler) finish(jobID string, outputs map[string]string, runErr error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		// Removed while running should be impossible; drop the outcome.
		if s.active == jobID {
			s.active = ""
		}
		s.mu.Unlock()
		s.logger.Error("run finished for unknown job", zap.String("job_id", jobID))
		return
	}

	now := s.clock.Now().UTC()
	job.FinishedAt = &now
	evt := progress.Event{JobID: jobID, TS: now}

	switch {
	case runErr == nil:
		job.State = forge.StateCompleted
		job.Outputs = outputs
		evt.Kind = progress.KindCompleted
		evt.Outputs = artifactNames(outputs)
	case errors.Is(runErr, forge.ErrCancelled):
		job.State = forge.StateCancelled
		evt.Kind = progress.KindCancelled
	default:
		job.State = forge.StateFailed
		info := forge.ErrorInfo{Kind: forge.KindInternalFault, Message: runErr.Error()}
		var oe *forge.OptimizerError
		if errors.As(runErr, &oe) {
			info = forge.ErrorInfo{Kind: oe.Kind, Message: oe.Error()}
		}
		job.Error = &info
		evt.Kind = progress.KindFailed
		evt.Error = info.Message
	}

	if s.active == jobID {
		s.active = ""
	}
	delete(s.tokens, jobID)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.hub.Publish(evt)
	s.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("state", string(snapshot.State)),
	)
	if s.notifier != nil {
		s.notifier.JobFinished(context.Background(), snapshot)
	}
}

// artifactNames flattens an output map to its sorted artifact names. Storage
// locations never ride on published events.
func artifactNames(outputs map[string]string) []string {
	if len(outputs) == 0 {
		return nil
	}
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns a snapshot of the job record.
func (s *Scheduler) Status(jobID string) (forge.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return forge.Job{}, forge.ErrNotFound
	}
	return job.Clone(), nil
}

// Cancel requests cooperative termination of a running job. It returns once
// the request is recorded; the job reaches the cancelled state asynchronously
// when the optimizer observes the token. Repeated cancels are no-ops.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return forge.ErrNotFound
	}
	if job.State != forge.StateRunning {
		state := job.State
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel job in state %s", forge.ErrInvalidState, state)
	}
	already := job.CancelRequested
	job.CancelRequested = true
	token := s.tokens[jobID]
	s.mu.Unlock()

	token.Cancel()
	if !already {
		s.hub.Publish(progress.Event{
			JobID:   jobID,
			TS:      s.clock.Now().UTC(),
			Kind:    progress.KindStatus,
			Message: "cancellation requested",
		})
		s.logger.Info("job cancellation requested", zap.String("job_id", jobID))
	}
	return nil
}

// Download opens the named artifact of a completed job.
func (s *Scheduler) Download(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	s.mu.RLock()
	_, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, forge.ErrNotFound
	}
	return s.registry.Open(ctx, jobID, name)
}

// Subscribe attaches a live event stream for the job. The returned cancel
// function must be called when the observer goes away.
func (s *Scheduler) Subscribe(jobID string) (<-chan progress.Event, func(), error) {
	s.mu.RLock()
	_, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, forge.ErrNotFound
	}
	ch, cancel := s.hub.Subscribe(jobID)
	return ch, cancel, nil
}

// Remove deletes a terminal job and reclaims its staged inputs, artifacts,
// and retained events. Running jobs must be cancelled first.
func (s *Scheduler) Remove(ctx context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return forge.ErrNotFound
	}
	if !job.State.Terminal() {
		state := job.State
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot remove job in state %s", forge.ErrInvalidState, state)
	}
	delete(s.jobs, jobID)
	delete(s.tokens, jobID)
	s.mu.Unlock()

	s.hub.Forget(jobID)
	var errs []error
	if err := s.uploads.Remove(jobID); err != nil {
		errs = append(errs, fmt.Errorf("reclaim staged inputs: %w", err))
	}
	if err := s.registry.Remove(ctx, jobID); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("job removed", zap.String("job_id", jobID))
	return errors.Join(errs...)
}

// Shutdown cancels any running job and waits for its goroutine to finish or
// the context to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, token := range s.tokens {
		token.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
