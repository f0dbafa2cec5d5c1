package history

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/progress"
)

// Sink folds progress events into run rows. Progress events only update an
// in-memory tracker; a row is written on start and once more on the terminal
// event, keeping database traffic independent of optimizer chattiness.
type Sink struct {
	rec    Recorder
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]progress.Event
}

// NewSink creates a history sink over the given recorder.
func NewSink(rec Recorder, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		rec:    rec,
		logger: logger,
		last:   make(map[string]progress.Event),
	}
}

// Consume applies a batch of events. Write failures are collected and
// returned; later events in the batch are still processed.
func (s *Sink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindStarted:
			if err := s.rec.RecordStart(ctx, evt.JobID, evt.TS); err != nil {
				errs = append(errs, err)
			}
		case progress.KindProgress:
			s.mu.Lock()
			s.last[evt.JobID] = evt
			s.mu.Unlock()
		case progress.KindCompleted, progress.KindFailed, progress.KindCancelled:
			if err := s.finish(ctx, evt); err != nil {
				errs = append(errs, err)
			}
		case progress.KindStatus:
			// Phase text is not persisted.
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) finish(ctx context.Context, evt progress.Event) error {
	s.mu.Lock()
	last, hasProgress := s.last[evt.JobID]
	delete(s.last, evt.JobID)
	s.mu.Unlock()

	status := RunCompleted
	var errMsg *string
	switch evt.Kind {
	case progress.KindFailed:
		status = RunFailed
		msg := evt.Error
		errMsg = &msg
	case progress.KindCancelled:
		status = RunCancelled
	}

	iterations := 0
	var finalLoss *float64
	if hasProgress {
		iterations = last.Iteration
		loss := last.Loss
		finalLoss = &loss
	}
	return s.rec.RecordFinish(ctx, evt.JobID, evt.TS, status, errMsg, iterations, finalLoss)
}

// Close drops the tracker. The recorder's lifecycle belongs to the caller.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	s.last = make(map[string]progress.Event)
	s.mu.Unlock()
	return nil
}
