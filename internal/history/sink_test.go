package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/progress"
)

type recordedFinish struct {
	jobID      string
	status     RunStatus
	errMsg     *string
	iterations int
	finalLoss  *float64
}

type fakeRecorder struct {
	mu       sync.Mutex
	starts   []string
	finishes []recordedFinish
}

func (f *fakeRecorder) RecordStart(_ context.Context, jobID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, jobID)
	return nil
}

func (f *fakeRecorder) RecordFinish(_ context.Context, jobID string, _ time.Time, status RunStatus, errMsg *string, iterations int, finalLoss *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes = append(f.finishes, recordedFinish{jobID, status, errMsg, iterations, finalLoss})
	return nil
}

func evt(kind progress.Kind, jobID string) progress.Event {
	return progress.Event{JobID: jobID, TS: time.Now().UTC(), Kind: kind}
}

func TestSinkWritesStartAndTerminalOnly(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	sink := NewSink(rec, zap.NewNop())

	prog := evt(progress.KindProgress, "job-1")
	prog.Iteration = 500
	prog.TotalIterations = 2000
	prog.Loss = 0.12

	batch := []progress.Event{
		evt(progress.KindStarted, "job-1"),
		prog,
		evt(progress.KindStatus, "job-1"),
		evt(progress.KindCompleted, "job-1"),
	}
	// Status events need a message to be valid upstream; irrelevant here but
	// keep the fixture honest.
	batch[2].Message = "storing outputs"

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"job-1"}, rec.starts)
	require.Len(t, rec.finishes, 1)
	fin := rec.finishes[0]
	require.Equal(t, RunCompleted, fin.status)
	require.Nil(t, fin.errMsg)
	require.Equal(t, 500, fin.iterations)
	require.NotNil(t, fin.finalLoss)
	require.InDelta(t, 0.12, *fin.finalLoss, 1e-9)
}

func TestSinkRecordsFailureMessage(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	sink := NewSink(rec, zap.NewNop())

	failed := evt(progress.KindFailed, "job-1")
	failed.Error = "optimizer_failure: loss diverged"

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		evt(progress.KindStarted, "job-1"),
		failed,
	}))

	require.Len(t, rec.finishes, 1)
	fin := rec.finishes[0]
	require.Equal(t, RunFailed, fin.status)
	require.NotNil(t, fin.errMsg)
	require.Equal(t, "optimizer_failure: loss diverged", *fin.errMsg)
	require.Equal(t, 0, fin.iterations, "no progress arrived before the failure")
	require.Nil(t, fin.finalLoss)
}

func TestSinkTracksJobsIndependently(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	sink := NewSink(rec, zap.NewNop())

	progA := evt(progress.KindProgress, "job-a")
	progA.Iteration = 10
	progA.TotalIterations = 100
	progB := evt(progress.KindProgress, "job-b")
	progB.Iteration = 99
	progB.TotalIterations = 100

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{progA, progB}))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt(progress.KindCancelled, "job-a")}))

	require.Len(t, rec.finishes, 1)
	require.Equal(t, "job-a", rec.finishes[0].jobID)
	require.Equal(t, RunCancelled, rec.finishes[0].status)
	require.Equal(t, 10, rec.finishes[0].iterations)
}
