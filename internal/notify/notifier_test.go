package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/forge"
	"github.com/calebmoore/forged/internal/notify/memory"
)

func TestJobFinishedPublishesSnapshot(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	notifier := NewJobNotifier(pub, "forged-jobs", zap.NewNop())

	finished := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	notifier.JobFinished(context.Background(), forge.Job{
		ID:         "job-1",
		State:      forge.StateCompleted,
		Outputs:    map[string]string{forge.ArtifactSTL: "file:///tmp/model.stl"},
		FinishedAt: &finished,
	})

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "forged-jobs", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(Message)
	require.True(t, ok)
	require.Equal(t, "job-1", payload.JobID)
	require.Equal(t, forge.StateCompleted, payload.State)
	require.Equal(t, []string{forge.ArtifactSTL}, payload.Outputs, "payload must carry names, never locations")
	require.Equal(t, "2026-08-24T12:00:00.000Z", payload.FinishedAt)
}

func TestJobFinishedCarriesFailureInfo(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	notifier := NewJobNotifier(pub, "forged-jobs", zap.NewNop())

	notifier.JobFinished(context.Background(), forge.Job{
		ID:    "job-2",
		State: forge.StateFailed,
		Error: &forge.ErrorInfo{Kind: forge.KindOptimizerFailure, Message: "loss diverged"},
	})

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	payload, ok := msgs[0].Payload.(Message)
	require.True(t, ok)
	require.NotNil(t, payload.Error)
	require.Equal(t, forge.KindOptimizerFailure, payload.Error.Kind)
	require.Empty(t, payload.FinishedAt)
}
