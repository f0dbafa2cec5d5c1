package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/artifacts"
	"github.com/calebmoore/forged/internal/artifacts/local"
	"github.com/calebmoore/forged/internal/clock/system"
	"github.com/calebmoore/forged/internal/forge"
	"github.com/calebmoore/forged/internal/history"
	"github.com/calebmoore/forged/internal/id/uuid"
	"github.com/calebmoore/forged/internal/progress"
	"github.com/calebmoore/forged/internal/scheduler"
	"github.com/calebmoore/forged/internal/uploads"
	"github.com/calebmoore/forged/internal/worker"
)

// gatedOptimizer lets each test decide when and how a run ends.
type gatedOptimizer struct {
	dir     string
	started chan struct{}
	release chan error
}

func (g *gatedOptimizer) Run(ctx context.Context, _ forge.Inputs, params forge.Params, onProgress forge.ProgressFunc, token *forge.Token) (forge.Produced, error) {
	g.started <- struct{}{}
	if onProgress != nil {
		onProgress(1, params.Iterations, 0.9, "")
	}
	select {
	case err := <-g.release:
		if err != nil {
			return nil, err
		}
		return g.produce()
	case <-token.Done():
		return nil, forge.ErrCancelled
	case <-ctx.Done():
		return nil, forge.ErrCancelled
	}
}

func (g *gatedOptimizer) produce() (forge.Produced, error) {
	out := make(forge.Produced)
	for name, filename := range map[string]string{
		forge.ArtifactDiscretizedImage: "discretized.png",
		forge.ArtifactSTL:              "model.stl",
		forge.ArtifactSwapInstructions: "swap_instructions.txt",
		forge.ArtifactProjectFile:      "project.json",
	} {
		path := filepath.Join(g.dir, filename)
		if err := os.WriteFile(path, []byte("output "+name), 0o600); err != nil {
			return nil, err
		}
		out[name] = forge.ProducedArtifact{Filename: filename, ContentType: "application/octet-stream", Path: path}
	}
	return out, nil
}

type fixture struct {
	ts    *httptest.Server
	sched *scheduler.Scheduler
	opt   *gatedOptimizer
}

func newFixture(t *testing.T, hist history.Repository) *fixture {
	t.Helper()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	registry := artifacts.NewRegistry(store)

	staging, err := uploads.New(uploads.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	hub := progress.NewHub(progress.Config{MaxBatchWait: 10 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Close(ctx)
	})

	opt := &gatedOptimizer{
		dir:     t.TempDir(),
		started: make(chan struct{}, 8),
		release: make(chan error, 8),
	}
	clock := system.New()
	runner := worker.NewRunner(worker.Config{}, opt, registry, hub, clock, zap.NewNop())

	sched := scheduler.New(scheduler.Deps{
		Runner:   runner,
		Uploads:  staging,
		Registry: registry,
		Hub:      hub,
		Clock:    clock,
		IDs:      uuid.New(),
		Logger:   zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	srv := NewServer(sched, hist, zap.NewNop(), Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, sched: sched, opt: opt}
}

func multipartBody(t *testing.T, imageName, materialsName string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if imageName != "" {
		part, err := mw.CreateFormFile("image", imageName)
		require.NoError(t, err)
		_, err = part.Write([]byte("png bytes"))
		require.NoError(t, err)
	}
	if materialsName != "" {
		part, err := mw.CreateFormFile("materials", materialsName)
		require.NoError(t, err)
		_, err = part.Write([]byte("name,color\nPLA Black,#000000"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *fixture) createJob(t *testing.T) string {
	t.Helper()
	body, contentType := multipartBody(t, "target.png", "filaments.csv")
	resp, err := http.Post(f.ts.URL+"/v1/jobs", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.JobID)
	return out.JobID
}

func (f *fixture) startJob(t *testing.T, jobID string) {
	t.Helper()
	resp, err := http.Post(f.ts.URL+"/v1/jobs/"+jobID+"/start", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-f.opt.started
}

func (f *fixture) jobState(t *testing.T, jobID string) forge.State {
	t.Helper()
	job, err := f.sched.Status(jobID)
	require.NoError(t, err)
	return job.State
}

func (f *fixture) waitState(t *testing.T, jobID string, want forge.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.jobState(t, jobID) == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCreateStartStatusFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	jobID := f.createJob(t)
	f.startJob(t, jobID)
	f.opt.release <- nil
	f.waitState(t, jobID, forge.StateCompleted)

	resp, err := http.Get(f.ts.URL + "/v1/jobs/" + jobID + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Job struct {
			State   forge.State       `json:"state"`
			Inputs  map[string]string `json:"inputs"`
			Outputs map[string]string `json:"outputs"`
		} `json:"job"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, forge.StateCompleted, out.Job.State)
	require.Len(t, out.Job.Outputs, 4)

	// The snapshot exposes download paths, never storage locations or the
	// staged input paths.
	require.Empty(t, out.Job.Inputs)
	for name, ref := range out.Job.Outputs {
		require.Equal(t, "/v1/jobs/"+jobID+"/artifacts/"+name, ref)
	}
}

func TestCreateRejectsBadUploads(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	// Missing materials part.
	body, contentType := multipartBody(t, "target.png", "")
	resp, err := http.Post(f.ts.URL+"/v1/jobs", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Disallowed image extension.
	body, contentType = multipartBody(t, "target.gif", "filaments.csv")
	resp, err = http.Post(f.ts.URL+"/v1/jobs", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	first := f.createJob(t)
	second := f.createJob(t)
	f.startJob(t, first)

	// Busy slot.
	resp, err := http.Post(f.ts.URL+"/v1/jobs/"+second+"/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Double start.
	resp, err = http.Post(f.ts.URL+"/v1/jobs/"+first+"/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown job.
	resp, err = http.Post(f.ts.URL+"/v1/jobs/nope/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.opt.release <- nil
	f.waitState(t, first, forge.StateCompleted)
}

func TestStartRejectsInvalidParams(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	jobID := f.createJob(t)
	resp, err := http.Post(f.ts.URL+"/v1/jobs/"+jobID+"/start", "application/json",
		strings.NewReader(`{"iterations": -5}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, forge.StateCreated, f.jobState(t, jobID))
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	jobID := f.createJob(t)

	// Cancel before start is a state conflict.
	resp, err := http.Post(f.ts.URL+"/v1/jobs/"+jobID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	f.startJob(t, jobID)
	resp, err = http.Post(f.ts.URL+"/v1/jobs/"+jobID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.waitState(t, jobID, forge.StateCancelled)
}

func TestArtifactDownload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	jobID := f.createJob(t)
	f.startJob(t, jobID)

	// Not completed yet.
	resp, err := http.Get(f.ts.URL + "/v1/jobs/" + jobID + "/artifacts/" + forge.ArtifactSTL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.opt.release <- nil
	f.waitState(t, jobID, forge.StateCompleted)

	resp, err = http.Get(f.ts.URL + "/v1/jobs/" + jobID + "/artifacts/" + forge.ArtifactSTL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Disposition"), forge.ArtifactSTL)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	// Unknown artifact name.
	resp, err = http.Get(f.ts.URL + "/v1/jobs/" + jobID + "/artifacts/blueprint")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	jobID := f.createJob(t)
	f.startJob(t, jobID)

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/v1/jobs/"+jobID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode, "running jobs cannot be deleted")

	f.opt.release <- nil
	f.waitState(t, jobID, forge.StateCompleted)

	resp, err = http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	statusResp, err := http.Get(f.ts.URL + "/v1/jobs/" + jobID + "/status")
	require.NoError(t, err)
	statusResp.Body.Close()
	require.Equal(t, http.StatusNotFound, statusResp.StatusCode)
}

func TestEventStreamEndsWithTerminalEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	jobID := f.createJob(t)
	f.startJob(t, jobID)

	resp, err := http.Get(f.ts.URL + "/v1/jobs/" + jobID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.opt.release <- nil

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NotEmpty(t, kinds)
	require.Equal(t, "completed", kinds[len(kinds)-1], "terminal event must close the stream")
}

func TestEventStreamUnknownJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/v1/jobs/nope/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// fakeHistory is an in-memory history.Repository for handler tests.
type fakeHistory struct {
	runs []history.Run
}

func (f *fakeHistory) GetRun(_ context.Context, jobID string) (history.Run, error) {
	for _, run := range f.runs {
		if run.JobID == jobID {
			return run, nil
		}
	}
	return history.Run{}, history.ErrNotFound
}

func (f *fakeHistory) ListRuns(_ context.Context, status *history.RunStatus, limit, offset int) ([]history.Run, error) {
	var out []history.Run
	for _, run := range f.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestHistoryEndpoints(t *testing.T) {
	t.Parallel()

	started := time.Unix(1700000000, 0).UTC()
	hist := &fakeHistory{runs: []history.Run{
		{JobID: "job-1", StartedAt: started, Status: history.RunCompleted, Iterations: 2000},
		{JobID: "job-2", StartedAt: started.Add(time.Hour), Status: history.RunRunning},
	}}
	f := newFixture(t, hist)

	resp, err := http.Get(f.ts.URL + "/v1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listOut struct {
		Runs []history.Run `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listOut))
	require.Len(t, listOut.Runs, 2)

	resp, err = http.Get(f.ts.URL + "/v1/history?status=completed")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listOut.Runs = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listOut))
	resp.Body.Close()
	require.Len(t, listOut.Runs, 1)
	require.Equal(t, "job-1", listOut.Runs[0].JobID)

	resp, err = http.Get(f.ts.URL + "/v1/history?status=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/v1/history/job-2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var getOut struct {
		Run history.Run `json:"run"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&getOut))
	resp.Body.Close()
	require.Equal(t, history.RunRunning, getOut.Run.Status)

	resp, err = http.Get(f.ts.URL + "/v1/history/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryDisabledReturnsServiceUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	for _, path := range []string{"/v1/history", "/v1/history/job-1"} {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}
