package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// keepAliveInterval is how often an SSE comment is written to defeat idle
// proxies while the optimizer is between progress reports.
const keepAliveInterval = 15 * time.Second

// streamEvents handles GET /v1/jobs/{id}/events as a server-sent event
// stream. The stream replays the latest retained event on attach, then
// follows the job live; the terminal event is always the last message.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	jobID := chi.URLParam(r, "job_id")
	events, cancel, err := s.sched.Subscribe(jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("encode event", zap.String("job_id", jobID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); err != nil {
				return
			}
			flusher.Flush()
			if evt.Terminal() {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
