package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calebmoore/forged/internal/progress"
)

// PrometheusSink exports job progress metrics via Prometheus. It owns all
// collectors for jobs started/finished/running and optimizer iteration rates.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	iterations    prometheus.Counter
	lastLoss      *prometheus.GaugeVec
	previewEvents prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forged_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forged_jobs_finished_total",
			Help: "Total jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forged_jobs_running",
			Help: "Current number of running jobs; by design at most 1.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forged_optimizer_iterations_total",
			Help: "Optimizer iterations reported via progress events.",
		}),
		lastLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forged_optimizer_last_loss",
			Help: "Most recent loss value per job.",
		}, []string{"job_id"}),
		previewEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forged_preview_events_total",
			Help: "Progress events that carried a preview image.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.iterations,
		s.lastLoss,
		s.previewEvents,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindStarted:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.KindProgress:
		s.iterations.Inc()
		s.lastLoss.WithLabelValues(evt.JobID).Set(evt.Loss)
		if evt.Preview != "" {
			s.previewEvents.Inc()
		}
	case progress.KindCompleted:
		s.finish(evt.JobID, "completed")
	case progress.KindFailed:
		s.finish(evt.JobID, "failed")
	case progress.KindCancelled:
		s.finish(evt.JobID, "cancelled")
	}
}

func (s *PrometheusSink) finish(jobID, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	s.lastLoss.DeleteLabelValues(jobID)
	if s.tracker.complete(jobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
