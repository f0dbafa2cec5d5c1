package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal sink channel (default 4096).
//   - SubscriberBuffer: per-subscriber channel capacity (default 16).
//   - MaxBatchEvents: flush sinks once this many events queue (default 256).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize       int
	SubscriberBuffer int
	MaxBatchEvents   int
	MaxBatchWait     time.Duration
	SinkTimeout      time.Duration
	BaseContext      context.Context
	Logger           *zap.Logger
}

const (
	defaultBufferSize       = 4096
	defaultSubscriberBuffer = 16
	defaultMaxBatchEvents   = 256
	defaultMaxBatchWait     = 250 * time.Millisecond
	defaultSinkTimeout      = 10 * time.Second
	dropLogInterval         = 5 * time.Second
)

// Hub routes job events two ways: live per-job subscriptions for attached
// observers, and batched fan-out to registered sinks (logs, metrics, history).
// Publish never blocks the caller. A slow subscriber loses intermediate
// progress events, never the terminal one.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	subMu  sync.Mutex
	subs   map[string][]*subscription
	latest map[string]Event

	closeOnce sync.Once
	closeCtx  context.Context
}

type subscription struct {
	ch     chan Event
	closed bool
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		subs:        make(map[string][]*subscription),
		latest:      make(map[string]Event),
	}
	go h.run()
	return h
}

// Publish delivers an event to the job's subscribers and enqueues it for the
// sinks. It never blocks; if the sink buffer is full the event is dropped from
// the sink path and a rate-limited warning is logged. Events arriving after a
// job's terminal event are discarded entirely.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}

	if !h.deliver(evt) {
		return
	}

	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("progress events dropped from sink path", zap.Int64("dropped", count))
		}
	}
}

// Subscribe attaches an observer to a job's event stream. The latest retained
// progress event, if any, is replayed first so a new observer catches up. The
// channel closes after the terminal event is delivered or when the returned
// cancel function runs.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, h.cfg.SubscriberBuffer)}

	h.subMu.Lock()
	if last, ok := h.latest[jobID]; ok {
		sub.ch <- last
		if last.Terminal() {
			// The job already finished; hand over the terminal event and
			// close immediately.
			sub.closed = true
			close(sub.ch)
			h.subMu.Unlock()
			return sub.ch, func() {}
		}
	}
	h.subs[jobID] = append(h.subs[jobID], sub)
	h.subMu.Unlock()

	cancel := func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		h.removeLocked(jobID, sub)
	}
	return sub.ch, cancel
}

// deliver fans evt out to the job's subscribers and retains it for replay. It
// reports whether the event was accepted: once a terminal event is retained
// for a job, anything published afterwards (a cancel acknowledgement racing
// the finish, say) is dropped so the terminal event stays the last one any
// observer sees.
func (h *Hub) deliver(evt Event) bool {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if last, ok := h.latest[evt.JobID]; ok && last.Terminal() {
		return false
	}
	h.latest[evt.JobID] = evt

	for _, sub := range h.subs[evt.JobID] {
		if sub.closed {
			continue
		}
		h.offerLocked(sub, evt)
	}
	if evt.Terminal() {
		for _, sub := range h.subs[evt.JobID] {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(h.subs, evt.JobID)
	}
	return true
}

// offerLocked enqueues evt onto the subscriber buffer, evicting the oldest
// buffered event when full. Terminal events are therefore always delivered:
// nothing is published after one, so it can never itself be evicted.
func (h *Hub) offerLocked(sub *subscription, evt Event) {
	for {
		select {
		case sub.ch <- evt:
			return
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
	}
}

func (h *Hub) removeLocked(jobID string, target *subscription) {
	subs := h.subs[jobID]
	for i, sub := range subs {
		if sub != target {
			continue
		}
		h.subs[jobID] = append(subs[:i], subs[i+1:]...)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		break
	}
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}

// Forget drops the retained latest event for a job. Called when a job record
// is removed so the hub does not replay state for a deleted job.
func (h *Hub) Forget(jobID string) {
	if h == nil {
		return
	}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	delete(h.latest, jobID)
	for _, sub := range h.subs[jobID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(h.subs, jobID)
}

// Close drains remaining events, flushes sinks, closes subscriber channels,
// and blocks until the background goroutine exits. Safe to call repeatedly.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)

		h.subMu.Lock()
		for jobID, subs := range h.subs {
			for _, sub := range subs {
				if !sub.closed {
					sub.closed = true
					close(sub.ch)
				}
			}
			delete(h.subs, jobID)
		}
		h.subMu.Unlock()
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.events:
			batch = h.enqueueEvent(batch, evt, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueueEvent(batch []Event, evt Event, timer *time.Timer, timerActive *bool) []Event {
	batch = append(batch, evt)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else if h.cfg.MaxBatchWait > 0 {
		h.resetTimer(timer, timerActive)
	}
	return batch
}

func (h *Hub) handleStop(batch []Event, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if h.cfg.MaxBatchWait <= 0 {
		return
	}
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Event(nil), batch...)
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx := baseCtx
		cancel := func() {}
		if h.cfg.SinkTimeout > 0 {
			ctx, cancel = context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		}
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
