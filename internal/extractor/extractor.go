// Package extractor implements the Frame Extractor: on a per-session
// timer, it pulls one still JPEG from a camera via an independent
// Transcoder invocation and hands it to the Face Recognition Worker.
// Grounded on the periodic-sampling ticker idiom used by the pipeline's
// scheduled detection strategy, generalized with single-flight overlap
// protection and consecutive-failure backoff per the design.
package extractor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sentinelcam/internal/metrics"
	"sentinelcam/internal/model"
	"sentinelcam/internal/transcoder"
)

// FrameHandler receives one extracted still frame for recognition.
// Implemented by the Face Recognition Worker.
type FrameHandler interface {
	HandleFrame(ctx context.Context, sess model.RecognitionSession, frame model.Frame) error
}

// Options configures extraction timing and the still-transcoder budget.
type Options struct {
	StartTimeout time.Duration // default 5s, per the design's still-mode budget
	KillTimeout  time.Duration
}

// Stats is a per-session extraction counter snapshot.
type Stats struct {
	Attempts     uint64
	Succeeded    uint64
	Failed       uint64
	Skipped      uint64 // overlap: previous extraction still running
	ConsecFail   int
	InBackoff    bool
	BackoffUntil time.Time
}

type task struct {
	sess    model.RecognitionSession
	cancel  context.CancelFunc
	running int32 // atomic, single-flight guard

	mu         sync.Mutex
	stats      Stats
	backoffN   int
	backoffEnd time.Time
}

// Extractor owns one ticking goroutine per active RecognitionSession.
type Extractor struct {
	log     *zap.Logger
	opts    Options
	handler FrameHandler

	mu    sync.Mutex
	tasks map[string]*task
}

// New creates an Extractor that hands extracted frames to handler.
func New(log *zap.Logger, opts Options, handler FrameHandler) *Extractor {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 5 * time.Second
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 5 * time.Second
	}
	return &Extractor{
		log:     log,
		opts:    opts,
		handler: handler,
		tasks:   make(map[string]*task),
	}
}

// Start begins periodic extraction for sess at the given period. Starting
// an already-running session replaces its ticker with the new period.
func (e *Extractor) Start(ctx context.Context, sess model.RecognitionSession, period time.Duration) {
	if period <= 0 {
		period = 5 * time.Second
	}

	e.mu.Lock()
	if old, ok := e.tasks[sess.ID]; ok {
		old.cancel()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{sess: sess, cancel: cancel}
	e.tasks[sess.ID] = t
	e.mu.Unlock()

	go e.run(taskCtx, t, period)
}

// Stop cancels extraction for sessionID, if running.
func (e *Extractor) Stop(sessionID string) {
	e.mu.Lock()
	t, ok := e.tasks[sessionID]
	if ok {
		delete(e.tasks, sessionID)
	}
	e.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// ListActive returns the session ids currently ticking.
func (e *Extractor) ListActive() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		out = append(out, id)
	}
	return out
}

// StatsFor returns a snapshot of one session's extraction counters.
func (e *Extractor) StatsFor(sessionID string) (Stats, bool) {
	e.mu.Lock()
	t, ok := e.tasks[sessionID]
	e.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats, true
}

func (e *Extractor) run(ctx context.Context, t *task, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			inBackoff := t.stats.InBackoff && time.Now().Before(t.backoffEnd)
			t.mu.Unlock()
			if inBackoff {
				continue
			}

			if !atomic.CompareAndSwapInt32(&t.running, 0, 1) {
				t.mu.Lock()
				t.stats.Skipped++
				t.mu.Unlock()
				continue
			}
			go e.extractOnce(ctx, t)
		}
	}
}

func (e *Extractor) extractOnce(ctx context.Context, t *task) {
	defer atomic.StoreInt32(&t.running, 0)

	t.mu.Lock()
	t.stats.Attempts++
	t.mu.Unlock()

	frame, err := e.captureStill(ctx, t.sess)
	if err != nil {
		e.recordFailure(t, err)
		return
	}

	t.mu.Lock()
	t.stats.Succeeded++
	t.stats.ConsecFail = 0
	t.stats.InBackoff = false
	t.mu.Unlock()
	metrics.ExtractorConsecutiveFailures.WithLabelValues(t.sess.ID).Set(0)
	metrics.ExtractorInBackoff.WithLabelValues(t.sess.ID).Set(0)

	if handleErr := e.handler.HandleFrame(ctx, t.sess, frame); handleErr != nil {
		e.log.Warn("recognition handler failed", zap.String("session", t.sess.ID), zap.Error(handleErr))
	}
}

func (e *Extractor) captureStill(ctx context.Context, sess model.RecognitionSession) (model.Frame, error) {
	sup, err := transcoder.Start(ctx, e.log, transcoder.Options{
		SourceURL:    sess.SourceURL,
		Mode:         transcoder.ModeStill,
		StartTimeout: e.opts.StartTimeout,
		KillTimeout:  e.opts.KillTimeout,
	})
	if err != nil {
		return model.Frame{}, err
	}
	defer sup.Stop()

	var data []byte
	for ev := range sup.Events() {
		if ev.Bytes != nil {
			data = append(data, ev.Bytes...)
		}
		if ev.Exit != nil {
			break
		}
	}
	if len(data) == 0 {
		return model.Frame{}, model.ErrTranscoderStartTimeout
	}
	return model.Frame{Data: data, Timestamp: time.Now()}, nil
}

func (e *Extractor) recordFailure(t *task, err error) {
	t.mu.Lock()
	t.stats.Failed++
	t.stats.ConsecFail++
	n := t.stats.ConsecFail
	t.mu.Unlock()

	e.log.Warn("frame extraction failed", zap.String("session", t.sess.ID), zap.Error(err), zap.Int("consecutive", n))
	metrics.ExtractorConsecutiveFailures.WithLabelValues(t.sess.ID).Set(float64(n))

	if n >= 3 {
		t.mu.Lock()
		t.backoffN++
		backoff := time.Duration(1<<uint(t.backoffN-1)) * 10 * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		t.stats.InBackoff = true
		t.backoffEnd = time.Now().Add(backoff)
		t.stats.BackoffUntil = t.backoffEnd
		t.mu.Unlock()
		metrics.ExtractorInBackoff.WithLabelValues(t.sess.ID).Set(1)
		e.log.Error("recognition stream unhealthy, backing off", zap.String("session", t.sess.ID), zap.Duration("backoff", backoff))
	}
}
