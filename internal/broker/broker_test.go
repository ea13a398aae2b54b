package broker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"sentinelcam/internal/model"
	"sentinelcam/internal/subscriber"
)

func testOpts() Options {
	return Options{
		QueueCapacity:   4,
		FramerMinBytes:  1,
		FramerMaxBytes:  1 << 20,
		FramerBufferMax: 1 << 20,
		ViewerIdle:      50 * time.Millisecond,
		GCInterval:      10 * time.Millisecond,
		StartTimeout:    time.Second,
		KillTimeout:     time.Second,
	}
}

// newTestSession bypasses transcoder.Start (which requires a real ffmpeg
// binary) to exercise registry/reuse/subscribe logic directly against a
// session already marked Active, the same state pump() would leave it in
// once a transcoder produced output.
func newTestSession(b *Broker, cameraID string) *session {
	s := &session{
		info: model.StreamSession{
			ID:        cameraID + "-sess",
			CameraID:  cameraID,
			Kind:      model.KindViewer,
			CreatedAt: time.Now(), LastAccessed: time.Now(),
		},
		state:   model.StateActive,
		sub:     subscriber.NewSet(4),
		firstOK: make(chan struct{}),
		cancel:  func() {},
	}
	close(s.firstOK)
	b.mu.Lock()
	b.byID[s.info.ID] = s
	b.byCam[cameraID] = s.info.ID
	b.mu.Unlock()
	return s
}

func TestIsActiveAndListActive(t *testing.T) {
	log := zap.NewNop()
	b := New(log, testOpts())
	defer b.Close()

	s := newTestSession(b, "cam-1")
	if !b.IsActive(s.info.ID) {
		t.Fatal("expected session to be active")
	}
	summaries := b.ListActive()
	if len(summaries) != 1 || summaries[0].CameraID != "cam-1" {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	log := zap.NewNop()
	b := New(log, testOpts())
	defer b.Close()

	s := newTestSession(b, "cam-2")
	sub, err := b.Subscribe("client-1", s.info.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub == nil {
		t.Fatal("expected non-nil subscriber")
	}
	if s.sub.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", s.sub.Count())
	}

	b.Unsubscribe("client-1")
	if s.sub.Count() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", s.sub.Count())
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	log := zap.NewNop()
	b := New(log, testOpts())
	defer b.Close()

	if _, err := b.Subscribe("client-1", "no-such-session"); err != model.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStopStreamIsIdempotent(t *testing.T) {
	log := zap.NewNop()
	b := New(log, testOpts())
	defer b.Close()

	s := newTestSession(b, "cam-3")
	s.sup = nil // no real transcoder child to stop

	if !b.StopStream(s.info.ID) {
		t.Fatal("expected first StopStream call to succeed")
	}
	if b.StopStream(s.info.ID) {
		t.Fatal("expected second StopStream call to be a no-op")
	}
}

func TestIdleGCReapsZeroSubscriberSession(t *testing.T) {
	log := zap.NewNop()
	b := New(log, testOpts())
	defer b.Close()

	s := newTestSession(b, "cam-4")
	s.sup = nil
	s.info.LastAccessed = time.Now().Add(-time.Hour)

	deadline := time.After(time.Second)
	for {
		if !b.IsActive(s.info.ID) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected idle session to be reaped")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestIdleGCNeverReapsSessionWithSubscribers(t *testing.T) {
	log := zap.NewNop()
	b := New(log, testOpts())
	defer b.Close()

	s := newTestSession(b, "cam-5")
	s.sup = nil
	s.info.LastAccessed = time.Now().Add(-time.Hour)
	_, err := b.Subscribe("client-1", s.info.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if !b.IsActive(s.info.ID) {
		t.Fatal("expected session with a live subscriber to survive idle GC")
	}
}

func TestHealthReportsCounts(t *testing.T) {
	log := zap.NewNop()
	b := New(log, testOpts())
	defer b.Close()

	s := newTestSession(b, "cam-6")
	if _, err := b.Subscribe("client-1", s.info.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h := b.Health()
	if h.ActiveSessions != 1 || h.TotalClients != 1 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

// TestStartViewerStreamReusesSessionWithSubscribers exercises reuse rule 1:
// an Active session with at least one subscriber is handed back as-is, and
// StartViewerStream never touches createViewerSession (so this passes with
// no ffmpeg binary on PATH).
func TestStartViewerStreamReusesSessionWithSubscribers(t *testing.T) {
	log := zap.NewNop()
	b := New(log, testOpts())
	defer b.Close()

	s := newTestSession(b, "cam-reuse")
	if _, err := b.Subscribe("client-1", s.info.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	gotID, err := b.StartViewerStream(context.Background(), "cam-reuse", "rtsp://cam/reuse", "tenant-a")
	if err != nil {
		t.Fatalf("StartViewerStream: %v", err)
	}
	if gotID != s.info.ID {
		t.Fatalf("expected reuse of %q, got %q", s.info.ID, gotID)
	}
	if len(b.ListActive()) != 1 {
		t.Fatalf("expected no new session to be created, registry has %d", len(b.ListActive()))
	}
}

// TestStartViewerStreamDoesNotReuseZeroSubscriberSession exercises reuse
// rule 2: an Active session with zero subscribers is never handed back to a
// fresh caller. It must fall through to createViewerSession instead, which
// either succeeds with a different session id or fails (no ffmpeg binary in
// this environment) — either outcome proves the stale zero-subscriber
// session id was not reused.
func TestStartViewerStreamDoesNotReuseZeroSubscriberSession(t *testing.T) {
	log := zap.NewNop()
	b := New(log, testOpts())
	defer b.Close()

	s := newTestSession(b, "cam-noreuse")

	gotID, err := b.StartViewerStream(context.Background(), "cam-noreuse", "rtsp://cam/noreuse", "tenant-a")
	if err == nil && gotID == s.info.ID {
		t.Fatalf("zero-subscriber session %q must not be reused", s.info.ID)
	}
}
