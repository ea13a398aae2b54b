package recognition

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"sentinelcam/internal/annindex"
	"sentinelcam/internal/model"
)

type fakeDetector struct {
	faces []DetectedFace
	err   error
}

func (f *fakeDetector) Detect(ctx context.Context, image []byte) ([]DetectedFace, error) {
	return f.faces, f.err
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(ctx context.Context, image []byte) ([]float32, error) {
	return f.vector, f.err
}
func (f *fakeEmbedder) Close() error { return nil }

type fakeIndex struct {
	distance float32
	faceID   string
}

func (f *fakeIndex) Query(tenantID string, vector []float32, k int) []annindex.Match {
	return []annindex.Match{{PersonFaceID: f.faceID, Distance: f.distance}}
}

type recordingPersister struct {
	mu   sync.Mutex
	dets []model.Detection
}

func (p *recordingPersister) PersistDetection(ctx context.Context, det model.Detection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dets = append(p.dets, det)
	return nil
}

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dets)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newTestFrame(t *testing.T) model.Frame {
	t.Helper()
	return model.Frame{Data: validJPEG(t, 100, 100), Timestamp: time.Now()}
}

func TestHandleFrameFiltersLowConfidenceDetections(t *testing.T) {
	det := &fakeDetector{faces: []DetectedFace{
		{BBox: model.BoundingBox{X: 10, Y: 10, W: 20, H: 20}, Confidence: 0.2},
	}}
	emb := &fakeEmbedder{vector: make([]float32, 128)}
	idx := &fakeIndex{distance: 0.1, faceID: "f1"}
	pers := &recordingPersister{}

	w := New(zap.NewNop(), det, emb, idx, pers, Thresholds{DetectMin: 0.5}, PoolOptions{ImageWorkers: 1})
	defer w.Close()

	if err := w.HandleFrame(context.Background(), model.RecognitionSession{ID: "s1"}, newTestFrame(t)); err != nil {
		t.Fatalf("handle frame: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if pers.count() != 0 {
		t.Fatalf("expected low-confidence detection to be filtered, got %d persisted", pers.count())
	}
}

func TestHandleFrameMatchedStrongThreshold(t *testing.T) {
	det := &fakeDetector{faces: []DetectedFace{
		{BBox: model.BoundingBox{X: 5, Y: 5, W: 30, H: 30}, Confidence: 0.9},
	}}
	emb := &fakeEmbedder{vector: make([]float32, 128)}
	idx := &fakeIndex{distance: 0.34, faceID: "matched-face"}
	pers := &recordingPersister{}

	w := New(zap.NewNop(), det, emb, idx, pers, Thresholds{DetectMin: 0.5, MatchStrong: 0.35, MatchWeak: 0.5}, PoolOptions{ImageWorkers: 1})
	defer w.Close()

	if err := w.HandleFrame(context.Background(), model.RecognitionSession{TenantID: "t1"}, newTestFrame(t)); err != nil {
		t.Fatalf("handle frame: %v", err)
	}

	waitFor(t, time.Second, func() bool { return pers.count() == 1 })
	d := pers.dets[0]
	if d.MatchStatus != model.MatchStatusMatched || d.MatchedFaceID != "matched-face" {
		t.Fatalf("expected matched detection, got %+v", d)
	}
}

func TestHandleFrameUnmatchedCandidateThreshold(t *testing.T) {
	det := &fakeDetector{faces: []DetectedFace{
		{BBox: model.BoundingBox{X: 5, Y: 5, W: 30, H: 30}, Confidence: 0.9},
	}}
	emb := &fakeEmbedder{vector: make([]float32, 128)}
	idx := &fakeIndex{distance: 0.40, faceID: "candidate-face"}
	pers := &recordingPersister{}

	w := New(zap.NewNop(), det, emb, idx, pers, Thresholds{DetectMin: 0.5, MatchStrong: 0.35, MatchWeak: 0.5}, PoolOptions{ImageWorkers: 1})
	defer w.Close()

	w.HandleFrame(context.Background(), model.RecognitionSession{}, newTestFrame(t))
	waitFor(t, time.Second, func() bool { return pers.count() == 1 })

	d := pers.dets[0]
	if d.MatchStatus != model.MatchStatusUnmatchedCandidate {
		t.Fatalf("expected unmatched_candidate, got %+v", d)
	}
}

func TestHandleFrameUnmatchedBeyondWeakThreshold(t *testing.T) {
	det := &fakeDetector{faces: []DetectedFace{
		{BBox: model.BoundingBox{X: 5, Y: 5, W: 30, H: 30}, Confidence: 0.9},
	}}
	emb := &fakeEmbedder{vector: make([]float32, 128)}
	idx := &fakeIndex{distance: 0.60, faceID: "far-face"}
	pers := &recordingPersister{}

	w := New(zap.NewNop(), det, emb, idx, pers, Thresholds{DetectMin: 0.5, MatchStrong: 0.35, MatchWeak: 0.5}, PoolOptions{ImageWorkers: 1})
	defer w.Close()

	w.HandleFrame(context.Background(), model.RecognitionSession{}, newTestFrame(t))
	waitFor(t, time.Second, func() bool { return pers.count() == 1 })

	d := pers.dets[0]
	if d.MatchStatus != model.MatchStatusUnmatched {
		t.Fatalf("expected unmatched, got %+v", d)
	}
}

func TestDropOldestAndEnqueueIncrementsDroppedCounter(t *testing.T) {
	// Constructed directly (no worker pool goroutines) so nothing drains
	// imageCh concurrently with the assertions below.
	w := &Worker{
		log:     zap.NewNop(),
		imageCh: make(chan imageTask, 1),
	}

	w.imageCh <- imageTask{}
	w.dropOldestAndEnqueue(imageTask{})
	if w.DroppedImageTasks() != 1 {
		t.Fatalf("expected 1 dropped task, got %d", w.DroppedImageTasks())
	}
	if len(w.imageCh) != 1 {
		t.Fatalf("expected replacement task to occupy the queue, got len %d", len(w.imageCh))
	}
}
