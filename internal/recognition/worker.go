// Package recognition implements the Face Recognition Worker: it turns one
// extracted still frame into zero or more persisted Detections by running
// detect -> crop -> embed -> match -> persist. Detector and Embedder are
// external collaborators invoked through narrow interfaces, grounded on
// the HTTP and gRPC recognition clients; the crop/match/persist glue is
// this package's own responsibility per the design.
package recognition

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinelcam/internal/annindex"
	"sentinelcam/internal/metrics"
	"sentinelcam/internal/model"
)

// Persister is the narrow detection-persistence sink from the design's
// external interfaces section.
type Persister interface {
	PersistDetection(ctx context.Context, det model.Detection) error
}

// Index is the subset of the ANN Face Index the worker queries.
type Index interface {
	Query(tenantID string, vector []float32, k int) []annindex.Match
}

// Thresholds holds the decision boundaries from the design's
// configuration table.
type Thresholds struct {
	DetectMin    float32 // theta_det, default 0.5
	MatchStrong  float32 // delta_strong, default 0.35
	MatchWeak    float32 // delta_weak, default 0.5
	CropPad      float32 // default 0.15
	EmbedMaxSide int     // S_embed, default 160
}

// PoolOptions sizes the image worker pool and the embedder fairness
// semaphore.
type PoolOptions struct {
	ImageWorkers     int // W_img, default 4
	ImageQueue       int // Q_img, default 100
	EmbedParallelism int // W_emb, default CPU count
}

// imageTask is one crop+embed+match+persist unit dispatched to the image
// worker pool so the recognition hot path never blocks on crop/embed/
// persist I/O.
type imageTask struct {
	frame model.Frame
	sess  model.RecognitionSession
	face  DetectedFace
}

// Worker runs the recognition pipeline for the process. A single Worker
// serves every RecognitionSession; fairness across sessions comes from the
// shared embedder semaphore, not from per-session worker pools.
type Worker struct {
	log        *zap.Logger
	detector   Detector
	embedder   Embedder
	index      Index
	persister  Persister
	thresholds Thresholds

	embedSem chan struct{}
	imageCh  chan imageTask
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

// New creates a Worker and starts its image worker pool. Call Close when
// the process shuts down to drain the pool.
func New(log *zap.Logger, detector Detector, embedder Embedder, index Index, persister Persister, th Thresholds, pool PoolOptions) *Worker {
	if th.DetectMin <= 0 {
		th.DetectMin = 0.5
	}
	if th.MatchStrong <= 0 {
		th.MatchStrong = 0.35
	}
	if th.MatchWeak <= 0 {
		th.MatchWeak = 0.5
	}
	if th.CropPad <= 0 {
		th.CropPad = 0.15
	}
	if th.EmbedMaxSide <= 0 {
		th.EmbedMaxSide = 160
	}
	if pool.ImageWorkers <= 0 {
		pool.ImageWorkers = 4
	}
	if pool.ImageQueue <= 0 {
		pool.ImageQueue = 100
	}
	if pool.EmbedParallelism <= 0 {
		pool.EmbedParallelism = runtime.NumCPU()
	}

	w := &Worker{
		log:        log,
		detector:   detector,
		embedder:   embedder,
		index:      index,
		persister:  persister,
		thresholds: th,
		embedSem:   make(chan struct{}, pool.EmbedParallelism),
		imageCh:    make(chan imageTask, pool.ImageQueue),
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < pool.ImageWorkers; i++ {
		w.wg.Add(1)
		go w.imageWorker()
	}
	return w
}

// Close stops the image worker pool and waits for in-flight tasks to
// finish.
func (w *Worker) Close() {
	close(w.stopCh)
	close(w.imageCh)
	w.wg.Wait()
}

// HandleFrame implements extractor.FrameHandler: it detects faces in
// frame, rejects low-confidence boxes, and dispatches the rest to the
// image worker pool for crop/embed/match/persist.
func (w *Worker) HandleFrame(ctx context.Context, sess model.RecognitionSession, frame model.Frame) error {
	faces, err := w.detector.Detect(ctx, frame.Data)
	if err != nil {
		return err
	}

	// Detections from the same frame are persisted together conceptually;
	// each is still an independent pool task, so the worker pool does not
	// promise cross-detection ordering beyond wall-clock timestamps.
	for _, f := range faces {
		if f.Confidence < w.thresholds.DetectMin {
			continue
		}
		task := imageTask{frame: frame, sess: sess, face: f}
		select {
		case w.imageCh <- task:
		default:
			w.dropOldestAndEnqueue(task)
		}
	}
	return nil
}

// dropOldestAndEnqueue implements the design's "oldest pending image task
// is dropped" overflow policy: since imageCh is a plain buffered channel,
// the oldest pending task is the one at the head, which a single receive
// removes.
func (w *Worker) dropOldestAndEnqueue(task imageTask) {
	select {
	case <-w.imageCh:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		metrics.RecognitionImagesDropped.Inc()
	default:
	}
	select {
	case w.imageCh <- task:
	default:
		// Pool channel still full (concurrent producers); drop this task
		// too rather than block the recognition hot path.
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		metrics.RecognitionImagesDropped.Inc()
	}
}

// DroppedImageTasks reports how many image tasks were dropped for queue
// overflow since the Worker was created.
func (w *Worker) DroppedImageTasks() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *Worker) imageWorker() {
	defer w.wg.Done()
	for task := range w.imageCh {
		w.processTask(task)
	}
}

func (w *Worker) processTask(task imageTask) {
	ctx := context.Background()

	cropped, err := cropAndScale(task.frame.Data, task.face.BBox, w.thresholds.CropPad, w.thresholds.EmbedMaxSide)
	if err != nil {
		w.log.Warn("crop failed", zap.String("session", task.sess.ID), zap.Error(err))
		return
	}

	w.embedSem <- struct{}{}
	vector, err := w.embedder.Embed(ctx, cropped)
	<-w.embedSem
	if err != nil {
		w.log.Warn("embed failed", zap.String("session", task.sess.ID), zap.Error(err))
		return
	}

	det := w.matchAndBuild(task, vector)
	metrics.RecognitionDetections.WithLabelValues(string(det.MatchStatus)).Inc()

	if err := w.persister.PersistDetection(ctx, det); err != nil {
		w.log.Error("persist detection failed", zap.String("session", task.sess.ID), zap.Error(err))
	}
}

func (w *Worker) matchAndBuild(task imageTask, vector []float32) model.Detection {
	det := model.Detection{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		CameraID:   task.sess.CameraID,
		TenantID:   task.sess.TenantID,
		BBox:       task.face.BBox,
		Confidence: task.face.Confidence,
		Embedding:  vector,
		Status:     model.DetectionUnconfirmed,
	}

	matches := w.index.Query(task.sess.TenantID, vector, 1)
	if len(matches) == 0 {
		det.MatchStatus = model.MatchStatusUnmatched
		return det
	}

	nearest := matches[0]
	det.MatchDistance = nearest.Distance
	switch {
	case nearest.Distance <= w.thresholds.MatchStrong:
		det.MatchStatus = model.MatchStatusMatched
		det.MatchedFaceID = nearest.PersonFaceID
	case nearest.Distance <= w.thresholds.MatchWeak:
		det.MatchStatus = model.MatchStatusUnmatchedCandidate
		det.MatchedFaceID = nearest.PersonFaceID
	default:
		det.MatchStatus = model.MatchStatusUnmatched
	}
	return det
}
