// Package broker implements the Stream Broker: the session registry that
// orchestrates the Transcoder Supervisor, MJPEG Framer and Subscriber Set
// per camera, applies the Viewer-session reuse rules, and runs idle
// garbage collection. Grounded on the viewer's stream-manager map of
// sessions keyed by camera, generalized with an explicit state machine and
// a session-id secondary index so StreamSession identity and camera reuse
// are tracked independently.
package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinelcam/internal/framer"
	"sentinelcam/internal/metrics"
	"sentinelcam/internal/model"
	"sentinelcam/internal/subscriber"
	"sentinelcam/internal/transcoder"
)

// Options configures the broker's timeouts and sizing, mirroring the
// design's configuration table for the viewer path.
type Options struct {
	ViewerFPS       int
	ViewerWidth     int
	ViewerHeight    int
	ViewerQuality   int
	FramerMinBytes  int
	FramerMaxBytes  int
	FramerBufferMax int
	QueueCapacity   int
	ViewerIdle      time.Duration
	GCInterval      time.Duration
	StartTimeout    time.Duration
	KillTimeout     time.Duration
}

type session struct {
	mu       sync.Mutex
	info     model.StreamSession
	state    model.SessionState
	sup      *transcoder.Supervisor
	sub      *subscriber.Set
	fr       *framer.Framer
	cancel   context.CancelFunc
	seq      uint64
	firstOK  chan struct{}
	firstErr error
}

func (s *session) touch() {
	s.mu.Lock()
	s.info.LastAccessed = time.Now()
	s.mu.Unlock()
}

func (s *session) setState(st model.SessionState) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()

	if old == st {
		return
	}
	if old == model.StateActive {
		metrics.BrokerActiveSessions.WithLabelValues(string(s.info.Kind)).Dec()
	}
	if st == model.StateActive {
		metrics.BrokerActiveSessions.WithLabelValues(string(s.info.Kind)).Inc()
	}
}

func (s *session) getState() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Broker is the session registry for the viewer path. Safe for concurrent
// use.
type Broker struct {
	log     *zap.Logger
	opts    Options
	mu      sync.RWMutex
	byID    map[string]*session
	byCam   map[string]string // cameraID -> sessionID, viewer sessions only
	clients map[string]string // clientID -> sessionID
	start   time.Time
	stopGC  chan struct{}
	gcOnce  sync.Once
}

// New creates a Broker and starts its idle-GC background loop.
func New(log *zap.Logger, opts Options) *Broker {
	if opts.GCInterval <= 0 {
		opts.GCInterval = 30 * time.Second
	}
	if opts.ViewerIdle <= 0 {
		opts.ViewerIdle = 5 * time.Minute
	}
	b := &Broker{
		log:     log,
		opts:    opts,
		byID:    make(map[string]*session),
		byCam:   make(map[string]string),
		clients: make(map[string]string),
		start:   time.Now(),
		stopGC:  make(chan struct{}),
	}
	go b.gcLoop()
	return b
}

// Close stops the idle-GC loop. It does not tear down active sessions.
func (b *Broker) Close() {
	b.gcOnce.Do(func() { close(b.stopGC) })
}

// StartViewerStream implements the reuse rules from the design: reuse an
// Active session with subscribers, otherwise replace a zero-subscriber
// Active session, otherwise start fresh.
func (b *Broker) StartViewerStream(ctx context.Context, cameraID, sourceURL, tenantID string) (string, error) {
	b.mu.Lock()
	if existingID, ok := b.byCam[cameraID]; ok {
		if s, ok := b.byID[existingID]; ok && s.getState() == model.StateActive && s.sub.Count() > 0 {
			b.mu.Unlock()
			s.touch()
			return existingID, nil
		}
	}
	b.mu.Unlock()

	return b.createViewerSession(ctx, cameraID, sourceURL, tenantID)
}

func (b *Broker) createViewerSession(ctx context.Context, cameraID, sourceURL, tenantID string) (string, error) {
	id := uuid.NewString()
	sessCtx, cancel := context.WithCancel(ctx)

	s := &session{
		info: model.StreamSession{
			ID:           id,
			CameraID:     cameraID,
			TenantID:     tenantID,
			SourceURL:    sourceURL,
			Kind:         model.KindViewer,
			CreatedAt:    time.Now(),
			LastAccessed: time.Now(),
		},
		state:   model.StateStarting,
		sub:     subscriber.NewSet(b.opts.QueueCapacity),
		fr:      framer.New(b.opts.FramerMinBytes, b.opts.FramerMaxBytes, b.opts.FramerBufferMax),
		cancel:  cancel,
		firstOK: make(chan struct{}),
	}

	b.mu.Lock()
	b.byID[id] = s
	b.byCam[cameraID] = id
	b.mu.Unlock()

	sup, err := transcoder.Start(sessCtx, b.log, transcoder.Options{
		SourceURL:    sourceURL,
		Mode:         transcoder.ModeMJPEG,
		Width:        b.opts.ViewerWidth,
		Height:       b.opts.ViewerHeight,
		FPS:          b.opts.ViewerFPS,
		Quality:      b.opts.ViewerQuality,
		StartTimeout: b.opts.StartTimeout,
		KillTimeout:  b.opts.KillTimeout,
	})
	if err != nil {
		cancel()
		b.removeSession(id)
		return "", err
	}
	s.sup = sup
	metrics.BrokerSessionsStarted.WithLabelValues(cameraID).Inc()

	go b.pump(s)

	timeout := b.opts.StartTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	select {
	case <-s.firstOK:
		s.setState(model.StateActive)
		return id, nil
	case <-time.After(timeout):
		b.StopStream(id)
		return "", model.ErrStreamStartTimeout
	}
}

// pump drains the transcoder's events, feeds bytes to the Framer, and
// broadcasts emitted frames to the Subscriber Set until the child exits.
func (b *Broker) pump(s *session) {
	for ev := range s.sup.Events() {
		switch {
		case ev.Bytes != nil:
			frames, desync := s.fr.Feed(ev.Bytes)
			if desync {
				b.log.Warn("framer desync, buffer reset", zap.String("session", s.info.ID))
				metrics.FramerDesyncs.WithLabelValues(s.info.ID).Inc()
			}
			for _, data := range frames {
				s.seq++
				s.sub.Publish(model.Frame{Data: data, Seq: s.seq, Timestamp: time.Now()})
				select {
				case <-s.firstOK:
				default:
					close(s.firstOK)
				}
			}
		case ev.StderrLine != "":
			// Stderr alone can satisfy "stream started" per the design,
			// using the same markers the Supervisor gates Start() on.
			l := strings.ToLower(ev.StderrLine)
			if strings.Contains(l, "stream #") || strings.Contains(l, "press") {
				select {
				case <-s.firstOK:
				default:
					close(s.firstOK)
				}
			}
		case ev.Exit != nil:
			s.sub.CloseAll()
			s.setState(model.StateDead)
			b.mu.Lock()
			if b.byCam[s.info.CameraID] == s.info.ID {
				delete(b.byCam, s.info.CameraID)
			}
			b.mu.Unlock()
			return
		}
	}
}

// StopStream stops a session by id. Idempotent: returns false on unknown or
// already-stopping/dead sessions.
func (b *Broker) StopStream(id string) bool {
	b.mu.Lock()
	s, ok := b.byID[id]
	b.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.state == model.StateStopping || s.state == model.StateDead {
		s.mu.Unlock()
		return false
	}
	s.state = model.StateStopping
	s.mu.Unlock()

	s.cancel()
	if s.sup != nil {
		s.sup.Stop()
	}
	s.sub.CloseAll()
	s.setState(model.StateDead)

	b.removeSession(id)
	return true
}

func (b *Broker) removeSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.byID[id]; ok {
		if b.byCam[s.info.CameraID] == id {
			delete(b.byCam, s.info.CameraID)
		}
		delete(b.byID, id)
	}
	for clientID, sessID := range b.clients {
		if sessID == id {
			delete(b.clients, clientID)
		}
	}
}

// IsActive reports whether the session exists and is in the Active state.
func (b *Broker) IsActive(id string) bool {
	b.mu.RLock()
	s, ok := b.byID[id]
	b.mu.RUnlock()
	return ok && s.getState() == model.StateActive
}

// Summary is a read-only view of a session for listActive().
type Summary struct {
	ID           string
	CameraID     string
	State        model.SessionState
	Subscribers  int
	CreatedAt    time.Time
	LastAccessed time.Time
}

// ListActive returns a summary of every registered session.
func (b *Broker) ListActive() []Summary {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Summary, 0, len(b.byID))
	for _, s := range b.byID {
		s.mu.Lock()
		out = append(out, Summary{
			ID:           s.info.ID,
			CameraID:     s.info.CameraID,
			State:        s.state,
			Subscribers:  s.sub.Count(),
			CreatedAt:    s.info.CreatedAt,
			LastAccessed: s.info.LastAccessed,
		})
		s.mu.Unlock()
	}
	return out
}

// Subscribe attaches clientID to sessionID's Subscriber Set, recording the
// client<->session binding so Unsubscribe can find it later. Fails if the
// session is unknown or not Active.
func (b *Broker) Subscribe(clientID, sessionID string) (*subscriber.Subscriber, error) {
	b.mu.Lock()
	s, ok := b.byID[sessionID]
	if !ok {
		b.mu.Unlock()
		return nil, model.ErrSessionNotFound
	}
	if s.getState() != model.StateActive {
		b.mu.Unlock()
		return nil, model.ErrSessionInactive
	}
	b.clients[clientID] = sessionID
	b.mu.Unlock()

	s.touch()
	sub := s.sub.Attach(clientID)
	metrics.BrokerSubscriberCount.WithLabelValues(sessionID).Set(float64(s.sub.Count()))
	return sub, nil
}

// Unsubscribe detaches clientID from whatever session it is bound to, if
// any.
func (b *Broker) Unsubscribe(clientID string) {
	b.mu.Lock()
	sessionID, ok := b.clients[clientID]
	if ok {
		delete(b.clients, clientID)
	}
	s, sok := b.byID[sessionID]
	b.mu.Unlock()

	if ok && sok {
		s.sub.Detach(clientID)
		metrics.BrokerSubscriberCount.WithLabelValues(sessionID).Set(float64(s.sub.Count()))
	}
}

// Health reports aggregate broker health.
type Health struct {
	ActiveSessions int
	TotalClients   int
	Uptime         time.Duration
}

func (b *Broker) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Health{
		ActiveSessions: len(b.byID),
		TotalClients:   len(b.clients),
		Uptime:         time.Since(b.start),
	}
}

func (b *Broker) gcLoop() {
	ticker := time.NewTicker(b.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reapIdle()
		case <-b.stopGC:
			return
		}
	}
}

type reapCandidate struct {
	id       string
	cameraID string
}

func (b *Broker) reapIdle() {
	b.mu.RLock()
	var toReap []reapCandidate
	for id, s := range b.byID {
		s.mu.Lock()
		idle := s.state == model.StateActive && s.sub.Count() == 0 &&
			time.Since(s.info.LastAccessed) > b.opts.ViewerIdle
		cameraID := s.info.CameraID
		s.mu.Unlock()
		if idle {
			toReap = append(toReap, reapCandidate{id: id, cameraID: cameraID})
		}
	}
	b.mu.RUnlock()

	for _, c := range toReap {
		b.log.Info("idle GC reaping viewer session", zap.String("session", c.id))
		if b.StopStream(c.id) {
			metrics.BrokerSessionsReaped.WithLabelValues(c.cameraID).Inc()
		}
	}
}
