// Package scheduler implements the Event Scheduler: a tick loop that
// derives the desired set of (event, camera) recognition pairs from the
// current time and the event table, then reconciles the running set to
// match. Grounded on the periodic re-evaluation idiom used by the
// pipeline's scheduled detection strategy, generalized into a full
// desired/actual reconciliation loop with per-pair exponential backoff.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinelcam/internal/metrics"
	"sentinelcam/internal/model"
)

// Source is the narrow read-only event contract from the design's
// external interfaces section.
type Source interface {
	ListActiveEvents() ([]model.EventSchedule, error)
}

// Controller starts and stops recognition sessions on the Scheduler's
// behalf, implemented by the wiring that owns the Frame Extractor and
// Face Recognition Worker.
type Controller interface {
	StartRecognition(ctx context.Context, eventID string, cam model.EventCamera, tenantID string) error
	StopRecognition(ctx context.Context, eventID, cameraID string) error
	ForceStopRecognition(ctx context.Context, eventID, cameraID string)
}

type pairKey struct {
	eventID  string
	cameraID string
}

func (k pairKey) String() string { return k.eventID + "/" + k.cameraID }

type pairState struct {
	active       bool
	backoffN     int
	nextAttempt  time.Time
	forceStopped bool
}

// Options configures the Scheduler's tick interval and clock/time zone.
type Options struct {
	Tick time.Duration // T_tick, default 10s
	Now  func() time.Time
	Loc  *time.Location
}

// Scheduler ticks and reconciles recognition session lifecycle against
// the event table. Safe for concurrent use.
type Scheduler struct {
	log        *zap.Logger
	source     Source
	controller Controller
	opts       Options

	reconcileMu sync.Mutex // single reconciliation lock; ticks cannot interleave

	mu        sync.Mutex
	pairs     map[pairKey]*pairState
	overrides map[string]bool // eventID -> active flag override from toggleEventStatus

	stopCh chan struct{}
	once   sync.Once
}

// New creates a Scheduler. Call Run to start its tick loop.
func New(log *zap.Logger, source Source, controller Controller, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Loc == nil {
		opts.Loc = time.Local
	}
	return &Scheduler{
		log:        log,
		source:     source,
		controller: controller,
		opts:       opts,
		pairs:      make(map[pairKey]*pairState),
		overrides:  make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
}

// Run starts the tick loop; it blocks until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return
		case <-s.stopCh:
			s.shutdown(ctx)
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.log.Error("reconcile failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the tick loop.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) shutdown(ctx context.Context) {
	s.mu.Lock()
	pairs := make([]pairKey, 0, len(s.pairs))
	for k, st := range s.pairs {
		if st.active {
			pairs = append(pairs, k)
		}
	}
	s.mu.Unlock()

	for _, k := range pairs {
		s.controller.ForceStopRecognition(ctx, k.eventID, k.cameraID)
		s.mu.Lock()
		delete(s.pairs, k)
		s.mu.Unlock()
	}
}

// Reconcile computes the desired set and starts/stops sessions to match
// it. Serialised by reconcileMu so concurrent ticks cannot interleave.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	events, err := s.source.ListActiveEvents()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrSchedulerReconcileFailed, err)
	}

	now := s.opts.Now().In(s.opts.Loc)
	desired := s.computeDesired(events, now)

	s.mu.Lock()
	actual := make(map[pairKey]bool, len(s.pairs))
	for k, st := range s.pairs {
		actual[k] = st.active
	}
	s.mu.Unlock()

	for key, meta := range desired {
		if actual[key] {
			continue
		}
		s.attemptStart(ctx, key, meta, now)
	}

	for key := range actual {
		if _, ok := desired[key]; ok {
			continue
		}
		s.attemptStop(ctx, key)
	}

	metrics.SchedulerActivePairs.Set(float64(len(s.ActivePairs())))
	return nil
}

type desiredMeta struct {
	tenantID string
	cam      model.EventCamera
}

func (s *Scheduler) computeDesired(events []model.EventSchedule, now time.Time) map[pairKey]desiredMeta {
	out := make(map[pairKey]desiredMeta)

	s.mu.Lock()
	overrides := make(map[string]bool, len(s.overrides))
	for k, v := range s.overrides {
		overrides[k] = v
	}
	s.mu.Unlock()

	for _, ev := range events {
		active := ev.Active
		if override, ok := overrides[ev.EventID]; ok {
			active = override
		}
		if !active {
			continue
		}
		if !isActiveNow(ev, now) {
			continue
		}
		for _, cam := range ev.Cameras {
			if !cam.Enabled {
				continue
			}
			out[pairKey{eventID: ev.EventID, cameraID: cam.CameraID}] = desiredMeta{tenantID: ev.TenantID, cam: cam}
		}
	}
	return out
}

// isActiveNow evaluates the Once/Daily/Weekly/Monthly truth table,
// including the midnight-crossing window when EndMinute < StartMinute.
func isActiveNow(ev model.EventSchedule, now time.Time) bool {
	// The tail of a midnight-crossing window belongs to the calendar day of
	// startTime, so the date and day-of-month gates check that day.
	day := now
	if ev.EndMinute < ev.StartMinute && now.Hour()*60+now.Minute() < ev.StartMinute {
		day = now.AddDate(0, 0, -1)
	}
	switch ev.Recurrence {
	case model.RecurrenceOnce:
		return sameDate(ev.ScheduledDate, day) && inWindow(ev, now)
	case model.RecurrenceDaily:
		return inWindow(ev, now)
	case model.RecurrenceWeekly:
		return weekdayMatches(ev, now) && inWindow(ev, now)
	case model.RecurrenceMonthly:
		return day.Day() == ev.ScheduledDay && inWindow(ev, now)
	default:
		return false
	}
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func weekdayMatches(ev model.EventSchedule, now time.Time) bool {
	if ev.EndMinute < ev.StartMinute {
		// Midnight-crossing window belongs to the calendar day of
		// startTime: the weekday gate must be checked against that day,
		// not "today" once we've rolled past midnight into the tail.
		minute := now.Hour()*60 + now.Minute()
		if minute < ev.StartMinute {
			previous := time.Weekday((int(now.Weekday()) + 6) % 7)
			return ev.ScheduledWeekday.Has(previous)
		}
	}
	return ev.ScheduledWeekday.Has(now.Weekday())
}

func inWindow(ev model.EventSchedule, now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()
	if ev.EndMinute < ev.StartMinute {
		return minute >= ev.StartMinute || minute <= ev.EndMinute
	}
	return minute >= ev.StartMinute && minute <= ev.EndMinute
}

func (s *Scheduler) attemptStart(ctx context.Context, key pairKey, meta desiredMeta, now time.Time) {
	s.mu.Lock()
	st, ok := s.pairs[key]
	if !ok {
		st = &pairState{}
		s.pairs[key] = st
	}
	if !now.After(st.nextAttempt) && !st.nextAttempt.IsZero() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.controller.StartRecognition(ctx, key.eventID, meta.cam, meta.tenantID); err != nil {
		s.mu.Lock()
		st.backoffN++
		backoff := time.Duration(1<<uint(st.backoffN)) * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		st.nextAttempt = now.Add(backoff)
		s.mu.Unlock()
		metrics.SchedulerStartFailures.WithLabelValues(key.eventID).Inc()
		s.log.Warn("recognition start failed, will retry", zap.String("pair", key.String()), zap.Error(err), zap.Duration("backoff", backoff))
		return
	}

	s.mu.Lock()
	st.active = true
	st.backoffN = 0
	st.nextAttempt = time.Time{}
	s.mu.Unlock()
}

func (s *Scheduler) attemptStop(ctx context.Context, key pairKey) {
	if err := s.controller.StopRecognition(ctx, key.eventID, key.cameraID); err != nil {
		s.log.Warn("recognition stop failed, force-stopping", zap.String("pair", key.String()), zap.Error(err))
		s.controller.ForceStopRecognition(ctx, key.eventID, key.cameraID)
		metrics.SchedulerForceStops.WithLabelValues(key.eventID).Inc()
	}

	s.mu.Lock()
	delete(s.pairs, key)
	s.mu.Unlock()
}

// ManuallyStartEvent is a single-shot override: it starts cam immediately
// regardless of the computed schedule. The next tick's reconciliation may
// stop it again if the schedule says it shouldn't be running.
func (s *Scheduler) ManuallyStartEvent(ctx context.Context, eventID string, cam model.EventCamera, tenantID string) error {
	key := pairKey{eventID: eventID, cameraID: cam.CameraID}
	if err := s.controller.StartRecognition(ctx, eventID, cam, tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	s.pairs[key] = &pairState{active: true}
	s.mu.Unlock()
	return nil
}

// ManuallyStopEvent is a single-shot override: it stops cam immediately.
func (s *Scheduler) ManuallyStopEvent(ctx context.Context, eventID, cameraID string) error {
	key := pairKey{eventID: eventID, cameraID: cameraID}
	if err := s.controller.StopRecognition(ctx, eventID, cameraID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pairs, key)
	s.mu.Unlock()
	return nil
}

// ToggleEventStatus flips eventID's active flag for subsequent
// reconciliations, overriding whatever the persistence layer reports
// until the override is toggled again.
func (s *Scheduler) ToggleEventStatus(eventID string, currentActive bool) {
	s.mu.Lock()
	s.overrides[eventID] = !currentActive
	s.mu.Unlock()
}

// ActivePairs lists the (event, camera) pairs currently believed active.
func (s *Scheduler) ActivePairs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pairs))
	for k, st := range s.pairs {
		if st.active {
			out = append(out, k.String())
		}
	}
	return out
}
