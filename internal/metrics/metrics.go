// Package metrics exposes the streaming core's health as prometheus
// gauges and counters: active broker sessions, ANN Face Index size, and
// scheduler reconciliation outcomes. Grounded on the camera driver's
// promauto gauge-vec idiom, generalized from one physical device's
// control-type readings to per-tenant/per-camera session state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BrokerActiveSessions is the number of Active stream sessions, by kind.
	BrokerActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinelcam_broker_active_sessions",
			Help: "Active stream sessions tracked by the Stream Broker",
		},
		[]string{"kind"},
	)

	// BrokerSubscriberCount is the number of attached viewer subscribers
	// for one session.
	BrokerSubscriberCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinelcam_broker_subscriber_count",
			Help: "Subscribers attached to a viewer stream session",
		},
		[]string{"session_id"},
	)

	// BrokerSessionsStarted counts sessions the broker has started.
	BrokerSessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcam_broker_sessions_started_total",
			Help: "Stream sessions started by the Stream Broker",
		},
		[]string{"camera"},
	)

	// BrokerSessionsReaped counts idle sessions the GC loop has reaped.
	BrokerSessionsReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcam_broker_sessions_reaped_total",
			Help: "Viewer sessions reaped for idling with zero subscribers",
		},
		[]string{"camera"},
	)

	// FramerDesyncs counts MJPEG framer buffer resets caused by desync.
	FramerDesyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcam_framer_desyncs_total",
			Help: "MJPEG framer buffer resets triggered by a desynced stream",
		},
		[]string{"session_id"},
	)

	// ExtractorConsecutiveFailures tracks the Frame Extractor's current
	// failure streak per recognition session.
	ExtractorConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinelcam_extractor_consecutive_failures",
			Help: "Consecutive still-capture failures for a recognition session",
		},
		[]string{"session_id"},
	)

	// ExtractorInBackoff reports 1 when a recognition session's extractor
	// is currently in its backoff window.
	ExtractorInBackoff = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinelcam_extractor_in_backoff",
			Help: "1 if the extractor for this session is currently backing off",
		},
		[]string{"session_id"},
	)

	// RecognitionImagesDropped counts images dropped from the worker's
	// bounded image queue under backpressure.
	RecognitionImagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinelcam_recognition_images_dropped_total",
			Help: "Images dropped from the Face Recognition Worker's bounded queue",
		},
	)

	// RecognitionDetections counts persisted detections by match status.
	RecognitionDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcam_recognition_detections_total",
			Help: "Detections persisted by the Face Recognition Worker",
		},
		[]string{"match_status"},
	)

	// AnnIndexFaces is the current count of active face vectors in the
	// ANN Face Index.
	AnnIndexFaces = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinelcam_ann_index_faces",
			Help: "Active face vectors held in the ANN Face Index",
		},
		[]string{"tenant"},
	)

	// AnnIndexBuildMs is the duration of the most recent full index
	// rebuild, in milliseconds.
	AnnIndexBuildMs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinelcam_ann_index_build_ms",
			Help: "Duration of the most recent ANN Face Index rebuild, in milliseconds",
		},
	)

	// SchedulerActivePairs is the number of (event, camera) pairs the
	// scheduler currently believes are running.
	SchedulerActivePairs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinelcam_scheduler_active_pairs",
			Help: "Event/camera pairs the scheduler currently believes are active",
		},
	)

	// SchedulerStartFailures counts recognition session starts that
	// failed and entered backoff.
	SchedulerStartFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcam_scheduler_start_failures_total",
			Help: "Recognition session starts that failed and entered backoff",
		},
		[]string{"event"},
	)

	// SchedulerForceStops counts (event, camera) pairs that required a
	// force-kill because a graceful stop failed.
	SchedulerForceStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinelcam_scheduler_force_stops_total",
			Help: "Recognition sessions force-stopped after a graceful stop failed",
		},
		[]string{"event"},
	)
)
