// Package model holds the domain types shared across the streaming core and
// the recognition pipeline: sessions, frames, face vectors, detections and
// event schedules. Types here are intentionally storage-agnostic; concrete
// persistence lives in internal/persistence.
package model

import "time"

// SessionKind distinguishes a viewer fan-out session from a recognition
// sampling session. A camera may have one of each at the same time, but a
// Recognition session never shares a Transcoder/Subscriber Set with a Viewer
// session.
type SessionKind string

const (
	KindViewer      SessionKind = "viewer"
	KindRecognition SessionKind = "recognition"
)

// SessionState is the lifecycle state machine of a StreamSession. Viewer
// sessions move Starting -> Active -> Stopping -> Dead in that order only.
type SessionState string

const (
	StateStarting SessionState = "starting"
	StateActive   SessionState = "active"
	StateStopping SessionState = "stopping"
	StateDead     SessionState = "dead"
)

// StreamSession is a camera fan-out session owned exclusively by the Stream
// Broker. Viewer sessions are keyed by camera for reuse; Recognition
// sessions never participate in that reuse index.
type StreamSession struct {
	ID           string
	CameraID     string
	TenantID     string
	SourceURL    string
	Kind         SessionKind
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Frame is a complete, validated JPEG (SOI..EOI), immutable once assembled.
type Frame struct {
	Data      []byte
	Seq       uint64
	Timestamp time.Time
}

// RecognitionSessionState mirrors the scheduler's view of a running
// recognition sampling loop.
type RecognitionSessionState string

const (
	RecognitionActive         RecognitionSessionState = "active"
	RecognitionBackoff        RecognitionSessionState = "backoff"
	RecognitionForceStopping  RecognitionSessionState = "force_stopping"
	RecognitionStopped        RecognitionSessionState = "stopped"
)

// RecognitionSession describes one (camera) sampling loop driving the Face
// Recognition Worker. At most one exists per camera ID process-wide.
type RecognitionSession struct {
	ID         string
	CameraID   string
	TenantID   string
	SourceURL  string
	OwnerEvent string // empty for ad-hoc/manual sessions
	Period     time.Duration
	State      RecognitionSessionState
	CreatedAt  time.Time
}

// FaceVector is a unit-norm embedding tagged with the PersonFace it was
// derived from, scoped to a tenant. The ANN Face Index holds exactly the set
// of currently active FaceVectors.
type FaceVector struct {
	PersonFaceID string
	PersonID     string
	TenantID     string
	Vector       []float32
}

// BoundingBox is a pixel-space axis-aligned box.
type BoundingBox struct {
	X, Y, W, H int
}

// MatchStatus is the outcome of comparing a detection's embedding against
// the ANN Face Index.
type MatchStatus string

const (
	MatchStatusMatched            MatchStatus = "matched"
	MatchStatusUnmatchedCandidate MatchStatus = "unmatched_candidate"
	MatchStatusUnmatched          MatchStatus = "unmatched"
)

// DetectionStatus is the review state of a persisted Detection.
type DetectionStatus string

const (
	DetectionUnconfirmed DetectionStatus = "unconfirmed"
	DetectionConfirmed   DetectionStatus = "confirmed"
	DetectionRejected    DetectionStatus = "rejected"
)

// Detection is one face observation at a moment in time on one camera.
// Immutable once recorded except for Status and MatchedFaceID.
type Detection struct {
	ID             string
	Timestamp      time.Time
	CameraID       string
	TenantID       string
	BBox           BoundingBox
	Confidence     float32
	Embedding      []float32
	MatchStatus    MatchStatus
	MatchedFaceID  string // empty unless MatchStatus == matched or candidate
	MatchDistance  float32
	CroppedImage   string // optional URI, empty if not stored
	Status         DetectionStatus
}

// Recurrence is the repetition rule of an EventSchedule.
type Recurrence string

const (
	RecurrenceOnce    Recurrence = "once"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// Weekday bitset helpers, Sunday = bit 0 .. Saturday = bit 6, matching
// time.Weekday's own numbering so callers can do 1<<uint(time.Monday).
type WeekdaySet uint8

func (w WeekdaySet) Has(day time.Weekday) bool {
	return w&(1<<uint(day)) != 0
}

// EventCamera is one (event, camera) association with its own enabled flag.
type EventCamera struct {
	CameraID string
	Enabled  bool
}

// EventSchedule is the recurrence definition for a scheduled recognition
// activation. Time-of-day fields are minutes since midnight, server-local.
type EventSchedule struct {
	EventID          string
	TenantID         string
	Active           bool
	Recurrence       Recurrence
	ScheduledDate    time.Time // date-only, used when Recurrence == Once
	ScheduledWeekday WeekdaySet
	ScheduledDay     int // day-of-month, used when Recurrence == Monthly
	StartMinute      int // minutes since local midnight, [0,1440)
	EndMinute        int // minutes since local midnight, [0,1440)
	Cameras          []EventCamera
}
