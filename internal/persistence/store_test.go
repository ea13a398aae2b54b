package persistence

import (
	"context"
	"testing"
	"time"

	"sentinelcam/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPersistAndListDetections(t *testing.T) {
	s := newTestStore(t)
	det := model.Detection{
		ID:            "det-1",
		Timestamp:     time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC),
		CameraID:      "cam-1",
		TenantID:      "tenant-a",
		BBox:          model.BoundingBox{X: 1, Y: 2, W: 3, H: 4},
		Confidence:    0.9,
		Embedding:     []float32{0.1, 0.2, 0.3},
		MatchStatus:   model.MatchStatusMatched,
		MatchedFaceID: "face-1",
		MatchDistance: 0.1,
		Status:        model.DetectionUnconfirmed,
	}
	if err := s.PersistDetection(context.Background(), det); err != nil {
		t.Fatalf("persist: %v", err)
	}

	got, err := s.ListDetections("cam-1", nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "det-1" || got[0].MatchedFaceID != "face-1" {
		t.Fatalf("unexpected detections: %+v", got)
	}
	if len(got[0].Embedding) != 3 {
		t.Fatalf("expected embedding round-trip, got %v", got[0].Embedding)
	}
}

func TestUpsertDetectionUpdatesReviewFields(t *testing.T) {
	s := newTestStore(t)
	det := model.Detection{ID: "det-1", CameraID: "cam-1", TenantID: "tenant-a", Timestamp: time.Now(), Status: model.DetectionUnconfirmed}
	if err := s.PersistDetection(context.Background(), det); err != nil {
		t.Fatalf("persist: %v", err)
	}
	det.Status = model.DetectionConfirmed
	if err := s.PersistDetection(context.Background(), det); err != nil {
		t.Fatalf("persist update: %v", err)
	}
	got, err := s.ListDetections("cam-1", nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Status != model.DetectionConfirmed {
		t.Fatalf("expected upsert to update status in place, got %+v", got)
	}
}

func TestUpsertAndListActiveFaceVectors(t *testing.T) {
	s := newTestStore(t)
	fv := model.FaceVector{PersonFaceID: "pf-1", PersonID: "p-1", TenantID: "tenant-a", Vector: []float32{1, 0, 0}}
	if err := s.UpsertFaceVector(fv); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	other := model.FaceVector{PersonFaceID: "pf-2", PersonID: "p-2", TenantID: "tenant-b", Vector: []float32{0, 1, 0}}
	if err := s.UpsertFaceVector(other); err != nil {
		t.Fatalf("upsert other: %v", err)
	}

	got, err := s.ListActiveFaceVectors("tenant-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].PersonFaceID != "pf-1" {
		t.Fatalf("expected tenant isolation, got %+v", got)
	}

	if err := s.DeactivateFaceVector("pf-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err = s.ListActiveFaceVectors("tenant-a")
	if err != nil {
		t.Fatalf("list after deactivate: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected deactivated vector excluded, got %+v", got)
	}
}

func TestUpsertEventAndListActiveEventsIncludesCameras(t *testing.T) {
	s := newTestStore(t)
	ev := model.EventSchedule{
		EventID:     "ev-1",
		TenantID:    "tenant-a",
		Active:      true,
		Recurrence:  model.RecurrenceDaily,
		StartMinute: 480,
		EndMinute:   540,
		Cameras: []model.EventCamera{
			{CameraID: "cam-1", Enabled: true},
			{CameraID: "cam-2", Enabled: false},
		},
	}
	if err := s.UpsertEvent(ev); err != nil {
		t.Fatalf("upsert event: %v", err)
	}

	events, err := s.ListActiveEvents()
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "ev-1" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if len(events[0].Cameras) != 2 {
		t.Fatalf("expected 2 camera associations, got %+v", events[0].Cameras)
	}

	cams, err := s.ListEventCameras("ev-1")
	if err != nil {
		t.Fatalf("list event cameras: %v", err)
	}
	if len(cams) != 2 {
		t.Fatalf("expected 2 cameras, got %v", cams)
	}
}

func TestDeleteEventRemovesCameraAssociations(t *testing.T) {
	s := newTestStore(t)
	ev := model.EventSchedule{
		EventID:    "ev-1",
		TenantID:   "tenant-a",
		Active:     true,
		Recurrence: model.RecurrenceOnce,
		Cameras:    []model.EventCamera{{CameraID: "cam-1", Enabled: true}},
	}
	if err := s.UpsertEvent(ev); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.DeleteEvent("ev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events, err := s.ListActiveEvents()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after delete, got %+v", events)
	}
	cams, err := s.ListEventCameras("ev-1")
	if err != nil {
		t.Fatalf("list cameras: %v", err)
	}
	if len(cams) != 0 {
		t.Fatalf("expected no camera associations after delete, got %v", cams)
	}
}

func TestInactiveEventExcludedFromListActiveEvents(t *testing.T) {
	s := newTestStore(t)
	ev := model.EventSchedule{EventID: "ev-1", TenantID: "tenant-a", Active: false, Recurrence: model.RecurrenceDaily}
	if err := s.UpsertEvent(ev); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	events, err := s.ListActiveEvents()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected inactive event excluded, got %+v", events)
	}
}
