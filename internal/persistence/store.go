// Package persistence is the sqlite-backed sink for detections, the
// active face vector set and the event schedule table. Grounded on the
// detection hub's database package: WAL mode, foreign keys, upsert via
// ON CONFLICT, and additive ALTER TABLE migrations that tolerate
// "duplicate column" on repeated runs.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sentinelcam/internal/model"
)

// Store owns the sqlite connection backing detections, face vectors and
// the event schedule.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and enables
// WAL mode and foreign key enforcement.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: enable foreign keys: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates tables and applies additive schema migrations.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			bbox_x INTEGER, bbox_y INTEGER, bbox_w INTEGER, bbox_h INTEGER,
			confidence REAL,
			embedding TEXT,
			match_status TEXT,
			matched_face_id TEXT,
			match_distance REAL,
			cropped_image TEXT,
			status TEXT DEFAULT 'unconfirmed'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_camera_time ON detections(camera_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_tenant_time ON detections(tenant_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS face_vectors (
			person_face_id TEXT PRIMARY KEY,
			person_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			vector TEXT NOT NULL,
			active INTEGER DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_face_vectors_tenant ON face_vectors(tenant_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			active INTEGER DEFAULT 1,
			recurrence TEXT NOT NULL,
			scheduled_date DATETIME,
			scheduled_weekday INTEGER DEFAULT 0,
			scheduled_day INTEGER DEFAULT 0,
			start_minute INTEGER DEFAULT 0,
			end_minute INTEGER DEFAULT 1439
		)`,
		`CREATE TABLE IF NOT EXISTS event_cameras (
			event_id TEXT NOT NULL REFERENCES events(event_id),
			camera_id TEXT NOT NULL,
			enabled INTEGER DEFAULT 1,
			PRIMARY KEY (event_id, camera_id)
		)`,
		// additive columns for deployments migrating from an earlier schema
		`ALTER TABLE detections ADD COLUMN cropped_image TEXT`,
		`ALTER TABLE face_vectors ADD COLUMN active INTEGER DEFAULT 1`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("persistence: migration failed: %w", err)
		}
	}
	return nil
}

// PersistDetection records one face observation, matched or not.
func (s *Store) PersistDetection(ctx context.Context, det model.Detection) error {
	embeddingJSON, err := json.Marshal(det.Embedding)
	if err != nil {
		return fmt.Errorf("persistence: marshal embedding: %w", err)
	}

	query := `INSERT INTO detections
		(id, camera_id, tenant_id, timestamp, bbox_x, bbox_y, bbox_w, bbox_h, confidence,
		 embedding, match_status, matched_face_id, match_distance, cropped_image, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			match_status = excluded.match_status,
			matched_face_id = excluded.matched_face_id,
			match_distance = excluded.match_distance,
			status = excluded.status`

	_, err = s.db.ExecContext(ctx, query, det.ID, det.CameraID, det.TenantID, det.Timestamp,
		det.BBox.X, det.BBox.Y, det.BBox.W, det.BBox.H, det.Confidence,
		string(embeddingJSON), string(det.MatchStatus), det.MatchedFaceID, det.MatchDistance,
		det.CroppedImage, string(det.Status))
	if err != nil {
		return fmt.Errorf("persistence: persist detection: %w", err)
	}
	return nil
}

// ListDetections returns detections for a camera since a point in time,
// newest first, bounded by limit (0 means unbounded).
func (s *Store) ListDetections(cameraID string, since *time.Time, limit int) ([]model.Detection, error) {
	query := `SELECT id, camera_id, tenant_id, timestamp, bbox_x, bbox_y, bbox_w, bbox_h, confidence,
		embedding, match_status, matched_face_id, match_distance, cropped_image, status
		FROM detections WHERE 1=1`
	args := []interface{}{}

	if cameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, cameraID)
	}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: list detections: %w", err)
	}
	defer rows.Close()

	var out []model.Detection
	for rows.Next() {
		var d model.Detection
		var embeddingJSON string
		var matchStatus, status string
		if err := rows.Scan(&d.ID, &d.CameraID, &d.TenantID, &d.Timestamp, &d.BBox.X, &d.BBox.Y, &d.BBox.W, &d.BBox.H,
			&d.Confidence, &embeddingJSON, &matchStatus, &d.MatchedFaceID, &d.MatchDistance, &d.CroppedImage, &status); err != nil {
			return nil, fmt.Errorf("persistence: scan detection: %w", err)
		}
		d.MatchStatus = model.MatchStatus(matchStatus)
		d.Status = model.DetectionStatus(status)
		if embeddingJSON != "" {
			if err := json.Unmarshal([]byte(embeddingJSON), &d.Embedding); err != nil {
				return nil, fmt.Errorf("persistence: unmarshal embedding: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// UpsertFaceVector inserts or replaces a tenant's active face embedding.
func (s *Store) UpsertFaceVector(fv model.FaceVector) error {
	vectorJSON, err := json.Marshal(fv.Vector)
	if err != nil {
		return fmt.Errorf("persistence: marshal vector: %w", err)
	}
	query := `INSERT INTO face_vectors (person_face_id, person_id, tenant_id, vector, active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(person_face_id) DO UPDATE SET
			vector = excluded.vector, active = 1`
	if _, err := s.db.Exec(query, fv.PersonFaceID, fv.PersonID, fv.TenantID, string(vectorJSON)); err != nil {
		return fmt.Errorf("persistence: upsert face vector: %w", err)
	}
	return nil
}

// DeactivateFaceVector marks a face embedding inactive without deleting
// its history.
func (s *Store) DeactivateFaceVector(personFaceID string) error {
	if _, err := s.db.Exec("UPDATE face_vectors SET active = 0 WHERE person_face_id = ?", personFaceID); err != nil {
		return fmt.Errorf("persistence: deactivate face vector: %w", err)
	}
	return nil
}

// ListTenants returns the distinct tenant ids with at least one active
// face vector, the seed list for a full ANN Face Index rebuild.
func (s *Store) ListTenants() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT tenant_id FROM face_vectors WHERE active = 1")
	if err != nil {
		return nil, fmt.Errorf("persistence: list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("persistence: scan tenant: %w", err)
		}
		out = append(out, tenantID)
	}
	return out, nil
}

// ListActiveFaceVectors returns every active face embedding for a tenant,
// the seed set for rebuilding the ANN Face Index.
func (s *Store) ListActiveFaceVectors(tenantID string) ([]model.FaceVector, error) {
	rows, err := s.db.Query(`SELECT person_face_id, person_id, tenant_id, vector FROM face_vectors
		WHERE tenant_id = ? AND active = 1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("persistence: list face vectors: %w", err)
	}
	defer rows.Close()

	var out []model.FaceVector
	for rows.Next() {
		var fv model.FaceVector
		var vectorJSON string
		if err := rows.Scan(&fv.PersonFaceID, &fv.PersonID, &fv.TenantID, &vectorJSON); err != nil {
			return nil, fmt.Errorf("persistence: scan face vector: %w", err)
		}
		if err := json.Unmarshal([]byte(vectorJSON), &fv.Vector); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal vector: %w", err)
		}
		out = append(out, fv)
	}
	return out, nil
}

// UpsertEvent writes an event's schedule row and its camera associations.
func (s *Store) UpsertEvent(ev model.EventSchedule) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("persistence: begin: %w", err)
	}
	defer tx.Rollback()

	active := 0
	if ev.Active {
		active = 1
	}
	_, err = tx.Exec(`INSERT INTO events
		(event_id, tenant_id, active, recurrence, scheduled_date, scheduled_weekday, scheduled_day, start_minute, end_minute)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			active = excluded.active,
			recurrence = excluded.recurrence,
			scheduled_date = excluded.scheduled_date,
			scheduled_weekday = excluded.scheduled_weekday,
			scheduled_day = excluded.scheduled_day,
			start_minute = excluded.start_minute,
			end_minute = excluded.end_minute`,
		ev.EventID, ev.TenantID, active, string(ev.Recurrence), ev.ScheduledDate, int(ev.ScheduledWeekday), ev.ScheduledDay, ev.StartMinute, ev.EndMinute)
	if err != nil {
		return fmt.Errorf("persistence: upsert event: %w", err)
	}

	for _, cam := range ev.Cameras {
		enabled := 0
		if cam.Enabled {
			enabled = 1
		}
		if _, err := tx.Exec(`INSERT INTO event_cameras (event_id, camera_id, enabled) VALUES (?, ?, ?)
			ON CONFLICT(event_id, camera_id) DO UPDATE SET enabled = excluded.enabled`,
			ev.EventID, cam.CameraID, enabled); err != nil {
			return fmt.Errorf("persistence: upsert event camera: %w", err)
		}
	}

	return tx.Commit()
}

// ListActiveEvents returns every active event with its camera
// associations populated, the input to the Event Scheduler's tick loop.
func (s *Store) ListActiveEvents() ([]model.EventSchedule, error) {
	rows, err := s.db.Query(`SELECT event_id, tenant_id, active, recurrence, scheduled_date,
		scheduled_weekday, scheduled_day, start_minute, end_minute FROM events WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("persistence: list events: %w", err)
	}
	defer rows.Close()

	var events []model.EventSchedule
	for rows.Next() {
		var ev model.EventSchedule
		var active int
		var recurrence string
		var scheduledDate sql.NullTime
		var weekday int
		if err := rows.Scan(&ev.EventID, &ev.TenantID, &active, &recurrence, &scheduledDate,
			&weekday, &ev.ScheduledDay, &ev.StartMinute, &ev.EndMinute); err != nil {
			return nil, fmt.Errorf("persistence: scan event: %w", err)
		}
		ev.Active = active == 1
		ev.Recurrence = model.Recurrence(recurrence)
		ev.ScheduledWeekday = model.WeekdaySet(weekday)
		if scheduledDate.Valid {
			ev.ScheduledDate = scheduledDate.Time
		}
		events = append(events, ev)
	}

	for i := range events {
		cams, err := s.ListEventCameras(events[i].EventID)
		if err != nil {
			return nil, err
		}
		events[i].Cameras = cams
	}
	return events, nil
}

// ListEventCameras returns the camera associations for one event.
func (s *Store) ListEventCameras(eventID string) ([]model.EventCamera, error) {
	rows, err := s.db.Query("SELECT camera_id, enabled FROM event_cameras WHERE event_id = ?", eventID)
	if err != nil {
		return nil, fmt.Errorf("persistence: list event cameras: %w", err)
	}
	defer rows.Close()

	var out []model.EventCamera
	for rows.Next() {
		var cam model.EventCamera
		var enabled int
		if err := rows.Scan(&cam.CameraID, &enabled); err != nil {
			return nil, fmt.Errorf("persistence: scan event camera: %w", err)
		}
		cam.Enabled = enabled == 1
		out = append(out, cam)
	}
	return out, nil
}

// DeleteEvent removes an event and its camera associations.
func (s *Store) DeleteEvent(eventID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("persistence: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM event_cameras WHERE event_id = ?", eventID); err != nil {
		return fmt.Errorf("persistence: delete event cameras: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM events WHERE event_id = ?", eventID); err != nil {
		return fmt.Errorf("persistence: delete event: %w", err)
	}
	return tx.Commit()
}
