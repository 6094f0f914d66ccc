package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore implements Store using SQLite.
// Timestamps are stored as UTC unix nanoseconds.
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	store := newSQLiteStore(logger, db)
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	store.logger.Info("SQLite store ready", zap.String("path", dbPath))
	return store, nil
}

func newSQLiteStore(logger *zap.Logger, db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}
}

// Close implements Store.Close
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			escalation_level INTEGER NOT NULL DEFAULT 0,
			child_id TEXT,
			venue_id TEXT NOT NULL,
			camera_id TEXT,
			zone_id TEXT,
			title TEXT NOT NULL,
			description TEXT,
			trigger_data TEXT,
			resolution TEXT,
			response_time INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			resolved_at INTEGER,
			escalated_at INTEGER,
			auto_resolve_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_venue_status ON alerts(venue_id, status);
		CREATE INDEX IF NOT EXISTS idx_alerts_child ON alerts(child_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_auto_resolve ON alerts(auto_resolve_at);

		CREATE TABLE IF NOT EXISTS alert_timeline (
			alert_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			description TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (alert_id, seq)
		);

		CREATE TABLE IF NOT EXISTS sightings (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			venue_id TEXT NOT NULL,
			camera_id TEXT,
			zone_name TEXT,
			confidence REAL NOT NULL,
			bounding_box TEXT,
			image_url TEXT,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sightings_subject ON sightings(subject_id, venue_id, timestamp);

		CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			venue_id TEXT NOT NULL,
			camera_id TEXT,
			zone_id TEXT,
			detection_type TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			confidence REAL NOT NULL,
			image_url TEXT,
			description TEXT,
			timestamp INTEGER NOT NULL,
			alert_generated INTEGER NOT NULL DEFAULT 0,
			alert_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_detections_pending ON detections(alert_generated, timestamp);

		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			recipient_role TEXT,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			subject TEXT,
			message TEXT,
			external_id TEXT,
			failure_reason TEXT,
			created_at INTEGER NOT NULL,
			sent_at INTEGER,
			failed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_alert ON notifications(alert_id);
		CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at);

		CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			venue_id TEXT NOT NULL,
			name TEXT,
			address TEXT NOT NULL,
			port INTEGER,
			health_url TEXT,
			username TEXT,
			password TEXT,
			resolution TEXT,
			active INTEGER NOT NULL DEFAULT 0,
			health TEXT,
			last_heartbeat INTEGER,
			connected_at INTEGER,
			disconnected_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_devices_venue ON devices(venue_id);

		CREATE TABLE IF NOT EXISTS venues (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			admin_id TEXT,
			config TEXT,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS zones (
			id TEXT PRIMARY KEY,
			venue_id TEXT NOT NULL,
			name TEXT NOT NULL,
			capacity INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_zones_venue ON zones(venue_id);

		CREATE TABLE IF NOT EXISTS subjects (
			id TEXT PRIMARY KEY,
			venue_id TEXT NOT NULL,
			name TEXT NOT NULL,
			guardian_id TEXT,
			checked_in INTEGER NOT NULL DEFAULT 0,
			checked_in_at INTEGER,
			face_recognition_enabled INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_subjects_venue ON subjects(venue_id);

		CREATE TABLE IF NOT EXISTS recipients (
			id TEXT PRIMARY KEY,
			name TEXT,
			role TEXT NOT NULL,
			email TEXT,
			phone TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_recipients_role ON recipients(role);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
