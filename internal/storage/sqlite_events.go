package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/venueguard/internal/model"
)

// CreateSighting implements SightingStore.CreateSighting
func (s *SQLiteStore) CreateSighting(ctx context.Context, sighting *model.Sighting) error {
	var box string
	if sighting.BoundingBox != nil {
		data, err := json.Marshal(sighting.BoundingBox)
		if err != nil {
			return fmt.Errorf("failed to marshal bounding box: %w", err)
		}
		box = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sightings (
			id, subject_id, venue_id, camera_id, zone_name, confidence, bounding_box, image_url, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sighting.ID,
		sighting.SubjectID,
		sighting.VenueID,
		sighting.CameraID,
		sighting.ZoneName,
		sighting.Confidence,
		box,
		sighting.ImageURL,
		toNanos(sighting.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to store sighting: %w", err)
	}
	return nil
}

// LatestSighting implements SightingStore.LatestSighting
func (s *SQLiteStore) LatestSighting(ctx context.Context, subjectID, venueID string) (*model.Sighting, error) {
	var (
		sg                           model.Sighting
		cameraID, zoneName, imageURL sql.NullString
		box                          sql.NullString
		ts                           int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, venue_id, camera_id, zone_name, confidence, bounding_box, image_url, timestamp
		FROM sightings
		WHERE subject_id = ? AND venue_id = ?
		ORDER BY timestamp DESC LIMIT 1`,
		subjectID, venueID,
	).Scan(&sg.ID, &sg.SubjectID, &sg.VenueID, &cameraID, &zoneName, &sg.Confidence, &box, &imageURL, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sighting: %w", err)
	}

	sg.CameraID = cameraID.String
	sg.ZoneName = zoneName.String
	sg.ImageURL = imageURL.String
	sg.Timestamp = fromNanos(ts)
	if box.Valid && box.String != "" {
		sg.BoundingBox = &model.BoundingBox{}
		if err := json.Unmarshal([]byte(box.String), sg.BoundingBox); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bounding box: %w", err)
		}
	}
	return &sg, nil
}

// CountSightings implements SightingStore.CountSightings
func (s *SQLiteStore) CountSightings(ctx context.Context, subjectID, venueID string, from, to time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sightings
		WHERE subject_id = ? AND venue_id = ? AND timestamp >= ? AND timestamp < ?`,
		subjectID, venueID, toNanos(from), toNanos(to),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sightings: %w", err)
	}
	return count, nil
}

// CreateDetection implements DetectionStore.CreateDetection
func (s *SQLiteStore) CreateDetection(ctx context.Context, d *model.Detection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (
			id, venue_id, camera_id, zone_id, detection_type, risk_level, confidence,
			image_url, description, timestamp, alert_generated, alert_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.VenueID,
		d.CameraID,
		d.ZoneID,
		d.DetectionType,
		d.RiskLevel,
		d.Confidence,
		d.ImageURL,
		d.Description,
		toNanos(d.Timestamp),
		boolInt(d.AlertGenerated),
		d.AlertID,
	)
	if err != nil {
		return fmt.Errorf("failed to store detection: %w", err)
	}
	return nil
}

// ListPendingDetections implements DetectionStore.ListPendingDetections
func (s *SQLiteStore) ListPendingDetections(ctx context.Context, since time.Time, risks []model.RiskLevel, limit int) ([]*model.Detection, error) {
	query := `
		SELECT id, venue_id, camera_id, zone_id, detection_type, risk_level, confidence,
			image_url, description, timestamp, alert_generated, alert_id
		FROM detections
		WHERE alert_generated = 0 AND timestamp >= ?`
	args := []interface{}{toNanos(since)}

	if len(risks) > 0 {
		query += " AND risk_level IN (" + placeholders(len(risks)) + ")"
		for _, r := range risks {
			args = append(args, r)
		}
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var out []*model.Detection
	for rows.Next() {
		var (
			d                                model.Detection
			cameraID, zoneID, imageURL, desc sql.NullString
			alertID                          sql.NullString
			ts                               int64
			generated                        int
		)
		if err := rows.Scan(&d.ID, &d.VenueID, &cameraID, &zoneID, &d.DetectionType, &d.RiskLevel,
			&d.Confidence, &imageURL, &desc, &ts, &generated, &alertID); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		d.CameraID = cameraID.String
		d.ZoneID = zoneID.String
		d.ImageURL = imageURL.String
		d.Description = desc.String
		d.AlertID = alertID.String
		d.Timestamp = fromNanos(ts)
		d.AlertGenerated = generated != 0
		out = append(out, &d)
	}
	return out, rows.Err()
}

// MarkDetectionProcessed implements DetectionStore.MarkDetectionProcessed
func (s *SQLiteStore) MarkDetectionProcessed(ctx context.Context, id, alertID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE detections SET alert_generated = 1, alert_id = ? WHERE id = ?`, alertID, id)
	if err != nil {
		return fmt.Errorf("failed to mark detection processed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateNotification implements NotificationStore.CreateNotification
func (s *SQLiteStore) CreateNotification(ctx context.Context, r *model.NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, alert_id, recipient_id, recipient_role, channel, status, subject, message,
			external_id, failure_reason, created_at, sent_at, failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.AlertID,
		r.RecipientID,
		r.RecipientRole,
		r.Channel,
		r.Status,
		r.Subject,
		r.Message,
		r.ExternalID,
		r.FailureReason,
		toNanos(r.CreatedAt),
		nullNanos(r.SentAt),
		nullNanos(r.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// UpdateNotification implements NotificationStore.UpdateNotification
func (s *SQLiteStore) UpdateNotification(ctx context.Context, r *model.NotificationRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET
			status = ?,
			external_id = ?,
			failure_reason = ?,
			sent_at = ?,
			failed_at = ?
		WHERE id = ?`,
		r.Status,
		r.ExternalID,
		r.FailureReason,
		nullNanos(r.SentAt),
		nullNanos(r.FailedAt),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNotifications implements NotificationStore.ListNotifications
func (s *SQLiteStore) ListNotifications(ctx context.Context, alertID string) ([]*model.NotificationRecord, error) {
	query := `
		SELECT id, alert_id, recipient_id, recipient_role, channel, status, subject, message,
			external_id, failure_reason, created_at, sent_at, failed_at
		FROM notifications`
	var args []interface{}
	if alertID != "" {
		query += " WHERE alert_id = ?"
		args = append(args, alertID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*model.NotificationRecord
	for rows.Next() {
		var (
			r                         model.NotificationRecord
			role, subject, message    sql.NullString
			externalID, failureReason sql.NullString
			createdAt                 int64
			sentAt, failedAt          sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.AlertID, &r.RecipientID, &role, &r.Channel, &r.Status,
			&subject, &message, &externalID, &failureReason, &createdAt, &sentAt, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		r.RecipientRole = model.RecipientRole(role.String)
		r.Subject = subject.String
		r.Message = message.String
		r.ExternalID = externalID.String
		r.FailureReason = failureReason.String
		r.CreatedAt = fromNanos(createdAt)
		r.SentAt = fromNullNanos(sentAt)
		r.FailedAt = fromNullNanos(failedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteNotificationsBefore implements NotificationStore.DeleteNotificationsBefore
func (s *SQLiteStore) DeleteNotificationsBefore(ctx context.Context, before time.Time, statuses []model.NotificationStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	args := []interface{}{toNanos(before)}
	for _, st := range statuses {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE created_at < ? AND status IN (`+placeholders(len(statuses))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}
