package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/venueguard/internal/model"
)

const alertColumns = `id, type, severity, priority, status, escalation_level, child_id, venue_id,
	camera_id, zone_id, title, description, trigger_data, resolution, response_time,
	created_at, updated_at, acknowledged_at, resolved_at, escalated_at, auto_resolve_at`

// CreateAlert implements AlertStore.CreateAlert
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *model.Alert) error {
	trigger, err := json.Marshal(alert.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.Type,
		alert.Severity,
		alert.Priority,
		alert.Status,
		alert.EscalationLevel,
		alert.ChildID,
		alert.VenueID,
		alert.CameraID,
		alert.ZoneID,
		alert.Title,
		alert.Description,
		string(trigger),
		alert.Resolution,
		int64(alert.ResponseTime),
		toNanos(alert.CreatedAt),
		toNanos(alert.UpdatedAt),
		nullNanos(alert.AcknowledgedAt),
		nullNanos(alert.ResolvedAt),
		nullNanos(alert.EscalatedAt),
		nullNanos(alert.AutoResolveAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// UpdateAlert implements AlertStore.UpdateAlert
func (s *SQLiteStore) UpdateAlert(ctx context.Context, alert *model.Alert) error {
	trigger, err := json.Marshal(alert.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET
			severity = ?,
			priority = ?,
			status = ?,
			escalation_level = ?,
			title = ?,
			description = ?,
			trigger_data = ?,
			resolution = ?,
			response_time = ?,
			updated_at = ?,
			acknowledged_at = ?,
			resolved_at = ?,
			escalated_at = ?,
			auto_resolve_at = ?
		WHERE id = ?`,
		alert.Severity,
		alert.Priority,
		alert.Status,
		alert.EscalationLevel,
		alert.Title,
		alert.Description,
		string(trigger),
		alert.Resolution,
		int64(alert.ResponseTime),
		toNanos(alert.UpdatedAt),
		nullNanos(alert.AcknowledgedAt),
		nullNanos(alert.ResolvedAt),
		nullNanos(alert.EscalatedAt),
		nullNanos(alert.AutoResolveAt),
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert implements AlertStore.GetAlert
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// ListAlerts implements AlertStore.ListAlerts
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*model.Alert, error) {
	var (
		where []string
		args  []interface{}
	)

	if filter.VenueID != "" {
		where = append(where, "venue_id = ?")
		args = append(args, filter.VenueID)
	}
	if filter.ChildID != "" {
		where = append(where, "child_id = ?")
		args = append(args, filter.ChildID)
	}
	if filter.CameraID != "" {
		where = append(where, "camera_id = ?")
		args = append(args, filter.CameraID)
	}
	if len(filter.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if len(filter.Severities) > 0 {
		where = append(where, "severity IN ("+placeholders(len(filter.Severities))+")")
		for _, sv := range filter.Severities {
			args = append(args, sv)
		}
	}
	if filter.MaxEscalationLevel != nil {
		where = append(where, "escalation_level <= ?")
		args = append(args, *filter.MaxEscalationLevel)
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at <= ?")
		args = append(args, toNanos(*filter.CreatedBefore))
	}
	if filter.AutoResolveBefore != nil {
		where = append(where, "auto_resolve_at IS NOT NULL AND auto_resolve_at <= ?")
		args = append(args, toNanos(*filter.AutoResolveBefore))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}

// AppendTimeline implements AlertStore.AppendTimeline
func (s *SQLiteStore) AppendTimeline(ctx context.Context, entry *model.TimelineEntry) error {
	var metadata string
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal timeline metadata: %w", err)
		}
		metadata = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM alert_timeline WHERE alert_id = ?`,
		entry.AlertID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to compute timeline sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO alert_timeline (alert_id, seq, event_type, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.AlertID,
		seq,
		entry.EventType,
		entry.Description,
		metadata,
		toNanos(entry.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to append timeline entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit timeline entry: %w", err)
	}
	entry.Seq = seq
	return nil
}

// ListTimeline implements AlertStore.ListTimeline
func (s *SQLiteStore) ListTimeline(ctx context.Context, alertID string) ([]*model.TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, seq, event_type, description, metadata, created_at
		FROM alert_timeline WHERE alert_id = ? ORDER BY seq ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline: %w", err)
	}
	defer rows.Close()

	var entries []*model.TimelineEntry
	for rows.Next() {
		var (
			e           model.TimelineEntry
			description sql.NullString
			metadata    sql.NullString
			createdAt   int64
		)
		if err := rows.Scan(&e.AlertID, &e.Seq, &e.EventType, &description, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		e.Description = description.String
		e.CreatedAt = fromNanos(createdAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal timeline metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner) (*model.Alert, error) {
	var (
		a                                model.Alert
		childID, cameraID, zoneID        sql.NullString
		description, trigger, resolution sql.NullString
		responseTime                     sql.NullInt64
		createdAt, updatedAt             int64
		acknowledgedAt, resolvedAt       sql.NullInt64
		escalatedAt, autoResolveAt       sql.NullInt64
	)

	err := row.Scan(
		&a.ID, &a.Type, &a.Severity, &a.Priority, &a.Status, &a.EscalationLevel,
		&childID, &a.VenueID, &cameraID, &zoneID, &a.Title, &description, &trigger,
		&resolution, &responseTime, &createdAt, &updatedAt,
		&acknowledgedAt, &resolvedAt, &escalatedAt, &autoResolveAt,
	)
	if err != nil {
		return nil, err
	}

	a.ChildID = childID.String
	a.CameraID = cameraID.String
	a.ZoneID = zoneID.String
	a.Description = description.String
	a.Resolution = resolution.String
	a.ResponseTime = time.Duration(responseTime.Int64)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	a.AcknowledgedAt = fromNullNanos(acknowledgedAt)
	a.ResolvedAt = fromNullNanos(resolvedAt)
	a.EscalatedAt = fromNullNanos(escalatedAt)
	a.AutoResolveAt = fromNullNanos(autoResolveAt)

	if trigger.Valid && trigger.String != "" {
		if err := json.Unmarshal([]byte(trigger.String), &a.TriggerData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
		}
	}
	return &a, nil
}
