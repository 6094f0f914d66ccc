package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/storage"
)

const venueConcurrency = 8

// RunCycle runs one monitoring tick. Venues are evaluated concurrently,
// then stale alerts are escalated, expired alerts resolved, detections
// promoted and old notifications removed.
func (m *AlertManager) RunCycle(ctx context.Context) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	started := m.now()
	var errs []error

	venues, err := m.store.ListActiveVenues(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list venues: %w", err))
	}

	g := new(errgroup.Group)
	g.SetLimit(venueConcurrency)
	for _, venue := range venues {
		g.Go(func() error {
			m.step("missing_subjects", func() error {
				_, err := m.EvaluateMissingSubjects(ctx, venue)
				return err
			}, zap.String("venue_id", venue.ID))
			m.step("offline_cameras", func() error {
				_, err := m.EvaluateOfflineCameras(ctx, venue)
				return err
			}, zap.String("venue_id", venue.ID))
			return nil
		})
	}
	_ = g.Wait()

	errs = append(errs,
		m.step("escalation", func() error {
			_, err := m.EscalateStale(ctx)
			return err
		}),
		m.step("auto_resolve", func() error {
			_, err := m.autoResolveExpired(ctx, started)
			return err
		}),
		m.step("detections", func() error {
			_, err := m.PromoteDetections(ctx)
			return err
		}),
		m.step("notification_cleanup", func() error {
			_, err := m.CleanupNotifications(ctx)
			return err
		}),
	)

	m.logger.Debug("Monitoring cycle finished",
		zap.Int("venues", len(venues)),
		zap.Duration("elapsed", m.now().Sub(started)))

	return errors.Join(errs...)
}

// step runs one unit of the cycle, logging its error or panic
func (m *AlertManager) step(name string, fn func() error, fields ...zap.Field) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
		if err != nil {
			m.logger.Error("Monitoring step failed",
				append(fields, zap.String("step", name), zap.Error(err))...)
		}
	}()
	return fn()
}

// guard recovers a panicking unit so its siblings keep running
func (m *AlertManager) guard(unit string, fields ...zap.Field) {
	if r := recover(); r != nil {
		m.logger.Error("Recovered from panic",
			append(fields, zap.String("unit", unit), zap.Any("panic", r))...)
	}
}

// rules returns the effective rule parameters of a venue
func (m *AlertManager) rules(venue *model.Venue) model.VenueConfig {
	c := venue.Config
	if c.MissingThreshold <= 0 {
		c.MissingThreshold = m.cfg.MissingThreshold
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = m.cfg.EscalationThreshold
	}
	if c.DetectedAutoResolve <= 0 {
		c.DetectedAutoResolve = m.cfg.DetectedAutoResolve
	}
	return c.WithDefaults()
}

// EvaluateMissingSubjects raises a missing alert for every checked-in
// subject not seen within the venue threshold, and escalates existing
// alerts once the escalation threshold passes. It returns the number of
// alerts created.
func (m *AlertManager) EvaluateMissingSubjects(ctx context.Context, venue *model.Venue) (int, error) {
	rules := m.rules(venue)
	if !rules.MissingEnabled() {
		return 0, nil
	}

	subjects, err := m.store.ListSubjects(ctx, venue.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list subjects: %w", err)
	}

	created := 0
	for _, subject := range subjects {
		if !subject.CheckedIn || !subject.FaceRecognitionEnabled {
			continue
		}
		func() {
			defer m.guard("missing_subject", zap.String("subject_id", subject.ID))

			ok, err := m.evaluateSubject(ctx, venue, subject, rules)
			if err != nil {
				m.logger.Error("Failed to evaluate subject",
					zap.String("venue_id", venue.ID),
					zap.String("subject_id", subject.ID),
					zap.Error(err))
				return
			}
			if ok {
				created++
			}
		}()
	}
	return created, nil
}

func (m *AlertManager) evaluateSubject(ctx context.Context, venue *model.Venue, subject *model.Subject, rules model.VenueConfig) (bool, error) {
	unlock := m.locks.Lock("missing:" + venue.ID + ":" + subject.ID)
	defer unlock()

	now := m.now()
	lastSeen := subject.CheckedInAt
	var sighting *model.Sighting

	latest, err := m.store.LatestSighting(ctx, subject.ID, venue.ID)
	switch {
	case err == nil:
		sighting = latest
		lastSeen = latest.Timestamp
	case !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("failed to get latest sighting: %w", err)
	}

	if lastSeen.After(now.Add(-rules.MissingThreshold)) {
		return false, nil
	}
	pastEscalation := !lastSeen.After(now.Add(-rules.EscalationThreshold))

	existing, err := m.store.ListAlerts(ctx, storage.AlertFilter{
		VenueID:  venue.ID,
		ChildID:  subject.ID,
		Types:    []model.AlertType{model.AlertTypeChildMissing},
		Statuses: model.OpenAlertStatuses,
		Limit:    1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to find open alert: %w", err)
	}

	if len(existing) > 0 {
		open := existing[0]
		if pastEscalation && open.EscalationLevel == 0 && model.CanTransition(open.Status, model.AlertStatusEscalated) {
			if err := m.escalate(ctx, open.ID, venue, "Child missing for extended period"); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	severity := model.AlertSeverityHigh
	if pastEscalation {
		severity = model.AlertSeverityCritical
	}
	minutes := int(now.Sub(lastSeen) / time.Minute)

	trigger := &model.MissingTrigger{
		LastSeen:          lastSeen,
		MinutesSinceSeen:  minutes,
		MissingThreshold:  rules.MissingThreshold,
		EscalateThreshold: rules.EscalationThreshold,
	}
	alert := &model.Alert{
		Type:        model.AlertTypeChildMissing,
		Severity:    severity,
		Priority:    model.AlertPriorityUrgent,
		ChildID:     subject.ID,
		VenueID:     venue.ID,
		Title:       "Missing Child: " + subject.Name,
		Description: fmt.Sprintf("%s has not been seen at %s for %d minutes.", subject.Name, venue.Name, minutes),
		TriggerData: model.TriggerData{Kind: model.TriggerMissing, Missing: trigger, Params: rules.Params},
	}
	if sighting != nil {
		trigger.LastSightingID = sighting.ID
		alert.CameraID = sighting.CameraID
	}

	err = m.create(ctx, alert, creation{
		description: "Missing child alert automatically generated",
		metadata: map[string]interface{}{
			"auto_generated":    true,
			"last_seen":         lastSeen,
			"threshold_minutes": int(rules.MissingThreshold / time.Minute),
		},
		targets:   m.targets(ctx, missingAudience, venue, subject.GuardianID),
		broadcast: broadcast.TypeEmergencyAlert,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// EscalateStale escalates high-severity alerts still unanswered after the
// escalation window. It returns the number of alerts escalated.
func (m *AlertManager) EscalateStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.StaleEscalationWindow)
	alerts, err := m.store.ListAlerts(ctx, storage.AlertFilter{
		Statuses:           []model.AlertStatus{model.AlertStatusActive, model.AlertStatusAcknowledged},
		Severities:         []model.AlertSeverity{model.AlertSeverityHigh, model.AlertSeverityCritical, model.AlertSeverityEmergency},
		MaxEscalationLevel: storage.IntPtr(0),
		CreatedBefore:      &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale alerts: %w", err)
	}

	escalated := 0
	for _, alert := range alerts {
		func() {
			defer m.guard("escalation", zap.String("alert_id", alert.ID))

			err := m.escalate(ctx, alert.ID, nil, "Alert escalated due to no response within threshold time")
			if err != nil {
				m.logger.Error("Failed to escalate alert",
					zap.String("alert_id", alert.ID),
					zap.Error(err))
				return
			}
			escalated++
		}()
	}
	return escalated, nil
}

// escalate raises the escalation level of an alert and notifies the
// escalation audience. venue is loaded when nil.
func (m *AlertManager) escalate(ctx context.Context, alertID string, venue *model.Venue, reason string) error {
	alert, err := m.transition(ctx, alertID, model.AlertStatusEscalated, reason,
		func(a *model.Alert, now time.Time) map[string]interface{} {
			a.EscalationLevel++
			a.EscalatedAt = model.TimePtr(now)
			return map[string]interface{}{
				"escalation_level": a.EscalationLevel,
				"auto_escalated":   true,
			}
		})
	if err != nil {
		return err
	}

	if venue == nil {
		venue, err = m.store.GetVenue(ctx, alert.VenueID)
		if err != nil {
			m.logger.Warn("Failed to load venue for escalation",
				zap.String("venue_id", alert.VenueID),
				zap.Error(err))
			venue = &model.Venue{ID: alert.VenueID, Name: alert.VenueID}
		}
	}

	message := fmt.Sprintf("ESCALATED ALERT: %s at %s. Escalation level: %d", alert.Title, venue.Name, alert.EscalationLevel)
	m.notify(ctx, alert, m.targets(ctx, escalationAudience, venue, ""), message)
	m.broadcast(broadcast.TopicSystem, broadcast.TypeAlertUpdated, alert, map[string]interface{}{
		"alert":            alert,
		"message":          "Alert escalated: " + alert.Title,
		"escalation_level": alert.EscalationLevel,
	})

	m.logger.Warn("Alert escalated",
		zap.String("alert_id", alert.ID),
		zap.Int("level", alert.EscalationLevel),
		zap.String("reason", reason))
	return nil
}

// AutoResolveExpired resolves alerts whose auto-resolve time has passed.
// It returns the number of alerts resolved.
func (m *AlertManager) AutoResolveExpired(ctx context.Context) (int, error) {
	return m.autoResolveExpired(ctx, m.now())
}

// autoResolveExpired skips alerts escalated at or after cycleStart, so an
// alert escalated in this tick is only auto-resolved on a later one.
func (m *AlertManager) autoResolveExpired(ctx context.Context, cycleStart time.Time) (int, error) {
	now := m.now()
	alerts, err := m.store.ListAlerts(ctx, storage.AlertFilter{
		Statuses:          []model.AlertStatus{model.AlertStatusActive, model.AlertStatusAcknowledged, model.AlertStatusEscalated},
		AutoResolveBefore: &now,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list expired alerts: %w", err)
	}

	resolved := 0
	for _, alert := range alerts {
		if alert.Status == model.AlertStatusEscalated && (alert.EscalatedAt == nil || !alert.EscalatedAt.Before(cycleStart)) {
			continue
		}
		func() {
			defer m.guard("auto_resolve", zap.String("alert_id", alert.ID))

			_, err := m.resolve(ctx, alert.ID, "Auto-resolved based on configured timeout",
				"Alert auto-resolved due to timeout", map[string]interface{}{"auto_resolved": true})
			if err != nil {
				m.logger.Error("Failed to auto-resolve alert",
					zap.String("alert_id", alert.ID),
					zap.Error(err))
				return
			}
			resolved++
		}()
	}
	return resolved, nil
}

// PromoteDetections turns recent high-risk unauthorized detections into
// alerts. It returns the number of alerts created.
func (m *AlertManager) PromoteDetections(ctx context.Context) (int, error) {
	since := m.now().Add(-m.cfg.DetectionMaxAge)
	detections, err := m.store.ListPendingDetections(ctx, since,
		[]model.RiskLevel{model.RiskHigh, model.RiskCritical}, m.cfg.DetectionBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list detections: %w", err)
	}

	created := 0
	for _, detection := range detections {
		func() {
			defer m.guard("detection", zap.String("detection_id", detection.ID))

			if err := m.promote(ctx, detection); err != nil {
				m.logger.Error("Failed to promote detection",
					zap.String("detection_id", detection.ID),
					zap.Error(err))
				return
			}
			created++
		}()
	}
	return created, nil
}

func (m *AlertManager) promote(ctx context.Context, detection *model.Detection) error {
	venue, err := m.store.GetVenue(ctx, detection.VenueID)
	if err != nil {
		return fmt.Errorf("failed to get venue %s: %w", detection.VenueID, err)
	}

	alertType := model.AlertTypeStrangerDanger
	if detection.DetectionType == model.DetectionUnknownAdult {
		alertType = model.AlertTypeUnauthorizedPerson
	}
	severity := model.AlertSeverityHigh
	if detection.RiskLevel == model.RiskCritical {
		severity = model.AlertSeverityCritical
	}
	description := detection.Description
	if description == "" {
		description = "Unauthorized person detected"
	}

	alert := &model.Alert{
		Type:        alertType,
		Severity:    severity,
		Priority:    model.AlertPriorityHigh,
		VenueID:     detection.VenueID,
		CameraID:    detection.CameraID,
		ZoneID:      detection.ZoneID,
		Title:       "Unauthorized Person Detected",
		Description: fmt.Sprintf("%s at %s", description, venue.Name),
		TriggerData: model.TriggerData{
			Kind: model.TriggerDetection,
			Detection: &model.DetectionTrigger{
				DetectionID:   detection.ID,
				DetectionType: string(detection.DetectionType),
				RiskLevel:     detection.RiskLevel,
				Confidence:    detection.Confidence,
				ImageURL:      detection.ImageURL,
				DetectedAt:    detection.Timestamp,
			},
		},
	}

	err = m.create(ctx, alert, creation{
		description: "Alert created from unauthorized detection",
		metadata: map[string]interface{}{
			"auto_generated": true,
			"detection_id":   detection.ID,
		},
		targets:   m.targets(ctx, unauthorizedAudience, venue, ""),
		broadcast: broadcast.TypeEmergencyAlert,
	})
	if err != nil {
		return err
	}

	if err := m.store.MarkDetectionProcessed(ctx, detection.ID, alert.ID); err != nil {
		return fmt.Errorf("failed to mark detection processed: %w", err)
	}
	return nil
}

// RecordChildDetected raises a low-severity detected alert for a sighting
// when the venue enables the rule. With first-sighting-only set, only the
// first sighting since local midnight produces an alert. A nil alert means
// no alert was due.
func (m *AlertManager) RecordChildDetected(ctx context.Context, sighting *model.Sighting) (*model.Alert, error) {
	venue, err := m.store.GetVenue(ctx, sighting.VenueID)
	if err != nil {
		return nil, fmt.Errorf("failed to get venue %s: %w", sighting.VenueID, err)
	}

	rules := m.rules(venue)
	if !rules.DetectedRuleEnabled {
		return nil, nil
	}

	subject, err := m.store.GetSubject(ctx, sighting.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subject %s: %w", sighting.SubjectID, err)
	}

	if rules.FirstSightingOnlyEnabled() {
		local := sighting.Timestamp.In(m.cfg.Location)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.cfg.Location)

		previous, err := m.store.CountSightings(ctx, subject.ID, venue.ID, midnight, sighting.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to count sightings: %w", err)
		}
		if previous > 0 {
			return nil, nil
		}
	}

	alert := &model.Alert{
		Type:          model.AlertTypeChildDetected,
		Severity:      model.AlertSeverityLow,
		Priority:      model.AlertPriorityNormal,
		ChildID:       subject.ID,
		VenueID:       venue.ID,
		CameraID:      sighting.CameraID,
		Title:         "Child Detected: " + subject.Name,
		Description:   fmt.Sprintf("%s has been detected at %s", subject.Name, venue.Name),
		AutoResolveAt: model.TimePtr(m.now().Add(rules.DetectedAutoResolve)),
		TriggerData: model.TriggerData{
			Kind: model.TriggerSighting,
			Sighting: &model.SightingTrigger{
				SightingID: sighting.ID,
				Confidence: sighting.Confidence,
				CameraID:   sighting.CameraID,
				ZoneName:   sighting.ZoneName,
				ImageURL:   sighting.ImageURL,
				SeenAt:     sighting.Timestamp,
			},
		},
	}

	err = m.create(ctx, alert, creation{
		description: "Child detected",
		metadata:    map[string]interface{}{"auto_generated": true, "sighting_id": sighting.ID},
		targets:     m.targets(ctx, detectedAudience, venue, subject.GuardianID),
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// EvaluateOfflineCameras raises an alert for every offline camera of the
// venue and resolves open alerts of cameras that recovered. It returns the
// number of alerts created.
func (m *AlertManager) EvaluateOfflineCameras(ctx context.Context, venue *model.Venue) (int, error) {
	if m.devices == nil {
		return 0, nil
	}

	created := 0
	for _, conn := range m.devices.VenueStatuses(venue.ID) {
		func() {
			defer m.guard("camera", zap.String("device_id", conn.DeviceID))

			ok, err := m.evaluateCamera(ctx, venue, conn)
			if err != nil {
				m.logger.Error("Failed to evaluate camera",
					zap.String("device_id", conn.DeviceID),
					zap.Error(err))
				return
			}
			if ok {
				created++
			}
		}()
	}
	return created, nil
}

func (m *AlertManager) evaluateCamera(ctx context.Context, venue *model.Venue, conn model.DeviceConnection) (bool, error) {
	unlock := m.locks.Lock("camera:" + conn.DeviceID)
	defer unlock()

	open, err := m.store.ListAlerts(ctx, storage.AlertFilter{
		VenueID:  venue.ID,
		CameraID: conn.DeviceID,
		Types:    []model.AlertType{model.AlertTypeCameraOffline},
		Statuses: model.OpenAlertStatuses,
		Limit:    1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to find open camera alert: %w", err)
	}

	switch conn.Health {
	case model.HealthOffline:
		if len(open) > 0 {
			return false, nil
		}
	case model.HealthExcellent, model.HealthGood:
		if len(open) > 0 {
			_, err := m.resolve(ctx, open[0].ID, "Camera recovered", "Camera back online",
				map[string]interface{}{"health": string(conn.Health)})
			return false, err
		}
		return false, nil
	default:
		return false, nil
	}

	reason := conn.LastError
	if reason == "" {
		reason = "stream unavailable"
	}
	alert := &model.Alert{
		Type:        model.AlertTypeCameraOffline,
		Severity:    model.AlertSeverityMedium,
		Priority:    model.AlertPriorityHigh,
		VenueID:     venue.ID,
		CameraID:    conn.DeviceID,
		Title:       "Camera Offline: " + conn.DeviceID,
		Description: fmt.Sprintf("Camera %s at %s stopped responding: %s", conn.DeviceID, venue.Name, reason),
		TriggerData: model.TriggerData{
			Kind: model.TriggerDevice,
			Device: &model.DeviceTrigger{
				DeviceID:   conn.DeviceID,
				Health:     conn.Health,
				ErrorCount: conn.ErrorCount,
				LastError:  conn.LastError,
			},
		},
	}

	err = m.create(ctx, alert, creation{
		description: "Camera went offline",
		metadata:    map[string]interface{}{"auto_generated": true},
		targets:     m.targets(ctx, cameraOfflineAudience, venue, ""),
		broadcast:   broadcast.TypeAlertUpdated,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// CleanupNotifications removes finished notification records older than
// the retention period
func (m *AlertManager) CleanupNotifications(ctx context.Context) (int64, error) {
	if m.notifier == nil {
		return 0, nil
	}

	n, err := m.notifier.CleanupOld(ctx, m.now().Add(-m.cfg.NotificationRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up notifications: %w", err)
	}
	if n > 0 {
		m.logger.Info("Cleaned up old notifications", zap.Int64("count", n))
	}
	return n, nil
}
