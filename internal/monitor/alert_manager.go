package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/notification"
	"github.com/t77yq/venueguard/internal/storage"
)

const alertStream = "ALERTS"

// Store is the persistence the alert manager needs
type Store interface {
	storage.AlertStore
	storage.SightingStore
	storage.DetectionStore
	storage.VenueStore
}

// Notifier delivers alert notifications
type Notifier interface {
	Dispatch(ctx context.Context, alertID string, targets []notification.Target, customMessage string) notification.Result
	CleanupOld(ctx context.Context, before time.Time) (int64, error)
}

// DeviceSource reports the live state of venue cameras
type DeviceSource interface {
	VenueStatuses(venueID string) []model.DeviceConnection
}

// Config holds the alert rule parameters. Venue configuration overrides
// the thresholds per venue.
type Config struct {
	MissingThreshold      time.Duration
	EscalationThreshold   time.Duration
	StaleEscalationWindow time.Duration
	DetectionMaxAge       time.Duration
	DetectionBatchSize    int
	NotificationRetention time.Duration
	DetectedAutoResolve   time.Duration
	// Location defines local midnight for first-sighting checks
	Location *time.Location
}

// AlertManager drives the alert lifecycle
type AlertManager struct {
	cfg       Config
	store     Store
	notifier  Notifier
	publisher broadcast.Publisher
	devices   DeviceSource
	js        nats.JetStreamContext
	logger    *zap.Logger
	now       func() time.Time

	locks   *keyedMutex
	cycleMu sync.Mutex
}

// NewAlertManager creates a new alert manager. notifier and publisher may be nil.
func NewAlertManager(cfg Config, store Store, notifier Notifier, publisher broadcast.Publisher, logger *zap.Logger) *AlertManager {
	if cfg.MissingThreshold <= 0 {
		cfg.MissingThreshold = model.DefaultMissingThreshold
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = model.DefaultEscalationThreshold
	}
	if cfg.StaleEscalationWindow <= 0 {
		cfg.StaleEscalationWindow = 10 * time.Minute
	}
	if cfg.DetectionMaxAge <= 0 {
		cfg.DetectionMaxAge = time.Hour
	}
	if cfg.DetectionBatchSize <= 0 {
		cfg.DetectionBatchSize = 10
	}
	if cfg.NotificationRetention <= 0 {
		cfg.NotificationRetention = 30 * 24 * time.Hour
	}
	if cfg.DetectedAutoResolve <= 0 {
		cfg.DetectedAutoResolve = model.DefaultDetectedAutoResolve
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &AlertManager{
		cfg:       cfg,
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.Named("alert-manager"),
		now:       time.Now,
		locks:     newKeyedMutex(),
	}
}

// SetDeviceSource enables the camera offline rule
func (m *AlertManager) SetDeviceSource(devices DeviceSource) {
	m.devices = devices
}

// SetJetStream enables publishing alert events to the ALERTS stream
func (m *AlertManager) SetJetStream(js nats.JetStreamContext) {
	m.js = js
}

// Start ensures the alert stream exists when JetStream is enabled
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js == nil {
		return nil
	}

	stream, err := m.js.StreamInfo(alertStream)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if stream == nil {
		_, err = m.js.AddStream(&nats.StreamConfig{
			Name:     alertStream,
			Subjects: []string{"alert.*"},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	m.logger.Info("Alert stream ready", zap.String("stream", alertStream))
	return nil
}

// Alert returns an alert by ID
func (m *AlertManager) Alert(ctx context.Context, alertID string) (*model.Alert, error) {
	return m.store.GetAlert(ctx, alertID)
}

// Timeline returns the ordered lifecycle events of an alert
func (m *AlertManager) Timeline(ctx context.Context, alertID string) ([]*model.TimelineEntry, error) {
	if _, err := m.store.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	return m.store.ListTimeline(ctx, alertID)
}

// CreateAlert raises an operator alert such as an emergency broadcast,
// medical emergency or evacuation
func (m *AlertManager) CreateAlert(ctx context.Context, alert *model.Alert) (*model.Alert, error) {
	if alert.VenueID == "" || alert.Type == "" || alert.Title == "" {
		return nil, fmt.Errorf("%w: venue, type and title are required", ErrInvalidAlert)
	}

	venue, err := m.store.GetVenue(ctx, alert.VenueID)
	if err != nil {
		return nil, fmt.Errorf("failed to get venue %s: %w", alert.VenueID, err)
	}

	if alert.Severity == "" {
		alert.Severity = model.AlertSeverityHigh
	}
	if alert.Priority == "" {
		switch alert.Type {
		case model.AlertTypeEmergencyBroadcast, model.AlertTypeMedicalEmergency, model.AlertTypeEvacuation:
			alert.Priority = model.AlertPriorityUrgent
		default:
			alert.Priority = model.AlertPriorityNormal
		}
	}
	if alert.TriggerData.Kind == "" {
		alert.TriggerData.Kind = model.TriggerManual
	}

	var guardianID string
	if alert.ChildID != "" {
		if subject, err := m.store.GetSubject(ctx, alert.ChildID); err == nil {
			guardianID = subject.GuardianID
		}
	}

	a := broadcastAudience
	if guardianID != "" {
		a.guardian = []model.Channel{model.ChannelSMS, model.ChannelPush}
	}

	err = m.create(ctx, alert, creation{
		description: "Alert raised by operator",
		targets:     m.targets(ctx, a, venue, guardianID),
		broadcast:   broadcast.TypeEmergencyAlert,
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// Acknowledge marks an alert as seen by an operator
func (m *AlertManager) Acknowledge(ctx context.Context, alertID, by string) (*model.Alert, error) {
	return m.transition(ctx, alertID, model.AlertStatusAcknowledged, "Alert acknowledged",
		func(a *model.Alert, now time.Time) map[string]interface{} {
			if a.AcknowledgedAt == nil {
				a.AcknowledgedAt = model.TimePtr(now)
			}
			return actor(by)
		})
}

// StartProgress marks an alert as being handled
func (m *AlertManager) StartProgress(ctx context.Context, alertID, by string) (*model.Alert, error) {
	return m.transition(ctx, alertID, model.AlertStatusInProgress, "Response in progress",
		func(a *model.Alert, now time.Time) map[string]interface{} {
			if a.AcknowledgedAt == nil {
				a.AcknowledgedAt = model.TimePtr(now)
			}
			return actor(by)
		})
}

// Resolve closes an alert with a resolution. Resolving an alert that is
// already resolved or closed does nothing.
func (m *AlertManager) Resolve(ctx context.Context, alertID, resolution string) (*model.Alert, error) {
	if resolution == "" {
		resolution = "Resolved by operator"
	}
	return m.resolve(ctx, alertID, resolution, "Alert resolved", nil)
}

// Close ends the lifecycle of an alert without a resolution
func (m *AlertManager) Close(ctx context.Context, alertID, reason string) (*model.Alert, error) {
	return m.transition(ctx, alertID, model.AlertStatusClosed, "Alert closed",
		func(a *model.Alert, now time.Time) map[string]interface{} {
			if reason != "" {
				a.Resolution = reason
			}
			return map[string]interface{}{"reason": reason}
		})
}

// Reopen moves a resolved alert back into the open lifecycle. The first
// resolution time is kept.
func (m *AlertManager) Reopen(ctx context.Context, alertID, reason string) (*model.Alert, error) {
	return m.transition(ctx, alertID, model.AlertStatusReopened, "Alert reopened",
		func(a *model.Alert, now time.Time) map[string]interface{} {
			a.Resolution = ""
			a.ResponseTime = 0
			return map[string]interface{}{"reason": reason}
		})
}

// Hold parks an open alert
func (m *AlertManager) Hold(ctx context.Context, alertID, reason string) (*model.Alert, error) {
	return m.transition(ctx, alertID, model.AlertStatusOnHold, "Alert put on hold",
		func(a *model.Alert, now time.Time) map[string]interface{} {
			return map[string]interface{}{"reason": reason}
		})
}

func (m *AlertManager) resolve(ctx context.Context, alertID, resolution, description string, metadata map[string]interface{}) (*model.Alert, error) {
	return m.transition(ctx, alertID, model.AlertStatusResolved, description,
		func(a *model.Alert, now time.Time) map[string]interface{} {
			if a.ResolvedAt == nil {
				a.ResolvedAt = model.TimePtr(now)
			}
			a.Resolution = resolution
			a.ResponseTime = a.ResolvedAt.Sub(a.CreatedAt)
			if metadata == nil {
				metadata = map[string]interface{}{}
			}
			metadata["resolution"] = resolution
			return metadata
		})
}

// changeFunc applies the side effects of a transition and returns the timeline metadata
type changeFunc func(a *model.Alert, now time.Time) map[string]interface{}

// transition moves an alert to a new status and records it in the timeline.
// Transitions of one alert are serialized.
func (m *AlertManager) transition(ctx context.Context, alertID string, to model.AlertStatus, description string, change changeFunc) (*model.Alert, error) {
	unlock := m.locks.Lock(alertID)
	defer unlock()

	alert, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", alertID, err)
	}

	if to == model.AlertStatusResolved && alert.Status.Terminal() {
		m.logger.Info("Alert already finished",
			zap.String("alert_id", alertID),
			zap.String("status", string(alert.Status)))
		return alert, nil
	}

	if !model.CanTransition(alert.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, alert.Status, to)
	}

	from := alert.Status
	now := m.now()
	alert.Status = to
	alert.UpdatedAt = now

	var metadata map[string]interface{}
	if change != nil {
		metadata = change(alert, now)
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["from"] = string(from)

	if err := m.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}

	err = m.store.AppendTimeline(ctx, &model.TimelineEntry{
		AlertID:     alertID,
		EventType:   model.TimelineEventFor(to),
		Description: description,
		Metadata:    metadata,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append timeline: %w", err)
	}

	m.logger.Info("Alert status changed",
		zap.String("alert_id", alertID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	m.publishStream(alert)
	m.broadcast(broadcast.VenueTopic(alert.VenueID), broadcast.TypeAlertUpdated, alert, map[string]interface{}{
		"alert":   alert,
		"message": description,
	})

	return alert, nil
}

// creation describes the side effects of a new alert
type creation struct {
	description string
	metadata    map[string]interface{}
	targets     []notification.Target
	message     string
	broadcast   string
}

// create stores a new alert with its CREATED timeline entry, then notifies
// and broadcasts it
func (m *AlertManager) create(ctx context.Context, alert *model.Alert, c creation) error {
	if err := alert.TriggerData.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAlert, err)
	}

	now := m.now()
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	alert.Status = model.AlertStatusActive
	alert.CreatedAt = now
	alert.UpdatedAt = now

	if err := m.store.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	metadata := c.metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["trigger"] = string(alert.TriggerData.Kind)

	err := m.store.AppendTimeline(ctx, &model.TimelineEntry{
		AlertID:     alert.ID,
		EventType:   model.TimelineCreated,
		Description: c.description,
		Metadata:    metadata,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to append timeline: %w", err)
	}

	m.logger.Info("Alert created",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("venue_id", alert.VenueID))

	m.publishStream(alert)
	m.notify(ctx, alert, c.targets, c.message)
	if c.broadcast != "" {
		m.broadcast(broadcast.VenueTopic(alert.VenueID), c.broadcast, alert, alert)
	}
	return nil
}

func (m *AlertManager) notify(ctx context.Context, alert *model.Alert, targets []notification.Target, message string) {
	if m.notifier == nil || len(targets) == 0 {
		return
	}

	result := m.notifier.Dispatch(ctx, alert.ID, targets, message)
	if result.Failed > 0 {
		m.logger.Warn("Some notifications failed",
			zap.String("alert_id", alert.ID),
			zap.Int("sent", result.Sent),
			zap.Int("failed", result.Failed),
			zap.Strings("errors", result.Errors))
	}
}

func (m *AlertManager) broadcast(topic, msgType string, alert *model.Alert, data interface{}) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(topic, broadcast.Message{
		Type:    msgType,
		VenueID: alert.VenueID,
		ZoneID:  alert.ZoneID,
		Data:    data,
	})
}

// publishStream mirrors the alert to the ALERTS stream
func (m *AlertManager) publishStream(alert *model.Alert) {
	if m.js == nil {
		return
	}

	data, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}

	if _, err := m.js.Publish("alert."+string(alert.Type), data); err != nil {
		m.logger.Error("Failed to publish alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
	}
}

func actor(by string) map[string]interface{} {
	if by == "" {
		return nil
	}
	return map[string]interface{}{"by": by}
}

// keyedMutex hands out one mutex per key and forgets it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
