package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/device"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/scheduler"
)

var (
	// ErrVenueNotActive is returned for operations on a venue that is not running
	ErrVenueNotActive = errors.New("venue not active")

	// ErrVenueAlreadyActive is returned when starting a running venue
	ErrVenueAlreadyActive = errors.New("venue already active")

	// ErrSystemAlertNotFound is returned when acknowledging an unknown system alert
	ErrSystemAlertNotFound = errors.New("system alert not found")
)

const connectConcurrency = 4

// Tracker is the presence tracker the orchestrator drives
type Tracker interface {
	InitializeVenue(ctx context.Context, venueID string) error
	VenueTracking(venueID string) (model.VenueTracking, error)
	RemoveVenue(ctx context.Context, venueID string)
}

// Devices is the device monitor the orchestrator drives
type Devices interface {
	Connect(ctx context.Context, deviceID string, cfg device.Config) (model.DeviceConnection, error)
	DisconnectVenue(ctx context.Context, venueID string) int
	VenueStatuses(venueID string) []model.DeviceConnection
}

// Store provides venue and camera configuration
type Store interface {
	GetVenue(ctx context.Context, id string) (*model.Venue, error)
	ListDevices(ctx context.Context, venueID string) ([]*model.DeviceMetadata, error)
}

// HostMetrics reports the latest host resource sample
type HostMetrics interface {
	Latest() model.HostMetrics
}

// Config configures an Orchestrator
type Config struct {
	StatusInterval time.Duration
}

type venueRun struct {
	status     model.VenueStatus
	configured int
	alerts     []*model.SystemHealthAlert
	loop       *scheduler.Loop
}

// Orchestrator supervises the safety pipeline of each running venue
type Orchestrator struct {
	cfg       Config
	store     Store
	tracker   Tracker
	devices   Devices
	publisher broadcast.Publisher
	metrics   HostMetrics
	logger    *zap.Logger
	now       func() time.Time
	startedAt time.Time

	mu         sync.RWMutex
	venues     map[string]*venueRun
	venueLocks map[string]*sync.Mutex
}

// NewOrchestrator creates a new orchestrator. publisher and metrics may be nil.
func NewOrchestrator(cfg Config, store Store, tracker Tracker, devices Devices, publisher broadcast.Publisher, metrics HostMetrics, logger *zap.Logger) *Orchestrator {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 10 * time.Second
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		tracker:    tracker,
		devices:    devices,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger.Named("orchestrator"),
		now:        time.Now,
		startedAt:  time.Now(),
		venues:     make(map[string]*venueRun),
		venueLocks: make(map[string]*sync.Mutex),
	}
}

// venueLock returns the mutex serializing Start and Stop of one venue
func (o *Orchestrator) venueLock(venueID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.venueLocks[venueID]
	if !ok {
		l = &sync.Mutex{}
		o.venueLocks[venueID] = l
	}
	return l
}

// Start initializes tracking, connects the cameras and begins the status
// loop of a venue
func (o *Orchestrator) Start(ctx context.Context, venueID string) (model.VenueStatus, error) {
	lock := o.venueLock(venueID)
	lock.Lock()
	defer lock.Unlock()

	o.mu.RLock()
	_, running := o.venues[venueID]
	o.mu.RUnlock()
	if running {
		return model.VenueStatus{}, ErrVenueAlreadyActive
	}

	if _, err := o.store.GetVenue(ctx, venueID); err != nil {
		return model.VenueStatus{}, fmt.Errorf("failed to get venue %s: %w", venueID, err)
	}

	if err := o.tracker.InitializeVenue(ctx, venueID); err != nil {
		return model.VenueStatus{}, fmt.Errorf("failed to initialize tracking: %w", err)
	}

	cameras, err := o.store.ListDevices(ctx, venueID)
	if err != nil {
		o.tracker.RemoveVenue(ctx, venueID)
		return model.VenueStatus{}, fmt.Errorf("failed to list devices: %w", err)
	}

	connected := o.connectAll(ctx, cameras)

	now := o.now()
	health := model.SystemHealthPoor
	if connected > 0 {
		health = model.SystemHealthGood
	}
	run := &venueRun{
		status: model.VenueStatus{
			VenueID:       venueID,
			Active:        true,
			TotalDevices:  len(cameras),
			ActiveDevices: connected,
			Health:        health,
			StartedAt:     now,
			LastUpdated:   now,
		},
		configured: len(cameras),
	}
	run.loop = scheduler.NewLoop("venue-status:"+venueID, o.cfg.StatusInterval, func(ctx context.Context) {
		if err := o.RefreshStatus(ctx, venueID); err != nil && !errors.Is(err, ErrVenueNotActive) {
			o.logger.Error("Failed to refresh venue status",
				zap.String("venue_id", venueID),
				zap.Error(err))
		}
	}, o.logger)

	o.mu.Lock()
	o.venues[venueID] = run
	o.mu.Unlock()

	if err := run.loop.Start(context.Background()); err != nil {
		o.mu.Lock()
		delete(o.venues, venueID)
		o.mu.Unlock()
		return model.VenueStatus{}, fmt.Errorf("failed to start status loop: %w", err)
	}

	status := run.status
	o.publish(venueID, broadcast.TypeLoopStarted, status)

	o.logger.Info("Venue started",
		zap.String("venue_id", venueID),
		zap.Int("cameras", len(cameras)),
		zap.Int("connected", connected))

	return status, nil
}

// connectAll connects every camera and returns how many succeeded
func (o *Orchestrator) connectAll(ctx context.Context, cameras []*model.DeviceMetadata) int {
	var mu sync.Mutex
	connected := 0

	g := new(errgroup.Group)
	g.SetLimit(connectConcurrency)
	for _, camera := range cameras {
		g.Go(func() error {
			_, err := o.devices.Connect(ctx, camera.DeviceID, device.Config{
				VenueID:    camera.VenueID,
				Name:       camera.Name,
				Address:    camera.Address,
				Port:       camera.Port,
				HealthURL:  camera.HealthURL,
				Username:   camera.Username,
				Password:   camera.Password,
				Resolution: camera.Resolution,
			})
			if err != nil {
				o.logger.Warn("Failed to connect camera",
					zap.String("device_id", camera.DeviceID),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			connected++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return connected
}

// Stop halts the status loop of a venue, disconnects its cameras and drops
// its tracking state
func (o *Orchestrator) Stop(ctx context.Context, venueID string) error {
	lock := o.venueLock(venueID)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	run, ok := o.venues[venueID]
	delete(o.venues, venueID)
	o.mu.Unlock()

	if !ok {
		return ErrVenueNotActive
	}

	run.loop.Stop()
	disconnected := o.devices.DisconnectVenue(ctx, venueID)
	o.tracker.RemoveVenue(ctx, venueID)

	o.publish(venueID, broadcast.TypeLoopStopped, map[string]interface{}{
		"venue_id": venueID,
	})

	o.logger.Info("Venue stopped",
		zap.String("venue_id", venueID),
		zap.Int("disconnected", disconnected))
	return nil
}

// StopAll stops every running venue
func (o *Orchestrator) StopAll(ctx context.Context) {
	for _, status := range o.ActiveVenues() {
		if err := o.Stop(ctx, status.VenueID); err != nil && !errors.Is(err, ErrVenueNotActive) {
			o.logger.Error("Failed to stop venue",
				zap.String("venue_id", status.VenueID),
				zap.Error(err))
		}
	}
}

// RefreshStatus recomputes the status of a venue, raises system alerts for
// degraded health and broadcasts the result
func (o *Orchestrator) RefreshStatus(ctx context.Context, venueID string) error {
	var tracked int
	var rate float64
	tracking, err := o.tracker.VenueTracking(venueID)
	if err == nil {
		tracked = tracking.ActiveSubjects
		rate = tracking.AverageConfidence * 100
	}

	conns := o.devices.VenueStatuses(venueID)
	active := 0
	for _, conn := range conns {
		if conn.Connected {
			active++
		}
	}

	o.mu.Lock()
	run, ok := o.venues[venueID]
	if !ok {
		o.mu.Unlock()
		return ErrVenueNotActive
	}

	total := len(conns)
	if run.configured > total {
		total = run.configured
	}
	run.status.TotalDevices = total
	run.status.ActiveDevices = active
	run.status.TrackedSubjects = tracked
	run.status.RecognitionRate = rate
	run.status.Health = ComputeHealth(rate, active, total)
	run.status.LastUpdated = o.now()

	raised := o.checkAlertsLocked(run)
	status := run.status
	o.mu.Unlock()

	for _, alert := range raised {
		o.logger.Warn("System alert raised",
			zap.String("venue_id", venueID),
			zap.String("type", string(alert.Type)),
			zap.String("message", alert.Message))
		o.publish(venueID, broadcast.TypeSystemAlert, alert)
	}
	o.publish(venueID, broadcast.TypeSystemStatus, status)
	return nil
}

// ComputeHealth rolls recognition rate and camera connectivity into a
// health grade
func ComputeHealth(rate float64, active, total int) model.SystemHealth {
	goodRatio := active >= int(math.Ceil(float64(total)*0.8))
	switch {
	case rate > 85 && goodRatio && active > 0:
		return model.SystemHealthExcellent
	case rate > 70 && active > 0:
		return model.SystemHealthGood
	case active > 0:
		return model.SystemHealthPoor
	default:
		return model.SystemHealthCritical
	}
}

func (o *Orchestrator) checkAlertsLocked(run *venueRun) []model.SystemHealthAlert {
	var raised []model.SystemHealthAlert
	status := run.status

	if status.ActiveDevices == 0 {
		if a := o.raiseLocked(run, model.SystemAlertCameraOffline, model.AlertSeverityCritical,
			"All cameras are offline. Child tracking is not available."); a != nil {
			raised = append(raised, *a)
		}
	}

	if status.RecognitionRate > 0 && status.RecognitionRate < 70 {
		if a := o.raiseLocked(run, model.SystemAlertLowConfidence, model.AlertSeverityMedium,
			fmt.Sprintf("Face recognition confidence is low (%.1f%%). Check camera positioning and lighting.", status.RecognitionRate)); a != nil {
			raised = append(raised, *a)
		}
	}

	if status.Health == model.SystemHealthCritical {
		if a := o.raiseLocked(run, model.SystemAlertSystemError, model.AlertSeverityCritical,
			"Safety monitoring is experiencing critical issues. Immediate attention required."); a != nil {
			raised = append(raised, *a)
		}
	}

	return raised
}

// raiseLocked adds a system alert unless an unacknowledged one of the same
// type is already open
func (o *Orchestrator) raiseLocked(run *venueRun, alertType model.SystemAlertType, severity model.AlertSeverity, message string) *model.SystemHealthAlert {
	for _, existing := range run.alerts {
		if existing.Type == alertType && !existing.Acknowledged {
			return nil
		}
	}

	alert := &model.SystemHealthAlert{
		ID:        uuid.New().String(),
		VenueID:   run.status.VenueID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		CreatedAt: o.now(),
	}
	run.alerts = append(run.alerts, alert)
	return alert
}

// VenueStatus returns the current status of a running venue
func (o *Orchestrator) VenueStatus(venueID string) (model.VenueStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	run, ok := o.venues[venueID]
	if !ok {
		return model.VenueStatus{}, ErrVenueNotActive
	}
	return run.status, nil
}

// ActiveVenues returns the status of every running venue
func (o *Orchestrator) ActiveVenues() []model.VenueStatus {
	o.mu.RLock()
	out := make([]model.VenueStatus, 0, len(o.venues))
	for _, run := range o.venues {
		out = append(out, run.status)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VenueID < out[j].VenueID })
	return out
}

// SystemAlerts returns the system alerts of a running venue, oldest first
func (o *Orchestrator) SystemAlerts(venueID string) ([]model.SystemHealthAlert, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	run, ok := o.venues[venueID]
	if !ok {
		return nil, ErrVenueNotActive
	}

	out := make([]model.SystemHealthAlert, 0, len(run.alerts))
	for _, alert := range run.alerts {
		out = append(out, *alert)
	}
	return out, nil
}

// AcknowledgeSystemAlert marks a system alert as handled
func (o *Orchestrator) AcknowledgeSystemAlert(venueID, alertID string) (model.SystemHealthAlert, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, ok := o.venues[venueID]
	if !ok {
		return model.SystemHealthAlert{}, ErrVenueNotActive
	}

	for _, alert := range run.alerts {
		if alert.ID != alertID {
			continue
		}
		if !alert.Acknowledged {
			alert.Acknowledged = true
			alert.AcknowledgedAt = model.TimePtr(o.now())
		}
		return *alert, nil
	}
	return model.SystemHealthAlert{}, ErrSystemAlertNotFound
}

// CleanupSystemAlerts drops acknowledged system alerts older than maxAge.
// Unacknowledged alerts are kept regardless of age.
func (o *Orchestrator) CleanupSystemAlerts(maxAge time.Duration) int {
	cutoff := o.now().Add(-maxAge)
	removed := 0

	o.mu.Lock()
	for _, run := range o.venues {
		kept := run.alerts[:0]
		for _, alert := range run.alerts {
			if alert.Acknowledged && alert.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, alert)
		}
		run.alerts = kept
	}
	o.mu.Unlock()

	if removed > 0 {
		o.logger.Info("Cleaned up system alerts", zap.Int("count", removed))
	}
	return removed
}

// Statistics returns a snapshot across all running venues
func (o *Orchestrator) Statistics() model.SystemStatistics {
	now := o.now()
	stats := model.SystemStatistics{
		AverageHealth: model.SystemHealthUnknown,
		Uptime:        now.Sub(o.startedAt),
		Timestamp:     now,
	}

	o.mu.RLock()
	var score float64
	for _, run := range o.venues {
		stats.ActiveVenues++
		stats.TotalDevices += run.status.TotalDevices
		stats.ActiveDevices += run.status.ActiveDevices
		stats.TotalSubjects += run.status.TrackedSubjects
		score += run.status.Health.Score()
		for _, alert := range run.alerts {
			if !alert.Acknowledged {
				stats.OpenAlerts++
			}
		}
	}
	o.mu.RUnlock()

	if stats.ActiveVenues > 0 {
		stats.AverageHealth = model.HealthFromScore(score / float64(stats.ActiveVenues))
	}
	if o.metrics != nil {
		host := o.metrics.Latest()
		stats.HostCPUUsage = host.CPUUsage
		stats.HostMemoryUsage = host.MemoryUsage
	}
	return stats
}

func (o *Orchestrator) publish(venueID, msgType string, data interface{}) {
	if o.publisher == nil {
		return
	}
	msg := broadcast.Message{Type: msgType, VenueID: venueID, Data: data}
	o.publisher.Publish(broadcast.VenueTopic(venueID), msg)
	o.publisher.Publish(broadcast.TopicSystem, msg)
}
