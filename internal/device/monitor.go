package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/scheduler"
	"github.com/t77yq/venueguard/internal/storage"
)

// Store persists device metadata
type Store interface {
	SaveDevice(ctx context.Context, device *model.DeviceMetadata) error
	GetDevice(ctx context.Context, id string) (*model.DeviceMetadata, error)
}

// MonitorConfig configures a Monitor
type MonitorConfig struct {
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	SampleTimeout     time.Duration
	MaxErrors         int
	ConnectAttempts   int
}

// TestResult is the outcome of a dry-run handshake
type TestResult struct {
	Success   bool               `json:"success"`
	Latency   time.Duration      `json:"latency"`
	FrameRate float64            `json:"frame_rate"`
	Health    model.StreamHealth `json:"health"`
	Error     string             `json:"error,omitempty"`
}

type entry struct {
	conn model.DeviceConnection
	cfg  Config
	loop *scheduler.Loop
}

// Monitor keeps a heartbeat loop per connected camera and tracks its health
type Monitor struct {
	cfg       MonitorConfig
	sampler    Sampler
	store     Store
	publisher broadcast.Publisher
	backoff   scheduler.RetryStrategy
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	devices map[string]*entry
}

// NewMonitor creates a new device monitor. publisher may be nil.
func NewMonitor(cfg MonitorConfig, sampler Sampler, store Store, publisher broadcast.Publisher, logger *zap.Logger) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = 3 * time.Second
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 3
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 3
	}
	return &Monitor{
		cfg:       cfg,
		sampler:    sampler,
		store:     store,
		publisher: publisher,
		backoff:   scheduler.DefaultBackoff(),
		logger:    logger.Named("device-monitor"),
		now:       time.Now,
		devices:   make(map[string]*entry),
	}
}

// Connect performs the handshake and starts the heartbeat loop of a device.
// Connecting an already registered device replaces its loop and state.
func (m *Monitor) Connect(ctx context.Context, deviceID string, cfg Config) (model.DeviceConnection, error) {
	m.remove(deviceID)

	var measurement Measurement
	err := scheduler.Retry(ctx, m.backoff, m.cfg.ConnectAttempts, func(ctx context.Context, attempt int) error {
		sampleCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()

		var err error
		measurement, err = m.sampler.Sample(sampleCtx, cfg)
		if err != nil {
			m.logger.Debug("Handshake failed",
				zap.String("device_id", deviceID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		m.logger.Warn("Failed to connect device",
			zap.String("device_id", deviceID),
			zap.String("address", cfg.Address),
			zap.Error(err))
		return model.DeviceConnection{}, fmt.Errorf("failed to connect device %s: %w", deviceID, err)
	}

	now := m.now()
	conn := ApplyHeartbeat(model.DeviceConnection{
		DeviceID:    deviceID,
		VenueID:     cfg.VenueID,
		Connected:   true,
		Streaming:   true,
		Resolution:  cfg.Resolution,
		ConnectedAt: now,
	}, measurement, nil, now, m.cfg.MaxErrors)

	e := &entry{conn: conn, cfg: cfg}
	e.loop = scheduler.NewLoop("device:"+deviceID, m.cfg.HeartbeatInterval, func(ctx context.Context) {
		m.heartbeat(ctx, deviceID, e)
	}, m.logger)

	m.mu.Lock()
	previous := m.devices[deviceID]
	m.devices[deviceID] = e
	m.mu.Unlock()

	if previous != nil {
		previous.loop.Stop()
	}
	if err := e.loop.Start(context.Background()); err != nil {
		return conn, fmt.Errorf("failed to start heartbeat: %w", err)
	}

	m.persist(ctx, conn, cfg, true)
	m.publish(conn)

	m.logger.Info("Device connected",
		zap.String("device_id", deviceID),
		zap.String("venue_id", cfg.VenueID),
		zap.String("health", string(conn.Health)),
		zap.Duration("latency", conn.Latency))

	return conn, nil
}

// Disconnect stops the heartbeat loop of a device and forgets its state
func (m *Monitor) Disconnect(ctx context.Context, deviceID string) error {
	e := m.remove(deviceID)
	if e == nil {
		return ErrNotConnected
	}

	conn := e.conn
	conn.Connected = false
	conn.Streaming = false
	conn.Health = model.HealthOffline
	m.persist(ctx, conn, e.cfg, false)
	m.publish(conn)

	m.logger.Info("Device disconnected", zap.String("device_id", deviceID))
	return nil
}

// remove unregisters a device and waits for its loop to exit
func (m *Monitor) remove(deviceID string) *entry {
	m.mu.Lock()
	e, ok := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	e.loop.Stop()
	return e
}

// DisconnectVenue disconnects every device of a venue
func (m *Monitor) DisconnectVenue(ctx context.Context, venueID string) int {
	n := 0
	for _, conn := range m.VenueStatuses(venueID) {
		if err := m.Disconnect(ctx, conn.DeviceID); err == nil {
			n++
		}
	}
	return n
}

// Close stops every heartbeat loop
func (m *Monitor) Close() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.devices))
	for id, e := range m.devices {
		entries = append(entries, e)
		delete(m.devices, id)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.loop.Stop()
	}
}

// TestConfiguration performs one handshake without registering the device
func (m *Monitor) TestConfiguration(ctx context.Context, cfg Config) TestResult {
	sampleCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	measurement, err := m.sampler.Sample(sampleCtx, cfg)
	if err != nil {
		return TestResult{Success: false, Health: model.HealthOffline, Error: describe(err)}
	}
	return TestResult{
		Success:   true,
		Latency:   measurement.Latency,
		FrameRate: measurement.FrameRate,
		Health:    Classify(measurement.Latency, measurement.FrameRate),
	}
}

// Status returns the live state of a device
func (m *Monitor) Status(deviceID string) (model.DeviceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.devices[deviceID]
	if !ok {
		return model.DeviceConnection{}, ErrNotConnected
	}
	return e.conn, nil
}

// Statuses returns the live state of every registered device
func (m *Monitor) Statuses() []model.DeviceConnection {
	return m.filter(func(model.DeviceConnection) bool { return true })
}

// VenueStatuses returns the live state of the devices of a venue
func (m *Monitor) VenueStatuses(venueID string) []model.DeviceConnection {
	return m.filter(func(c model.DeviceConnection) bool { return c.VenueID == venueID })
}

func (m *Monitor) filter(keep func(model.DeviceConnection) bool) []model.DeviceConnection {
	m.mu.RLock()
	out := make([]model.DeviceConnection, 0, len(m.devices))
	for _, e := range m.devices {
		if keep(e.conn) {
			out = append(out, e.conn)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// heartbeat samples one device and applies the result. e identifies the
// registration the loop belongs to; a replaced registration is left alone.
func (m *Monitor) heartbeat(ctx context.Context, deviceID string, e *entry) {
	m.mu.RLock()
	current, ok := m.devices[deviceID]
	var conn model.DeviceConnection
	if ok {
		conn = current.conn
	}
	m.mu.RUnlock()

	if !ok || current != e || Latched(conn, m.cfg.MaxErrors) {
		return
	}

	sampleCtx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
	measurement, err := m.sampler.Sample(sampleCtx, e.cfg)
	cancel()
	if ctx.Err() != nil {
		return
	}

	next := ApplyHeartbeat(conn, measurement, err, m.now(), m.cfg.MaxErrors)

	m.mu.Lock()
	if m.devices[deviceID] != e {
		m.mu.Unlock()
		return
	}
	e.conn = next
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("Heartbeat failed",
			zap.String("device_id", deviceID),
			zap.Int("error_count", next.ErrorCount),
			zap.Error(err))
	}

	if next.Health != conn.Health || next.Connected != conn.Connected {
		m.logger.Info("Device health changed",
			zap.String("device_id", deviceID),
			zap.String("from", string(conn.Health)),
			zap.String("to", string(next.Health)))
		m.persist(ctx, next, e.cfg, next.Connected)
		m.publish(next)
	}
}

func (m *Monitor) persist(ctx context.Context, conn model.DeviceConnection, cfg Config, active bool) {
	if m.store == nil {
		return
	}

	meta, err := m.store.GetDevice(ctx, conn.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		meta = &model.DeviceMetadata{DeviceID: conn.DeviceID}
	} else if err != nil {
		m.logger.Error("Failed to load device metadata",
			zap.String("device_id", conn.DeviceID),
			zap.Error(err))
		return
	}

	meta.VenueID = cfg.VenueID
	if cfg.Name != "" {
		meta.Name = cfg.Name
	}
	meta.Address = cfg.Address
	meta.Port = cfg.Port
	meta.HealthURL = cfg.HealthURL
	meta.Username = cfg.Username
	meta.Password = cfg.Password
	meta.Resolution = conn.Resolution
	meta.Active = active
	meta.Health = conn.Health
	if !conn.LastHeartbeat.IsZero() {
		meta.LastHeartbeat = model.TimePtr(conn.LastHeartbeat)
	}
	if active {
		meta.ConnectedAt = model.TimePtr(conn.ConnectedAt)
		meta.DisconnectedAt = nil
	} else {
		meta.DisconnectedAt = model.TimePtr(m.now())
	}

	if err := m.store.SaveDevice(ctx, meta); err != nil {
		m.logger.Error("Failed to save device metadata",
			zap.String("device_id", conn.DeviceID),
			zap.Error(err))
	}
}

func (m *Monitor) publish(conn model.DeviceConnection) {
	if m.publisher == nil || conn.VenueID == "" {
		return
	}
	m.publisher.Publish(broadcast.VenueTopic(conn.VenueID), broadcast.Message{
		Type:    broadcast.TypeDeviceStatus,
		VenueID: conn.VenueID,
		Data:    conn,
	})
}
