package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/device"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/storage"
)

type fakeTracker struct {
	mu          sync.Mutex
	initialized map[string]bool
	tracking    model.VenueTracking
}

func (f *fakeTracker) InitializeVenue(ctx context.Context, venueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized[venueID] = true
	return nil
}

func (f *fakeTracker) VenueTracking(venueID string) (model.VenueTracking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized[venueID] {
		return model.VenueTracking{}, errors.New("not tracked")
	}
	return f.tracking, nil
}

func (f *fakeTracker) RemoveVenue(ctx context.Context, venueID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.initialized, venueID)
}

func (f *fakeTracker) set(tracking model.VenueTracking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracking = tracking
}

type fakeDevices struct {
	mu    sync.Mutex
	fail  map[string]bool
	hold  map[string]chan struct{}
	conns map[string]model.DeviceConnection
}

func (f *fakeDevices) Connect(ctx context.Context, deviceID string, cfg device.Config) (model.DeviceConnection, error) {
	f.mu.Lock()
	release := f.hold[deviceID]
	f.mu.Unlock()
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[deviceID] {
		return model.DeviceConnection{}, errors.New("connection refused")
	}
	conn := model.DeviceConnection{DeviceID: deviceID, VenueID: cfg.VenueID, Connected: true, Health: model.HealthExcellent}
	f.conns[deviceID] = conn
	return conn, nil
}

func (f *fakeDevices) DisconnectVenue(ctx context.Context, venueID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, conn := range f.conns {
		if conn.VenueID == venueID {
			delete(f.conns, id)
			n++
		}
	}
	return n
}

func (f *fakeDevices) VenueStatuses(venueID string) []model.DeviceConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DeviceConnection
	for _, conn := range f.conns {
		if conn.VenueID == venueID {
			out = append(out, conn)
		}
	}
	return out
}

// holdConnect blocks connects of deviceID until the returned channel is closed
func (f *fakeDevices) holdConnect(deviceID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	release := make(chan struct{})
	f.hold[deviceID] = release
	return release
}

func (f *fakeDevices) setConnected(deviceID string, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := f.conns[deviceID]
	conn.Connected = connected
	f.conns[deviceID] = conn
}

type fakePublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *fakePublisher) Publish(topic string, msg broadcast.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic != broadcast.TopicSystem {
		p.types = append(p.types, msg.Type)
	}
	return 1
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

type fakeMetrics struct{}

func (fakeMetrics) Latest() model.HostMetrics {
	return model.HostMetrics{CPUUsage: 12.5, MemoryUsage: 40}
}

type fixture struct {
	orch      *Orchestrator
	tracker   *fakeTracker
	devices   *fakeDevices
	publisher *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveVenue(ctx, &model.Venue{ID: "v1", Name: "Fun Zone", Active: true}))
	require.NoError(t, store.SaveVenue(ctx, &model.Venue{ID: "v2", Name: "Play Land", Active: true}))
	for _, id := range []string{"cam1", "cam2", "cam3"} {
		require.NoError(t, store.SaveDevice(ctx, &model.DeviceMetadata{DeviceID: id, VenueID: "v1", Address: "127.0.0.1", Port: 554}))
	}

	f := &fixture{
		tracker:   &fakeTracker{initialized: make(map[string]bool)},
		devices:   &fakeDevices{fail: map[string]bool{"cam3": true}, hold: make(map[string]chan struct{}), conns: make(map[string]model.DeviceConnection)},
		publisher: &fakePublisher{},
	}
	f.orch = NewOrchestrator(Config{StatusInterval: time.Hour}, store, f.tracker, f.devices, f.publisher, fakeMetrics{}, zaptest.NewLogger(t))
	t.Cleanup(func() { f.orch.StopAll(context.Background()) })
	return f
}

func TestComputeHealth(t *testing.T) {
	tests := []struct {
		name   string
		rate   float64
		active int
		total  int
		want   model.SystemHealth
	}{
		{"Excellent", 90, 4, 5, model.SystemHealthExcellent},
		{"TooFewCameras", 90, 3, 5, model.SystemHealthGood},
		{"Good", 75, 1, 5, model.SystemHealthGood},
		{"Poor", 50, 1, 1, model.SystemHealthPoor},
		{"NoCameras", 95, 0, 0, model.SystemHealthCritical},
		{"AllOffline", 95, 0, 3, model.SystemHealthCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeHealth(tt.rate, tt.active, tt.total))
		})
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	status, err := f.orch.Start(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, 3, status.TotalDevices)
	assert.Equal(t, 2, status.ActiveDevices)
	assert.Equal(t, model.SystemHealthGood, status.Health)
	assert.True(t, f.tracker.initialized["v1"])
	assert.Contains(t, f.publisher.published(), broadcast.TypeLoopStarted)

	_, err = f.orch.Start(ctx, "v1")
	require.ErrorIs(t, err, ErrVenueAlreadyActive)

	_, err = f.orch.Start(ctx, "unknown")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Len(t, f.orch.ActiveVenues(), 1)

	require.NoError(t, f.orch.Stop(ctx, "v1"))
	assert.Empty(t, f.devices.VenueStatuses("v1"))
	assert.False(t, f.tracker.initialized["v1"])
	assert.Contains(t, f.publisher.published(), broadcast.TypeLoopStopped)

	_, err = f.orch.VenueStatus("v1")
	require.ErrorIs(t, err, ErrVenueNotActive)
	require.ErrorIs(t, f.orch.Stop(ctx, "v1"), ErrVenueNotActive)
}

func TestSlowVenueDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	release := f.devices.holdConnect("cam1")

	started := make(chan error, 1)
	go func() {
		_, err := f.orch.Start(ctx, "v1")
		started <- err
	}()

	// a second start of the same venue waits for the first one
	again := make(chan error, 1)
	go func() {
		_, err := f.orch.Start(ctx, "v1")
		again <- err
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.orch.Start(ctx, "v2")
		assert.NoError(t, err)
		assert.NoError(t, f.orch.Stop(ctx, "v2"))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("venue v2 blocked by the start of v1")
	}

	select {
	case err := <-started:
		t.Fatalf("start of v1 returned early: %v", err)
	default:
	}

	close(release)
	errs := []error{<-started, <-again}
	assert.Contains(t, errs, nil)
	assert.Contains(t, errs, ErrVenueAlreadyActive)

	status, err := f.orch.VenueStatus("v1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.ActiveDevices)
}

func TestStartWithoutCameras(t *testing.T) {
	f := newFixture(t)

	status, err := f.orch.Start(context.Background(), "v2")
	require.NoError(t, err)
	assert.Zero(t, status.TotalDevices)
	assert.Equal(t, model.SystemHealthPoor, status.Health)
}

func TestRefreshStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("HealthyVenue", func(t *testing.T) {
		f := newFixture(t)
		f.devices.fail = map[string]bool{}
		_, err := f.orch.Start(ctx, "v1")
		require.NoError(t, err)

		f.tracker.set(model.VenueTracking{ActiveSubjects: 12, AverageConfidence: 0.92})
		require.NoError(t, f.orch.RefreshStatus(ctx, "v1"))

		status, err := f.orch.VenueStatus("v1")
		require.NoError(t, err)
		assert.Equal(t, 12, status.TrackedSubjects)
		assert.InDelta(t, 92.0, status.RecognitionRate, 0.001)
		assert.Equal(t, model.SystemHealthExcellent, status.Health)

		alerts, err := f.orch.SystemAlerts("v1")
		require.NoError(t, err)
		assert.Empty(t, alerts)
		assert.Contains(t, f.publisher.published(), broadcast.TypeSystemStatus)
	})

	t.Run("DegradedVenue", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.Start(ctx, "v1")
		require.NoError(t, err)

		f.tracker.set(model.VenueTracking{ActiveSubjects: 3, AverageConfidence: 0.5})
		f.devices.setConnected("cam1", false)
		f.devices.setConnected("cam2", false)

		require.NoError(t, f.orch.RefreshStatus(ctx, "v1"))
		require.NoError(t, f.orch.RefreshStatus(ctx, "v1"))

		status, err := f.orch.VenueStatus("v1")
		require.NoError(t, err)
		assert.Equal(t, model.SystemHealthCritical, status.Health)
		assert.Equal(t, 3, status.TotalDevices)

		alerts, err := f.orch.SystemAlerts("v1")
		require.NoError(t, err)
		types := make([]model.SystemAlertType, 0, len(alerts))
		for _, a := range alerts {
			types = append(types, a.Type)
		}
		assert.ElementsMatch(t, []model.SystemAlertType{
			model.SystemAlertCameraOffline,
			model.SystemAlertLowConfidence,
			model.SystemAlertSystemError,
		}, types)
		assert.Contains(t, f.publisher.published(), broadcast.TypeSystemAlert)

		acked, err := f.orch.AcknowledgeSystemAlert("v1", alerts[0].ID)
		require.NoError(t, err)
		assert.True(t, acked.Acknowledged)
		require.NotNil(t, acked.AcknowledgedAt)

		require.NoError(t, f.orch.RefreshStatus(ctx, "v1"))
		alerts, err = f.orch.SystemAlerts("v1")
		require.NoError(t, err)
		assert.Len(t, alerts, 4)

		_, err = f.orch.AcknowledgeSystemAlert("v1", "nope")
		require.ErrorIs(t, err, ErrSystemAlertNotFound)
		_, err = f.orch.AcknowledgeSystemAlert("v2", alerts[0].ID)
		require.ErrorIs(t, err, ErrVenueNotActive)
	})

	t.Run("NotActive", func(t *testing.T) {
		f := newFixture(t)
		require.ErrorIs(t, f.orch.RefreshStatus(ctx, "v1"), ErrVenueNotActive)
	})
}

func TestCleanupSystemAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f.orch.now = func() time.Time { return now }

	_, err := f.orch.Start(ctx, "v2")
	require.NoError(t, err)
	require.NoError(t, f.orch.RefreshStatus(ctx, "v2"))

	alerts, err := f.orch.SystemAlerts("v2")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	_, err = f.orch.AcknowledgeSystemAlert("v2", alerts[0].ID)
	require.NoError(t, err)

	assert.Zero(t, f.orch.CleanupSystemAlerts(24*time.Hour))

	now = now.Add(25 * time.Hour)
	assert.Equal(t, 1, f.orch.CleanupSystemAlerts(24*time.Hour))

	alerts, err = f.orch.SystemAlerts("v2")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Acknowledged)
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stats := f.orch.Statistics()
	assert.Zero(t, stats.ActiveVenues)
	assert.Equal(t, model.SystemHealthUnknown, stats.AverageHealth)

	_, err := f.orch.Start(ctx, "v1")
	require.NoError(t, err)
	_, err = f.orch.Start(ctx, "v2")
	require.NoError(t, err)

	f.tracker.set(model.VenueTracking{ActiveSubjects: 4, AverageConfidence: 0.8})
	require.NoError(t, f.orch.RefreshStatus(ctx, "v1"))

	stats = f.orch.Statistics()
	assert.Equal(t, 2, stats.ActiveVenues)
	assert.Equal(t, 3, stats.TotalDevices)
	assert.Equal(t, 2, stats.ActiveDevices)
	assert.Equal(t, 4, stats.TotalSubjects)
	// good (3) and poor (2) average to 2.5
	assert.Equal(t, model.SystemHealthGood, stats.AverageHealth)
	assert.Equal(t, 12.5, stats.HostCPUUsage)
	assert.Equal(t, 40.0, stats.HostMemoryUsage)
}
