package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/device"
	"github.com/t77yq/venueguard/internal/ingest"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/monitor"
	"github.com/t77yq/venueguard/internal/orchestrator"
	"github.com/t77yq/venueguard/internal/storage"
	"github.com/t77yq/venueguard/internal/tracking"
)

type fakeVenues struct {
	active map[string]model.VenueStatus
}

func (f *fakeVenues) Start(ctx context.Context, venueID string) (model.VenueStatus, error) {
	if venueID == "missing" {
		return model.VenueStatus{}, fmt.Errorf("failed to load venue: %w", storage.ErrNotFound)
	}
	if _, ok := f.active[venueID]; ok {
		return model.VenueStatus{}, orchestrator.ErrVenueAlreadyActive
	}
	status := model.VenueStatus{VenueID: venueID, Active: true, Health: model.SystemHealthGood}
	f.active[venueID] = status
	return status, nil
}

func (f *fakeVenues) Stop(ctx context.Context, venueID string) error {
	if _, ok := f.active[venueID]; !ok {
		return orchestrator.ErrVenueNotActive
	}
	delete(f.active, venueID)
	return nil
}

func (f *fakeVenues) VenueStatus(venueID string) (model.VenueStatus, error) {
	status, ok := f.active[venueID]
	if !ok {
		return model.VenueStatus{}, orchestrator.ErrVenueNotActive
	}
	return status, nil
}

func (f *fakeVenues) ActiveVenues() []model.VenueStatus {
	var out []model.VenueStatus
	for _, status := range f.active {
		out = append(out, status)
	}
	return out
}

func (f *fakeVenues) SystemAlerts(venueID string) ([]model.SystemHealthAlert, error) {
	if _, ok := f.active[venueID]; !ok {
		return nil, orchestrator.ErrVenueNotActive
	}
	return []model.SystemHealthAlert{{ID: "sa1", VenueID: venueID, Type: model.SystemAlertCameraOffline}}, nil
}

func (f *fakeVenues) AcknowledgeSystemAlert(venueID, alertID string) (model.SystemHealthAlert, error) {
	if alertID != "sa1" {
		return model.SystemHealthAlert{}, orchestrator.ErrSystemAlertNotFound
	}
	return model.SystemHealthAlert{ID: alertID, VenueID: venueID, Acknowledged: true}, nil
}

func (f *fakeVenues) Statistics() model.SystemStatistics {
	return model.SystemStatistics{ActiveVenues: len(f.active), HostCPUUsage: 12.5}
}

type fakeTracking struct {
	live   map[string]model.VenueTracking
	cached map[string]model.VenueTracking
}

func (f *fakeTracking) VenueTracking(venueID string) (model.VenueTracking, error) {
	snapshot, ok := f.live[venueID]
	if !ok {
		return model.VenueTracking{}, tracking.ErrVenueNotTracked
	}
	return snapshot, nil
}

func (f *fakeTracking) CachedVenueTracking(ctx context.Context, venueID string) (model.VenueTracking, error) {
	snapshot, ok := f.cached[venueID]
	if !ok {
		return model.VenueTracking{}, tracking.ErrCacheMiss
	}
	return snapshot, nil
}

func (f *fakeTracking) Statistics() model.TrackingStatistics {
	return model.TrackingStatistics{TotalVenues: len(f.live)}
}

type fakeAlerts struct {
	lastBy string
}

func (f *fakeAlerts) Acknowledge(ctx context.Context, alertID, by string) (*model.Alert, error) {
	if alertID == "gone" {
		return nil, storage.ErrNotFound
	}
	f.lastBy = by
	return &model.Alert{ID: alertID, Status: model.AlertStatusAcknowledged}, nil
}

func (f *fakeAlerts) Resolve(ctx context.Context, alertID, resolution string) (*model.Alert, error) {
	return &model.Alert{ID: alertID, Status: model.AlertStatusResolved, Resolution: resolution}, nil
}

func (f *fakeAlerts) Reopen(ctx context.Context, alertID, reason string) (*model.Alert, error) {
	return nil, fmt.Errorf("%w: active -> reopened", monitor.ErrInvalidTransition)
}

func (f *fakeAlerts) Timeline(ctx context.Context, alertID string) ([]*model.TimelineEntry, error) {
	return []*model.TimelineEntry{
		{AlertID: alertID, Seq: 1, EventType: model.TimelineCreated},
		{AlertID: alertID, Seq: 2, EventType: model.TimelineAcknowledged},
	}, nil
}

type fakeDevices struct{}

func (fakeDevices) TestConfiguration(ctx context.Context, cfg device.Config) device.TestResult {
	return device.TestResult{Success: cfg.Address != "", Health: model.HealthGood}
}

type fakeIngest struct {
	detections []ingest.DetectionEvent
}

func (f *fakeIngest) Handle(ctx context.Context, ev ingest.RecognitionEvent) (*model.Sighting, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &model.Sighting{ID: "s1", SubjectID: ev.SubjectID, VenueID: ev.VenueID}, nil
}

func (f *fakeIngest) HandleDetection(ctx context.Context, ev ingest.DetectionEvent) (*model.Detection, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	f.detections = append(f.detections, ev)
	return &model.Detection{ID: "d1", VenueID: ev.VenueID, RiskLevel: ev.RiskLevel}, nil
}

type serverFixture struct {
	venues *fakeVenues
	alerts *fakeAlerts
	ingest *fakeIngest
	hub    *broadcast.Hub
	server *Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &serverFixture{
		venues: &fakeVenues{active: map[string]model.VenueStatus{}},
		alerts: &fakeAlerts{},
		ingest: &fakeIngest{},
		hub:    broadcast.NewHub(broadcast.HubConfig{}, logger),
	}
	t.Cleanup(f.hub.Close)

	f.server = NewServer(Config{}, Deps{
		Venues: f.venues,
		Tracking: &fakeTracking{
			live:   map[string]model.VenueTracking{"v1": {VenueID: "v1", TotalSubjects: 3}},
			cached: map[string]model.VenueTracking{"v2": {VenueID: "v2", TotalSubjects: 1}},
		},
		Alerts:  f.alerts,
		Devices: fakeDevices{},
		Ingest:  f.ingest,
		Hub:     f.hub,
	}, logger)
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestVenueRoutes(t *testing.T) {
	f := newServerFixture(t)

	t.Run("Start", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/venues/v1/start", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var status model.VenueStatus
		decode(t, rec, &status)
		assert.Equal(t, "v1", status.VenueID)
		assert.True(t, status.Active)
	})

	t.Run("StartTwiceConflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/venues/v1/start", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("StartUnknownVenue", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/venues/missing/start", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "record not found")
	})

	t.Run("Status", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/venues/v1/status", "").Code)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/venues/v9/status", "").Code)
	})

	t.Run("SystemAlerts", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/venues/v1/system-alerts", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var alerts []model.SystemHealthAlert
		decode(t, rec, &alerts)
		require.Len(t, alerts, 1)

		rec = f.do(t, http.MethodPost, "/api/venues/v1/system-alerts/sa1/ack", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var acked model.SystemHealthAlert
		decode(t, rec, &acked)
		assert.True(t, acked.Acknowledged)

		rec = f.do(t, http.MethodPost, "/api/venues/v1/system-alerts/nope/ack", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Stats", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var stats StatsResponse
		decode(t, rec, &stats)
		assert.Equal(t, 1, stats.System.ActiveVenues)
		assert.Equal(t, 1, stats.Tracking.TotalVenues)
		assert.Len(t, stats.Venues, 1)
	})

	t.Run("Stop", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/venues/v1/stop", "").Code)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/venues/v1/stop", "").Code)
	})
}

func TestVenueTracking(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name    string
		venueID string
		code    int
		total   int
	}{
		{name: "Live", venueID: "v1", code: http.StatusOK, total: 3},
		{name: "Cached", venueID: "v2", code: http.StatusOK, total: 1},
		{name: "Unknown", venueID: "v3", code: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/venues/"+tt.venueID+"/tracking", "")
			require.Equal(t, tt.code, rec.Code)
			if tt.code != http.StatusOK {
				return
			}
			var snapshot model.VenueTracking
			decode(t, rec, &snapshot)
			assert.Equal(t, tt.total, snapshot.TotalSubjects)
		})
	}
}

func TestAlertRoutes(t *testing.T) {
	f := newServerFixture(t)

	t.Run("Acknowledge", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/alerts/a1/acknowledge", `{"by":"staff-7"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "staff-7", f.alerts.lastBy)

		var alert model.Alert
		decode(t, rec, &alert)
		assert.Equal(t, model.AlertStatusAcknowledged, alert.Status)
	})

	t.Run("AcknowledgeWithoutBody", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/alerts/a1/acknowledge", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, f.alerts.lastBy)
	})

	t.Run("AcknowledgeUnknown", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/alerts/gone/acknowledge", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/alerts/a1/resolve", `{"resolution":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Resolve", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/alerts/a1/resolve", `{"resolution":"found at exit"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var alert model.Alert
		decode(t, rec, &alert)
		assert.Equal(t, "found at exit", alert.Resolution)
	})

	t.Run("InvalidTransition", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/alerts/a1/reopen", `{"reason":"again"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Timeline", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/alerts/a1/timeline", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []model.TimelineEntry
		decode(t, rec, &entries)
		require.Len(t, entries, 2)
		assert.Equal(t, model.TimelineAcknowledged, entries[1].EventType)
	})
}

func TestIngestRoutes(t *testing.T) {
	f := newServerFixture(t)

	t.Run("Detection", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/detections", `{"venue_id":"v1","risk_level":"high"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, f.ingest.detections, 1)
		assert.Equal(t, model.RiskHigh, f.ingest.detections[0].RiskLevel)
	})

	t.Run("InvalidDetection", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/detections", `{"venue_id":"v1","risk_level":"extreme"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/detections", `not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Sighting", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/sightings", `{"subject_id":"c1","venue_id":"v1","confidence":0.9}`)
		assert.Equal(t, http.StatusAccepted, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/sightings", `{"venue_id":"v1","confidence":0.9}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("DeviceTest", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/devices/test", `{"venue_id":"v1","address":"10.0.0.5","port":554}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var result device.TestResult
		decode(t, rec, &result)
		assert.True(t, result.Success)
	})
}

func TestWebsocket(t *testing.T) {
	f := newServerFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?client_id=viewer-1&topic=" + broadcast.VenueTopic("v1") + "&zones=z1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.hub.Stats().Topics == 1
	}, 5*time.Second, 10*time.Millisecond)

	// filtered out by the zone filter
	f.hub.Publish(broadcast.VenueTopic("v1"), broadcast.Message{Type: broadcast.TypeChildSightingUpdate, ZoneID: "z2"})
	f.hub.Publish(broadcast.VenueTopic("v1"), broadcast.Message{Type: broadcast.TypeEmergencyAlert, ZoneID: "z1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg broadcast.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, broadcast.TypeEmergencyAlert, msg.Type)
	assert.Equal(t, broadcast.VenueTopic("v1"), msg.Topic)
}
