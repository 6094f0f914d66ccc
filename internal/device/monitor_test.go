package device

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/scheduler"
	"github.com/t77yq/venueguard/internal/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		latency time.Duration
		fps     float64
		want    model.StreamHealth
	}{
		{50 * time.Millisecond, 30, model.HealthExcellent},
		{50 * time.Millisecond, 28, model.HealthGood},
		{150 * time.Millisecond, 25, model.HealthGood},
		{100 * time.Millisecond, 30, model.HealthGood},
		{300 * time.Millisecond, 15, model.HealthPoor},
		{450 * time.Millisecond, 20, model.HealthPoor},
		{500 * time.Millisecond, 30, model.HealthOffline},
		{50 * time.Millisecond, 10, model.HealthOffline},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.latency, tt.fps), "latency=%s fps=%v", tt.latency, tt.fps)
	}
}

func TestApplyHeartbeat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conn := model.DeviceConnection{DeviceID: "cam-1", Connected: true, Streaming: true, Health: model.HealthGood}
	sampleErr := context.DeadlineExceeded

	t.Run("FailuresUpToThreshold", func(t *testing.T) {
		c := conn
		for i := 1; i <= 3; i++ {
			c = ApplyHeartbeat(c, Measurement{}, sampleErr, now, 3)
			assert.Equal(t, i, c.ErrorCount)
			assert.True(t, c.Connected)
			assert.Equal(t, "Connection timeout", c.LastError)
		}
		c = ApplyHeartbeat(c, Measurement{}, sampleErr, now, 3)
		assert.Equal(t, 4, c.ErrorCount)
		assert.Equal(t, model.HealthOffline, c.Health)
		assert.False(t, c.Connected)
		assert.False(t, c.Streaming)

		// stays offline until reconnected
		c = ApplyHeartbeat(c, Measurement{Latency: 10 * time.Millisecond, FrameRate: 30}, nil, now, 3)
		assert.Equal(t, model.HealthOffline, c.Health)
		assert.False(t, c.Connected)
	})

	t.Run("SuccessResetsErrors", func(t *testing.T) {
		c := ApplyHeartbeat(conn, Measurement{}, errors.New("refused"), now, 3)
		assert.Equal(t, "refused", c.LastError)
		c = ApplyHeartbeat(c, Measurement{Latency: 50 * time.Millisecond, FrameRate: 30, Resolution: "1080p"}, nil, now, 3)
		assert.Equal(t, 0, c.ErrorCount)
		assert.Empty(t, c.LastError)
		assert.Equal(t, model.HealthExcellent, c.Health)
		assert.Equal(t, now, c.LastHeartbeat)
		assert.Equal(t, "1080p", c.Resolution)
	})

	t.Run("SlowStreamGoesOffline", func(t *testing.T) {
		c := ApplyHeartbeat(conn, Measurement{Latency: time.Second, FrameRate: 5}, nil, now, 3)
		assert.Equal(t, model.HealthOffline, c.Health)
		assert.False(t, c.Connected)
	})

	t.Run("SlowStreamRecovers", func(t *testing.T) {
		c := ApplyHeartbeat(conn, Measurement{Latency: 600 * time.Millisecond, FrameRate: 30}, nil, now, 3)
		require.Equal(t, model.HealthOffline, c.Health)
		assert.False(t, Latched(c, 3))

		for i := 0; i < 5; i++ {
			c = ApplyHeartbeat(c, Measurement{Latency: 20 * time.Millisecond, FrameRate: 30}, nil, now, 3)
		}
		assert.Equal(t, model.HealthExcellent, c.Health)
		assert.True(t, c.Connected)
		assert.True(t, c.Streaming)
		assert.Zero(t, c.ErrorCount)
	})

	t.Run("FailuresWhileSlowStillLatch", func(t *testing.T) {
		c := ApplyHeartbeat(conn, Measurement{Latency: time.Second, FrameRate: 5}, nil, now, 3)
		for i := 0; i < 4; i++ {
			c = ApplyHeartbeat(c, Measurement{}, sampleErr, now, 3)
		}
		assert.True(t, Latched(c, 3))

		c = ApplyHeartbeat(c, Measurement{Latency: 20 * time.Millisecond, FrameRate: 30}, nil, now, 3)
		assert.Equal(t, model.HealthOffline, c.Health)
		assert.False(t, c.Connected)
	})
}

// fakeSampler returns queued results, then repeats the last one
type fakeSampler struct {
	mu      sync.Mutex
	results []error
	slow    bool
	calls   atomic.Int32
}

func (p *fakeSampler) Sample(ctx context.Context, cfg Config) (Measurement, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if len(p.results) > 0 {
		err = p.results[0]
		if len(p.results) > 1 {
			p.results = p.results[1:]
		}
	}
	if err != nil {
		return Measurement{}, err
	}
	if p.slow {
		return Measurement{Latency: 600 * time.Millisecond, FrameRate: 30}, nil
	}
	return Measurement{Latency: 20 * time.Millisecond, FrameRate: 30}, nil
}

func (p *fakeSampler) setSlow(slow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slow = slow
}

func (p *fakeSampler) set(results ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = results
}

func newTestMonitor(t *testing.T, sampler Sampler, store Store, publisher broadcast.Publisher) *Monitor {
	m := NewMonitor(MonitorConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		ConnectTimeout:    100 * time.Millisecond,
		SampleTimeout:     50 * time.Millisecond,
		MaxErrors:         3,
		ConnectAttempts:   3,
	}, sampler, store, publisher, zaptest.NewLogger(t))
	m.backoff = &scheduler.ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	t.Cleanup(m.Close)
	return m
}

func TestMonitor(t *testing.T) {
	ctx := context.Background()
	cfg := Config{VenueID: "v1", Name: "Front door", Address: "10.0.0.5", Port: 554}

	t.Run("ConnectAndHeartbeat", func(t *testing.T) {
		store := storage.NewMemoryStore()
		sampler := &fakeSampler{}
		m := newTestMonitor(t, sampler, store, nil)

		conn, err := m.Connect(ctx, "cam-1", cfg)
		require.NoError(t, err)
		assert.True(t, conn.Connected)
		assert.True(t, conn.Streaming)
		assert.Equal(t, model.HealthExcellent, conn.Health)

		require.Eventually(t, func() bool { return sampler.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

		meta, err := store.GetDevice(ctx, "cam-1")
		require.NoError(t, err)
		assert.True(t, meta.Active)
		assert.Equal(t, "Front door", meta.Name)
		assert.NotNil(t, meta.ConnectedAt)
	})

	t.Run("RepeatedFailuresGoOffline", func(t *testing.T) {
		hub := broadcast.NewHub(broadcast.HubConfig{}, zaptest.NewLogger(t))
		defer hub.Close()
		tr := broadcast.NewChanTransport(16)
		hub.Register("viewer", tr)
		require.NoError(t, hub.Subscribe("viewer", broadcast.VenueTopic("v1"), nil))

		store := storage.NewMemoryStore()
		sampler := &fakeSampler{}
		m := newTestMonitor(t, sampler, store, hub)

		_, err := m.Connect(ctx, "cam-2", cfg)
		require.NoError(t, err)
		sampler.set(errors.New("no route to host"))

		require.Eventually(t, func() bool {
			conn, err := m.Status("cam-2")
			return err == nil && conn.Health == model.HealthOffline
		}, time.Second, 5*time.Millisecond)

		conn, err := m.Status("cam-2")
		require.NoError(t, err)
		assert.False(t, conn.Connected)
		assert.Equal(t, 4, conn.ErrorCount)
		assert.Equal(t, "no route to host", conn.LastError)

		require.Eventually(t, func() bool {
			meta, err := store.GetDevice(ctx, "cam-2")
			return err == nil && !meta.Active && meta.Health == model.HealthOffline
		}, time.Second, 5*time.Millisecond)

		// connect + offline status updates
		require.Eventually(t, func() bool { return len(tr.C()) >= 2 }, time.Second, 5*time.Millisecond)

		// probing stops once offline
		calls := sampler.calls.Load()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, calls, sampler.calls.Load())

		// manual reconnect clears the offline state
		sampler.set(nil)
		conn, err = m.Connect(ctx, "cam-2", cfg)
		require.NoError(t, err)
		assert.True(t, conn.Connected)
		assert.Equal(t, 0, conn.ErrorCount)
	})

	t.Run("SlowStreamRecoversOnLaterHeartbeat", func(t *testing.T) {
		store := storage.NewMemoryStore()
		sampler := &fakeSampler{}
		m := newTestMonitor(t, sampler, store, nil)

		_, err := m.Connect(ctx, "cam-6", cfg)
		require.NoError(t, err)

		sampler.setSlow(true)
		require.Eventually(t, func() bool {
			conn, err := m.Status("cam-6")
			return err == nil && conn.Health == model.HealthOffline && !conn.Connected
		}, time.Second, 5*time.Millisecond)

		sampler.setSlow(false)
		require.Eventually(t, func() bool {
			conn, err := m.Status("cam-6")
			return err == nil && conn.Health == model.HealthExcellent && conn.Connected && conn.Streaming
		}, time.Second, 5*time.Millisecond)

		require.Eventually(t, func() bool {
			meta, err := store.GetDevice(ctx, "cam-6")
			return err == nil && meta.Active && meta.Health == model.HealthExcellent
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("ConnectRetriesThenFails", func(t *testing.T) {
		sampler := &fakeSampler{}
		sampler.set(errors.New("refused"))
		m := newTestMonitor(t, sampler, nil, nil)

		_, err := m.Connect(ctx, "cam-3", cfg)
		require.ErrorIs(t, err, scheduler.ErrMaxRetriesExceeded)
		assert.Equal(t, int32(3), sampler.calls.Load())

		_, err = m.Status("cam-3")
		require.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("ConnectSucceedsAfterRetry", func(t *testing.T) {
		sampler := &fakeSampler{}
		sampler.set(errors.New("refused"), nil)
		m := newTestMonitor(t, sampler, nil, nil)

		conn, err := m.Connect(ctx, "cam-4", cfg)
		require.NoError(t, err)
		assert.True(t, conn.Connected)
	})

	t.Run("DisconnectStopsLoop", func(t *testing.T) {
		store := storage.NewMemoryStore()
		sampler := &fakeSampler{}
		m := newTestMonitor(t, sampler, store, nil)

		_, err := m.Connect(ctx, "cam-5", cfg)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return sampler.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

		require.NoError(t, m.Disconnect(ctx, "cam-5"))
		calls := sampler.calls.Load()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, calls, sampler.calls.Load())

		meta, err := store.GetDevice(ctx, "cam-5")
		require.NoError(t, err)
		assert.False(t, meta.Active)
		assert.NotNil(t, meta.DisconnectedAt)

		require.ErrorIs(t, m.Disconnect(ctx, "cam-5"), ErrNotConnected)
	})

	t.Run("VenueStatuses", func(t *testing.T) {
		m := newTestMonitor(t, &fakeSampler{}, nil, nil)

		_, err := m.Connect(ctx, "a", cfg)
		require.NoError(t, err)
		_, err = m.Connect(ctx, "b", cfg)
		require.NoError(t, err)
		other := cfg
		other.VenueID = "v2"
		_, err = m.Connect(ctx, "c", other)
		require.NoError(t, err)

		assert.Len(t, m.Statuses(), 3)
		venue := m.VenueStatuses("v1")
		require.Len(t, venue, 2)
		assert.Equal(t, "a", venue[0].DeviceID)

		assert.Equal(t, 2, m.DisconnectVenue(ctx, "v1"))
		assert.Empty(t, m.VenueStatuses("v1"))
		assert.Len(t, m.Statuses(), 1)
	})

	t.Run("TestConfiguration", func(t *testing.T) {
		sampler := &fakeSampler{}
		m := newTestMonitor(t, sampler, nil, nil)

		result := m.TestConfiguration(ctx, cfg)
		assert.True(t, result.Success)
		assert.Equal(t, model.HealthExcellent, result.Health)
		assert.Empty(t, m.Statuses())

		sampler.set(errors.New("bad credentials"))
		result = m.TestConfiguration(ctx, cfg)
		assert.False(t, result.Success)
		assert.Equal(t, "bad credentials", result.Error)
	})
}

func TestTCPSampler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	sampler := &TCPSampler{FrameRate: 25}

	m, err := sampler.Sample(context.Background(), Config{Address: "127.0.0.1", Port: addr.Port})
	require.NoError(t, err)
	assert.Equal(t, float64(25), m.FrameRate)
	assert.Greater(t, m.Latency, time.Duration(0))

	_, err = sampler.Sample(context.Background(), Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHTTPSampler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "admin" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"fps": 24.5, "resolution": "720p"})
	}))
	defer server.Close()

	sampler := NewAutoSampler(30)
	m, err := sampler.Sample(context.Background(), Config{HealthURL: server.URL, Username: "admin", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, 24.5, m.FrameRate)
	assert.Equal(t, "720p", m.Resolution)

	_, err = sampler.Sample(context.Background(), Config{HealthURL: server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), strconv.Itoa(http.StatusUnauthorized))
}
