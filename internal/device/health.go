package device

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/venueguard/internal/model"
)

// Measurement is the result of one successful sample
type Measurement struct {
	Latency    time.Duration `json:"latency"`
	FrameRate  float64       `json:"frame_rate"`
	Resolution string        `json:"resolution,omitempty"`
}

// Classify maps latency and frame rate to a stream health grade
func Classify(latency time.Duration, frameRate float64) model.StreamHealth {
	switch {
	case latency < 100*time.Millisecond && frameRate > 28:
		return model.HealthExcellent
	case latency < 200*time.Millisecond && frameRate > 20:
		return model.HealthGood
	case latency < 500*time.Millisecond && frameRate > 10:
		return model.HealthPoor
	default:
		return model.HealthOffline
	}
}

// Latched reports whether a device went offline after more than maxErrors
// consecutive failures. Latched devices stay offline until reconnected.
func Latched(conn model.DeviceConnection, maxErrors int) bool {
	return !conn.Connected && conn.ErrorCount > maxErrors
}

// ApplyHeartbeat returns conn updated with the outcome of one sample.
// A slow sample marks the device offline only until the next healthy one;
// a latched device stays offline until it is reconnected explicitly.
func ApplyHeartbeat(conn model.DeviceConnection, m Measurement, sampleErr error, now time.Time, maxErrors int) model.DeviceConnection {
	if Latched(conn, maxErrors) {
		conn.Health = model.HealthOffline
		return conn
	}

	if sampleErr != nil {
		conn.ErrorCount++
		conn.LastError = describe(sampleErr)
		if conn.ErrorCount > maxErrors {
			conn.Health = model.HealthOffline
			conn.Connected = false
			conn.Streaming = false
		}
		return conn
	}

	conn.LastHeartbeat = now
	conn.Latency = m.Latency
	conn.FrameRate = m.FrameRate
	if m.Resolution != "" {
		conn.Resolution = m.Resolution
	}
	conn.ErrorCount = 0
	conn.LastError = ""
	conn.Health = Classify(m.Latency, m.FrameRate)
	conn.Connected = conn.Health != model.HealthOffline
	conn.Streaming = conn.Connected
	return conn
}

func describe(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Connection timeout"
	}
	return err.Error()
}
