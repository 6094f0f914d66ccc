package model

import "time"

// StreamHealth classifies a device stream
type StreamHealth string

const (
	HealthExcellent StreamHealth = "excellent"
	HealthGood      StreamHealth = "good"
	HealthPoor      StreamHealth = "poor"
	HealthOffline   StreamHealth = "offline"
)

// DeviceConnection is the live state of a connected camera
type DeviceConnection struct {
	DeviceID      string        `json:"device_id"`
	VenueID       string        `json:"venue_id"`
	Connected     bool          `json:"connected"`
	Streaming     bool          `json:"streaming"`
	Health        StreamHealth  `json:"health"`
	Latency       time.Duration `json:"latency"`
	FrameRate     float64       `json:"frame_rate"`
	Resolution    string        `json:"resolution"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	ErrorCount    int           `json:"error_count"`
	LastError     string        `json:"last_error,omitempty"`
	ConnectedAt   time.Time     `json:"connected_at"`
}

// Active reports whether the device is connected and usable
func (c DeviceConnection) Active() bool {
	return c.Connected && c.Health != HealthOffline
}

// DeviceMetadata is the persisted description of a camera
type DeviceMetadata struct {
	DeviceID       string       `json:"device_id"`
	VenueID        string       `json:"venue_id"`
	Name           string       `json:"name"`
	Address        string       `json:"address"`
	Port           int          `json:"port"`
	HealthURL      string       `json:"health_url,omitempty"`
	Username       string       `json:"username,omitempty"`
	Password       string       `json:"-"`
	Resolution     string       `json:"resolution,omitempty"`
	Active         bool         `json:"active"`
	Health         StreamHealth `json:"health,omitempty"`
	LastHeartbeat  *time.Time   `json:"last_heartbeat,omitempty"`
	ConnectedAt    *time.Time   `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time   `json:"disconnected_at,omitempty"`
}
