package model

import "time"

// SystemHealth is the rolled-up health of a venue's safety pipeline
type SystemHealth string

const (
	SystemHealthExcellent SystemHealth = "excellent"
	SystemHealthGood      SystemHealth = "good"
	SystemHealthPoor      SystemHealth = "poor"
	SystemHealthCritical  SystemHealth = "critical"
	SystemHealthUnknown   SystemHealth = "unknown"
)

// Score maps health to a number used for averaging
func (h SystemHealth) Score() float64 {
	switch h {
	case SystemHealthExcellent:
		return 4
	case SystemHealthGood:
		return 3
	case SystemHealthPoor:
		return 2
	case SystemHealthCritical:
		return 1
	default:
		return 0
	}
}

// HealthFromScore maps an averaged score back to a health level
func HealthFromScore(score float64) SystemHealth {
	switch {
	case score >= 3.5:
		return SystemHealthExcellent
	case score >= 2.5:
		return SystemHealthGood
	case score >= 1.5:
		return SystemHealthPoor
	default:
		return SystemHealthCritical
	}
}

// SystemAlertType names an operational alert raised by the orchestrator
type SystemAlertType string

const (
	SystemAlertCameraOffline SystemAlertType = "camera_offline"
	SystemAlertLowConfidence SystemAlertType = "low_confidence"
	SystemAlertSystemError   SystemAlertType = "system_error"
)

// SystemHealthAlert is an operational alert about the pipeline itself
type SystemHealthAlert struct {
	ID             string          `json:"id"`
	VenueID        string          `json:"venue_id"`
	Type           SystemAlertType `json:"type"`
	Severity       AlertSeverity   `json:"severity"`
	Message        string          `json:"message"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// VenueStatus is the orchestrator's view of a running venue
type VenueStatus struct {
	VenueID         string       `json:"venue_id"`
	Active          bool         `json:"active"`
	TotalDevices    int          `json:"total_devices"`
	ActiveDevices   int          `json:"active_devices"`
	TrackedSubjects int          `json:"tracked_subjects"`
	RecognitionRate float64      `json:"recognition_rate"`
	Health          SystemHealth `json:"health"`
	StartedAt       time.Time    `json:"started_at"`
	LastUpdated     time.Time    `json:"last_updated"`
}

// SystemStatistics is a snapshot across all active venues
type SystemStatistics struct {
	ActiveVenues    int           `json:"active_venues"`
	TotalDevices    int           `json:"total_devices"`
	ActiveDevices   int           `json:"active_devices"`
	TotalSubjects   int           `json:"total_subjects"`
	AverageHealth   SystemHealth  `json:"average_health"`
	OpenAlerts      int           `json:"open_alerts"`
	Uptime          time.Duration `json:"uptime"`
	HostCPUUsage    float64       `json:"host_cpu_usage"`
	HostMemoryUsage float64       `json:"host_memory_usage"`
	Timestamp       time.Time     `json:"timestamp"`
}

// HostMetrics is a sample of process host resource usage
type HostMetrics struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
}
