package model

import (
	"time"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityLow       AlertSeverity = "low"
	AlertSeverityMedium    AlertSeverity = "medium"
	AlertSeverityHigh      AlertSeverity = "high"
	AlertSeverityCritical  AlertSeverity = "critical"
	AlertSeverityEmergency AlertSeverity = "emergency"
)

// Escalatable reports whether stale alerts of this severity are escalated
func (s AlertSeverity) Escalatable() bool {
	return s == AlertSeverityHigh || s == AlertSeverityCritical || s == AlertSeverityEmergency
}

// AlertPriority represents the handling priority of an alert
type AlertPriority string

const (
	AlertPriorityLow    AlertPriority = "low"
	AlertPriorityNormal AlertPriority = "normal"
	AlertPriorityHigh   AlertPriority = "high"
	AlertPriorityUrgent AlertPriority = "urgent"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeChildMissing          AlertType = "child_missing"
	AlertTypeChildDetected         AlertType = "child_detected"
	AlertTypeChildUnauthorizedExit AlertType = "child_unauthorized_exit"
	AlertTypeUnauthorizedPerson    AlertType = "unauthorized_person"
	AlertTypeStrangerDanger        AlertType = "stranger_danger"
	AlertTypeEmergencyBroadcast    AlertType = "emergency_broadcast"
	AlertTypeMedicalEmergency      AlertType = "medical_emergency"
	AlertTypeEvacuation            AlertType = "evacuation"
	AlertTypeCameraOffline         AlertType = "camera_offline"
)

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusInProgress   AlertStatus = "in_progress"
	AlertStatusEscalated    AlertStatus = "escalated"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusClosed       AlertStatus = "closed"
	AlertStatusReopened     AlertStatus = "reopened"
	AlertStatusOnHold       AlertStatus = "on_hold"
)

// OpenAlertStatuses lists every non-terminal status
var OpenAlertStatuses = []AlertStatus{
	AlertStatusActive,
	AlertStatusAcknowledged,
	AlertStatusInProgress,
	AlertStatusEscalated,
	AlertStatusReopened,
	AlertStatusOnHold,
}

// Terminal reports whether the status ends the lifecycle
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved || s == AlertStatusClosed
}

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusActive: {
		AlertStatusAcknowledged, AlertStatusInProgress, AlertStatusEscalated,
		AlertStatusResolved, AlertStatusClosed, AlertStatusOnHold,
	},
	AlertStatusAcknowledged: {
		AlertStatusInProgress, AlertStatusEscalated, AlertStatusResolved,
		AlertStatusClosed, AlertStatusOnHold,
	},
	AlertStatusInProgress: {
		AlertStatusResolved, AlertStatusClosed, AlertStatusOnHold,
	},
	AlertStatusEscalated: {
		AlertStatusAcknowledged, AlertStatusInProgress, AlertStatusResolved,
		AlertStatusClosed, AlertStatusOnHold,
	},
	AlertStatusReopened: {
		AlertStatusAcknowledged, AlertStatusInProgress, AlertStatusEscalated,
		AlertStatusResolved, AlertStatusClosed, AlertStatusOnHold,
	},
	AlertStatusOnHold: {
		AlertStatusAcknowledged, AlertStatusInProgress, AlertStatusResolved, AlertStatusClosed,
	},
	AlertStatusResolved: {
		AlertStatusReopened,
	},
	AlertStatusClosed: {},
}

// CanTransition reports whether an alert may move from one status to another
func CanTransition(from, to AlertStatus) bool {
	for _, next := range alertTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Alert represents a safety alert and its lifecycle state
type Alert struct {
	ID              string        `json:"id"`
	Type            AlertType     `json:"type"`
	Severity        AlertSeverity `json:"severity"`
	Priority        AlertPriority `json:"priority"`
	Status          AlertStatus   `json:"status"`
	EscalationLevel int           `json:"escalation_level"`
	ChildID         string        `json:"child_id,omitempty"`
	VenueID         string        `json:"venue_id"`
	CameraID        string        `json:"camera_id,omitempty"`
	ZoneID          string        `json:"zone_id,omitempty"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	TriggerData     TriggerData   `json:"trigger_data"`
	Resolution      string        `json:"resolution,omitempty"`
	ResponseTime    time.Duration `json:"response_time,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	AcknowledgedAt  *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	EscalatedAt     *time.Time    `json:"escalated_at,omitempty"`
	AutoResolveAt   *time.Time    `json:"auto_resolve_at,omitempty"`
}

// IsOpen reports whether the alert has not reached a terminal status
func (a *Alert) IsOpen() bool {
	return !a.Status.Terminal()
}

// Clone returns a copy that shares no pointers with the original
func (a *Alert) Clone() *Alert {
	c := *a
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	c.EscalatedAt = cloneTime(a.EscalatedAt)
	c.AutoResolveAt = cloneTime(a.AutoResolveAt)
	return &c
}

// TimelineEventType names an entry in an alert timeline
type TimelineEventType string

const (
	TimelineCreated      TimelineEventType = "CREATED"
	TimelineAcknowledged TimelineEventType = "ACKNOWLEDGED"
	TimelineInProgress   TimelineEventType = "IN_PROGRESS"
	TimelineEscalated    TimelineEventType = "ESCALATED"
	TimelineResolved     TimelineEventType = "RESOLVED"
	TimelineClosed       TimelineEventType = "CLOSED"
	TimelineReopened     TimelineEventType = "REOPENED"
	TimelineOnHold       TimelineEventType = "ON_HOLD"
)

// TimelineEventFor maps a target status to its timeline event
func TimelineEventFor(status AlertStatus) TimelineEventType {
	switch status {
	case AlertStatusAcknowledged:
		return TimelineAcknowledged
	case AlertStatusInProgress:
		return TimelineInProgress
	case AlertStatusEscalated:
		return TimelineEscalated
	case AlertStatusResolved:
		return TimelineResolved
	case AlertStatusClosed:
		return TimelineClosed
	case AlertStatusReopened:
		return TimelineReopened
	case AlertStatusOnHold:
		return TimelineOnHold
	default:
		return TimelineCreated
	}
}

// TimelineEntry is an immutable record of a lifecycle event
type TimelineEntry struct {
	AlertID     string                 `json:"alert_id"`
	Seq         int                    `json:"seq"`
	EventType   TimelineEventType      `json:"event_type"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}
