package broadcast

import (
	"fmt"
	"time"
)

// Message types published on the hub
const (
	TypeLiveLocationUpdate  = "live_location_update"
	TypeZoneUpdate          = "zone_update"
	TypeTrackingSnapshot    = "tracking_snapshot"
	TypeEmergencyAlert      = "emergency_alert"
	TypeAlertUpdated        = "alert_updated"
	TypeChildSightingUpdate = "child_sighting_update"
	TypeSystemStatus        = "system_status_update"
	TypeSystemAlert         = "system_alert"
	TypeLoopStarted         = "core_safety_loop_started"
	TypeLoopStopped         = "core_safety_loop_stopped"
	TypeNotification        = "notification"
	TypeDeviceStatus        = "device_status"
)

// TopicSystem carries process-wide operational updates
const TopicSystem = "system"

// Message is a unit of live state pushed to subscribers
type Message struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic"`
	VenueID   string      `json:"venue_id,omitempty"`
	ZoneID    string      `json:"zone_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Filter narrows what a subscriber receives on a topic.
// Zone filters only apply to messages that carry a zone id.
type Filter struct {
	ZoneIDs []string `json:"zone_ids,omitempty"`
}

// Allows reports whether msg passes the filter
func (f *Filter) Allows(msg Message) bool {
	if f == nil || len(f.ZoneIDs) == 0 || msg.ZoneID == "" {
		return true
	}
	for _, id := range f.ZoneIDs {
		if id == msg.ZoneID {
			return true
		}
	}
	return false
}

// VenueTopic is the live topic of a venue
func VenueTopic(venueID string) string {
	return "venue:" + venueID
}

// UserNotificationsTopic is the in-app notification topic of a user
func UserNotificationsTopic(userID string) string {
	return fmt.Sprintf("user:%s:notifications", userID)
}
