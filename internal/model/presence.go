package model

import "time"

// BoundingBox is the face region reported by the recognition service
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Sighting is an immutable recognition event for a tracked subject
type Sighting struct {
	ID          string       `json:"id"`
	SubjectID   string       `json:"subject_id"`
	VenueID     string       `json:"venue_id"`
	CameraID    string       `json:"camera_id,omitempty"`
	ZoneName    string       `json:"zone_name,omitempty"`
	Confidence  float64      `json:"confidence"`
	BoundingBox *BoundingBox `json:"bounding_box,omitempty"`
	ImageURL    string       `json:"image_url,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// RiskLevel grades an unauthorized-person detection
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// DetectionType classifies an unauthorized-person detection
type DetectionType string

const (
	DetectionUnknownAdult  DetectionType = "unknown_adult"
	DetectionUnknownPerson DetectionType = "unknown_person"
)

// Detection is an unauthorized-person detection awaiting promotion
type Detection struct {
	ID             string        `json:"id"`
	VenueID        string        `json:"venue_id"`
	CameraID       string        `json:"camera_id,omitempty"`
	ZoneID         string        `json:"zone_id,omitempty"`
	DetectionType  DetectionType `json:"detection_type"`
	RiskLevel      RiskLevel     `json:"risk_level"`
	Confidence     float64       `json:"confidence"`
	ImageURL       string        `json:"image_url,omitempty"`
	Description    string        `json:"description,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	AlertGenerated bool          `json:"alert_generated"`
	AlertID        string        `json:"alert_id,omitempty"`
}

// Coordinates is a position within the venue floor plan
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceStatus describes where a subject is relative to the venue
type PresenceStatus string

const (
	PresencePresent  PresenceStatus = "present"
	PresenceDeparted PresenceStatus = "departed"
	PresenceUnknown  PresenceStatus = "unknown"
)

// AlertLevel is the traffic-light state shown for a subject
type AlertLevel string

const (
	AlertLevelGreen  AlertLevel = "green"
	AlertLevelYellow AlertLevel = "yellow"
	AlertLevelRed    AlertLevel = "red"
)

// EntranceZone is the sentinel zone assigned to subjects not yet observed
const EntranceZone = "Entrance"

// ZoneAlertNearCapacity is raised on a zone above the capacity threshold
const ZoneAlertNearCapacity = "Near capacity"

// PresenceRecord is the latest known location of a subject
type PresenceRecord struct {
	SubjectID   string         `json:"subject_id"`
	SubjectName string         `json:"subject_name"`
	VenueID     string         `json:"venue_id"`
	Zone        string         `json:"zone"`
	Coordinates Coordinates    `json:"coordinates"`
	Confidence  float64        `json:"confidence"`
	CameraID    string         `json:"camera_id,omitempty"`
	LastSeen    time.Time      `json:"last_seen"`
	Status      PresenceStatus `json:"status"`
	AlertLevel  AlertLevel     `json:"alert_level"`
}

// ZoneOccupancy tracks who is currently inside a zone
type ZoneOccupancy struct {
	ZoneID       string    `json:"zone_id"`
	ZoneName     string    `json:"zone_name"`
	VenueID      string    `json:"venue_id"`
	Capacity     int       `json:"capacity"`
	Occupancy    int       `json:"occupancy"`
	Utilization  float64   `json:"utilization"`
	SubjectIDs   []string  `json:"subject_ids"`
	NearCapacity bool      `json:"near_capacity"`
	Alerts       []string  `json:"alerts,omitempty"`
	LastUpdated  time.Time `json:"last_updated"`
}

// VenueTracking aggregates presence state for a venue
type VenueTracking struct {
	VenueID           string           `json:"venue_id"`
	TotalSubjects     int              `json:"total_subjects"`
	ActiveSubjects    int              `json:"active_subjects"`
	Alerts            int              `json:"alerts"`
	AverageConfidence float64          `json:"average_confidence"`
	Zones             []ZoneOccupancy  `json:"zones"`
	Subjects          []PresenceRecord `json:"subjects"`
	LastUpdated       time.Time        `json:"last_updated"`
}

// TrackingStatistics summarizes the tracker across venues
type TrackingStatistics struct {
	TotalVenues    int `json:"total_venues"`
	TotalSubjects  int `json:"total_subjects"`
	ActiveSubjects int `json:"active_subjects"`
	TotalAlerts    int `json:"total_alerts"`
}
