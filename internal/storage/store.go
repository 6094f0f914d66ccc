package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/venueguard/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// AlertFilter selects alerts for ListAlerts. Zero fields do not filter.
type AlertFilter struct {
	VenueID            string
	ChildID            string
	CameraID           string
	Types              []model.AlertType
	Statuses           []model.AlertStatus
	Severities         []model.AlertSeverity
	MaxEscalationLevel *int
	CreatedBefore      *time.Time
	AutoResolveBefore  *time.Time
	Limit              int
}

// AlertStore persists alerts and their timelines
type AlertStore interface {
	// CreateAlert stores a new alert
	CreateAlert(ctx context.Context, alert *model.Alert) error

	// UpdateAlert overwrites the mutable fields of an alert
	UpdateAlert(ctx context.Context, alert *model.Alert) error

	// GetAlert retrieves an alert by ID
	GetAlert(ctx context.Context, id string) (*model.Alert, error)

	// ListAlerts retrieves alerts matching the filter, oldest first
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*model.Alert, error)

	// AppendTimeline appends an entry and assigns its sequence number
	AppendTimeline(ctx context.Context, entry *model.TimelineEntry) error

	// ListTimeline retrieves the timeline of an alert in sequence order
	ListTimeline(ctx context.Context, alertID string) ([]*model.TimelineEntry, error)
}

// SightingStore persists recognition sightings
type SightingStore interface {
	CreateSighting(ctx context.Context, sighting *model.Sighting) error

	// LatestSighting returns the newest sighting of a subject at a venue
	LatestSighting(ctx context.Context, subjectID, venueID string) (*model.Sighting, error)

	// CountSightings counts sightings with from <= timestamp < to
	CountSightings(ctx context.Context, subjectID, venueID string, from, to time.Time) (int, error)
}

// DetectionStore persists unauthorized-person detections
type DetectionStore interface {
	CreateDetection(ctx context.Context, detection *model.Detection) error

	// ListPendingDetections returns detections without an alert, newest first
	ListPendingDetections(ctx context.Context, since time.Time, risks []model.RiskLevel, limit int) ([]*model.Detection, error)

	// MarkDetectionProcessed links a detection to the alert it produced
	MarkDetectionProcessed(ctx context.Context, id, alertID string) error
}

// NotificationStore persists notification delivery records
type NotificationStore interface {
	CreateNotification(ctx context.Context, record *model.NotificationRecord) error
	UpdateNotification(ctx context.Context, record *model.NotificationRecord) error
	ListNotifications(ctx context.Context, alertID string) ([]*model.NotificationRecord, error)

	// DeleteNotificationsBefore removes records created before the cutoff in the given statuses
	DeleteNotificationsBefore(ctx context.Context, before time.Time, statuses []model.NotificationStatus) (int64, error)
}

// DeviceStore persists camera metadata
type DeviceStore interface {
	// SaveDevice inserts or replaces device metadata
	SaveDevice(ctx context.Context, device *model.DeviceMetadata) error
	GetDevice(ctx context.Context, id string) (*model.DeviceMetadata, error)
	ListDevices(ctx context.Context, venueID string) ([]*model.DeviceMetadata, error)
}

// VenueStore persists venues, zones, subjects and recipients
type VenueStore interface {
	SaveVenue(ctx context.Context, venue *model.Venue) error
	GetVenue(ctx context.Context, id string) (*model.Venue, error)
	ListActiveVenues(ctx context.Context) ([]*model.Venue, error)

	SaveZone(ctx context.Context, zone *model.Zone) error
	ListZones(ctx context.Context, venueID string) ([]*model.Zone, error)

	SaveSubject(ctx context.Context, subject *model.Subject) error
	GetSubject(ctx context.Context, id string) (*model.Subject, error)
	ListSubjects(ctx context.Context, venueID string) ([]*model.Subject, error)

	SaveRecipient(ctx context.Context, recipient *model.Recipient) error
	GetRecipient(ctx context.Context, id string) (*model.Recipient, error)
	ListRecipientsByRole(ctx context.Context, role model.RecipientRole) ([]*model.Recipient, error)
}

// Store is the complete persistence collaborator
type Store interface {
	AlertStore
	SightingStore
	DetectionStore
	NotificationStore
	DeviceStore
	VenueStore

	Close() error
}

func matchAlert(a *model.Alert, f AlertFilter) bool {
	if f.VenueID != "" && a.VenueID != f.VenueID {
		return false
	}
	if f.ChildID != "" && a.ChildID != f.ChildID {
		return false
	}
	if f.CameraID != "" && a.CameraID != f.CameraID {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, a.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, a.Status) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, a.Severity) {
		return false
	}
	if f.MaxEscalationLevel != nil && a.EscalationLevel > *f.MaxEscalationLevel {
		return false
	}
	if f.CreatedBefore != nil && a.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.AutoResolveBefore != nil {
		if a.AutoResolveAt == nil || a.AutoResolveAt.After(*f.AutoResolveBefore) {
			return false
		}
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// IntPtr returns a pointer to i
func IntPtr(i int) *int {
	return &i
}
