package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/venueguard/internal/model"
)

// ErrInvalidEvent is returned for events missing required fields
var ErrInvalidEvent = errors.New("invalid event")

// Kind names an ingestion event type
type Kind string

const (
	KindRecognition  Kind = "recognition"
	KindUnauthorized Kind = "unauthorized"
)

// RecognitionEvent is a face recognition result for a tracked subject
type RecognitionEvent struct {
	ID          string             `json:"id"`
	SubjectID   string             `json:"subject_id"`
	VenueID     string             `json:"venue_id"`
	CameraID    string             `json:"camera_id,omitempty"`
	Zone        string             `json:"zone,omitempty"`
	Coordinates model.Coordinates  `json:"coordinates"`
	Confidence  float64            `json:"confidence"`
	BoundingBox *model.BoundingBox `json:"bounding_box,omitempty"`
	ImageURL    string             `json:"image_url,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Validate checks the required fields of a recognition event
func (e RecognitionEvent) Validate() error {
	if e.SubjectID == "" || e.VenueID == "" {
		return fmt.Errorf("%w: subject_id and venue_id are required", ErrInvalidEvent)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0, 1]", ErrInvalidEvent)
	}
	return nil
}

// DetectionEvent is an unauthorized-person detection
type DetectionEvent struct {
	ID            string              `json:"id"`
	VenueID       string              `json:"venue_id"`
	CameraID      string              `json:"camera_id,omitempty"`
	ZoneID        string              `json:"zone_id,omitempty"`
	DetectionType model.DetectionType `json:"detection_type"`
	RiskLevel     model.RiskLevel     `json:"risk_level"`
	Confidence    float64             `json:"confidence"`
	ImageURL      string              `json:"image_url,omitempty"`
	Description   string              `json:"description,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Validate checks the required fields of a detection event
func (e DetectionEvent) Validate() error {
	if e.VenueID == "" {
		return fmt.Errorf("%w: venue_id is required", ErrInvalidEvent)
	}
	switch e.RiskLevel {
	case model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical:
	default:
		return fmt.Errorf("%w: unknown risk level %q", ErrInvalidEvent, e.RiskLevel)
	}
	switch e.DetectionType {
	case "", model.DetectionUnknownAdult, model.DetectionUnknownPerson:
	default:
		return fmt.Errorf("%w: unknown detection type %q", ErrInvalidEvent, e.DetectionType)
	}
	return nil
}
