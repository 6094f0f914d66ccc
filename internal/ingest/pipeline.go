package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/tracking"
)

// Store persists ingested events
type Store interface {
	CreateSighting(ctx context.Context, sighting *model.Sighting) error
	CreateDetection(ctx context.Context, detection *model.Detection) error
	GetSubject(ctx context.Context, id string) (*model.Subject, error)
}

// Tracker receives subject observations
type Tracker interface {
	RecordObservation(ctx context.Context, obs tracking.Observation) (model.PresenceRecord, error)
}

// Alerts evaluates sightings against the detected-child rule
type Alerts interface {
	RecordChildDetected(ctx context.Context, sighting *model.Sighting) (*model.Alert, error)
}

// Pipeline turns recognition and detection events into sightings,
// presence updates and alert candidates
type Pipeline struct {
	store     Store
	tracker   Tracker
	alerts    Alerts
	publisher broadcast.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline creates a new ingestion pipeline. tracker, alerts and
// publisher may be nil.
func NewPipeline(store Store, tracker Tracker, alerts Alerts, publisher broadcast.Publisher, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		tracker:   tracker,
		alerts:    alerts,
		publisher: publisher,
		logger:    logger.Named("ingest"),
		now:       time.Now,
	}
}

// Handle stores a recognition event as a sighting, moves the subject in the
// tracker, evaluates the detected-child rule and broadcasts the sighting.
// Only a failure to store the sighting is returned.
func (p *Pipeline) Handle(ctx context.Context, ev RecognitionEvent) (*model.Sighting, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}

	sighting := &model.Sighting{
		ID:          ev.ID,
		SubjectID:   ev.SubjectID,
		VenueID:     ev.VenueID,
		CameraID:    ev.CameraID,
		ZoneName:    ev.Zone,
		Confidence:  ev.Confidence,
		BoundingBox: ev.BoundingBox,
		ImageURL:    ev.ImageURL,
		Timestamp:   ev.Timestamp,
	}
	if err := p.store.CreateSighting(ctx, sighting); err != nil {
		return nil, fmt.Errorf("failed to store sighting: %w", err)
	}

	if p.tracker != nil {
		var name string
		if subject, err := p.store.GetSubject(ctx, ev.SubjectID); err == nil {
			name = subject.Name
		}
		_, err := p.tracker.RecordObservation(ctx, tracking.Observation{
			SubjectID:   ev.SubjectID,
			SubjectName: name,
			VenueID:     ev.VenueID,
			Zone:        ev.Zone,
			Coordinates: ev.Coordinates,
			Confidence:  ev.Confidence,
			CameraID:    ev.CameraID,
			Timestamp:   ev.Timestamp,
		})
		if err != nil {
			p.logger.Warn("Failed to record observation",
				zap.String("subject_id", ev.SubjectID),
				zap.String("venue_id", ev.VenueID),
				zap.Error(err))
		}
	}

	if p.publisher != nil {
		p.publisher.Publish(broadcast.VenueTopic(ev.VenueID), broadcast.Message{
			Type:    broadcast.TypeChildSightingUpdate,
			VenueID: ev.VenueID,
			Data:    sighting,
		})
	}

	if p.alerts != nil {
		if _, err := p.alerts.RecordChildDetected(ctx, sighting); err != nil {
			p.logger.Error("Failed to evaluate detected child rule",
				zap.String("sighting_id", sighting.ID),
				zap.Error(err))
		}
	}

	p.logger.Debug("Sighting recorded",
		zap.String("sighting_id", sighting.ID),
		zap.String("subject_id", sighting.SubjectID),
		zap.Float64("confidence", sighting.Confidence))
	return sighting, nil
}

// HandleDetection stores an unauthorized-person detection for promotion by
// the alert cycle
func (p *Pipeline) HandleDetection(ctx context.Context, ev DetectionEvent) (*model.Detection, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	if ev.DetectionType == "" {
		ev.DetectionType = model.DetectionUnknownPerson
	}

	detection := &model.Detection{
		ID:            ev.ID,
		VenueID:       ev.VenueID,
		CameraID:      ev.CameraID,
		ZoneID:        ev.ZoneID,
		DetectionType: ev.DetectionType,
		RiskLevel:     ev.RiskLevel,
		Confidence:    ev.Confidence,
		ImageURL:      ev.ImageURL,
		Description:   ev.Description,
		Timestamp:     ev.Timestamp,
	}
	if err := p.store.CreateDetection(ctx, detection); err != nil {
		return nil, fmt.Errorf("failed to store detection: %w", err)
	}

	p.logger.Info("Detection recorded",
		zap.String("detection_id", detection.ID),
		zap.String("venue_id", detection.VenueID),
		zap.String("risk_level", string(detection.RiskLevel)))
	return detection, nil
}

// HandlePayload decodes a JSON event of the given kind and handles it.
// venueID fills the event venue when the payload omits it.
func (p *Pipeline) HandlePayload(ctx context.Context, kind Kind, venueID string, payload []byte) error {
	switch kind {
	case KindRecognition:
		var ev RecognitionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if ev.VenueID == "" {
			ev.VenueID = venueID
		}
		_, err := p.Handle(ctx, ev)
		return err
	case KindUnauthorized:
		var ev DetectionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if ev.VenueID == "" {
			ev.VenueID = venueID
		}
		_, err := p.HandleDetection(ctx, ev)
		return err
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, kind)
	}
}
