package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/storage"
	"github.com/t77yq/venueguard/internal/tracking"
)

var base = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fakeTracker struct {
	mu   sync.Mutex
	obs  []tracking.Observation
	fail bool
}

func (f *fakeTracker) RecordObservation(ctx context.Context, obs tracking.Observation) (model.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, obs)
	if f.fail {
		return model.PresenceRecord{}, errors.New("tracker down")
	}
	return model.PresenceRecord{}, nil
}

func (f *fakeTracker) observations() []tracking.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracking.Observation(nil), f.obs...)
}

type fakeAlerts struct {
	mu        sync.Mutex
	sightings []*model.Sighting
}

func (f *fakeAlerts) RecordChildDetected(ctx context.Context, sighting *model.Sighting) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sightings = append(f.sightings, sighting)
	return nil, nil
}

func (f *fakeAlerts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sightings)
}

type fakePublisher struct {
	mu    sync.Mutex
	types map[string][]string
}

func (p *fakePublisher) Publish(topic string, msg broadcast.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.types == nil {
		p.types = make(map[string][]string)
	}
	p.types[topic] = append(p.types[topic], msg.Type)
	return 1
}

func (p *fakePublisher) topic(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types[topic]...)
}

type pipelineFixture struct {
	store     *storage.MemoryStore
	tracker   *fakeTracker
	alerts    *fakeAlerts
	publisher *fakePublisher
	pipeline  *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveSubject(context.Background(), &model.Subject{
		ID: "c1", VenueID: "v1", Name: "Ava Smith", CheckedIn: true, FaceRecognitionEnabled: true,
	}))

	f := &pipelineFixture{
		store:     store,
		tracker:   &fakeTracker{},
		alerts:    &fakeAlerts{},
		publisher: &fakePublisher{},
	}
	f.pipeline = NewPipeline(store, f.tracker, f.alerts, f.publisher, zaptest.NewLogger(t))
	f.pipeline.now = func() time.Time { return base }
	return f
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("StoresAndFansOut", func(t *testing.T) {
		f := newPipelineFixture(t)

		sighting, err := f.pipeline.Handle(ctx, RecognitionEvent{
			SubjectID:  "c1",
			VenueID:    "v1",
			CameraID:   "cam1",
			Zone:       "Ball Pit",
			Confidence: 0.92,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, sighting.ID)
		assert.Equal(t, base, sighting.Timestamp)
		assert.Equal(t, "Ball Pit", sighting.ZoneName)

		latest, err := f.store.LatestSighting(ctx, "c1", "v1")
		require.NoError(t, err)
		assert.Equal(t, sighting.ID, latest.ID)

		obs := f.tracker.observations()
		require.Len(t, obs, 1)
		assert.Equal(t, "Ava Smith", obs[0].SubjectName)
		assert.Equal(t, "cam1", obs[0].CameraID)

		assert.Equal(t, []string{broadcast.TypeChildSightingUpdate}, f.publisher.topic(broadcast.VenueTopic("v1")))
		assert.Equal(t, 1, f.alerts.count())
	})

	t.Run("KeepsProvidedIdentity", func(t *testing.T) {
		f := newPipelineFixture(t)
		ts := base.Add(-time.Minute)

		sighting, err := f.pipeline.Handle(ctx, RecognitionEvent{
			ID: "s-1", SubjectID: "c1", VenueID: "v1", Confidence: 0.5, Timestamp: ts,
		})
		require.NoError(t, err)
		assert.Equal(t, "s-1", sighting.ID)
		assert.Equal(t, ts, sighting.Timestamp)
	})

	t.Run("TrackerFailureIsNotFatal", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.tracker.fail = true

		_, err := f.pipeline.Handle(ctx, RecognitionEvent{SubjectID: "c1", VenueID: "v1", Confidence: 0.7})
		require.NoError(t, err)
		assert.Equal(t, 1, f.alerts.count())
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		f := newPipelineFixture(t)

		_, err := f.pipeline.Handle(ctx, RecognitionEvent{SubjectID: "c1", VenueID: "v1", Confidence: 1.5})
		assert.ErrorIs(t, err, ErrInvalidEvent)

		_, err = f.pipeline.Handle(ctx, RecognitionEvent{VenueID: "v1", Confidence: 0.5})
		assert.ErrorIs(t, err, ErrInvalidEvent)

		assert.Empty(t, f.tracker.observations())
		assert.Zero(t, f.alerts.count())
	})

	t.Run("OptionalCollaborators", func(t *testing.T) {
		store := storage.NewMemoryStore()
		pipeline := NewPipeline(store, nil, nil, nil, zaptest.NewLogger(t))

		_, err := pipeline.Handle(ctx, RecognitionEvent{SubjectID: "c9", VenueID: "v1", Confidence: 0.5})
		require.NoError(t, err)
	})
}

func TestHandleDetection(t *testing.T) {
	ctx := context.Background()

	t.Run("StoresPending", func(t *testing.T) {
		f := newPipelineFixture(t)

		detection, err := f.pipeline.HandleDetection(ctx, DetectionEvent{
			VenueID: "v1", CameraID: "cam2", RiskLevel: model.RiskHigh, Confidence: 0.8,
		})
		require.NoError(t, err)
		assert.Equal(t, model.DetectionUnknownPerson, detection.DetectionType)

		pending, err := f.store.ListPendingDetections(ctx, base.Add(-time.Hour), nil, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, detection.ID, pending[0].ID)
		assert.False(t, pending[0].AlertGenerated)
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		f := newPipelineFixture(t)

		_, err := f.pipeline.HandleDetection(ctx, DetectionEvent{VenueID: "v1", RiskLevel: "extreme"})
		assert.ErrorIs(t, err, ErrInvalidEvent)

		_, err = f.pipeline.HandleDetection(ctx, DetectionEvent{VenueID: "v1", RiskLevel: model.RiskLow, DetectionType: "cat"})
		assert.ErrorIs(t, err, ErrInvalidEvent)

		_, err = f.pipeline.HandleDetection(ctx, DetectionEvent{RiskLevel: model.RiskLow})
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})
}

func TestHandlePayload(t *testing.T) {
	ctx := context.Background()

	t.Run("FillsVenue", func(t *testing.T) {
		f := newPipelineFixture(t)

		err := f.pipeline.HandlePayload(ctx, KindRecognition, "v1", []byte(`{"subject_id":"c1","confidence":0.9}`))
		require.NoError(t, err)

		_, err = f.store.LatestSighting(ctx, "c1", "v1")
		require.NoError(t, err)
	})

	t.Run("PayloadVenueWins", func(t *testing.T) {
		f := newPipelineFixture(t)

		err := f.pipeline.HandlePayload(ctx, KindUnauthorized, "v2", []byte(`{"venue_id":"v1","risk_level":"critical"}`))
		require.NoError(t, err)

		pending, err := f.store.ListPendingDetections(ctx, time.Time{}, nil, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "v1", pending[0].VenueID)
	})

	t.Run("Malformed", func(t *testing.T) {
		f := newPipelineFixture(t)

		err := f.pipeline.HandlePayload(ctx, KindRecognition, "v1", []byte(`{`))
		assert.ErrorIs(t, err, ErrInvalidEvent)

		err = f.pipeline.HandlePayload(ctx, Kind("thermal"), "v1", []byte(`{}`))
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})
}
