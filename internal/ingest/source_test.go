package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/testutil"
)

func TestJetStreamSource(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newPipelineFixture(t)
	source := NewJetStreamSource(js, f.pipeline, zaptest.NewLogger(t))
	require.NoError(t, source.Start(ctx))
	defer source.Stop()

	require.NoError(t, testutil.WaitForStream(t, js, detectionStream, 5*time.Second))

	require.NoError(t, source.Publish(ctx, KindRecognition, RecognitionEvent{
		SubjectID: "c1", VenueID: "v1", Confidence: 0.88, Timestamp: base,
	}))
	require.NoError(t, source.Publish(ctx, KindUnauthorized, DetectionEvent{
		VenueID: "v1", RiskLevel: model.RiskCritical, Timestamp: base,
	}))
	// invalid events are terminated rather than redelivered
	require.NoError(t, source.Publish(ctx, KindRecognition, RecognitionEvent{VenueID: "v1"}))

	require.Eventually(t, func() bool {
		return f.alerts.count() == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := f.store.ListPendingDetections(ctx, time.Time{}, nil, 0)
		return err == nil && len(pending) == 1
	}, 5*time.Second, 50*time.Millisecond)

	sighting, err := f.store.LatestSighting(ctx, "c1", "v1")
	require.NoError(t, err)
	assert.Equal(t, 0.88, sighting.Confidence)
}

func TestMQTTHandleMessage(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	source := NewMQTTSource(MQTTConfig{Broker: "tcp://127.0.0.1:1883", ClientID: "test"}, f.pipeline, zaptest.NewLogger(t))

	t.Run("RecognitionFromTopicVenue", func(t *testing.T) {
		err := source.HandleMessage(ctx, "venueguard/v1/recognition", []byte(`{"subject_id":"c1","confidence":0.75}`))
		require.NoError(t, err)

		sighting, err := f.store.LatestSighting(ctx, "c1", "v1")
		require.NoError(t, err)
		assert.Equal(t, 0.75, sighting.Confidence)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		err := source.HandleMessage(ctx, "venueguard/v1/unauthorized", []byte(`{"risk_level":"high","detection_type":"unknown_adult"}`))
		require.NoError(t, err)

		pending, err := f.store.ListPendingDetections(ctx, time.Time{}, nil, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, model.DetectionUnknownAdult, pending[0].DetectionType)
	})

	t.Run("BadTopics", func(t *testing.T) {
		for _, topic := range []string{
			"venueguard/v1",
			"other/v1/recognition",
			"venueguard//recognition",
			"venueguard/v1/thermal",
		} {
			err := source.HandleMessage(ctx, topic, []byte(`{}`))
			assert.ErrorIs(t, err, ErrInvalidEvent, topic)
		}
	})

	t.Run("Topics", func(t *testing.T) {
		assert.Equal(t, []string{"venueguard/+/recognition", "venueguard/+/unauthorized"}, Topics())
	})
}
