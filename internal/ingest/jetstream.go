package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	detectionStream  = "DETECTIONS"
	detectionDurable = "venueguard-ingest"
	subjectPrefix    = "detection."
)

// Subject returns the JetStream subject events of a kind are published on
func Subject(kind Kind) string {
	return subjectPrefix + string(kind)
}

// JetStreamSource consumes recognition and detection events from the
// DETECTIONS stream
type JetStreamSource struct {
	js       nats.JetStreamContext
	pipeline *Pipeline
	logger   *zap.Logger
	sub      *nats.Subscription
}

// NewJetStreamSource creates a new JetStream event source
func NewJetStreamSource(js nats.JetStreamContext, pipeline *Pipeline, logger *zap.Logger) *JetStreamSource {
	return &JetStreamSource{
		js:       js,
		pipeline: pipeline,
		logger:   logger.Named("ingest-jetstream"),
	}
}

// Start ensures the stream exists and subscribes with a durable consumer.
// The subscription ends when ctx is done or Stop is called.
func (s *JetStreamSource) Start(ctx context.Context) error {
	stream, err := s.js.StreamInfo(detectionStream)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream == nil {
		_, err = s.js.AddStream(&nats.StreamConfig{
			Name:     detectionStream,
			Subjects: []string{subjectPrefix + "*"},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	sub, err := s.js.Subscribe(subjectPrefix+"*", func(msg *nats.Msg) {
		s.handle(ctx, msg)
	}, nats.Durable(detectionDurable), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to detections: %w", err)
	}
	s.sub = sub

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	s.logger.Info("Consuming detection events", zap.String("stream", detectionStream))
	return nil
}

// Stop ends the subscription
func (s *JetStreamSource) Stop() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

func (s *JetStreamSource) handle(ctx context.Context, msg *nats.Msg) {
	kind := Kind(strings.TrimPrefix(msg.Subject, subjectPrefix))

	err := s.pipeline.HandlePayload(ctx, kind, "", msg.Data)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, ErrInvalidEvent):
		s.logger.Error("Dropping invalid event",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		msg.Term()
	default:
		s.logger.Error("Failed to handle event",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		msg.Nak()
	}
}

// Publish sends an event of the given kind to the stream
func (s *JetStreamSource) Publish(ctx context.Context, kind Kind, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := s.js.Publish(Subject(kind), data, nats.Context(ctx)); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("kind", string(kind)),
			zap.Error(err))
		return err
	}
	return nil
}
