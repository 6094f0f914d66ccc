package ingest

import (
	"context"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// TopicRoot is the first segment of edge device topics:
// venueguard/<venue_id>/<kind>
const TopicRoot = "venueguard"

// MQTTConfig configures the MQTT source
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTSource consumes events published by edge devices over MQTT
type MQTTSource struct {
	cfg      MQTTConfig
	pipeline *Pipeline
	logger   *zap.Logger
	client   mqtt.Client
}

// NewMQTTSource creates a new MQTT event source
func NewMQTTSource(cfg MQTTConfig, pipeline *Pipeline, logger *zap.Logger) *MQTTSource {
	return &MQTTSource{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger.Named("ingest-mqtt"),
	}
}

// Topics returns the subscription filters of the source
func Topics() []string {
	return []string{
		TopicRoot + "/+/" + string(KindRecognition),
		TopicRoot + "/+/" + string(KindUnauthorized),
	}
}

// Start connects to the broker and subscribes to the event topics
func (s *MQTTSource) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	s.client = client

	for _, topic := range Topics() {
		token := client.Subscribe(topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			if err := s.HandleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
				s.logger.Error("Failed to handle MQTT message",
					zap.String("topic", msg.Topic()),
					zap.Error(err))
			}
		})
		if token.Wait() && token.Error() != nil {
			client.Disconnect(250)
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
		}
	}

	s.logger.Info("Subscribed to edge topics", zap.String("broker", s.cfg.Broker))
	return nil
}

// Stop disconnects from the broker
func (s *MQTTSource) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// HandleMessage routes one MQTT message to the pipeline. The venue segment
// of the topic fills events that omit their venue.
func (s *MQTTSource) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	venueID, kind, err := parseTopic(topic)
	if err != nil {
		return err
	}
	return s.pipeline.HandlePayload(ctx, kind, venueID, payload)
}

func parseTopic(topic string) (string, Kind, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicRoot || parts[1] == "" {
		return "", "", fmt.Errorf("%w: unexpected topic %q", ErrInvalidEvent, topic)
	}
	kind := Kind(parts[2])
	if kind != KindRecognition && kind != KindUnauthorized {
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, parts[2])
	}
	return parts[1], kind, nil
}
