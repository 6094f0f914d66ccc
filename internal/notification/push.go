package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/model"
)

// PushConfig holds push provider credentials
type PushConfig struct {
	Endpoint  string
	ServerKey string
}

type pushRequest struct {
	To           string            `json:"to"`
	Priority     string            `json:"priority"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type pushResponse struct {
	MessageID int64  `json:"message_id"`
	Success   int    `json:"success"`
	Failure   int    `json:"failure"`
	Error     string `json:"error"`
}

// PushSender sends FCM-style push notifications to a recipient's topic
type PushSender struct {
	cfg    PushConfig
	client *resty.Client
	logger *zap.Logger
}

// NewPushSender creates a push sender
func NewPushSender(cfg PushConfig, logger *zap.Logger) *PushSender {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "key="+cfg.ServerKey)

	return &PushSender{cfg: cfg, client: client, logger: logger.Named("push")}
}

// Send pushes msg to the recipient's device topic
func (s *PushSender) Send(ctx context.Context, recipient *model.Recipient, msg Message) (string, error) {
	if s.cfg.Endpoint == "" || s.cfg.ServerKey == "" {
		return "", fmt.Errorf("push credentials not configured: %w", ErrNotConfigured)
	}

	req := pushRequest{
		To:           "/topics/user_" + recipient.ID,
		Priority:     "high",
		Notification: pushNotification{Title: msg.Subject, Body: msg.Body},
		Data: map[string]string{
			"alert_id":        msg.AlertID,
			"notification_id": msg.NotificationID,
		},
	}

	var result pushResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post(s.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to call push API: %w", err)
	}
	if resp.IsError() || result.Error != "" || result.Failure > 0 {
		s.logger.Warn("Push API returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("error", result.Error))
		return "", fmt.Errorf("push API error: %s (status: %d)", result.Error, resp.StatusCode())
	}

	if result.MessageID != 0 {
		return fmt.Sprintf("push_%d", result.MessageID), nil
	}
	return fmt.Sprintf("push_%d", time.Now().UnixMilli()), nil
}

// InAppSender delivers notifications to the recipient's live topic
type InAppSender struct {
	publisher broadcast.Publisher
}

// NewInAppSender creates an in-app sender
func NewInAppSender(publisher broadcast.Publisher) *InAppSender {
	return &InAppSender{publisher: publisher}
}

// Send publishes msg on user:<id>:notifications. Delivery to offline
// users is not tracked.
func (s *InAppSender) Send(ctx context.Context, recipient *model.Recipient, msg Message) (string, error) {
	s.publisher.Publish(broadcast.UserNotificationsTopic(recipient.ID), broadcast.Message{
		Type: broadcast.TypeNotification,
		Data: msg,
	})
	return "inapp_" + msg.NotificationID, nil
}
