package model

import "time"

// Channel is a notification delivery channel
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
	ChannelVoice Channel = "voice"
)

// NotificationStatus is the delivery state of a notification record
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationFailed    NotificationStatus = "failed"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationRead      NotificationStatus = "read"
)

// TerminalNotificationStatuses lists statuses eligible for retention cleanup
var TerminalNotificationStatuses = []NotificationStatus{
	NotificationSent,
	NotificationFailed,
	NotificationDelivered,
	NotificationRead,
}

// NotificationRecord tracks one delivery attempt to one recipient on one channel
type NotificationRecord struct {
	ID            string             `json:"id"`
	AlertID       string             `json:"alert_id"`
	RecipientID   string             `json:"recipient_id"`
	RecipientRole RecipientRole      `json:"recipient_role"`
	Channel       Channel            `json:"channel"`
	Status        NotificationStatus `json:"status"`
	Subject       string             `json:"subject"`
	Message       string             `json:"message"`
	ExternalID    string             `json:"external_id,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	FailedAt      *time.Time         `json:"failed_at,omitempty"`
}
