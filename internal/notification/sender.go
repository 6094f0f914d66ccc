package notification

import (
	"context"
	"errors"

	"github.com/t77yq/venueguard/internal/model"
)

var (
	// ErrNotConfigured is returned when a channel provider has no credentials
	ErrNotConfigured = errors.New("provider credentials not configured")

	// ErrMissingContact is returned when the recipient lacks the contact a channel needs
	ErrMissingContact = errors.New("recipient contact not available")

	// ErrUnsupportedChannel is returned when no sender is registered for a channel
	ErrUnsupportedChannel = errors.New("unsupported notification channel")

	// ErrAlertNotFound is returned when dispatching for an unknown alert
	ErrAlertNotFound = errors.New("alert not found")
)

// AlertDetails describes the alert a notification is about
type AlertDetails struct {
	ChildName string              `json:"child_name,omitempty"`
	Venue     string              `json:"venue"`
	Location  string              `json:"location"`
	Time      string              `json:"time"`
	Severity  model.AlertSeverity `json:"severity"`
	Type      model.AlertType     `json:"type"`
}

// Message is the rendered content handed to a sender
type Message struct {
	NotificationID string        `json:"notification_id"`
	AlertID        string        `json:"alert_id"`
	Subject        string        `json:"subject"`
	Body           string        `json:"body"`
	Details        *AlertDetails `json:"details,omitempty"`
}

// Sender delivers a message to a recipient on one channel and returns the
// provider's external id
type Sender interface {
	Send(ctx context.Context, recipient *model.Recipient, msg Message) (string, error)
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(ctx context.Context, recipient *model.Recipient, msg Message) (string, error)

// Send calls f
func (f SenderFunc) Send(ctx context.Context, recipient *model.Recipient, msg Message) (string, error) {
	return f(ctx, recipient, msg)
}
