package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/storage"
)

// Store is the persistence the dispatcher needs
type Store interface {
	storage.NotificationStore
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	GetVenue(ctx context.Context, id string) (*model.Venue, error)
	GetSubject(ctx context.Context, id string) (*model.Subject, error)
	ListZones(ctx context.Context, venueID string) ([]*model.Zone, error)
	GetRecipient(ctx context.Context, id string) (*model.Recipient, error)
}

// Target is a recipient and the channels to reach them on
type Target struct {
	RecipientID string
	Role        model.RecipientRole
	Channels    []model.Channel
}

// Result summarizes one dispatch
type Result struct {
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// Success reports whether at least one notification was sent
func (r Result) Success() bool {
	return r.Sent > 0
}

// Config configures a Dispatcher
type Config struct {
	Concurrency int
	SendTimeout time.Duration
}

// Dispatcher fans an alert out to recipients across channels
type Dispatcher struct {
	cfg     Config
	store   Store
	senders map[model.Channel]Sender
	logger  *zap.Logger
	now     func() time.Time
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg Config, store Store, senders map[model.Channel]Sender, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		senders: senders,
		logger:  logger.Named("notification"),
		now:     time.Now,
	}
}

// Dispatch sends one notification per (target, channel) pair and records
// each attempt. An empty customMessage uses the alert type template.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID string, targets []Target, customMessage string) Result {
	content, err := d.render(ctx, alertID, customMessage)
	if err != nil {
		d.logger.Warn("Dispatching without alert context",
			zap.String("alert_id", alertID),
			zap.Error(err))
	}

	var (
		mu     sync.Mutex
		result Result
	)
	record := func(channel model.Channel, sendErr error) {
		mu.Lock()
		defer mu.Unlock()
		if sendErr == nil {
			result.Sent++
			return
		}
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", channel, sendErr))
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	for _, target := range targets {
		for _, channel := range target.Channels {
			target, channel := target, channel
			g.Go(func() error {
				record(channel, d.deliver(ctx, alertID, target, channel, content, err))
				return nil
			})
		}
	}
	_ = g.Wait()

	d.logger.Info("Dispatched alert notifications",
		zap.String("alert_id", alertID),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed))

	return result
}

// deliver handles one (recipient, channel) pair. renderErr is non-nil when
// the alert could not be loaded; the pair is then recorded as failed.
func (d *Dispatcher) deliver(ctx context.Context, alertID string, target Target, channel model.Channel, content Message, renderErr error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic while sending notification",
				zap.String("alert_id", alertID),
				zap.String("recipient_id", target.RecipientID),
				zap.String("channel", string(channel)),
				zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	rec := &model.NotificationRecord{
		ID:            uuid.NewString(),
		AlertID:       alertID,
		RecipientID:   target.RecipientID,
		RecipientRole: target.Role,
		Channel:       channel,
		Status:        model.NotificationPending,
		Subject:       content.Subject,
		Message:       content.Body,
		CreatedAt:     d.now().UTC(),
	}
	if err := d.store.CreateNotification(ctx, rec); err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}

	externalID, sendErr := d.send(ctx, target, channel, rec.ID, content, renderErr)

	now := d.now().UTC()
	if sendErr == nil {
		rec.Status = model.NotificationSent
		rec.ExternalID = externalID
		rec.SentAt = &now
	} else {
		rec.Status = model.NotificationFailed
		rec.FailureReason = sendErr.Error()
		rec.FailedAt = &now
	}
	if err := d.store.UpdateNotification(ctx, rec); err != nil {
		d.logger.Error("Failed to update notification record",
			zap.String("notification_id", rec.ID),
			zap.Error(err))
	}
	return sendErr
}

func (d *Dispatcher) send(ctx context.Context, target Target, channel model.Channel, notificationID string, content Message, renderErr error) (string, error) {
	if renderErr != nil {
		return "", renderErr
	}
	sender, ok := d.senders[channel]
	if !ok {
		return "", ErrUnsupportedChannel
	}

	recipient, err := d.store.GetRecipient(ctx, target.RecipientID)
	if errors.Is(err, storage.ErrNotFound) {
		recipient = &model.Recipient{ID: target.RecipientID, Role: target.Role}
	} else if err != nil {
		return "", fmt.Errorf("failed to load recipient: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	content.NotificationID = notificationID
	return sender.Send(sendCtx, recipient, content)
}

// render loads the alert context and builds the subject and body
func (d *Dispatcher) render(ctx context.Context, alertID, customMessage string) (Message, error) {
	msg := Message{AlertID: alertID, Body: customMessage}

	alert, err := d.store.GetAlert(ctx, alertID)
	if errors.Is(err, storage.ErrNotFound) {
		return msg, ErrAlertNotFound
	}
	if err != nil {
		return msg, fmt.Errorf("failed to load alert: %w", err)
	}

	details := d.details(ctx, alert)
	msg.Details = &details
	msg.Subject = AlertSubject(alert.Severity, details.Venue)
	if msg.Body == "" {
		msg.Body = AlertMessage(alert, details)
	}
	return msg, nil
}

// details resolves display names; lookup failures fall back to ids
func (d *Dispatcher) details(ctx context.Context, alert *model.Alert) AlertDetails {
	details := AlertDetails{
		Venue:    alert.VenueID,
		Location: "Unknown location",
		Time:     alert.CreatedAt.Format(time.RFC1123),
		Severity: alert.Severity,
		Type:     alert.Type,
	}

	if venue, err := d.store.GetVenue(ctx, alert.VenueID); err == nil && venue.Name != "" {
		details.Venue = venue.Name
	}
	if alert.ChildID != "" {
		if subject, err := d.store.GetSubject(ctx, alert.ChildID); err == nil {
			details.ChildName = subject.Name
		}
	}
	if alert.ZoneID != "" {
		if zones, err := d.store.ListZones(ctx, alert.VenueID); err == nil {
			for _, zone := range zones {
				if zone.ID == alert.ZoneID || zone.Name == alert.ZoneID {
					details.Location = zone.Name
					break
				}
			}
		}
	}
	return details
}

// History returns the delivery records of an alert
func (d *Dispatcher) History(ctx context.Context, alertID string) ([]*model.NotificationRecord, error) {
	records, err := d.store.ListNotifications(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return records, nil
}

// CleanupOld deletes terminal notification records created before the cutoff
func (d *Dispatcher) CleanupOld(ctx context.Context, before time.Time) (int64, error) {
	n, err := d.store.DeleteNotificationsBefore(ctx, before, model.TerminalNotificationStatuses)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup notifications: %w", err)
	}
	if n > 0 {
		d.logger.Info("Cleaned up old notifications", zap.Int64("count", n))
	}
	return n, nil
}
