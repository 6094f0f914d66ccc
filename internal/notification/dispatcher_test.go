package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/storage"
)

type sentMessage struct {
	channel   model.Channel
	recipient model.Recipient
	msg       Message
}

type recorder struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recorder) sender(channel model.Channel, err error) Sender {
	return SenderFunc(func(ctx context.Context, recipient *model.Recipient, msg Message) (string, error) {
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.sent = append(r.sent, sentMessage{channel: channel, recipient: *recipient, msg: msg})
		return string(channel) + "_" + msg.NotificationID, nil
	})
}

func (r *recorder) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

func seedStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	require.NoError(t, store.SaveVenue(ctx, &model.Venue{ID: "v1", Name: "Fun Zone", Active: true}))
	require.NoError(t, store.SaveZone(ctx, &model.Zone{ID: "z1", VenueID: "v1", Name: "Ball Pit", Capacity: 20}))
	require.NoError(t, store.SaveSubject(ctx, &model.Subject{ID: "c1", VenueID: "v1", Name: "Ava Smith", GuardianID: "g1"}))
	require.NoError(t, store.SaveRecipient(ctx, &model.Recipient{ID: "g1", Name: "Parent", Role: model.RoleGuardian, Email: "parent@example.com", Phone: "+15550001"}))
	require.NoError(t, store.SaveRecipient(ctx, &model.Recipient{ID: "admin", Name: "Admin", Role: model.RoleVenueAdmin, Email: "admin@example.com"}))

	now := time.Now().UTC()
	require.NoError(t, store.CreateAlert(ctx, &model.Alert{
		ID:        "a1",
		Type:      model.AlertTypeChildMissing,
		Severity:  model.AlertSeverityHigh,
		Priority:  model.AlertPriorityUrgent,
		Status:    model.AlertStatusActive,
		ChildID:   "c1",
		VenueID:   "v1",
		ZoneID:    "z1",
		Title:     "Child Missing",
		CreatedAt: now,
		UpdatedAt: now,
	}))
	return store
}

func TestDispatch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("SendsEveryPair", func(t *testing.T) {
		store := seedStore(t)
		rec := &recorder{}
		d := NewDispatcher(Config{Concurrency: 2}, store, map[model.Channel]Sender{
			model.ChannelSMS:   rec.sender(model.ChannelSMS, nil),
			model.ChannelEmail: rec.sender(model.ChannelEmail, nil),
			model.ChannelPush:  rec.sender(model.ChannelPush, nil),
			model.ChannelInApp: rec.sender(model.ChannelInApp, nil),
		}, logger)

		result := d.Dispatch(ctx, "a1", []Target{
			{RecipientID: "g1", Role: model.RoleGuardian, Channels: []model.Channel{model.ChannelSMS, model.ChannelEmail, model.ChannelPush}},
			{RecipientID: "admin", Role: model.RoleVenueAdmin, Channels: []model.Channel{model.ChannelInApp}},
		}, "")

		assert.Equal(t, 4, result.Sent)
		assert.Equal(t, 0, result.Failed)
		assert.True(t, result.Success())

		sent := rec.messages()
		require.Len(t, sent, 4)
		for _, s := range sent {
			assert.Equal(t, "High Priority VenueGuard Alert - Fun Zone", s.msg.Subject)
			assert.Equal(t, "URGENT: Ava Smith has not been seen at Fun Zone for an extended period. Last seen: Ball Pit.", s.msg.Body)
			assert.NotEmpty(t, s.msg.NotificationID)
			if s.recipient.ID == "g1" {
				assert.Equal(t, "+15550001", s.recipient.Phone)
			}
		}

		records, err := d.History(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, records, 4)
		for _, r := range records {
			assert.Equal(t, model.NotificationSent, r.Status)
			assert.NotNil(t, r.SentAt)
			assert.Equal(t, string(r.Channel)+"_"+r.ID, r.ExternalID)
		}
	})

	t.Run("CustomMessage", func(t *testing.T) {
		store := seedStore(t)
		rec := &recorder{}
		d := NewDispatcher(Config{}, store, map[model.Channel]Sender{
			model.ChannelVoice: rec.sender(model.ChannelVoice, nil),
		}, logger)

		result := d.Dispatch(ctx, "a1", []Target{
			{RecipientID: "admin", Role: model.RoleVenueAdmin, Channels: []model.Channel{model.ChannelVoice}},
		}, "ESCALATED ALERT: Child Missing")
		assert.Equal(t, 1, result.Sent)
		assert.Equal(t, "ESCALATED ALERT: Child Missing", rec.messages()[0].msg.Body)
	})

	t.Run("FailuresAreRecorded", func(t *testing.T) {
		store := seedStore(t)
		rec := &recorder{}
		d := NewDispatcher(Config{}, store, map[model.Channel]Sender{
			model.ChannelSMS:   rec.sender(model.ChannelSMS, errors.New("carrier rejected")),
			model.ChannelEmail: rec.sender(model.ChannelEmail, nil),
		}, logger)

		result := d.Dispatch(ctx, "a1", []Target{
			{RecipientID: "g1", Role: model.RoleGuardian, Channels: []model.Channel{model.ChannelSMS, model.ChannelEmail, model.ChannelPush}},
		}, "")

		assert.Equal(t, 1, result.Sent)
		assert.Equal(t, 2, result.Failed)
		assert.ElementsMatch(t, []string{
			"sms: carrier rejected",
			"push: unsupported notification channel",
		}, result.Errors)

		records, err := store.ListNotifications(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, records, 3)
		for _, r := range records {
			if r.Channel == model.ChannelEmail {
				assert.Equal(t, model.NotificationSent, r.Status)
				continue
			}
			assert.Equal(t, model.NotificationFailed, r.Status)
			assert.NotEmpty(t, r.FailureReason)
			assert.NotNil(t, r.FailedAt)
		}
	})

	t.Run("MissingAlert", func(t *testing.T) {
		store := seedStore(t)
		rec := &recorder{}
		d := NewDispatcher(Config{}, store, map[model.Channel]Sender{
			model.ChannelSMS:   rec.sender(model.ChannelSMS, nil),
			model.ChannelEmail: rec.sender(model.ChannelEmail, nil),
		}, logger)

		result := d.Dispatch(ctx, "nope", []Target{
			{RecipientID: "g1", Channels: []model.Channel{model.ChannelSMS, model.ChannelEmail}},
			{RecipientID: "admin", Channels: []model.Channel{model.ChannelSMS, model.ChannelEmail}},
		}, "")

		assert.Equal(t, 0, result.Sent)
		assert.Equal(t, 4, result.Failed)
		assert.False(t, result.Success())
		assert.Empty(t, rec.messages())

		records, err := store.ListNotifications(ctx, "nope")
		require.NoError(t, err)
		require.Len(t, records, 4)
		for _, r := range records {
			assert.Equal(t, model.NotificationFailed, r.Status)
			assert.Equal(t, ErrAlertNotFound.Error(), r.FailureReason)
		}
	})

	t.Run("UnknownRecipientStillReachable", func(t *testing.T) {
		store := seedStore(t)
		rec := &recorder{}
		d := NewDispatcher(Config{}, store, map[model.Channel]Sender{
			model.ChannelInApp: rec.sender(model.ChannelInApp, nil),
		}, logger)

		result := d.Dispatch(ctx, "a1", []Target{
			{RecipientID: "ghost", Role: model.RoleSuperAdmin, Channels: []model.Channel{model.ChannelInApp}},
		}, "")
		assert.Equal(t, 1, result.Sent)
		assert.Equal(t, "ghost", rec.messages()[0].recipient.ID)
		assert.Equal(t, model.RoleSuperAdmin, rec.messages()[0].recipient.Role)
	})

	t.Run("PanickingSenderIsIsolated", func(t *testing.T) {
		store := seedStore(t)
		rec := &recorder{}
		d := NewDispatcher(Config{}, store, map[model.Channel]Sender{
			model.ChannelPush: SenderFunc(func(ctx context.Context, r *model.Recipient, msg Message) (string, error) {
				panic("provider sdk bug")
			}),
			model.ChannelInApp: rec.sender(model.ChannelInApp, nil),
		}, logger)

		result := d.Dispatch(ctx, "a1", []Target{
			{RecipientID: "g1", Channels: []model.Channel{model.ChannelPush, model.ChannelInApp}},
		}, "")
		assert.Equal(t, 1, result.Sent)
		assert.Equal(t, 1, result.Failed)
	})
}

func TestCleanupOld(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := NewDispatcher(Config{}, store, nil, zaptest.NewLogger(t))

	now := time.Now().UTC()
	old := now.Add(-31 * 24 * time.Hour)
	require.NoError(t, store.CreateNotification(ctx, &model.NotificationRecord{ID: "n1", AlertID: "a1", Status: model.NotificationSent, CreatedAt: old}))
	require.NoError(t, store.CreateNotification(ctx, &model.NotificationRecord{ID: "n2", AlertID: "a1", Status: model.NotificationPending, CreatedAt: old}))
	require.NoError(t, store.CreateNotification(ctx, &model.NotificationRecord{ID: "n3", AlertID: "a1", Status: model.NotificationFailed, CreatedAt: now}))

	n, err := d.CleanupOld(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	records, err := d.History(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
