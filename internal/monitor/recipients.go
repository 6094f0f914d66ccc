package monitor

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/notification"
)

// audience lists the channels used per recipient role for one kind of alert
type audience struct {
	guardian   []model.Channel
	venueAdmin []model.Channel
	superAdmin []model.Channel
}

var (
	missingAudience = audience{
		guardian:   []model.Channel{model.ChannelSMS, model.ChannelEmail, model.ChannelPush},
		venueAdmin: []model.Channel{model.ChannelSMS, model.ChannelEmail, model.ChannelInApp},
		superAdmin: []model.Channel{model.ChannelEmail, model.ChannelInApp},
	}
	escalationAudience = audience{
		venueAdmin: []model.Channel{model.ChannelSMS, model.ChannelVoice},
		superAdmin: []model.Channel{model.ChannelSMS, model.ChannelEmail, model.ChannelVoice},
	}
	unauthorizedAudience = audience{
		venueAdmin: []model.Channel{model.ChannelSMS, model.ChannelEmail, model.ChannelInApp},
	}
	detectedAudience = audience{
		guardian: []model.Channel{model.ChannelPush, model.ChannelInApp},
	}
	cameraOfflineAudience = audience{
		venueAdmin: []model.Channel{model.ChannelEmail, model.ChannelInApp},
	}
	broadcastAudience = audience{
		venueAdmin: []model.Channel{model.ChannelSMS, model.ChannelEmail, model.ChannelInApp},
		superAdmin: []model.Channel{model.ChannelEmail, model.ChannelInApp},
	}
)

// targets resolves an audience to concrete recipients. Roles without a
// recipient are skipped.
func (m *AlertManager) targets(ctx context.Context, a audience, venue *model.Venue, guardianID string) []notification.Target {
	var out []notification.Target

	if len(a.guardian) > 0 && guardianID != "" {
		out = append(out, notification.Target{
			RecipientID: guardianID,
			Role:        model.RoleGuardian,
			Channels:    a.guardian,
		})
	}

	if len(a.venueAdmin) > 0 && venue != nil && venue.AdminID != "" {
		out = append(out, notification.Target{
			RecipientID: venue.AdminID,
			Role:        model.RoleVenueAdmin,
			Channels:    a.venueAdmin,
		})
	}

	if len(a.superAdmin) > 0 {
		admins, err := m.store.ListRecipientsByRole(ctx, model.RoleSuperAdmin)
		if err != nil {
			m.logger.Error("Failed to list super admins", zap.Error(err))
		}
		for _, admin := range admins {
			out = append(out, notification.Target{
				RecipientID: admin.ID,
				Role:        model.RoleSuperAdmin,
				Channels:    a.superAdmin,
			})
		}
	}

	return out
}
