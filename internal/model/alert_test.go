package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from AlertStatus
		to   AlertStatus
		want bool
	}{
		{AlertStatusActive, AlertStatusAcknowledged, true},
		{AlertStatusActive, AlertStatusEscalated, true},
		{AlertStatusAcknowledged, AlertStatusInProgress, true},
		{AlertStatusInProgress, AlertStatusResolved, true},
		{AlertStatusEscalated, AlertStatusResolved, true},
		{AlertStatusResolved, AlertStatusReopened, true},
		{AlertStatusReopened, AlertStatusAcknowledged, true},
		{AlertStatusOnHold, AlertStatusInProgress, true},
		{AlertStatusInProgress, AlertStatusEscalated, false},
		{AlertStatusResolved, AlertStatusActive, false},
		{AlertStatusResolved, AlertStatusOnHold, false},
		{AlertStatusClosed, AlertStatusReopened, false},
		{AlertStatusActive, AlertStatusActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAlertStatusTerminal(t *testing.T) {
	for _, s := range OpenAlertStatuses {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, AlertStatusResolved.Terminal())
	assert.True(t, AlertStatusClosed.Terminal())
}

func TestAlertClone(t *testing.T) {
	now := time.Now()
	a := &Alert{ID: "a1", ResolvedAt: TimePtr(now)}

	c := a.Clone()
	*c.ResolvedAt = now.Add(time.Hour)

	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, now, *a.ResolvedAt)
}

func TestTriggerDataValidate(t *testing.T) {
	t.Run("MatchingVariant", func(t *testing.T) {
		td := TriggerData{Kind: TriggerMissing, Missing: &MissingTrigger{MinutesSinceSeen: 31}}
		require.NoError(t, td.Validate())
	})

	t.Run("MismatchedVariant", func(t *testing.T) {
		td := TriggerData{Kind: TriggerMissing, Sighting: &SightingTrigger{SightingID: "s1"}}
		require.Error(t, td.Validate())
	})

	t.Run("TwoVariants", func(t *testing.T) {
		td := TriggerData{
			Kind:     TriggerSighting,
			Sighting: &SightingTrigger{SightingID: "s1"},
			Device:   &DeviceTrigger{DeviceID: "d1"},
		}
		require.Error(t, td.Validate())
	})

	t.Run("ManualWithoutEvidence", func(t *testing.T) {
		require.NoError(t, TriggerData{Kind: TriggerManual}.Validate())
	})

	t.Run("UnknownKind", func(t *testing.T) {
		require.Error(t, TriggerData{Kind: "other"}.Validate())
	})
}

func TestVenueConfigWithDefaults(t *testing.T) {
	cfg := VenueConfig{MissingThreshold: 10 * time.Minute}.WithDefaults()

	assert.Equal(t, 10*time.Minute, cfg.MissingThreshold)
	assert.Equal(t, DefaultEscalationThreshold, cfg.EscalationThreshold)
	assert.Equal(t, DefaultDetectedAutoResolve, cfg.DetectedAutoResolve)
	assert.Equal(t, DefaultZoneCapacity, cfg.DefaultZoneCapacity)
	assert.True(t, cfg.MissingEnabled())
	assert.True(t, cfg.FirstSightingOnlyEnabled())

	disabled := VenueConfig{MissingRuleEnabled: BoolPtr(false)}.WithDefaults()
	assert.False(t, disabled.MissingEnabled())
}

func TestHealthScore(t *testing.T) {
	assert.Equal(t, SystemHealthExcellent, HealthFromScore(SystemHealthExcellent.Score()))
	assert.Equal(t, SystemHealthGood, HealthFromScore((4.0+3.0)/2-0.5))
	assert.Equal(t, SystemHealthPoor, HealthFromScore(2))
	assert.Equal(t, SystemHealthCritical, HealthFromScore(1.2))
}
