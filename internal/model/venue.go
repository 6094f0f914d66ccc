package model

import "time"

const (
	DefaultMissingThreshold    = 30 * time.Minute
	DefaultEscalationThreshold = 60 * time.Minute
	DefaultDetectedAutoResolve = 24 * time.Hour
	DefaultZoneCapacity        = 20
)

// VenueConfig holds per-venue rule parameters
type VenueConfig struct {
	MissingThreshold    time.Duration          `json:"missing_threshold"`
	EscalationThreshold time.Duration          `json:"escalation_threshold"`
	MissingRuleEnabled  *bool                  `json:"missing_rule_enabled,omitempty"`
	DetectedRuleEnabled bool                   `json:"detected_rule_enabled"`
	FirstSightingOnly   *bool                  `json:"first_sighting_only,omitempty"`
	DetectedAutoResolve time.Duration          `json:"detected_auto_resolve"`
	DefaultZoneCapacity int                    `json:"default_zone_capacity"`
	Params              map[string]interface{} `json:"params,omitempty"`
}

// WithDefaults fills zero values with the default rule parameters
func (c VenueConfig) WithDefaults() VenueConfig {
	if c.MissingThreshold <= 0 {
		c.MissingThreshold = DefaultMissingThreshold
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = DefaultEscalationThreshold
	}
	if c.DetectedAutoResolve <= 0 {
		c.DetectedAutoResolve = DefaultDetectedAutoResolve
	}
	if c.DefaultZoneCapacity <= 0 {
		c.DefaultZoneCapacity = DefaultZoneCapacity
	}
	if c.MissingRuleEnabled == nil {
		c.MissingRuleEnabled = BoolPtr(true)
	}
	if c.FirstSightingOnly == nil {
		c.FirstSightingOnly = BoolPtr(true)
	}
	return c
}

// MissingEnabled reports whether the missing-subject rule runs for the venue
func (c VenueConfig) MissingEnabled() bool {
	return c.MissingRuleEnabled == nil || *c.MissingRuleEnabled
}

// FirstSightingOnlyEnabled reports whether child-detected alerts fire once per day
func (c VenueConfig) FirstSightingOnlyEnabled() bool {
	return c.FirstSightingOnly == nil || *c.FirstSightingOnly
}

// Venue is a monitored site
type Venue struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Active    bool        `json:"active"`
	AdminID   string      `json:"admin_id,omitempty"`
	Config    VenueConfig `json:"config"`
	CreatedAt time.Time   `json:"created_at"`
}

// Zone is a named area within a venue
type Zone struct {
	ID       string `json:"id"`
	VenueID  string `json:"venue_id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

// Subject is a tracked child
type Subject struct {
	ID                     string    `json:"id"`
	VenueID                string    `json:"venue_id"`
	Name                   string    `json:"name"`
	GuardianID             string    `json:"guardian_id,omitempty"`
	CheckedIn              bool      `json:"checked_in"`
	CheckedInAt            time.Time `json:"checked_in_at"`
	FaceRecognitionEnabled bool      `json:"face_recognition_enabled"`
}

// RecipientRole classifies who receives notifications
type RecipientRole string

const (
	RoleGuardian   RecipientRole = "guardian"
	RoleVenueAdmin RecipientRole = "venue_admin"
	RoleSuperAdmin RecipientRole = "super_admin"
)

// Recipient is a notification target with contact details
type Recipient struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Role  RecipientRole `json:"role"`
	Email string        `json:"email,omitempty"`
	Phone string        `json:"phone,omitempty"`
}

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool {
	return &b
}
