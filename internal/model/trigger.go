package model

import (
	"fmt"
	"time"
)

// TriggerKind identifies which variant of TriggerData is populated
type TriggerKind string

const (
	TriggerMissing   TriggerKind = "missing"
	TriggerDetection TriggerKind = "detection"
	TriggerSighting  TriggerKind = "sighting"
	TriggerDevice    TriggerKind = "device"
	TriggerManual    TriggerKind = "manual"
)

// TriggerData carries the typed evidence that produced an alert.
// Exactly one variant matching Kind is set; Manual alerts carry none.
type TriggerData struct {
	Kind      TriggerKind       `json:"kind"`
	Missing   *MissingTrigger   `json:"missing,omitempty"`
	Detection *DetectionTrigger `json:"detection,omitempty"`
	Sighting  *SightingTrigger  `json:"sighting,omitempty"`
	Device    *DeviceTrigger    `json:"device,omitempty"`
	// Params holds venue-specific rule parameters only.
	Params map[string]interface{} `json:"params,omitempty"`
}

// MissingTrigger records why a subject was considered missing
type MissingTrigger struct {
	LastSeen          time.Time     `json:"last_seen"`
	MinutesSinceSeen  int           `json:"minutes_since_seen"`
	MissingThreshold  time.Duration `json:"missing_threshold"`
	EscalateThreshold time.Duration `json:"escalate_threshold"`
	LastSightingID    string        `json:"last_sighting_id,omitempty"`
}

// DetectionTrigger records the unauthorized detection behind an alert
type DetectionTrigger struct {
	DetectionID   string    `json:"detection_id"`
	DetectionType string    `json:"detection_type"`
	RiskLevel     RiskLevel `json:"risk_level"`
	Confidence    float64   `json:"confidence"`
	ImageURL      string    `json:"image_url,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// SightingTrigger records the sighting behind an alert
type SightingTrigger struct {
	SightingID string    `json:"sighting_id"`
	Confidence float64   `json:"confidence"`
	CameraID   string    `json:"camera_id,omitempty"`
	ZoneName   string    `json:"zone_name,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	SeenAt     time.Time `json:"seen_at"`
}

// DeviceTrigger records the device state behind an alert
type DeviceTrigger struct {
	DeviceID   string       `json:"device_id"`
	Health     StreamHealth `json:"health"`
	ErrorCount int          `json:"error_count"`
	LastError  string       `json:"last_error,omitempty"`
}

// Validate checks that the populated variant matches Kind
func (t TriggerData) Validate() error {
	set := 0
	for _, ok := range []bool{t.Missing != nil, t.Detection != nil, t.Sighting != nil, t.Device != nil} {
		if ok {
			set++
		}
	}

	var match bool
	switch t.Kind {
	case TriggerMissing:
		match = t.Missing != nil
	case TriggerDetection:
		match = t.Detection != nil
	case TriggerSighting:
		match = t.Sighting != nil
	case TriggerDevice:
		match = t.Device != nil
	case TriggerManual:
		if set != 0 {
			return fmt.Errorf("manual trigger must not carry evidence")
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}

	if !match || set != 1 {
		return fmt.Errorf("trigger kind %q does not match populated variant", t.Kind)
	}
	return nil
}
