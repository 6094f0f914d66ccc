package device

import "errors"

var (
	// ErrNotConnected is returned for devices that are not registered
	ErrNotConnected = errors.New("device not connected")

	// ErrInvalidConfig is returned when a device config cannot be sampled
	ErrInvalidConfig = errors.New("invalid device config")
)
