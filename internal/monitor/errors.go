package monitor

import "errors"

var (
	// ErrInvalidTransition is returned when an alert cannot move to the requested status
	ErrInvalidTransition = errors.New("invalid alert status transition")

	// ErrInvalidAlert is returned when a manual alert is missing required fields
	ErrInvalidAlert = errors.New("invalid alert")
)
