package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when a device record is missing
	// required identity or address fields.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrDeviceReferenced is returned when removing a device that is still
	// a member of a live group.
	ErrDeviceReferenced = errors.New("device: referenced by group")
)
