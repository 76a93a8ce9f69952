package client

import "errors"

var (
	// ErrDeviceUnreachable is returned when a command targets a device
	// the registry currently considers offline.
	ErrDeviceUnreachable = errors.New("client: device unreachable")

	// ErrAlreadyStarted is returned from a second Start call.
	ErrAlreadyStarted = errors.New("client: already started")

	// ErrNotStarted is returned from operations that need the
	// background machinery running.
	ErrNotStarted = errors.New("client: not started")
)
