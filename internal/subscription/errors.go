package subscription

import "errors"

// Domain errors for the subscription package.
var (
	// ErrSubscribeFailed is returned when a device rejects or does not
	// answer a subscribe request.
	ErrSubscribeFailed = errors.New("subscription: subscribe failed")

	// ErrRenewRejected is returned when a device rejects a renewal.
	// The manager falls back to subscribing from scratch.
	ErrRenewRejected = errors.New("subscription: renew rejected")

	// ErrUnsubscribeFailed is returned when a terminal unsubscribe fails.
	// Shutdown treats this as best-effort.
	ErrUnsubscribeFailed = errors.New("subscription: unsubscribe failed")

	// ErrShutdown is returned when an operation is attempted after the
	// manager has shut down.
	ErrShutdown = errors.New("subscription: manager shut down")
)
