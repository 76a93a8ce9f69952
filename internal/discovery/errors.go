package discovery

import "errors"

// Domain errors for the discovery package.
var (
	// ErrInvalidAnnouncement is returned when a datagram cannot be parsed
	// as a player announcement.
	ErrInvalidAnnouncement = errors.New("discovery: invalid announcement")

	// ErrNotPlayer is returned when a valid SSDP message is not a player
	// announcement (wrong search target or device type).
	ErrNotPlayer = errors.New("discovery: not a player announcement")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("discovery: scanner already started")

	// ErrSocket is returned when the multicast sockets cannot be opened.
	ErrSocket = errors.New("discovery: socket setup failed")
)
