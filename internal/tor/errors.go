package tor

import "errors"

var (
	// ErrNotRunning is returned when the embedded daemon is used before
	// Start or after Stop.
	ErrNotRunning = errors.New("embedded Tor daemon is not running")

	// ErrInvalidCookie is returned when a control auth cookie file does not
	// hold exactly 32 bytes.
	ErrInvalidCookie = errors.New("invalid control auth cookie")

	// ErrNoControlAddress is returned when an Endpoint has no address.
	ErrNoControlAddress = errors.New("no control port address")

	// ErrInvalidOnionAddress is returned when Tor hands back an address that
	// is not a valid v3 onion address.
	ErrInvalidOnionAddress = errors.New("invalid onion address")
)
