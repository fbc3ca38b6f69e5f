package attach

import "errors"

var (
	// ErrExhausted is returned by PerProcess when no BUILT circuit is left
	// for a new process.
	ErrExhausted = errors.New("ran out of circuits to select")

	// ErrCircuitNotFound is returned when pinning a circuit that does not
	// exist.
	ErrCircuitNotFound = errors.New("circuit doesn't exist")

	// ErrNoSourceAddress is returned when Tor did not report where a stream
	// came from, so its process cannot be found.
	ErrNoSourceAddress = errors.New("stream has no source address")

	// ErrProcessNotFound is returned when no local process owns a stream's
	// source address.
	ErrProcessNotFound = errors.New("no process owns address")
)
