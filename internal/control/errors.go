package control

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost is returned when the control connection is closed or
	// the transport fails. It is fatal to the whole session.
	ErrConnectionLost = errors.New("tor control connection lost")

	// ErrMalformedReply is returned when Tor answers with a reply we cannot
	// interpret (e.g. EXTENDCIRCUIT without a circuit ID).
	ErrMalformedReply = errors.New("malformed control reply")

	// ErrMalformedEvent is returned by ParseEvent for lines that do not carry
	// the fields their category requires.
	ErrMalformedEvent = errors.New("malformed control event")
)

// ProtocolError is returned when Tor rejects a command with a non-2xx status.
// Message is Tor's own text, surfaced unchanged to the caller.
type ProtocolError struct {
	// Code is the three digit status code (e.g. 552).
	Code int

	// Message is the text following the status code.
	Message string
}

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tor rejected command: %d %s", e.Code, e.Message)
}
