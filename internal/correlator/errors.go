package correlator

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by Await when the caller's deadline expires
	// before the operation resolved.
	ErrTimeout = errors.New("operation timed out")

	// ErrFailed is matched by every *FailedError.
	ErrFailed = errors.New("operation failed")
)

// FailedError describes an operation that Tor reported as failed through a
// terminal event.
type FailedError struct {
	Kind         Kind
	Target       string
	SubState     string
	Reason       string
	RemoteReason string
}

// Error implements error.
func (e *FailedError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Kind, e.Target, e.SubState)
	if e.Reason != "" {
		msg += " reason=" + e.Reason
	}
	if e.RemoteReason != "" {
		msg += " remote_reason=" + e.RemoteReason
	}
	return msg
}

// Is reports ErrFailed as a match.
func (e *FailedError) Is(target error) bool {
	return target == ErrFailed
}
