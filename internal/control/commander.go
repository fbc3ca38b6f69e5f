package control

import "context"

// Stream close reasons understood by CLOSESTREAM.
const (
	StreamReasonMisc = 1
	StreamReasonDone = 6
)

// Commander is the set of synchronous control-port primitives the
// orchestration layer relies on. Every method returns once Tor has answered
// the command; a non-2xx answer is reported as *ProtocolError.
//
// Design decision: This is an interface so state machines can be tested
// against controltest.Controller without a running Tor.
type Commander interface {
	// BuildCircuit asks Tor to build a new circuit through hops and returns
	// the ID Tor assigned. A nil or empty hops lets Tor choose the path.
	BuildCircuit(ctx context.Context, hops []string) (string, error)

	// CloseCircuit closes circuit id, optionally only if it carries no streams.
	CloseCircuit(ctx context.Context, id string, ifUnused bool) error

	// CloseStream closes stream id with the given reason code.
	CloseStream(ctx context.Context, id string, reason int) error

	// AttachStream attaches stream to circuit. Circuit "0" lets Tor choose.
	AttachStream(ctx context.Context, stream, circuit string) error

	// GetInfo issues GETINFO for keys and returns the key/value answers.
	GetInfo(ctx context.Context, keys ...string) (map[string]string, error)

	// SetEvents replaces the set of event categories Tor sends us.
	SetEvents(ctx context.Context, categories ...Category) error

	// SetConf sets a single configuration option.
	SetConf(ctx context.Context, key, value string) error

	// Signal sends a SIGNAL such as NEWNYM or RELOAD.
	Signal(ctx context.Context, name string) error
}
