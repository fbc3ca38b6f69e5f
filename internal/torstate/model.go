package torstate

import (
	"strconv"

	"github.com/nao1215/onionctl/internal/control"
)

// CircuitState is the lifecycle stage of a circuit.
type CircuitState int

const (
	// CircuitNew is a launched circuit with no hop yet.
	CircuitNew CircuitState = iota
	// CircuitExtending is a circuit that is growing hop by hop.
	CircuitExtending
	// CircuitBuilt is a usable circuit.
	CircuitBuilt
	// CircuitFailed is a circuit Tor gave up on.
	CircuitFailed
	// CircuitClosed is a torn-down circuit.
	CircuitClosed
)

// String implements fmt.Stringer.
func (s CircuitState) String() string {
	switch s {
	case CircuitNew:
		return "NEW"
	case CircuitExtending:
		return "EXTENDING"
	case CircuitBuilt:
		return "BUILT"
	case CircuitFailed:
		return "FAILED"
	case CircuitClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the path of a circuit in this state is frozen.
func (s CircuitState) Terminal() bool {
	return s == CircuitBuilt || s == CircuitFailed || s == CircuitClosed
}

// Circuit is a snapshot of one circuit. Values handed out by State are
// copies and never change afterwards.
type Circuit struct {
	ID      string
	State   CircuitState
	Path    []string
	Purpose string

	// Reason and RemoteReason are set once the circuit failed or closed.
	Reason       string
	RemoteReason string
}

// Clone returns a deep copy of c.
func (c Circuit) Clone() Circuit {
	c.Path = append([]string(nil), c.Path...)
	return c
}

// StreamState is the lifecycle stage of a stream.
type StreamState int

const (
	StreamNew StreamState = iota
	StreamAttaching
	StreamAttached
	StreamClosed
	StreamFailed
)

// String implements fmt.Stringer.
func (s StreamState) String() string {
	switch s {
	case StreamNew:
		return "NEW"
	case StreamAttaching:
		return "ATTACHING"
	case StreamAttached:
		return "ATTACHED"
	case StreamClosed:
		return "CLOSED"
	case StreamFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Stream is a snapshot of one stream.
type Stream struct {
	ID    string
	State StreamState

	// CircuitID is empty while the stream is unattached. It is a lookup key
	// into State, not an owning reference.
	CircuitID string

	Target string

	// SourceAddr is the "address:port" the stream came from, when Tor
	// reports it. It is the hint used to find the originating process.
	SourceAddr string

	Purpose string
	Reason  string
}

// Terminal is the last terminal event seen for a circuit or stream.
type Terminal struct {
	Category     control.Category
	ID           string
	SubState     string
	Reason       string
	RemoteReason string
}

// streamStateFor maps a STREAM sub-state onto the coarser StreamState.
func streamStateFor(sub string) (StreamState, bool) {
	switch sub {
	case control.StreamNew, control.StreamNewResolve, control.StreamDetached:
		return StreamNew, true
	case control.StreamSentConnect, control.StreamSentResolve:
		return StreamAttaching, true
	case control.StreamSucceeded, control.StreamRemap:
		return StreamAttached, true
	case control.StreamFailed:
		return StreamFailed, true
	case control.StreamClosed:
		return StreamClosed, true
	default:
		return 0, false
	}
}

// lessID orders numeric IDs numerically and anything else lexically.
func lessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

func terminalKey(cat control.Category, id string) string {
	return string(cat) + ":" + id
}
