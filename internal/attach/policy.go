package attach

import "github.com/nao1215/onionctl/internal/torstate"

// Decision is a policy's answer for one stream.
type Decision struct {
	circuitID string
}

// DoNotAttach leaves the stream unattached.
var DoNotAttach = Decision{}

// AttachTo attaches the stream to circuit id.
func AttachTo(id string) Decision {
	return Decision{circuitID: id}
}

// Attach reports whether the decision attaches the stream.
func (d Decision) Attach() bool {
	return d.circuitID != ""
}

// CircuitID is the chosen circuit, empty for DoNotAttach.
func (d Decision) CircuitID() string {
	return d.circuitID
}

// Policy chooses a circuit for a stream waiting to be attached.
//
// ChooseCircuit runs on the event loop for every NEW or DETACHED stream and
// must not block. candidates are the live circuits ordered by ID. An error
// means DoNotAttach.
type Policy interface {
	Name() string
	ChooseCircuit(s torstate.Stream, candidates []torstate.Circuit) (Decision, error)
}
