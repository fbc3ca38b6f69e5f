package correlator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/onionctl/internal/control"
)

// Kind is the action an Operation waits on.
type Kind int

const (
	// KindBuild waits for a circuit to become BUILT.
	KindBuild Kind = iota
	// KindDelete waits for a circuit to be CLOSED.
	KindDelete
	// KindClose waits for a stream to be CLOSED.
	KindClose
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindBuild:
		return "build"
	case KindDelete:
		return "delete"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// category is the event stream that carries this kind's terminal events.
func (k Kind) category() control.Category {
	if k == KindClose {
		return control.CategoryStream
	}
	return control.CategoryCirc
}

// Status is the resolution state of an Operation.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of an Operation. Err is set exactly when Status is
// Failed.
type Outcome struct {
	Status Status
	Err    error
}

// Operation is one in-flight command waiting for its outcome.
type Operation struct {
	// ID identifies the operation in logs; it has no meaning to Tor.
	ID     uuid.UUID
	Target string
	Kind   Kind

	started time.Time

	// Owned by the event loop.
	acknowledged bool
	terminalSeen bool

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newOperation(target string, kind Kind, now time.Time) *Operation {
	return &Operation{
		ID:      uuid.New(),
		Target:  target,
		Kind:    kind,
		started: now,
		done:    make(chan struct{}),
	}
}

// Done is closed once the operation has resolved.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Outcome returns the current outcome without waiting.
func (op *Operation) Outcome() Outcome {
	select {
	case <-op.done:
		return op.outcome
	default:
		return Outcome{Status: Pending}
	}
}

// resolve sets the outcome if none was set yet and reports whether this
// call did it.
func (op *Operation) resolve(out Outcome) bool {
	resolved := false
	op.once.Do(func() {
		op.outcome = out
		close(op.done)
		resolved = true
	})
	return resolved
}
