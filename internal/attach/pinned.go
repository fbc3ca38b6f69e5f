package attach

import (
	"fmt"
	"log/slog"

	"github.com/nao1215/onionctl/internal/torstate"
)

// Pinned attaches every stream to one circuit. Once that circuit closes it
// declines every stream from then on; it never falls back to another
// circuit.
type Pinned struct {
	circuitID string
	closed    bool
	logger    *slog.Logger
	unwatch   func()
}

// PinnedOption configures a Pinned policy.
type PinnedOption func(*Pinned)

// WithPinnedLogger sets the logger.
func WithPinnedLogger(logger *slog.Logger) PinnedOption {
	return func(p *Pinned) {
		p.logger = logger
	}
}

// NewPinned pins circuitID, which must be live in state. Call it on the
// event loop.
func NewPinned(state *torstate.State, circuitID string, opts ...PinnedOption) (*Pinned, error) {
	c, ok := state.Circuit(circuitID)
	if !ok || c.State == torstate.CircuitClosed {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotFound, circuitID)
	}

	p := &Pinned{circuitID: circuitID}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	p.unwatch = state.AddCircuitHooks(&torstate.CircuitHooks{
		OnStateChange: func(c torstate.Circuit, _ torstate.CircuitState) {
			if c.ID != p.circuitID || c.State != torstate.CircuitClosed || p.closed {
				return
			}
			p.closed = true
			p.logger.Warn("pinned circuit vanished, new streams will not be attached",
				"circuit", c.ID, "reason", orUnspecified(c.Reason), "remote_reason", orUnspecified(c.RemoteReason))
		},
	})
	return p, nil
}

// Name implements Policy.
func (p *Pinned) Name() string {
	return "pinned"
}

// CircuitID returns the pinned circuit.
func (p *Pinned) CircuitID() string {
	return p.circuitID
}

// Closed reports whether the pinned circuit has closed.
func (p *Pinned) Closed() bool {
	return p.closed
}

// ChooseCircuit implements Policy.
func (p *Pinned) ChooseCircuit(torstate.Stream, []torstate.Circuit) (Decision, error) {
	if p.closed {
		return DoNotAttach, nil
	}
	return AttachTo(p.circuitID), nil
}

// Release stops watching the circuit. Call it on the event loop.
func (p *Pinned) Release() {
	if p.unwatch != nil {
		p.unwatch()
		p.unwatch = nil
	}
}

func orUnspecified(s string) string {
	if s == "" {
		return "not specified"
	}
	return s
}
