package attach

import (
	"fmt"
	"log/slog"

	"github.com/nao1215/onionctl/internal/torstate"
)

// Process identifies a local process.
type Process struct {
	PID int
	Exe string
}

// ProcessLookup finds the process that owns a local "address:port".
type ProcessLookup interface {
	Lookup(addr string) (Process, error)
}

// PerProcess gives each local process its own circuit. A process keeps
// its circuit as long as the circuit is BUILT; a new process gets the
// lowest-numbered BUILT circuit no other process owns.
type PerProcess struct {
	lookup ProcessLookup
	owners map[int]string
	logger *slog.Logger
}

// PerProcessOption configures a PerProcess policy.
type PerProcessOption func(*PerProcess)

// WithPerProcessLogger sets the logger.
func WithPerProcessLogger(logger *slog.Logger) PerProcessOption {
	return func(p *PerProcess) {
		p.logger = logger
	}
}

// NewPerProcess creates the policy.
func NewPerProcess(lookup ProcessLookup, opts ...PerProcessOption) *PerProcess {
	p := &PerProcess{
		lookup: lookup,
		owners: make(map[int]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Name implements Policy.
func (p *PerProcess) Name() string {
	return "per-process"
}

// Owner returns the circuit assigned to pid.
func (p *PerProcess) Owner(pid int) (string, bool) {
	id, ok := p.owners[pid]
	return id, ok
}

// ChooseCircuit implements Policy.
func (p *PerProcess) ChooseCircuit(s torstate.Stream, candidates []torstate.Circuit) (Decision, error) {
	if s.SourceAddr == "" {
		return DoNotAttach, fmt.Errorf("%w: stream %s", ErrNoSourceAddress, s.ID)
	}
	proc, err := p.lookup.Lookup(s.SourceAddr)
	if err != nil {
		return DoNotAttach, fmt.Errorf("stream %s: %w", s.ID, err)
	}

	if id, ok := p.owners[proc.PID]; ok {
		if isBuilt(candidates, id) {
			return AttachTo(id), nil
		}
		p.logger.Info("circuit of process is gone, choosing another", "pid", proc.PID, "circuit", id)
		delete(p.owners, proc.PID)
	}

	owned := make(map[string]bool, len(p.owners))
	for _, id := range p.owners {
		owned[id] = true
	}
	for _, c := range candidates {
		if c.State != torstate.CircuitBuilt || owned[c.ID] {
			continue
		}
		p.owners[proc.PID] = c.ID
		p.logger.Info("selected circuit for process", "circuit", c.ID, "pid", proc.PID, "exe", proc.Exe)
		return AttachTo(c.ID), nil
	}
	return DoNotAttach, fmt.Errorf("%w (process %d)", ErrExhausted, proc.PID)
}

func isBuilt(candidates []torstate.Circuit, id string) bool {
	for _, c := range candidates {
		if c.ID == id {
			return c.State == torstate.CircuitBuilt
		}
	}
	return false
}
