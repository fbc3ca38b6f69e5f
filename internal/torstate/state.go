package torstate

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nao1215/onionctl/internal/control"
)

// defaultRecentSize bounds the recent-terminal cache.
const defaultRecentSize = 512

// CircuitHooks receives circuit transitions. Nil fields are skipped.
type CircuitHooks struct {
	// OnNew is called when an event introduces a circuit not yet tracked.
	OnNew func(c Circuit)

	// OnHop is called once per hop appended to a circuit's path. first is
	// true for the first hop of the circuit.
	OnHop func(c Circuit, hop string, first bool)

	// OnStateChange is called after the circuit moved from prev to c.State.
	OnStateChange func(c Circuit, prev CircuitState)
}

// StreamHooks receives stream transitions. Nil fields are skipped.
type StreamHooks struct {
	// OnUnattached is called for every NEW, NEWRESOLVE and DETACHED event,
	// i.e. whenever a stream waits for a circuit.
	OnUnattached func(s Stream)

	// OnStateChange is called after the stream moved from prev to s.State.
	OnStateChange func(s Stream, prev StreamState)
}

// State is the event-fed view of Tor's circuits and streams.
type State struct {
	circuits map[string]*Circuit
	streams  map[string]*Stream
	recent   *lru.Cache[string, Terminal]

	circuitHooks []*CircuitHooks
	streamHooks  []*StreamHooks

	logger     *slog.Logger
	recentSize int
}

// Option configures a State.
type Option func(*State)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *State) {
		s.logger = logger
	}
}

// WithRecentSize sets how many terminal events are remembered after their
// circuit or stream was forgotten.
func WithRecentSize(n int) Option {
	return func(s *State) {
		if n > 0 {
			s.recentSize = n
		}
	}
}

// New creates an empty State.
func New(opts ...Option) (*State, error) {
	s := &State{
		circuits:   make(map[string]*Circuit),
		streams:    make(map[string]*Stream),
		recentSize: defaultRecentSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	recent, err := lru.New[string, Terminal](s.recentSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create recent terminal cache: %w", err)
	}
	s.recent = recent
	return s, nil
}

// Attach subscribes the State to CIRC and STREAM events on bus. The
// returned function detaches it again.
func (s *State) Attach(bus *control.Bus) func() {
	offCirc := bus.Subscribe(control.CategoryCirc, s.ApplyCircuitEvent)
	offStream := bus.Subscribe(control.CategoryStream, s.ApplyStreamEvent)
	return func() {
		offCirc()
		offStream()
	}
}

// AddCircuitHooks registers h and returns a function removing it.
func (s *State) AddCircuitHooks(h *CircuitHooks) func() {
	s.circuitHooks = append(s.circuitHooks, h)
	return func() {
		s.circuitHooks = slices.DeleteFunc(s.circuitHooks, func(x *CircuitHooks) bool { return x == h })
	}
}

// AddStreamHooks registers h and returns a function removing it.
func (s *State) AddStreamHooks(h *StreamHooks) func() {
	s.streamHooks = append(s.streamHooks, h)
	return func() {
		s.streamHooks = slices.DeleteFunc(s.streamHooks, func(x *StreamHooks) bool { return x == h })
	}
}

// Circuit returns a snapshot of a live circuit.
func (s *State) Circuit(id string) (Circuit, bool) {
	c, ok := s.circuits[id]
	if !ok {
		return Circuit{}, false
	}
	return c.Clone(), true
}

// Circuits returns snapshots of all live circuits ordered by ID.
func (s *State) Circuits() []Circuit {
	out := make([]Circuit, 0, len(s.circuits))
	for _, c := range s.circuits {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b Circuit) int { return compareID(a.ID, b.ID) })
	return out
}

// Stream returns a snapshot of a live stream.
func (s *State) Stream(id string) (Stream, bool) {
	st, ok := s.streams[id]
	if !ok {
		return Stream{}, false
	}
	return *st, true
}

// Streams returns snapshots of all live streams ordered by ID.
func (s *State) Streams() []Stream {
	out := make([]Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b Stream) int { return compareID(a.ID, b.ID) })
	return out
}

// Terminal returns the terminal event already observed for a target, if
// any. A live BUILT circuit is reported as a BUILT terminal.
func (s *State) Terminal(cat control.Category, id string) (Terminal, bool) {
	if t, ok := s.recent.Get(terminalKey(cat, id)); ok {
		return t, true
	}
	if cat == control.CategoryCirc {
		if c, ok := s.circuits[id]; ok && c.State == CircuitBuilt {
			return Terminal{Category: cat, ID: id, SubState: control.CircBuilt}, true
		}
	}
	return Terminal{}, false
}

// ApplyCircuitEvent folds one CIRC event into the State.
func (s *State) ApplyCircuitEvent(ev control.Event) {
	if ev.Category != control.CategoryCirc || ev.TargetID == "" {
		return
	}

	c, known := s.circuits[ev.TargetID]
	if !known && (ev.SubState == control.CircFailed || ev.SubState == control.CircClosed) {
		s.remember(ev)
		return
	}
	if !known {
		c = &Circuit{ID: ev.TargetID, State: CircuitNew, Purpose: ev.Purpose}
		s.circuits[ev.TargetID] = c
		snapshot := c.Clone()
		for _, h := range slices.Clone(s.circuitHooks) {
			if h.OnNew != nil {
				h.OnNew(snapshot)
			}
		}
	}
	if ev.Purpose != "" {
		c.Purpose = ev.Purpose
	}

	switch ev.SubState {
	case control.CircLaunched:
		// Nothing beyond registration.
	case control.CircExtended, control.CircGuardWait:
		s.growPath(c, ev.Path)
	case control.CircBuilt:
		if c.State.Terminal() {
			return
		}
		s.growPath(c, ev.Path)
		s.setCircuitState(c, CircuitBuilt)
	case control.CircFailed:
		if c.State == CircuitFailed || c.State == CircuitClosed {
			return
		}
		c.Reason, c.RemoteReason = ev.Reason, ev.RemoteReason
		s.remember(ev)
		s.setCircuitState(c, CircuitFailed)
	case control.CircClosed:
		if c.Reason == "" {
			c.Reason, c.RemoteReason = ev.Reason, ev.RemoteReason
		}
		s.remember(ev)
		delete(s.circuits, c.ID)
		s.setCircuitState(c, CircuitClosed)
	default:
		s.logger.Debug("ignoring circuit sub-state", "circuit", ev.TargetID, "state", ev.SubState)
	}
}

// growPath appends the hops of path beyond what c already has, one at a
// time. Paths are only extended while the circuit is still being built.
func (s *State) growPath(c *Circuit, path []string) {
	if c.State.Terminal() || len(path) <= len(c.Path) {
		return
	}
	for _, hop := range path[len(c.Path):] {
		first := len(c.Path) == 0
		c.Path = append(c.Path, hop)
		if c.State == CircuitNew {
			s.setCircuitState(c, CircuitExtending)
		}
		snapshot := c.Clone()
		for _, h := range slices.Clone(s.circuitHooks) {
			if h.OnHop != nil {
				h.OnHop(snapshot, hop, first)
			}
		}
	}
}

func (s *State) setCircuitState(c *Circuit, next CircuitState) {
	prev := c.State
	if prev == next {
		return
	}
	c.State = next
	snapshot := c.Clone()
	for _, h := range slices.Clone(s.circuitHooks) {
		if h.OnStateChange != nil {
			h.OnStateChange(snapshot, prev)
		}
	}
}

// ApplyStreamEvent folds one STREAM event into the State.
func (s *State) ApplyStreamEvent(ev control.Event) {
	if ev.Category != control.CategoryStream || ev.TargetID == "" {
		return
	}
	next, ok := streamStateFor(ev.SubState)
	if !ok {
		s.logger.Debug("ignoring stream sub-state", "stream", ev.TargetID, "state", ev.SubState)
		return
	}

	st, known := s.streams[ev.TargetID]
	if !known {
		if next == StreamClosed {
			// Closing a stream we never saw still counts for correlation.
			s.remember(ev)
			return
		}
		st = &Stream{ID: ev.TargetID, State: next}
		s.streams[ev.TargetID] = st
	}
	if st.State == StreamFailed && next != StreamClosed {
		return
	}

	prev := st.State
	st.State = next
	st.Target = ev.Target
	if ev.SourceAddr != "" {
		st.SourceAddr = ev.SourceAddr
	}
	if ev.Purpose != "" {
		st.Purpose = ev.Purpose
	}
	switch {
	case ev.SubState == control.StreamDetached:
		st.CircuitID = ""
	case ev.CircuitID != "" && ev.CircuitID != "0":
		st.CircuitID = ev.CircuitID
	}
	if ev.Reason != "" {
		st.Reason = ev.Reason
	}

	if control.IsTerminalStreamState(ev.SubState) {
		s.remember(ev)
	}
	if next == StreamClosed {
		delete(s.streams, st.ID)
	}

	snapshot := *st
	hooks := slices.Clone(s.streamHooks)
	if !known || prev != next {
		for _, h := range hooks {
			if h.OnStateChange != nil {
				h.OnStateChange(snapshot, prev)
			}
		}
	}
	switch ev.SubState {
	case control.StreamNew, control.StreamNewResolve, control.StreamDetached:
		for _, h := range hooks {
			if h.OnUnattached != nil {
				h.OnUnattached(snapshot)
			}
		}
	}
}

// remember records a terminal event. The first FAILED or CLOSED outcome
// for a target wins; a later CLOSED does not hide an earlier FAILED.
func (s *State) remember(ev control.Event) {
	key := terminalKey(ev.Category, ev.TargetID)
	if _, ok := s.recent.Peek(key); ok {
		return
	}
	s.recent.Add(key, Terminal{
		Category:     ev.Category,
		ID:           ev.TargetID,
		SubState:     ev.SubState,
		Reason:       ev.Reason,
		RemoteReason: ev.RemoteReason,
	})
}

// LoadStatus seeds the State from the bodies of GETINFO circuit-status and
// stream-status. Existing entries are replaced; hooks are not called.
func (s *State) LoadStatus(circuitStatus, streamStatus string) error {
	for _, line := range nonEmptyLines(circuitStatus) {
		ev, err := control.ParseCircuitStatus(line)
		if err != nil {
			return fmt.Errorf("failed to parse circuit-status: %w", err)
		}
		c := &Circuit{ID: ev.TargetID, Path: ev.Path, Purpose: ev.Purpose}
		switch ev.SubState {
		case control.CircBuilt:
			c.State = CircuitBuilt
		case control.CircLaunched:
			c.State = CircuitNew
		case control.CircFailed, control.CircClosed:
			continue
		default:
			c.State = CircuitExtending
		}
		s.circuits[c.ID] = c
	}

	for _, line := range nonEmptyLines(streamStatus) {
		ev, err := control.ParseStreamStatus(line)
		if err != nil {
			return fmt.Errorf("failed to parse stream-status: %w", err)
		}
		state, ok := streamStateFor(ev.SubState)
		if !ok || state == StreamClosed {
			continue
		}
		st := &Stream{
			ID:         ev.TargetID,
			State:      state,
			Target:     ev.Target,
			SourceAddr: ev.SourceAddr,
			Purpose:    ev.Purpose,
		}
		if ev.CircuitID != "0" {
			st.CircuitID = ev.CircuitID
		}
		s.streams[st.ID] = st
	}
	return nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func compareID(a, b string) int {
	switch {
	case lessID(a, b):
		return -1
	case lessID(b, a):
		return 1
	default:
		return 0
	}
}
