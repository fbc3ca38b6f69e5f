package attach

import (
	"errors"
	"testing"

	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/torstate"
)

func newState(t *testing.T, bodies ...string) *torstate.State {
	t.Helper()

	state, err := torstate.New()
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	apply(t, state, bodies...)
	return state
}

func apply(t *testing.T, state *torstate.State, bodies ...string) {
	t.Helper()
	for _, body := range bodies {
		ev, err := control.ParseEvent(body)
		if err != nil {
			t.Fatalf("bad test event %q: %v", body, err)
		}
		switch ev.Category {
		case control.CategoryCirc:
			state.ApplyCircuitEvent(ev)
		case control.CategoryStream:
			state.ApplyStreamEvent(ev)
		}
	}
}

func TestPinned(t *testing.T) {
	t.Parallel()

	t.Run("unknown circuit", func(t *testing.T) {
		t.Parallel()

		state := newState(t)
		if _, err := NewPinned(state, "9"); !errors.Is(err, ErrCircuitNotFound) {
			t.Errorf("expected ErrCircuitNotFound, got %v", err)
		}
	})

	t.Run("attaches until the circuit closes", func(t *testing.T) {
		t.Parallel()

		state := newState(t, "CIRC 4 BUILT $A~a,$B~b,$C~c PURPOSE=GENERAL")
		p, err := NewPinned(state, "4")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer p.Release()

		d, err := p.ChooseCircuit(torstate.Stream{ID: "1"}, state.Circuits())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Attach() || d.CircuitID() != "4" {
			t.Errorf("expected attach to 4, got %+v", d)
		}

		apply(t, state, "CIRC 4 CLOSED $A~a,$B~b,$C~c REASON=FINISHED")
		if !p.Closed() {
			t.Error("expected policy to notice the closed circuit")
		}

		// Another BUILT circuit must not be used as a fallback.
		apply(t, state, "CIRC 5 BUILT $D~d PURPOSE=GENERAL")
		d, err = p.ChooseCircuit(torstate.Stream{ID: "2"}, state.Circuits())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Attach() {
			t.Errorf("expected DoNotAttach, got circuit %s", d.CircuitID())
		}
	})

	t.Run("other circuits closing are ignored", func(t *testing.T) {
		t.Parallel()

		state := newState(t,
			"CIRC 4 BUILT $A~a PURPOSE=GENERAL",
			"CIRC 6 BUILT $B~b PURPOSE=GENERAL",
		)
		p, err := NewPinned(state, "4")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer p.Release()

		apply(t, state, "CIRC 6 CLOSED $B~b REASON=FINISHED")
		if p.Closed() {
			t.Error("expected pinned circuit to stay open")
		}
	})
}

type fakeLookup map[string]Process

func (f fakeLookup) Lookup(addr string) (Process, error) {
	p, ok := f[addr]
	if !ok {
		return Process{}, ErrProcessNotFound
	}
	return p, nil
}

func TestPerProcess(t *testing.T) {
	t.Parallel()

	lookup := fakeLookup{
		"127.0.0.1:1000": {PID: 10, Exe: "/usr/bin/curl"},
		"127.0.0.1:1001": {PID: 10, Exe: "/usr/bin/curl"},
		"127.0.0.1:2000": {PID: 20, Exe: "/usr/bin/wget"},
		"127.0.0.1:3000": {PID: 30, Exe: "/usr/bin/git"},
	}
	stream := func(id, src string) torstate.Stream {
		return torstate.Stream{ID: id, State: torstate.StreamNew, SourceAddr: src}
	}

	t.Run("one circuit per process", func(t *testing.T) {
		t.Parallel()

		state := newState(t,
			"CIRC 3 EXTENDED $A~a PURPOSE=GENERAL",
			"CIRC 7 BUILT $B~b PURPOSE=GENERAL",
			"CIRC 12 BUILT $C~c PURPOSE=GENERAL",
		)
		p := NewPerProcess(lookup)

		first, err := p.ChooseCircuit(stream("1", "127.0.0.1:1000"), state.Circuits())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first.CircuitID() != "7" {
			t.Errorf("expected lowest BUILT circuit 7, got %s", first.CircuitID())
		}

		again, err := p.ChooseCircuit(stream("2", "127.0.0.1:1001"), state.Circuits())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again.CircuitID() != "7" {
			t.Errorf("expected same process to reuse 7, got %s", again.CircuitID())
		}

		other, err := p.ChooseCircuit(stream("3", "127.0.0.1:2000"), state.Circuits())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if other.CircuitID() != "12" {
			t.Errorf("expected second process on 12, got %s", other.CircuitID())
		}

		_, err = p.ChooseCircuit(stream("4", "127.0.0.1:3000"), state.Circuits())
		if !errors.Is(err, ErrExhausted) {
			t.Errorf("expected ErrExhausted, got %v", err)
		}
	})

	t.Run("process moves on when its circuit closes", func(t *testing.T) {
		t.Parallel()

		state := newState(t,
			"CIRC 1 BUILT $A~a PURPOSE=GENERAL",
			"CIRC 2 BUILT $B~b PURPOSE=GENERAL",
		)
		p := NewPerProcess(lookup)

		if _, err := p.ChooseCircuit(stream("1", "127.0.0.1:1000"), state.Circuits()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		apply(t, state, "CIRC 1 CLOSED $A~a REASON=FINISHED")

		d, err := p.ChooseCircuit(stream("2", "127.0.0.1:1000"), state.Circuits())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.CircuitID() != "2" {
			t.Errorf("expected circuit 2, got %s", d.CircuitID())
		}
		if owner, _ := p.Owner(10); owner != "2" {
			t.Errorf("expected pid 10 to own 2, got %s", owner)
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		t.Parallel()

		state := newState(t, "CIRC 1 BUILT $A~a PURPOSE=GENERAL")
		p := NewPerProcess(lookup)

		if _, err := p.ChooseCircuit(stream("1", ""), state.Circuits()); !errors.Is(err, ErrNoSourceAddress) {
			t.Errorf("expected ErrNoSourceAddress, got %v", err)
		}
		if _, err := p.ChooseCircuit(stream("2", "127.0.0.1:9"), state.Circuits()); !errors.Is(err, ErrProcessNotFound) {
			t.Errorf("expected ErrProcessNotFound, got %v", err)
		}
	})
}
