package attach

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/control/controltest"
	"github.com/nao1215/onionctl/internal/eventloop"
	"github.com/nao1215/onionctl/internal/metrics"
	"github.com/nao1215/onionctl/internal/torstate"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type engineHarness struct {
	loop  *eventloop.Loop
	bus   *control.Bus
	state *torstate.State
	tor   *controltest.Controller
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }() //nolint:errcheck // stopped by cleanup
	t.Cleanup(cancel)

	state := newState(t)
	bus := control.NewBus()
	state.Attach(bus)
	return &engineHarness{loop: loop, bus: bus, state: state, tor: controltest.New()}
}

func (h *engineHarness) emit(t *testing.T, bodies ...string) {
	t.Helper()
	for _, body := range bodies {
		ev, err := control.ParseEvent(body)
		if err != nil {
			t.Fatalf("bad test event %q: %v", body, err)
		}
		if err := h.loop.Do(context.Background(), func() { h.bus.Publish(ev) }); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}
}

func waitForCalls(t *testing.T, tor *controltest.Controller, method string, n int) []controltest.Call {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if calls := tor.CallsTo(method); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d %s calls, got %v", n, method, tor.CallsTo(method))
	return nil
}

func TestEnginePinned(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.emit(t, "CIRC 8 BUILT $A~a,$B~b,$C~c PURPOSE=GENERAL")

	var pinned *Pinned
	err := h.loop.Do(context.Background(), func() {
		var err error
		pinned, err = NewPinned(h.state, "8")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
	if err != nil || pinned == nil {
		t.Fatalf("failed to pin circuit: %v", err)
	}

	m := metrics.New()
	engine := NewEngine(h.tor, h.loop, h.state, pinned, WithMetrics(m))
	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.emit(t, "STREAM 21 NEW 0 example.com:443 SOURCE_ADDR=127.0.0.1:1000 PURPOSE=USER")
	calls := waitForCalls(t, h.tor, "ATTACHSTREAM", 1)
	if calls[0].String() != "ATTACHSTREAM 21 8" {
		t.Errorf("expected ATTACHSTREAM 21 8, got %s", calls[0])
	}

	h.emit(t,
		"CIRC 8 CLOSED $A~a,$B~b,$C~c REASON=DESTROYED REMOTE_REASON=OR_CONN_CLOSED",
		"STREAM 22 NEW 0 example.org:80 SOURCE_ADDR=127.0.0.1:1001 PURPOSE=USER",
	)
	if err := engine.Stop(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(h.tor.CallsTo("ATTACHSTREAM")); got != 1 {
		t.Errorf("expected no attach after the circuit closed, got %d calls", got)
	}

	conf := h.tor.CallsTo("SETCONF")
	if len(conf) != 2 || conf[0].Args[0] != "__LeaveStreamsUnattached=1" || conf[1].Args[0] != "__LeaveStreamsUnattached=0" {
		t.Errorf("expected option set then reset, got %v", conf)
	}
	expected := `
# HELP onionctl_attach_decisions_total Stream attachment decisions
# TYPE onionctl_attach_decisions_total counter
onionctl_attach_decisions_total{policy="pinned",result="attached"} 1
onionctl_attach_decisions_total{policy="pinned",result="declined"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "onionctl_attach_decisions_total"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestEnginePerProcessExhausted(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.emit(t, "CIRC 1 BUILT $A~a PURPOSE=GENERAL")

	var (
		mu        sync.Mutex
		decisions []error
	)
	policy := NewPerProcess(fakeLookup{
		"127.0.0.1:1000": {PID: 10},
		"127.0.0.1:2000": {PID: 20},
	})
	engine := NewEngine(h.tor, h.loop, h.state, policy, WithDecisionFunc(func(_ torstate.Stream, _ Decision, err error) {
		mu.Lock()
		decisions = append(decisions, err)
		mu.Unlock()
	}))

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.emit(t,
		"STREAM 1 NEW 0 a.example:443 SOURCE_ADDR=127.0.0.1:1000 PURPOSE=USER",
		"STREAM 2 NEW 0 b.example:443 SOURCE_ADDR=127.0.0.1:2000 PURPOSE=USER",
	)
	if err := engine.Stop(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := h.tor.CallsTo("ATTACHSTREAM")
	if len(calls) != 1 || calls[0].String() != "ATTACHSTREAM 1 1" {
		t.Errorf("expected only stream 1 attached to 1, got %v", calls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(decisions) != 2 || decisions[0] != nil || decisions[1] == nil {
		t.Errorf("expected success then failure, got %v", decisions)
	}
}

func TestEngineHandlesWaitingStreams(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.emit(t,
		"CIRC 3 BUILT $A~a PURPOSE=GENERAL",
		"STREAM 5 NEW 0 example.com:443 SOURCE_ADDR=127.0.0.1:1000 PURPOSE=USER",
	)

	var pinned *Pinned
	if err := h.loop.Do(context.Background(), func() {
		pinned, _ = NewPinned(h.state, "3") //nolint:errcheck // checked below
	}); err != nil || pinned == nil {
		t.Fatalf("failed to pin circuit: %v", err)
	}

	engine := NewEngine(h.tor, h.loop, h.state, pinned)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer engine.Stop(context.Background()) //nolint:errcheck // test cleanup

	calls := waitForCalls(t, h.tor, "ATTACHSTREAM", 1)
	if calls[0].String() != "ATTACHSTREAM 5 3" {
		t.Errorf("expected ATTACHSTREAM 5 3, got %s", calls[0])
	}
}
