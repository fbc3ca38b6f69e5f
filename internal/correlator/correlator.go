package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/benbjohnson/clock"
	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/eventloop"
	"github.com/nao1215/onionctl/internal/metrics"
	"github.com/nao1215/onionctl/internal/torstate"
)

// TerminalLookup reports terminal events that were observed before an
// operation was registered. *torstate.State implements it.
type TerminalLookup interface {
	Terminal(cat control.Category, id string) (torstate.Terminal, bool)
}

// Correlator owns the registry of pending operations.
type Correlator struct {
	loop    *eventloop.Loop
	lookup  TerminalLookup
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger

	// Loop-owned.
	pending map[string][]*Operation
	fatal   error
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTerminalLookup lets Begin resolve operations whose terminal event
// already happened.
func WithTerminalLookup(lookup TerminalLookup) Option {
	return func(c *Correlator) {
		c.lookup = lookup
	}
}

// WithMetrics records operation counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Correlator) {
		c.metrics = m
	}
}

// WithClock overrides the clock used for operation durations.
func WithClock(clk clock.Clock) Option {
	return func(c *Correlator) {
		c.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// New creates a Correlator driven by loop.
func New(loop *eventloop.Loop, opts ...Option) *Correlator {
	c := &Correlator{
		loop:    loop,
		pending: make(map[string][]*Operation),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Attach subscribes the correlator to CIRC and STREAM events on bus. It
// must be attached after the State feeding its TerminalLookup, so the state
// is up to date when an operation resolves.
func (c *Correlator) Attach(bus *control.Bus) func() {
	offCirc := bus.Subscribe(control.CategoryCirc, c.OnEvent)
	offStream := bus.Subscribe(control.CategoryStream, c.OnEvent)
	return func() {
		offCirc()
		offStream()
	}
}

// Begin registers an operation for target. guard, if not nil, runs on the
// loop immediately before registration; an error from it aborts Begin
// without registering anything. Both happen in one loop task, so nothing
// can change between the check and the registration. If ctx ends before
// the task runs, neither guard nor registration happens.
func (c *Correlator) Begin(ctx context.Context, target string, kind Kind, guard func() error) (*Operation, error) {
	var (
		op  *Operation
		err error
	)
	doErr := c.loop.Do(ctx, func() {
		if err = ctx.Err(); err != nil {
			return
		}
		if c.fatal != nil {
			err = c.fatal
			return
		}
		if guard != nil {
			if err = guard(); err != nil {
				return
			}
		}

		op = newOperation(target, kind, c.clock.Now())
		c.metrics.OperationStarted(kind.String())

		if c.lookup != nil {
			if t, ok := c.lookup.Terminal(kind.category(), target); ok && c.settle(op, t.SubState, t.Reason, t.RemoteReason) {
				return
			}
		}
		key := registryKey(kind.category(), target)
		c.pending[key] = append(c.pending[key], op)
	})
	if doErr != nil {
		// The task may be running right now; drop whatever it registered.
		_ = c.loop.Submit(func() { //nolint:errcheck // a stopped loop holds no registrations
			if op != nil && c.unregister(op) {
				c.metrics.OperationReleased()
			}
		})
		return nil, doErr
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("operation started", "op", op.ID, "kind", kind, "target", target)
	return op, nil
}

// Acknowledge reports the synchronous reply to op's command. A nil err
// only marks the operation acknowledged. A non-nil err resolves it FAILED
// unless its terminal event was already seen, in which case the event's
// outcome stands.
func (c *Correlator) Acknowledge(op *Operation, err error) {
	submitErr := c.loop.Submit(func() {
		op.acknowledged = true
		if err == nil || op.terminalSeen {
			return
		}
		if c.finish(op, Outcome{Status: Failed, Err: err}, "reply") {
			c.unregister(op)
		}
	})
	if submitErr != nil && err != nil {
		// The loop is gone; nothing else can resolve op.
		op.resolve(Outcome{Status: Failed, Err: err})
	}
}

// Await waits for op to resolve. If ctx ends first the operation is
// released and the error wraps ErrTimeout (deadline) or the context error
// (cancellation). A FAILED outcome is returned as the error.
func (c *Correlator) Await(ctx context.Context, op *Operation) (Outcome, error) {
	select {
	case <-op.done:
		out := op.outcome
		return out, out.Err
	case <-ctx.Done():
		c.Release(op)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{Status: Pending}, fmt.Errorf("%w: %s %s", ErrTimeout, op.Kind, op.Target)
		}
		return Outcome{Status: Pending}, ctx.Err()
	}
}

// Release forgets op without resolving it. Tor's state still changes as
// commanded; only the local waiter is dropped.
func (c *Correlator) Release(op *Operation) {
	_ = c.loop.Submit(func() { //nolint:errcheck // a stopped loop holds no registrations
		select {
		case <-op.done:
			return
		default:
		}
		if c.unregister(op) {
			c.metrics.OperationReleased()
			c.logger.Debug("operation released", "op", op.ID, "kind", op.Kind, "target", op.Target)
		}
	})
}

// OnEvent resolves pending operations a terminal event completes. It must
// run on the loop.
func (c *Correlator) OnEvent(ev control.Event) {
	key := registryKey(ev.Category, ev.TargetID)
	ops := c.pending[key]
	if len(ops) == 0 {
		return
	}

	remaining := ops[:0]
	for _, op := range ops {
		if !c.settle(op, ev.SubState, ev.Reason, ev.RemoteReason) {
			remaining = append(remaining, op)
		}
	}
	if len(remaining) == 0 {
		delete(c.pending, key)
		return
	}
	c.pending[key] = remaining
}

// FailAll resolves every pending operation FAILED with err and makes later
// Begin calls fail with it. Used when the control connection is lost.
func (c *Correlator) FailAll(ctx context.Context, err error) error {
	return c.loop.Do(ctx, func() {
		c.fatal = err
		for key, ops := range c.pending {
			for _, op := range ops {
				c.finish(op, Outcome{Status: Failed, Err: err}, "connection")
			}
			delete(c.pending, key)
		}
	})
}

// Pending returns the number of registered operations. Loop only.
func (c *Correlator) Pending() int {
	n := 0
	for _, ops := range c.pending {
		n += len(ops)
	}
	return n
}

// settle applies a terminal sub-state to op if it is one op waits for, and
// reports whether op resolved.
func (c *Correlator) settle(op *Operation, subState, reason, remoteReason string) bool {
	status, ok := outcomeFor(op.Kind, subState)
	if !ok {
		return false
	}
	op.terminalSeen = true

	out := Outcome{Status: status}
	if status == Failed {
		out.Err = &FailedError{
			Kind:         op.Kind,
			Target:       op.Target,
			SubState:     subState,
			Reason:       reason,
			RemoteReason: remoteReason,
		}
	}
	c.finish(op, out, "event")
	return true
}

func (c *Correlator) finish(op *Operation, out Outcome, source string) bool {
	if !op.resolve(out) {
		return false
	}
	c.metrics.OperationResolved(op.Kind.String(), out.Status.String(), source, c.clock.Since(op.started))
	c.logger.Debug("operation resolved",
		"op", op.ID, "kind", op.Kind, "target", op.Target,
		"outcome", out.Status, "source", source, "acknowledged", op.acknowledged)
	return true
}

func (c *Correlator) unregister(op *Operation) bool {
	key := registryKey(op.Kind.category(), op.Target)
	ops := c.pending[key]
	i := slices.Index(ops, op)
	if i < 0 {
		return false
	}
	ops = slices.Delete(ops, i, i+1)
	if len(ops) == 0 {
		delete(c.pending, key)
	} else {
		c.pending[key] = ops
	}
	return true
}

// outcomeFor maps a terminal sub-state to the outcome it means for kind.
// Sub-states a kind does not wait for report ok == false.
func outcomeFor(kind Kind, subState string) (Status, bool) {
	switch kind {
	case KindBuild:
		switch subState {
		case control.CircBuilt:
			return Succeeded, true
		case control.CircFailed, control.CircClosed:
			return Failed, true
		}
	case KindDelete:
		if subState == control.CircClosed || subState == control.CircFailed {
			return Succeeded, true
		}
	case KindClose:
		if subState == control.StreamClosed || subState == control.StreamFailed {
			return Succeeded, true
		}
	}
	return Pending, false
}

func registryKey(cat control.Category, id string) string {
	return string(cat) + ":" + id
}
