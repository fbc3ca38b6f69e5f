package attach

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/eventloop"
	"github.com/nao1215/onionctl/internal/metrics"
	"github.com/nao1215/onionctl/internal/torstate"
)

// leaveUnattached is the option that makes Tor wait for the controller
// before attaching new streams.
const leaveUnattached = "__LeaveStreamsUnattached"

const defaultAttachTimeout = 30 * time.Second

// DecisionFunc observes every policy decision. It runs on the event loop.
type DecisionFunc func(s torstate.Stream, d Decision, err error)

// Engine feeds unattached streams to a Policy and carries out its decisions.
type Engine struct {
	cmd    control.Commander
	loop   *eventloop.Loop
	state  *torstate.State
	policy Policy

	logger     *slog.Logger
	metrics    *metrics.Metrics
	onDecision DecisionFunc
	timeout    time.Duration

	unwatch func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics records decisions in m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithDecisionFunc registers an observer for decisions.
func WithDecisionFunc(fn DecisionFunc) EngineOption {
	return func(e *Engine) {
		e.onDecision = fn
	}
}

// WithAttachTimeout bounds each ATTACHSTREAM command.
func WithAttachTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEngine creates an Engine. Call Start to take over stream attachment.
func NewEngine(cmd control.Commander, loop *eventloop.Loop, state *torstate.State, policy Policy, opts ...EngineOption) *Engine {
	e := &Engine{
		cmd:     cmd,
		loop:    loop,
		state:   state,
		policy:  policy,
		timeout: defaultAttachTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Start asks Tor to leave new streams unattached and begins handling them.
// Streams already waiting when Start is called are handled too.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cmd.SetConf(ctx, leaveUnattached, "1"); err != nil {
		return fmt.Errorf("failed to enable %s: %w", leaveUnattached, err)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e.loop.Do(ctx, func() {
		e.unwatch = e.state.AddStreamHooks(&torstate.StreamHooks{
			OnUnattached: e.handle,
		})
		for _, s := range e.state.Streams() {
			if s.State == torstate.StreamNew && s.CircuitID == "" {
				e.handle(s)
			}
		}
	})
}

// Stop stops handling streams, waits for in-flight attach commands and
// gives stream attachment back to Tor.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	err := e.loop.Do(ctx, func() {
		if e.unwatch != nil {
			e.unwatch()
			e.unwatch = nil
		}
	})
	e.cancel()
	e.wg.Wait()
	if err != nil {
		return err
	}
	if err := e.cmd.SetConf(ctx, leaveUnattached, "0"); err != nil {
		return fmt.Errorf("failed to reset %s: %w", leaveUnattached, err)
	}
	return nil
}

// handle runs on the event loop.
func (e *Engine) handle(s torstate.Stream) {
	d, err := e.policy.ChooseCircuit(s, e.state.Circuits())
	if err != nil {
		d = DoNotAttach
	}
	if e.onDecision != nil {
		e.onDecision(s, d, err)
	}

	switch {
	case err != nil:
		e.logger.Error("not attaching stream", "stream", s.ID, "target", s.Target, "policy", e.policy.Name(), "error", err)
		e.metrics.AttachDecision(e.policy.Name(), "error")
		return
	case !d.Attach():
		e.logger.Info("not attaching stream", "stream", s.ID, "target", s.Target, "policy", e.policy.Name())
		e.metrics.AttachDecision(e.policy.Name(), "declined")
		return
	}

	e.metrics.AttachDecision(e.policy.Name(), "attached")
	e.logger.Debug("attaching stream", "stream", s.ID, "circuit", d.CircuitID(), "target", s.Target)
	e.wg.Add(1)
	go e.attach(s.ID, d.CircuitID())
}

func (e *Engine) attach(stream, circuit string) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()
	if err := e.cmd.AttachStream(ctx, stream, circuit); err != nil {
		e.logger.Warn("failed to attach stream", "stream", stream, "circuit", circuit, "error", err)
	}
}
