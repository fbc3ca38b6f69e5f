package teardown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/correlator"
	"github.com/nao1215/onionctl/internal/store"
	"github.com/nao1215/onionctl/internal/torstate"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency bounds how many teardowns of one batch are in flight.
const defaultConcurrency = 16

// History receives finished teardowns. *store.HistoryDB implements it.
type History interface {
	RecordTeardown(ctx context.Context, rec store.TeardownRecord) error
}

// Session tears down circuits and streams.
type Session struct {
	cmd   control.Commander
	state *torstate.State
	corr  *correlator.Correlator

	history     History
	concurrency int
	clock       clock.Clock
	logger      *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithHistory records every finished teardown.
func WithHistory(h History) Option {
	return func(s *Session) {
		s.history = h
	}
}

// WithConcurrency bounds batch parallelism.
func WithConcurrency(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock sets the clock used for history timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Session) {
		s.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// New creates a teardown Session. state must be fed by the loop that
// drives corr.
func New(cmd control.Commander, state *torstate.State, corr *correlator.Correlator, opts ...Option) *Session {
	s := &Session{
		cmd:         cmd,
		state:       state,
		corr:        corr,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Delete closes circuit id and waits for its CLOSED event. With ifUnused
// Tor only closes the circuit if no stream uses it.
func (s *Session) Delete(ctx context.Context, id string, ifUnused bool) (correlator.Outcome, error) {
	guard := func() error {
		c, ok := s.state.Circuit(id)
		if !ok || c.State == torstate.CircuitClosed {
			return fmt.Errorf("%w: circuit %s", ErrNotFound, id)
		}
		return nil
	}
	out, err := s.run(ctx, id, correlator.KindDelete, guard, func(ctx context.Context) error {
		return s.cmd.CloseCircuit(ctx, id, ifUnused)
	})
	s.record(ctx, correlator.KindDelete, id, ifUnused, out, err)
	return out, err
}

// CloseStream closes stream id and waits for its CLOSED event.
func (s *Session) CloseStream(ctx context.Context, id string) (correlator.Outcome, error) {
	guard := func() error {
		if _, ok := s.state.Stream(id); !ok {
			return fmt.Errorf("%w: stream %s", ErrNotFound, id)
		}
		return nil
	}
	out, err := s.run(ctx, id, correlator.KindClose, guard, func(ctx context.Context) error {
		return s.cmd.CloseStream(ctx, id, control.StreamReasonMisc)
	})
	s.record(ctx, correlator.KindClose, id, false, out, err)
	return out, err
}

// run registers the operation before sending the command, so a terminal
// event that overtakes the reply is never lost.
func (s *Session) run(ctx context.Context, id string, kind correlator.Kind, guard func() error, send func(context.Context) error) (correlator.Outcome, error) {
	op, err := s.corr.Begin(ctx, id, kind, guard)
	if err != nil {
		return correlator.Outcome{Status: correlator.Failed, Err: err}, err
	}

	sendErr := send(ctx)
	var perr *control.ProtocolError
	if sendErr != nil && !errors.As(sendErr, &perr) {
		// Transport failure or cancellation: Tor may never have seen the
		// command, so stop waiting for it.
		s.corr.Release(op)
		return correlator.Outcome{Status: correlator.Failed, Err: sendErr}, sendErr
	}
	s.corr.Acknowledge(op, sendErr)

	return s.corr.Await(ctx, op)
}

// Result is the outcome of one target of a batch.
type Result struct {
	ID      string
	Outcome correlator.Outcome
	Err     error
}

// DeleteAll deletes every circuit in ids concurrently and waits for all of
// them, whatever order they finish in. The returned error combines every
// failure; results keep the order of ids.
func (s *Session) DeleteAll(ctx context.Context, ids []string, ifUnused bool) ([]Result, error) {
	return s.batch(ctx, ids, func(ctx context.Context, id string) (correlator.Outcome, error) {
		return s.Delete(ctx, id, ifUnused)
	})
}

// CloseStreams closes every stream in ids concurrently, like DeleteAll.
func (s *Session) CloseStreams(ctx context.Context, ids []string) ([]Result, error) {
	return s.batch(ctx, ids, s.CloseStream)
}

func (s *Session) batch(ctx context.Context, ids []string, fn func(context.Context, string) (correlator.Outcome, error)) ([]Result, error) {
	results := make([]Result, len(ids))

	// Failures are collected rather than returned to errgroup so one
	// failed target does not cancel the others.
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			out, err := fn(ctx, id)
			results[i] = Result{ID: id, Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	var errs error
	for _, r := range results {
		if r.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.ID, r.Err))
		}
	}
	return results, errs
}

func (s *Session) record(ctx context.Context, kind correlator.Kind, id string, ifUnused bool, out correlator.Outcome, err error) {
	if s.history == nil || errors.Is(err, ErrNotFound) {
		return
	}

	rec := store.TeardownRecord{
		Kind:       kind.String(),
		TargetID:   id,
		IfUnused:   ifUnused,
		Outcome:    out.Status.String(),
		FinishedAt: s.clock.Now(),
	}
	if errors.Is(err, correlator.ErrTimeout) {
		rec.Outcome = "timeout"
	}
	if err != nil {
		rec.Reason = err.Error()
	}
	if herr := s.history.RecordTeardown(context.WithoutCancel(ctx), rec); herr != nil {
		s.logger.Warn("failed to record teardown", "target", id, "error", herr)
	}
}
