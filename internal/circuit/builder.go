package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/correlator"
	"github.com/nao1215/onionctl/internal/eventloop"
	"github.com/nao1215/onionctl/internal/store"
	"github.com/nao1215/onionctl/internal/torstate"
)

const (
	// AutoSelector alone lets Tor pick the whole path.
	AutoSelector = "auto"
	// WildcardSelector picks a random guard (first hop) or router.
	WildcardSelector = "*"
)

// ProgressFunc is told about every hop as the circuit extends. It runs on
// the event loop and must not block.
type ProgressFunc func(c torstate.Circuit, hop string, first bool)

// History receives finished builds. *store.HistoryDB implements it.
type History interface {
	RecordBuild(ctx context.Context, rec store.BuildRecord) error
}

// Builder drives circuit builds.
type Builder struct {
	cmd   control.Commander
	loop  *eventloop.Loop
	state *torstate.State
	corr  *correlator.Correlator
	dir   Directory

	history History
	rng     *rand.Rand
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithDirectory overrides the router directory.
func WithDirectory(dir Directory) Option {
	return func(b *Builder) {
		b.dir = dir
	}
}

// WithHistory records every finished build.
func WithHistory(h History) Option {
	return func(b *Builder) {
		b.history = h
	}
}

// WithRand sets the source used for wildcard selectors.
func WithRand(rng *rand.Rand) Option {
	return func(b *Builder) {
		b.rng = rng
	}
}

// WithClock sets the clock used for build timestamps.
func WithClock(clk clock.Clock) Option {
	return func(b *Builder) {
		b.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a Builder. state must be fed by the same loop.
func NewBuilder(cmd control.Commander, loop *eventloop.Loop, state *torstate.State, corr *correlator.Correlator, opts ...Option) *Builder {
	b := &Builder{
		cmd:   cmd,
		loop:  loop,
		state: state,
		corr:  corr,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.dir == nil {
		b.dir = NewConsensusDirectory(cmd)
	}
	if b.rng == nil {
		b.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // path selection for a debugging tool
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Resolve turns selectors into hop identifiers. A nil result means Tor
// chooses the path.
func (b *Builder) Resolve(ctx context.Context, selectors []string) ([]Router, error) {
	if len(selectors) == 0 || (len(selectors) == 1 && strings.EqualFold(selectors[0], AutoSelector)) {
		return nil, nil
	}

	hops := make([]Router, 0, len(selectors))
	for pos, name := range selectors {
		r, err := b.resolveOne(ctx, pos, strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		hops = append(hops, r)
	}
	return hops, nil
}

func (b *Builder) resolveOne(ctx context.Context, pos int, name string) (Router, error) {
	if name == WildcardSelector {
		pool, err := b.dir.Routers(ctx)
		if pos == 0 {
			pool, err = b.dir.Guards(ctx)
		}
		if err != nil {
			return Router{}, err
		}
		if len(pool) == 0 {
			return Router{}, fmt.Errorf("%w at hop %d", ErrNoRouters, pos+1)
		}
		return pool[b.rng.IntN(len(pool))], nil
	}

	r, ok, err := b.dir.Lookup(ctx, name)
	if err != nil {
		return Router{}, err
	}
	if ok {
		return r, nil
	}
	if fp := strings.TrimPrefix(name, "$"); isFingerprint(fp) {
		b.logger.Info("router not in directory, using it as an identity", "hop", pos+1, "id", fp)
		return Router{Fingerprint: strings.ToUpper(fp)}, nil
	}
	return Router{}, &RouterNotFoundError{Name: name, Position: pos}
}

// Build resolves selectors, asks Tor for the circuit and waits until it is
// BUILT. progress may be nil. On failure the returned circuit still holds
// the ID and the hops reached so far, when Tor got that far.
func (b *Builder) Build(ctx context.Context, selectors []string, progress ProgressFunc) (torstate.Circuit, error) {
	hops, err := b.Resolve(ctx, selectors)
	if err != nil {
		return torstate.Circuit{}, err
	}

	var ids []string
	if hops != nil {
		ids = make([]string, len(hops))
		for i, h := range hops {
			ids[i] = h.ID()
		}
	}

	started := b.clock.Now()
	id, err := b.cmd.BuildCircuit(ctx, ids)
	if err != nil {
		return torstate.Circuit{}, fmt.Errorf("failed to request circuit: %w", err)
	}

	var (
		last    = torstate.Circuit{ID: id}
		unwatch func()
	)
	// Registration, hook installation and replay of already-known hops run
	// in one loop task, so no hop is reported twice or missed.
	op, err := b.corr.Begin(ctx, id, correlator.KindBuild, func() error {
		if c, ok := b.state.Circuit(id); ok {
			last = c
			if progress != nil {
				for i, hop := range c.Path {
					progress(c, hop, i == 0)
				}
			}
		}
		unwatch = b.state.AddCircuitHooks(&torstate.CircuitHooks{
			OnHop: func(c torstate.Circuit, hop string, first bool) {
				if c.ID != id {
					return
				}
				last = c
				if progress != nil {
					progress(c, hop, first)
				}
			},
			OnStateChange: func(c torstate.Circuit, _ torstate.CircuitState) {
				if c.ID == id {
					last = c
				}
			},
		})
		return nil
	})
	if err != nil {
		_ = b.loop.Submit(func() { //nolint:errcheck // a stopped loop runs no hooks
			if unwatch != nil {
				unwatch()
			}
		})
		return torstate.Circuit{ID: id}, err
	}
	b.corr.Acknowledge(op, nil)

	_, waitErr := b.corr.Await(ctx, op)

	var result torstate.Circuit
	if err := b.loop.Do(context.WithoutCancel(ctx), func() {
		if unwatch != nil {
			unwatch()
		}
		result = last.Clone()
		if c, ok := b.state.Circuit(id); ok {
			result = c
		}
	}); err != nil {
		result = torstate.Circuit{ID: id}
	}

	b.record(ctx, selectors, result, started, waitErr)
	if waitErr != nil {
		return result, waitErr
	}
	return result, nil
}

func (b *Builder) record(ctx context.Context, selectors []string, c torstate.Circuit, started time.Time, err error) {
	if b.history == nil {
		return
	}

	rec := store.BuildRecord{
		CircuitID:  c.ID,
		Requested:  selectors,
		Path:       c.Path,
		Outcome:    correlator.Succeeded.String(),
		StartedAt:  started,
		FinishedAt: b.clock.Now(),
	}
	var failed *correlator.FailedError
	switch {
	case err == nil:
	case errors.As(err, &failed):
		rec.Outcome = correlator.Failed.String()
		rec.Reason = strings.TrimSpace(failed.Reason + " " + failed.RemoteReason)
	case errors.Is(err, correlator.ErrTimeout):
		rec.Outcome = "timeout"
	default:
		rec.Outcome = correlator.Failed.String()
		rec.Reason = err.Error()
	}

	if err := b.history.RecordBuild(context.WithoutCancel(ctx), rec); err != nil {
		b.logger.Warn("failed to record build", "circuit", c.ID, "error", err)
	}
}

// HopName renders a hop as found in CIRC paths ("$FP~nick" or "$FP") using
// the nickname when present.
func HopName(hop string) string {
	if _, nick, ok := strings.Cut(hop, "~"); ok && nick != "" {
		return nick
	}
	if _, nick, ok := strings.Cut(hop, "="); ok && nick != "" {
		return nick
	}
	return hop
}
