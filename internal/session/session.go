package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nao1215/onionctl/internal/attach"
	"github.com/nao1215/onionctl/internal/bandwidth"
	"github.com/nao1215/onionctl/internal/circuit"
	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/correlator"
	"github.com/nao1215/onionctl/internal/eventloop"
	"github.com/nao1215/onionctl/internal/metrics"
	"github.com/nao1215/onionctl/internal/store"
	"github.com/nao1215/onionctl/internal/teardown"
	"github.com/nao1215/onionctl/internal/torstate"
	"golang.org/x/sync/errgroup"
)

// Transport is a control connection: the command primitives plus the
// event stream and its end.
type Transport interface {
	control.Commander
	SetEventHandler(h control.EventHandler)
	Done() <-chan struct{}
	Err() error
}

// ErrNotStarted is returned when the session is used before Start.
var ErrNotStarted = errors.New("session not started")

// WindowSize configures bandwidth windows.
type WindowSize struct {
	MaxLive   int
	RollUp    int
	Retention int
}

// Session is one orchestration session over a control connection.
type Session struct {
	tr      Transport
	loop    *eventloop.Loop
	bus     *control.Bus
	state   *torstate.State
	corr    *correlator.Correlator
	builder *circuit.Builder
	td      *teardown.Session
	bw      *bandwidth.Aggregator

	history  *store.HistoryDB
	recorder *bandwidth.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    clock.Clock
	window   WindowSize
	events   []control.Category
	dir      circuit.Directory
	onClose  bandwidth.CloseFunc

	// loaded and backlog are owned by the event loop. Events are held in
	// backlog until the status snapshot has been applied.
	loaded  bool
	backlog []control.Event

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics records into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithHistory stores build, teardown and bandwidth history in h.
func WithHistory(h *store.HistoryDB) Option {
	return func(s *Session) {
		s.history = h
	}
}

// WithClock sets the clock used by the correlator and bandwidth.
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithWindowSize sets the bandwidth window size.
func WithWindowSize(w WindowSize) Option {
	return func(s *Session) {
		s.window = w
	}
}

// WithDirectory sets the router directory used to resolve hop names.
func WithDirectory(dir circuit.Directory) Option {
	return func(s *Session) {
		s.dir = dir
	}
}

// WithBandwidthSummary receives the summary of every bandwidth window
// when its stream closes. It runs on the event loop.
func WithBandwidthSummary(fn bandwidth.CloseFunc) Option {
	return func(s *Session) {
		s.onClose = fn
	}
}

// WithEvents subscribes to extra event categories from the start.
func WithEvents(categories ...control.Category) Option {
	return func(s *Session) {
		s.events = append(s.events, categories...)
	}
}

// New builds a Session over tr. Call Start before using it.
func New(tr Transport, opts ...Option) (*Session, error) {
	s := &Session{tr: tr}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}

	state, err := torstate.New(torstate.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.state = state
	s.loop = eventloop.New(eventloop.WithLogger(s.logger))
	s.bus = control.NewBus()
	s.state.Attach(s.bus)

	s.corr = correlator.New(s.loop,
		correlator.WithTerminalLookup(s.state),
		correlator.WithMetrics(s.metrics),
		correlator.WithClock(s.clock),
		correlator.WithLogger(s.logger),
	)
	s.corr.Attach(s.bus)

	builderOpts := []circuit.Option{circuit.WithClock(s.clock), circuit.WithLogger(s.logger)}
	teardownOpts := []teardown.Option{teardown.WithClock(s.clock), teardown.WithLogger(s.logger)}
	bwOpts := []bandwidth.Option{
		bandwidth.WithWindowSize(s.window.MaxLive, s.window.RollUp, s.window.Retention),
		bandwidth.WithClock(s.clock),
		bandwidth.WithLogger(s.logger),
		bandwidth.WithMetrics(s.metrics),
		bandwidth.WithEndedLookup(func(id string) bool {
			_, ok := s.state.Terminal(control.CategoryStream, id)
			return ok
		}),
	}
	if s.dir != nil {
		builderOpts = append(builderOpts, circuit.WithDirectory(s.dir))
	}
	if s.history != nil {
		builderOpts = append(builderOpts, circuit.WithHistory(s.history))
		teardownOpts = append(teardownOpts, teardown.WithHistory(s.history))
		s.recorder = bandwidth.NewRecorder(s.history, s.logger)
		bwOpts = append(bwOpts, bandwidth.WithBucketFunc(s.recorder.Record))
	}
	if s.onClose != nil {
		bwOpts = append(bwOpts, bandwidth.WithCloseFunc(s.onClose))
	}

	s.builder = circuit.NewBuilder(tr, s.loop, s.state, s.corr, builderOpts...)
	s.td = teardown.New(tr, s.state, s.corr, teardownOpts...)
	s.bw = bandwidth.NewAggregator(bwOpts...)
	s.bw.Attach(s.bus)
	return s, nil
}

// Start runs the event loop, subscribes to events and loads the circuits
// and streams Tor already has.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel, s.group = cancel, g

	g.Go(func() error {
		if err := s.loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if s.recorder != nil {
		g.Go(func() error { return s.recorder.Run(gctx) })
	}
	g.Go(func() error { return s.watch(gctx) })

	s.tr.SetEventHandler(s.dispatch)

	if err := s.bootstrap(ctx); err != nil {
		_ = s.Close(context.Background()) //nolint:errcheck // already failing
		return err
	}
	return nil
}

// bootstrap subscribes before reading the status snapshot. Events that
// arrive meanwhile are held back and published in order once the snapshot
// is applied, so a later event always wins over the snapshot.
func (s *Session) bootstrap(ctx context.Context) error {
	if err := s.syncEvents(ctx); err != nil {
		return err
	}

	info, err := s.tr.GetInfo(ctx, "circuit-status", "stream-status")
	if err != nil {
		return fmt.Errorf("failed to read tor status: %w", err)
	}
	var loadErr error
	if err := s.loop.Do(ctx, func() {
		if loadErr = s.state.LoadStatus(info["circuit-status"], info["stream-status"]); loadErr != nil {
			return
		}
		s.loaded = true
		backlog := s.backlog
		s.backlog = nil
		for _, ev := range backlog {
			s.bus.Publish(ev)
		}
	}); err != nil {
		return err
	}
	if loadErr != nil {
		return loadErr
	}
	s.logger.Debug("session started", "circuits", len(s.Circuits(ctx)), "streams", len(s.Streams(ctx)))
	return nil
}

func (s *Session) dispatch(ev control.Event) {
	if err := s.loop.Submit(func() { s.publish(ev) }); err != nil {
		s.logger.Debug("dropping event, session is closed", "category", ev.Category, "target", ev.TargetID)
	}
}

func (s *Session) publish(ev control.Event) {
	if !s.loaded {
		s.backlog = append(s.backlog, ev)
		return
	}
	s.bus.Publish(ev)
}

func (s *Session) watch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.tr.Done():
	}

	cause := s.tr.Err()
	s.logger.Error("control connection lost", "error", cause)
	failCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.corr.FailAll(failCtx, control.ErrConnectionLost); err != nil {
		s.logger.Warn("failed to fail pending operations", "error", err)
	}
	if cause == nil {
		cause = control.ErrConnectionLost
	}
	return fmt.Errorf("session ended: %w", cause)
}

// Wait blocks until the session ends and returns why.
func (s *Session) Wait() error {
	if s.group == nil {
		return ErrNotStarted
	}
	return s.group.Wait()
}

// Done is closed when the control connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.tr.Done()
}

// Close stops the session. Event subscriptions are cleared on a best
// effort basis.
func (s *Session) Close(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	select {
	case <-s.tr.Done():
	default:
		if err := s.tr.SetEvents(ctx); err != nil {
			s.logger.Debug("failed to clear event subscriptions", "error", err)
		}
	}
	s.cancel()
	err := s.group.Wait()
	if errors.Is(err, control.ErrConnectionLost) {
		return nil
	}
	return err
}

// Listen subscribes fn to categories and updates Tor's event mask. fn
// runs on the event loop. The returned function unsubscribes.
func (s *Session) Listen(ctx context.Context, fn control.Listener, categories ...control.Category) (func(), error) {
	var offs []func()
	if err := s.loop.Do(ctx, func() {
		for _, cat := range categories {
			offs = append(offs, s.bus.Subscribe(cat, fn))
		}
	}); err != nil {
		return nil, err
	}
	if err := s.syncEvents(ctx); err != nil {
		return nil, err
	}
	return func() {
		_ = s.loop.Submit(func() { //nolint:errcheck // nothing to undo once the loop has stopped
			for _, off := range offs {
				off()
			}
		})
	}, nil
}

func (s *Session) syncEvents(ctx context.Context) error {
	var cats []control.Category
	if err := s.loop.Do(ctx, func() { cats = s.bus.Categories() }); err != nil {
		return err
	}
	for _, cat := range s.events {
		if !slices.Contains(cats, cat) {
			cats = append(cats, cat)
		}
	}
	if err := s.tr.SetEvents(ctx, cats...); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	return nil
}

// Build builds a circuit. See circuit.Builder.Build.
func (s *Session) Build(ctx context.Context, selectors []string, progress circuit.ProgressFunc) (torstate.Circuit, error) {
	return s.builder.Build(ctx, selectors, progress)
}

// DeleteCircuits closes circuits concurrently and waits for all of them.
func (s *Session) DeleteCircuits(ctx context.Context, ids []string, ifUnused bool) ([]teardown.Result, error) {
	return s.td.DeleteAll(ctx, ids, ifUnused)
}

// CloseStreams closes streams concurrently and waits for all of them.
func (s *Session) CloseStreams(ctx context.Context, ids []string) ([]teardown.Result, error) {
	return s.td.CloseStreams(ctx, ids)
}

// Circuits returns the tracked circuits. It returns nil if the loop has
// stopped.
func (s *Session) Circuits(ctx context.Context) []torstate.Circuit {
	var out []torstate.Circuit
	_ = s.loop.Do(ctx, func() { out = s.state.Circuits() }) //nolint:errcheck // nil on a stopped loop
	return out
}

// Streams returns the tracked streams. It returns nil if the loop has
// stopped.
func (s *Session) Streams(ctx context.Context) []torstate.Stream {
	var out []torstate.Stream
	_ = s.loop.Do(ctx, func() { out = s.state.Streams() }) //nolint:errcheck // nil on a stopped loop
	return out
}

// Pin creates a Pinned policy for circuitID.
func (s *Session) Pin(ctx context.Context, circuitID string) (*attach.Pinned, error) {
	var (
		p   *attach.Pinned
		err error
	)
	if doErr := s.loop.Do(ctx, func() {
		p, err = attach.NewPinned(s.state, circuitID, attach.WithPinnedLogger(s.logger))
	}); doErr != nil {
		return nil, doErr
	}
	return p, err
}

// StartAttacher takes over stream attachment with policy.
func (s *Session) StartAttacher(ctx context.Context, policy attach.Policy, opts ...attach.EngineOption) (*attach.Engine, error) {
	opts = append([]attach.EngineOption{attach.WithLogger(s.logger), attach.WithMetrics(s.metrics)}, opts...)
	e := attach.NewEngine(s.tr, s.loop, s.state, policy, opts...)
	if err := e.Start(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// SubscribeBandwidth follows the rate of stream id.
func (s *Session) SubscribeBandwidth(ctx context.Context, id string) (*bandwidth.Subscription, error) {
	var sub *bandwidth.Subscription
	if err := s.loop.Do(ctx, func() { sub = s.bw.Subscribe(id) }); err != nil {
		return nil, err
	}
	return sub, nil
}

// Do runs fn on the event loop and waits for it.
func (s *Session) Do(ctx context.Context, fn func()) error {
	return s.loop.Do(ctx, fn)
}

// Commander returns the underlying command primitives.
func (s *Session) Commander() control.Commander {
	return s.tr
}

// State returns the tracked state. Use it from the event loop only.
func (s *Session) State() *torstate.State {
	return s.state
}

// Bandwidth returns the aggregator. Use it from the event loop only.
func (s *Session) Bandwidth() *bandwidth.Aggregator {
	return s.bw
}

// Correlator returns the operation correlator.
func (s *Session) Correlator() *correlator.Correlator {
	return s.corr
}

// Metrics returns the collectors, which may be nil.
func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics
}
