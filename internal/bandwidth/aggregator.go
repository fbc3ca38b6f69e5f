package bandwidth

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/metrics"
)

// TotalID is the window fed by connection-wide BW events.
const TotalID = "BW"

// Summary describes a window when it is torn down.
type Summary struct {
	ID       string
	Read     int64
	Written  int64
	Duration time.Duration
	Rate     Rate
}

// BucketFunc receives every bucket compacted out of a window.
type BucketFunc func(id string, b Bucket)

// CloseFunc receives the summary of a window being removed.
type CloseFunc func(s Summary)

// EndedFunc reports whether the stream id has already closed or failed.
type EndedFunc func(id string) bool

type tracked struct {
	window *Window
	first  time.Time
	last   time.Time
	subs   []*Subscription
}

// Aggregator tracks one Window per stream. It must only be used from the
// event loop.
type Aggregator struct {
	maxLive   int
	rollUp    int
	retention int

	windows map[string]*tracked

	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onBucket BucketFunc
	onClose  CloseFunc
	ended    EndedFunc
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWindowSize sets maxLive, rollUp and retention for new windows.
func WithWindowSize(maxLive, rollUp, retention int) Option {
	return func(a *Aggregator) {
		a.maxLive, a.rollUp, a.retention = maxLive, rollUp, retention
	}
}

// WithClock sets the clock used for samples without a timestamp.
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) {
		a.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithMetrics records samples and compactions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// WithBucketFunc registers a receiver for compacted buckets.
func WithBucketFunc(fn BucketFunc) Option {
	return func(a *Aggregator) {
		a.onBucket = fn
	}
}

// WithCloseFunc registers a receiver for window summaries.
func WithCloseFunc(fn CloseFunc) Option {
	return func(a *Aggregator) {
		a.onClose = fn
	}
}

// WithEndedLookup lets the Aggregator refuse windows for streams that are
// already gone, which no later event would remove.
func WithEndedLookup(fn EndedFunc) Option {
	return func(a *Aggregator) {
		a.ended = fn
	}
}

// NewAggregator creates an Aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		maxLive:   DefaultMaxLive,
		rollUp:    DefaultRollUp,
		retention: DefaultRetention,
		windows:   make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Attach subscribes the Aggregator to STREAM, STREAM_BW and BW events.
// New streams get a window, closed or failed streams are removed.
func (a *Aggregator) Attach(bus *control.Bus) func() {
	offs := []func(){
		bus.Subscribe(control.CategoryStreamBW, func(ev control.Event) {
			a.AddSample(ev.TargetID, ev.BytesRead, ev.BytesWritten, ev.Time)
		}),
		bus.Subscribe(control.CategoryBW, func(ev control.Event) {
			a.AddSample(TotalID, ev.BytesRead, ev.BytesWritten, ev.Time)
		}),
		bus.Subscribe(control.CategoryStream, a.onStream),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (a *Aggregator) onStream(ev control.Event) {
	switch ev.SubState {
	case control.StreamNew, control.StreamNewResolve:
		a.track(ev.TargetID)
	case control.StreamClosed, control.StreamFailed:
		a.Remove(ev.TargetID)
	}
}

// gone reports whether id has no window and its stream already ended.
func (a *Aggregator) gone(id string) bool {
	if id == TotalID || a.ended == nil {
		return false
	}
	if _, ok := a.windows[id]; ok {
		return false
	}
	return a.ended(id)
}

func (a *Aggregator) track(id string) *tracked {
	t, ok := a.windows[id]
	if !ok {
		t = &tracked{window: NewWindow(a.maxLive, a.rollUp, a.retention)}
		a.windows[id] = t
		a.metrics.SetTrackedWindows(len(a.windows))
	}
	return t
}

// AddSample appends a sample to the window of id, creating it if needed.
// A zero ts means now.
func (a *Aggregator) AddSample(id string, read, written int64, ts time.Time) {
	if id == "" || a.gone(id) {
		return
	}
	if ts.IsZero() {
		ts = a.clock.Now()
	}

	t := a.track(id)
	if t.first.IsZero() {
		t.first = ts
	}
	t.last = ts
	a.metrics.BandwidthSample(read, written)

	if b, ok := t.window.Add(Sample{Time: ts, Read: read, Written: written}); ok {
		a.metrics.BucketCompacted()
		if a.onBucket != nil {
			a.onBucket(id, b)
		}
	}

	rate := t.window.Rate()
	for _, sub := range t.subs {
		sub.deliver(rate)
	}
}

// Rate returns the current rate of id.
func (a *Aggregator) Rate(id string) (Rate, bool) {
	t, ok := a.windows[id]
	if !ok {
		return Rate{}, false
	}
	return t.window.Rate(), true
}

// BytesTotal returns the bytes seen for id since its window was created.
func (a *Aggregator) BytesTotal(id string) (read, written int64, ok bool) {
	t, ok := a.windows[id]
	if !ok {
		return 0, 0, false
	}
	read, written = t.window.BytesTotal()
	return read, written, true
}

// Window returns the window of id.
func (a *Aggregator) Window(id string) (*Window, bool) {
	t, ok := a.windows[id]
	if !ok {
		return nil, false
	}
	return t.window, true
}

// IDs returns the tracked ids.
func (a *Aggregator) IDs() []string {
	ids := make([]string, 0, len(a.windows))
	for id := range a.windows {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a new subscription to the rate of id. Each sample
// delivers the updated rate; a slow reader only sees the latest one. The
// subscription ends when id is removed. Subscribing to a stream that has
// already ended returns a closed subscription.
func (a *Aggregator) Subscribe(id string) *Subscription {
	sub := newSubscription(id)
	if a.gone(id) {
		sub.close()
		return sub
	}
	t := a.track(id)
	t.subs = append(t.subs, sub)
	return sub
}

// Unsubscribe ends sub early.
func (a *Aggregator) Unsubscribe(sub *Subscription) {
	t, ok := a.windows[sub.id]
	if !ok {
		return
	}
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			sub.close()
			return
		}
	}
}

// Remove drops the window of id, ends its subscriptions and returns its
// summary.
func (a *Aggregator) Remove(id string) (Summary, bool) {
	t, ok := a.windows[id]
	if !ok {
		return Summary{}, false
	}
	delete(a.windows, id)
	a.metrics.SetTrackedWindows(len(a.windows))

	for _, sub := range t.subs {
		sub.close()
	}

	read, written := t.window.BytesTotal()
	s := Summary{
		ID:       id,
		Read:     read,
		Written:  written,
		Duration: t.last.Sub(t.first),
		Rate:     t.window.Rate(),
	}
	if a.onClose != nil {
		a.onClose(s)
	}
	a.logger.Debug("bandwidth window closed", "id", id, "read", read, "written", written, "duration", s.Duration)
	return s, true
}
