package drain

import (
	"sync"

	"github.com/nao1215/onionctl/internal/metrics"
)

// Request is an in-flight request that can be told to close its
// connection when it responds.
type Request interface {
	CloseConnection()
}

// Limiter tracks requests and connections of one server. It is safe for
// concurrent use by net/http handler goroutines.
type Limiter struct {
	mu                sync.Mutex
	activeConnections int
	activeRequests    map[Request]struct{}
	requestCount      int64
	maxRequests       int64
	draining          bool

	started chan struct{}
	done    chan struct{}

	onDrain func()
	metrics *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMaxRequests sets the request limit. Zero means no limit.
func WithMaxRequests(n int64) Option {
	return func(l *Limiter) {
		l.maxRequests = n
	}
}

// WithDrainFunc registers fn to be called once when draining begins.
func WithDrainFunc(fn func()) Option {
	return func(l *Limiter) {
		l.onDrain = fn
	}
}

// WithMetrics records requests and connections in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// NewLimiter creates a Limiter.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		activeRequests: make(map[Request]struct{}),
		started:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure changes the request limit. Zero removes it. Lowering it below
// the requests already served starts draining.
func (l *Limiter) Configure(maxRequests int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxRequests = maxRequests
	if l.limitReachedLocked() {
		l.beginDrainLocked()
	}
}

// OnRequestStart registers r. Reaching the limit starts draining.
func (l *Limiter) OnRequestStart(r Request) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requestCount++
	l.activeRequests[r] = struct{}{}
	l.metrics.DrainRequest()

	if l.draining {
		r.CloseConnection()
		return
	}
	if l.limitReachedLocked() {
		l.beginDrainLocked()
	}
}

// OnRequestEnd unregisters r.
func (l *Limiter) OnRequestEnd(r Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.activeRequests, r)
}

// OnConnectionStart counts a new connection.
func (l *Limiter) OnConnectionStart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeConnections++
	l.metrics.SetActiveConnections(l.activeConnections)
}

// OnConnectionEnd counts a closed connection. The last one to close while
// draining completes the drain.
func (l *Limiter) OnConnectionEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeConnections > 0 {
		l.activeConnections--
	}
	l.metrics.SetActiveConnections(l.activeConnections)
	l.completeLocked()
}

// RequestLimitReached reports whether the request limit has been hit.
func (l *Limiter) RequestLimitReached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitReachedLocked()
}

// BeginDrain starts draining, if not already started, and returns a
// channel closed once no connection is left.
func (l *Limiter) BeginDrain() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.beginDrainLocked()
	return l.done
}

// Started is closed when draining begins.
func (l *Limiter) Started() <-chan struct{} {
	return l.started
}

// Done is closed when draining has finished.
func (l *Limiter) Done() <-chan struct{} {
	return l.done
}

// Draining reports whether draining has begun.
func (l *Limiter) Draining() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// RequestCount returns the number of requests accepted so far.
func (l *Limiter) RequestCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestCount
}

// ActiveConnections returns the number of open connections.
func (l *Limiter) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeConnections
}

// ActiveRequests returns the number of requests in flight.
func (l *Limiter) ActiveRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.activeRequests)
}

func (l *Limiter) limitReachedLocked() bool {
	return l.maxRequests > 0 && l.requestCount >= l.maxRequests
}

func (l *Limiter) beginDrainLocked() {
	if l.draining {
		return
	}
	l.draining = true
	l.metrics.SetDraining(true)
	close(l.started)

	for r := range l.activeRequests {
		r.CloseConnection()
	}
	if l.onDrain != nil {
		l.onDrain()
	}
	l.completeLocked()
}

func (l *Limiter) completeLocked() {
	if !l.draining || l.activeConnections > 0 {
		return
	}
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
