package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned when a task is submitted to a loop that is no
// longer running.
var ErrStopped = errors.New("event loop stopped")

// defaultBacklog is the number of tasks that can be queued before Submit
// blocks the producer.
const defaultBacklog = 256

// Loop runs submitted tasks sequentially on one goroutine.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	stop   sync.Once
	logger *slog.Logger

	backlog int
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithBacklog sets how many tasks may be queued before Submit blocks.
func WithBacklog(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.backlog = n
		}
	}
}

// New creates a Loop. Call Run to start processing.
func New(opts ...Option) *Loop {
	l := &Loop{
		done:    make(chan struct{}),
		backlog: defaultBacklog,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.tasks = make(chan func(), l.backlog)
	return l
}

// Run processes tasks until ctx is cancelled or Stop is called. Tasks still
// queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case task := <-l.tasks:
			l.run(task)
		}
	}
}

// run executes one task. A panic is logged and does not terminate the loop,
// so one misbehaving listener cannot take the session down.
func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "panic", r)
		}
	}()
	task()
}

// Stop ends Run. It is safe to call more than once.
func (l *Loop) Stop() {
	l.stop.Do(func() { close(l.done) })
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Submit queues fn without waiting for it to run. It blocks only while the
// backlog is full.
func (l *Loop) Submit(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a task.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Submit(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The task may have run just before the loop stopped.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for event loop: %w", ctx.Err())
	}
}
