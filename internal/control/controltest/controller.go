// Package controltest provides an in-memory control.Commander for tests,
// with a way to inject events and to simulate a lost connection.
package controltest

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/nao1215/onionctl/internal/control"
)

// Call records one command issued against a Controller.
type Call struct {
	Method string
	Args   []string
}

// String renders the call the way it would appear on the wire.
func (c Call) String() string {
	return strings.TrimSpace(c.Method + " " + strings.Join(c.Args, " "))
}

// Controller is a scripted control.Commander. Every hook is optional; an
// unset hook succeeds. Hooks run on the calling goroutine, so a hook may
// emit events before the command "returns" to reproduce either ordering of
// reply and event.
type Controller struct {
	OnBuild       func(ctx context.Context, hops []string) (string, error)
	OnCloseCirc   func(ctx context.Context, id string, ifUnused bool) error
	OnCloseStream func(ctx context.Context, id string, reason int) error
	OnAttach      func(ctx context.Context, stream, circuit string) error
	OnGetInfo     func(ctx context.Context, keys ...string) (map[string]string, error)
	OnSetEvents   func(ctx context.Context, categories ...control.Category) error
	OnSetConf     func(ctx context.Context, key, value string) error
	OnSignal      func(ctx context.Context, name string) error

	// Info answers GETINFO when OnGetInfo is unset.
	Info map[string]string

	mu      sync.Mutex
	calls   []Call
	nextID  int
	handler control.EventHandler

	done chan struct{}
	err  error
	drop sync.Once
}

var _ control.Commander = (*Controller)(nil)

// New returns a Controller whose BuildCircuit hands out IDs "1", "2", ...
func New() *Controller {
	return &Controller{Info: map[string]string{}, done: make(chan struct{})}
}

// SetEventHandler installs the receiver for Emit.
func (c *Controller) SetEventHandler(h control.EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Emit parses each body as an asynchronous event and hands it to the event
// handler, in order, on the calling goroutine.
func (c *Controller) Emit(bodies ...string) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	for _, body := range bodies {
		ev, err := control.ParseEvent(body)
		if err != nil {
			return err
		}
		if h != nil {
			h(ev)
		}
	}
	return nil
}

// Done is closed by Drop.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the error passed to Drop.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Drop simulates losing the control connection with err.
func (c *Controller) Drop(err error) {
	c.drop.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Calls returns a copy of the recorded commands.
func (c *Controller) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsTo returns the recorded commands with the given method name.
func (c *Controller) CallsTo(method string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (c *Controller) record(method string, args ...string) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Method: method, Args: args})
	c.mu.Unlock()
}

// BuildCircuit implements control.Commander.
func (c *Controller) BuildCircuit(ctx context.Context, hops []string) (string, error) {
	c.record("EXTENDCIRCUIT", append([]string{"0"}, hops...)...)
	if c.OnBuild != nil {
		return c.OnBuild(ctx, hops)
	}
	c.mu.Lock()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	c.mu.Unlock()
	return id, nil
}

// CloseCircuit implements control.Commander.
func (c *Controller) CloseCircuit(ctx context.Context, id string, ifUnused bool) error {
	args := []string{id}
	if ifUnused {
		args = append(args, "IfUnused")
	}
	c.record("CLOSECIRCUIT", args...)
	if c.OnCloseCirc != nil {
		return c.OnCloseCirc(ctx, id, ifUnused)
	}
	return nil
}

// CloseStream implements control.Commander.
func (c *Controller) CloseStream(ctx context.Context, id string, reason int) error {
	c.record("CLOSESTREAM", id, strconv.Itoa(reason))
	if c.OnCloseStream != nil {
		return c.OnCloseStream(ctx, id, reason)
	}
	return nil
}

// AttachStream implements control.Commander.
func (c *Controller) AttachStream(ctx context.Context, stream, circuit string) error {
	c.record("ATTACHSTREAM", stream, circuit)
	if c.OnAttach != nil {
		return c.OnAttach(ctx, stream, circuit)
	}
	return nil
}

// GetInfo implements control.Commander.
func (c *Controller) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	c.record("GETINFO", keys...)
	if c.OnGetInfo != nil {
		return c.OnGetInfo(ctx, keys...)
	}
	out := make(map[string]string, len(keys))
	c.mu.Lock()
	for _, k := range keys {
		if v, ok := c.Info[k]; ok {
			out[k] = v
		}
	}
	c.mu.Unlock()
	return out, nil
}

// SetEvents implements control.Commander.
func (c *Controller) SetEvents(ctx context.Context, categories ...control.Category) error {
	args := make([]string, len(categories))
	for i, cat := range categories {
		args[i] = string(cat)
	}
	c.record("SETEVENTS", args...)
	if c.OnSetEvents != nil {
		return c.OnSetEvents(ctx, categories...)
	}
	return nil
}

// SetConf implements control.Commander.
func (c *Controller) SetConf(ctx context.Context, key, value string) error {
	c.record("SETCONF", key+"="+value)
	if c.OnSetConf != nil {
		return c.OnSetConf(ctx, key, value)
	}
	return nil
}

// Signal implements control.Commander.
func (c *Controller) Signal(ctx context.Context, name string) error {
	c.record("SIGNAL", name)
	if c.OnSignal != nil {
		return c.OnSignal(ctx, name)
	}
	return nil
}

// Rejection builds the error Tor returns for a refused command.
func Rejection(code int, message string) error {
	return &control.ProtocolError{Code: code, Message: message}
}
