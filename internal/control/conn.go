package control

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// asyncCode is the status code of asynchronous event notifications.
const asyncCode = 650

// EventHandler is called by the reader goroutine for every asynchronous
// event, in the order Tor sent them. It must not issue commands on the same
// Conn synchronously, since replies are read by the goroutine that calls it.
type EventHandler func(Event)

// Credentials authenticate a control connection. Cookie takes precedence
// over Password; both empty means the control port has no authentication.
type Credentials struct {
	Cookie   []byte
	Password string
}

// ReplyLine is one line of a (possibly multi-line) control reply.
type ReplyLine struct {
	Code int
	Text string

	// Data holds the dot-encoded payload that follows a "+" line.
	Data []string
}

// Reply is a complete synchronous answer to one command.
type Reply struct {
	Code  int
	Lines []ReplyLine
}

// Text returns the text of the final reply line.
func (r *Reply) Text() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[len(r.Lines)-1].Text
}

type result struct {
	reply *Reply
	err   error
}

// Conn is a Tor control-port connection. It implements Commander.
//
// Commands may be issued from any goroutine. A single reader goroutine
// consumes everything Tor sends: replies complete the oldest outstanding
// command and events are passed to the EventHandler.
type Conn struct {
	nc     net.Conn
	reader *textproto.Reader
	writer *bufio.Writer
	logger *slog.Logger

	handler atomic.Pointer[EventHandler]

	// mu guards writes and the pending queue so replies stay in FIFO order.
	mu      sync.Mutex
	pending []chan result

	done    chan struct{}
	err     error
	failure sync.Once
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithEventHandler installs the event handler before the reader starts, so
// no early event can be missed.
func WithEventHandler(h EventHandler) Option {
	return func(c *Conn) {
		c.handler.Store(&h)
	}
}

// Dial connects to a control port. addr is "host:port" or "unix:/path".
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	network := "tcp"
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		network, addr = "unix", path
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port %s: %w", addr, err)
	}
	return NewConn(nc, opts...), nil
}

// NewConn wraps an established transport and starts the reader goroutine.
func NewConn(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		nc:     nc,
		reader: textproto.NewReader(bufio.NewReader(nc)),
		writer: bufio.NewWriter(nc),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	go c.readLoop()
	return c
}

// SetEventHandler replaces the event handler.
func (c *Conn) SetEventHandler(h EventHandler) {
	c.handler.Store(&h)
}

// Done is closed once the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It wraps ErrConnectionLost and is nil
// while the connection is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the transport down. Outstanding commands fail with
// ErrConnectionLost.
func (c *Conn) Close() error {
	c.fail(net.ErrClosed)
	return nil
}

// Authenticate sends AUTHENTICATE with the given credentials.
func (c *Conn) Authenticate(ctx context.Context, creds Credentials) error {
	line := "AUTHENTICATE"
	switch {
	case len(creds.Cookie) > 0:
		line += " " + hex.EncodeToString(creds.Cookie)
	case creds.Password != "":
		line += " " + quote(creds.Password)
	}
	_, err := c.Do(ctx, line)
	return err
}

// Do sends one raw command line and waits for its reply. A non-2xx reply is
// returned together with a *ProtocolError.
func (c *Conn) Do(ctx context.Context, line string) (*Reply, error) {
	ch := make(chan result, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, c.err
	default:
	}
	c.pending = append(c.pending, ch)
	_, err := c.writer.WriteString(line + "\r\n")
	if err == nil {
		err = c.writer.Flush()
	}
	c.mu.Unlock()

	if err != nil {
		c.fail(err)
		return nil, c.Err()
	}

	// An abandoned command keeps its slot in the queue; the reply is read
	// into the buffered channel and dropped.
	select {
	case res := <-ch:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BuildCircuit implements Commander.
func (c *Conn) BuildCircuit(ctx context.Context, hops []string) (string, error) {
	line := "EXTENDCIRCUIT 0"
	if len(hops) > 0 {
		line += " " + strings.Join(hops, ",")
	}
	reply, err := c.Do(ctx, line)
	if err != nil {
		return "", err
	}

	fields := strings.Fields(reply.Text())
	if len(fields) < 2 || fields[0] != "EXTENDED" {
		return "", fmt.Errorf("%w: EXTENDCIRCUIT answered %q", ErrMalformedReply, reply.Text())
	}
	return fields[1], nil
}

// CloseCircuit implements Commander.
func (c *Conn) CloseCircuit(ctx context.Context, id string, ifUnused bool) error {
	line := "CLOSECIRCUIT " + id
	if ifUnused {
		line += " IfUnused"
	}
	_, err := c.Do(ctx, line)
	return err
}

// CloseStream implements Commander.
func (c *Conn) CloseStream(ctx context.Context, id string, reason int) error {
	_, err := c.Do(ctx, fmt.Sprintf("CLOSESTREAM %s %d", id, reason))
	return err
}

// AttachStream implements Commander.
func (c *Conn) AttachStream(ctx context.Context, stream, circuit string) error {
	_, err := c.Do(ctx, "ATTACHSTREAM "+stream+" "+circuit)
	return err
}

// GetInfo implements Commander.
func (c *Conn) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	reply, err := c.Do(ctx, "GETINFO "+strings.Join(keys, " "))
	if err != nil {
		return nil, err
	}

	info := make(map[string]string, len(keys))
	for _, l := range reply.Lines {
		key, value, ok := strings.Cut(l.Text, "=")
		if !ok {
			continue // trailing "250 OK"
		}
		if l.Data != nil {
			value = strings.Join(l.Data, "\n")
		}
		info[key] = value
	}
	return info, nil
}

// SetEvents implements Commander.
func (c *Conn) SetEvents(ctx context.Context, categories ...Category) error {
	names := make([]string, len(categories))
	for i, cat := range categories {
		names[i] = string(cat)
	}
	line := strings.TrimSpace("SETEVENTS " + strings.Join(names, " "))
	_, err := c.Do(ctx, line)
	return err
}

// SetConf implements Commander.
func (c *Conn) SetConf(ctx context.Context, key, value string) error {
	_, err := c.Do(ctx, "SETCONF "+key+"="+quote(value))
	return err
}

// Signal implements Commander.
func (c *Conn) Signal(ctx context.Context, name string) error {
	_, err := c.Do(ctx, "SIGNAL "+name)
	return err
}

// readLoop is the only goroutine reading from the transport.
func (c *Conn) readLoop() {
	for {
		lines, err := c.readMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if lines[0].Code == asyncCode {
			c.dispatch(lines)
			continue
		}
		c.deliver(lines)
	}
}

// readMessage reads one complete reply or event: all lines up to and
// including the first one whose separator is a space.
func (c *Conn) readMessage() ([]ReplyLine, error) {
	var lines []ReplyLine
	for {
		raw, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(raw) < 4 {
			return nil, fmt.Errorf("%w: short line %q", ErrMalformedReply, raw)
		}
		code, err := strconv.Atoi(raw[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: bad status %q", ErrMalformedReply, raw)
		}

		line := ReplyLine{Code: code, Text: raw[4:]}
		switch raw[3] {
		case ' ':
			return append(lines, line), nil
		case '-':
			lines = append(lines, line)
		case '+':
			data, err := c.reader.ReadDotLines()
			if err != nil {
				return nil, err
			}
			line.Data = data
			lines = append(lines, line)
		default:
			return nil, fmt.Errorf("%w: bad separator %q", ErrMalformedReply, raw)
		}
	}
}

func (c *Conn) dispatch(lines []ReplyLine) {
	ev, err := ParseEvent(lines[0].Text)
	if err != nil {
		c.logger.Debug("dropping unparseable event", "line", lines[0].Text, "error", err)
		return
	}
	for _, l := range lines[1:] {
		ev.Raw += "\n" + l.Text
		for _, d := range l.Data {
			ev.Raw += "\n" + d
		}
	}

	if h := c.handler.Load(); h != nil && *h != nil {
		(*h)(ev)
	}
}

func (c *Conn) deliver(lines []ReplyLine) {
	final := lines[len(lines)-1]
	reply := &Reply{Code: final.Code, Lines: lines}

	var err error
	if final.Code < 200 || final.Code > 299 {
		err = &ProtocolError{Code: final.Code, Message: final.Text}
	}

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		c.logger.Warn("unsolicited control reply", "code", final.Code, "text", final.Text)
		return
	}
	ch := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	ch <- result{reply: reply, err: err}
}

// fail tears the connection down once and fails every waiting command.
func (c *Conn) fail(cause error) {
	c.failure.Do(func() {
		c.err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		_ = c.nc.Close() //nolint:errcheck // already failing

		c.mu.Lock()
		pending := c.pending
		c.pending = nil
		close(c.done)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- result{err: c.err}
		}
	})
}

// quote renders s as a control-protocol QuotedString.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
