package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/torstate"
	"github.com/spf13/cobra"
)

// torLogLevels are the log event categories monitor can follow.
var torLogLevels = []string{"DEBUG", "INFO", "NOTICE", "WARN", "ERR"}

var (
	errNothingToMonitor = errors.New("nothing to monitor: circuits and streams are both excluded")
	errLogLevelWithOnce = errors.New("--log-level cannot be combined with --once")
)

func newMonitorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show circuits and streams and follow their changes",
		Long: `Monitor prints the circuits and streams Tor currently has, then one line
for every circuit that is launched, extended, built, fails or closes and
for every stream that is attached or fails, until interrupted.

Examples:
  # Follow circuits and streams
  onionctl monitor

  # Print the current state and exit
  onionctl monitor --once

  # Follow circuits together with Tor's notices and warnings
  onionctl monitor --no-streams --log-level notice,warn`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := monitorFlags(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			r, err := a.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			m := newMonitor(newSyncWriter(cmd.OutOrStdout()), opts)
			var detach func()
			if err := r.session.Do(ctx, func() { detach = m.attach(r.session.State()) }); err != nil {
				return err
			}
			defer func() {
				_ = r.session.Do(context.Background(), detach) //nolint:errcheck // nothing to detach from a stopped loop
			}()
			if opts.once {
				return nil
			}

			if len(opts.levels) > 0 {
				categories := make([]control.Category, len(opts.levels))
				for i, level := range opts.levels {
					categories[i] = control.Category(level)
				}
				off, err := r.session.Listen(ctx, m.logEvent, categories...)
				if err != nil {
					return err
				}
				defer off()
			}
			return waitForEnd(ctx, r.session)
		},
	}

	cmd.Flags().BoolP("once", "o", false, "Print the current state and exit")
	cmd.Flags().BoolP("no-streams", "s", false, "Leave streams out")
	cmd.Flags().Bool("no-circuits", false, "Leave circuits out")
	cmd.Flags().StringSliceP("log-level", "l", nil, "Also follow Tor log messages of these levels ("+strings.Join(torLogLevels, ", ")+" or all)")
	return cmd
}

type monitorOptions struct {
	once     bool
	streams  bool
	circuits bool
	levels   []string
}

func monitorFlags(cmd *cobra.Command) (monitorOptions, error) {
	var opts monitorOptions
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return opts, err
	}
	noStreams, err := cmd.Flags().GetBool("no-streams")
	if err != nil {
		return opts, err
	}
	noCircuits, err := cmd.Flags().GetBool("no-circuits")
	if err != nil {
		return opts, err
	}
	levels, err := cmd.Flags().GetStringSlice("log-level")
	if err != nil {
		return opts, err
	}
	opts = monitorOptions{once: once, streams: !noStreams, circuits: !noCircuits}

	if opts.levels, err = parseLogLevels(levels); err != nil {
		return opts, err
	}
	if opts.once && len(opts.levels) > 0 {
		return opts, errLogLevelWithOnce
	}
	if !opts.streams && !opts.circuits && len(opts.levels) == 0 {
		return opts, errNothingToMonitor
	}
	return opts, nil
}

func parseLogLevels(values []string) ([]string, error) {
	var levels []string
	for _, v := range values {
		v = strings.ToUpper(strings.TrimSpace(v))
		switch {
		case v == "ALL":
			return slices.Clone(torLogLevels), nil
		case !slices.Contains(torLogLevels, v):
			return nil, fmt.Errorf("unknown log level %q (want one of %s or all)", v, strings.Join(torLogLevels, ", "))
		case !slices.Contains(levels, v):
			levels = append(levels, v)
		}
	}
	return levels, nil
}

// monitor turns state hooks into log lines. Its methods run on the event
// loop.
type monitor struct {
	w        io.Writer
	opts     monitorOptions
	now      func() time.Time
	launched map[string]time.Time
}

func newMonitor(w io.Writer, opts monitorOptions) *monitor {
	return &monitor{w: w, opts: opts, now: time.Now, launched: make(map[string]time.Time)}
}

// attach prints the current state and, unless running once, installs the
// hooks in the same step so no transition is missed. It returns a function
// removing the hooks.
func (m *monitor) attach(st *torstate.State) func() {
	var (
		offs   []func()
		follow []string
	)
	if len(m.opts.levels) > 0 {
		follow = append(follow, "log ("+strings.Join(m.opts.levels, ", ")+")")
	}
	if m.opts.circuits {
		circuits := st.Circuits()
		if len(circuits) == 0 {
			fmt.Fprintln(m.w, "No circuits.")
		} else {
			fmt.Fprintln(m.w, "Current circuits:")
			for _, c := range circuits {
				fmt.Fprintln(m.w, "  "+describeCircuit(c))
			}
		}
		if !m.opts.once {
			offs = append(offs, st.AddCircuitHooks(&torstate.CircuitHooks{
				OnNew:         m.circuitNew,
				OnHop:         m.circuitHop,
				OnStateChange: m.circuitChanged,
			}))
			follow = append(follow, "circuit")
		}
	}
	if m.opts.streams {
		streams := st.Streams()
		if len(streams) == 0 {
			fmt.Fprintln(m.w, "No streams.")
		} else {
			fmt.Fprintln(m.w, "Current streams:")
			for _, s := range streams {
				fmt.Fprintln(m.w, "  "+describeStream(s))
			}
		}
		if !m.opts.once {
			offs = append(offs, st.AddStreamHooks(&torstate.StreamHooks{OnStateChange: m.streamChanged}))
			follow = append(follow, "stream")
		}
	}
	if !m.opts.once {
		fmt.Fprintf(m.w, "\nFollowing new %s activity:\n", strings.Join(follow, " and "))
	}

	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (m *monitor) circuitNew(c torstate.Circuit) {
	m.launched[c.ID] = m.now()
	fmt.Fprintln(m.w, describeCircuit(c))
}

func (m *monitor) circuitHop(c torstate.Circuit, _ string, _ bool) {
	fmt.Fprintln(m.w, describeCircuit(c))
}

func (m *monitor) circuitChanged(c torstate.Circuit, _ torstate.CircuitState) {
	switch c.State {
	case torstate.CircuitBuilt:
		fmt.Fprintln(m.w, describeCircuit(c))
	case torstate.CircuitFailed:
		fmt.Fprintf(m.w, "Circuit %s failed%s.\n", c.ID, circuitReasons(c))
	case torstate.CircuitClosed:
		age := ""
		if start, ok := m.launched[c.ID]; ok {
			age = ", lasted " + lasted(m.now().Sub(start))
			delete(m.launched, c.ID)
		}
		fmt.Fprintf(m.w, "Circuit %s closed%s%s.\n", c.ID, age, circuitReasons(c))
	}
}

func (m *monitor) streamChanged(s torstate.Stream, prev torstate.StreamState) {
	switch {
	case s.State == torstate.StreamAttached && prev != torstate.StreamAttached:
		fmt.Fprintln(m.w, describeStream(s))
	case s.State == torstate.StreamFailed:
		reason := s.Reason
		if reason == "" {
			reason = "unknown"
		}
		fmt.Fprintf(m.w, "Stream %s failed because %q\n", s.ID, reason)
	}
}

func (m *monitor) logEvent(ev control.Event) {
	fmt.Fprintf(m.w, "%s: %s\n", ev.Category, formatEvent(ev, false))
}

func describeCircuit(c torstate.Circuit) string {
	line := fmt.Sprintf("Circuit %s (%s) is %s", c.ID, formatPath(c.Path), c.State)
	if c.Purpose != "" {
		line += fmt.Sprintf(" for purpose %q", c.Purpose)
	}
	return line
}

func circuitReasons(c torstate.Circuit) string {
	var parts []string
	if c.Reason != "" {
		parts = append(parts, "REASON="+c.Reason)
	}
	if c.RemoteReason != "" {
		parts = append(parts, "REMOTE_REASON="+c.RemoteReason)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, " ") + ")"
}

func describeStream(s torstate.Stream) string {
	line := fmt.Sprintf("Stream %s to %s %s", s.ID, s.Target, strings.ToLower(s.State.String()))
	if s.CircuitID != "" {
		line += " via circuit " + s.CircuitID
	}
	switch s.SourceAddr {
	case "":
	case "(Tor_internal)":
		line += " for Tor internal use"
	default:
		line += fmt.Sprintf(" from %q", s.SourceAddr)
	}
	return line
}

// lasted renders a circuit lifetime, e.g. "3 minutes".
func lasted(d time.Duration) string {
	if d < time.Second {
		return "less than a second"
	}
	var start time.Time
	return strings.TrimSpace(humanize.RelTime(start, start.Add(d), "", ""))
}
