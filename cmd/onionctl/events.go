package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/nao1215/onionctl/internal/control"
	"github.com/spf13/cobra"
)

// errNoCategories is returned by events without categories or --list.
var errNoCategories = errors.New("no event categories given (see --list)")

func newEventsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [category...]",
		Short: "Print raw control port events",
		Long: `Events subscribes to the given event categories and prints every event
Tor sends, until interrupted or --count events were printed.

Examples:
  # Follow circuit and stream events
  onionctl events CIRC STREAM

  # Wait for the next bandwidth report
  onionctl events --once BW

  # List the categories this Tor knows
  onionctl events --list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := eventFlags(cmd)
			if err != nil {
				return err
			}
			if !opts.list && len(args) == 0 {
				return errNoCategories
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			r, err := a.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			out := newSyncWriter(cmd.OutOrStdout())
			if opts.list {
				return listEventNames(ctx, r.session.Commander(), out)
			}

			categories := make([]control.Category, len(args))
			for i, arg := range args {
				categories[i] = control.Category(strings.ToUpper(arg))
			}

			printed := 0
			listener := func(ev control.Event) {
				if opts.count > 0 && printed >= opts.count {
					return
				}
				fmt.Fprintln(out, formatEvent(ev, opts.showEvent))
				printed++
				if opts.count > 0 && printed >= opts.count {
					cancel()
				}
			}

			off, err := r.session.Listen(ctx, listener, categories...)
			if err != nil {
				return err
			}
			defer off()

			return waitForEnd(ctx, r.session)
		},
	}

	cmd.Flags().IntP("count", "n", 0, "Stop after this many events (0 = run until interrupted)")
	cmd.Flags().Bool("once", false, "Stop after the first event (same as --count 1)")
	cmd.Flags().BoolP("show-event", "s", false, "Prefix every event with its category")
	cmd.Flags().BoolP("list", "l", false, "List the event categories Tor supports and exit")
	return cmd
}

type eventOptions struct {
	count     int
	showEvent bool
	list      bool
}

func eventFlags(cmd *cobra.Command) (eventOptions, error) {
	var (
		opts eventOptions
		err  error
	)
	if opts.count, err = cmd.Flags().GetInt("count"); err != nil {
		return opts, err
	}
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return opts, err
	}
	if once {
		opts.count = 1
	}
	if opts.showEvent, err = cmd.Flags().GetBool("show-event"); err != nil {
		return opts, err
	}
	if opts.list, err = cmd.Flags().GetBool("list"); err != nil {
		return opts, err
	}
	return opts, nil
}

// formatEvent returns the event body, without its leading category unless
// showEvent is set.
func formatEvent(ev control.Event, showEvent bool) string {
	if showEvent {
		return ev.Raw
	}
	_, rest, ok := strings.Cut(ev.Raw, " ")
	if !ok {
		return ev.Raw
	}
	return rest
}

func listEventNames(ctx context.Context, cmd control.Commander, w io.Writer) error {
	info, err := cmd.GetInfo(ctx, "events/names")
	if err != nil {
		return fmt.Errorf("failed to list event names: %w", err)
	}
	names := strings.Fields(info["events/names"])
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return nil
}
