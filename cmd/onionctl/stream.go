package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/nao1215/onionctl/internal/attach"
	"github.com/nao1215/onionctl/internal/bandwidth"
	"github.com/nao1215/onionctl/internal/session"
	"github.com/nao1215/onionctl/internal/torstate"
	"github.com/spf13/cobra"
)

func newStreamCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "List, close, attach and follow streams",
	}
	cmd.AddCommand(newStreamListCmd(a))
	cmd.AddCommand(newStreamCloseCmd(a))
	cmd.AddCommand(newStreamAttachCmd(a))
	cmd.AddCommand(newStreamPerProcessCmd(a))
	cmd.AddCommand(newStreamFollowCmd(a))
	return cmd
}

func newStreamListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the streams Tor currently has",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			r, err := a.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			printStreams(cmd.OutOrStdout(), r.session.Streams(ctx))
			return nil
		},
	}
}

func newStreamCloseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close <stream-id>...",
		Short: "Close streams and wait until Tor reports them closed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			r, err := a.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			opCtx, cancelOp := r.commandContext(ctx)
			defer cancelOp()

			results, err := r.session.CloseStreams(opCtx, args)
			printResults(cmd.OutOrStdout(), "stream", "closed", results)
			return err
		},
	}
}

func newStreamAttachCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <circuit-id>",
		Short: "Attach every new stream to one circuit",
		Long: `Attach takes over stream attachment from Tor and sends every new stream
to the given circuit until interrupted. If the circuit closes, new streams
are left unattached and a warning is logged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := cmd.Flags().GetInt("count")
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

			pinned, err := r.session.Pin(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = r.session.Do(context.Background(), pinned.Release) }() //nolint:errcheck // loop may be gone

			return runAttacher(ctx, cancel, r.session, pinned, cmd.OutOrStdout(), count)
		},
	}
	cmd.Flags().IntP("count", "n", 0, "Stop after attaching this many streams (0 = run until interrupted)")
	return cmd
}

func newStreamPerProcessCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "per-process",
		Short: "Give every local process its own circuit",
		Long: `Per-process takes over stream attachment from Tor. Streams are grouped by
the local process that opened them, found through /proc, and each process
gets a BUILT circuit no other process uses. When no such circuit is left,
new streams stay unattached until one is built.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			count, err := cmd.Flags().GetInt("count")
			if err != nil {
				return err
			}
			procRoot, err := cmd.Flags().GetString("proc")
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

			procs, err := attach.NewProcNet(attach.WithProcRoot(procRoot))
			if err != nil {
				return err
			}
			policy := attach.NewPerProcess(procs, attach.WithPerProcessLogger(r.logger))
			return runAttacher(ctx, cancel, r.session, policy, cmd.OutOrStdout(), count)
		},
	}
	cmd.Flags().IntP("count", "n", 0, "Stop after attaching this many streams (0 = run until interrupted)")
	cmd.Flags().String("proc", "/proc", "procfs mount point")
	return cmd
}

// runAttacher applies policy until ctx ends, the session ends or count
// streams were attached.
func runAttacher(ctx context.Context, cancel context.CancelFunc, sess *session.Session, policy attach.Policy, w io.Writer, count int) error {
	out := newSyncWriter(w)
	attached := 0
	report := func(s torstate.Stream, d attach.Decision, err error) {
		switch {
		case err != nil:
			fmt.Fprintf(out, "stream %s (%s): not attached: %v\n", s.ID, s.Target, err)
		case !d.Attach():
			fmt.Fprintf(out, "stream %s (%s): left unattached\n", s.ID, s.Target)
		default:
			fmt.Fprintf(out, "stream %s (%s) -> circuit %s\n", s.ID, s.Target, d.CircuitID())
			attached++
			if count > 0 && attached >= count {
				cancel()
			}
		}
	}

	engine, err := sess.StartAttacher(ctx, policy, attach.WithDecisionFunc(report))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "attaching new streams with the %s policy\n", policy.Name())

	waitErr := waitForEnd(ctx, sess)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := engine.Stop(stopCtx); err != nil && waitErr == nil {
		return err
	}
	return waitErr
}

func newStreamFollowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follow [stream-id...]",
		Short: "Follow stream bandwidth",
		Long: `Follow prints the transfer rate of the given streams as it changes, and a
summary of every stream when it closes. Use the id BW for Tor's total
bandwidth. Without ids only the summaries are printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			out := newSyncWriter(cmd.OutOrStdout())
			summary := func(s bandwidth.Summary) {
				if len(args) > 0 && !slices.Contains(args, s.ID) {
					return
				}
				printSummary(out, s)
			}

			r, err := a.open(ctx, cmd, session.WithBandwidthSummary(summary))
			if err != nil {
				return err
			}
			defer r.Close()

			return followBandwidth(ctx, r.session, out, args)
		},
	}
	return cmd
}

// followBandwidth prints rate updates for ids until every subscription
// ended or ctx is done. With no ids it waits for ctx or the session.
func followBandwidth(ctx context.Context, sess *session.Session, w io.Writer, ids []string) error {
	if len(ids) == 0 {
		return waitForEnd(ctx, sess)
	}

	subs := make([]*bandwidth.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := sess.SubscribeBandwidth(ctx, id)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}
	defer func() {
		_ = sess.Do(context.Background(), func() { //nolint:errcheck // loop may be gone
			for _, sub := range subs {
				sess.Bandwidth().Unsubscribe(sub)
			}
		})
	}()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case rate, ok := <-sub.C():
					if !ok {
						return
					}
					fmt.Fprintf(w, "%s: %s\n", sub.ID(), formatRate(rate))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		<-finished
		return nil
	case <-sess.Done():
		return sess.Wait()
	}
}

// waitForEnd blocks until ctx is done (a normal stop) or the session ends
// (an error).
func waitForEnd(ctx context.Context, sess *session.Session) error {
	select {
	case <-ctx.Done():
		return nil
	case <-sess.Done():
		return sess.Wait()
	}
}

func printStreams(w io.Writer, streams []torstate.Stream) {
	if len(streams) == 0 {
		fmt.Fprintln(w, "no streams")
		return
	}
	for _, s := range streams {
		circ := s.CircuitID
		if circ == "" {
			circ = "-"
		}
		fmt.Fprintf(w, "%-6s %-12s circuit %-6s %s\n", s.ID, s.State, circ, s.Target)
	}
}

func printSummary(w io.Writer, s bandwidth.Summary) {
	fmt.Fprintf(w, "%s closed: %s read, %s written in %s (%s)\n",
		s.ID, formatBytes(float64(s.Read)), formatBytes(float64(s.Written)),
		s.Duration.Round(time.Second), formatRate(s.Rate))
}
