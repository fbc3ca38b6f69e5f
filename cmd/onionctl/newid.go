package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/onionctl/internal/control"
	"github.com/spf13/cobra"
)

const defaultNewIDWait = 10 * time.Second

// errNoNewIDAck is returned when Tor accepted NEWNYM but never reported
// acting on it, which is what rate limiting looks like.
var errNoNewIDAck = errors.New("no acknowledgement of NEWNYM (Tor rate-limits new identities)")

func newNewIDCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "newid",
		Short: "Ask Tor for a new identity",
		Long: `Newid sends SIGNAL NEWNYM, which makes Tor use fresh circuits for new
connections, and waits for Tor's SIGNAL event confirming it.

Tor ignores NEWNYM requests that come too quickly after the previous one;
in that case no confirmation arrives and newid fails after --wait.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wait, err := cmd.Flags().GetDuration("wait")
			if err != nil {
				return err
			}
			if wait <= 0 {
				return fmt.Errorf("--wait must be positive, got %s", wait)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			r, err := a.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			acked := make(chan struct{})
			listener := func(ev control.Event) {
				if formatEvent(ev, false) != "NEWNYM" {
					return
				}
				select {
				case <-acked:
				default:
					close(acked)
				}
			}
			off, err := r.session.Listen(ctx, listener, control.Category("SIGNAL"))
			if err != nil {
				return err
			}
			defer off()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Requesting new identity")
			sigCtx, cancelSig := r.commandContext(ctx)
			defer cancelSig()
			if err := r.session.Commander().Signal(sigCtx, "NEWNYM"); err != nil {
				return fmt.Errorf("failed to send NEWNYM: %w", err)
			}

			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-acked:
				fmt.Fprintln(out, "success.")
				return nil
			case <-timer.C:
				return fmt.Errorf("%w: waited %s", errNoNewIDAck, wait)
			case <-ctx.Done():
				return ctx.Err()
			case <-r.session.Done():
				return r.session.Wait()
			}
		},
	}
	cmd.Flags().Duration("wait", defaultNewIDWait, "How long to wait for Tor to confirm the new identity")
	return cmd
}
