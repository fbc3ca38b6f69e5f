package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/nao1215/onionctl/internal/drain"
	"github.com/spf13/cobra"
)

func newPastebinCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pastebin [file]",
		Short: "Serve a file or stdin over a throwaway onion service",
		Long: `Pastebin serves the given file, or stdin, as text/plain on a fresh
ephemeral onion service. The service disappears when onionctl exits.

With --count the server stops accepting requests once that many were
served, lets the open connections finish, and exits.

Examples:
  # Share a file with exactly one reader
  onionctl pastebin --once notes.txt

  # Serve command output locally, without Tor
  echo hello | onionctl pastebin --dry-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := pastebinFlags(cmd)
			if err != nil {
				return err
			}

			content, err := readPaste(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			r, err := a.prepare(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			listenAddr := r.cfg.PastebinAddress
			if opts.listen != "" {
				listenAddr = opts.listen
			}
			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.dryRun {
				fmt.Fprintf(out, "serving on http://%s/\n", ln.Addr())
			} else {
				ep, release, err := a.resolve(ctx, r.cfg, r.logger)
				if err != nil {
					_ = ln.Close() //nolint:errcheck // already failing
					return err
				}
				defer release()

				svc, err := a.publish(ctx, ep, ln.Addr().(*net.TCPAddr).Port)
				if err != nil {
					_ = ln.Close() //nolint:errcheck // already failing
					return err
				}
				defer svc.Close()
				fmt.Fprintf(out, "serving on %s\n", svc.URL(80))
			}

			limiter := drain.NewLimiter(
				drain.WithMaxRequests(int64(opts.count)),
				drain.WithMetrics(r.metrics),
				drain.WithDrainFunc(func() { r.logger.Info("no more requests will be accepted") }),
			)
			server := drain.NewServer(pasteHandler(content), limiter,
				drain.WithLogger(r.logger),
				drain.WithMaxConnections(opts.maxConns),
			)
			if err := server.Serve(ctx, ln); err != nil {
				return err
			}
			fmt.Fprintf(out, "served %d requests\n", limiter.RequestCount())
			return nil
		},
	}

	cmd.Flags().IntP("count", "n", 0, "Stop after serving this many requests (0 = run until interrupted)")
	cmd.Flags().Bool("once", false, "Stop after the first request (same as --count 1)")
	cmd.Flags().Bool("dry-run", false, "Serve locally only, without an onion service")
	cmd.Flags().String("listen", "", "Local listen address (default from configuration, 127.0.0.1:0)")
	cmd.Flags().Int("max-conns", 0, "Maximum concurrent connections (0 = unlimited)")
	return cmd
}

type pastebinOptions struct {
	count    int
	dryRun   bool
	listen   string
	maxConns int
}

func pastebinFlags(cmd *cobra.Command) (pastebinOptions, error) {
	var (
		opts pastebinOptions
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
	if opts.count < 0 {
		return opts, fmt.Errorf("--count must not be negative, got %d", opts.count)
	}
	if opts.dryRun, err = cmd.Flags().GetBool("dry-run"); err != nil {
		return opts, err
	}
	if opts.listen, err = cmd.Flags().GetString("listen"); err != nil {
		return opts, err
	}
	if opts.maxConns, err = cmd.Flags().GetInt("max-conns"); err != nil {
		return opts, err
	}
	return opts, nil
}

func readPaste(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		content, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return content, nil
}

func pasteHandler(content []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(content) //nolint:errcheck // the client went away
	})
}
