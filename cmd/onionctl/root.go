package main

import (
	"fmt"
	"os"

	"github.com/nao1215/onionctl/internal/config"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for onionctl.
func NewRootCmd() *cobra.Command {
	return newRootCmd(defaultApp())
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onionctl",
		Short: "Control a running Tor through its control port",
		Long: `onionctl drives Tor through its control port.

It builds and tears down circuits and waits for Tor to confirm the outcome,
decides which circuit new streams are attached to, follows circuits,
bandwidth and raw events, asks for new identities, and can serve a file
over a throwaway onion service.

By default onionctl connects to 127.0.0.1:9051 (or $TOR_CONTROL_PORT).
Use --embedded to start a private Tor daemon instead.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "Enable verbose logging")
	flags.Bool("json-logs", false, "Write logs as JSON")
	flags.StringP("config", "c", "", "Configuration file path (default: .onionctl in current or home directory)")
	flags.String("control", config.DefaultControlAddress, "Tor control port, host:port or unix:/path")
	flags.String("cookie", "", "Control auth cookie file")
	flags.Bool("embedded", false, "Start an embedded Tor daemon instead of connecting to --control")
	flags.DurationP("timeout", "t", config.DefaultCommandTimeout, "Timeout for each command and its outcome")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	flags.String("db-dir", "", "History database directory (default: XDG data directory)")
	flags.Bool("no-history", false, "Do not record history")

	cmd.AddCommand(newCircCmd(a))
	cmd.AddCommand(newStreamCmd(a))
	cmd.AddCommand(newEventsCmd(a))
	cmd.AddCommand(newMonitorCmd(a))
	cmd.AddCommand(newNewIDCmd(a))
	cmd.AddCommand(newPastebinCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
