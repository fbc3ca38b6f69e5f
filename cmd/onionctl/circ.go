package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/onionctl/internal/circuit"
	"github.com/nao1215/onionctl/internal/teardown"
	"github.com/nao1215/onionctl/internal/torstate"
	"github.com/spf13/cobra"
)

func newCircCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circ",
		Short: "List, build and delete circuits",
	}
	cmd.AddCommand(newCircListCmd(a))
	cmd.AddCommand(newCircBuildCmd(a))
	cmd.AddCommand(newCircDeleteCmd(a))
	return cmd
}

func newCircListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the circuits Tor currently has",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			r, err := a.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			printCircuits(cmd.OutOrStdout(), r.session.Circuits(ctx))
			return nil
		},
	}
}

func newCircBuildCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [hop...]",
		Short: "Build a circuit and wait until Tor reports it BUILT",
		Long: `Build asks Tor for a new circuit and waits for the outcome.

Each hop is a relay nickname or fingerprint. "*" picks a random relay:
a current entry guard in the first position, any known relay elsewhere.
With no hops, or the single hop "auto", Tor chooses the whole path.

Examples:
  # Let Tor choose
  onionctl circ build

  # Random three hop circuit
  onionctl circ build '*' '*' '*'

  # Fixed exit
  onionctl circ build '*' '*' MyExitRelay`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			r, err := a.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			progress := func(c torstate.Circuit, hop string, first bool) {
				if first {
					fmt.Fprintf(out, "circuit %s: extending %s", c.ID, circuit.HopName(hop))
					return
				}
				fmt.Fprintf(out, " -> %s", circuit.HopName(hop))
			}

			buildCtx, cancelBuild := r.commandContext(ctx)
			defer cancelBuild()

			c, err := r.session.Build(buildCtx, args, progress)
			if len(c.Path) > 0 {
				fmt.Fprintln(out)
			}
			if err != nil {
				if c.ID != "" {
					return fmt.Errorf("circuit %s: %w", c.ID, err)
				}
				return err
			}
			fmt.Fprintf(out, "circuit %s built: %s\n", c.ID, formatPath(c.Path))
			return nil
		},
	}
	return cmd
}

func newCircDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <circuit-id>...",
		Short: "Close circuits and wait until Tor reports them closed",
		Long: `Delete closes every given circuit concurrently and waits for all of them.
Every failure is reported, not just the first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ifUnused, err := cmd.Flags().GetBool("if-unused")
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

			opCtx, cancelOp := r.commandContext(ctx)
			defer cancelOp()

			results, err := r.session.DeleteCircuits(opCtx, args, ifUnused)
			printResults(cmd.OutOrStdout(), "circuit", "deleted", results)
			return err
		},
	}
	cmd.Flags().Bool("if-unused", false, "Only close circuits without streams")
	return cmd
}

func printCircuits(w io.Writer, circuits []torstate.Circuit) {
	if len(circuits) == 0 {
		fmt.Fprintln(w, "no circuits")
		return
	}
	for _, c := range circuits {
		purpose := c.Purpose
		if purpose == "" {
			purpose = "-"
		}
		fmt.Fprintf(w, "%-6s %-9s %-14s %s\n", c.ID, c.State, purpose, formatPath(c.Path))
	}
}

func printResults(w io.Writer, noun, verb string, results []teardown.Result) {
	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(w, "%s %s: %v\n", noun, res.ID, res.Err)
			continue
		}
		fmt.Fprintf(w, "%s %s %s\n", noun, res.ID, verb)
	}
}

func formatPath(path []string) string {
	if len(path) == 0 {
		return "-"
	}
	names := make([]string, len(path))
	for i, hop := range path {
		names[i] = circuit.HopName(hop)
	}
	return strings.Join(names, " -> ")
}
