package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nao1215/onionctl/internal/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded builds, teardowns and bandwidth",
		Long: `History reads the SQLite database onionctl records into while it runs.
It does not need Tor.`,
	}
	cmd.PersistentFlags().IntP("limit", "n", 20, "Maximum number of records (0 = all)")
	cmd.PersistentFlags().BoolP("json", "j", false, "Print records as JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "builds",
		Short: "Show circuit builds, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withHistory(cmd, func(db *store.HistoryDB, limit int, w io.Writer, asJSON bool) error {
				recs, err := db.ListBuilds(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(w, recs)
				}
				for _, rec := range recs {
					line := fmt.Sprintf("%s  circuit %-6s %-9s %s  %s",
						formatTime(rec.StartedAt), rec.CircuitID, rec.Outcome,
						rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond), formatPath(rec.Path))
					if rec.Reason != "" {
						line += "  (" + rec.Reason + ")"
					}
					fmt.Fprintln(w, line)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "teardowns",
		Short: "Show circuit deletes and stream closes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withHistory(cmd, func(db *store.HistoryDB, limit int, w io.Writer, asJSON bool) error {
				recs, err := db.ListTeardowns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(w, recs)
				}
				for _, rec := range recs {
					kind := rec.Kind
					if rec.IfUnused {
						kind += " (if unused)"
					}
					line := fmt.Sprintf("%s  %-6s %-18s %s", formatTime(rec.FinishedAt), rec.TargetID, kind, rec.Outcome)
					if rec.Reason != "" {
						line += "  (" + rec.Reason + ")"
					}
					fmt.Fprintln(w, line)
				}
				return nil
			})
		},
	})

	bw := &cobra.Command{
		Use:   "bandwidth",
		Short: "Show compacted bandwidth buckets, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := cmd.Flags().GetString("target")
			if err != nil {
				return err
			}
			return a.withHistory(cmd, func(db *store.HistoryDB, limit int, w io.Writer, asJSON bool) error {
				recs, err := db.ListBuckets(cmd.Context(), target, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(w, recs)
				}
				for _, rec := range recs {
					fmt.Fprintf(w, "%s  %-6s %8s  mean %s/%s  max %s/%s\n",
						formatTime(rec.Start), rec.TargetID, rec.Duration.Round(time.Millisecond),
						formatBytes(rec.MeanRead), formatBytes(rec.MeanWritten),
						formatBytes(float64(rec.MaxRead)), formatBytes(float64(rec.MaxWritten)))
				}
				return nil
			})
		},
	}
	bw.Flags().String("target", "", "Only show this stream id (BW for the total)")
	cmd.AddCommand(bw)

	return cmd
}

// withHistory opens the existing history database and hands it to fn.
func (a *app) withHistory(cmd *cobra.Command, fn func(db *store.HistoryDB, limit int, w io.Writer, asJSON bool) error) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBDir, store.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db, limit, cmd.OutOrStdout(), asJSON)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return strings.Repeat("-", len(time.DateTime))
	}
	return t.Local().Format(time.DateTime)
}
