package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/modelinstall/internal/store"
)

var statusLimit int

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the installed artifact and recent runs",
		Long: `Display what is currently installed for the configured artifact and the
most recent install runs recorded in the history database.`,
		Example: `  modelinstall status
  modelinstall status --limit 20`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent runs to show")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	log.Debug("status request", "key", globalCfg.Key(), "limit", statusLimit)
	return printStatus(os.Stdout, globalStore, globalCfg.Key(), statusLimit)
}

func printStatus(w io.Writer, st *store.Store, key string, limit int) error {
	fmt.Fprintln(w, "Artifact Status")
	fmt.Fprintln(w, "===============")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Key:        %s\n", key)

	inst, err := st.GetInstalled(key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintln(w, "Installed:  no")
	case err != nil:
		return fmt.Errorf("reading install record: %w", err)
	default:
		fmt.Fprintf(w, "Installed:  %s\n", inst.Path)
		fmt.Fprintf(w, "Size:       %s\n", humanize.IBytes(uint64(inst.Size)))
		if inst.SHA256 != "" {
			fmt.Fprintf(w, "SHA-256:    %s\n", inst.SHA256)
		}
		fmt.Fprintf(w, "Since:      %s (%s)\n", inst.InstalledAt.Format("2006-01-02 15:04"), humanize.Time(inst.InstalledAt))
	}
	fmt.Fprintln(w, "")

	runs, err := st.ListRuns(key, limit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No install runs recorded")
		return nil
	}

	fmt.Fprintf(w, "%-17s %-12s %-16s %10s %8s %9s\n", "Started", "State", "Reason", "Size", "Attempts", "Duration")
	fmt.Fprintln(w, strings.Repeat("-", 78))
	for _, r := range runs {
		duration := "-"
		if r.Finished() && !r.EndTime.IsZero() {
			duration = r.EndTime.Sub(r.StartTime).Round(100 * time.Millisecond).String()
		}
		reason := r.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%-17s %-12s %-16s %10s %8d %9s\n",
			r.StartTime.Format("2006-01-02 15:04"),
			r.State,
			reason,
			humanize.IBytes(uint64(r.Bytes)),
			r.Attempts,
			duration,
		)
	}
	fmt.Fprintln(w, "")

	return nil
}
