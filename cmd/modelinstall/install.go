package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/modelinstall/internal/config"
	"github.com/BadgerOps/modelinstall/internal/download"
	"github.com/BadgerOps/modelinstall/internal/install"
	"github.com/BadgerOps/modelinstall/internal/safety"
	"github.com/BadgerOps/modelinstall/internal/store"
)

var (
	installLockWait time.Duration
	installForce    bool
)

// exitError carries a process exit code for a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the configured artifact",
		Long: `Install the configured artifact into the target directory.

The install command will:
  1. Skip everything if a valid copy is already installed
  2. Discover the artifact by suffix when only a folder is configured
  3. Fetch it, resuming an interrupted HTTP download
  4. Verify size and SHA-256 before it becomes visible
  5. Record the run in the install history

Only one install may run per target directory at a time.`,
		Example: `  modelinstall install
  modelinstall install --lock-wait 5m
  modelinstall install --force`,
		RunE: installRun,
	}

	cmd.Flags().DurationVar(&installLockWait, "lock-wait", 0, "wait this long for a concurrent install to finish")
	cmd.Flags().BoolVar(&installForce, "force", false, "remove any installed copy and install again")

	return cmd
}

func installRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	for _, w := range globalCfg.Warnings() {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if installForce {
		if err := forgetInstall(globalCfg, globalStore, log); err != nil {
			return err
		}
	}

	out, err := runInstall(ctx, globalCfg, globalStore, os.Stderr, log)
	if err != nil {
		return err
	}
	if !quiet {
		printOutcome(os.Stdout, out)
	}
	if !out.OK() {
		return &exitError{code: exitCode(out.Reason), err: fmt.Errorf("install failed (%s): %w", out.Reason, out.Err)}
	}
	return nil
}

// runInstall wires the engine, verifier and history store into one
// orchestrated run.
func runInstall(ctx context.Context, cfg *config.Config, st *store.Store, progressOut io.Writer, log *slog.Logger) (install.Outcome, error) {
	buckets := download.NewBuckets(nil)
	engine, err := newEngine(cfg, buckets, log)
	if err != nil {
		return install.Outcome{}, err
	}
	defer engine.Close()

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		return install.Outcome{}, err
	}
	plan, err := buildPlan(cfg, buckets, installLockWait, log)
	if err != nil {
		return install.Outcome{}, err
	}

	var observer install.Observer
	if !quiet && progressOut != nil {
		observer = newProgressPrinter(progressOut)
	}

	orch := install.New(install.Options{
		Transfer: engine,
		Verifier: verifier,
		Store:    st,
		Observer: observer,
		Logger:   log,
	})
	out := orch.Run(ctx, plan)

	if cfg.Store.KeepRuns > 0 {
		if n, err := st.PruneRuns(plan.Key, cfg.Store.KeepRuns); err != nil {
			log.Warn("failed to prune install history", "error", err)
		} else if n > 0 {
			log.Debug("pruned install history", "removed", n)
		}
	}
	return out, nil
}

// forgetInstall removes the recorded install and its file so the next run
// fetches again.
func forgetInstall(cfg *config.Config, st *store.Store, log *slog.Logger) error {
	dir := cfg.Artifact.TargetDir
	var paths []string
	if name := cfg.DefaultFileName(); name != "" {
		if p, err := safety.JoinUnder(dir, name); err == nil {
			paths = append(paths, p)
		}
	}
	if inst, err := st.GetInstalled(cfg.Key()); err == nil {
		if p, err := safety.EnsureUnderRoot(dir, inst.Path); err == nil {
			paths = append(paths, p)
		} else {
			log.Warn("ignoring recorded path outside target dir", "path", inst.Path)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading install record: %w", err)
	}

	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			log.Info("removed installed artifact", "path", p)
		case !os.IsNotExist(err):
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return st.ClearInstalled(cfg.Key())
}

func exitCode(reason install.Reason) int {
	switch reason {
	case install.ReasonBusy:
		return 75
	case install.ReasonCancelled:
		return 130
	case install.ReasonConfig:
		return 78
	}
	return 1
}

func cmdContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func printOutcome(w io.Writer, out install.Outcome) {
	switch {
	case out.OK() && out.AlreadyInstalled:
		fmt.Fprintf(w, "Already installed: %s (%s)\n", out.Path, humanize.IBytes(uint64(out.Size)))
	case out.OK():
		fmt.Fprintf(w, "Installed: %s (%s", out.Path, humanize.IBytes(uint64(out.Size)))
		if out.Resumed {
			fmt.Fprint(w, ", resumed")
		}
		if out.Attempts > 1 {
			fmt.Fprintf(w, ", %d attempts", out.Attempts)
		}
		fmt.Fprintln(w, ")")
		if out.SHA256 != "" {
			fmt.Fprintf(w, "SHA-256:   %s\n", out.SHA256)
		}
	default:
		fmt.Fprintf(w, "Failed during %s: %s\n", out.Phase, out.Reason)
		if out.Err != nil {
			fmt.Fprintf(w, "  %v\n", out.Err)
		}
	}
}

// progressPrinter renders install progress. On a terminal it redraws one
// line per state; otherwise it prints a line per update.
type progressPrinter struct {
	w    io.Writer
	tty  bool
	last install.State
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	p := &progressPrinter{w: w}
	if f, ok := w.(*os.File); ok {
		p.tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return p
}

func (p *progressPrinter) Progress(s install.Status) {
	line := formatStatus(s)
	if !p.tty {
		fmt.Fprintln(p.w, line)
		return
	}
	if p.last != "" && p.last != s.State {
		fmt.Fprintln(p.w)
	}
	p.last = s.State
	fmt.Fprintf(p.w, "\r\033[K%s", line)
}

func (p *progressPrinter) Finished(install.Outcome) {
	if p.tty && p.last != "" {
		fmt.Fprintln(p.w)
	}
}

func formatStatus(s install.Status) string {
	line := fmt.Sprintf("%-11s", s.State)
	if s.Indeterminate() {
		line += fmt.Sprintf(" %s", humanize.IBytes(uint64(s.Bytes)))
	} else {
		line += fmt.Sprintf(" %3d%%  %s / %s", s.Percent, humanize.IBytes(uint64(s.Bytes)), humanize.IBytes(uint64(s.Total)))
	}
	if s.BytesPerSecond > 0 {
		line += fmt.Sprintf("  %s/s", humanize.IBytes(uint64(s.BytesPerSecond)))
	}
	return line
}
