package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/modelinstall/internal/progress"
	"github.com/BadgerOps/modelinstall/internal/safety"
	"github.com/BadgerOps/modelinstall/internal/store"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-check the installed artifact on disk",
		Long: `Re-run size and SHA-256 checks against the installed artifact. The digest
is compared with artifact.sha256 when configured, otherwise with the digest
recorded at install time.`,
		Example: `  modelinstall verify`,
		RunE:    verifyRun,
	}

	return cmd
}

func verifyRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	path, want, err := installedTarget()
	if err != nil {
		return err
	}

	verifier, err := newVerifier(globalCfg, log)
	if err != nil {
		return err
	}
	res, err := verifier.Verify(cmdContext(cmd), path, want, progress.Discard)
	if err != nil {
		return err
	}
	if !res.Valid {
		return &exitError{code: 1, err: res.Err()}
	}

	fmt.Printf("OK: %s (%s)\n", res.Path, humanize.IBytes(uint64(res.Size)))
	if res.SHA256 != "" {
		fmt.Printf("SHA-256: %s\n", res.SHA256)
	}
	return nil
}

// installedTarget returns the installed path and the digest to check it
// against.
func installedTarget() (string, string, error) {
	want := globalCfg.Artifact.SHA256

	inst, err := globalStore.GetInstalled(globalCfg.Key())
	if err == nil {
		path, err := safety.EnsureUnderRoot(globalCfg.Artifact.TargetDir, inst.Path)
		if err != nil {
			return "", "", err
		}
		if want == "" {
			want = inst.SHA256
		}
		return path, want, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", "", fmt.Errorf("reading install record: %w", err)
	}

	name := globalCfg.DefaultFileName()
	if name == "" {
		return "", "", fmt.Errorf("nothing installed for %s", globalCfg.Key())
	}
	path, err := safety.JoinUnder(globalCfg.Artifact.TargetDir, name)
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", "", fmt.Errorf("nothing installed at %s: %w", path, err)
	}
	return path, want, nil
}
