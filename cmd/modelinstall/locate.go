package main

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/modelinstall/internal/download"
	"github.com/BadgerOps/modelinstall/internal/locate"
)

func newLocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Resolve the artifact in the configured folder without installing it",
		Long: `List the configured source folder and report which object would be
installed. Exactly one object must carry the configured suffix unless
artifact.tie_break is "first".`,
		Example: `  modelinstall locate
  modelinstall locate --config ./modelinstall.yaml`,
		RunE: locateRun,
	}

	return cmd
}

func locateRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s := globalCfg.Artifact.Source
	if !s.NeedsDiscovery() {
		fmt.Printf("No folder configured; the artifact is %s\n", s.Location())
		return nil
	}

	buckets := download.NewBuckets(nil)
	defer buckets.Close()

	lister, err := newLister(globalCfg, buckets)
	if err != nil {
		return err
	}
	loc := locate.New(lister, globalCfg.Artifact.Suffix, locate.TieBreak(globalCfg.Artifact.TieBreak), log)

	art, err := loc.Locate(cmdContext(cmd), s.Folder)
	if err != nil {
		return err
	}

	fmt.Printf("Name:   %s\n", art.Name)
	fmt.Printf("Key:    %s\n", art.Key)
	if art.Size > 0 {
		fmt.Printf("Size:   %s\n", humanize.IBytes(uint64(art.Size)))
	}
	fmt.Printf("Source: %s\n", download.Describe(art.Source))
	return nil
}
