package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	// Bucket drivers register their URL schemes on import.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/BadgerOps/modelinstall/internal/config"
	"github.com/BadgerOps/modelinstall/internal/download"
	"github.com/BadgerOps/modelinstall/internal/install"
	"github.com/BadgerOps/modelinstall/internal/locate"
	"github.com/BadgerOps/modelinstall/internal/verify"
)

// newEngine builds the transfer engine from the transfer settings.
func newEngine(cfg *config.Config, buckets *download.Buckets, log *slog.Logger) (*download.Engine, error) {
	t := cfg.Transfer
	connect, read, delay, err := t.Durations()
	if err != nil {
		return nil, err
	}

	return download.NewEngine(download.Options{
		RetryAttempts:  t.RetryAttempts,
		RetryDelay:     delay,
		Backoff:        download.Backoff(t.Backoff),
		ConnectTimeout: connect,
		ReadTimeout:    read,
		UserAgent:      t.UserAgent,
	}, newProbe(cfg, buckets), buckets, log), nil
}

// newProbe gates every remote attempt. HTTP sources probe probe_url or
// their own host; blob sources probe probe_url when set and always check
// that their bucket answers.
func newProbe(cfg *config.Config, buckets *download.Buckets) download.Probe {
	return download.Probes{
		&download.HTTPProbe{URL: cfg.Transfer.ProbeURL, UA: cfg.Transfer.UserAgent},
		&download.BucketProbe{Buckets: buckets},
	}
}

// newVerifier builds the verifier from the artifact and verify settings.
func newVerifier(cfg *config.Config, log *slog.Logger) (*verify.Verifier, error) {
	minSize, err := cfg.Artifact.MinBytes()
	if err != nil {
		return nil, err
	}
	expected, err := cfg.Artifact.ExpectedBytes()
	if err != nil {
		return nil, err
	}
	chunk, err := cfg.Verify.ChunkBytes()
	if err != nil {
		return nil, err
	}
	return verify.New(verify.Options{
		MinSize:      minSize,
		ExpectedSize: expected,
		ChunkSize:    int(chunk),
	}, log), nil
}

// newLister picks the folder lister for the source kind. Local folders are
// listed through fileblob so they behave exactly like a bucket.
func newLister(cfg *config.Config, buckets *download.Buckets) (locate.Lister, error) {
	s := cfg.Artifact.Source
	switch s.Kind {
	case config.KindLocal:
		return &locate.BlobLister{BucketURL: fileBucketURL(s.Path), Buckets: buckets}, nil
	case config.KindHTTP:
		return &locate.HTTPLister{BaseURL: s.URL, Headers: s.Headers, UserAgent: cfg.Transfer.UserAgent}, nil
	case config.KindBlob:
		return &locate.BlobLister{BucketURL: s.Bucket, Buckets: buckets}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", s.Kind)
}

func fileBucketURL(dir string) string {
	return "file://" + filepath.ToSlash(filepath.Clean(dir))
}

// exactSource maps a config source with no folder to a download source.
func exactSource(s config.SourceConfig) (download.Source, error) {
	switch s.Kind {
	case config.KindLocal:
		return download.LocalPath{Path: s.Path}, nil
	case config.KindHTTP:
		return download.HTTPURL{URL: s.URL, Headers: s.Headers}, nil
	case config.KindBlob:
		return download.BlobRef{Bucket: s.Bucket, Object: s.Object}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", s.Kind)
}

// buildPlan turns a validated config into an install plan.
func buildPlan(cfg *config.Config, buckets *download.Buckets, lockWait time.Duration, log *slog.Logger) (install.Plan, error) {
	expected, err := cfg.Artifact.ExpectedBytes()
	if err != nil {
		return install.Plan{}, err
	}

	plan := install.Plan{
		Key:          cfg.Key(),
		FileName:     cfg.DefaultFileName(),
		TargetDir:    cfg.Artifact.TargetDir,
		ExpectedSize: expected,
		SHA256:       strings.ToLower(strings.TrimSpace(cfg.Artifact.SHA256)),
		Verify:       cfg.Verify.Enabled,
		LockWait:     lockWait,
	}

	s := cfg.Artifact.Source
	if s.NeedsDiscovery() {
		lister, err := newLister(cfg, buckets)
		if err != nil {
			return install.Plan{}, err
		}
		plan.Folder = s.Folder
		plan.Locator = locate.New(lister, cfg.Artifact.Suffix, locate.TieBreak(cfg.Artifact.TieBreak), log)
		return plan, nil
	}

	src, err := exactSource(s)
	if err != nil {
		return install.Plan{}, err
	}
	plan.Source = src
	if plan.FileName == "" {
		return install.Plan{}, fmt.Errorf("cannot derive a file name from %q: set artifact.file_name", s.Location())
	}
	return plan, nil
}
