package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/BadgerOps/modelinstall/internal/config"
	"github.com/BadgerOps/modelinstall/internal/download"
	"github.com/BadgerOps/modelinstall/internal/install"
	"github.com/BadgerOps/modelinstall/internal/progress"
	"github.com/BadgerOps/modelinstall/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testConfig(t *testing.T, src config.SourceConfig) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Artifact.Source = src
	cfg.Artifact.TargetDir = t.TempDir()
	cfg.Artifact.MinSize = "16"
	cfg.Transfer.RetryDelay = "1ms"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func TestBuildPlanExactSources(t *testing.T) {
	tests := []struct {
		name     string
		src      config.SourceConfig
		wantSrc  download.Source
		wantName string
	}{
		{
			name:     "local",
			src:      config.SourceConfig{Kind: config.KindLocal, Path: "/srv/models/gemma.task"},
			wantSrc:  download.LocalPath{Path: "/srv/models/gemma.task"},
			wantName: "gemma.task",
		},
		{
			name:     "http with query",
			src:      config.SourceConfig{Kind: config.KindHTTP, URL: "https://models.example.com/v1/gemma.task?token=x"},
			wantSrc:  download.HTTPURL{URL: "https://models.example.com/v1/gemma.task?token=x"},
			wantName: "gemma.task",
		},
		{
			name:     "blob",
			src:      config.SourceConfig{Kind: config.KindBlob, Bucket: "gs://models", Object: "llm/gemma.task"},
			wantSrc:  download.BlobRef{Bucket: "gs://models", Object: "llm/gemma.task"},
			wantName: "gemma.task",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, tt.src)
			plan, err := buildPlan(cfg, download.NewBuckets(nil), 0, discardLogger())
			if err != nil {
				t.Fatalf("buildPlan: %v", err)
			}
			if plan.Locator != nil || plan.Folder != "" {
				t.Error("exact source must not use discovery")
			}
			if download.Describe(plan.Source) != download.Describe(tt.wantSrc) {
				t.Errorf("expected source %s, got %s", download.Describe(tt.wantSrc), download.Describe(plan.Source))
			}
			if plan.FileName != tt.wantName {
				t.Errorf("expected file name %q, got %q", tt.wantName, plan.FileName)
			}
			if plan.Key != cfg.Key() || plan.TargetDir != cfg.Artifact.TargetDir {
				t.Errorf("unexpected plan identity %+v", plan)
			}
			if !plan.Verify {
				t.Error("verification is on by default")
			}
		})
	}
}

func TestBuildPlanDiscovery(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Kind: config.KindBlob, Bucket: "mem://", Folder: "llm"})
	cfg.Artifact.SHA256 = strings.Repeat("AB", 32)

	plan, err := buildPlan(cfg, download.NewBuckets(nil), 0, discardLogger())
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	if plan.Source != nil {
		t.Error("discovery plan must not carry a fixed source")
	}
	if plan.Locator == nil || plan.Folder != "llm" {
		t.Errorf("expected locator over llm, got %+v", plan)
	}
	if plan.SHA256 != strings.Repeat("ab", 32) {
		t.Errorf("expected normalized digest, got %q", plan.SHA256)
	}
}

func TestBuildPlanRequiresFileName(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Kind: config.KindHTTP, URL: "https://models.example.com/"})
	if _, err := buildPlan(cfg, download.NewBuckets(nil), 0, discardLogger()); err == nil {
		t.Fatal("expected error when no file name can be derived")
	}

	cfg.Artifact.FileName = "model.task"
	plan, err := buildPlan(cfg, download.NewBuckets(nil), 0, discardLogger())
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	if plan.FileName != "model.task" {
		t.Errorf("expected configured file name, got %q", plan.FileName)
	}
}

func TestFileBucketURL(t *testing.T) {
	if got := fileBucketURL("/srv/models/"); got != "file:///srv/models" {
		t.Errorf("unexpected bucket URL %q", got)
	}
}

func TestRunInstallHTTP(t *testing.T) {
	content := bytes.Repeat([]byte("model-bytes-"), 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	cfg := testConfig(t, config.SourceConfig{Kind: config.KindHTTP, URL: server.URL + "/gemma.task"})
	cfg.Store.KeepRuns = 1
	st := newTestStore(t)

	var progressOut bytes.Buffer
	out, err := runInstall(context.Background(), cfg, st, &progressOut, discardLogger())
	if err != nil {
		t.Fatalf("runInstall: %v", err)
	}
	if !out.OK() {
		t.Fatalf("expected installed, got %+v", out)
	}
	got, err := os.ReadFile(filepath.Join(cfg.Artifact.TargetDir, "gemma.task"))
	if err != nil || !bytes.Equal(got, content) {
		t.Fatalf("installed content differs: %v", err)
	}
	if !strings.Contains(progressOut.String(), "downloading") {
		t.Errorf("expected download progress, got %q", progressOut.String())
	}

	out, err = runInstall(context.Background(), cfg, st, io.Discard, discardLogger())
	if err != nil || !out.AlreadyInstalled {
		t.Fatalf("expected second run to short-circuit, got %+v, %v", out, err)
	}

	runs, err := st.ListRuns(cfg.Key(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected history pruned to 1 run, got %d", len(runs))
	}
}

func TestRunInstallLocalFolderDiscovery(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "llm"), 0755); err != nil {
		t.Fatal(err)
	}
	content := bytes.Repeat([]byte("w"), 2048)
	if err := os.WriteFile(filepath.Join(root, "llm", "gemma-2b.task"), content, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "llm", "README.md"), []byte("docs"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t, config.SourceConfig{Kind: config.KindLocal, Path: root, Folder: "llm"})
	st := newTestStore(t)

	out, err := runInstall(context.Background(), cfg, st, io.Discard, discardLogger())
	if err != nil {
		t.Fatalf("runInstall: %v", err)
	}
	if !out.OK() || out.ArtifactName != "gemma-2b.task" {
		t.Fatalf("expected gemma-2b.task installed, got %+v", out)
	}
	if _, err := os.Stat(filepath.Join(cfg.Artifact.TargetDir, "gemma-2b.task")); err != nil {
		t.Errorf("expected installed file: %v", err)
	}
}

func TestForgetInstall(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Kind: config.KindLocal, Path: "/srv/gemma.task"})
	st := newTestStore(t)

	path := filepath.Join(cfg.Artifact.TargetDir, "gemma.task")
	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := st.SetInstalled(&store.InstalledArtifact{ArtifactKey: cfg.Key(), Name: "gemma.task", Path: path}); err != nil {
		t.Fatalf("SetInstalled: %v", err)
	}

	if err := forgetInstall(cfg, st, discardLogger()); err != nil {
		t.Fatalf("forgetInstall: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected installed file removed")
	}
	if _, err := st.GetInstalled(cfg.Key()); err == nil {
		t.Error("expected install record cleared")
	}
}

func TestExitCode(t *testing.T) {
	tests := map[install.Reason]int{
		install.ReasonBusy:      75,
		install.ReasonCancelled: 130,
		install.ReasonConfig:    78,
		install.ReasonTransfer:  1,
		install.ReasonIntegrity: 1,
	}
	for reason, want := range tests {
		if got := exitCode(reason); got != want {
			t.Errorf("exitCode(%s) = %d, want %d", reason, got, want)
		}
	}
}

func TestFormatStatus(t *testing.T) {
	s := install.Status{State: install.StateDownloading, Update: progress.Update{
		Phase: "downloading", Percent: 50, Bytes: 1024, Total: 2048, BytesPerSecond: 512,
	}}
	got := formatStatus(s)
	for _, want := range []string{"downloading", "50%", "1.0 KiB / 2.0 KiB", "512 B/s"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %q", want, got)
		}
	}

	s.Percent = -1
	s.Total = -1
	if got := formatStatus(s); strings.Contains(got, "%") {
		t.Errorf("indeterminate progress must not show a percentage: %q", got)
	}
}

func TestPrintStatus(t *testing.T) {
	st := newTestStore(t)

	var empty bytes.Buffer
	if err := printStatus(&empty, st, "k", 10); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	if !strings.Contains(empty.String(), "Installed:  no") || !strings.Contains(empty.String(), "No install runs recorded") {
		t.Errorf("unexpected empty status: %s", empty.String())
	}

	run := &store.InstallRun{ArtifactKey: "k", Source: "http:x", State: "failed", Reason: "transfer-error", Attempts: 3}
	if err := st.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.SetInstalled(&store.InstalledArtifact{ArtifactKey: "k", Name: "m.task", Path: "/models/m.task", Size: 4096}); err != nil {
		t.Fatalf("SetInstalled: %v", err)
	}

	var out bytes.Buffer
	if err := printStatus(&out, st, "k", 10); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	for _, want := range []string{"/models/m.task", "4.0 KiB", "transfer-error"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in status output:\n%s", want, out.String())
		}
	}
}

func TestBlobGateWithoutConfiguredURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transfer.ProbeURL = ""
	src := download.BlobRef{Bucket: "gs://models", Object: "llm/m.task"}

	var opens atomic.Int32
	offline := download.NewBuckets(download.BucketOpenerFunc(func(ctx context.Context, urlstr string) (*blob.Bucket, error) {
		opens.Add(1)
		return nil, errors.New("dial tcp: network is unreachable")
	}))
	gate := newProbe(cfg, offline)
	for i := 0; i < 2; i++ {
		if err := gate.Check(context.Background(), src); !errors.Is(err, download.ErrOffline) {
			t.Fatalf("check %d: expected ErrOffline, got %v", i, err)
		}
	}
	if opens.Load() != 2 {
		t.Errorf("expected the bucket checked on every call, got %d", opens.Load())
	}

	online := download.NewBuckets(download.BucketOpenerFunc(func(ctx context.Context, urlstr string) (*blob.Bucket, error) {
		return memblob.OpenBucket(nil), nil
	}))
	defer online.Close()
	if err := newProbe(cfg, online).Check(context.Background(), src); err != nil {
		t.Errorf("expected reachable bucket to pass, got %v", err)
	}
}
