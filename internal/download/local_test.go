package download

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTransferLocal(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.task")
	content := bytes.Repeat([]byte{0xAB, 0xCD}, 20_000)
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatal(err)
	}

	target := Target{Path: filepath.Join(dir, "installed", "model.task")}
	sink := &recordingSink{}
	result, err := newTestEngine(t, 3).Transfer(context.Background(), LocalPath{Path: srcPath}, target, sink)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if result.Size != int64(len(content)) || result.Attempts != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	got, _ := os.ReadFile(target.PartialPath())
	if !bytes.Equal(got, content) {
		t.Error("copied bytes differ from source")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	// 40000 bytes through an 8 KiB buffer
	if len(sink.samples) != 5 {
		t.Errorf("expected 5 samples, got %d", len(sink.samples))
	}
	for i := 1; i < len(sink.samples); i++ {
		if sink.samples[i].Bytes < sink.samples[i-1].Bytes {
			t.Fatalf("samples not monotonic at %d", i)
		}
	}
}

func TestTransferLocalMissingSource(t *testing.T) {
	dir := t.TempDir()
	target := Target{Path: filepath.Join(dir, "model.task")}

	_, err := newTestEngine(t, 3).Transfer(context.Background(), LocalPath{Path: filepath.Join(dir, "nope")}, target, nil)
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransferError, got %v", err)
	}
	if te.Kind != ErrIO || !te.Permanent {
		t.Errorf("expected permanent io error, got %+v", te)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("expected the underlying not-exist error to be preserved")
	}
	if _, err := os.Stat(target.PartialPath()); !os.IsNotExist(err) {
		t.Error("expected no partial file")
	}
}

func TestTransferLocalDirectorySource(t *testing.T) {
	dir := t.TempDir()
	_, err := newTestEngine(t, 3).Transfer(context.Background(), LocalPath{Path: dir}, Target{Path: filepath.Join(dir, "out")}, nil)
	if err == nil {
		t.Fatal("expected error copying a directory")
	}
}

func TestTransferLocalCancelledDiscardsPartial(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.task")
	if err := os.WriteFile(srcPath, make([]byte, 64*1024), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	target := Target{Path: filepath.Join(dir, "model.task")}
	sink := sinkAfter(16*1024, cancel)

	_, err := newTestEngine(t, 3).Transfer(ctx, LocalPath{Path: srcPath}, target, sink)
	var te *TransferError
	if !errors.As(err, &te) || te.Kind != ErrCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if _, err := os.Stat(target.PartialPath()); !os.IsNotExist(err) {
		t.Error("expected local partial to be removed on cancel")
	}
}

func TestTargetFinalize(t *testing.T) {
	dir := t.TempDir()
	target := Target{Path: filepath.Join(dir, "model.task")}
	if err := os.WriteFile(target.PartialPath(), []byte("done"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := target.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(target.PartialPath()); !os.IsNotExist(err) {
		t.Error("partial should be gone after Finalize")
	}
	if got, _ := os.ReadFile(target.Path); string(got) != "done" {
		t.Errorf("unexpected final content %q", got)
	}
	if err := target.Discard(); err != nil {
		t.Errorf("Discard with no partial should succeed, got %v", err)
	}
}
