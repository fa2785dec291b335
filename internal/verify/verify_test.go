package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BadgerOps/modelinstall/internal/progress"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeArtifact writes size deterministic bytes and returns the path and digest.
func writeArtifact(t *testing.T, dir string, size int) (string, string) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(dir, "model.task")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	sum := sha256.Sum256(data)
	return path, hex.EncodeToString(sum[:])
}

func TestVerifyRoundTrip(t *testing.T) {
	path, digest := writeArtifact(t, t.TempDir(), 2*1024*1024+17)
	v := New(Options{}, testLogger())

	res, err := v.Verify(context.Background(), path, digest, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid result, got %+v", res)
	}
	if res.SHA256 != digest {
		t.Errorf("SHA256 = %s, want %s", res.SHA256, digest)
	}
}

func TestVerifyDigestCaseInsensitive(t *testing.T) {
	path, digest := writeArtifact(t, t.TempDir(), 1024*1024)
	v := New(Options{}, testLogger())

	res, err := v.Verify(context.Background(), path, "  "+strings.ToUpper(digest)+"\n", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected upper-case digest to match, got %+v", res)
	}
}

func TestVerifySingleByteFlip(t *testing.T) {
	path, digest := writeArtifact(t, t.TempDir(), 1024*1024+1)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, 4242); err != nil {
		t.Fatalf("read: %v", err)
	}
	buf[0] ^= 0x01
	if _, err := f.WriteAt(buf, 4242); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	v := New(Options{}, testLogger())
	res, err := v.Verify(context.Background(), path, digest, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Valid {
		t.Fatal("expected flipped byte to fail verification")
	}
	if res.Reason != ReasonChecksumMismatch {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonChecksumMismatch)
	}
	if !errors.Is(res.Err(), ErrIntegrity) {
		t.Errorf("expected Err() to match ErrIntegrity, got %v", res.Err())
	}
}

func TestVerifySkipsDigestWhenNotConfigured(t *testing.T) {
	path, _ := writeArtifact(t, t.TempDir(), 1024*1024)
	v := New(Options{}, testLogger())

	res, err := v.Verify(context.Background(), path, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid result without digest, got %+v", res)
	}
	if res.SHA256 != "" {
		t.Errorf("expected digest to be skipped, got %s", res.SHA256)
	}
}

func TestVerifyBasicFailures(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small.task")
	if err := os.WriteFile(small, []byte("tiny"), 0644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.task")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	subdir := filepath.Join(dir, "dir.task")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		opts Options
		want Reason
	}{
		{"missing", filepath.Join(dir, "absent.task"), Options{}, ReasonMissing},
		{"directory", subdir, Options{}, ReasonNotRegular},
		{"below floor", small, Options{}, ReasonTooSmall},
		{"empty with tiny floor", empty, Options{MinSize: 1}, ReasonTooSmall},
		{"size mismatch", small, Options{MinSize: 1, ExpectedSize: 5}, ReasonSizeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(tt.opts, testLogger())
			res, err := v.Verify(context.Background(), tt.path, "", nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Valid {
				t.Fatalf("expected invalid result")
			}
			if res.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.want)
			}
		})
	}
}

func TestBasicUnreadable(t *testing.T) {
	path, _ := writeArtifact(t, t.TempDir(), 64)
	v := New(Options{MinSize: 1}, testLogger())
	v.open = func(string) (*os.File, error) {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
	}

	res := v.Basic(path)
	if res.Valid || res.Reason != ReasonUnreadable {
		t.Fatalf("expected unreadable, got %+v", res)
	}
	if !errors.Is(res.Err(), ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", res.Err())
	}
}

func TestBasicUnreadablePermissions(t *testing.T) {
	if os.Geteuid() <= 0 {
		t.Skip("file permissions are not enforced for this user")
	}
	path, _ := writeArtifact(t, t.TempDir(), 64)
	if err := os.Chmod(path, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(path, 0644) })

	res := New(Options{MinSize: 1}, testLogger()).Basic(path)
	if res.Reason != ReasonUnreadable {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonUnreadable)
	}
}

func TestVerifyReportsProgress(t *testing.T) {
	size := 3*1024*1024 + 5
	path, digest := writeArtifact(t, t.TempDir(), size)
	v := New(Options{ChunkSize: 512 * 1024}, testLogger())

	var mu sync.Mutex
	var samples []progress.Sample
	sink := progress.SinkFunc(func(s progress.Sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	})

	if _, err := v.Verify(context.Background(), path, digest, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(samples) < 8 {
		t.Fatalf("expected a sample per chunk, got %d", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Bytes < samples[i-1].Bytes {
			t.Fatalf("samples went backwards at %d", i)
		}
	}
	last := samples[len(samples)-1]
	if last.Bytes != int64(size) || last.Total != int64(size) {
		t.Errorf("last sample = %+v, want %d/%d", last, size, size)
	}
}

func TestVerifyCancelled(t *testing.T) {
	path, digest := writeArtifact(t, t.TempDir(), 2*1024*1024)
	v := New(Options{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Verify(ctx, path, digest, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("cancelled verification must leave the file alone: %v", statErr)
	}
}

func TestHashFileMatchesSHA256(t *testing.T) {
	data := []byte("The quick brown fox jumps over the lazy dog")
	path := filepath.Join(t.TempDir(), "fox.txt")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	got, n, err := HashFile(context.Background(), path, 7, nil)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("read %d bytes, want %d", n, len(data))
	}
	const want = "d7a8fbb307d7809469ca9abcb0082e4f8d5651e46d3cdb762d02d0bf37c9e592"
	if got != want {
		t.Errorf("digest = %s, want %s", got, want)
	}
}
