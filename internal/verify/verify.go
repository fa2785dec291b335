// Package verify checks that an installed artifact is exactly the bytes
// that were intended: basic file sanity followed by a streaming SHA-256
// comparison against an expected digest.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BadgerOps/modelinstall/internal/progress"
)

const (
	// DefaultMinSize is the floor below which a file is treated as corrupt.
	// Real model artifacts are hundreds of megabytes or more.
	DefaultMinSize int64 = 1024 * 1024

	// DefaultChunkSize is the read size used while hashing.
	DefaultChunkSize = 1024 * 1024
)

// Reason distinguishes why a file failed verification.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMissing          Reason = "missing"
	ReasonNotRegular       Reason = "not-regular"
	ReasonTooSmall         Reason = "too-small"
	ReasonSizeMismatch     Reason = "size-mismatch"
	ReasonUnreadable       Reason = "unreadable"
	ReasonChecksumMismatch Reason = "checksum-mismatch"
)

// ErrIntegrity is matched by every *IntegrityError via errors.Is.
var ErrIntegrity = errors.New("integrity check failed")

// Result is the outcome of a verification.
type Result struct {
	Valid  bool
	Reason Reason
	Detail string
	Path   string
	Size   int64
	SHA256 string // empty when digest validation was skipped
}

// Err converts an invalid result into an *IntegrityError, or nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &IntegrityError{Reason: r.Reason, Path: r.Path, Detail: r.Detail}
}

// IntegrityError describes a failed verification.
type IntegrityError struct {
	Reason Reason
	Path   string
	Detail string
}

func (e *IntegrityError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("integrity check failed for %s: %s: %s", e.Path, e.Reason, e.Detail)
	}
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

// Is reports whether target is ErrIntegrity.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Options configures a Verifier.
type Options struct {
	// MinSize is the smallest acceptable file size. Default: 1 MiB.
	MinSize int64
	// ExpectedSize, when positive, must match the file size exactly.
	ExpectedSize int64
	// ChunkSize is the hashing read size. Default: 1 MiB.
	ChunkSize int
}

// Verifier runs basic and digest validation over a file on disk.
type Verifier struct {
	opts   Options
	logger *slog.Logger
	open   func(name string) (*os.File, error)
}

// New creates a Verifier.
func New(opts Options, logger *slog.Logger) *Verifier {
	if opts.MinSize <= 0 {
		opts.MinSize = DefaultMinSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{opts: opts, logger: logger, open: os.Open}
}

// Basic runs the cheap checks only: the file exists, is a regular file, can
// be opened for reading and is at least MinSize bytes (and ExpectedSize,
// when configured).
func (v *Verifier) Basic(path string) Result {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{Reason: ReasonMissing, Path: path}
		}
		return Result{Reason: ReasonUnreadable, Path: path, Detail: err.Error()}
	}
	if !fi.Mode().IsRegular() {
		return Result{Reason: ReasonNotRegular, Path: path, Detail: fi.Mode().String()}
	}

	f, err := v.open(path)
	if err != nil {
		return Result{Reason: ReasonUnreadable, Path: path, Size: fi.Size(), Detail: err.Error()}
	}
	f.Close()

	size := fi.Size()
	if size <= 0 || size < v.opts.MinSize {
		return Result{
			Reason: ReasonTooSmall,
			Path:   path,
			Size:   size,
			Detail: fmt.Sprintf("%d bytes, minimum %d", size, v.opts.MinSize),
		}
	}
	if v.opts.ExpectedSize > 0 && size != v.opts.ExpectedSize {
		return Result{
			Reason: ReasonSizeMismatch,
			Path:   path,
			Size:   size,
			Detail: fmt.Sprintf("got %d bytes, expected %d", size, v.opts.ExpectedSize),
		}
	}
	return Result{Valid: true, Path: path, Size: size}
}

// Verify runs the basic checks and, when expectedSHA256 is non-empty,
// streams the file through SHA-256 and compares the digests
// case-insensitively. Hashing progress is reported to sink.
//
// The returned error is non-nil only when ctx is cancelled mid-hash; in that
// case the file has not been judged and must not be deleted. The caller is
// responsible for removing files that come back invalid.
func (v *Verifier) Verify(ctx context.Context, path, expectedSHA256 string, sink progress.Sink) (Result, error) {
	res := v.Basic(path)
	if !res.Valid {
		v.logger.Warn("artifact failed basic validation", "path", path, "reason", res.Reason, "detail", res.Detail)
		return res, nil
	}

	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expected == "" {
		v.logger.Debug("no expected digest configured, skipping checksum", "path", path)
		return res, nil
	}

	actual, _, err := HashFile(ctx, path, v.opts.ChunkSize, sink)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Path: path, Size: res.Size}, fmt.Errorf("verification cancelled: %w", ctx.Err())
		}
		return Result{Reason: ReasonUnreadable, Path: path, Size: res.Size, Detail: err.Error()}, nil
	}

	res.SHA256 = actual
	if actual != expected {
		v.logger.Warn("checksum mismatch", "path", path, "expected", expected, "actual", actual)
		res.Valid = false
		res.Reason = ReasonChecksumMismatch
		res.Detail = fmt.Sprintf("got %s, expected %s", actual, expected)
		return res, nil
	}

	v.logger.Info("checksum verified", "path", path, "sha256", actual, "size", res.Size)
	return res, nil
}

// HashFile computes the lowercase hex SHA-256 of the file at path, reading
// chunkSize bytes at a time and reporting progress after every chunk. It
// checks ctx between chunks.
func HashFile(ctx context.Context, path string, chunkSize int, sink progress.Sink) (string, int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if sink == nil {
		sink = progress.Discard
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	total := int64(-1)
	if fi, err := f.Stat(); err == nil {
		total = fi.Size()
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	var read int64
	sink.Report(progress.Sample{Bytes: 0, Total: total, At: time.Now()})
	for {
		if err := ctx.Err(); err != nil {
			return "", read, err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			read += int64(n)
			sink.Report(progress.Sample{Bytes: read, Total: total, At: time.Now()})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", read, rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), read, nil
}
