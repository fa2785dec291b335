// Package download is the transfer engine: it copies an artifact from one of
// a closed set of source kinds onto local disk, with resume, retry and
// non-blocking progress reporting.
package download

import (
	"fmt"
	"os"
	"path/filepath"
)

// Kind identifies a source variant.
type Kind string

const (
	KindLocal Kind = "local"
	KindHTTP  Kind = "http"
	KindBlob  Kind = "blob"
)

// Source is a resolved, immutable artifact location. The set of
// implementations is closed: LocalPath, HTTPURL and BlobRef.
type Source interface {
	Kind() Kind
	String() string
	fetcher(e *Engine) fetcher
}

// LocalPath copies from a file already on this machine.
type LocalPath struct {
	Path string
}

func (s LocalPath) Kind() Kind     { return KindLocal }
func (s LocalPath) String() string { return s.Path }

func (s LocalPath) fetcher(e *Engine) fetcher {
	return &localFetcher{src: s, logger: e.logger}
}

// HTTPURL downloads over HTTP(S) with byte-range resume.
type HTTPURL struct {
	URL     string
	Headers map[string]string
}

func (s HTTPURL) Kind() Kind     { return KindHTTP }
func (s HTTPURL) String() string { return s.URL }

func (s HTTPURL) fetcher(e *Engine) fetcher {
	return &httpFetcher{src: s, client: e.httpClient, userAgent: e.userAgent, readTimeout: e.opts.ReadTimeout, backoff: e.opts.Backoff, logger: e.logger}
}

// BlobRef streams an object from cloud blob storage. Bucket is a gocloud
// bucket URL such as "gs://models" or "s3://models?region=us-east-1".
type BlobRef struct {
	Bucket string
	Object string
}

func (s BlobRef) Kind() Kind     { return KindBlob }
func (s BlobRef) String() string { return s.Bucket + "/" + s.Object }

func (s BlobRef) fetcher(e *Engine) fetcher {
	return &blobFetcher{src: s, buckets: e.buckets, logger: e.logger}
}

// Target is the local destination of a transfer.
//
// Bytes are written to PartialPath while the transfer is in flight and
// while they are being verified; only verified bytes are renamed to Path.
// This keeps Path either absent or holding a complete artifact.
type Target struct {
	Path string
	// ExpectedSize, when positive, lets the engine discard a stale partial
	// that is already at or beyond the final size.
	ExpectedSize int64
}

// PartialPath is where in-flight bytes live.
func (t Target) PartialPath() string {
	return t.Path + ".part"
}

// Prepare creates the target's parent directories.
func (t Target) Prepare() error {
	if !filepath.IsAbs(t.Path) {
		return fmt.Errorf("target path must be absolute: %q", t.Path)
	}
	if dir := filepath.Dir(t.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Discard removes any partial bytes for this target.
func (t Target) Discard() error {
	if err := os.Remove(t.PartialPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Finalize moves verified bytes from PartialPath to Path.
func (t Target) Finalize() error {
	if err := os.Rename(t.PartialPath(), t.Path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", t.Path, err)
	}
	return nil
}
