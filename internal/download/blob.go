package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/BadgerOps/modelinstall/internal/progress"
)

// BucketOpener opens a gocloud bucket from its URL.
type BucketOpener interface {
	OpenBucket(ctx context.Context, urlstr string) (*blob.Bucket, error)
}

// BucketOpenerFunc adapts a function to BucketOpener.
type BucketOpenerFunc func(ctx context.Context, urlstr string) (*blob.Bucket, error)

// OpenBucket calls f.
func (f BucketOpenerFunc) OpenBucket(ctx context.Context, urlstr string) (*blob.Bucket, error) {
	return f(ctx, urlstr)
}

// URLOpener opens buckets through the gocloud URL scheme registry
// (gs://, s3://, file://, mem://); drivers register themselves on import.
var URLOpener BucketOpener = BucketOpenerFunc(blob.OpenBucket)

// Buckets caches opened buckets by URL so repeated attempts reuse one
// client. It is safe for concurrent use.
type Buckets struct {
	opener BucketOpener

	mu     sync.Mutex
	opened map[string]*blob.Bucket
}

// NewBuckets creates a cache over opener. A nil opener uses URLOpener.
func NewBuckets(opener BucketOpener) *Buckets {
	if opener == nil {
		opener = URLOpener
	}
	return &Buckets{opener: opener, opened: make(map[string]*blob.Bucket)}
}

// Get returns the bucket for urlstr, opening it on first use.
func (b *Buckets) Get(ctx context.Context, urlstr string) (*blob.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bkt, ok := b.opened[urlstr]; ok {
		return bkt, nil
	}
	bkt, err := b.opener.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", urlstr, err)
	}
	b.opened[urlstr] = bkt
	return bkt, nil
}

// Close closes every bucket opened through the cache.
func (b *Buckets) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for u, bkt := range b.opened {
		if err := bkt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", u, err))
		}
		delete(b.opened, u)
	}
	return errors.Join(errs...)
}

// blobFetcher streams a whole object. Object storage reads here are not
// range-resumed, so every attempt starts from an empty partial file.
type blobFetcher struct {
	src     BlobRef
	buckets *Buckets
	logger  *slog.Logger
}

func (f *blobFetcher) attempts(budget int) int { return budget }

func (f *blobFetcher) keepPartial(err error) bool { return false }

func (f *blobFetcher) delay(base time.Duration, attempt int) time.Duration { return base }

func (f *blobFetcher) fetch(ctx context.Context, target Target, sink progress.Sink) (*Result, error) {
	partial := target.PartialPath()
	if err := target.Discard(); err != nil {
		return nil, &TransferError{Kind: ErrIO, Op: "discard partial", Permanent: true, Err: err}
	}

	bkt, err := f.buckets.Get(ctx, f.src.Bucket)
	if err != nil {
		return nil, blobError(ctx, "open bucket", err)
	}

	attrs, err := bkt.Attributes(ctx, f.src.Object)
	if err != nil {
		return nil, blobError(ctx, "metadata", err)
	}
	total := attrs.Size
	sink.Report(progress.Sample{Bytes: 0, Total: total, At: time.Now()})

	r, err := bkt.NewReader(ctx, f.src.Object, nil)
	if err != nil {
		return nil, blobError(ctx, "open object", err)
	}
	defer r.Close()

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, &TransferError{Kind: ErrIO, Op: "open target", Permanent: true, Err: err}
	}

	n, err := copyWithProgress(ctx, out, r, make([]byte, remoteBufferSize), 0, total, sink)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = &copyError{err: cerr}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled("download", ctx.Err())
		}
		var ce *copyError
		if errors.As(err, &ce) && !ce.read {
			return nil, &TransferError{Kind: ErrIO, Op: "write", Err: err}
		}
		return nil, blobError(ctx, "download", err)
	}
	if total >= 0 && n != total {
		return nil, &TransferError{Kind: ErrNetwork, Op: "download", Err: fmt.Errorf("short read: got %d bytes, expected %d", n, total)}
	}

	f.logger.Debug("blob download complete", "bucket", f.src.Bucket, "object", f.src.Object, "bytes", n)
	return &Result{Path: partial, Size: n}, nil
}

// blobError maps a gocloud error onto the transfer taxonomy.
func blobError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return cancelled(op, ctx.Err())
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound, gcerrors.PermissionDenied, gcerrors.InvalidArgument, gcerrors.Unimplemented:
		return &TransferError{Kind: ErrNetwork, Op: op, Permanent: true, Err: err}
	case gcerrors.DeadlineExceeded:
		return &TransferError{Kind: ErrTimeout, Op: op, Err: err}
	}
	return &TransferError{Kind: classifyNetErr(err), Op: op, Err: err}
}
