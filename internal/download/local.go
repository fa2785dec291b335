package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BadgerOps/modelinstall/internal/progress"
)

// localFetcher copies a file that is already on disk. A local copy is fast
// and its failures are not transient, so it runs a single attempt and never
// resumes.
type localFetcher struct {
	src    LocalPath
	logger *slog.Logger
}

func (f *localFetcher) attempts(budget int) int { return 1 }

func (f *localFetcher) keepPartial(err error) bool { return false }

func (f *localFetcher) delay(base time.Duration, attempt int) time.Duration { return 0 }

func (f *localFetcher) fetch(ctx context.Context, target Target, sink progress.Sink) (*Result, error) {
	in, err := os.Open(f.src.Path)
	if err != nil {
		return nil, &TransferError{Kind: ErrIO, Op: "open source", Permanent: true, Err: err}
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return nil, &TransferError{Kind: ErrIO, Op: "stat source", Permanent: true, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return nil, &TransferError{Kind: ErrIO, Op: "open source", Permanent: true, Err: fmt.Errorf("%s is not a regular file", f.src.Path)}
	}

	out, err := os.OpenFile(target.PartialPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, &TransferError{Kind: ErrIO, Op: "open target", Permanent: true, Err: err}
	}

	total := fi.Size()
	n, err := copyWithProgress(ctx, out, in, make([]byte, localBufferSize), 0, total, sink)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, cancelled("copy", err)
		}
		return nil, &TransferError{Kind: ErrIO, Op: "copy", Permanent: true, Err: err}
	}

	f.logger.Debug("local copy complete", "source", f.src.Path, "bytes", n)
	return &Result{Path: target.PartialPath(), Size: n}, nil
}
