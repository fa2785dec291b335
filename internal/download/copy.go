package download

import (
	"context"
	"io"
	"time"

	"github.com/BadgerOps/modelinstall/internal/progress"
)

const (
	localBufferSize  = 8 * 1024
	remoteBufferSize = 32 * 1024
)

// copyError records which side of a copy failed.
type copyError struct {
	read bool
	err  error
}

func (e *copyError) Error() string { return e.err.Error() }
func (e *copyError) Unwrap() error { return e.err }

// copyWithProgress copies src to dst through buf, reporting the running
// total (offset + copied) to sink after every write. ctx is checked before
// every read.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, buf []byte, offset, total int64, sink progress.Sink) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr == nil && wn != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, &copyError{err: werr}
			}
			sink.Report(progress.Sample{Bytes: offset + written, Total: total, At: time.Now()})
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &copyError{read: true, err: rerr}
		}
	}
}
