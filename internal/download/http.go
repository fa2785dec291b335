package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/modelinstall/internal/progress"
)

var errReadTimeout = errors.New("no data received within read timeout")

// httpFetcher downloads over HTTP(S), resuming from an existing partial file
// with a Range request.
type httpFetcher struct {
	src         HTTPURL
	client      *http.Client
	userAgent   string
	readTimeout time.Duration
	backoff     Backoff
	logger      *slog.Logger
}

func (f *httpFetcher) attempts(budget int) int { return budget }

// keepPartial keeps bytes on disk only after a clean disconnect from a
// range-capable server; anything else may have left garbage behind.
func (f *httpFetcher) keepPartial(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Resumable
}

func (f *httpFetcher) delay(base time.Duration, attempt int) time.Duration {
	if f.backoff == BackoffFixed {
		return base
	}
	return base * time.Duration(attempt)
}

func (f *httpFetcher) fetch(ctx context.Context, target Target, sink progress.Sink) (*Result, error) {
	partial := target.PartialPath()

	// Check if we have a partial file we can resume from
	offset := int64(0)
	if fi, err := os.Stat(partial); err == nil {
		existing := fi.Size()
		if target.ExpectedSize > 0 && existing >= target.ExpectedSize {
			// At or past the expected size but never verified: stale.
			_ = os.Remove(partial)
		} else {
			offset = existing
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	}
	file, err := os.OpenFile(partial, flags, 0644)
	if err != nil {
		return nil, &TransferError{Kind: ErrIO, Op: "open target", Permanent: true, Err: err}
	}
	defer file.Close()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.src.URL, nil)
	if err != nil {
		return nil, &TransferError{Kind: ErrNetwork, Op: "create request", Permanent: true, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range f.src.Headers {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled("request", ctx.Err())
		}
		return nil, &TransferError{Kind: classifyNetErr(err), Op: "request", Resumable: offset > 0, Err: err}
	}
	defer resp.Body.Close()

	resumed := false
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Appending any other range would corrupt the file.
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); !ok || start != offset {
			return nil, &TransferError{
				Kind: ErrNetwork,
				Op:   "resume",
				Err:  fmt.Errorf("server returned range %q for offset %d", resp.Header.Get("Content-Range"), offset),
			}
		}
		resumed = offset > 0
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// The partial may already hold every byte (e.g. a verify step was
		// interrupted). Trust it only when the server says so.
		if size, ok := contentRangeSize(resp.Header.Get("Content-Range")); ok && size == offset {
			f.logger.Info("partial file already complete", "path", partial, "size", offset)
			sink.Report(progress.Sample{Bytes: offset, Total: offset, At: time.Now()})
			return &Result{Path: partial, Size: offset, Resumed: true}, nil
		}
		_ = file.Truncate(0)
		return nil, &TransferError{Kind: ErrNetwork, Op: "resume", Err: &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
		permanent := shouldNotRetry(httpErr)
		return nil, &TransferError{Kind: ErrNetwork, Op: "request", Permanent: permanent, Resumable: offset > 0 && !permanent, Err: httpErr}
	default:
		// 200 OK: the server ignored our Range header, restart from scratch
		if offset > 0 {
			f.logger.Info("server does not support range requests, restarting", "url", f.src.URL, "discarded_bytes", offset)
			if err := file.Truncate(0); err != nil {
				return nil, &TransferError{Kind: ErrIO, Op: "truncate", Err: err}
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return nil, &TransferError{Kind: ErrIO, Op: "truncate", Err: err}
			}
			offset = 0
		}
	}
	rangeCapable := resp.StatusCode == http.StatusPartialContent || resp.Header.Get("Accept-Ranges") == "bytes"

	// Total is existing + remaining when resuming, else the full length.
	total := resp.ContentLength
	if total >= 0 && offset > 0 {
		total += offset
	}
	if total < 0 {
		if target.ExpectedSize > 0 {
			total = target.ExpectedSize
		} else {
			total = -1
		}
	}

	sink.Report(progress.Sample{Bytes: offset, Total: total, At: time.Now()})

	body := io.Reader(resp.Body)
	var idle *time.Timer
	if f.readTimeout > 0 {
		idle = time.AfterFunc(f.readTimeout, cancel)
		defer idle.Stop()
		body = &idleReader{r: resp.Body, timer: idle, timeout: f.readTimeout}
	}

	n, err := copyWithProgress(ctx, file, body, make([]byte, remoteBufferSize), offset, total, sink)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled("download", ctx.Err())
		}
		var ce *copyError
		if errors.As(err, &ce) && !ce.read {
			return nil, &TransferError{Kind: ErrIO, Op: "write", Err: err}
		}
		kind := classifyNetErr(err)
		if reqCtx.Err() != nil {
			kind, err = ErrTimeout, errReadTimeout
		}
		return nil, &TransferError{Kind: kind, Op: "download", Resumable: rangeCapable && offset+n > 0, Err: err}
	}

	finalSize := offset + n
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, &TransferError{
			Kind:      ErrNetwork,
			Op:        "download",
			Resumable: rangeCapable,
			Err:       fmt.Errorf("short body: got %d bytes, expected %d", n, resp.ContentLength),
		}
	}

	return &Result{Path: partial, Size: finalSize, Resumed: resumed}, nil
}

// idleReader pushes the read deadline forward on every successful read.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

// contentRangeStart parses the first byte position out of "bytes 100-199/1234".
func contentRangeStart(h string) (int64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(h), "bytes ")
	if !ok {
		return 0, false
	}
	dash := strings.Index(rest, "-")
	if dash <= 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(rest[:dash]), 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

// contentRangeSize parses the complete length out of "bytes */1234" or
// "bytes 0-99/1234".
func contentRangeSize(h string) (int64, bool) {
	i := strings.LastIndex(h, "/")
	if i < 0 || i == len(h)-1 {
		return 0, false
	}
	size, err := strconv.ParseInt(strings.TrimSpace(h[i+1:]), 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}
