package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BadgerOps/modelinstall/internal/progress"
)

const (
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 2 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 60 * time.Second
)

// Backoff selects how the HTTP retry delay grows between attempts.
type Backoff string

const (
	BackoffLinear Backoff = "linear"
	BackoffFixed  Backoff = "fixed"
)

// Options configures an Engine.
type Options struct {
	// RetryAttempts is the attempt budget for retryable sources. Default: 3.
	RetryAttempts int
	// RetryDelay is the base delay between attempts. HTTP backs off
	// linearly (delay × attempt); blob storage waits a fixed delay.
	// Default: 2s. Negative disables waiting.
	RetryDelay time.Duration
	// Backoff applies to HTTP sources. Default: linear.
	Backoff Backoff
	// ConnectTimeout bounds dialing, TLS and waiting for response headers.
	ConnectTimeout time.Duration
	// ReadTimeout aborts a body read that stalls for this long. Default: 60s.
	ReadTimeout time.Duration
	// UserAgent is sent with every HTTP request.
	UserAgent string
}

// Result contains the result of a successful transfer.
type Result struct {
	Path     string        // partial path holding the transferred bytes
	Size     int64         // final file size in bytes
	Resumed  bool          // whether the transfer continued a partial file
	Attempts int           // number of attempts made
	Duration time.Duration // total transfer duration
}

// fetcher is the per-kind implementation behind Engine.Transfer.
type fetcher interface {
	// attempts returns how many tries this kind gets out of budget.
	attempts(budget int) int
	// keepPartial reports whether the partial file survives a failed attempt.
	keepPartial(err error) bool
	// delay is the wait before attempt+1.
	delay(base time.Duration, attempt int) time.Duration
	fetch(ctx context.Context, target Target, sink progress.Sink) (*Result, error)
}

// Engine performs transfers with retry logic, resumption and progress.
type Engine struct {
	opts       Options
	httpClient *http.Client
	buckets    *Buckets
	probe      Probe
	logger     *slog.Logger
	userAgent  string
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a transfer engine. A nil probe checks bucket access for
// blob sources and lets other sources through; a nil bucket cache opens
// buckets through the gocloud URL registry.
func NewEngine(opts Options, probe Probe, buckets *Buckets, logger *slog.Logger) *Engine {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Backoff == "" {
		opts.Backoff = BackoffLinear
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "modelinstall/1.0"
	}
	if buckets == nil {
		buckets = NewBuckets(nil)
	}
	if probe == nil {
		probe = &BucketProbe{Buckets: buckets}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts: opts,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.ConnectTimeout,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   2,
				// Raw bytes only: transparent gzip would break byte offsets.
				DisableCompression: true,
			},
			// No overall Timeout: large bodies take as long as they take.
			// Stalls are caught by ReadTimeout.
		},
		buckets:   buckets,
		probe:     probe,
		logger:    logger,
		userAgent: opts.UserAgent,
		sleep:     sleepCtx,
	}
}

// Close releases any buckets opened by the engine.
func (e *Engine) Close() error {
	return e.buckets.Close()
}

// Transfer copies src into target.PartialPath(), reporting progress to sink.
//
// Retryable kinds get the configured attempt budget; each attempt is gated
// by the connectivity probe. Partial output is discarded between attempts
// unless the kind says it can be resumed. On cancellation HTTP partials are
// kept for a later resume while blob and local partials are removed.
func (e *Engine) Transfer(ctx context.Context, src Source, target Target, sink progress.Sink) (*Result, error) {
	if src == nil {
		return nil, &TransferError{Kind: ErrIO, Op: "resolve source", Permanent: true, Err: errors.New("no source")}
	}
	if sink == nil {
		sink = progress.Discard
	}
	if err := target.Prepare(); err != nil {
		return nil, &TransferError{Kind: ErrIO, Op: "prepare target", Permanent: true, Err: err}
	}

	f := src.fetcher(e)
	budget := f.attempts(e.opts.RetryAttempts)
	startTime := time.Now()
	var lastErr error

	for attempt := 1; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			e.discardOnCancel(src, target)
			return nil, cancelled("transfer", err)
		}

		if src.Kind() != KindLocal {
			if err := e.probe.Check(ctx, src); err != nil {
				if ctx.Err() != nil {
					e.discardOnCancel(src, target)
					return nil, cancelled("probe", ctx.Err())
				}
				lastErr = &TransferError{Kind: ErrNetwork, Op: "probe", Err: err}
				e.logger.Warn("connectivity probe failed", "source", src.String(), "attempt", attempt, "error", err)
				if werr := e.wait(ctx, f, attempt, budget); werr != nil {
					e.discardOnCancel(src, target)
					return nil, werr
				}
				continue
			}
		}

		result, err := f.fetch(ctx, target, sink)
		if err == nil {
			result.Attempts = attempt
			result.Duration = time.Since(startTime)
			e.logger.Info("transfer complete", "source", src.String(), "path", result.Path,
				"size", result.Size, "attempts", attempt, "resumed", result.Resumed, "duration", result.Duration)
			return result, nil
		}

		lastErr = err
		e.logger.Warn("transfer attempt failed", "source", src.String(), "attempt", attempt, "error", err)

		var te *TransferError
		if errors.As(err, &te) && te.Kind == ErrCancelled {
			e.discardOnCancel(src, target)
			return nil, err
		}

		if !f.keepPartial(err) {
			if derr := target.Discard(); derr != nil {
				e.logger.Error("failed to discard partial file", "path", target.PartialPath(), "error", derr)
			}
		}

		if !IsTransient(err) {
			return nil, err
		}

		if werr := e.wait(ctx, f, attempt, budget); werr != nil {
			e.discardOnCancel(src, target)
			return nil, werr
		}
	}

	kind := ErrNetwork
	var te *TransferError
	if errors.As(lastErr, &te) {
		kind = te.Kind
	}
	return nil, &TransferError{Kind: kind, Op: "transfer", Attempts: budget, Err: lastErr}
}

// wait sleeps before the next attempt, if there is one.
func (e *Engine) wait(ctx context.Context, f fetcher, attempt, budget int) error {
	if attempt >= budget || e.opts.RetryDelay < 0 {
		return nil
	}
	d := f.delay(e.opts.RetryDelay, attempt)
	e.logger.Debug("retrying transfer", "attempt", attempt+1, "delay", d)
	if err := e.sleep(ctx, d); err != nil {
		return cancelled("retry wait", err)
	}
	return nil
}

func (e *Engine) discardOnCancel(src Source, target Target) {
	if src.Kind() == KindHTTP {
		// Keep partial file for resume on the next run
		return
	}
	if err := target.Discard(); err != nil {
		e.logger.Error("failed to discard partial file", "path", target.PartialPath(), "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Describe renders a source for logs and status output.
func Describe(src Source) string {
	if src == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s:%s", src.Kind(), src.String())
}
