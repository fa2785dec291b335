package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// ErrOffline is returned by a Probe when the network cannot reach anything.
var ErrOffline = errors.New("network unreachable")

// Probe gates each transfer attempt on real reachability.
type Probe interface {
	Check(ctx context.Context, src Source) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, src Source) error

// Check calls f.
func (f ProbeFunc) Check(ctx context.Context, src Source) error { return f(ctx, src) }

// AlwaysOnline is a Probe that never blocks an attempt.
var AlwaysOnline Probe = ProbeFunc(func(context.Context, Source) error { return nil })

// HTTPProbe validates reachability with a short HEAD request. Any HTTP
// response, whatever its status, proves a working route to a server; only a
// transport failure counts as offline. This catches captive links and dead
// uplinks that a bare interface check would miss.
type HTTPProbe struct {
	// URL is probed when set; otherwise HTTP sources probe their own host
	// and other sources are let through.
	URL     string
	Client  *http.Client
	Timeout time.Duration
	UA      string
}

// Check implements Probe.
func (p *HTTPProbe) Check(ctx context.Context, src Source) error {
	target := p.URL
	if target == "" {
		hs, ok := src.(HTTPURL)
		if !ok {
			return nil
		}
		u, err := url.Parse(hs.URL)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		target = (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, target, nil)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if p.UA != "" {
		req.Header.Set("User-Agent", p.UA)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	resp.Body.Close()
	return nil
}

// BucketProbe checks that the bucket of a blob source answers before each
// attempt. Other sources pass.
type BucketProbe struct {
	Buckets *Buckets
	Timeout time.Duration
}

// Check implements Probe.
func (p *BucketProbe) Check(ctx context.Context, src Source) error {
	ref, ok := src.(BlobRef)
	if !ok || p.Buckets == nil {
		return nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bkt, err := p.Buckets.Get(reqCtx, ref.Bucket)
	if err == nil {
		var accessible bool
		accessible, err = bkt.IsAccessible(reqCtx)
		if err == nil && !accessible {
			err = fmt.Errorf("bucket %s is not accessible", ref.Bucket)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return nil
}

// Probes runs each probe in order and stops at the first failure.
type Probes []Probe

// Check implements Probe.
func (ps Probes) Check(ctx context.Context, src Source) error {
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Check(ctx, src); err != nil {
			return err
		}
	}
	return nil
}
