package download

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrorKind classifies a transfer failure.
type ErrorKind string

const (
	ErrNetwork   ErrorKind = "network"
	ErrIO        ErrorKind = "io"
	ErrTimeout   ErrorKind = "timeout"
	ErrCancelled ErrorKind = "cancelled"
)

// TransferError is returned by Engine.Transfer and by individual fetch
// attempts.
type TransferError struct {
	Kind     ErrorKind
	Op       string
	Attempts int
	// Permanent errors are not retried (e.g. HTTP 404, missing local file).
	Permanent bool
	// Resumable marks a clean mid-body disconnect from a range-capable
	// server: the partial bytes on disk are good and may be resumed.
	Resumable bool
	Err       error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("transfer %s error", e.Kind)
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransferError
	if errors.As(err, &te) {
		if te.Permanent || te.Kind == ErrCancelled {
			return false
		}
		return te.Kind == ErrNetwork || te.Kind == ErrTimeout
	}
	return false
}

// shouldNotRetry returns true for HTTP responses that another attempt will
// not fix: 4xx other than 408 and 429.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		code := httpErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return true
		}
	}
	return false
}

// classifyNetErr maps a transport-level error to an ErrorKind.
func classifyNetErr(err error) ErrorKind {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return ErrTimeout
	}
	return ErrNetwork
}

func cancelled(op string, err error) *TransferError {
	return &TransferError{Kind: ErrCancelled, Op: op, Permanent: true, Err: err}
}
