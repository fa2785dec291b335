package install

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBusy is returned when another process holds the install lock.
var ErrBusy = errors.New("another installation is in progress")

var errLockHeld = errors.New("lock held")

// Lock is an exclusive cross-process lock on one target directory.
type Lock struct {
	fl *fileLock
}

// AcquireLock takes the lock at path, polling with backoff until wait
// elapses. A zero wait tries exactly once.
func AcquireLock(ctx context.Context, path string, wait time.Duration) (*Lock, error) {
	fl, err := openLock(path)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	sleep := 10 * time.Millisecond
	for {
		err := fl.tryLock()
		if err == nil {
			return &Lock{fl: fl}, nil
		}
		if !errors.Is(err, errLockHeld) {
			fl.release()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !time.Now().Before(deadline) {
			fl.release()
			return nil, ErrBusy
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			fl.release()
			return nil, ctx.Err()
		case <-t.C:
		}
		if sleep < 100*time.Millisecond {
			sleep *= 2
		}
	}
}

// Release unlocks. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.release()
	l.fl = nil
	return err
}
