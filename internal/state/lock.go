package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// Unlock releases a held lock.
type Unlock func() error

// Locker serializes access to a checkpoint path across processes.
type Locker interface {
	Lock(ctx context.Context, path string) (Unlock, error)
	RLock(ctx context.Context, path string) (Unlock, error)
}

// FileLocker takes advisory flock(2) locks on "{path}.lock".
type FileLocker struct {
	// Timeout bounds how long an acquisition may wait. Zero waits until ctx is done.
	Timeout time.Duration
	// RetryDelay is the polling interval while the lock is contended.
	RetryDelay time.Duration
}

// NewFileLocker returns a FileLocker with the given acquisition timeout.
func NewFileLocker(timeout time.Duration) *FileLocker {
	return &FileLocker{Timeout: timeout, RetryDelay: 20 * time.Millisecond}
}

func (l *FileLocker) Lock(ctx context.Context, path string) (Unlock, error) {
	return l.acquire(ctx, path, true)
}

func (l *FileLocker) RLock(ctx context.Context, path string) (Unlock, error) {
	return l.acquire(ctx, path, false)
}

func (l *FileLocker) acquire(ctx context.Context, path string, exclusive bool) (Unlock, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	delay := l.RetryDelay
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}

	fl := flock.New(path + ".lock")
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = fl.TryLockContext(ctx, delay)
	} else {
		ok, err = fl.TryRLockContext(ctx, delay)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
	}
	return fl.Unlock, nil
}

// NopLocker performs no locking. Use it only when a single process owns
// the checkpoint directory.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (Unlock, error)  { return func() error { return nil }, nil }
func (NopLocker) RLock(context.Context, string) (Unlock, error) { return func() error { return nil }, nil }
