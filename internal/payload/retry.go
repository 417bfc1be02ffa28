package payload

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryingStorage retries transient backend failures with exponential
// backoff. Missing objects, invalid keys and cancellation are not retried.
type RetryingStorage struct {
	inner    Storage
	attempts int
	delay    time.Duration
	sleep    func(context.Context, time.Duration) error
}

// NewRetryingStorage wraps inner. attempts counts the first try.
func NewRetryingStorage(inner Storage, attempts int, delay time.Duration) *RetryingStorage {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingStorage{inner: inner, attempts: attempts, delay: delay, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func transient(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInvalidKey) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (r *RetryingStorage) do(ctx context.Context, op, key string, fn func() error) error {
	delay := r.delay
	var err error
	for i := 0; i < r.attempts; i++ {
		if err = fn(); err == nil || !transient(err) {
			return err
		}
		if i == r.attempts-1 {
			break
		}
		slog.Warn("payload storage call failed, retrying", "op", op, "key", key, "attempt", i+1, "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
		delay *= 2
	}
	return err
}

func (r *RetryingStorage) Store(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, "store", key, func() error { return r.inner.Store(ctx, key, data) })
}

func (r *RetryingStorage) Retrieve(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "retrieve", key, func() error {
		var err error
		out, err = r.inner.Retrieve(ctx, key)
		return err
	})
	return out, err
}

func (r *RetryingStorage) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, func() error { return r.inner.Delete(ctx, key) })
}
