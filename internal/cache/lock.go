package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrLockHeld is returned by Acquire when another owner holds the lock.
var ErrLockHeld = errors.New("cache: lock held by another owner")

// Lock is an advisory, TTL-bounded mutual exclusion primitive built on
// SetIfAbsent. It guarantees at most one holder of a given name across every
// process sharing the Store, as long as holders finish within the TTL. It
// does not serialize task execution.
type Lock struct {
	store Store
	key   string
	ttl   time.Duration
}

// NewLock returns a lock named name. ttl bounds how long a crashed holder can
// keep others out.
func NewLock(store Store, name string, ttl time.Duration) *Lock {
	return &Lock{store: store, key: "lock:" + name, ttl: ttl}
}

// Acquire takes the lock for owner, or returns ErrLockHeld.
func (l *Lock) Acquire(ctx context.Context, owner string) error {
	ok, err := l.store.SetIfAbsent(ctx, l.key, []byte(owner), l.ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	slog.Debug("lock acquired", "lock", l.key, "owner", owner, "ttl", l.ttl)
	return nil
}

// Release frees the lock if owner still holds it. Releasing a lock that
// expired or was taken over is a no-op.
func (l *Lock) Release(ctx context.Context, owner string) error {
	ok, err := l.store.CompareAndDelete(ctx, l.key, []byte(owner))
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if !ok {
		slog.Warn("lock not held at release", "lock", l.key, "owner", owner)
	}
	return nil
}

// WithLock runs fn while holding the lock. Returns ErrLockHeld without
// running fn when the lock is taken.
func (l *Lock) WithLock(ctx context.Context, owner string, fn func(context.Context) error) error {
	if err := l.Acquire(ctx, owner); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), owner); err != nil {
			slog.Error("lock release failed", "lock", l.key, "error", err)
		}
	}()
	return fn(ctx)
}
