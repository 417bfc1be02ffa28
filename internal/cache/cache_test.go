package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"badger": b,
	}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "pr-1:b", []byte("2"), 0))
			require.NoError(t, s.Set(ctx, "pr-1:a", []byte("1"), 0))
			require.NoError(t, s.Set(ctx, "pr-2:a", []byte("x"), time.Hour))

			v, err := s.Get(ctx, "pr-1:a")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), v)

			keys, err := s.Keys(ctx, "pr-1:")
			require.NoError(t, err)
			assert.Equal(t, []string{"pr-1:a", "pr-1:b"}, keys)

			all, err := GetAll(ctx, s, "pr-1:")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"pr-1:a": []byte("1"), "pr-1:b": []byte("2")}, all)

			ok, err := s.SetIfAbsent(ctx, "pr-1:a", []byte("other"), 0)
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = s.SetIfAbsent(ctx, "pr-1:c", []byte("3"), 0)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.CompareAndDelete(ctx, "pr-1:c", []byte("wrong"))
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = s.CompareAndDelete(ctx, "pr-1:c", []byte("3"))
			require.NoError(t, err)
			assert.True(t, ok)

			n, err := DeletePrefix(ctx, s, "pr-1:")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			keys, err = s.Keys(ctx, "pr-1:")
			require.NoError(t, err)
			assert.Empty(t, keys)

			require.NoError(t, s.Delete(ctx, "never-existed"))
		})
	}
}

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory().WithClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := m.SetIfAbsent(ctx, "k", []byte("again"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired key counts as absent")
}

func TestMemory_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf, 0))
	buf[0] = 'z'
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v)
}

func TestLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory().WithClock(func() time.Time { return now })
	lock := NewLock(m, "retention", time.Minute)

	require.NoError(t, lock.Acquire(ctx, "w1"))
	assert.ErrorIs(t, lock.Acquire(ctx, "w2"), ErrLockHeld)

	// Releasing someone else's lock leaves it in place.
	require.NoError(t, lock.Release(ctx, "w2"))
	assert.ErrorIs(t, lock.Acquire(ctx, "w2"), ErrLockHeld)

	// A crashed holder's lock lapses with the TTL.
	now = now.Add(time.Minute)
	require.NoError(t, lock.Acquire(ctx, "w2"))
	require.NoError(t, lock.Release(ctx, "w2"))
	require.NoError(t, lock.Acquire(ctx, "w1"))
}

func TestLock_WithLockAtMostOneHolder(t *testing.T) {
	ctx := context.Background()
	lock := NewLock(NewMemory(), "job", time.Minute)

	var running, ran atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = lock.WithLock(ctx, "owner", func(context.Context) error {
				if running.Add(1) > 1 {
					t.Error("two holders at once")
				}
				ran.Add(1)
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()
	assert.GreaterOrEqual(t, ran.Load(), int32(1))
}
