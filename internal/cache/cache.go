// Package cache provides the key/value store behind the per-request result
// cache and the advisory maintenance lock.
//
// Two backends implement Store: an in-process map (tests, single-process
// runs) and BadgerDB (durable, shared by every worker on a host). Both honour
// per-key TTLs.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Store is a byte-oriented key/value store with expiry.
type Store interface {
	// Set writes value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Keys returns every live key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// SetIfAbsent writes value only if key is absent, reporting whether it
	// did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	Close() error
}

// GetAll returns every live key/value pair under prefix.
func GetAll(ctx context.Context, s Store, prefix string) (map[string][]byte, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			// Expired between Keys and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// DeletePrefix removes every key under prefix and returns how many it removed.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
