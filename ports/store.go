package ports

import (
	"context"
	"time"
)

// Action tells a Store what to do with the value returned by an UpdateFunc
type Action int

const (
	// Keep leaves the stored value untouched
	Keep Action = iota
	// Replace writes the value, keeping the existing expiry (none for a new key)
	Replace
	// Remove deletes the key
	Remove
)

// UpdateFunc computes the next value for a key. The action is applied even when
// err is non-nil, so a failure can remove an entry without leaving it half-updated.
type UpdateFunc[V any] func(current V, exists bool) (next V, action Action, err error)

// Store is a key-value store with per-key atomic read-modify-write and TTL eviction
type Store[V any] interface {
	// Get returns the value for key or core.ErrNotFound
	Get(ctx context.Context, key string) (V, error)

	// Put writes value under key; a zero ttl means no expiry
	Put(ctx context.Context, key string, value V, ttl time.Duration) error

	// Delete removes key and reports whether it existed
	Delete(ctx context.Context, key string) (bool, error)

	// Update runs fn atomically with respect to other operations on key
	Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error)

	// Keys returns all live keys
	Keys(ctx context.Context) ([]string, error)

	// SweepExpired evicts entries past their TTL and returns how many were removed
	SweepExpired(ctx context.Context) (int, error)
}
