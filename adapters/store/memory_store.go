package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
)

// DefaultShards is the number of lock shards used by NewMemoryStore
const DefaultShards = 32

type item[V any] struct {
	value     V
	expiresAt time.Time // zero means no expiry
}

func (it item[V]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]item[V]
}

// MemoryStore is an in-memory implementation of the Store interface.
// Keys are spread over independently locked shards, so operations on a single
// key are atomic while unrelated keys rarely contend.
type MemoryStore[V any] struct {
	shards  []*shard[V]
	nowFunc func() time.Time
}

var _ ports.Store[int] = (*MemoryStore[int])(nil)

// NewMemoryStore creates a new in-memory store with the given number of shards
func NewMemoryStore[V any](shards int) *MemoryStore[V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	s := &MemoryStore[V]{
		shards:  make([]*shard[V], shards),
		nowFunc: time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard[V]{items: make(map[string]item[V])}
	}
	return s
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryStore[V]) SetClock(now func() time.Time) {
	s.nowFunc = now
}

func (s *MemoryStore[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get retrieves a value by key
func (s *MemoryStore[V]) Get(ctx context.Context, key string) (V, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	it, ok := sh.items[key]
	if !ok || it.expired(s.nowFunc()) {
		var zero V
		return zero, core.ErrNotFound
	}
	return it.value, nil
}

// Put stores a key with a value and expiration time
func (s *MemoryStore[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) error {
	it := item[V]{value: value}
	if ttl > 0 {
		it.expiresAt = s.nowFunc().Add(ttl)
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.items[key] = it
	return nil
}

// Delete removes a key
func (s *MemoryStore[V]) Delete(ctx context.Context, key string) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	it, ok := sh.items[key]
	if !ok {
		return false, nil
	}
	delete(sh.items, key)
	return !it.expired(s.nowFunc()), nil
}

// Update applies fn to the current value while holding the key's shard lock
func (s *MemoryStore[V]) Update(ctx context.Context, key string, fn ports.UpdateFunc[V]) (V, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	it, exists := sh.items[key]
	if exists && it.expired(s.nowFunc()) {
		delete(sh.items, key)
		it, exists = item[V]{}, false
	}

	next, action, err := fn(it.value, exists)
	switch action {
	case ports.Replace:
		sh.items[key] = item[V]{value: next, expiresAt: it.expiresAt}
	case ports.Remove:
		delete(sh.items, key)
	}
	return next, err
}

// Keys returns all live keys in sorted order
func (s *MemoryStore[V]) Keys(ctx context.Context) ([]string, error) {
	now := s.nowFunc()
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, it := range sh.items {
			if !it.expired(now) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys, nil
}

// SweepExpired removes entries whose TTL has passed
func (s *MemoryStore[V]) SweepExpired(ctx context.Context) (int, error) {
	now := s.nowFunc()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, it := range sh.items {
			if it.expired(now) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, including ones not yet swept
func (s *MemoryStore[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}
