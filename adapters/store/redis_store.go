package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries in Update
const maxTxRetries = 16

// RedisStore is a Redis implementation of the Store interface.
// Values are JSON encoded; expiry is delegated to Redis key TTLs.
type RedisStore[V any] struct {
	client *redis.Client
	prefix string
}

var _ ports.Store[int] = (*RedisStore[int])(nil)

// NewRedisStore creates a new Redis store whose keys live under
// "gatekeeper:<namespace>:"
func NewRedisStore[V any](client *redis.Client, namespace string) *RedisStore[V] {
	return &RedisStore[V]{
		client: client,
		prefix: "gatekeeper:" + namespace + ":",
	}
}

// Get retrieves a value by key
func (s *RedisStore[V]) Get(ctx context.Context, key string) (V, error) {
	var value V
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return value, core.ErrNotFound
		}
		return value, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return value, nil
}

// Put stores a key with a value and expiration time
func (s *RedisStore[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (s *RedisStore[V]) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return n > 0, nil
}

// Update applies fn inside a WATCH/MULTI transaction on the key, retrying
// when another client modifies the key concurrently
func (s *RedisStore[V]) Update(ctx context.Context, key string, fn ports.UpdateFunc[V]) (V, error) {
	k := s.prefix + key
	var (
		result V
		fnErr  error
	)

	txf := func(tx *redis.Tx) error {
		var current V
		exists := true
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("failed to decode %s: %w", key, err)
			}
		}

		next, action, err := fn(current, exists)
		result, fnErr = next, err

		if action == ports.Keep {
			return nil
		}

		var data []byte
		if action == ports.Replace {
			data, err = json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", key, err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if action == ports.Remove {
				pipe.Del(ctx, k)
			} else {
				pipe.Set(ctx, k, data, redis.KeepTTL)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return result, fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var zero V
		return zero, fmt.Errorf("failed to update %s: %w", key, err)
	}

	var zero V
	return zero, fmt.Errorf("failed to update %s: too much contention", key)
}

// Keys returns all live keys in the namespace
func (s *RedisStore[V]) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// SweepExpired is a no-op: Redis evicts expired keys itself
func (s *RedisStore[V]) SweepExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Client returns the Redis client
func (s *RedisStore[V]) Client() *redis.Client {
	return s.client
}
