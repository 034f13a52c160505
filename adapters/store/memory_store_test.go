package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[string](4)

	require.NoError(t, s.Put(ctx, "a", "alpha", 0))

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", v)

	deleted, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, core.ErrNotFound)

	deleted, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore[string](4)
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "short", "x", time.Minute))
	require.NoError(t, s.Put(ctx, "forever", "y", 0))

	now = now.Add(2 * time.Minute)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, core.ErrNotFound)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"forever"}, keys)

	removed, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_UpdateActions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[int](4)
	require.NoError(t, s.Put(ctx, "n", 1, 0))

	next, err := s.Update(ctx, "n", func(cur int, exists bool) (int, ports.Action, error) {
		require.True(t, exists)
		return cur + 1, ports.Replace, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	boom := errors.New("boom")
	_, err = s.Update(ctx, "n", func(cur int, exists bool) (int, ports.Action, error) {
		return 100, ports.Keep, boom
	})
	assert.ErrorIs(t, err, boom)
	v, _ := s.Get(ctx, "n")
	assert.Equal(t, 2, v, "failed update must leave value untouched")

	_, err = s.Update(ctx, "n", func(cur int, exists bool) (int, ports.Action, error) {
		return cur, ports.Remove, boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "n")
	assert.ErrorIs(t, err, core.ErrNotFound, "remove is applied even when fn fails")
}

func TestMemoryStore_UpdateKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore[int](1)
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "k", 1, time.Minute))
	_, err := s.Update(ctx, "k", func(cur int, _ bool) (int, ports.Action, error) {
		return cur + 1, ports.Replace, nil
	})
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryStore_ConcurrentUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[int](8)

	const workers, perWorker = 16, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("k%d", i%4)
				_, _ = s.Update(ctx, key, func(cur int, _ bool) (int, ports.Action, error) {
					return cur + 1, ports.Replace, nil
				})
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 4; i++ {
		v, err := s.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		total += v
	}
	assert.Equal(t, workers*perWorker, total)
}
