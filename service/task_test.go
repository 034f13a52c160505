package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvery(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Every(ctx, time.Millisecond, 10, func(context.Context, int) (bool, error) {
		calls++
		return calls == 3, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	err = Every(ctx, time.Millisecond, 2, func(context.Context, int) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, ErrAttemptsExhausted)

	boom := errors.New("boom")
	err = Every(ctx, time.Millisecond, 0, func(context.Context, int) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}

func TestEvery_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Every(ctx, time.Hour, 0, func(context.Context, int) (bool, error) {
		t.Fatal("must not run")
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
