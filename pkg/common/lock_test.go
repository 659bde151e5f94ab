package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "workflows/a")
	require.NoError(t, err)

	// Other keys are independent
	unlockB, err := l.Lock(ctx, "workflows/b")
	require.NoError(t, err)
	unlockB()

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "workflows/a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "workflows/a")
		if assert.NoError(t, err) {
			u()
		}
		close(acquired)
	}()

	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}

	l.mu.Lock()
	assert.Empty(t, l.locks)
	l.mu.Unlock()
}

func TestRedisLocker(t *testing.T) {
	rdb, s, err := NewRedisClientForTest()
	require.NoError(t, err)
	defer s.Close()
	defer rdb.Close()

	first := NewRedisLocker(rdb, "srv", time.Minute)
	second := NewRedisLocker(rdb, "srv", time.Minute)
	ctx := context.Background()

	unlock, err := first.Lock(ctx, "actions/echo")
	require.NoError(t, err)
	assert.True(t, s.Exists(Keys.LockResource("srv", "actions/echo")))

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = second.Lock(waitCtx, "actions/echo")
	assert.ErrorIs(t, err, ErrLocked)

	// A different server name is a different namespace
	other, err := NewRedisLocker(rdb, "other", time.Minute).Lock(ctx, "actions/echo")
	require.NoError(t, err)
	other()

	unlock()
	assert.False(t, s.Exists(Keys.LockResource("srv", "actions/echo")))

	unlock, err = second.Lock(ctx, "actions/echo")
	require.NoError(t, err)
	unlock()
}
