package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(time.Hour)
	t.Cleanup(m.Close)
	return m
}

func TestWithLockMutualExclusion(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "thread", "t1", time.Second, func() error {
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestAcquireTimeout(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "thread", "t1", 0))
	defer m.Release("thread", "t1")

	err := m.Acquire(ctx, "thread", "t1", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDifferentKeysIndependent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "thread", "t1", 0))
	defer m.Release("thread", "t1")

	require.NoError(t, m.Acquire(ctx, "thread", "t2", 50*time.Millisecond))
	m.Release("thread", "t2")

	require.NoError(t, m.Acquire(ctx, "user_context", "t1", 50*time.Millisecond))
	m.Release("user_context", "t1")
}

func TestReleaseIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "thread", "t1", 0))
	m.Release("thread", "t1")
	m.Release("thread", "t1") // no-op
	m.Release("thread", "never-acquired")

	// Still acquirable exactly once.
	require.NoError(t, m.Acquire(ctx, "thread", "t1", 0))
	err := m.Acquire(ctx, "thread", "t1", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	m.Release("thread", "t1")
}

func TestWithLockReleasesOnPanicFreeError(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	wantErr := assert.AnError
	err := m.WithLock(ctx, "thread", "t1", time.Second, func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	// Lock is free again.
	require.NoError(t, m.Acquire(ctx, "thread", "t1", 50*time.Millisecond))
	m.Release("thread", "t1")
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "thread", "t1", 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, m.Acquire(ctx, "thread", "t1", time.Second))
		m.Release("thread", "t1")
	}()

	time.Sleep(20 * time.Millisecond)
	m.Release("thread", "t1")
	<-done

	stats, ok := m.StatsFor("thread", "t1")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Acquisitions)
	assert.Equal(t, 1, stats.Contentions)
	assert.Greater(t, stats.TotalWait, time.Duration(0))
	assert.Greater(t, stats.TotalHeld, time.Duration(0))
}

func TestCleanupRemovesOnlyIdleUnlocked(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "thread", "held", 0))
	require.NoError(t, m.Acquire(ctx, "thread", "idle", 0))
	m.Release("thread", "idle")

	removed := m.Cleanup(0)
	assert.Equal(t, 1, removed)

	_, heldExists := m.StatsFor("thread", "held")
	assert.True(t, heldExists)
	_, idleExists := m.StatsFor("thread", "idle")
	assert.False(t, idleExists)
	m.Release("thread", "held")
}

func TestAcquireContextCancelled(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Acquire(context.Background(), "thread", "t1", 0))
	defer m.Release("thread", "t1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := m.Acquire(ctx, "thread", "t1", 0)
	assert.ErrorIs(t, err, context.Canceled)
}
