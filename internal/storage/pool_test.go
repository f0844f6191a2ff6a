package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type closeCountingBackend struct {
	*LocalBackend
	closed int
}

func (c *closeCountingBackend) Close() error {
	c.closed++
	return nil
}

func TestPool_ReusesBackend(t *testing.T) {
	pool := NewPool(zap.NewNop())
	built := 0
	build := func(ctx context.Context) (Backend, error) {
		built++
		return NewLocalBackend(t.TempDir()), nil
	}

	a, releaseA, err := pool.Get(context.Background(), "dest-1", build)
	require.NoError(t, err)
	b, releaseB, err := pool.Get(context.Background(), "dest-1", build)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, built)
	releaseA()
	releaseB()
}

func TestPool_EvictsIdleAndCloses(t *testing.T) {
	pool := NewPool(zap.NewNop())
	now := time.Now()
	pool.now = func() time.Time { return now }

	backend := &closeCountingBackend{LocalBackend: NewLocalBackend(t.TempDir())}
	_, release, err := pool.Get(context.Background(), "dest-1", func(ctx context.Context) (Backend, error) {
		return backend, nil
	})
	require.NoError(t, err)
	release()

	// Advance past the idle TTL; the next access rebuilds.
	now = now.Add(poolIdleTTL + time.Minute)
	rebuilt := 0
	_, release, err = pool.Get(context.Background(), "dest-1", func(ctx context.Context) (Backend, error) {
		rebuilt++
		return NewLocalBackend(t.TempDir()), nil
	})
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, rebuilt)
	assert.Equal(t, 1, backend.closed)
}

func TestPool_NeverClosesBorrowedBackend(t *testing.T) {
	pool := NewPool(zap.NewNop())
	now := time.Now()
	pool.now = func() time.Time { return now }

	backend := &closeCountingBackend{LocalBackend: NewLocalBackend(t.TempDir())}
	_, release, err := pool.Get(context.Background(), "dest-1", func(ctx context.Context) (Backend, error) {
		return backend, nil
	})
	require.NoError(t, err)

	// A slow borrower outlives the TTL; sweeps triggered by other lookups
	// must leave its backend alone.
	now = now.Add(poolIdleTTL + time.Minute)
	_, r2, err := pool.Get(context.Background(), "dest-2", func(ctx context.Context) (Backend, error) {
		return NewLocalBackend(t.TempDir()), nil
	})
	require.NoError(t, err)
	r2()
	assert.Zero(t, backend.closed)

	// After checkin the entry ages out normally.
	release()
	now = now.Add(poolIdleTTL + time.Minute)
	_, r3, err := pool.Get(context.Background(), "dest-3", func(ctx context.Context) (Backend, error) {
		return NewLocalBackend(t.TempDir()), nil
	})
	require.NoError(t, err)
	r3()
	assert.Equal(t, 1, backend.closed)
}

func TestPool_InvalidateDropsEntry(t *testing.T) {
	pool := NewPool(zap.NewNop())
	backend := &closeCountingBackend{LocalBackend: NewLocalBackend(t.TempDir())}

	_, release, err := pool.Get(context.Background(), "dest-1", func(ctx context.Context) (Backend, error) {
		return backend, nil
	})
	require.NoError(t, err)
	release()

	pool.Invalidate("dest-1")
	assert.Equal(t, 1, backend.closed)

	rebuilt := 0
	_, release, err = pool.Get(context.Background(), "dest-1", func(ctx context.Context) (Backend, error) {
		rebuilt++
		return NewLocalBackend(t.TempDir()), nil
	})
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, rebuilt)
}

func TestPool_InvalidateWhileBorrowedDefersClose(t *testing.T) {
	pool := NewPool(zap.NewNop())
	backend := &closeCountingBackend{LocalBackend: NewLocalBackend(t.TempDir())}

	_, release, err := pool.Get(context.Background(), "dest-1", func(ctx context.Context) (Backend, error) {
		return backend, nil
	})
	require.NoError(t, err)

	pool.Invalidate("dest-1")
	assert.Zero(t, backend.closed)

	// The invalidated entry is already gone from the pool; a new Get builds
	// a fresh backend while the old borrow is still out.
	rebuilt := 0
	_, r2, err := pool.Get(context.Background(), "dest-1", func(ctx context.Context) (Backend, error) {
		rebuilt++
		return NewLocalBackend(t.TempDir()), nil
	})
	require.NoError(t, err)
	r2()
	assert.Equal(t, 1, rebuilt)

	// The stale backend closes on its final release, and only once.
	release()
	release()
	assert.Equal(t, 1, backend.closed)
}
