package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), "put", func() error {
		calls++
		if calls < 2 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_PermanentFailsImmediately(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), "put", func() error {
		calls++
		return Permanent(errors.New("403 forbidden"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_GivesUpAfterThreeAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), "put", func() error {
		calls++
		return Transient(errors.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsTransient(err))
}

func TestWithRetry_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, zap.NewNop(), "put", func() error {
		return Transient(errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	for attempt := 1; attempt <= 2; attempt++ {
		base := retryBase << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
		}
	}
}

func TestClassification(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.False(t, IsTransient(Permanent(errors.New("x"))))
	assert.False(t, IsTransient(errors.New("unclassified")))
	assert.False(t, IsTransient(context.Canceled))
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}
