package util

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sectorfs/internal/common"
)

func TestIsTransientIO(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"io", common.ErrIO, true},
		{"wrapped io", fmt.Errorf("write sector 7: %w", common.ErrIO), true},
		{"corrupt", common.ErrCorrupt, false},
		{"no space", fmt.Errorf("grow: %w", common.ErrNoSpace), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransientIO(tt.err))
		})
	}
}

func TestRetryDeviceOptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("recovers from transient failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(ctx, func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("sector 4: %w", common.ErrIO)
			}
			return nil
		}, DeviceRetryOptions(ctx, 3)...)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(ctx, func() error {
			calls++
			return fmt.Errorf("sector 4: %w", common.ErrIO)
		}, DeviceRetryOptions(ctx, 2)...)
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrIO)
		assert.Equal(t, 2, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(ctx, func() error {
			calls++
			return common.ErrCorrupt
		}, DeviceRetryOptions(ctx, 5)...)
		assert.ErrorIs(t, err, common.ErrCorrupt)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(ctx, func() error {
			calls++
			return errors.New("boom")
		}, DeviceRetryOptions(ctx, 0)...)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	calls := 0
	got, err := RetryWithResult(ctx, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, common.ErrIO
		}
		return 42, nil
	}, DeviceRetryOptions(ctx, 3)...)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestLockRetryOptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("waits for the lock", func(t *testing.T) {
		t.Parallel()
		calls := 0
		got, err := RetryWithResult(ctx, func() (string, error) {
			calls++
			if calls < 3 {
				return "", fmt.Errorf("disk.img: %w", common.ErrLocked)
			}
			return "opened", nil
		}, LockRetryOptions(ctx)...)
		require.NoError(t, err)
		assert.Equal(t, "opened", got)
		assert.Equal(t, 3, calls)
	})

	t.Run("other errors fail at once", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := RetryWithResult(ctx, func() (int, error) {
			calls++
			return 0, common.ErrCorrupt
		}, LockRetryOptions(ctx)...)
		assert.ErrorIs(t, err, common.ErrCorrupt)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		t.Parallel()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := RetryWithResult(cctx, func() (int, error) {
			return 0, common.ErrLocked
		}, LockRetryOptions(cctx)...)
		assert.Error(t, err)
	})
}

func TestIsLocked(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLocked(fmt.Errorf("disk.img: %w", common.ErrLocked)))
	assert.False(t, IsLocked(common.ErrIO))
	assert.False(t, IsLocked(nil))
}
