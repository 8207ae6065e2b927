// Package util provides shared utility functions for sectorfs.
package util

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"

	"sectorfs/internal/common"
)

// DeviceRetryOptions returns retry options for sector I/O.
// Uses exponential backoff (10ms, 20ms, 40ms...) and only retries device errors;
// corruption and exhaustion are not transient.
func DeviceRetryOptions(ctx context.Context, attempts uint) []retry.Option {
	if attempts == 0 {
		attempts = 1
	}
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(10 * time.Millisecond),
		retry.MaxDelay(250 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransientIO),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// LockRetryOptions returns retry options for opening an image another
// process holds. It waits about 750ms in total before giving up.
func LockRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(5),
		retry.Delay(50 * time.Millisecond),
		retry.MaxDelay(400 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsLocked),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DeviceRetryOptions(ctx, 3)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DeviceRetryOptions(ctx, 3)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsTransientIO returns true if the error is a device I/O failure.
func IsTransientIO(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, common.ErrIO)
}

// IsLocked returns true if the error is a held image lock.
func IsLocked(err error) bool {
	return errors.Is(err, common.ErrLocked)
}
