package utils

import (
	"fmt"
	"time"

	"github.com/smrt-devops/buildctl/internal/apierr"
)

// WrapError wraps an error with additional context.
func WrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IgnoreNotFound returns nil if the error is an apierr NotFound error,
// otherwise returns the error unchanged.
func IgnoreNotFound(err error) error {
	if e, ok := apierr.As(err); ok && e.Code == "NotFound" {
		return nil
	}
	return err
}

// RetryWithBackoff retries a function with exponential backoff, retrying
// only on apierr.KindConcurrency errors (the optimistic-CAS contention case).
// Any other error is returned immediately without retrying.
func RetryWithBackoff(maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if apierr.KindOf(err) == apierr.KindConcurrency {
			lastErr = err
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<uint(i))
				time.Sleep(delay)
			}
			continue
		}
		return err
	}
	return lastErr
}
