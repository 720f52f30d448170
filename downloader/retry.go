package downloader

import (
	"context"
	"errors"
	"time"

	"mediafetch/internal"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the default SleepFunc
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryPolicy retries transient failures with exponential backoff
type RetryPolicy struct {
	Ceiling int           // total attempts, including the first
	Base    time.Duration // delay before the second attempt
	Sleep   SleepFunc
}

// Backoff returns the delay after the given failed attempt (counting from 1):
// base * 2^(attempt-1)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Base * time.Duration(int64(1)<<uint(attempt-1))
}

// AttemptFunc performs one attempt; attempt counts from 1
type AttemptFunc func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds, fails permanently, is cancelled or the
// ceiling is reached. It returns the number of attempts made and the last
// error observed.
func (p RetryPolicy) Do(ctx context.Context, fn AttemptFunc) (int, error) {
	ceiling := p.Ceiling
	if ceiling < 1 {
		ceiling = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}

	var lastErr error
	for attempt := 1; attempt <= ceiling; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if internal.ClassifyError(lastErr) != internal.ClassTransient || attempt == ceiling {
			return attempt, lastErr
		}

		delay := p.Backoff(attempt)
		var fetchErr *internal.FetchError
		if errors.As(lastErr, &fetchErr) && fetchErr.RetryAfter > 0 {
			if hinted := time.Duration(fetchErr.RetryAfter) * time.Second; hinted > delay {
				delay = hinted
			}
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
	return ceiling, lastErr
}
