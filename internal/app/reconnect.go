package app

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// RunWithReconnect runs fn and, when it returns an error and reconnect is
// true, retries after Delay until ctx is done.
func RunWithReconnect(ctx context.Context, reconnect bool, fn func(context.Context) error) error {
	return runWithReconnect(ctx, reconnect, Delay, fn)
}

func runWithReconnect(ctx context.Context, reconnect bool, delay func(int) time.Duration, fn func(context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil || !reconnect || ctx.Err() != nil {
			return err
		}
		d := delay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}
